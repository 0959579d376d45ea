// Package handlers implements the HTTP API: accounts, outline generation,
// generation task control with live progress, image serving, history records
// and provider configuration.
package handlers

import (
	"encoding/json"
	"net/http"

	"redink/server/internal/auth"
	"redink/server/internal/generation"
	"redink/server/internal/history"
	"redink/server/internal/infra"
	"redink/server/internal/middleware"
	"redink/server/internal/outline"
	"redink/server/internal/providerconfig"
	"redink/server/internal/storage"
)

// App carries the wired dependencies every handler works against.
type App struct {
	Config    *infra.Config
	Logger    *infra.Logger
	Auth      *auth.Service
	Tokens    *auth.TokenIssuer
	History   *history.Store
	Providers *providerconfig.Store
	Tester    *providerconfig.Tester
	Outline   *outline.Service
	Registry  *generation.Registry
	Files     *storage.FileStore
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// fail writes the error envelope the UI expects on every non-2xx response.
func (a *App) fail(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]any{"success": false, "error": message})
}

// NotFound answers unmatched routes with the same envelope as every other
// error, localized for the request.
func (a *App) NotFound(w http.ResponseWriter, r *http.Request) {
	a.fail(w, http.StatusNotFound, middleware.Localize(r.Context(), "接口不存在", "not found"))
}

func (a *App) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.fail(w, http.StatusMethodNotAllowed, middleware.Localize(r.Context(), "方法不允许", "method not allowed"))
}
