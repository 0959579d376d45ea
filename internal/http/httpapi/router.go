// Package httpapi assembles the chi router: middleware chain, route table
// and the per-route auth policy.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"redink/server/internal/http/handlers"
	mw "redink/server/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP handler for the API. Mutating routes require a
// bearer token; progress streams and image fetches accept one but work
// without, since EventSource and img tags cannot attach headers.
func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		mw.RequestID,
		middleware.RealIP,
		mw.Logger(*app.Logger),
		middleware.Recoverer,
		mw.CORS(splitOrigins(app.Config.CORSAllowedOrigins)),
		mw.I18N(app.Config.DefaultLocale),
		mw.RateLimit(app.Config.RateLimitPerMin, time.Minute),
	)

	requireAuth := mw.RequireAuth(app.Tokens, app.Auth)
	optionalAuth := mw.OptionalAuth(app.Tokens, app.Auth)

	r.NotFound(app.NotFound)
	r.MethodNotAllowed(app.MethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", app.Health)
		r.Get("/openapi.json", app.OpenAPIJSON)
		r.Get("/docs", app.OpenAPIDocs)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", app.AuthRegister)
			r.Post("/login", app.AuthLogin)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/logout", app.AuthLogout)
				r.Get("/me", app.Me)
				r.Post("/refresh", app.AuthRefresh)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/outline", app.OutlineGenerate)
			r.Post("/generate", app.Generate)
			r.Post("/generate/{taskID}/cancel", app.TaskCancel)
			r.Post("/generate/{taskID}/pages/{index}/retry", app.PageRetry)
		})

		r.Group(func(r chi.Router) {
			r.Use(optionalAuth)
			r.Get("/generate/{taskID}/progress", app.TaskProgress)
			r.Get("/generate/{taskID}", app.TaskSnapshot)
			// The static archive segment wins over {filename}.
			r.Get("/images/{taskID}/archive", app.ImageArchive)
			r.Get("/images/{taskID}/{filename}", app.ImageServe)
		})

		r.Route("/history", func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/", app.HistoryList)
			r.Get("/search", app.HistorySearch)
			r.Get("/stats", app.HistoryStats)
			r.Get("/{id}", app.HistoryGet)
			r.Put("/{id}", app.HistoryUpdate)
			r.Delete("/{id}", app.HistoryDelete)
		})

		r.Route("/config", func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/", app.ConfigGet)
			r.Post("/", app.ConfigUpdate)
			r.Post("/test", app.ConfigTest)
		})
	})

	return r
}

func splitOrigins(v string) []string {
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
