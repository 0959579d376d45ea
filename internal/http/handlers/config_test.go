package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"redink/server/internal/domain"
	"redink/server/internal/sqlinline"
)

func TestConfigGetMasksSecrets(t *testing.T) {
	env := newTestEnv(t)
	rawKey := "sk-1234567890abcdef"
	env.db.returnRows(sqlinline.QSelectProvidersByCategory,
		providerRow("text", "openai", "openai_compatible", rawKey, "https://api.example.com", "gpt-4o", true),
	)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodGet, "/api/config", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	config, _ := body["config"].(map[string]any)
	text, _ := config["text_generation"].(map[string]any)
	if text["active_provider"] != "openai" {
		t.Fatalf("active_provider = %v", text["active_provider"])
	}
	providers, _ := text["providers"].(map[string]any)
	openai, _ := providers["openai"].(map[string]any)
	if openai["type"] != "openai_compatible" || openai["model"] != "gpt-4o" {
		t.Fatalf("provider doc = %v", openai)
	}
	masked, _ := openai["api_key"].(string)
	if masked == rawKey || masked != domain.MaskAPIKey(rawKey) {
		t.Fatalf("api_key = %q, want the masked form", masked)
	}
}

func TestConfigUpdateReplacesCategory(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config", map[string]any{
		"image_generation": map[string]any{
			"active_provider": "google",
			"providers": map[string]any{
				"google": map[string]any{
					"type":       "google_genai",
					"api_key":    "AIza-new-key",
					"model":      "imagen-4.0",
					"image_size": "2K",
				},
			},
		},
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["message"] != "配置已保存" {
		t.Fatalf("message = %v", body["message"])
	}

	deact := env.db.execCalls(sqlinline.QDeactivateProviders)
	if len(deact) != 1 || deact[0].args[0] != "image" {
		t.Fatalf("deactivate calls = %+v", deact)
	}

	upserts := env.db.execCalls(sqlinline.QUpsertProviderConfig)
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	args := upserts[0].args
	if args[0] != "image" || args[1] != "google" || args[2] != "google_genai" ||
		args[3] != "AIza-new-key" || args[4] != "" || args[5] != "imagen-4.0" {
		t.Fatalf("upsert args = %v", args)
	}
	if raw, ok := args[6].([]byte); !ok || !strings.Contains(string(raw), "image_size") {
		t.Fatalf("extra arg = %v", args[6])
	}
	if args[7] != true {
		t.Fatalf("active arg = %v", args[7])
	}

	prune := env.db.execCalls(sqlinline.QPruneProviders)
	if len(prune) != 1 || !reflect.DeepEqual(prune[0].args[1], []string{"google"}) {
		t.Fatalf("prune calls = %+v", prune)
	}
}

func TestConfigUpdateKeepsStoredKeyWhenMasked(t *testing.T) {
	env := newTestEnv(t)
	stored := "sk-stored-secret-key"
	env.db.returnRows(sqlinline.QSelectProvidersByCategory,
		providerRow("text", "openai", "openai_compatible", stored, "https://api.example.com", "gpt-4o", true),
	)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config", map[string]any{
		"text_generation": map[string]any{
			"active_provider": "openai",
			"providers": map[string]any{
				"openai": map[string]any{
					"type":    "openai_compatible",
					"api_key": domain.MaskAPIKey(stored),
					"model":   "gpt-4o",
				},
			},
		},
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	upserts := env.db.execCalls(sqlinline.QUpsertProviderConfig)
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	if key := upserts[0].args[3]; key != stored {
		t.Fatalf("stored key = %v, want %q", key, stored)
	}
}

func TestConfigTestValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config/test", map[string]any{}, token)
	wantFail(t, rec, http.StatusBadRequest, "缺少 type 参数")

	rec = env.do(t, http.MethodPost, "/api/config/test",
		map[string]any{"type": "bogus"}, token)
	wantFail(t, rec, http.StatusBadRequest, "不支持的类型: bogus")

	rec = env.do(t, http.MethodPost, "/api/config/test",
		map[string]any{"type": "google_genai"}, token)
	wantFail(t, rec, http.StatusBadRequest, "API Key 未配置")
}

func TestConfigTestVertexSkipsProbe(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config/test",
		map[string]any{"type": "google_genai", "api_key": "AIza-x"}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "Vertex AI") {
		t.Fatalf("message = %q", msg)
	}
}

func TestConfigTestProbesImageAPI(t *testing.T) {
	env := newTestEnv(t)
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config/test",
		map[string]any{"type": "image_api", "api_key": "sk-live", "base_url": srv.URL}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if gotAuth != "Bearer sk-live" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

// A masked key posted with a provider name probes with the stored secret.
func TestConfigTestFallsBackToStoredKey(t *testing.T) {
	env := newTestEnv(t)
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)
	env.db.returnRow(sqlinline.QSelectProviderByName,
		providerRow("image", "stable", "image_api", "sk-stored", srv.URL, "", true)...)
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config/test", map[string]any{
		"type":          "image_api",
		"provider_name": "stable",
		"api_key":       "sk-****",
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if gotAuth != "Bearer sk-stored" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestConfigTestTextProbe(t *testing.T) {
	env := newTestEnv(t)
	backend := newTextBackend(t, "你好，红墨！连接正常。")
	_, token := env.authed(t)

	rec := env.do(t, http.MethodPost, "/api/config/test", map[string]any{
		"type":     "openai_compatible",
		"api_key":  "sk-live",
		"base_url": backend.URL,
		"model":    "test-model",
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "连接成功") {
		t.Fatalf("message = %q", msg)
	}
}
