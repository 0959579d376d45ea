package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"redink/server/internal/auth"
	"redink/server/internal/domain"
	"redink/server/internal/generation"
	"redink/server/internal/http/handlers"
	"redink/server/internal/http/httpapi"
	"redink/server/internal/history"
	"redink/server/internal/infra"
	"redink/server/internal/outline"
	"redink/server/internal/providerconfig"
	"redink/server/internal/sqlinline"
	"redink/server/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type dbCall struct {
	marker string
	args   []any
}

// fakeDB implements infra.SQLExecutor, keyed by the --sql marker of each
// statement. Generation jobs record results from their own goroutines while
// the test thread asserts, so every map and call log is mutex guarded.
type fakeDB struct {
	mu       sync.Mutex
	execs    []dbCall
	queries  []dbCall
	tags     map[string]string
	execErrs map[string]error
	rowVals  map[string][]any
	rowErrs  map[string]error
	rowsVals map[string][][]any
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		tags:     map[string]string{},
		execErrs: map[string]error{},
		rowVals:  map[string][]any{},
		rowErrs:  map[string]error{},
		rowsVals: map[string][][]any{},
	}
}

func marker(query string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(query), "\n")
	return strings.TrimPrefix(strings.TrimSpace(first), "--sql ")
}

func (f *fakeDB) returnRow(query string, vals ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowVals[marker(query)] = vals
}

func (f *fakeDB) returnRows(query string, rows ...[]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowsVals[marker(query)] = rows
}

func (f *fakeDB) tag(query, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[marker(query)] = tag
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	m := marker(query)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, dbCall{marker: m, args: args})
	if err := f.execErrs[m]; err != nil {
		return pgconn.CommandTag{}, err
	}
	tag := f.tags[m]
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	m := marker(query)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, dbCall{marker: m, args: args})
	if err := f.rowErrs[m]; err != nil {
		return fakeRow{err: err}
	}
	vals, ok := f.rowVals[m]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: vals}
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	m := marker(query)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, dbCall{marker: m, args: args})
	return &fakeRows{rows: f.rowsVals[m]}, nil
}

// execCalls returns a copy of every Exec of the given statement.
func (f *fakeDB) execCalls(query string) []dbCall {
	m := marker(query)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dbCall
	for _, c := range f.execs {
		if c.marker == m {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDB) queryArgs(query string) []any {
	m := marker(query)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.queries {
		if c.marker == m {
			return c.args
		}
	}
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.vals)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error                       { return assignAll(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assignAll(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d targets for %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		case *map[string]any:
			*d = v.(map[string]any)
		case *domain.HistoryStatus:
			*d = domain.HistoryStatus(v.(string))
		case *domain.PageType:
			*d = domain.PageType(v.(string))
		case *domain.ProviderCategory:
			*d = domain.ProviderCategory(v.(string))
		case *domain.ProviderType:
			*d = domain.ProviderType(v.(string))
		default:
			return fmt.Errorf("scan: unsupported target %T", dest[i])
		}
	}
	return nil
}

func mustNilString(t *testing.T, v any) {
	t.Helper()
	p, ok := v.(*string)
	if !ok {
		t.Fatalf("arg = %T, want *string", v)
	}
	if p != nil {
		t.Fatalf("arg = %q, want nil", *p)
	}
}

// testEnv is a full App on a fake database and a temp dir file store, served
// through the real router so every request crosses the middleware chain.
type testEnv struct {
	db     *fakeDB
	app    *handlers.App
	router http.Handler
	tokens *auth.TokenIssuer
	cfg    *infra.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newFakeDB()
	cfg := &infra.Config{
		AppEnv:             "test",
		JWTSecret:          testSecret,
		JWTTTL:             time.Hour,
		StoragePath:        t.TempDir(),
		CORSAllowedOrigins: "*",
		RateLimitPerMin:    10000,
		DefaultLocale:      "zh",
		GenConcurrency:     "sequential",
		GenWorkerCount:     2,
		GenMaxRetries:      2,
		GenRetryBackoff:    5 * time.Millisecond,
		TaskRetention:      time.Minute,
	}
	logger := infra.Logger(zerolog.New(io.Discard))

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	files, err := storage.NewFileStore(cfg.StoragePath, &logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	providers := providerconfig.NewStore(db)
	records := history.NewStore(db)
	registry := generation.NewRegistry(generation.RegistryOptions{
		Store:       files,
		Sink:        records,
		Logger:      &logger,
		MaxRetries:  cfg.GenMaxRetries,
		Backoff:     cfg.GenRetryBackoff,
		WorkerCount: cfg.GenWorkerCount,
		Retention:   cfg.TaskRetention,
	})

	app := &handlers.App{
		Config:    cfg,
		Logger:    &logger,
		Auth:      auth.NewService(db, tokens),
		Tokens:    tokens,
		History:   records,
		Providers: providers,
		Tester:    providerconfig.NewTester(providers, nil, &logger),
		Outline:   outline.NewService(providers, nil, &logger),
		Registry:  registry,
		Files:     files,
	}
	return &testEnv{db: db, app: app, router: httpapi.NewRouter(app), tokens: tokens, cfg: cfg}
}

// authed issues a bearer token and seeds the user row the auth middleware
// loads for it.
func (e *testEnv) authed(t *testing.T) (userID, token string) {
	t.Helper()
	userID = uuid.NewString()
	e.db.returnRow(sqlinline.QSelectUserByID, userID, "墨客", "unused-hash", time.Now().UTC())
	token, err := e.tokens.Issue(userID, "墨客")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return userID, token
}

// do runs one request through the router. An empty token leaves the request
// unauthenticated.
func (e *testEnv) do(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

// wantFail asserts the error envelope: given status, success false and an
// error message containing the fragment.
func wantFail(t *testing.T, rec *httptest.ResponseRecorder, code int, fragment string) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != false {
		t.Fatalf("success = %v, want false", body["success"])
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, fragment) {
		t.Fatalf("error = %q, want it to contain %q", msg, fragment)
	}
}

// providerRow is one stored provider configuration in scan order.
func providerRow(category, name, typ, key, baseURL, model string, active bool) []any {
	now := time.Now().UTC()
	return []any{int64(1), category, name, typ, key, baseURL, model, map[string]any{}, active, now, now}
}

func (e *testEnv) seedActiveProvider(category, typ, baseURL string) {
	e.db.returnRow(sqlinline.QSelectActiveProvider,
		providerRow(category, typ, typ, "sk-test", baseURL, "test-model", true)...)
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 220, G: 20, B: 60, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// imageBackend fakes an image_api vendor. Every generation call records its
// prompt and answers with the same tiny PNG as base64.
type imageBackend struct {
	srv *httptest.Server

	mu      sync.Mutex
	prompts []string
}

func newImageBackend(t *testing.T) *imageBackend {
	t.Helper()
	b := &imageBackend{}
	encoded := base64.StdEncoding.EncodeToString(tinyPNG(t))
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.prompts = append(b.prompts, req.Prompt)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": encoded}},
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *imageBackend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// newTextBackend fakes an openai_compatible chat endpoint that always
// replies with the given content.
func newTextBackend(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}
