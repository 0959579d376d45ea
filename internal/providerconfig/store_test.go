package providerconfig

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"redink/server/internal/domain"
	"redink/server/internal/sqlinline"
)

type dbCall struct {
	marker string
	args   []any
}

// fakeDB implements infra.SQLExecutor, keyed by the --sql marker of each
// statement so tests can seed results and inspect arguments per query.
type fakeDB struct {
	execs    []dbCall
	queries  []dbCall
	rowVals  map[string][]any
	rowsVals map[string][][]any
}

func newFakeDB() *fakeDB {
	return &fakeDB{rowVals: map[string][]any{}, rowsVals: map[string][][]any{}}
}

func marker(query string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(query), "\n")
	return strings.TrimPrefix(strings.TrimSpace(first), "--sql ")
}

func (f *fakeDB) returnRow(query string, vals ...any)    { f.rowVals[marker(query)] = vals }
func (f *fakeDB) returnRows(query string, rows ...[]any) { f.rowsVals[marker(query)] = rows }

func (f *fakeDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, dbCall{marker: marker(query), args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	m := marker(query)
	f.queries = append(f.queries, dbCall{marker: m, args: args})
	vals, ok := f.rowVals[m]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: vals}
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	m := marker(query)
	f.queries = append(f.queries, dbCall{marker: m, args: args})
	return &fakeRows{rows: f.rowsVals[m]}, nil
}

func (f *fakeDB) execMarkers() []string {
	out := make([]string, len(f.execs))
	for i, c := range f.execs {
		out[i] = c.marker
	}
	return out
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
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		case *map[string]any:
			*d = v.(map[string]any)
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

func providerRow(id int64, name, typ, key, base, model string, extra map[string]any, active bool) []any {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	if extra == nil {
		extra = map[string]any{}
	}
	return []any{id, "image", name, typ, key, base, model, extra, active, now, now}
}

func TestCategoryMasksKeysAndFlattensExtra(t *testing.T) {
	db := newFakeDB()
	db.returnRows(sqlinline.QSelectProvidersByCategory,
		providerRow(1, "google", "google_genai", "AIzaSyTESTKEY123456", "", "gemini-image",
			map[string]any{"image_size": "2K", "high_concurrency": true}, true),
		providerRow(2, "backup", "image_api", "sk-backup", "https://img.example.com", "",
			nil, false),
	)
	store := NewStore(db)

	view, err := store.Category(context.Background(), domain.ProviderCategoryImage)
	if err != nil {
		t.Fatalf("Category: %v", err)
	}
	if view.ActiveProvider != "google" {
		t.Fatalf("ActiveProvider = %q, want google", view.ActiveProvider)
	}

	google := view.Providers["google"]
	if google["api_key"] != domain.MaskAPIKey("AIzaSyTESTKEY123456") {
		t.Fatalf("api_key = %v, want masked", google["api_key"])
	}
	if google["image_size"] != "2K" || google["high_concurrency"] != true {
		t.Fatalf("extra not flattened: %v", google)
	}
	if _, ok := google["base_url"]; ok {
		t.Fatalf("empty base_url should be omitted: %v", google)
	}
	if google["model"] != "gemini-image" {
		t.Fatalf("model = %v", google["model"])
	}

	backup := view.Providers["backup"]
	if backup["base_url"] != "https://img.example.com" {
		t.Fatalf("base_url = %v", backup["base_url"])
	}
	if _, ok := backup["model"]; ok {
		t.Fatalf("empty model should be omitted: %v", backup)
	}
}

func TestReplaceCategoryPreservesStoredSecrets(t *testing.T) {
	db := newFakeDB()
	db.returnRows(sqlinline.QSelectProvidersByCategory,
		providerRow(1, "google", "google_genai", "sk-real-secret-key", "", "", nil, true),
	)
	store := NewStore(db)

	err := store.ReplaceCategory(context.Background(), domain.ProviderCategoryImage, CategoryUpdate{
		ActiveProvider: "google",
		Providers: map[string]ProviderInput{
			"google": {Type: domain.ProviderGoogleGenAI, APIKey: domain.MaskAPIKey("sk-real-secret-key")},
			"backup": {Type: domain.ProviderImageAPI, APIKey: "", BaseURL: "https://img.example.com"},
		},
	})
	if err != nil {
		t.Fatalf("ReplaceCategory: %v", err)
	}

	want := []string{
		marker(sqlinline.QDeactivateProviders),
		marker(sqlinline.QUpsertProviderConfig),
		marker(sqlinline.QUpsertProviderConfig),
		marker(sqlinline.QPruneProviders),
	}
	if !reflect.DeepEqual(db.execMarkers(), want) {
		t.Fatalf("execs = %v, want %v", db.execMarkers(), want)
	}

	// Upserts run in sorted name order: backup first, then google.
	backup := db.execs[1].args
	if backup[1] != "backup" || backup[3] != "" || backup[7] != false {
		t.Fatalf("backup upsert args = %v", backup)
	}
	google := db.execs[2].args
	if google[1] != "google" {
		t.Fatalf("google upsert args = %v", google)
	}
	if google[3] != "sk-real-secret-key" {
		t.Fatalf("masked key overwrote stored secret: %v", google[3])
	}
	if google[7] != true {
		t.Fatalf("google should be active: %v", google)
	}

	prune := db.execs[3].args
	if !reflect.DeepEqual(prune[1], []string{"backup", "google"}) {
		t.Fatalf("prune names = %v", prune[1])
	}
}

func TestReplaceCategoryActiveOnlySwitch(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)

	err := store.ReplaceCategory(context.Background(), domain.ProviderCategoryImage, CategoryUpdate{
		ActiveProvider: "qwen",
	})
	if err != nil {
		t.Fatalf("ReplaceCategory: %v", err)
	}

	want := []string{
		marker(sqlinline.QDeactivateProviders),
		marker(sqlinline.QActivateProvider),
	}
	if !reflect.DeepEqual(db.execMarkers(), want) {
		t.Fatalf("execs = %v, want %v", db.execMarkers(), want)
	}
	if !reflect.DeepEqual(db.execs[1].args, []any{"image", "qwen"}) {
		t.Fatalf("activate args = %v", db.execs[1].args)
	}
	if len(db.queries) != 0 {
		t.Fatalf("stored rows should not be read for an active-only switch")
	}
}

func TestReplaceCategoryRejectsUnknownCategory(t *testing.T) {
	store := NewStore(newFakeDB())

	err := store.ReplaceCategory(context.Background(), "video", CategoryUpdate{ActiveProvider: "x"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestActiveConfigReturnsRealKey(t *testing.T) {
	db := newFakeDB()
	db.returnRow(sqlinline.QSelectActiveProvider,
		providerRow(1, "google", "google_genai", "sk-real-secret-key", "", "gemini-image",
			map[string]any{"image_size": "2K"}, true)...)
	store := NewStore(db)

	cfg, err := store.ActiveConfig(context.Background(), domain.ProviderCategoryImage)
	if err != nil {
		t.Fatalf("ActiveConfig: %v", err)
	}
	if cfg.APIKey != "sk-real-secret-key" || cfg.Type != domain.ProviderGoogleGenAI {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.ExtraString("image_size", "") != "2K" {
		t.Fatalf("extra = %v", cfg.Extra)
	}
}

func TestActiveConfigMissingReturnsSentinel(t *testing.T) {
	store := NewStore(newFakeDB())

	_, err := store.ActiveConfig(context.Background(), domain.ProviderCategoryImage)
	if !errors.Is(err, ErrNoActiveProvider) {
		t.Fatalf("err = %v, want ErrNoActiveProvider", err)
	}
}

func TestFindMissingReturnsNotFound(t *testing.T) {
	store := NewStore(newFakeDB())

	_, err := store.Find(context.Background(), domain.ProviderCategoryText, "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAllSpansCategories(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.returnRows(sqlinline.QSelectAllProviders,
		providerRow(1, "google", "google_genai", "AIza-image-key", "", "gemini-image", nil, true),
		[]any{int64(2), "text", "openai", "openai_compatible", "sk-text-key", "https://api.example.com", "gpt-4o", map[string]any{}, true, now, now},
	)
	store := NewStore(db)

	configs, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("len = %d, want 2", len(configs))
	}
	if configs[0].Category != domain.ProviderCategoryImage || configs[1].Category != domain.ProviderCategoryText {
		t.Fatalf("categories = %s, %s", configs[0].Category, configs[1].Category)
	}
	if configs[1].APIKey != "sk-text-key" {
		t.Fatalf("APIKey = %q, want the real key", configs[1].APIKey)
	}
}
