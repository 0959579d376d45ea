// Package providerconfig stores vendor settings per category and probes them
// on demand. The settings UI works on whole category documents: one active
// provider plus a named map of configurations, API keys masked on the way out.
package providerconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/sqlinline"
)

// ErrNoActiveProvider is returned when a category has no provider switched on.
var ErrNoActiveProvider = errors.New("providerconfig: no active provider")

// Store reads and writes provider configurations.
type Store struct {
	db infra.SQLExecutor
}

// NewStore creates a Store on top of the given SQL executor.
func NewStore(db infra.SQLExecutor) *Store {
	return &Store{db: db}
}

// CategoryView is the masked read model of one category, shaped the way the
// settings UI consumes it. Each provider document carries type, api_key,
// model, base_url and any extra tuning keys flattened in.
type CategoryView struct {
	ActiveProvider string                    `json:"active_provider"`
	Providers      map[string]map[string]any `json:"providers"`
}

// ProviderInput is one provider entry as posted by the settings UI. An empty
// or masked APIKey keeps whatever secret is already stored.
type ProviderInput struct {
	Type    domain.ProviderType
	APIKey  string
	BaseURL string
	Model   string
	Extra   map[string]any
}

// CategoryUpdate is one category document as posted by the settings UI. A nil
// Providers map switches the active provider without touching stored rows;
// a non-nil map replaces the category, dropping rows absent from it.
type CategoryUpdate struct {
	ActiveProvider string
	Providers      map[string]ProviderInput
}

// Category returns the masked view of one category.
func (s *Store) Category(ctx context.Context, cat domain.ProviderCategory) (*CategoryView, error) {
	configs, err := s.byCategory(ctx, cat)
	if err != nil {
		return nil, err
	}

	view := &CategoryView{Providers: map[string]map[string]any{}}
	for _, cfg := range configs {
		if cfg.Active {
			view.ActiveProvider = cfg.Name
		}
		doc := map[string]any{
			"type":    string(cfg.Type),
			"api_key": domain.MaskAPIKey(cfg.APIKey),
		}
		if cfg.Model != "" {
			doc["model"] = cfg.Model
		}
		if cfg.BaseURL != "" {
			doc["base_url"] = cfg.BaseURL
		}
		for k, v := range cfg.Extra {
			doc[k] = v
		}
		view.Providers[cfg.Name] = doc
	}
	return view, nil
}

// ReplaceCategory applies one category document: every posted provider is
// upserted, rows missing from the document are dropped, and the active flag
// follows ActiveProvider. Stored secrets survive empty and masked keys.
func (s *Store) ReplaceCategory(ctx context.Context, cat domain.ProviderCategory, upd CategoryUpdate) error {
	if !cat.Valid() {
		return fmt.Errorf("providerconfig: category %q: %w", cat, domain.ErrInvalidInput)
	}

	if upd.ActiveProvider != "" {
		if _, err := s.db.Exec(ctx, sqlinline.QDeactivateProviders, string(cat)); err != nil {
			return fmt.Errorf("providerconfig: replace %s: deactivate: %w", cat, err)
		}
	}

	if upd.Providers == nil {
		if upd.ActiveProvider == "" {
			return nil
		}
		if _, err := s.db.Exec(ctx, sqlinline.QActivateProvider, string(cat), upd.ActiveProvider); err != nil {
			return fmt.Errorf("providerconfig: replace %s: activate: %w", cat, err)
		}
		return nil
	}

	stored, err := s.byCategory(ctx, cat)
	if err != nil {
		return err
	}
	storedKeys := make(map[string]string, len(stored))
	for _, cfg := range stored {
		storedKeys[cfg.Name] = cfg.APIKey
	}

	names := make([]string, 0, len(upd.Providers))
	for name := range upd.Providers {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		in := upd.Providers[name]

		key := in.APIKey
		if key == "" || domain.IsMaskedAPIKey(key) {
			key = storedKeys[name]
		}

		extra := in.Extra
		if extra == nil {
			extra = map[string]any{}
		}
		rawExtra, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("providerconfig: replace %s: provider %q: %w", cat, name, err)
		}

		_, err = s.db.Exec(ctx, sqlinline.QUpsertProviderConfig,
			string(cat), name, string(in.Type), key, in.BaseURL, in.Model, rawExtra,
			name == upd.ActiveProvider)
		if err != nil {
			return fmt.Errorf("providerconfig: replace %s: provider %q: %w", cat, name, err)
		}
	}

	if _, err := s.db.Exec(ctx, sqlinline.QPruneProviders, string(cat), names); err != nil {
		return fmt.Errorf("providerconfig: replace %s: prune: %w", cat, err)
	}
	return nil
}

// Upsert writes one named provider without touching the rest of the
// category. An empty or masked key keeps the stored secret, and an update
// keeps the stored active flag unless activate flips it on.
func (s *Store) Upsert(ctx context.Context, cat domain.ProviderCategory, name string, in ProviderInput, activate bool) error {
	if !cat.Valid() {
		return fmt.Errorf("providerconfig: category %q: %w", cat, domain.ErrInvalidInput)
	}
	if name == "" {
		return fmt.Errorf("providerconfig: provider name is required: %w", domain.ErrInvalidInput)
	}

	key := in.APIKey
	active := activate
	if stored, err := s.Find(ctx, cat, name); err == nil {
		if key == "" || domain.IsMaskedAPIKey(key) {
			key = stored.APIKey
		}
		if !activate {
			active = stored.Active
		}
	}

	extra := in.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	rawExtra, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("providerconfig: upsert %s/%s: %w", cat, name, err)
	}

	if activate {
		if _, err := s.db.Exec(ctx, sqlinline.QDeactivateProviders, string(cat)); err != nil {
			return fmt.Errorf("providerconfig: upsert %s/%s: deactivate: %w", cat, name, err)
		}
	}
	_, err = s.db.Exec(ctx, sqlinline.QUpsertProviderConfig,
		string(cat), name, string(in.Type), key, in.BaseURL, in.Model, rawExtra, active)
	if err != nil {
		return fmt.Errorf("providerconfig: upsert %s/%s: %w", cat, name, err)
	}
	return nil
}

// ActiveConfig returns the switched-on provider of a category with its real
// key, ready to hand to a factory.
func (s *Store) ActiveConfig(ctx context.Context, cat domain.ProviderCategory) (domain.ProviderConfig, error) {
	cfg, err := scanProvider(s.db.QueryRow(ctx, sqlinline.QSelectActiveProvider, string(cat)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ProviderConfig{}, fmt.Errorf("%s: %w", cat, ErrNoActiveProvider)
		}
		return domain.ProviderConfig{}, fmt.Errorf("providerconfig: active %s: %w", cat, err)
	}
	return *cfg, nil
}

// Find returns one named provider of a category with its real key.
func (s *Store) Find(ctx context.Context, cat domain.ProviderCategory, name string) (domain.ProviderConfig, error) {
	cfg, err := scanProvider(s.db.QueryRow(ctx, sqlinline.QSelectProviderByName, string(cat), name))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ProviderConfig{}, domain.ErrNotFound
		}
		return domain.ProviderConfig{}, fmt.Errorf("providerconfig: find %s/%s: %w", cat, name, err)
	}
	return *cfg, nil
}

// All returns every stored provider across categories with real keys, for
// operator tooling. Callers presenting the result mask the keys themselves.
func (s *Store) All(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := s.db.Query(ctx, sqlinline.QSelectAllProviders)
	if err != nil {
		return nil, fmt.Errorf("providerconfig: list all: %w", err)
	}
	defer rows.Close()

	var configs []domain.ProviderConfig
	for rows.Next() {
		cfg, err := scanProviderValues(rows)
		if err != nil {
			return nil, fmt.Errorf("providerconfig: list all: %w", err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("providerconfig: list all: %w", err)
	}
	return configs, nil
}

func (s *Store) byCategory(ctx context.Context, cat domain.ProviderCategory) ([]domain.ProviderConfig, error) {
	rows, err := s.db.Query(ctx, sqlinline.QSelectProvidersByCategory, string(cat))
	if err != nil {
		return nil, fmt.Errorf("providerconfig: category %s: %w", cat, err)
	}
	defer rows.Close()

	var configs []domain.ProviderConfig
	for rows.Next() {
		cfg, err := scanProviderValues(rows)
		if err != nil {
			return nil, fmt.Errorf("providerconfig: category %s: %w", cat, err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("providerconfig: category %s: %w", cat, err)
	}
	return configs, nil
}

func scanProvider(row pgx.Row) (*domain.ProviderConfig, error) {
	cfg, err := scanProviderValues(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func scanProviderValues(row pgx.Row) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	err := row.Scan(&cfg.ID, &cfg.Category, &cfg.Name, &cfg.Type, &cfg.APIKey, &cfg.BaseURL,
		&cfg.Model, &cfg.Extra, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
