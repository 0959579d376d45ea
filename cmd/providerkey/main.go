// Command providerkey stores or updates one provider configuration from the
// shell, for installs that provision keys outside the settings UI. With
// -list it prints every stored provider instead, keys masked.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/providerconfig"
)

func main() {
	var (
		categoryFlag string
		typeFlag     string
		nameFlag     string
		keyFlag      string
		baseURLFlag  string
		modelFlag    string
		activateFlag bool
		listFlag     bool
	)
	flag.StringVar(&categoryFlag, "category", "text", "provider category (text or image)")
	flag.StringVar(&typeFlag, "type", string(domain.ProviderGoogleGenAI), "provider type (google_genai, google_gemini, openai_compatible, image_api)")
	flag.StringVar(&nameFlag, "name", "", "provider entry name (defaults to the type)")
	flag.StringVar(&keyFlag, "key", "", "API key (falls back to the type's environment variable)")
	flag.StringVar(&baseURLFlag, "base-url", "", "API endpoint override")
	flag.StringVar(&modelFlag, "model", "", "model identifier")
	flag.BoolVar(&activateFlag, "activate", false, "switch the category's active provider to this entry")
	flag.BoolVar(&listFlag, "list", false, "print every stored provider and exit")
	flag.Parse()

	if listFlag {
		listProviders()
		return
	}

	category := domain.ProviderCategory(strings.TrimSpace(strings.ToLower(categoryFlag)))
	if !category.Valid() {
		fmt.Fprintf(os.Stderr, "unsupported category %q\n", categoryFlag)
		os.Exit(1)
	}
	providerType := domain.ProviderType(strings.TrimSpace(strings.ToLower(typeFlag)))
	if !providerType.Valid() {
		fmt.Fprintf(os.Stderr, "unsupported type %q\n", typeFlag)
		os.Exit(1)
	}

	name := strings.TrimSpace(nameFlag)
	if name == "" {
		name = string(providerType)
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(keyEnvVar(providerType)))
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "API key is required via -key or %s\n", keyEnvVar(providerType))
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Str("category", string(category)).Logger()
	store := providerconfig.NewStore(infra.NewSQLRunner(pool, logger))

	ctxExec, cancelExec := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelExec()

	input := providerconfig.ProviderInput{
		Type:    providerType,
		APIKey:  key,
		BaseURL: strings.TrimSpace(baseURLFlag),
		Model:   strings.TrimSpace(modelFlag),
	}
	if err := store.Upsert(ctxExec, category, name, input, activateFlag); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist provider %s/%s: %v\n", category, name, err)
		os.Exit(1)
	}

	state := "stored"
	if activateFlag {
		state = "stored and activated"
	}
	fmt.Printf("provider %s/%s %s (key %s)\n", category, name, state, domain.MaskAPIKey(key))
}

func listProviders() {
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Logger()
	store := providerconfig.NewStore(infra.NewSQLRunner(pool, logger))

	configs, err := store.All(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list providers: %v\n", err)
		os.Exit(1)
	}
	if len(configs) == 0 {
		fmt.Println("no providers configured")
		return
	}
	for _, cfg := range configs {
		active := " "
		if cfg.Active {
			active = "*"
		}
		line := fmt.Sprintf("%s %s/%s type=%s key=%s", active, cfg.Category, cfg.Name, cfg.Type, domain.MaskAPIKey(cfg.APIKey))
		if cfg.Model != "" {
			line += " model=" + cfg.Model
		}
		if cfg.BaseURL != "" {
			line += " base_url=" + cfg.BaseURL
		}
		fmt.Println(line)
	}
}

func keyEnvVar(t domain.ProviderType) string {
	switch t {
	case domain.ProviderOpenAICompatible:
		return "OPENAI_API_KEY"
	case domain.ProviderImageAPI:
		return "IMAGE_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}
