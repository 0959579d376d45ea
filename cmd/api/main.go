package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"redink/server/internal/auth"
	"redink/server/internal/domain"
	"redink/server/internal/generation"
	"redink/server/internal/history"
	"redink/server/internal/http/handlers"
	"redink/server/internal/http/httpapi"
	"redink/server/internal/infra"
	"redink/server/internal/outline"
	"redink/server/internal/providerconfig"
	"redink/server/internal/sqlinline"
	"redink/server/internal/storage"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	if err := infra.EnsureSchema(ctx, runner, sqlinline.Schema); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid jwt configuration")
	}
	accounts := auth.NewService(runner, tokens)

	providers := providerconfig.NewStore(runner)
	tester := providerconfig.NewTester(providers, nil, &logger)
	outlines := outline.NewService(providers, nil, &logger)
	records := history.NewStore(runner)

	files, err := storage.NewFileStore(cfg.StoragePath, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare storage")
	}

	// Jobs run against their own context so shutdown stops them before the
	// HTTP listener drains.
	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()

	registry := generation.NewRegistry(generation.RegistryOptions{
		Store:       files,
		Sink:        records,
		Logger:      &logger,
		BaseContext: jobCtx,
		MaxRetries:  cfg.GenMaxRetries,
		Backoff:     cfg.GenRetryBackoff,
		WorkerCount: cfg.GenWorkerCount,
		Retention:   cfg.TaskRetention,
	})
	registry.StartJanitor(jobCtx)

	reportProviderConfig(ctx, providers, logger)

	app := &handlers.App{
		Config:    cfg,
		Logger:    &logger,
		Auth:      accounts,
		Tokens:    tokens,
		History:   records,
		Providers: providers,
		Tester:    tester,
		Outline:   outlines,
		Registry:  registry,
		Files:     files,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// reportProviderConfig logs whether each category has a usable active
// provider, so an empty install is diagnosed at startup rather than on the
// first request.
func reportProviderConfig(ctx context.Context, providers *providerconfig.Store, logger infra.Logger) {
	for _, category := range []domain.ProviderCategory{domain.ProviderCategoryText, domain.ProviderCategoryImage} {
		active, err := providers.ActiveConfig(ctx, category)
		if err != nil {
			if errors.Is(err, providerconfig.ErrNoActiveProvider) {
				logger.Warn().Str("category", string(category)).Msg("no active provider configured")
			} else {
				logger.Error().Err(err).Str("category", string(category)).Msg("provider configuration unreadable")
			}
			continue
		}
		event := logger.Info()
		if active.APIKey == "" {
			event = logger.Warn().Bool("api_key_missing", true)
		}
		event.
			Str("category", string(category)).
			Str("provider", active.Name).
			Str("type", string(active.Type)).
			Msg("active provider")
	}
}
