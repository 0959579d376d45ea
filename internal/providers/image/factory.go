package image

import (
	"fmt"
	"net/http"
	"strings"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

// ValidateConfig checks a provider configuration structurally before any
// client is built. It never performs network calls; connectivity problems
// surface later as classified generation errors.
func ValidateConfig(cfg domain.ProviderConfig) error {
	if !cfg.Type.Valid() {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("unknown provider type %q", cfg.Type)}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("provider %q: api key is required", cfg.Name)}
	}
	if cfg.Type.RequiresBaseURL() && strings.TrimSpace(cfg.BaseURL) == "" {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("provider %q: base url is required for type %q", cfg.Name, cfg.Type)}
	}
	return nil
}

// Resolve builds the Generator for a stored provider configuration. The two
// Google types share one client; they are aliases for the same backend.
func Resolve(cfg domain.ProviderConfig, httpClient *http.Client, logger *infra.Logger) (Generator, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	opts := Options{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		HTTPClient: httpClient,
		Logger:     logger,
		Size:       cfg.ExtraString("image_size", ""),
	}

	switch cfg.Type {
	case domain.ProviderGoogleGenAI, domain.ProviderGoogleGemini:
		return NewGemini(opts)
	case domain.ProviderOpenAICompatible:
		return NewOpenAI(opts)
	case domain.ProviderImageAPI:
		return NewImageAPI(opts)
	default:
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("unknown provider type %q", cfg.Type)}
	}
}
