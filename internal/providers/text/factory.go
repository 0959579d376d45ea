package text

import (
	"fmt"
	"net/http"
	"strings"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

// Resolve builds the Completer for a stored text provider configuration.
// Validation mirrors the image factory: structural checks only, no probes.
func Resolve(cfg domain.ProviderConfig, httpClient *http.Client, logger *infra.Logger) (Completer, error) {
	if !cfg.Type.Valid() {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("unknown provider type %q", cfg.Type)}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("provider %q: api key is required", cfg.Name)}
	}
	if cfg.Type.RequiresBaseURL() && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("provider %q: base url is required for type %q", cfg.Name, cfg.Type)}
	}

	opts := Options{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		HTTPClient: httpClient,
		Logger:     logger,
	}

	switch cfg.Type {
	case domain.ProviderGoogleGemini, domain.ProviderGoogleGenAI:
		return NewGemini(opts)
	case domain.ProviderOpenAICompatible:
		return NewOpenAI(opts)
	default:
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("provider type %q cannot generate text", cfg.Type)}
	}
}
