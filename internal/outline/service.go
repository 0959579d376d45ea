// Package outline turns a topic into a structured multi-page outline using
// the active text provider.
package outline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/providers/text"
)

// ConfigSource yields the active provider configuration for a category.
type ConfigSource interface {
	ActiveConfig(ctx context.Context, category domain.ProviderCategory) (domain.ProviderConfig, error)
}

// Result carries everything the outline endpoint returns: the raw model
// output, the parsed pages, and whether reference images influenced it.
type Result struct {
	Outline   string
	Pages     []domain.PageSpec
	HasImages bool
}

// Service generates outlines with whatever text provider is currently active.
// The provider is resolved per call so configuration changes apply without a
// restart.
type Service struct {
	configs    ConfigSource
	httpClient *http.Client
	logger     *infra.Logger
}

func NewService(configs ConfigSource, httpClient *http.Client, logger *infra.Logger) *Service {
	return &Service{configs: configs, httpClient: httpClient, logger: logger}
}

// Generate builds the outline prompt for the topic, calls the active text
// provider, and parses the result into pages.
func (s *Service) Generate(ctx context.Context, topic string, images []domain.ImageRef) (*Result, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("outline: topic is required: %w", domain.ErrInvalidInput)
	}

	cfg, err := s.configs.ActiveConfig(ctx, domain.ProviderCategoryText)
	if err != nil {
		return nil, err
	}
	completer, err := text.Resolve(cfg, s.httpClient, s.logger)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	s.logger.Info().
		Str("provider", cfg.Name).
		Str("model", cfg.Model).
		Int("images", len(images)).
		Msg("outline: generating")

	raw, err := completer.Complete(ctx, text.CompleteRequest{
		Prompt:          BuildPrompt(topic, len(images)),
		Images:          images,
		Temperature:     cfg.ExtraFloat("temperature", 1.0),
		MaxOutputTokens: int(cfg.ExtraFloat("max_output_tokens", 8000)),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("provider", cfg.Name).Msg("outline: provider call failed")
		return nil, err
	}

	pages, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("provider", cfg.Name).
		Int("pages", len(pages)).
		Dur("elapsed", time.Since(start)).
		Msg("outline: generated")

	return &Result{Outline: raw, Pages: pages, HasImages: len(images) > 0}, nil
}
