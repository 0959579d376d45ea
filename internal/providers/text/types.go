// Package text contains the vendor clients used for outline generation. A
// Completer takes one prompt, optionally with reference images for multimodal
// models, and returns the raw model text.
package text

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

// ErrMissingAPIKey is returned when a client is constructed without credentials.
var ErrMissingAPIKey = errors.New("text: api key is required")

// ErrEmptyPrompt is returned when Complete is called with no prompt text.
var ErrEmptyPrompt = errors.New("text: prompt is required")

const defaultRequestTimeout = 120 * time.Second

// Completer produces model text for one prompt.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
	Name() string
}

// CompleteRequest carries the prompt and sampling parameters for one call.
// Zero sampling values fall back to the vendor defaults.
type CompleteRequest struct {
	Prompt          string
	Images          []domain.ImageRef
	Temperature     float64
	MaxOutputTokens int
	RequestID       string
}

// Options configures any of the clients in this package.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

func (o *Options) normalize() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.RequestTimeout}
	}
	if o.Logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		o.Logger = &l
	}
}

// normalizeBase strips a trailing slash and a trailing /v1 segment so stored
// base URLs with or without the version suffix behave the same.
func normalizeBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/v1")
	return base
}
