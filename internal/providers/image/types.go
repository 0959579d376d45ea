// Package image contains the vendor adapters that turn one page prompt into
// one generated image. Every adapter implements Generator and reports vendor
// failures as *ProviderError so the generation job can treat providers
// uniformly.
package image

import (
	"bytes"
	"context"
	"errors"
	stdimage "image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

// ErrMissingAPIKey is returned when a client is constructed without credentials.
var ErrMissingAPIKey = errors.New("image: api key is required")

// ErrEmptyPrompt is returned when Generate is called with no prompt text.
var ErrEmptyPrompt = errors.New("image: prompt is required")

const defaultRequestTimeout = 120 * time.Second

// maxReferenceBytes caps a single downloaded reference image.
const maxReferenceBytes = 32 << 20

// Generator produces one image for one page prompt. Implementations never
// retry internally; the generation job owns the retry policy.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*domain.ImageArtifact, error)
	Name() string
}

// GenerateRequest carries everything an adapter needs for a single image.
// References are ordered most-important-first so adapters that support fewer
// reference images than provided keep the head of the slice.
type GenerateRequest struct {
	Prompt     string
	References []domain.ImageRef

	// RequestID tags vendor calls in logs, usually "<taskID>/<pageIndex>".
	RequestID string
}

// Options controls how any of the vendor clients in this package is
// configured. Callers may leave HTTPClient and Logger nil; reusable defaults
// are created.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration

	// Size is the output resolution for endpoints that take one,
	// e.g. "1024x1024".
	Size string
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

// fetchReference downloads a reference image by URL so it can be inlined into
// a vendor request.
func fetchReference(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", errors.New("unexpected status " + resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	if err != nil {
		return nil, "", err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return data, mime, nil
}

// inlineReferences resolves up to max references into raw bytes, fetching URL
// refs as needed. References beyond the vendor limit are dropped silently and
// unreachable refs are skipped with a warning rather than failing the page.
func inlineReferences(ctx context.Context, client *http.Client, logger *infra.Logger, refs []domain.ImageRef, max int) []domain.ImageRef {
	if max <= 0 || len(refs) == 0 {
		return nil
	}
	if len(refs) > max {
		logger.Debug().
			Int("given", len(refs)).
			Int("max", max).
			Msg("image: dropping reference images beyond vendor limit")
		refs = refs[:max]
	}
	out := make([]domain.ImageRef, 0, len(refs))
	for _, ref := range refs {
		if len(ref.Data) > 0 {
			if ref.MIME == "" {
				ref.MIME = "image/png"
			}
			out = append(out, ref)
			continue
		}
		if ref.URL == "" {
			continue
		}
		data, mime, err := fetchReference(ctx, client, ref.URL)
		if err != nil {
			logger.Warn().Err(err).Str("url", ref.URL).Msg("image: skipping unreachable reference image")
			continue
		}
		out = append(out, domain.ImageRef{Data: data, MIME: mime})
	}
	return out
}

// decodeDimensions reads the pixel size from an encoded image, returning zeros
// when the format is not recognized.
func decodeDimensions(data []byte) (int, int) {
	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func artifactFromBytes(data []byte, mime string) *domain.ImageArtifact {
	w, h := decodeDimensions(data)
	return &domain.ImageArtifact{
		Data:   data,
		MIME:   normalizeMIME(mime),
		Width:  w,
		Height: h,
	}
}

func readAllLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxReferenceBytes))
}

func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case mime == "image/jpg":
		return "image/jpeg"
	case strings.HasPrefix(mime, "image/"):
		return mime
	default:
		return "image/png"
	}
}
