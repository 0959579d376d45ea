package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

const defaultImageSize = "1024x1024"

type imageAPIRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imageAPIResult struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type imageAPIResponse struct {
	Data []imageAPIResult `json:"data"`
}

// ImageAPIClient drives plain text-to-image endpoints that speak the OpenAI
// images API. These endpoints take no reference images, so any provided
// references are dropped.
type ImageAPIClient struct {
	apiKey     string
	baseURL    string
	model      string
	size       string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewImageAPI constructs a client for an OpenAI-images-compatible endpoint.
func NewImageAPI(opts Options) (*ImageAPIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	opts.normalize()

	baseURL := normalizeCompatibleBase(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	size := opts.Size
	if size == "" {
		size = defaultImageSize
	}

	return &ImageAPIClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      opts.Model,
		size:       size,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

func (c *ImageAPIClient) Name() string {
	return "image_api"
}

// Generate renders one image from the prompt alone.
func (c *ImageAPIClient) Generate(ctx context.Context, req GenerateRequest) (*domain.ImageArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if len(req.References) > 0 {
		c.logger.Debug().
			Str("request_id", req.RequestID).
			Int("dropped", len(req.References)).
			Msg("image: text-to-image endpoint takes no reference images")
	}

	payload := imageAPIRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		N:      1,
		Size:   c.size,
	}

	var response imageAPIResponse
	if err := c.invoke(ctx, "/v1/images/generations", payload, &response); err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, &ProviderError{Kind: KindInvalidRequest, Message: "image_api: response contained no image"}
	}

	result := response.Data[0]
	var artifact *domain.ImageArtifact
	switch {
	case result.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(result.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("image_api: decode b64_json: %w", err)
		}
		artifact = artifactFromBytes(data, "image/png")
	case result.URL != "":
		data, mime, err := c.download(ctx, result.URL)
		if err != nil {
			return nil, err
		}
		artifact = artifactFromBytes(data, mime)
	default:
		return nil, &ProviderError{Kind: KindInvalidRequest, Message: "image_api: response contained no image payload"}
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Msg("image: text-to-image endpoint generated page image")

	return artifact, nil
}

func (c *ImageAPIClient) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("image_api: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("image_api: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("image_api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr openaiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return classifyStatus("image_api", resp.StatusCode, apiErr.Error.Message)
		}
		return classifyStatus("image_api", resp.StatusCode, "")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Kind: KindTransientNetwork, Message: "image_api: malformed response", Err: err}
	}
	return nil
}

func (c *ImageAPIClient) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("image_api: create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport("image_api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", classifyStatus("image_api", resp.StatusCode, "image download failed")
	}
	data, err := readAllLimited(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("image_api: read image: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var _ Generator = (*ImageAPIClient)(nil)
