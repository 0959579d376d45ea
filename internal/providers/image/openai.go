package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

// openaiMaxReferences is how many reference images an OpenAI-compatible chat
// endpoint reliably accepts as image_url parts.
const openaiMaxReferences = 2

const defaultOpenAIBaseURL = "https://api.openai.com"

type openaiMessagePart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiMessage struct {
	Role    string              `json:"role"`
	Content []openaiMessagePart `json:"content"`
}

type openaiChatRequest struct {
	Model      string          `json:"model"`
	Messages   []openaiMessage `json:"messages"`
	Modalities []string        `json:"modalities,omitempty"`
}

type openaiResponseMessage struct {
	Content string              `json:"content"`
	Images  []openaiMessagePart `json:"images,omitempty"`
}

type openaiChoice struct {
	Message      openaiResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason,omitempty"`
}

type openaiChatResponse struct {
	Choices []openaiChoice `json:"choices"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message,omitempty"`
		Type    string `json:"type,omitempty"`
	} `json:"error"`
}

var (
	dataURIPattern  = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
	markdownPattern = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)
)

// OpenAIClient drives OpenAI-compatible chat completion endpoints that return
// generated images either as message image parts, inline data URIs, or
// markdown image links. Gateways for multimodal models commonly use all three.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewOpenAI constructs a client for an OpenAI-compatible image endpoint.
func NewOpenAI(opts Options) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	opts.normalize()

	baseURL := normalizeCompatibleBase(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &OpenAIClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      opts.Model,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

func (c *OpenAIClient) Name() string {
	return "openai_compatible"
}

// Generate asks the chat endpoint for an image and extracts it from whichever
// shape the gateway answers with.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (*domain.ImageArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	parts := []openaiMessagePart{{Type: "text", Text: req.Prompt}}
	refs := inlineReferences(ctx, c.httpClient, c.logger, req.References, openaiMaxReferences)
	for _, ref := range refs {
		parts = append(parts, openaiMessagePart{
			Type: "image_url",
			ImageURL: &openaiImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", ref.MIME, base64.StdEncoding.EncodeToString(ref.Data)),
			},
		})
	}

	payload := openaiChatRequest{
		Model:      c.model,
		Messages:   []openaiMessage{{Role: "user", Content: parts}},
		Modalities: []string{"image", "text"},
	}

	var response openaiChatResponse
	if err := c.invoke(ctx, "/v1/chat/completions", payload, &response); err != nil {
		return nil, err
	}

	artifact, err := c.extractImage(ctx, response)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Int("references", len(refs)).
		Msg("image: openai-compatible endpoint generated page image")

	return artifact, nil
}

func (c *OpenAIClient) extractImage(ctx context.Context, response openaiChatResponse) (*domain.ImageArtifact, error) {
	for _, choice := range response.Choices {
		for _, part := range choice.Message.Images {
			if part.ImageURL == nil || part.ImageURL.URL == "" {
				continue
			}
			return c.resolveImageURL(ctx, part.ImageURL.URL)
		}
		content := choice.Message.Content
		if uri := dataURIPattern.FindString(content); uri != "" {
			return c.resolveImageURL(ctx, uri)
		}
		if m := markdownPattern.FindStringSubmatch(content); len(m) == 2 {
			return c.resolveImageURL(ctx, m[1])
		}
	}

	msg := "openai: response contained no image"
	if len(response.Choices) > 0 {
		if content := strings.TrimSpace(response.Choices[0].Message.Content); content != "" {
			msg = fmt.Sprintf("%s: %s", msg, truncate(content, 200))
		}
	}
	return nil, &ProviderError{Kind: KindInvalidRequest, Message: msg}
}

// resolveImageURL turns either a data URI or a remote URL into raw image bytes.
func (c *OpenAIClient) resolveImageURL(ctx context.Context, raw string) (*domain.ImageArtifact, error) {
	if strings.HasPrefix(raw, "data:") {
		data, mime, err := decodeDataURI(raw)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		return artifactFromBytes(data, mime), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyStatus("openai", resp.StatusCode, "image download failed")
	}
	data, err := readAllLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read image: %w", err)
	}
	return artifactFromBytes(data, resp.Header.Get("Content-Type")), nil
}

func (c *OpenAIClient) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr openaiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return classifyStatus("openai", resp.StatusCode, apiErr.Error.Message)
		}
		return classifyStatus("openai", resp.StatusCode, "")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Kind: KindTransientNetwork, Message: "openai: malformed response", Err: err}
	}
	return nil
}

// normalizeCompatibleBase strips a trailing slash and a trailing /v1 segment
// so stored base URLs with or without the version suffix behave the same.
func normalizeCompatibleBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/v1")
	return base
}

func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data uri")
	}
	mime, encoded, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, "", fmt.Errorf("unsupported data uri encoding")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	return data, mime, nil
}

var _ Generator = (*OpenAIClient)(nil)
