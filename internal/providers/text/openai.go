package text

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"redink/server/internal/infra"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

const defaultOpenAIModel = "gpt-3.5-turbo"

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// Content is a plain string for text-only prompts and a part list when
// reference images ride along.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message,omitempty"`
		Type    string `json:"type,omitempty"`
	} `json:"error"`
}

// OpenAIClient drives any chat-completions compatible text endpoint.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewOpenAI constructs a client for an OpenAI-compatible chat endpoint.
func NewOpenAI(opts Options) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	opts.normalize()

	baseURL := normalizeBase(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

func (c *OpenAIClient) Name() string {
	return "openai_compatible"
}

// Complete sends the prompt and returns the first choice's message content.
func (c *OpenAIClient) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}

	payload := openAIChatRequest{
		Model:       c.model,
		Messages:    []openAIMessage{{Role: "user", Content: buildOpenAIContent(req)}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr openAIErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("openai: status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("openai: status %d", resp.StatusCode)
	}

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("openai: response contained no text")
	}

	text := out.Choices[0].Message.Content

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Int("images", len(req.Images)).
		Int("chars", len(text)).
		Msg("text: openai completion succeeded")

	return text, nil
}

func buildOpenAIContent(req CompleteRequest) any {
	if len(req.Images) == 0 {
		return req.Prompt
	}
	parts := []openAIContentPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		if len(img.Data) == 0 {
			continue
		}
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, openAIContentPart{
			Type: "image_url",
			ImageURL: &openAIImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data)),
			},
		})
	}
	if len(parts) == 1 {
		return req.Prompt
	}
	return parts
}

var _ Completer = (*OpenAIClient)(nil)
