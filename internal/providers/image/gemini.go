package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
)

// geminiMaxReferences is how many reference images the generateContent API
// accepts alongside the prompt.
const geminiMaxReferences = 4

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const defaultGeminiModel = "gemini-2.0-flash-exp-image-generation"

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Status  string `json:"status,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// GeminiClient calls Google's generateContent API with image response
// modalities enabled and extracts the first inline image from the answer.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewGemini constructs a Gemini image client with sane defaults.
func NewGemini(opts Options) (*GeminiClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	opts.normalize()

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := opts.Model
	if model == "" {
		model = defaultGeminiModel
	}

	return &GeminiClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

func (c *GeminiClient) Name() string {
	return "gemini"
}

// Generate renders one image for the prompt, inlining up to four reference
// images into the request.
func (c *GeminiClient) Generate(ctx context.Context, req GenerateRequest) (*domain.ImageArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	parts := []geminiPart{{Text: req.Prompt}}
	refs := inlineReferences(ctx, c.httpClient, c.logger, req.References, geminiMaxReferences)
	for _, ref := range refs {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: ref.MIME,
			Data:     base64.StdEncoding.EncodeToString(ref.Data),
		}})
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invoke(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
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
		Msg("image: gemini generated page image")

	return artifact, nil
}

// extractImage picks the first inline or file-backed image from the response.
// A response with only text is treated as a content rejection.
func (c *GeminiClient) extractImage(ctx context.Context, response geminiGenerateContentResponse) (*domain.ImageArtifact, error) {
	var refusal string
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("gemini: decode inline data: %w", err)
				}
				return artifactFromBytes(data, part.InlineData.MimeType), nil
			}
			if part.FileData != nil && part.FileData.FileURI != "" {
				data, mime, err := c.downloadFile(ctx, part.FileData.FileURI)
				if err != nil {
					return nil, err
				}
				if part.FileData.MimeType != "" {
					mime = part.FileData.MimeType
				}
				return artifactFromBytes(data, mime), nil
			}
			if part.Text != "" && refusal == "" {
				refusal = part.Text
			}
		}
	}

	msg := "gemini: response contained no image"
	if refusal != "" {
		msg = fmt.Sprintf("%s: %s", msg, truncate(refusal, 200))
	}
	return nil, &ProviderError{Kind: KindInvalidRequest, Message: msg}
}

func (c *GeminiClient) invoke(ctx context.Context, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return classifyStatus("gemini", resp.StatusCode, apiErr.Error.Message)
		}
		return classifyStatus("gemini", resp.StatusCode, "")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Kind: KindTransientNetwork, Message: "gemini: malformed response", Err: err}
	}
	return nil
}

func (c *GeminiClient) downloadFile(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: create download request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", classifyStatus("gemini", resp.StatusCode, "download failed")
	}

	blob, err := readAllLimited(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: read file: %w", err)
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

var _ Generator = (*GeminiClient)(nil)
