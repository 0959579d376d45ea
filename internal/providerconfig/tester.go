package providerconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/providers/text"
)

// testPrompt asks the model to echo a fixed phrase so the reply can be
// checked for plausibility, not just transport success.
const testPrompt = "请回复'你好，红墨'"

const (
	connectivityOnlyMessage = "连接成功！仅代表连接稳定，不确定是否可以稳定支持图片生成"
	vertexMessage           = "Vertex AI 无法通过 API Key 测试连接（需要 OAuth2 认证）。请在实际生成图片时验证配置是否正确。"
)

const testTimeout = 30 * time.Second

// defaultProbeBaseURL backs image_api probes configured without a base URL.
const defaultProbeBaseURL = "https://api.openai.com"

// TestParams describes one connection test. APIKey, BaseURL and Model may be
// blank; ProviderName then pulls the stored configuration.
type TestParams struct {
	Type         domain.ProviderType
	ProviderName string
	APIKey       string
	BaseURL      string
	Model        string
}

// TestResult is the user-facing outcome of a successful probe. Message stays
// in the product language the UI shows verbatim.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Tester probes provider configurations with real vendor calls. Text
// providers are asked for the probe phrase; image providers only get a
// connectivity check so no generation quota is spent.
type Tester struct {
	store  *Store
	client *http.Client
	logger *infra.Logger
}

// NewTester creates a Tester. A nil client gets a timeout-bounded default.
func NewTester(store *Store, client *http.Client, logger *infra.Logger) *Tester {
	if client == nil {
		client = &http.Client{Timeout: testTimeout}
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Tester{store: store, client: client, logger: logger}
}

// Test runs one probe. A non-nil error carries the user-facing reason the
// probe failed; a TestResult is returned even when the model's reply did not
// match the expected phrase.
func (t *Tester) Test(ctx context.Context, p TestParams) (*TestResult, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("不支持的类型: %s", p.Type)
	}

	key := strings.TrimSpace(p.APIKey)
	baseURL := strings.TrimSpace(p.BaseURL)
	model := strings.TrimSpace(p.Model)

	if (key == "" || domain.IsMaskedAPIKey(key)) && p.ProviderName != "" {
		if cfg, err := t.store.Find(ctx, categoryForType(p.Type), p.ProviderName); err == nil {
			key = cfg.APIKey
			if baseURL == "" {
				baseURL = cfg.BaseURL
			}
			if model == "" {
				model = cfg.Model
			}
		}
	}
	if key == "" {
		return nil, errors.New("API Key 未配置")
	}

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	switch p.Type {
	case domain.ProviderGoogleGenAI:
		return t.testGoogleGenAI(ctx, key, baseURL)
	case domain.ProviderImageAPI:
		return t.testImageAPI(ctx, key, baseURL)
	case domain.ProviderGoogleGemini:
		return t.testGemini(ctx, key, baseURL, model)
	case domain.ProviderOpenAICompatible:
		return t.testOpenAI(ctx, key, baseURL, model)
	default:
		return nil, fmt.Errorf("不支持的类型: %s", p.Type)
	}
}

func (t *Tester) testGoogleGenAI(ctx context.Context, key, baseURL string) (*TestResult, error) {
	if baseURL == "" {
		// Vertex endpoints authenticate with OAuth2, not API keys, so there
		// is nothing cheap to probe.
		return &TestResult{Success: true, Message: vertexMessage}, nil
	}

	url := strings.TrimRight(baseURL, "/") + "/v1beta/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("连接测试失败: %v", err)
	}
	req.Header.Set("x-goog-api-key", key)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("连接测试失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("连接测试失败: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return &TestResult{Success: true, Message: connectivityOnlyMessage}, nil
}

func (t *Tester) testImageAPI(ctx context.Context, key, baseURL string) (*TestResult, error) {
	if baseURL == "" {
		baseURL = defaultProbeBaseURL
	}

	url := trimBase(baseURL) + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return &TestResult{Success: true, Message: connectivityOnlyMessage}, nil
}

func (t *Tester) testGemini(ctx context.Context, key, baseURL, model string) (*TestResult, error) {
	client, err := text.NewGemini(text.Options{
		APIKey:     key,
		BaseURL:    baseURL,
		Model:      model,
		HTTPClient: t.client,
		Logger:     t.logger,
	})
	if err != nil {
		return nil, err
	}

	reply, err := client.Complete(ctx, text.CompleteRequest{Prompt: testPrompt})
	if err != nil {
		return nil, err
	}
	return checkReply(reply), nil
}

func (t *Tester) testOpenAI(ctx context.Context, key, baseURL, model string) (*TestResult, error) {
	client, err := text.NewOpenAI(text.Options{
		APIKey:     key,
		BaseURL:    baseURL,
		Model:      model,
		HTTPClient: t.client,
		Logger:     t.logger,
	})
	if err != nil {
		return nil, err
	}

	reply, err := client.Complete(ctx, text.CompleteRequest{Prompt: testPrompt, MaxOutputTokens: 50})
	if err != nil {
		return nil, err
	}
	return checkReply(reply), nil
}

// checkReply grades a model reply against the probe phrase. Either way the
// connection itself worked, so Success stays true.
func checkReply(reply string) *TestResult {
	if strings.Contains(reply, "你好") && strings.Contains(reply, "红墨") {
		return &TestResult{Success: true, Message: "连接成功！响应: " + truncate(reply, 100)}
	}
	return &TestResult{Success: true, Message: "连接成功，但响应内容不符合预期: " + truncate(reply, 100)}
}

// categoryForType places a tested provider type in its settings category.
func categoryForType(t domain.ProviderType) domain.ProviderCategory {
	if t == domain.ProviderOpenAICompatible || t == domain.ProviderGoogleGemini {
		return domain.ProviderCategoryText
	}
	return domain.ProviderCategoryImage
}

// trimBase drops trailing slashes and a /v1 suffix so configured bases with
// or without the version segment probe the same endpoint.
func trimBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return strings.TrimSuffix(base, "/v1")
}

// truncate cuts a string to at most n runes. Provider replies and error
// bodies are Chinese, so byte slicing would split characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
