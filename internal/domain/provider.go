package domain

import (
	"strings"
	"time"
)

// ProviderCategory separates text (outline) providers from image providers.
type ProviderCategory string

const (
	ProviderCategoryText  ProviderCategory = "text"
	ProviderCategoryImage ProviderCategory = "image"
)

// Valid reports whether the category is one of the known values.
func (c ProviderCategory) Valid() bool {
	return c == ProviderCategoryText || c == ProviderCategoryImage
}

// ProviderType enumerates the supported vendor backends.
type ProviderType string

const (
	// ProviderGoogleGenAI is the Google multimodal image generation API.
	ProviderGoogleGenAI ProviderType = "google_genai"
	// ProviderGoogleGemini is the Google text generation API.
	ProviderGoogleGemini ProviderType = "google_gemini"
	// ProviderOpenAICompatible is any chat-completions style endpoint.
	ProviderOpenAICompatible ProviderType = "openai_compatible"
	// ProviderImageAPI is a generic text-to-image HTTP endpoint.
	ProviderImageAPI ProviderType = "image_api"
)

// Valid reports whether the type is one of the known values.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderGoogleGenAI, ProviderGoogleGemini, ProviderOpenAICompatible, ProviderImageAPI:
		return true
	}
	return false
}

// RequiresBaseURL reports whether the type has no usable default endpoint.
func (t ProviderType) RequiresBaseURL() bool {
	return t == ProviderOpenAICompatible || t == ProviderImageAPI
}

// ProviderConfig is one stored vendor configuration. Extra carries
// provider-specific tuning (temperature, image_size, ...) as loose keys.
type ProviderConfig struct {
	ID        int64
	Category  ProviderCategory
	Name      string
	Type      ProviderType
	APIKey    string
	BaseURL   string
	Model     string
	Active    bool
	Extra     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExtraString returns a string value from Extra, or fallback.
func (c ProviderConfig) ExtraString(key, fallback string) string {
	if v, ok := c.Extra[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ExtraFloat returns a numeric value from Extra, or fallback. JSON numbers
// decode as float64.
func (c ProviderConfig) ExtraFloat(key string, fallback float64) float64 {
	switch v := c.Extra[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// MaskAPIKey redacts an API key for display: first and last four characters
// kept, everything else starred. Short keys are fully starred.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// IsMaskedAPIKey reports whether the value looks like a redacted key rather
// than a real one. Real keys never contain asterisks, so a masked value
// round-tripped through the settings UI must not overwrite the stored key.
func IsMaskedAPIKey(key string) bool {
	return strings.Contains(key, "*")
}
