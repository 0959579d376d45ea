package image

import (
	"errors"
	"testing"

	"redink/server/internal/domain"
)

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     domain.ProviderConfig
		wantErr bool
	}{
		{
			name:    "unknown type",
			cfg:     domain.ProviderConfig{Type: "dalle", APIKey: "k"},
			wantErr: true,
		},
		{
			name:    "missing api key",
			cfg:     domain.ProviderConfig{Type: domain.ProviderGoogleGenAI},
			wantErr: true,
		},
		{
			name:    "openai compatible without base url",
			cfg:     domain.ProviderConfig{Type: domain.ProviderOpenAICompatible, APIKey: "k"},
			wantErr: true,
		},
		{
			name:    "image api without base url",
			cfg:     domain.ProviderConfig{Type: domain.ProviderImageAPI, APIKey: "k"},
			wantErr: true,
		},
		{
			name: "gemini without base url",
			cfg:  domain.ProviderConfig{Type: domain.ProviderGoogleGenAI, APIKey: "k"},
		},
		{
			name: "openai compatible complete",
			cfg:  domain.ProviderConfig{Type: domain.ProviderOpenAICompatible, APIKey: "k", BaseURL: "https://gw.test"},
		},
	}
	for _, tc := range cases {
		err := ValidateConfig(tc.cfg)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if tc.wantErr {
			var ce *domain.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("%s: error type = %T, want *domain.ConfigurationError", tc.name, err)
			}
		}
	}
}

func TestResolveBuildsClientPerType(t *testing.T) {
	cases := []struct {
		cfg      domain.ProviderConfig
		wantName string
	}{
		{domain.ProviderConfig{Type: domain.ProviderGoogleGenAI, APIKey: "k"}, "gemini"},
		{domain.ProviderConfig{Type: domain.ProviderGoogleGemini, APIKey: "k"}, "gemini"},
		{domain.ProviderConfig{Type: domain.ProviderOpenAICompatible, APIKey: "k", BaseURL: "https://gw.test"}, "openai_compatible"},
		{domain.ProviderConfig{Type: domain.ProviderImageAPI, APIKey: "k", BaseURL: "https://img.test"}, "image_api"},
	}
	for _, tc := range cases {
		gen, err := Resolve(tc.cfg, nil, nil)
		if err != nil {
			t.Fatalf("resolve %s: %v", tc.cfg.Type, err)
		}
		if gen.Name() != tc.wantName {
			t.Fatalf("name = %q, want %q", gen.Name(), tc.wantName)
		}
	}
}

func TestResolveConfigurationErrorIsNotRetryable(t *testing.T) {
	_, err := Resolve(domain.ProviderConfig{Type: "unknown"}, nil, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	if IsRetryable(err) {
		t.Fatalf("configuration errors must not be retryable")
	}
}
