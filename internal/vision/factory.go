package vision

import (
	"fmt"
	"os"
)

// ProviderName identifies a supported vision provider.
type ProviderName string

const (
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGemini    ProviderName = "gemini"
)

// ProviderConfig holds the resolved provider and API key.
type ProviderConfig struct {
	Provider ProviderName
	APIKey   string
	Model    string // Optional model override
}

// DetectProvider resolves a provider from environment variables.
// Priority: ANTHROPIC_API_KEY > GEMINI_API_KEY > GOOGLE_API_KEY.
func DetectProvider() (*ProviderConfig, error) {
	providers := []struct {
		envVar   string
		provider ProviderName
	}{
		{"ANTHROPIC_API_KEY", ProviderAnthropic},
		{"GEMINI_API_KEY", ProviderGemini},
		{"GOOGLE_API_KEY", ProviderGemini},
	}

	for _, p := range providers {
		if key := os.Getenv(p.envVar); key != "" {
			return &ProviderConfig{
				Provider: p.provider,
				APIKey:   key,
			}, nil
		}
	}

	return nil, fmt.Errorf("no API key found; set one of: ANTHROPIC_API_KEY, GEMINI_API_KEY, GOOGLE_API_KEY")
}

// NewProviderFromEnv creates a vision provider from environment variables.
func NewProviderFromEnv() (Provider, error) {
	config, err := DetectProvider()
	if err != nil {
		return nil, err
	}
	return NewProviderFromConfig(config)
}

// NewProviderFromConfig creates a vision provider from a resolved config.
func NewProviderFromConfig(config *ProviderConfig) (Provider, error) {
	switch config.Provider {
	case ProviderAnthropic:
		provider := NewAnthropicProvider(config.APIKey)
		if config.Model != "" {
			provider.SetModel(config.Model)
		}
		return provider, nil

	case ProviderGemini:
		provider, err := NewGeminiProvider(config.APIKey)
		if err != nil {
			return nil, err
		}
		if config.Model != "" {
			provider.SetModel(config.Model)
		}
		return provider, nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", config.Provider)
	}
}
