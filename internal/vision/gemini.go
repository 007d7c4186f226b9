package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// GeminiProvider talks to the Gemini API through the official genai SDK.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	costPerCall int
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Timeout     time.Duration
	CostPerCall int
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:      apiKey,
		Model:       "gemini-3-flash-preview",
		Timeout:     2 * time.Minute,
		CostPerCall: 1,
	}
}

// NewGeminiProvider creates a provider with default configuration.
func NewGeminiProvider(apiKey string) (*GeminiProvider, error) {
	return NewGeminiProviderWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiProviderWithConfig creates a provider with custom config.
func NewGeminiProviderWithConfig(config GeminiConfig) (*GeminiProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "gemini-3-flash-preview"
	}
	if config.CostPerCall <= 0 {
		config.CostPerCall = 1
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiProvider{
		client:      client,
		model:       model,
		costPerCall: config.CostPerCall,
	}, nil
}

// Name identifies the provider in verdicts and errors.
func (p *GeminiProvider) Name() string { return "gemini" }

// CostPerCall declares the cost units one call consumes.
func (p *GeminiProvider) CostPerCall() int { return p.costPerCall }

// SetModel changes the model used for verdicts.
func (p *GeminiProvider) SetModel(model string) {
	if model != "" {
		p.model = model
	}
}

// GetModel returns the current model.
func (p *GeminiProvider) GetModel() string { return p.model }

// Judge sends one verdict request and returns the raw model output.
func (p *GeminiProvider) Judge(ctx context.Context, req Request) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Before, "image/png"),
		genai.NewPartFromBytes(req.After, "image/png"),
		genai.NewPartFromText(buildVerdictPrompt(req)),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	return p.generate(ctx, verdictSystemPrompt, contents, 1024)
}

// Complete sends a text-only prompt; the repair provider uses this.
func (p *GeminiProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}
	return p.generate(ctx, systemPrompt, contents, 4096)
}

func (p *GeminiProvider) generate(ctx context.Context, system string, contents []*genai.Content, maxTokens int32) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.1),
		MaxOutputTokens:   maxTokens,
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: classifyGeminiError(err), Err: err}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderBadResponse, Message: "no completion returned"}
	}
	return text, nil
}

// classifyGeminiError maps SDK failures onto the provider error taxonomy.
// The SDK surfaces quota errors as RESOURCE_EXHAUSTED with HTTP 429.
func classifyGeminiError(err error) model.ProviderErrorKind {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return model.ProviderRateLimited
	}
	return model.ProviderAPIError
}

// Close releases provider resources. The genai SDK client holds no
// connections that need closing, so this is a no-op.
func (p *GeminiProvider) Close() error {
	return nil
}
