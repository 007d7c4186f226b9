package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// AnthropicProvider talks to the Anthropic messages API directly over
// HTTP, sending the screenshot pair as base64 image content blocks.
type AnthropicProvider struct {
	apiKey      string
	baseURL     string
	model       string
	costPerCall int
	httpClient  *http.Client
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	CostPerCall int
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:      apiKey,
		BaseURL:     "https://api.anthropic.com/v1",
		Model:       "claude-sonnet-4-20250514",
		Timeout:     120 * time.Second,
		CostPerCall: 1,
	}
}

// NewAnthropicProvider creates a provider with default configuration.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return NewAnthropicProviderWithConfig(DefaultAnthropicConfig(apiKey))
}

// NewAnthropicProviderWithConfig creates a provider with custom config.
func NewAnthropicProviderWithConfig(config AnthropicConfig) *AnthropicProvider {
	if config.CostPerCall <= 0 {
		config.CostPerCall = 1
	}
	return &AnthropicProvider{
		apiKey:      config.APIKey,
		baseURL:     config.BaseURL,
		model:       config.Model,
		costPerCall: config.CostPerCall,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name identifies the provider in verdicts and errors.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// CostPerCall declares the cost units one call consumes.
func (p *AnthropicProvider) CostPerCall() int { return p.costPerCall }

// SetModel changes the model used for verdicts.
func (p *AnthropicProvider) SetModel(model string) {
	if model != "" {
		p.model = model
	}
}

// GetModel returns the current model.
func (p *AnthropicProvider) GetModel() string { return p.model }

// anthropicRequest represents the messages API request.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

// anthropicMessage is one message with mixed image/text content.
type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicResponse represents the API response.
type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Judge sends one verdict request and returns the raw model output.
func (p *AnthropicProvider) Judge(ctx context.Context, req Request) (string, error) {
	content := []anthropicContent{
		imageBlock(req.Before),
		imageBlock(req.After),
		{Type: "text", Text: buildVerdictPrompt(req)},
	}
	return p.send(ctx, verdictSystemPrompt, content, 1024)
}

// Complete sends a text-only prompt; the repair provider uses this.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	content := []anthropicContent{{Type: "text", Text: userPrompt}}
	return p.send(ctx, systemPrompt, content, 4096)
}

func (p *AnthropicProvider) send(ctx context.Context, system string, content []anthropicContent, maxTokens int) (string, error) {
	if p.apiKey == "" {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderAPIError, Message: "API key not configured"}
	}

	reqBody := anthropicRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages: []anthropicMessage{
			{Role: "user", Content: content},
		},
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderAPIError, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderAPIError, Err: fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderAPIError, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderAPIError, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderRateLimited, Message: "rate limit exceeded (429)"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &model.ProviderError{
			Provider: p.Name(),
			Kind:     model.ProviderAPIError,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 300)),
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderBadResponse, Err: fmt.Errorf("parse response: %w", err)}
	}
	if apiResp.Error != nil {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderAPIError, Message: apiResp.Error.Message}
	}
	if len(apiResp.Content) == 0 {
		return "", &model.ProviderError{Provider: p.Name(), Kind: model.ProviderBadResponse, Message: "no completion returned"}
	}

	var result strings.Builder
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			result.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(result.String()), nil
}

func imageBlock(data []byte) anthropicContent {
	return anthropicContent{
		Type: "image",
		Source: &anthropicImageSource{
			Type:      "base64",
			MediaType: "image/png",
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
