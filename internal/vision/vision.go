// Package vision implements the AI verdict client: it sends a
// before/after screenshot pair plus step semantics to a vision-capable
// provider and parses a structured verdict. Providers are abstract so
// vendors can be swapped without touching the decision policy. The
// client owns the timeout and the bounded transient-retry contract;
// ambiguous or unparsable provider output fails with a ProviderError
// rather than degrading to a guessed verdict.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// Request is one verdict query: the image pair and the step semantics
// the model should judge against.
type Request struct {
	Before          []byte
	After           []byte
	StepDescription string
	ExpectedOutcome string
}

// Provider transports a verdict request to one vendor and returns the
// raw model output. Implementations classify their failures as
// *model.ProviderError so the client can tell transient from fatal.
type Provider interface {
	Name() string
	// CostPerCall declares the cost units one call consumes.
	CostPerCall() int
	Judge(ctx context.Context, req Request) (string, error)
}

// Completer is the text-completion capability the repair provider
// needs. Both shipped providers implement it alongside Provider.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ClientConfig tunes the evaluation contract.
type ClientConfig struct {
	// Timeout bounds one Evaluate invocation end to end.
	Timeout time.Duration
	// MaxRetries bounds in-invocation retries of transient failures.
	MaxRetries int
	// RetryBackoff is the base for exponential backoff (1x, 2x, 4x).
	RetryBackoff time.Duration
}

// DefaultClientConfig returns the standard evaluation contract.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      60 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Second,
	}
}

// Client evaluates steps through a Provider under the configured
// timeout/retry contract and charges the run budget for every
// attempted invocation.
type Client struct {
	provider     Provider
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

// NewClient wraps a provider with the default contract.
func NewClient(p Provider) *Client {
	return NewClientWithConfig(p, DefaultClientConfig())
}

// NewClientWithConfig wraps a provider with a custom contract.
func NewClientWithConfig(p Provider, cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	return &Client{
		provider:     p,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}
}

// ProviderName returns the wrapped provider's name.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Evaluate performs one logical provider call and parses the verdict.
// The meter is charged once per invocation, including invocations that
// fail, because the provider call was attempted either way. Transient
// failures (rate limits) are retried a bounded number of times with
// exponential backoff inside the invocation; a successfully parsed
// verdict is never retried, whatever its label. Cancellation of the
// enclosing run propagates as context.Canceled so the caller can
// finalize the step as cancelled rather than uncertain.
func (c *Client) Evaluate(ctx context.Context, req Request, meter *budget.Meter) (*model.AIVerdict, error) {
	if meter != nil {
		meter.Charge(c.provider.CostPerCall())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryVision, c.provider.Name()+" evaluate")
	defer timer.Stop()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<uint(attempt-1))
			logging.VisionWarn("transient provider failure, retry %d/%d in %v: %v",
				attempt, c.maxRetries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, c.classifyContext(ctx)
			}
		}

		raw, err := c.provider.Judge(ctx, req)
		if err != nil {
			if ctxErr := c.classifyContext(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			var pe *model.ProviderError
			if errors.As(err, &pe) && pe.Transient() && attempt < c.maxRetries {
				lastErr = err
				continue
			}
			return nil, c.ensureProviderError(err)
		}

		verdict, err := parseVerdict(raw)
		if err != nil {
			return nil, &model.ProviderError{
				Provider: c.provider.Name(),
				Kind:     model.ProviderBadResponse,
				Message:  err.Error(),
			}
		}
		verdict.CostUnits = c.provider.CostPerCall()
		verdict.Provider = c.provider.Name()
		logging.Vision("verdict %s (%.2f) from %s", verdict.Label, verdict.Confidence, verdict.Provider)
		return verdict, nil
	}

	return nil, c.ensureProviderError(lastErr)
}

// classifyContext maps a finished context to the pipeline's error
// vocabulary: user cancellation stays context.Canceled, a blown
// deadline becomes a provider timeout.
func (c *Client) classifyContext(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &model.ProviderError{
			Provider: c.provider.Name(),
			Kind:     model.ProviderTimeout,
			Message:  fmt.Sprintf("no verdict within %v", c.timeout),
		}
	}
	return nil
}

func (c *Client) ensureProviderError(err error) error {
	if err == nil {
		return &model.ProviderError{Provider: c.provider.Name(), Kind: model.ProviderAPIError, Message: "call failed"}
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &model.ProviderError{Provider: c.provider.Name(), Kind: model.ProviderAPIError, Err: err}
}

// verdictPayload is the JSON shape the providers are instructed to
// return.
type verdictPayload struct {
	Result      string  `json:"result"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// parseVerdict strictly parses the model output. Accepts an optional
// markdown code fence around the JSON; anything that does not parse to
// a PASS/FAIL verdict is an error, never a guess.
func parseVerdict(raw string) (*model.AIVerdict, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload verdictPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("verdict is not valid JSON: %w", err)
	}

	var label model.VerdictLabel
	switch strings.ToUpper(strings.TrimSpace(payload.Result)) {
	case "PASS":
		label = model.VerdictPass
	case "FAIL":
		label = model.VerdictFail
	default:
		return nil, fmt.Errorf("verdict result %q is neither PASS nor FAIL", payload.Result)
	}

	conf := payload.Confidence
	if conf < 0 || conf > 100 {
		return nil, fmt.Errorf("verdict confidence %v outside 0-100", payload.Confidence)
	}

	return &model.AIVerdict{
		Label:      label,
		Confidence: conf / 100,
		Rationale:  strings.TrimSpace(payload.Explanation),
	}, nil
}
