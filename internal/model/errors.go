package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes the pipeline absorbs into
// documented fallback states rather than propagating.
var (
	// ErrSignalUnavailable marks a local detector that could not run
	// (e.g. no OCR backend). Degrades confidence; never fails a step.
	ErrSignalUnavailable = errors.New("validation signal unavailable")

	// ErrIncomparable marks an image pair that cannot be diffed
	// (dimension or decode mismatch). Treated as UNCERTAIN downstream.
	ErrIncomparable = errors.New("images not comparable")

	// ErrBudgetExceeded marks the AI cost ceiling being reached;
	// escalation is disabled for the rest of the run.
	ErrBudgetExceeded = errors.New("ai cost budget exceeded")

	// ErrHealingExhausted marks a run that hit the healing attempt
	// ceiling without a passing retry.
	ErrHealingExhausted = errors.New("healing attempts exhausted")

	// ErrNoPatch marks an explicit no-patch outcome from the repair
	// provider; the controller must not retry an unpatched step.
	ErrNoPatch = errors.New("repair provider produced no patch")
)

// ProviderErrorKind classifies a failed provider call.
type ProviderErrorKind string

const (
	ProviderTimeout     ProviderErrorKind = "timeout"
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	// ProviderBadResponse covers unparsable or ambiguous output. The
	// adapter fails with this instead of guessing a verdict.
	ProviderBadResponse ProviderErrorKind = "bad_response"
	ProviderAPIError    ProviderErrorKind = "api_error"
)

// ProviderError is a failed vision or repair provider call. The caller
// (policy or healing controller) decides the fallback; the client never
// downgrades to a guessed verdict.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s provider %s: %s", e.Provider, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s provider %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s provider %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth a bounded in-call
// retry. Only rate limits qualify; a timeout already consumed the call
// deadline and a bad response will not improve by resending.
func (e *ProviderError) Transient() bool {
	return e.Kind == ProviderRateLimited
}

// IsProviderError reports whether err is a ProviderError of any kind.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsProviderTimeout reports whether err is a timed-out provider call.
func IsProviderTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderTimeout
}
