package model

import "time"

// VerdictLabel is the outcome of a validation decision.
type VerdictLabel string

const (
	VerdictPass      VerdictLabel = "PASS"
	VerdictFail      VerdictLabel = "FAIL"
	VerdictUncertain VerdictLabel = "UNCERTAIN"
)

// DiffResult is the pixel-diff signal. Score is the changed-pixel ratio
// in [0,1] (0 identical, 1 maximally different). Incomparable marks a
// dimension or decode mismatch; an incomparable result never feeds a
// PASS.
type DiffResult struct {
	Score        float64 `json:"score"`
	Incomparable bool    `json:"incomparable,omitempty"`
	Detail       string  `json:"detail,omitempty"`
	Region       *Region `json:"region,omitempty"`
}

// TextMatch is the OCR signal. Available is false when no OCR backend
// could run; downstream treats that as signal-unavailable, never as an
// implicit PASS.
type TextMatch struct {
	Available       bool     `json:"available"`
	ExpectedFound   []string `json:"expected_found,omitempty"`
	ExpectedMissing []string `json:"expected_missing,omitempty"`
	ForbiddenFound  []string `json:"forbidden_found,omitempty"`
}

// SignatureHit is one matched known-error signature.
type SignatureHit struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// LocalSignals collects the local detector outputs that fed a verdict.
// A nil field means the signal was not applicable to the step.
type LocalSignals struct {
	Diff       *DiffResult    `json:"diff,omitempty"`
	Text       *TextMatch     `json:"text,omitempty"`
	Signatures []SignatureHit `json:"signatures,omitempty"`
}

// LocalVerdict is the aggregated local decision. Confidence is the
// minimum among contributing signals, never an average.
type LocalVerdict struct {
	Label      VerdictLabel `json:"label"`
	Confidence float64      `json:"confidence"`
	Signals    LocalSignals `json:"signals"`
	Reason     string       `json:"reason"`
}

// AIVerdict is the provider's decision for one escalated step. It is
// produced at most once per validation call and only when the policy
// explicitly escalated.
type AIVerdict struct {
	Label      VerdictLabel `json:"label"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale,omitempty"`
	CostUnits  int          `json:"cost_units"`
	Provider   string       `json:"provider,omitempty"`
	Model      string       `json:"model,omitempty"`
}

// StepResult is the canonical outcome of one step attempt. Exactly one
// finalized StepResult exists per (run, step index, attempt) triple;
// results across healing attempts for the same logical step are linked
// by Attempt.
type StepResult struct {
	RunID     string `json:"run_id,omitempty"`
	StepIndex int    `json:"step_index"`
	Attempt   int    `json:"attempt"`
	Step      Step   `json:"step"`

	RunnerPassed bool            `json:"runner_passed"`
	Local        *LocalVerdict   `json:"local,omitempty"`
	AI           *AIVerdict      `json:"ai,omitempty"`
	Final        VerdictLabel    `json:"final"`
	LevelUsed    ValidationLevel `json:"level_used"`
	CostUnits    int             `json:"cost_units"`

	// Reason explains how Final was derived: which signals fired,
	// whether escalation happened, whether a ceiling was hit.
	Reason   string   `json:"reason"`
	Warnings []string `json:"warnings,omitempty"`
	Trace    []string `json:"trace,omitempty"`

	BeforeRef string `json:"before_ref,omitempty"`
	AfterRef  string `json:"after_ref,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Passed reports whether the finalized verdict is PASS.
func (r *StepResult) Passed() bool { return r.Final == VerdictPass }

// PatchKind says how a healing patch applies to the working copy.
type PatchKind string

const (
	// PatchReplace swaps the failing step for the proposed one.
	PatchReplace PatchKind = "replace"
	// PatchInsertBefore inserts a corrective step ahead of the failing
	// one; the retried run resumes at the inserted step.
	PatchInsertBefore PatchKind = "insert_before"
)

// StepPatch is the repair provider's proposed fix for a failing step.
type StepPatch struct {
	Kind      PatchKind `json:"kind"`
	Step      Step      `json:"step"`
	Rationale string    `json:"rationale,omitempty"`
}

// HealingAttempt records one repair-and-retry cycle. Attempts for a run
// are strictly ordered by Index and bounded by the configured ceiling.
type HealingAttempt struct {
	Index     int         `json:"index"`
	StepIndex int         `json:"step_index"`
	Failing   *StepResult `json:"failing"`
	Patch     *StepPatch  `json:"patch,omitempty"`
	// Result is the retried step's outcome; nil when no retry ran
	// (no patch produced or the repair provider failed).
	Result *StepResult `json:"result,omitempty"`
	Note   string      `json:"note,omitempty"`
}

// RunStatus is the terminal state of one test-case run.
type RunStatus string

const (
	RunPassed RunStatus = "passed"
	RunFailed RunStatus = "failed"
	// RunHealed means the run passed after at least one healing attempt.
	RunHealed RunStatus = "healed"
	// RunError means the run aborted before or between steps
	// (configuration error, runner failure, cancellation).
	RunError RunStatus = "error"
)

// RunResult is the full ordered outcome of one test-case run on one
// device, as handed to the report layer and the store.
type RunResult struct {
	ID        string    `json:"id"`
	TestName  string    `json:"test_name"`
	Device    string    `json:"device,omitempty"`
	Platform  Platform  `json:"platform,omitempty"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CostUnits int       `json:"cost_units"`

	Steps   []StepResult     `json:"steps"`
	Healing []HealingAttempt `json:"healing,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Passed reports whether the run ended in a passing status.
func (r *RunResult) Passed() bool {
	return r.Status == RunPassed || r.Status == RunHealed
}
