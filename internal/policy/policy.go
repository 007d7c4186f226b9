// Package policy implements the hybrid decision pipeline for one step:
// local signals first, AI escalation only when the local verdict is not
// confident enough, budget permitting. Every decision walks an explicit
// state machine and leaves its path on the StepResult trace so a report
// can show exactly how a verdict was reached.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/vision"
)

// State is one phase of the per-step decision pipeline.
type State string

const (
	StateLocalOnly      State = "LOCAL_ONLY"
	StateLocalEvaluated State = "LOCAL_EVALUATED"
	StateAccepted       State = "ACCEPTED"
	StateEscalated      State = "ESCALATED"
	StateAIEvaluated    State = "AI_EVALUATED"
	StateFinal          State = "FINAL"
)

// DefaultAcceptThreshold is the local confidence at or above which a
// hybrid decision accepts without escalating.
const DefaultAcceptThreshold = 0.8

// LocalEvaluator computes the aggregated local verdict for a pair.
type LocalEvaluator interface {
	Evaluate(ctx context.Context, step model.Step, before, after []byte) model.LocalVerdict
}

// AIClient is the escalation surface the policy consumes.
type AIClient interface {
	Evaluate(ctx context.Context, req vision.Request, meter *budget.Meter) (*model.AIVerdict, error)
	ProviderName() string
}

// Config tunes one policy instance.
type Config struct {
	Level model.ValidationLevel
	// AcceptThreshold is the minimum local confidence for a hybrid
	// accept. Escalation happens iff confidence < threshold.
	AcceptThreshold float64
}

// DefaultConfig returns the standard hybrid policy.
func DefaultConfig() Config {
	return Config{
		Level:           model.LevelHybrid,
		AcceptThreshold: DefaultAcceptThreshold,
	}
}

// Policy decides the final verdict for executed steps. It is stateless
// across steps; run-wide escalation disablement is carried by the
// shared budget meter.
type Policy struct {
	level     model.ValidationLevel
	threshold float64
	local     LocalEvaluator
	ai        AIClient
	meter     *budget.Meter
}

// New creates a policy. The AI client may be nil when the level never
// escalates.
func New(local LocalEvaluator, ai AIClient, meter *budget.Meter, cfg Config) *Policy {
	if cfg.Level == "" {
		cfg.Level = model.LevelHybrid
	}
	if cfg.AcceptThreshold <= 0 || cfg.AcceptThreshold > 1 {
		cfg.AcceptThreshold = DefaultAcceptThreshold
	}
	return &Policy{
		level:     cfg.Level,
		threshold: cfg.AcceptThreshold,
		local:     local,
		ai:        ai,
		meter:     meter,
	}
}

// Level returns the configured validation level.
func (p *Policy) Level() model.ValidationLevel { return p.level }

// WithLevel returns a copy deciding at a different level, sharing the
// evaluators and the budget meter. Invalid levels keep the original.
func (p *Policy) WithLevel(level model.ValidationLevel) *Policy {
	cp := *p
	if level.Valid() {
		cp.level = level
	}
	return &cp
}

// Input is one executed step awaiting a verdict.
type Input struct {
	Step      model.Step
	StepIndex int
	Attempt   int

	// RunnerPassed is the executor's own claim; false means the step
	// action itself failed and no validation can rescue it.
	RunnerPassed bool
	RunnerDetail string

	Before []byte
	After  []byte
}

// Decide walks the decision state machine for one executed step and
// returns the finalized result. LevelUsed records which path produced
// the final verdict: "local" when local signals decided (including AI
// fallback), "ai" or "hybrid" when a provider verdict decided, "none"
// when validation was disabled.
func (p *Policy) Decide(ctx context.Context, in Input) *model.StepResult {
	started := time.Now()
	res := &model.StepResult{
		StepIndex:    in.StepIndex,
		Attempt:      in.Attempt,
		Step:         in.Step,
		RunnerPassed: in.RunnerPassed,
		StartedAt:    started,
	}
	trace := func(s State) { res.Trace = append(res.Trace, string(s)) }
	finalize := func(label model.VerdictLabel, level model.ValidationLevel, reason string) *model.StepResult {
		trace(StateFinal)
		res.Final = label
		res.LevelUsed = level
		res.Reason = reason
		res.FinishedAt = time.Now()
		logging.Policy("step %d attempt %d: %s via %s (%s)",
			in.StepIndex, in.Attempt, res.Final, res.LevelUsed, res.Reason)
		return res
	}

	trace(StateLocalOnly)

	// A step whose action already failed is a failure outright; signals
	// and escalation add nothing to an explicit runner error.
	if !in.RunnerPassed {
		reason := "runner reported failure"
		if in.RunnerDetail != "" {
			reason = "runner reported failure: " + in.RunnerDetail
		}
		return finalize(model.VerdictFail, model.LevelNone, reason)
	}

	if p.level == model.LevelNone {
		return finalize(model.VerdictPass, model.LevelNone, "validation disabled; runner outcome accepted")
	}

	local := p.local.Evaluate(ctx, in.Step, in.Before, in.After)
	res.Local = &local
	trace(StateLocalEvaluated)

	// Accept path. Level ai always escalates; level local always
	// accepts; hybrid accepts confident PASS/FAIL verdicts.
	switch p.level {
	case model.LevelLocal:
		trace(StateAccepted)
		return finalize(local.Label, model.LevelLocal, local.Reason)
	case model.LevelHybrid:
		if local.Label != model.VerdictUncertain && local.Confidence >= p.threshold {
			trace(StateAccepted)
			return finalize(local.Label, model.LevelLocal, local.Reason)
		}
	}

	// Escalation path. Budget first: once the meter is exceeded no
	// further provider calls happen for the rest of the run, and an
	// uncertain local verdict resolves to FAIL rather than passing
	// unverified.
	if p.meter != nil && p.meter.Exceeded() {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"AI budget exhausted (%d/%d units); escalation disabled", p.meter.Spent(), p.meter.Ceiling()))
		label := local.Label
		reason := local.Reason
		if label == model.VerdictUncertain {
			label = model.VerdictFail
			reason = "uncertain local verdict with AI budget exhausted: " + local.Reason
		}
		return finalize(label, model.LevelLocal, reason)
	}

	if ctx.Err() != nil {
		return finalize(model.VerdictFail, model.LevelLocal, "cancelled")
	}

	// No configured provider degrades the same way a failing provider
	// does: the local verdict stands and the gap is recorded.
	if p.ai == nil {
		res.Warnings = append(res.Warnings, "AI escalation unavailable: no provider configured")
		return finalize(local.Label, model.LevelLocal, local.Reason+" (AI unavailable)")
	}

	trace(StateEscalated)
	logging.PolicyDebug("step %d: escalating (local %s %.2f < %.2f)",
		in.StepIndex, local.Label, local.Confidence, p.threshold)

	verdict, err := p.ai.Evaluate(ctx, vision.Request{
		Before:          in.Before,
		After:           in.After,
		StepDescription: in.Step.Describe(),
		ExpectedOutcome: expectedOutcome(in.Step),
	}, p.meter)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return finalize(model.VerdictFail, model.LevelLocal, "cancelled")
		}
		// Degraded mode: provider trouble never blocks the run, the
		// local verdict stands and the failure is recorded.
		res.Warnings = append(res.Warnings, "AI escalation failed: "+err.Error())
		logging.PolicyDebug("step %d: AI escalation failed, using local verdict: %v", in.StepIndex, err)
		return finalize(local.Label, model.LevelLocal, local.Reason+" (AI unavailable)")
	}

	res.AI = verdict
	res.CostUnits = verdict.CostUnits
	trace(StateAIEvaluated)

	levelUsed := model.LevelHybrid
	if p.level == model.LevelAI {
		levelUsed = model.LevelAI
	}
	reason := fmt.Sprintf("AI verdict %s (%.2f): %s", verdict.Label, verdict.Confidence, verdict.Rationale)
	return finalize(verdict.Label, levelUsed, reason)
}

// expectedOutcome summarizes the step's declared expectations for the
// provider prompt.
func expectedOutcome(step model.Step) string {
	var parts []string
	if step.ExpectsVisibleChange() {
		parts = append(parts, "the screen should visibly change")
	} else {
		parts = append(parts, "the screen may legitimately stay the same")
	}
	for _, t := range step.ExpectedText {
		parts = append(parts, fmt.Sprintf("the text %q should be visible", t))
	}
	for _, t := range step.ForbiddenText {
		parts = append(parts, fmt.Sprintf("the text %q must not appear", t))
	}
	if step.ExpectedRegion != nil {
		parts = append(parts, "the change should be inside region "+step.ExpectedRegion.String())
	}
	return strings.Join(parts, "; ")
}
