// Package healing implements the bounded self-repair loop. When a step
// finalizes FAIL, the controller asks a repair provider for a patch,
// applies it to a private working copy of the test case, and retries
// from the patched step, up to a configured attempt ceiling. The
// original test case is never mutated; every attempt is recorded so an
// exhausted run can show the full repair trail.
package healing

import (
	"context"
	"errors"
	"fmt"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// State is one phase of the healing loop.
type State string

const (
	StateRunning    State = "RUNNING"
	StateStepFailed State = "STEP_FAILED"
	StateDiagnosing State = "DIAGNOSING"
	StatePatched    State = "PATCHED"
	StateRetrying   State = "RETRYING"
	StateResolved   State = "RESOLVED"
	StateExhausted  State = "EXHAUSTED"
)

// DefaultMaxAttempts is the standard repair ceiling.
const DefaultMaxAttempts = 3

// DiagnoseRequest is everything the repair provider may consider.
type DiagnoseRequest struct {
	// TestCase is the current working copy, already carrying any
	// patches from earlier attempts.
	TestCase  *model.TestCase
	StepIndex int
	Failing   *model.StepResult
	History   []model.StepResult
	Attempt   int
}

// RepairProvider proposes a patch for a failing step. Returning
// (nil, nil) is an explicit no-patch: the step is not repairable and
// the loop exhausts immediately rather than retrying blind.
type RepairProvider interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error)
}

// StepExecutor re-executes steps of the working copy during a retry.
// The pipeline implements it; the indirection keeps the controller
// free of device concerns.
type StepExecutor interface {
	// RunStep executes and validates one step.
	RunStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error)
	// ReplayStep re-executes a step without validation, used to walk
	// the device back to the failure point when resume is unsupported.
	ReplayStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error)
	// SupportsResume reports whether execution can continue from an
	// arbitrary step without replaying the flow from the start.
	SupportsResume() bool
}

// Config tunes one controller.
type Config struct {
	// MaxAttempts is the repair ceiling per failing run.
	MaxAttempts int
}

// DefaultConfig returns the standard ceiling.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts}
}

// Controller drives the healing loop.
type Controller struct {
	repair      RepairProvider
	executor    StepExecutor
	maxAttempts int
}

// New creates a controller.
func New(repair RepairProvider, executor StepExecutor, cfg Config) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		repair:      repair,
		executor:    executor,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Outcome is the result of one healing loop.
type Outcome struct {
	// State is RESOLVED or EXHAUSTED.
	State State
	// Attempts is the ordered repair trail, at most MaxAttempts long.
	Attempts []model.HealingAttempt
	// TestCase is the final working copy including applied patches.
	TestCase *model.TestCase
	// Healed is the passing result of the repaired step; nil unless
	// State is RESOLVED.
	Healed *model.StepResult
	// NextIndex is where the pipeline continues in TestCase after a
	// resolve; on exhaustion it is the index that still fails.
	NextIndex int
	// Trace records the state walk for reporting.
	Trace []string
}

// Heal runs the repair loop for one failing step. The returned error is
// non-nil only for executor infrastructure failures and cancellation;
// repair-provider failures exhaust the loop instead, so a flaky
// diagnosis can never abort the run.
func (c *Controller) Heal(ctx context.Context, tc *model.TestCase, failing *model.StepResult, history []model.StepResult) (*Outcome, error) {
	working := tc.Clone()
	failIndex := failing.StepIndex
	lastResult := failing

	out := &Outcome{TestCase: working, NextIndex: failIndex}
	trace := func(s State) { out.Trace = append(out.Trace, string(s)) }
	exhaust := func(att model.HealingAttempt) (*Outcome, error) {
		out.Attempts = append(out.Attempts, att)
		out.State = StateExhausted
		out.NextIndex = failIndex
		trace(StateExhausted)
		logging.Healing("exhausted after %d attempt(s): %s", len(out.Attempts), att.Note)
		return out, nil
	}

	trace(StateRunning)
	trace(StateStepFailed)
	logging.Healing("step %d failed (%s), starting repair loop (ceiling %d)",
		failIndex, lastResult.Reason, c.maxAttempts)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		trace(StateDiagnosing)
		patch, err := c.repair.Diagnose(ctx, DiagnoseRequest{
			TestCase:  working,
			StepIndex: failIndex,
			Failing:   lastResult,
			History:   history,
			Attempt:   attempt,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return out, err
			}
			return exhaust(model.HealingAttempt{
				Index:     attempt,
				StepIndex: failIndex,
				Failing:   lastResult,
				Note:      "repair provider failed: " + err.Error(),
			})
		}
		if patch == nil {
			return exhaust(model.HealingAttempt{
				Index:     attempt,
				StepIndex: failIndex,
				Failing:   lastResult,
				Note:      "no patch proposed",
			})
		}

		resume := failIndex
		switch patch.Kind {
		case model.PatchReplace:
			working.Steps[failIndex] = patch.Step
		case model.PatchInsertBefore:
			steps := make([]model.Step, 0, len(working.Steps)+1)
			steps = append(steps, working.Steps[:failIndex]...)
			steps = append(steps, patch.Step)
			steps = append(steps, working.Steps[failIndex:]...)
			working.Steps = steps
			// The original failing step shifted one position later and
			// is re-validated on the same retry pass.
			failIndex++
		default:
			return exhaust(model.HealingAttempt{
				Index:     attempt,
				StepIndex: failIndex,
				Failing:   lastResult,
				Patch:     patch,
				Note:      fmt.Sprintf("unusable patch kind %q", patch.Kind),
			})
		}
		trace(StatePatched)
		logging.Healing("attempt %d: %s patch at step %d (%s)",
			attempt, patch.Kind, resume, patch.Step.Describe())

		trace(StateRetrying)
		if !c.executor.SupportsResume() {
			replayOK, att, err := c.replay(ctx, working, resume, attempt)
			if err != nil {
				return out, err
			}
			if !replayOK {
				att.Failing = lastResult
				att.Patch = patch
				out.Attempts = append(out.Attempts, att)
				continue
			}
		}

		retried, newFailIndex, err := c.retry(ctx, working, resume, failIndex, attempt)
		if err != nil {
			return out, err
		}

		out.Attempts = append(out.Attempts, model.HealingAttempt{
			Index:     attempt,
			StepIndex: newFailIndex,
			Failing:   lastResult,
			Patch:     patch,
			Result:    retried,
		})

		if retried.Passed() {
			out.State = StateResolved
			out.Healed = retried
			out.NextIndex = failIndex + 1
			trace(StateResolved)
			logging.Healing("resolved on attempt %d: step %d now passes", attempt, failIndex)
			return out, nil
		}

		lastResult = retried
		failIndex = newFailIndex
		logging.HealingDebug("attempt %d: step %d still failing (%s)", attempt, failIndex, retried.Reason)
	}

	out.State = StateExhausted
	out.NextIndex = failIndex
	trace(StateExhausted)
	logging.Healing("exhausted: ceiling of %d attempts reached, step %d still failing",
		c.maxAttempts, failIndex)
	return out, nil
}

// replay walks the device back through steps 0..resume-1 without
// validation. A replay step that fails aborts this attempt but not the
// loop; the environment may recover on the next pass.
func (c *Controller) replay(ctx context.Context, working *model.TestCase, resume, attempt int) (bool, model.HealingAttempt, error) {
	for i := 0; i < resume; i++ {
		rep, err := c.executor.ReplayStep(ctx, working, i, attempt)
		if err != nil {
			return false, model.HealingAttempt{}, err
		}
		if !rep.Passed() {
			logging.HealingDebug("replay broke at step %d: %s", i, rep.Reason)
			return false, model.HealingAttempt{
				Index:     attempt,
				StepIndex: i,
				Note:      fmt.Sprintf("replay failed at step %d before the retry", i),
			}, nil
		}
	}
	return true, model.HealingAttempt{}, nil
}

// retry executes steps resume..target with validation and returns the
// last produced result plus the index it belongs to.
func (c *Controller) retry(ctx context.Context, working *model.TestCase, resume, target, attempt int) (*model.StepResult, int, error) {
	var last *model.StepResult
	for i := resume; i <= target; i++ {
		res, err := c.executor.RunStep(ctx, working, i, attempt)
		if err != nil {
			return nil, i, err
		}
		last = res
		if !res.Passed() {
			return res, i, nil
		}
	}
	return last, target, nil
}
