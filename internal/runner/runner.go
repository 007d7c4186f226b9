// Package runner executes test cases end to end: run a step on the
// device, hand the captured screens to the decision policy, and on a
// finalized FAIL invoke the healing controller. One Pipeline serves the
// whole suite; each Run binds a device session so healing retries stay
// on the device that saw the failure.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yunusemreyildiz/yeytest/internal/artifact"
	"github.com/yunusemreyildiz/yeytest/internal/healing"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/policy"
)

// ExecuteRequest asks the step executor to perform one step on a device.
type ExecuteRequest struct {
	TestCase  *model.TestCase
	StepIndex int
	Device    string
	Attempt   int
	// Capture requests before/after screenshots. Replays and disabled
	// validation run without capture.
	Capture bool
}

// ExecuteResult is the executor's raw outcome for one step.
type ExecuteResult struct {
	// Passed is the executor's own claim that the action succeeded.
	// Validation decides what that claim is worth.
	Passed   bool
	Detail   string
	Before   []byte
	After    []byte
	Duration time.Duration
}

// StepRunner abstracts the device automation backend. The Maestro
// adapter implements it for real devices; tests swap in mocks.
type StepRunner interface {
	ExecuteStep(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	// SupportsResume reports whether a retry can continue from an
	// arbitrary step without replaying the flow from the start.
	SupportsResume() bool
}

// Config tunes one pipeline.
type Config struct {
	// Healing enables the repair loop for failing steps. A test case
	// can override per-flow via its healing field.
	Healing bool
	// HealAttempts is the repair ceiling per failing run.
	HealAttempts int
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Healing:      true,
		HealAttempts: healing.DefaultMaxAttempts,
	}
}

// Pipeline turns test cases into run results.
type Pipeline struct {
	executor  StepRunner
	policy    *policy.Policy
	repair    healing.RepairProvider
	artifacts artifact.Store
	cfg       Config
}

// New creates a pipeline. repair may be nil to disable healing;
// artifacts may be nil to skip screenshot persistence.
func New(executor StepRunner, pol *policy.Policy, repair healing.RepairProvider, artifacts artifact.Store, cfg Config) *Pipeline {
	if cfg.HealAttempts <= 0 {
		cfg.HealAttempts = healing.DefaultMaxAttempts
	}
	return &Pipeline{
		executor:  executor,
		policy:    pol,
		repair:    repair,
		artifacts: artifacts,
		cfg:       cfg,
	}
}

// Run executes one test case on one device. Steps run strictly in
// order; a FAIL either hands off to healing or ends the run. Run never
// returns an error: infrastructure failures and cancellation finish the
// run with status error so a suite keeps its per-case accounting.
func (p *Pipeline) Run(ctx context.Context, tc *model.TestCase, device string) *model.RunResult {
	run := &model.RunResult{
		ID:        uuid.NewString(),
		TestName:  tc.Name,
		Device:    device,
		Platform:  tc.Platform,
		StartedAt: time.Now(),
	}
	sess := &session{
		pipeline: p,
		policy:   p.policyFor(tc),
		device:   device,
		runID:    run.ID,
	}

	finish := func(status model.RunStatus, errMsg string) *model.RunResult {
		run.Status = status
		run.Error = errMsg
		run.CostUnits = sess.cost
		run.FinishedAt = time.Now()
		logging.Runner("run %s finished: %s (%d step results, %d cost units)",
			run.ID, run.Status, len(run.Steps), run.CostUnits)
		return run
	}

	logging.Runner("run %s: %s on %s (%d steps, level %s)",
		run.ID, tc.Name, device, len(tc.Steps), sess.policy.Level())

	current := tc
	healed := false
	var history []model.StepResult

	for i := 0; i < len(current.Steps); {
		if err := ctx.Err(); err != nil {
			return finish(model.RunError, err.Error())
		}

		res, err := sess.runStep(ctx, current, i, 1)
		if err != nil {
			return finish(model.RunError, err.Error())
		}
		run.Steps = append(run.Steps, *res)

		if res.Passed() {
			history = append(history, *res)
			i++
			continue
		}

		if !p.healingEnabled(current) {
			return finish(model.RunFailed, "")
		}

		controller := healing.New(p.repair, sess, healing.Config{MaxAttempts: p.cfg.HealAttempts})
		outcome, err := controller.Heal(ctx, current, res, history)
		run.Healing = append(run.Healing, outcome.Attempts...)
		if err != nil {
			return finish(model.RunError, err.Error())
		}
		if outcome.State != healing.StateResolved {
			return finish(model.RunFailed, "")
		}

		healed = true
		current = outcome.TestCase
		run.Steps = append(run.Steps, *outcome.Healed)
		history = append(history, *outcome.Healed)
		i = outcome.NextIndex
	}

	if healed {
		return finish(model.RunHealed, "")
	}
	return finish(model.RunPassed, "")
}

// RunSuite executes cases across devices in parallel, one goroutine per
// device, each device taking every len(devices)-th case in order. The
// result slice is indexed like cases; a nil slot means the case never
// started before cancellation. The budget meter inside the policy is
// the only state shared across devices.
func (p *Pipeline) RunSuite(ctx context.Context, cases []*model.TestCase, devices []string) ([]*model.RunResult, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices to run on")
	}

	logging.Runner("suite: %d case(s) across %d device(s)", len(cases), len(devices))
	results := make([]*model.RunResult, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	for d, device := range devices {
		g.Go(func() error {
			for i := d; i < len(cases); i += len(devices) {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = p.Run(gctx, cases[i], device)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// policyFor resolves the per-case validation level against the
// pipeline's configured policy.
func (p *Pipeline) policyFor(tc *model.TestCase) *policy.Policy {
	if tc.Validation != "" && tc.Validation != p.policy.Level() {
		return p.policy.WithLevel(tc.Validation)
	}
	return p.policy
}

// healingEnabled resolves the pipeline default against the test case's
// own healing field.
func (p *Pipeline) healingEnabled(tc *model.TestCase) bool {
	if p.repair == nil {
		return false
	}
	if tc.Healing != nil {
		return *tc.Healing
	}
	return p.cfg.Healing
}

// session binds one run to one device. It implements the healing
// executor so retries reuse the run's policy, cost accounting, and
// artifact refs.
type session struct {
	pipeline *Pipeline
	policy   *policy.Policy
	device   string
	runID    string
	cost     int
}

// runStep executes one step with capture and walks the result through
// the decision policy.
func (s *session) runStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
	capture := s.policy.Level() != model.LevelNone
	exec, err := s.pipeline.executor.ExecuteStep(ctx, ExecuteRequest{
		TestCase:  tc,
		StepIndex: stepIndex,
		Device:    s.device,
		Attempt:   attempt,
		Capture:   capture,
	})
	if err != nil {
		return nil, fmt.Errorf("step %d execution failed: %w", stepIndex, err)
	}

	res := s.policy.Decide(ctx, policy.Input{
		Step:         tc.Steps[stepIndex],
		StepIndex:    stepIndex,
		Attempt:      attempt,
		RunnerPassed: exec.Passed,
		RunnerDetail: exec.Detail,
		Before:       exec.Before,
		After:        exec.After,
	})
	res.RunID = s.runID
	s.cost += res.CostUnits
	s.persistShots(ctx, res, exec)
	return res, nil
}

// persistShots stores captured screens and records their handles.
// Artifact trouble is a warning, never a run failure.
func (s *session) persistShots(ctx context.Context, res *model.StepResult, exec *ExecuteResult) {
	store := s.pipeline.artifacts
	if store == nil {
		return
	}
	if len(exec.Before) > 0 {
		key := artifact.ScreenshotKey(s.runID, res.StepIndex, res.Attempt, "before")
		if handle, err := store.Put(ctx, key, exec.Before); err == nil {
			res.BeforeRef = handle
		} else {
			res.Warnings = append(res.Warnings, "failed to store before screenshot: "+err.Error())
		}
	}
	if len(exec.After) > 0 {
		key := artifact.ScreenshotKey(s.runID, res.StepIndex, res.Attempt, "after")
		if handle, err := store.Put(ctx, key, exec.After); err == nil {
			res.AfterRef = handle
		} else {
			res.Warnings = append(res.Warnings, "failed to store after screenshot: "+err.Error())
		}
	}
}

// RunStep retries one step with full validation during healing. Heal
// attempt n is overall attempt n+1 of the step.
func (s *session) RunStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
	return s.runStep(ctx, tc, stepIndex, attempt+1)
}

// ReplayStep re-executes a step without capture or validation; only the
// executor's own claim decides whether the replay advanced.
func (s *session) ReplayStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
	started := time.Now()
	exec, err := s.pipeline.executor.ExecuteStep(ctx, ExecuteRequest{
		TestCase:  tc,
		StepIndex: stepIndex,
		Device:    s.device,
		Attempt:   attempt + 1,
		Capture:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("step %d replay failed: %w", stepIndex, err)
	}

	res := &model.StepResult{
		RunID:        s.runID,
		StepIndex:    stepIndex,
		Attempt:      attempt + 1,
		Step:         tc.Steps[stepIndex],
		RunnerPassed: exec.Passed,
		LevelUsed:    model.LevelNone,
		Final:        model.VerdictPass,
		Reason:       "replayed without validation",
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}
	if !exec.Passed {
		res.Final = model.VerdictFail
		res.Reason = "replay runner failure"
		if exec.Detail != "" {
			res.Reason = "replay runner failure: " + exec.Detail
		}
	}
	return res, nil
}

// SupportsResume defers to the executor.
func (s *session) SupportsResume() bool { return s.pipeline.executor.SupportsResume() }
