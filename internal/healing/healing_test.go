package healing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/yunusemreyildiz/yeytest/internal/model"
)

func TestHealExhaustsAtCeiling(t *testing.T) {
	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{
		Resume: true,
		RunStepFunc: func(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
			return stepRes(stepIndex, attempt, model.VerdictFail), nil
		},
	}
	c := New(repair, executor, Config{MaxAttempts: 3})

	failing := stepRes(3, 1, model.VerdictFail)
	out, err := c.Heal(context.Background(), loginCase(), failing, nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if out.State != StateExhausted {
		t.Fatalf("Expected EXHAUSTED, got %s", out.State)
	}
	if len(out.Attempts) != 3 {
		t.Fatalf("Expected exactly 3 attempts, got %d", len(out.Attempts))
	}
	for i, att := range out.Attempts {
		if att.Index != i+1 {
			t.Errorf("Attempt %d has index %d", i, att.Index)
		}
		if att.Patch == nil || att.Result == nil {
			t.Errorf("Attempt %d missing patch or result", i)
		}
		if att.Result.Passed() {
			t.Errorf("Attempt %d result should fail", i)
		}
	}
	if len(repair.Requests) != 3 {
		t.Errorf("Expected 3 diagnoses, got %d", len(repair.Requests))
	}
}

func TestHealResolvesOnFirstPassingRetry(t *testing.T) {
	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	failing := stepRes(3, 1, model.VerdictFail)
	out, err := c.Heal(context.Background(), loginCase(), failing, nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if out.State != StateResolved {
		t.Fatalf("Expected RESOLVED, got %s", out.State)
	}
	if len(out.Attempts) != 1 {
		t.Fatalf("Expected a single attempt, got %d", len(out.Attempts))
	}
	if out.Healed == nil || !out.Healed.Passed() {
		t.Error("Expected a passing healed result")
	}
	if out.NextIndex != 4 {
		t.Errorf("Expected NextIndex 4, got %d", out.NextIndex)
	}
	if len(repair.Requests) != 1 {
		t.Errorf("Expected one diagnosis, got %d", len(repair.Requests))
	}
}

func TestHealNoPatchExhaustsImmediately(t *testing.T) {
	repair := &MockRepairProvider{
		DiagnoseFunc: func(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error) {
			return nil, nil
		},
	}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	out, err := c.Heal(context.Background(), loginCase(), stepRes(1, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if out.State != StateExhausted {
		t.Fatalf("Expected EXHAUSTED, got %s", out.State)
	}
	if len(out.Attempts) != 1 {
		t.Fatalf("Expected one recorded attempt, got %d", len(out.Attempts))
	}
	if !strings.Contains(out.Attempts[0].Note, "no patch") {
		t.Errorf("Expected no-patch note, got %q", out.Attempts[0].Note)
	}
	if len(executor.RunCalls) != 0 {
		t.Errorf("An unpatched step must never be retried, got runs %v", executor.RunCalls)
	}
}

func TestHealRepairErrorExhaustsImmediately(t *testing.T) {
	repair := &MockRepairProvider{
		DiagnoseFunc: func(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error) {
			return nil, errors.New("model returned prose")
		},
	}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	out, err := c.Heal(context.Background(), loginCase(), stepRes(1, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Repair errors must not abort the run: %v", err)
	}

	if out.State != StateExhausted {
		t.Fatalf("Expected EXHAUSTED, got %s", out.State)
	}
	if len(executor.RunCalls) != 0 {
		t.Errorf("Expected no retries after repair failure, got %v", executor.RunCalls)
	}
}

func TestHealReplacePatchesWorkingCopyOnly(t *testing.T) {
	patched := model.Step{Kind: model.StepTapOn, Target: "Sign In"}
	repair := &MockRepairProvider{
		DiagnoseFunc: func(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error) {
			return &model.StepPatch{Kind: model.PatchReplace, Step: patched}, nil
		},
	}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	original := loginCase()
	out, err := c.Heal(context.Background(), original, stepRes(1, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if original.Steps[1].Target != "Login" {
		t.Error("Original test case must never be mutated")
	}
	if out.TestCase.Steps[1].Target != "Sign In" {
		t.Errorf("Working copy should carry the patch, got %+v", out.TestCase.Steps[1])
	}
	if len(out.TestCase.Steps) != len(original.Steps) {
		t.Error("Replace must not change step count")
	}
}

func TestHealInsertBeforeShiftsAndRetriesBoth(t *testing.T) {
	dismiss := model.Step{Kind: model.StepTapOn, Target: "Dismiss"}
	repair := &MockRepairProvider{
		DiagnoseFunc: func(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error) {
			return &model.StepPatch{Kind: model.PatchInsertBefore, Step: dismiss}, nil
		},
	}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	original := loginCase()
	out, err := c.Heal(context.Background(), original, stepRes(1, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if out.State != StateResolved {
		t.Fatalf("Expected RESOLVED, got %s", out.State)
	}
	if len(out.TestCase.Steps) != len(original.Steps)+1 {
		t.Fatalf("Expected one inserted step, got %d steps", len(out.TestCase.Steps))
	}
	if out.TestCase.Steps[1].Target != "Dismiss" {
		t.Errorf("Expected inserted step at index 1, got %+v", out.TestCase.Steps[1])
	}
	if out.TestCase.Steps[2].Target != "Login" {
		t.Errorf("Expected original step shifted to index 2, got %+v", out.TestCase.Steps[2])
	}
	// Retry pass covers the inserted step and the shifted original.
	if len(executor.RunCalls) != 2 || executor.RunCalls[0] != 1 || executor.RunCalls[1] != 2 {
		t.Errorf("Expected runs [1 2], got %v", executor.RunCalls)
	}
	if out.NextIndex != 3 {
		t.Errorf("Expected NextIndex 3 in the patched flow, got %d", out.NextIndex)
	}
}

func TestHealReplaysWhenResumeUnsupported(t *testing.T) {
	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{Resume: false}
	c := New(repair, executor, DefaultConfig())

	out, err := c.Heal(context.Background(), loginCase(), stepRes(2, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if out.State != StateResolved {
		t.Fatalf("Expected RESOLVED, got %s", out.State)
	}
	if len(executor.ReplayCalls) != 2 || executor.ReplayCalls[0] != 0 || executor.ReplayCalls[1] != 1 {
		t.Errorf("Expected replay of steps [0 1], got %v", executor.ReplayCalls)
	}
	if len(executor.RunCalls) != 1 || executor.RunCalls[0] != 2 {
		t.Errorf("Expected validated retry of step 2 only, got %v", executor.RunCalls)
	}
}

func TestHealNoReplayWhenResumeSupported(t *testing.T) {
	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	_, err := c.Heal(context.Background(), loginCase(), stepRes(2, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if len(executor.ReplayCalls) != 0 {
		t.Errorf("Resume-capable executor must not replay, got %v", executor.ReplayCalls)
	}
}

func TestHealReplayFailureConsumesAttempt(t *testing.T) {
	replayAttempts := 0
	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{
		Resume: false,
		ReplayStepFunc: func(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
			if stepIndex == 0 {
				replayAttempts++
				if replayAttempts == 1 {
					// First replay pass breaks at the launch step.
					return stepRes(stepIndex, attempt, model.VerdictFail), nil
				}
			}
			return stepRes(stepIndex, attempt, model.VerdictPass), nil
		},
	}
	c := New(repair, executor, DefaultConfig())

	out, err := c.Heal(context.Background(), loginCase(), stepRes(2, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if out.State != StateResolved {
		t.Fatalf("Expected recovery on second attempt, got %s", out.State)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("Expected broken replay to consume an attempt, got %d attempts", len(out.Attempts))
	}
	if !strings.Contains(out.Attempts[0].Note, "replay failed") {
		t.Errorf("Expected replay note on first attempt, got %q", out.Attempts[0].Note)
	}
	if out.Attempts[0].Result != nil {
		t.Error("A broken replay produces no retry result")
	}
}

func TestHealSecondDiagnosisSeesRetriedFailure(t *testing.T) {
	repair := &MockRepairProvider{}
	retryReason := "still failing after patch"
	executor := &MockStepExecutor{
		Resume: true,
		RunStepFunc: func(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
			res := stepRes(stepIndex, attempt, model.VerdictFail)
			res.Reason = retryReason
			return res, nil
		},
	}
	c := New(repair, executor, Config{MaxAttempts: 2})

	first := stepRes(1, 1, model.VerdictFail)
	first.Reason = "original failure"
	_, err := c.Heal(context.Background(), loginCase(), first, nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	if len(repair.Requests) != 2 {
		t.Fatalf("Expected 2 diagnoses, got %d", len(repair.Requests))
	}
	if repair.Requests[0].Failing.Reason != "original failure" {
		t.Errorf("First diagnosis should see the original failure, got %q", repair.Requests[0].Failing.Reason)
	}
	if repair.Requests[1].Failing.Reason != retryReason {
		t.Errorf("Second diagnosis should see the retried failure, got %q", repair.Requests[1].Failing.Reason)
	}
	if repair.Requests[1].Attempt != 2 {
		t.Errorf("Expected attempt 2 on second diagnosis, got %d", repair.Requests[1].Attempt)
	}
}

func TestHealCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	_, err := c.Heal(ctx, loginCase(), stepRes(1, 1, model.VerdictFail), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(repair.Requests) != 0 {
		t.Errorf("Cancelled healing must not diagnose, got %d requests", len(repair.Requests))
	}
}

func TestHealTraceWalk(t *testing.T) {
	repair := &MockRepairProvider{}
	executor := &MockStepExecutor{Resume: true}
	c := New(repair, executor, DefaultConfig())

	out, err := c.Heal(context.Background(), loginCase(), stepRes(1, 1, model.VerdictFail), nil)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}

	want := []string{"RUNNING", "STEP_FAILED", "DIAGNOSING", "PATCHED", "RETRYING", "RESOLVED"}
	if len(out.Trace) != len(want) {
		t.Fatalf("Expected trace %v, got %v", want, out.Trace)
	}
	for i, s := range want {
		if out.Trace[i] != s {
			t.Errorf("Trace[%d]: expected %s, got %s", i, s, out.Trace[i])
		}
	}
}
