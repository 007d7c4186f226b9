package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

func TestMain(m *testing.M) {
	// The opencensus worker is started by a transitive dependency's init
	// (minio-go -> go.opencensus.io) and cannot be stopped by this package.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func TestRunAllStepsPass(t *testing.T) {
	executor := &MockStepRunner{Resume: true}
	p := New(executor, localPolicy(confidentPass()), nil, nil, DefaultConfig())

	run := p.Run(context.Background(), threeStepCase("smoke"), "emulator-5554")

	if run.Status != model.RunPassed {
		t.Fatalf("Expected passed, got %s (%s)", run.Status, run.Error)
	}
	if len(run.Steps) != 3 {
		t.Fatalf("Expected 3 step results, got %d", len(run.Steps))
	}
	for i, res := range run.Steps {
		if res.StepIndex != i {
			t.Errorf("Step %d out of order: index %d", i, res.StepIndex)
		}
		if res.Attempt != 1 {
			t.Errorf("Step %d: expected attempt 1, got %d", i, res.Attempt)
		}
		if !res.Passed() {
			t.Errorf("Step %d: expected PASS, got %s", i, res.Final)
		}
		if res.RunID != run.ID {
			t.Errorf("Step %d missing run ID", i)
		}
	}
	for _, req := range executor.Requests() {
		if req.Device != "emulator-5554" {
			t.Errorf("Expected device emulator-5554, got %s", req.Device)
		}
		if !req.Capture {
			t.Error("Validated steps should capture screens")
		}
	}
}

func TestRunFailsFastWithoutHealing(t *testing.T) {
	executor := &MockStepRunner{
		ExecuteFunc: func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
			if req.StepIndex == 1 {
				return &ExecuteResult{Passed: false, Detail: "element not found"}, nil
			}
			return &ExecuteResult{Passed: true}, nil
		},
	}
	p := New(executor, localPolicy(confidentPass()), nil, nil, DefaultConfig())

	run := p.Run(context.Background(), threeStepCase("login"), "dev")

	if run.Status != model.RunFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("Expected the run to stop after the failure, got %d results", len(run.Steps))
	}
	if run.Steps[1].Final != model.VerdictFail {
		t.Errorf("Expected FAIL on step 1, got %s", run.Steps[1].Final)
	}
	if len(executor.Requests()) != 2 {
		t.Errorf("Step 2 must not execute after an unhealed failure, got %d requests", len(executor.Requests()))
	}
}

func TestRunHealsAndContinues(t *testing.T) {
	executor := &MockStepRunner{
		Resume: true,
		ExecuteFunc: func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
			if req.StepIndex == 1 && req.Attempt == 1 {
				return &ExecuteResult{Passed: false, Detail: "button not found"}, nil
			}
			return &ExecuteResult{Passed: true}, nil
		},
	}
	repair := &MockRepair{}
	p := New(executor, localPolicy(confidentPass()), repair, nil, DefaultConfig())

	tc := threeStepCase("login")
	run := p.Run(context.Background(), tc, "dev")

	if run.Status != model.RunHealed {
		t.Fatalf("Expected healed, got %s (%s)", run.Status, run.Error)
	}
	if len(run.Healing) != 1 {
		t.Fatalf("Expected one healing attempt, got %d", len(run.Healing))
	}
	if run.Healing[0].Result == nil || !run.Healing[0].Result.Passed() {
		t.Error("Expected the healing attempt to record a passing retry")
	}

	// Step results in order: pass, fail, healed retry, final step.
	if len(run.Steps) != 4 {
		t.Fatalf("Expected 4 step results, got %d", len(run.Steps))
	}
	if run.Steps[1].Final != model.VerdictFail || run.Steps[1].Attempt != 1 {
		t.Errorf("Expected original failure at position 1, got %s attempt %d", run.Steps[1].Final, run.Steps[1].Attempt)
	}
	if run.Steps[2].StepIndex != 1 || run.Steps[2].Attempt != 2 || !run.Steps[2].Passed() {
		t.Errorf("Expected healed retry at position 2, got %+v", run.Steps[2])
	}
	if run.Steps[2].Step.Target != "Sign In" {
		t.Errorf("Healed result should carry the patched step, got %q", run.Steps[2].Step.Target)
	}
	if run.Steps[3].StepIndex != 2 || run.Steps[3].Attempt != 1 {
		t.Errorf("Expected the run to continue at step 2, got %+v", run.Steps[3])
	}

	if tc.Steps[1].Target != "Login" {
		t.Error("Original test case must never be mutated by healing")
	}
}

func TestRunHealingExhaustedFails(t *testing.T) {
	executor := &MockStepRunner{
		Resume: true,
		ExecuteFunc: func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
			if req.StepIndex == 1 {
				return &ExecuteResult{Passed: false, Detail: "still broken"}, nil
			}
			return &ExecuteResult{Passed: true}, nil
		},
	}
	p := New(executor, localPolicy(confidentPass()), &MockRepair{}, nil, Config{Healing: true, HealAttempts: 2})

	run := p.Run(context.Background(), threeStepCase("login"), "dev")

	if run.Status != model.RunFailed {
		t.Fatalf("Expected failed after exhaustion, got %s", run.Status)
	}
	if len(run.Healing) != 2 {
		t.Fatalf("Expected 2 healing attempts, got %d", len(run.Healing))
	}
	if len(run.Steps) != 2 {
		t.Errorf("Retried results live in the healing trail, got %d step results", len(run.Steps))
	}
}

func TestRunReplayAddsNoCost(t *testing.T) {
	executor := &MockStepRunner{
		Resume: false,
		ExecuteFunc: func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
			if req.StepIndex == 1 && req.Attempt == 1 {
				return &ExecuteResult{Passed: false, Detail: "button not found"}, nil
			}
			return &ExecuteResult{Passed: true, Before: []byte("b"), After: []byte("a")}, nil
		},
	}
	ai := &MockAI{}
	meter := budget.NewMeter(100)
	p := New(executor, hybridPolicy(alwaysUncertain(), ai, meter), &MockRepair{}, nil, DefaultConfig())

	run := p.Run(context.Background(), threeStepCase("login"), "dev")

	if run.Status != model.RunHealed {
		t.Fatalf("Expected healed, got %s (%s)", run.Status, run.Error)
	}
	// AI sees step 0, the healed retry of step 1, and step 2. The
	// original failure is a runner failure (no escalation) and the
	// replay of step 0 runs without validation.
	if ai.Calls() != 3 {
		t.Errorf("Expected 3 AI calls, got %d", ai.Calls())
	}
	if meter.Spent() != 3 {
		t.Errorf("Expected 3 budget units spent, got %d", meter.Spent())
	}
	if run.CostUnits != 3 {
		t.Errorf("Expected run cost 3, got %d", run.CostUnits)
	}

	var sawReplay bool
	for _, req := range executor.Requests() {
		if req.StepIndex == 0 && req.Attempt == 2 {
			sawReplay = true
			if req.Capture {
				t.Error("Replay must not capture screens")
			}
		}
	}
	if !sawReplay {
		t.Error("Expected step 0 to be replayed before the retry")
	}
}

func TestRunPerCaseLevelNone(t *testing.T) {
	executor := &MockStepRunner{}
	ai := &MockAI{}
	p := New(executor, hybridPolicy(alwaysUncertain(), ai, nil), nil, nil, DefaultConfig())

	tc := threeStepCase("smoke")
	tc.Validation = model.LevelNone
	run := p.Run(context.Background(), tc, "dev")

	if run.Status != model.RunPassed {
		t.Fatalf("Expected passed, got %s", run.Status)
	}
	if ai.Calls() != 0 {
		t.Errorf("Level none must never escalate, got %d AI calls", ai.Calls())
	}
	for i, res := range run.Steps {
		if res.LevelUsed != model.LevelNone {
			t.Errorf("Step %d: expected level none, got %s", i, res.LevelUsed)
		}
		if res.Local != nil {
			t.Errorf("Step %d: level none must not compute local signals", i)
		}
	}
	for _, req := range executor.Requests() {
		if req.Capture {
			t.Error("Level none should skip screen capture")
		}
	}
}

func TestRunCaseHealingOptOut(t *testing.T) {
	executor := &MockStepRunner{
		ExecuteFunc: func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
			return &ExecuteResult{Passed: req.StepIndex != 1}, nil
		},
	}
	repair := &MockRepair{}
	p := New(executor, localPolicy(confidentPass()), repair, nil, DefaultConfig())

	tc := threeStepCase("login")
	tc.Healing = boolPtr(false)
	run := p.Run(context.Background(), tc, "dev")

	if run.Status != model.RunFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}
	if len(repair.Requests()) != 0 {
		t.Errorf("Healing opt-out must not diagnose, got %d requests", len(repair.Requests()))
	}
}

func TestRunExecutorErrorAborts(t *testing.T) {
	executor := &MockStepRunner{
		ExecuteFunc: func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
			return nil, errors.New("adb: device offline")
		},
	}
	p := New(executor, localPolicy(confidentPass()), nil, nil, DefaultConfig())

	run := p.Run(context.Background(), threeStepCase("smoke"), "dev")

	if run.Status != model.RunError {
		t.Fatalf("Expected error status, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "device offline") {
		t.Errorf("Expected the executor error in the run record, got %q", run.Error)
	}
	if len(run.Steps) != 0 {
		t.Errorf("Expected no step results, got %d", len(run.Steps))
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executor := &MockStepRunner{}
	p := New(executor, localPolicy(confidentPass()), nil, nil, DefaultConfig())

	run := p.Run(ctx, threeStepCase("smoke"), "dev")

	if run.Status != model.RunError {
		t.Fatalf("Expected error status, got %s", run.Status)
	}
	if len(executor.Requests()) != 0 {
		t.Errorf("Cancelled run must not execute steps, got %d requests", len(executor.Requests()))
	}
}

func TestRunSuiteOrderingAndDistribution(t *testing.T) {
	executor := &MockStepRunner{}
	p := New(executor, localPolicy(confidentPass()), nil, nil, DefaultConfig())

	cases := []*model.TestCase{
		threeStepCase("c0"),
		threeStepCase("c1"),
		threeStepCase("c2"),
		threeStepCase("c3"),
	}
	results, err := p.RunSuite(context.Background(), cases, []string{"devA", "devB"})
	if err != nil {
		t.Fatalf("RunSuite failed: %v", err)
	}

	if len(results) != len(cases) {
		t.Fatalf("Expected %d results, got %d", len(cases), len(results))
	}
	for i, res := range results {
		if res == nil {
			t.Fatalf("Result %d is nil", i)
		}
		if res.TestName != cases[i].Name {
			t.Errorf("Result %d: expected %s, got %s", i, cases[i].Name, res.TestName)
		}
		if res.Status != model.RunPassed {
			t.Errorf("Result %d: expected passed, got %s", i, res.Status)
		}
	}

	// Round-robin assignment: devA takes c0 and c2, devB takes c1 and c3,
	// each device strictly in order.
	perDevice := map[string][]string{}
	for _, req := range executor.Requests() {
		names := perDevice[req.Device]
		if len(names) == 0 || names[len(names)-1] != req.TestCase.Name {
			perDevice[req.Device] = append(names, req.TestCase.Name)
		}
	}
	wantA := []string{"c0", "c2"}
	wantB := []string{"c1", "c3"}
	if got := perDevice["devA"]; len(got) != 2 || got[0] != wantA[0] || got[1] != wantA[1] {
		t.Errorf("devA: expected cases %v, got %v", wantA, got)
	}
	if got := perDevice["devB"]; len(got) != 2 || got[0] != wantB[0] || got[1] != wantB[1] {
		t.Errorf("devB: expected cases %v, got %v", wantB, got)
	}
}

func TestRunSuiteSharedBudget(t *testing.T) {
	executor := &MockStepRunner{}
	ai := &MockAI{}
	meter := budget.NewMeter(3)
	p := New(executor, hybridPolicy(alwaysUncertain(), ai, meter), nil, nil, DefaultConfig())

	cases := []*model.TestCase{threeStepCase("c0"), threeStepCase("c1")}
	results, err := p.RunSuite(context.Background(), cases, []string{"dev"})
	if err != nil {
		t.Fatalf("RunSuite failed: %v", err)
	}

	// One device, sequential: steps of c0 spend the whole budget, c1's
	// first uncertain step then fails closed.
	if results[0].Status != model.RunPassed {
		t.Errorf("Expected c0 to pass, got %s", results[0].Status)
	}
	if results[1].Status != model.RunFailed {
		t.Errorf("Expected c1 to fail closed on budget, got %s", results[1].Status)
	}
	if ai.Calls() != 3 {
		t.Errorf("Expected exactly 3 AI calls, got %d", ai.Calls())
	}
	if meter.Spent() != 3 {
		t.Errorf("Expected 3 units spent, got %d", meter.Spent())
	}

	first := results[1].Steps[0]
	if first.LevelUsed != model.LevelLocal {
		t.Errorf("Budget-exhausted step should fall back to local, got %s", first.LevelUsed)
	}
	var warned bool
	for _, w := range first.Warnings {
		if strings.Contains(w, "AI budget exhausted") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("Expected a budget warning, got %v", first.Warnings)
	}
}

func TestRunSuiteNoDevices(t *testing.T) {
	p := New(&MockStepRunner{}, localPolicy(confidentPass()), nil, nil, DefaultConfig())
	if _, err := p.RunSuite(context.Background(), []*model.TestCase{threeStepCase("c0")}, nil); err == nil {
		t.Fatal("Expected an error with no devices")
	}
}
