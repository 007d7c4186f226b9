package runner

import (
	"context"
	"sync"

	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/healing"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/policy"
	"github.com/yunusemreyildiz/yeytest/internal/vision"
)

// --- MockStepRunner ---

// MockStepRunner records every execute request. The mutex keeps suite
// tests race-clean; each device goroutine appends concurrently.
type MockStepRunner struct {
	ExecuteFunc func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	Resume      bool

	mu       sync.Mutex
	requests []ExecuteRequest
}

func (m *MockStepRunner) ExecuteStep(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}
	return &ExecuteResult{
		Passed: true,
		Before: []byte("before"),
		After:  []byte("after"),
	}, nil
}

func (m *MockStepRunner) SupportsResume() bool { return m.Resume }

func (m *MockStepRunner) Requests() []ExecuteRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecuteRequest(nil), m.requests...)
}

// --- MockLocal ---

// MockLocal is a fixed-output local evaluator.
type MockLocal struct {
	Verdict model.LocalVerdict
}

func (m *MockLocal) Evaluate(ctx context.Context, step model.Step, before, after []byte) model.LocalVerdict {
	return m.Verdict
}

func confidentPass() *MockLocal {
	return &MockLocal{Verdict: model.LocalVerdict{
		Label:      model.VerdictPass,
		Confidence: 0.95,
		Reason:     "signals agree",
	}}
}

func alwaysUncertain() *MockLocal {
	return &MockLocal{Verdict: model.LocalVerdict{
		Label:      model.VerdictUncertain,
		Confidence: 0.4,
		Reason:     "signals inconclusive",
	}}
}

// --- MockAI ---

// MockAI charges one budget unit per call, like a real provider client.
type MockAI struct {
	EvaluateFunc func(ctx context.Context, req vision.Request, meter *budget.Meter) (*model.AIVerdict, error)

	mu    sync.Mutex
	calls int
}

func (m *MockAI) Evaluate(ctx context.Context, req vision.Request, meter *budget.Meter) (*model.AIVerdict, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if meter != nil {
		meter.Charge(1)
	}
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, req, meter)
	}
	return &model.AIVerdict{
		Label:      model.VerdictPass,
		Confidence: 0.9,
		Rationale:  "screens look right",
		CostUnits:  1,
	}, nil
}

func (m *MockAI) ProviderName() string { return "mock" }

func (m *MockAI) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- MockRepair ---

type MockRepair struct {
	DiagnoseFunc func(ctx context.Context, req healing.DiagnoseRequest) (*model.StepPatch, error)

	mu       sync.Mutex
	requests []healing.DiagnoseRequest
}

func (m *MockRepair) Diagnose(ctx context.Context, req healing.DiagnoseRequest) (*model.StepPatch, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.DiagnoseFunc != nil {
		return m.DiagnoseFunc(ctx, req)
	}
	return &model.StepPatch{
		Kind: model.PatchReplace,
		Step: model.Step{Kind: model.StepTapOn, Target: "Sign In"},
	}, nil
}

func (m *MockRepair) Requests() []healing.DiagnoseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]healing.DiagnoseRequest(nil), m.requests...)
}

// --- fixtures ---

func localPolicy(local policy.LocalEvaluator) *policy.Policy {
	return policy.New(local, nil, nil, policy.Config{Level: model.LevelLocal})
}

func hybridPolicy(local policy.LocalEvaluator, ai policy.AIClient, meter *budget.Meter) *policy.Policy {
	return policy.New(local, ai, meter, policy.Config{Level: model.LevelHybrid})
}

func threeStepCase(name string) *model.TestCase {
	return &model.TestCase{
		Name:  name,
		AppID: "com.example.app",
		Steps: []model.Step{
			{Kind: model.StepLaunchApp},
			{Kind: model.StepTapOn, Target: "Login"},
			{Kind: model.StepAssertVisible, Target: "Welcome"},
		},
	}
}

func boolPtr(b bool) *bool { return &b }
