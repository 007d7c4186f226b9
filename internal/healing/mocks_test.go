package healing

import (
	"context"

	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// --- MockRepairProvider ---

type MockRepairProvider struct {
	DiagnoseFunc func(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error)
	Requests     []DiagnoseRequest
}

func (m *MockRepairProvider) Diagnose(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error) {
	m.Requests = append(m.Requests, req)
	if m.DiagnoseFunc != nil {
		return m.DiagnoseFunc(ctx, req)
	}
	return &model.StepPatch{
		Kind: model.PatchReplace,
		Step: model.Step{Kind: model.StepTapOn, Target: "Sign In"},
	}, nil
}

// --- MockStepExecutor ---

type MockStepExecutor struct {
	RunStepFunc    func(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error)
	ReplayStepFunc func(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error)
	Resume         bool

	RunCalls    []int
	ReplayCalls []int
}

func (m *MockStepExecutor) RunStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
	m.RunCalls = append(m.RunCalls, stepIndex)
	if m.RunStepFunc != nil {
		return m.RunStepFunc(ctx, tc, stepIndex, attempt)
	}
	return stepRes(stepIndex, attempt, model.VerdictPass), nil
}

func (m *MockStepExecutor) ReplayStep(ctx context.Context, tc *model.TestCase, stepIndex, attempt int) (*model.StepResult, error) {
	m.ReplayCalls = append(m.ReplayCalls, stepIndex)
	if m.ReplayStepFunc != nil {
		return m.ReplayStepFunc(ctx, tc, stepIndex, attempt)
	}
	return stepRes(stepIndex, attempt, model.VerdictPass), nil
}

func (m *MockStepExecutor) SupportsResume() bool { return m.Resume }

// --- MockCompleter ---

type MockCompleter struct {
	CompleteFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Systems      []string
	Prompts      []string
}

func (m *MockCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.Systems = append(m.Systems, systemPrompt)
	m.Prompts = append(m.Prompts, userPrompt)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, systemPrompt, userPrompt)
	}
	return `{"action": "none"}`, nil
}

func stepRes(index, attempt int, final model.VerdictLabel) *model.StepResult {
	return &model.StepResult{
		StepIndex:    index,
		Attempt:      attempt,
		Final:        final,
		RunnerPassed: final != model.VerdictFail,
		Reason:       "stubbed " + string(final),
	}
}

func loginCase() *model.TestCase {
	return &model.TestCase{
		Name:  "login",
		AppID: "com.example.app",
		Steps: []model.Step{
			{Kind: model.StepLaunchApp},
			{Kind: model.StepTapOn, Target: "Login"},
			{Kind: model.StepInputText, Text: "user@example.com"},
			{Kind: model.StepTapOn, Target: "Submit"},
		},
	}
}
