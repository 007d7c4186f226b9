package vision

import (
	"context"
	"sync/atomic"
)

// --- MockProvider ---

type MockProvider struct {
	JudgeFunc func(ctx context.Context, req Request) (string, error)
	NameValue string
	Cost      int

	calls atomic.Int32
}

func (m *MockProvider) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

func (m *MockProvider) CostPerCall() int {
	if m.Cost > 0 {
		return m.Cost
	}
	return 1
}

func (m *MockProvider) Judge(ctx context.Context, req Request) (string, error) {
	m.calls.Add(1)
	if m.JudgeFunc != nil {
		return m.JudgeFunc(ctx, req)
	}
	return `{"result": "PASS", "confidence": 90, "explanation": "expected screen is visible"}`, nil
}

func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}
