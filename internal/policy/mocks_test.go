package policy

import (
	"context"

	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/vision"
)

// --- MockLocalEvaluator ---

type MockLocalEvaluator struct {
	EvaluateFunc func(ctx context.Context, step model.Step, before, after []byte) model.LocalVerdict
	Calls        int
}

func (m *MockLocalEvaluator) Evaluate(ctx context.Context, step model.Step, before, after []byte) model.LocalVerdict {
	m.Calls++
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, step, before, after)
	}
	return model.LocalVerdict{Label: model.VerdictPass, Confidence: 0.9, Reason: "screen changed as expected"}
}

// --- MockAIClient ---

type MockAIClient struct {
	EvaluateFunc func(ctx context.Context, req vision.Request, meter *budget.Meter) (*model.AIVerdict, error)
	Calls        int
}

func (m *MockAIClient) Evaluate(ctx context.Context, req vision.Request, meter *budget.Meter) (*model.AIVerdict, error) {
	m.Calls++
	if meter != nil {
		meter.Charge(1)
	}
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, req, meter)
	}
	return &model.AIVerdict{Label: model.VerdictPass, Confidence: 0.95, CostUnits: 1, Provider: "mock"}, nil
}

func (m *MockAIClient) ProviderName() string { return "mock" }

func localVerdict(label model.VerdictLabel, confidence float64) model.LocalVerdict {
	return model.LocalVerdict{Label: label, Confidence: confidence, Reason: "stubbed local verdict"}
}
