package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yunusemreyildiz/yeytest/internal/flow"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/vision"
)

// repairSystemPrompt instructs the model to propose exactly one patch
// for the failing step, or to decline explicitly.
const repairSystemPrompt = `You are a mobile UI test repair assistant. A test step failed and you propose ONE corrective patch.

## Patch Actions
- "replace": swap the failing step for a corrected one (fix a selector, a typo, a wrong direction)
- "insert_before": add a missing step ahead of the failing one (dismiss a dialog, scroll to reveal, wait for loading)
- "none": the step is not repairable by editing the flow

## Step Schema
{"kind": "launch_app|tap_on|input_text|assert_visible|scroll|swipe|wait|press_back", "target": "...", "text": "...", "direction": "...", "wait_ms": 0}
Only set the fields the kind needs: tap_on/assert_visible use "target", input_text uses "text", scroll/swipe use "direction", wait uses "wait_ms".

## Response Format (JSON only, no markdown)
{
  "action": "replace|insert_before|none",
  "step": {"kind": "...", ...},
  "rationale": "why this patch should fix the failure"
}

Propose the smallest change that plausibly fixes the failure. If the failure looks like an app bug rather than a flow problem, answer "none".
Only return the JSON object, no other text.`

// RepairerConfig tunes the model-backed repairer.
type RepairerConfig struct {
	// Timeout bounds one diagnosis call.
	Timeout time.Duration
}

// DefaultRepairerConfig returns sensible defaults.
func DefaultRepairerConfig() RepairerConfig {
	return RepairerConfig{Timeout: 90 * time.Second}
}

// ModelRepairer asks a text-completion provider for patches and parses
// them with the same rigor as the verdict client: ambiguous output is
// an error, never a guessed patch.
type ModelRepairer struct {
	completer vision.Completer
	timeout   time.Duration
}

// NewModelRepairer creates a repairer with default configuration.
func NewModelRepairer(completer vision.Completer) *ModelRepairer {
	return NewModelRepairerWithConfig(completer, DefaultRepairerConfig())
}

// NewModelRepairerWithConfig creates a repairer with custom config.
func NewModelRepairerWithConfig(completer vision.Completer, cfg RepairerConfig) *ModelRepairer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRepairerConfig().Timeout
	}
	return &ModelRepairer{completer: completer, timeout: cfg.Timeout}
}

// Diagnose proposes a patch for the failing step, or (nil, nil) when
// the model declines.
func (r *ModelRepairer) Diagnose(ctx context.Context, req DiagnoseRequest) (*model.StepPatch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryHealing, "diagnose")
	defer timer.Stop()

	raw, err := r.completer.Complete(ctx, repairSystemPrompt, buildRepairPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("repair completion failed: %w", err)
	}

	patch, err := parsePatch(raw)
	if err != nil {
		return nil, err
	}
	if patch != nil {
		logging.HealingDebug("diagnosis: %s %s (%s)", patch.Kind, patch.Step.Describe(), patch.Rationale)
	} else {
		logging.HealingDebug("diagnosis: model declined to patch")
	}
	return patch, nil
}

// buildRepairPrompt renders the failure context: the flow so far, the
// failing step, its verdict, and the attempt number.
func buildRepairPrompt(req DiagnoseRequest) string {
	var b strings.Builder

	b.WriteString("## Flow\n")
	if data, err := flow.Marshal(req.TestCase); err == nil {
		b.Write(data)
	} else {
		for i, s := range req.TestCase.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i, s.Describe())
		}
	}

	fmt.Fprintf(&b, "\n## Failing Step\nIndex %d: %s\n", req.StepIndex, req.TestCase.Steps[req.StepIndex].Describe())
	if req.Failing != nil {
		fmt.Fprintf(&b, "Verdict: %s\nReason: %s\n", req.Failing.Final, req.Failing.Reason)
		if req.Failing.Local != nil {
			fmt.Fprintf(&b, "Local signals: %s (%.2f)\n", req.Failing.Local.Label, req.Failing.Local.Confidence)
		}
		if req.Failing.AI != nil {
			fmt.Fprintf(&b, "AI rationale: %s\n", req.Failing.AI.Rationale)
		}
	}

	if len(req.History) > 0 {
		b.WriteString("\n## Earlier Steps\n")
		for _, h := range req.History {
			fmt.Fprintf(&b, "step %d: %s (%s)\n", h.StepIndex, h.Final, h.Step.Describe())
		}
	}

	fmt.Fprintf(&b, "\n## Attempt\n%d\n", req.Attempt)
	return b.String()
}

// patchPayload is the JSON shape the model is instructed to return.
type patchPayload struct {
	Action    string      `json:"action"`
	Step      *model.Step `json:"step,omitempty"`
	Rationale string      `json:"rationale,omitempty"`
}

// parsePatch strictly parses the model output. Accepts an optional
// markdown code fence; anything that does not parse to a valid patch
// or an explicit "none" is an error.
func parsePatch(raw string) (*model.StepPatch, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload patchPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("patch is not valid JSON: %w", err)
	}

	var kind model.PatchKind
	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "none":
		return nil, nil
	case string(model.PatchReplace):
		kind = model.PatchReplace
	case string(model.PatchInsertBefore):
		kind = model.PatchInsertBefore
	default:
		return nil, fmt.Errorf("patch action %q is not replace, insert_before, or none", payload.Action)
	}

	if payload.Step == nil {
		return nil, fmt.Errorf("patch action %q without a step", payload.Action)
	}
	if !payload.Step.Kind.Valid() {
		return nil, fmt.Errorf("patch step has unknown kind %q", payload.Step.Kind)
	}

	return &model.StepPatch{
		Kind:      kind,
		Step:      *payload.Step,
		Rationale: strings.TrimSpace(payload.Rationale),
	}, nil
}
