// Package verdict aggregates the local validation signals (pixel diff,
// text presence, error signatures) into a confidence-scored PASS, FAIL,
// or UNCERTAIN. Aggregation is conservative: error signatures dominate
// every other signal, and the verdict confidence is the minimum among
// contributing signals, never an average, so one weak signal cannot
// hide behind a strong unrelated one.
package verdict

import (
	"fmt"
	"strings"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// DefaultNoChangeThreshold is the diff score below which the screen
// counts as unchanged.
const DefaultNoChangeThreshold = 0.01

// Signal confidences. Signature matches are the strongest evidence; an
// unchanged screen after an action is nearly as strong; plain visible
// change is the weakest affirmation.
const (
	confSignature = 0.95
	confNoEffect  = 0.9
	confText      = 0.85
	confChange    = 0.8
	confUncertain = 0.3
)

// Input is everything the aggregator may consider for one step. Diff
// is nil when the comparator did not run; Text is nil when the step
// declares no expected or forbidden terms, and carries Available=false
// when terms were declared but no OCR backend could run.
type Input struct {
	Step       model.Step
	Diff       *model.DiffResult
	Text       *model.TextMatch
	Signatures []model.SignatureHit
}

// Aggregator combines local signals under a configured no-change
// threshold.
type Aggregator struct {
	noChange float64
}

// New returns an Aggregator. Thresholds outside (0,1] fall back to the
// default.
func New(noChangeThreshold float64) *Aggregator {
	if noChangeThreshold <= 0 || noChangeThreshold > 1 {
		noChangeThreshold = DefaultNoChangeThreshold
	}
	return &Aggregator{noChange: noChangeThreshold}
}

// Aggregate derives the local verdict for one step.
func (a *Aggregator) Aggregate(in Input) model.LocalVerdict {
	signals := model.LocalSignals{Diff: in.Diff, Text: in.Text, Signatures: in.Signatures}

	verdict := a.decide(in, signals)
	logging.VerdictDebug("step %s: %s (%.2f) %s", in.Step.Kind, verdict.Label, verdict.Confidence, verdict.Reason)
	return verdict
}

func (a *Aggregator) decide(in Input, signals model.LocalSignals) model.LocalVerdict {
	diffUsable := in.Diff != nil && !in.Diff.Incomparable
	textUsable := in.Text != nil && in.Text.Available

	// An action that left the screen untouched failed, whatever else
	// looks fine.
	if diffUsable && in.Diff.Score < a.noChange && in.Step.ExpectsVisibleChange() {
		return model.LocalVerdict{
			Label:      model.VerdictFail,
			Confidence: confNoEffect,
			Signals:    signals,
			Reason: fmt.Sprintf("no visible effect: diff score %.4f below %.4f with a visible change expected",
				in.Diff.Score, a.noChange),
		}
	}

	// Error signatures dominate regardless of other signals.
	if len(in.Signatures) > 0 {
		return model.LocalVerdict{
			Label:      model.VerdictFail,
			Confidence: confSignature,
			Signals:    signals,
			Reason:     "error signature matched: " + describeHits(in.Signatures),
		}
	}

	if textUsable {
		if len(in.Text.ExpectedMissing) > 0 || len(in.Text.ForbiddenFound) > 0 {
			return model.LocalVerdict{
				Label:      model.VerdictFail,
				Confidence: confText,
				Signals:    signals,
				Reason:     describeTextFailure(in.Text),
			}
		}
	}

	// No FAIL fired. PASS needs at least one affirmatively satisfied
	// signal; an incomparable pair can never affirm and caps the
	// verdict at UNCERTAIN.
	if in.Diff != nil && in.Diff.Incomparable {
		return model.LocalVerdict{
			Label:      model.VerdictUncertain,
			Confidence: confUncertain,
			Signals:    signals,
			Reason:     "images not comparable: " + in.Diff.Detail,
		}
	}

	changeAffirmed := diffUsable && in.Diff.Score >= a.noChange && in.Step.ExpectsVisibleChange()
	textDeclared := len(in.Step.ExpectedText) > 0 || len(in.Step.ForbiddenText) > 0
	textAffirmed := textUsable && textDeclared &&
		len(in.Text.ExpectedMissing) == 0 && len(in.Text.ForbiddenFound) == 0

	if textDeclared && !textUsable {
		// The step asked for a semantic check that could not run;
		// visible change alone cannot confirm it.
		return model.LocalVerdict{
			Label:      model.VerdictUncertain,
			Confidence: confUncertain,
			Signals:    signals,
			Reason:     "text signal unavailable, declared terms could not be confirmed",
		}
	}

	switch {
	case changeAffirmed && textAffirmed:
		return model.LocalVerdict{
			Label:      model.VerdictPass,
			Confidence: min(confChange, confText),
			Signals:    signals,
			Reason: fmt.Sprintf("visible change (diff %.4f) and expected text confirmed %v",
				in.Diff.Score, in.Text.ExpectedFound),
		}
	case textAffirmed:
		reason := fmt.Sprintf("expected text confirmed %v", in.Text.ExpectedFound)
		if len(in.Text.ExpectedFound) == 0 {
			reason = "no forbidden text on screen"
		}
		return model.LocalVerdict{
			Label:      model.VerdictPass,
			Confidence: confText,
			Signals:    signals,
			Reason:     reason,
		}
	case changeAffirmed:
		return model.LocalVerdict{
			Label:      model.VerdictPass,
			Confidence: confChange,
			Signals:    signals,
			Reason:     fmt.Sprintf("visible change after action (diff %.4f)", in.Diff.Score),
		}
	}

	return model.LocalVerdict{
		Label:      model.VerdictUncertain,
		Confidence: confUncertain,
		Signals:    signals,
		Reason:     "no local signal could affirm the outcome",
	}
}

func describeHits(hits []model.SignatureHit) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", h.Name, h.Detail))
		} else {
			parts = append(parts, h.Name)
		}
	}
	return strings.Join(parts, "; ")
}

func describeTextFailure(tm *model.TextMatch) string {
	var parts []string
	if len(tm.ExpectedMissing) > 0 {
		parts = append(parts, fmt.Sprintf("expected text missing %v", tm.ExpectedMissing))
	}
	if len(tm.ForbiddenFound) > 0 {
		parts = append(parts, fmt.Sprintf("forbidden text found %v", tm.ForbiddenFound))
	}
	return strings.Join(parts, "; ")
}
