package policy

import (
	"context"

	"github.com/yunusemreyildiz/yeytest/internal/compare"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
	"github.com/yunusemreyildiz/yeytest/internal/signature"
	"github.com/yunusemreyildiz/yeytest/internal/verdict"
)

// SignalEvaluator runs the local detectors and aggregates them. It is
// the production LocalEvaluator: pixel diff, OCR text presence, and
// error signatures feeding the conservative aggregator.
type SignalEvaluator struct {
	comparator *compare.Comparator
	engine     ocr.Engine
	detector   *signature.Detector
	aggregator *verdict.Aggregator
}

// NewSignalEvaluator wires the local detector chain. A nil engine means
// no OCR backend; text signals degrade to unavailable.
func NewSignalEvaluator(comparator *compare.Comparator, engine ocr.Engine, detector *signature.Detector, aggregator *verdict.Aggregator) *SignalEvaluator {
	return &SignalEvaluator{
		comparator: comparator,
		engine:     engine,
		detector:   detector,
		aggregator: aggregator,
	}
}

// Evaluate computes the aggregated local verdict for one executed step.
// Detector failures degrade the affected signal instead of failing the
// evaluation: missing OCR leaves Text unavailable, an undecodable after
// image skips signature detection.
func (e *SignalEvaluator) Evaluate(ctx context.Context, step model.Step, before, after []byte) model.LocalVerdict {
	diff := e.comparator.Compare(before, after, step.ExpectedRegion)

	var fragments []ocr.Fragment
	ocrRan := false
	if e.engine != nil && e.engine.Available() {
		frags, err := e.engine.Recognize(ctx, after)
		if err != nil {
			logging.OCRWarn("recognize failed, text signal unavailable: %v", err)
		} else {
			fragments = frags
			ocrRan = true
		}
	}

	var text *model.TextMatch
	if len(step.ExpectedText) > 0 || len(step.ForbiddenText) > 0 {
		if ocrRan {
			m := ocr.Match(fragments, step.ExpectedText, step.ForbiddenText)
			text = &m
		} else {
			text = &model.TextMatch{Available: false}
		}
	}

	var hits []model.SignatureHit
	if img, err := compare.Decode(after); err == nil {
		hits = e.detector.Detect(signature.Input{After: img, Fragments: fragments})
	}

	return e.aggregator.Aggregate(verdict.Input{
		Step:       step,
		Diff:       &diff,
		Text:       text,
		Signatures: hits,
	})
}
