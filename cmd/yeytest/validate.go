package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/compare"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
	"github.com/yunusemreyildiz/yeytest/internal/policy"
	"github.com/yunusemreyildiz/yeytest/internal/signature"
	"github.com/yunusemreyildiz/yeytest/internal/verdict"
	"github.com/yunusemreyildiz/yeytest/internal/vision"
)

var (
	validateLevel      string
	validateNoChange   bool
	validateExpectText []string
	validateForbidText []string
)

// validateCmd validates a single before/after pair without a device.
var validateCmd = &cobra.Command{
	Use:   "validate <before.png> <after.png>",
	Short: "Validate one before/after screenshot pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateLevel, "level", "", "Validation level override (none, local, ai, hybrid)")
	validateCmd.Flags().BoolVar(&validateNoChange, "no-change", false, "Expect the screen to be unchanged")
	validateCmd.Flags().StringSliceVar(&validateExpectText, "expect-text", nil, "Text the after image must contain")
	validateCmd.Flags().StringSliceVar(&validateForbidText, "forbid-text", nil, "Text the after image must not contain")
}

func runValidate(cmd *cobra.Command, args []string) error {
	if validateLevel != "" {
		cfg.Validation.Level = validateLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	before, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read before image: %w", err)
	}
	after, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read after image: %w", err)
	}

	local := policy.NewSignalEvaluator(
		compare.New(cfg.Validation.NoiseTolerance),
		ocr.NewTesseract(),
		signature.DefaultDetector(),
		verdict.New(cfg.Validation.NoChangeThreshold),
	)

	var ai policy.AIClient
	if cfg.Level().CanEscalate() {
		provider, err := buildProvider()
		if err != nil {
			return err
		}
		clientCfg := vision.DefaultClientConfig()
		clientCfg.Timeout = cfg.GetAITimeout()
		ai = vision.NewClientWithConfig(provider, clientCfg)
	}

	pol := policy.New(local, ai, budget.NewMeter(cfg.AI.Budget), policy.Config{
		Level:           cfg.Level(),
		AcceptThreshold: cfg.Validation.AcceptThreshold,
	})

	// The synthetic step stands in for whatever action produced the
	// pair; only its validation hints matter here.
	expectsChange := !validateNoChange
	res := pol.Decide(cmd.Context(), policy.Input{
		Step: model.Step{
			Kind:          model.StepTapOn,
			ExpectedText:  validateExpectText,
			ForbiddenText: validateForbidText,
			ExpectsChange: &expectsChange,
		},
		StepIndex:    0,
		Attempt:      1,
		RunnerPassed: true,
		Before:       before,
		After:        after,
	})

	fmt.Println(renderVerdict(res))
	if res.Final == model.VerdictFail {
		return fmt.Errorf("validation failed: %s", res.Reason)
	}
	return nil
}

// renderVerdict renders the ad-hoc validation result with the signal
// breakdown.
func renderVerdict(res *model.StepResult) string {
	var b strings.Builder

	b.WriteString(verdictStyle(res.Final).Render(string(res.Final)))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  level=%s cost=%d", res.LevelUsed, res.CostUnits)))
	b.WriteString("\n" + infoStyle.Render("reason: ") + res.Reason)

	if res.Local != nil {
		b.WriteString(fmt.Sprintf("\nlocal: %s (confidence %.2f)",
			verdictStyle(res.Local.Label).Render(string(res.Local.Label)), res.Local.Confidence))
		if diff := res.Local.Signals.Diff; diff != nil {
			line := fmt.Sprintf("  diff score %.4f", diff.Score)
			if diff.Incomparable {
				line += " (incomparable)"
			}
			if diff.Detail != "" {
				line += "  " + diff.Detail
			}
			b.WriteString("\n" + mutedStyle.Render(line))
		}
		if text := res.Local.Signals.Text; text != nil {
			line := "  text signal unavailable"
			if text.Available {
				line = fmt.Sprintf("  text found=%v missing=%v forbidden=%v",
					text.ExpectedFound, text.ExpectedMissing, text.ForbiddenFound)
			}
			b.WriteString("\n" + mutedStyle.Render(line))
		}
		for _, hit := range res.Local.Signals.Signatures {
			b.WriteString("\n" + failStyle.Render("  signature: ") + hit.Name)
			if hit.Detail != "" {
				b.WriteString(mutedStyle.Render("  " + hit.Detail))
			}
		}
	}

	if res.AI != nil {
		b.WriteString(fmt.Sprintf("\nai: %s (confidence %.2f, %s)",
			verdictStyle(res.AI.Label).Render(string(res.AI.Label)), res.AI.Confidence, res.AI.Provider))
		if res.AI.Rationale != "" {
			b.WriteString("\n" + mutedStyle.Render("  "+res.AI.Rationale))
		}
	}

	for _, w := range res.Warnings {
		b.WriteString("\n" + warnStyle.Render("! ") + mutedStyle.Render(w))
	}
	return b.String()
}
