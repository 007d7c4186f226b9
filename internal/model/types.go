// Package model provides the shared data types for the validation and
// self-healing pipeline: steps, test cases, signals, verdicts, results,
// and the error taxonomy. This package sits at the bottom of the import
// graph so that detectors, policy, healing, and the runner can exchange
// values without cycles. Types here are foundational data structures
// with no behavior beyond construction, cloning, and description.
package model

import (
	"fmt"
	"strings"
	"time"
)

// StepKind identifies the automation instruction a Step performs.
type StepKind string

const (
	StepLaunchApp     StepKind = "launch_app"
	StepTapOn         StepKind = "tap_on"
	StepInputText     StepKind = "input_text"
	StepAssertVisible StepKind = "assert_visible"
	StepScroll        StepKind = "scroll"
	StepSwipe         StepKind = "swipe"
	StepWait          StepKind = "wait"
	StepPressBack     StepKind = "press_back"
)

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	switch k {
	case StepLaunchApp, StepTapOn, StepInputText, StepAssertVisible,
		StepScroll, StepSwipe, StepWait, StepPressBack:
		return true
	}
	return false
}

// changeNeutralKinds are step kinds that observe the screen rather than
// act on it, so an unchanged after-image is not evidence of failure.
var changeNeutralKinds = map[StepKind]bool{
	StepAssertVisible: true,
	StepWait:          true,
}

// Region is a rectangle in after-image pixel coordinates. A step may
// declare one to restrict pixel-diff scoring to the area it expects to
// change.
type Region struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
	W int `yaml:"w" json:"w"`
	H int `yaml:"h" json:"h"`
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d@%d,%d", r.W, r.H, r.X, r.Y)
}

// Step is one ordered automation instruction. Steps are immutable once
// issued to the runner; the healing controller replaces whole Step
// values in a working copy rather than editing them in place.
type Step struct {
	Kind      StepKind `yaml:"kind" json:"kind"`
	Target    string   `yaml:"target,omitempty" json:"target,omitempty"`
	Text      string   `yaml:"text,omitempty" json:"text,omitempty"`
	Direction string   `yaml:"direction,omitempty" json:"direction,omitempty"`
	WaitMS    int      `yaml:"wait_ms,omitempty" json:"wait_ms,omitempty"`

	// Validation hints. ExpectedText/ForbiddenText drive the text
	// signal; ExpectedRegion narrows the pixel diff; ExpectsChange
	// overrides the kind's default change expectation.
	ExpectedText   []string `yaml:"expected_text,omitempty" json:"expected_text,omitempty"`
	ForbiddenText  []string `yaml:"forbidden_text,omitempty" json:"forbidden_text,omitempty"`
	ExpectedRegion *Region  `yaml:"expected_region,omitempty" json:"expected_region,omitempty"`
	ExpectsChange  *bool    `yaml:"expects_change,omitempty" json:"expects_change,omitempty"`

	Note string `yaml:"note,omitempty" json:"note,omitempty"`
}

// ExpectsVisibleChange reports whether an unchanged screen after this
// step should count against it. Action kinds expect a change; observing
// kinds do not; an explicit ExpectsChange wins over both.
func (s Step) ExpectsVisibleChange() bool {
	if s.ExpectsChange != nil {
		return *s.ExpectsChange
	}
	return !changeNeutralKinds[s.Kind]
}

// Describe renders the step for reason strings and provider prompts,
// e.g. `tap_on "Login"` or `input_text "user@example.com" into "Email"`.
func (s Step) Describe() string {
	switch s.Kind {
	case StepLaunchApp:
		if s.Target != "" {
			return fmt.Sprintf("launch_app %q", s.Target)
		}
		return "launch_app"
	case StepInputText:
		if s.Target != "" {
			return fmt.Sprintf("input_text %q into %q", s.Text, s.Target)
		}
		return fmt.Sprintf("input_text %q", s.Text)
	case StepScroll, StepSwipe:
		if s.Direction != "" {
			return fmt.Sprintf("%s %s", s.Kind, s.Direction)
		}
		return string(s.Kind)
	case StepWait:
		return fmt.Sprintf("wait %dms", s.WaitMS)
	default:
		if s.Target != "" {
			return fmt.Sprintf("%s %q", s.Kind, s.Target)
		}
		return string(s.Kind)
	}
}

// Platform is the device platform a test targets.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ValidationLevel selects which validation signals are eligible for a
// step. The set is closed; anything else is a configuration error.
type ValidationLevel string

const (
	LevelNone   ValidationLevel = "none"
	LevelLocal  ValidationLevel = "local"
	LevelAI     ValidationLevel = "ai"
	LevelHybrid ValidationLevel = "hybrid"
)

// Valid reports whether l is one of the closed set of levels.
func (l ValidationLevel) Valid() bool {
	switch l {
	case LevelNone, LevelLocal, LevelAI, LevelHybrid:
		return true
	}
	return false
}

// CanEscalate reports whether the level may call the vision provider.
func (l ValidationLevel) CanEscalate() bool {
	return l == LevelAI || l == LevelHybrid
}

// ParseValidationLevel normalizes and validates a level string.
func ParseValidationLevel(s string) (ValidationLevel, error) {
	l := ValidationLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("invalid validation level %q (want none, local, ai, or hybrid)", s)
	}
	return l, nil
}

// TestCase is an ordered sequence of steps plus metadata. Only the
// healing controller mutates a test case, and only through Clone so the
// original stays inspectable across attempts.
type TestCase struct {
	Name       string          `yaml:"name" json:"name"`
	Platform   Platform        `yaml:"platform,omitempty" json:"platform,omitempty"`
	AppID      string          `yaml:"app_id,omitempty" json:"app_id,omitempty"`
	Validation ValidationLevel `yaml:"validation,omitempty" json:"validation,omitempty"`
	Healing    *bool           `yaml:"healing,omitempty" json:"healing,omitempty"`
	Steps      []Step          `yaml:"steps" json:"steps"`
}

// Clone returns a deep copy safe to mutate independently.
func (tc *TestCase) Clone() *TestCase {
	cp := *tc
	cp.Steps = make([]Step, len(tc.Steps))
	copy(cp.Steps, tc.Steps)
	for i, s := range tc.Steps {
		if s.ExpectedText != nil {
			cp.Steps[i].ExpectedText = append([]string(nil), s.ExpectedText...)
		}
		if s.ForbiddenText != nil {
			cp.Steps[i].ForbiddenText = append([]string(nil), s.ForbiddenText...)
		}
		if s.ExpectedRegion != nil {
			r := *s.ExpectedRegion
			cp.Steps[i].ExpectedRegion = &r
		}
		if s.ExpectsChange != nil {
			b := *s.ExpectsChange
			cp.Steps[i].ExpectsChange = &b
		}
	}
	if tc.Healing != nil {
		b := *tc.Healing
		cp.Healing = &b
	}
	return &cp
}

// ScreenshotPair is the before/after capture for one step execution.
// Buffers are owned by the pipeline invocation and are only persisted
// through the artifact store.
type ScreenshotPair struct {
	Before     []byte
	After      []byte
	BeforeTime time.Time
	AfterTime  time.Time
}
