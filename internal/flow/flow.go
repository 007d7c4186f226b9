// Package flow reads and writes yeytest flow files. A flow file is a
// YAML document with test metadata and an ordered step list; steps are
// written either in shorthand (`- tap_on: Login`) or in long form with
// explicit validation hints. Parsing is strict: unknown step kinds,
// invalid validation levels, and empty flows are errors, surfaced
// before anything executes.
package flow

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// fileDoc is the on-disk shape of a flow file.
type fileDoc struct {
	Name       string                `yaml:"name"`
	Platform   model.Platform        `yaml:"platform,omitempty"`
	AppID      string                `yaml:"app_id,omitempty"`
	Validation model.ValidationLevel `yaml:"validation,omitempty"`
	Healing    *bool                 `yaml:"healing,omitempty"`
	Steps      []stepNode            `yaml:"steps"`
}

// stepNode accepts the three step spellings: a bare kind, a single-key
// shorthand, and the long form.
type stepNode struct {
	step model.Step
}

func (n *stepNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		kind := model.StepKind(value.Value)
		if !kind.Valid() {
			return fmt.Errorf("unknown step kind %q", value.Value)
		}
		n.step = model.Step{Kind: kind}
		return nil

	case yaml.MappingNode:
		if hasKey(value, "kind") {
			var step model.Step
			if err := value.Decode(&step); err != nil {
				return err
			}
			if !step.Kind.Valid() {
				return fmt.Errorf("unknown step kind %q", step.Kind)
			}
			n.step = step
			return nil
		}
		if len(value.Content) != 2 {
			return fmt.Errorf("shorthand step must have exactly one key")
		}
		return n.decodeShorthand(value.Content[0], value.Content[1])
	}
	return fmt.Errorf("step must be a string or a mapping")
}

func (n *stepNode) decodeShorthand(key, val *yaml.Node) error {
	kind := model.StepKind(key.Value)
	if !kind.Valid() {
		return fmt.Errorf("unknown step kind %q", key.Value)
	}

	step := model.Step{Kind: kind}
	switch kind {
	case model.StepTapOn, model.StepAssertVisible, model.StepLaunchApp:
		step.Target = val.Value
	case model.StepInputText:
		step.Text = val.Value
	case model.StepScroll, model.StepSwipe:
		step.Direction = val.Value
	case model.StepWait:
		ms, err := strconv.Atoi(val.Value)
		if err != nil {
			return fmt.Errorf("wait needs milliseconds, got %q", val.Value)
		}
		step.WaitMS = ms
	case model.StepPressBack:
		// No argument; tolerate an explicit null.
		if val.Value != "" && val.Tag != "!!null" {
			return fmt.Errorf("press_back takes no argument")
		}
	}
	n.step = step
	return nil
}

func hasKey(mapping *yaml.Node, key string) bool {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Parse decodes and validates a flow document.
func Parse(data []byte) (*model.TestCase, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid flow YAML: %w", err)
	}

	if doc.Name == "" {
		return nil, fmt.Errorf("flow is missing a name")
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("flow %q has no steps", doc.Name)
	}
	if doc.Validation != "" && !doc.Validation.Valid() {
		return nil, fmt.Errorf("flow %q: invalid validation level %q (want none, local, ai, or hybrid)",
			doc.Name, doc.Validation)
	}
	if doc.Platform != "" && doc.Platform != model.PlatformAndroid && doc.Platform != model.PlatformIOS {
		return nil, fmt.Errorf("flow %q: unknown platform %q (want android or ios)", doc.Name, doc.Platform)
	}

	tc := &model.TestCase{
		Name:       doc.Name,
		Platform:   doc.Platform,
		AppID:      doc.AppID,
		Validation: doc.Validation,
		Healing:    doc.Healing,
		Steps:      make([]model.Step, len(doc.Steps)),
	}
	for i, n := range doc.Steps {
		tc.Steps[i] = n.step
	}
	logging.Flow("parsed flow %q: %d steps, validation=%s", tc.Name, len(tc.Steps), tc.Validation)
	return tc, nil
}

// Load reads and parses a flow file.
func Load(path string) (*model.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	tc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tc, nil
}

// Marshal renders a test case back to flow YAML, using shorthand for
// steps without validation hints.
func Marshal(tc *model.TestCase) ([]byte, error) {
	doc := struct {
		Name       string                `yaml:"name"`
		Platform   model.Platform        `yaml:"platform,omitempty"`
		AppID      string                `yaml:"app_id,omitempty"`
		Validation model.ValidationLevel `yaml:"validation,omitempty"`
		Healing    *bool                 `yaml:"healing,omitempty"`
		Steps      []interface{}         `yaml:"steps"`
	}{
		Name:       tc.Name,
		Platform:   tc.Platform,
		AppID:      tc.AppID,
		Validation: tc.Validation,
		Healing:    tc.Healing,
		Steps:      make([]interface{}, len(tc.Steps)),
	}
	for i, step := range tc.Steps {
		doc.Steps[i] = stepValue(step)
	}
	return yaml.Marshal(doc)
}

// Save writes a test case as a flow file.
func Save(path string, tc *model.TestCase) error {
	data, err := Marshal(tc)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write flow file: %w", err)
	}
	return nil
}

// stepValue picks the most compact spelling that round-trips the step.
func stepValue(step model.Step) interface{} {
	if !shorthandable(step) {
		return step
	}
	switch step.Kind {
	case model.StepTapOn, model.StepAssertVisible, model.StepLaunchApp:
		if step.Target != "" {
			return map[string]string{string(step.Kind): step.Target}
		}
	case model.StepInputText:
		if step.Text != "" {
			return map[string]string{string(step.Kind): step.Text}
		}
	case model.StepScroll, model.StepSwipe:
		if step.Direction != "" {
			return map[string]string{string(step.Kind): step.Direction}
		}
	case model.StepWait:
		if step.WaitMS > 0 {
			return map[string]int{string(step.Kind): step.WaitMS}
		}
	}
	return string(step.Kind)
}

// shorthandable reports whether the step carries nothing beyond its
// primary argument.
func shorthandable(step model.Step) bool {
	if len(step.ExpectedText) > 0 || len(step.ForbiddenText) > 0 ||
		step.ExpectedRegion != nil || step.ExpectsChange != nil || step.Note != "" {
		return false
	}
	set := 0
	if step.Target != "" {
		set++
	}
	if step.Text != "" {
		set++
	}
	if step.Direction != "" {
		set++
	}
	if step.WaitMS > 0 {
		set++
	}
	return set <= 1
}
