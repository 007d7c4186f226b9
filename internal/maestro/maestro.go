// Package maestro adapts the Maestro mobile automation CLI as a step
// executor. Every step becomes a single-step Maestro flow file and one
// `maestro test` invocation, with screen capture around it via adb (or
// simctl on iOS). Maestro owns the UI interaction; validation happens
// upstream on the captured screens.
package maestro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/runner"
)

// Config locates the external tools and tunes per-step execution.
type Config struct {
	// Binary is the maestro executable.
	Binary string
	// ADB is the Android debug bridge executable.
	ADB string
	// Xcrun is the Xcode tool runner, used for iOS simulator capture.
	Xcrun string
	// WorkDir holds generated per-step flow files. Empty means a fresh
	// temp directory.
	WorkDir string
	// StepTimeout bounds one maestro invocation.
	StepTimeout time.Duration
}

// DefaultConfig returns the standard tool setup.
func DefaultConfig() Config {
	return Config{
		Binary:      "maestro",
		ADB:         "adb",
		Xcrun:       "xcrun",
		StepTimeout: 2 * time.Minute,
	}
}

// Executor runs steps through the Maestro CLI. It holds no per-device
// state; the device id arrives with every request, so one executor can
// serve parallel device sessions.
type Executor struct {
	cfg Config
}

// New creates an executor with default configuration.
func New() (*Executor, error) {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an executor with custom configuration.
func NewWithConfig(cfg Config) (*Executor, error) {
	if cfg.Binary == "" {
		cfg.Binary = "maestro"
	}
	if cfg.ADB == "" {
		cfg.ADB = "adb"
	}
	if cfg.Xcrun == "" {
		cfg.Xcrun = "xcrun"
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.WorkDir == "" {
		dir, err := os.MkdirTemp("", "yeytest-flows-")
		if err != nil {
			return nil, fmt.Errorf("failed to create flow work directory: %w", err)
		}
		cfg.WorkDir = dir
	}
	return &Executor{cfg: cfg}, nil
}

// SupportsResume is false: Maestro runs each generated flow from a
// fresh invocation, so healing retries replay earlier steps first.
func (e *Executor) SupportsResume() bool { return false }

// Preflight verifies the external tools are reachable. Called once by
// the CLI before a run so a missing binary fails with an install hint
// instead of a mid-run error.
func (e *Executor) Preflight(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("maestro not found; install with: curl -Ls https://get.maestro.mobile.dev | bash")
	}
	if out, err := exec.CommandContext(ctx, e.cfg.ADB, "version").CombinedOutput(); err != nil {
		return fmt.Errorf("adb not usable (%v): %s", err, firstLine(string(out)))
	}
	return nil
}

// ExecuteStep performs one step: optional before capture, the Maestro
// action, optional after capture. Capture trouble degrades to missing
// screens; only tool invocation failures are errors.
func (e *Executor) ExecuteStep(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error) {
	step := req.TestCase.Steps[req.StepIndex]
	platform := req.TestCase.Platform
	started := time.Now()

	res := &runner.ExecuteResult{}
	if req.Capture {
		res.Before = e.captureSoft(ctx, req.Device, platform, "before")
	}

	if step.Kind == model.StepWait {
		if err := sleepStep(ctx, step.WaitMS); err != nil {
			return nil, err
		}
		res.Passed = true
	} else {
		flowPath, err := e.writeStepFlow(req, step)
		if err != nil {
			return nil, err
		}
		res.Passed, res.Detail, err = e.runFlow(ctx, flowPath, req.Device)
		if err != nil {
			return nil, err
		}
	}

	if req.Capture {
		res.After = e.captureSoft(ctx, req.Device, platform, "after")
	}
	res.Duration = time.Since(started)

	logging.MaestroDebug("step %d attempt %d (%s): passed=%v in %s",
		req.StepIndex, req.Attempt, step.Kind, res.Passed, res.Duration)
	return res, nil
}

// writeStepFlow renders the single-step Maestro flow file for this
// request and returns its path.
func (e *Executor) writeStepFlow(req runner.ExecuteRequest, step model.Step) (string, error) {
	data, err := RenderStepFlow(req.TestCase, step)
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.cfg.WorkDir, fmt.Sprintf("step_%03d_attempt_%d.yaml", req.StepIndex, req.Attempt))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write flow file: %w", err)
	}
	return path, nil
}

// runFlow invokes `maestro test` on the generated file. A non-zero exit
// is a step failure, not an error; the tool's output becomes the
// failure detail.
func (e *Executor) runFlow(ctx context.Context, flowPath, device string) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	args := []string{}
	if device != "" {
		args = append(args, "--device", device)
	}
	args = append(args, "test", flowPath)

	cmd := exec.CommandContext(ctx, e.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return true, "", nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("maestro step timed out after %s", e.cfg.StepTimeout), nil
	}
	if ctx.Err() != nil {
		return false, "", ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return false, firstLines(detail, 5), nil
	}
	return false, "", fmt.Errorf("failed to run maestro: %w", err)
}

// captureSoft grabs a screenshot and degrades to nil on trouble; a
// missing screen is a validation concern, not a run killer.
func (e *Executor) captureSoft(ctx context.Context, device string, platform model.Platform, phase string) []byte {
	data, err := e.CaptureScreen(ctx, device, platform)
	if err != nil {
		logging.Get(logging.CategoryMaestro).Warn("%s capture failed on %s: %v", phase, device, err)
		return nil
	}
	return data
}

// CaptureScreen captures the current screen as PNG bytes.
func (e *Executor) CaptureScreen(ctx context.Context, device string, platform model.Platform) ([]byte, error) {
	if platform == model.PlatformIOS {
		return e.captureIOS(ctx, device)
	}
	return e.captureAndroid(ctx, device)
}

func (e *Executor) captureAndroid(ctx context.Context, device string) ([]byte, error) {
	args := adbArgs(device, "exec-out", "screencap", "-p")
	cmd := exec.CommandContext(ctx, e.cfg.ADB, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screencap failed: %v: %s", err, firstLine(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (e *Executor) captureIOS(ctx context.Context, device string) ([]byte, error) {
	if device == "" {
		device = "booted"
	}
	tmp, err := os.CreateTemp(e.cfg.WorkDir, "shot-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, e.cfg.Xcrun, "simctl", "io", device, "screenshot", tmpPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("simctl screenshot failed: %v: %s", err, firstLine(string(out)))
	}
	return os.ReadFile(tmpPath)
}

// ListDevices returns connected Android device ids via `adb devices`.
func (e *Executor) ListDevices(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.ADB, "devices")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices failed: %w", err)
	}
	return ParseDeviceList(string(out)), nil
}

// ParseDeviceList extracts ready device ids from `adb devices` output.
// Offline and unauthorized devices are skipped.
func ParseDeviceList(out string) []string {
	var devices []string
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if i == 0 {
			// "List of devices attached" header
			continue
		}
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 2 && fields[1] == "device" {
			devices = append(devices, fields[0])
		}
	}
	return devices
}

// RenderStepFlow renders one step as a Maestro flow document: the appId
// header, the document separator, then the command list.
func RenderStepFlow(tc *model.TestCase, step model.Step) ([]byte, error) {
	commands, err := stepCommands(step)
	if err != nil {
		return nil, err
	}

	appID := tc.AppID
	if step.Kind == model.StepLaunchApp && step.Target != "" {
		appID = step.Target
	}

	var b bytes.Buffer
	if appID != "" {
		fmt.Fprintf(&b, "appId: %s\n---\n", appID)
	}
	body, err := yaml.Marshal(commands)
	if err != nil {
		return nil, fmt.Errorf("failed to render flow: %w", err)
	}
	b.Write(body)
	return b.Bytes(), nil
}

// stepCommands maps one step to its Maestro command list. Text input
// with a declared field becomes tap-then-type, the way a person fills a
// form.
func stepCommands(step model.Step) ([]interface{}, error) {
	switch step.Kind {
	case model.StepLaunchApp:
		return []interface{}{"launchApp"}, nil
	case model.StepTapOn:
		return []interface{}{map[string]interface{}{"tapOn": step.Target}}, nil
	case model.StepInputText:
		if step.Target != "" {
			return []interface{}{
				map[string]interface{}{"tapOn": step.Target},
				map[string]interface{}{"inputText": step.Text},
			}, nil
		}
		return []interface{}{map[string]interface{}{"inputText": step.Text}}, nil
	case model.StepAssertVisible:
		return []interface{}{map[string]interface{}{"assertVisible": step.Target}}, nil
	case model.StepScroll:
		if step.Direction == "" || strings.EqualFold(step.Direction, "down") {
			return []interface{}{"scroll"}, nil
		}
		return []interface{}{swipeCommand(step.Direction)}, nil
	case model.StepSwipe:
		return []interface{}{swipeCommand(step.Direction)}, nil
	case model.StepPressBack:
		return []interface{}{"pressBack"}, nil
	default:
		return nil, fmt.Errorf("step kind %q has no maestro mapping", step.Kind)
	}
}

func swipeCommand(direction string) map[string]interface{} {
	if direction == "" {
		direction = "up"
	}
	return map[string]interface{}{
		"swipe": map[string]interface{}{
			"direction": strings.ToUpper(direction),
			"duration":  500,
		},
	}
}

// sleepStep waits out a wait step locally; no tool invocation needed.
func sleepStep(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

func adbArgs(device string, args ...string) []string {
	if device == "" {
		return args
	}
	return append([]string{"-s", device}, args...)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n")
}
