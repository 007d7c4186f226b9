package maestro

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
)

const recordingDevicePath = "/sdcard/yeytest_recording.mp4"

// Recording is an in-flight on-device screen recording.
type Recording struct {
	cmd    *exec.Cmd
	adb    string
	device string
}

// StartRecording begins recording the device screen. adb screenrecord
// caps a single recording at 3 minutes; longer runs need segmenting.
func (e *Executor) StartRecording(ctx context.Context, device string) (*Recording, error) {
	args := adbArgs(device, "shell", "screenrecord", "--time-limit", "180", recordingDevicePath)
	cmd := exec.CommandContext(ctx, e.cfg.ADB, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start screenrecord: %w", err)
	}
	logging.MaestroDebug("recording started on %s", device)
	return &Recording{cmd: cmd, adb: e.cfg.ADB, device: device}, nil
}

// Stop ends the recording, pulls the video to localPath, and removes
// the on-device file.
func (r *Recording) Stop(ctx context.Context, localPath string) error {
	// screenrecord finalizes the mp4 container on interrupt.
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(os.Interrupt)
	}
	_ = r.cmd.Wait()

	// The device needs a moment to flush the file.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}

	pull := exec.CommandContext(ctx, r.adb, adbArgs(r.device, "pull", recordingDevicePath, localPath)...)
	if out, err := pull.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to pull recording: %v: %s", err, firstLine(string(out)))
	}

	rm := exec.CommandContext(ctx, r.adb, adbArgs(r.device, "shell", "rm", recordingDevicePath)...)
	_ = rm.Run()

	logging.MaestroDebug("recording saved to %s", localPath)
	return nil
}
