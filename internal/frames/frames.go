// Package frames analyzes a recorded run's frame sequence after the
// fact. Step screenshots only sample the screen at step boundaries; a
// crash dialog or black screen that flashes between steps shows up here.
package frames

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yunusemreyildiz/yeytest/internal/compare"
	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
	"github.com/yunusemreyildiz/yeytest/internal/signature"
)

// AnomalyType classifies a frame-sequence finding.
type AnomalyType string

const (
	AnomalyBlackScreen    AnomalyType = "black_screen"
	AnomalySuddenChange   AnomalyType = "sudden_change"
	AnomalyErrorIndicator AnomalyType = "error_indicator"
)

// Severity ranks an anomaly. High severity fails the scan.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Anomaly is one finding at one frame.
type Anomaly struct {
	Type       AnomalyType `json:"type"`
	FrameIndex int         `json:"frame_index"`
	Frame      string      `json:"frame"`
	Severity   Severity    `json:"severity"`
	// ChangeRatio is set for sudden-change anomalies.
	ChangeRatio float64 `json:"change_ratio,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}

// Report is the outcome of one frame-sequence scan.
type Report struct {
	Frames    int       `json:"frames"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// Critical counts high-severity anomalies.
func (r *Report) Critical() int {
	n := 0
	for _, a := range r.Anomalies {
		if a.Severity == SeverityHigh {
			n++
		}
	}
	return n
}

// OK reports whether the scan found no critical anomalies.
func (r *Report) OK() bool { return r.Critical() == 0 }

// Config tunes the analyzer.
type Config struct {
	// ChangeThreshold is the frame-to-frame changed-pixel ratio above
	// which a sudden change is reported.
	ChangeThreshold float64
	// NoiseTolerance is the per-pixel luminance delta treated as noise
	// when diffing consecutive frames.
	NoiseTolerance int
	// FPS is the extraction rate for ExtractFrames.
	FPS float64
	// FFmpeg and FFprobe locate the external tools.
	FFmpeg  string
	FFprobe string
}

// DefaultConfig matches the thresholds the recorded-run scan has always
// used: two frames per second, a change is sudden above 30% of pixels.
func DefaultConfig() Config {
	return Config{
		ChangeThreshold: 0.3,
		NoiseTolerance:  30,
		FPS:             2.0,
		FFmpeg:          "ffmpeg",
		FFprobe:         "ffprobe",
	}
}

// Analyzer scans frame sequences. The OCR engine is optional; without
// it only image-level signatures fire.
type Analyzer struct {
	comparator *compare.Comparator
	detector   *signature.Detector
	engine     ocr.Engine
	cfg        Config
}

// New creates an analyzer with default thresholds and the built-in
// signature catalog.
func New(engine ocr.Engine) *Analyzer {
	return NewWithConfig(engine, DefaultConfig())
}

// NewWithConfig creates an analyzer with custom thresholds.
func NewWithConfig(engine ocr.Engine, cfg Config) *Analyzer {
	if cfg.ChangeThreshold <= 0 || cfg.ChangeThreshold > 1 {
		cfg.ChangeThreshold = DefaultConfig().ChangeThreshold
	}
	if cfg.NoiseTolerance <= 0 {
		cfg.NoiseTolerance = DefaultConfig().NoiseTolerance
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultConfig().FPS
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.FFprobe == "" {
		cfg.FFprobe = "ffprobe"
	}
	return &Analyzer{
		comparator: compare.New(cfg.NoiseTolerance),
		detector:   signature.DefaultDetector(),
		engine:     engine,
		cfg:        cfg,
	}
}

// Preflight verifies ffmpeg is reachable for frame extraction.
func (a *Analyzer) Preflight() error {
	if _, err := exec.LookPath(a.cfg.FFmpeg); err != nil {
		return fmt.Errorf("ffmpeg not found; install with your package manager (brew install ffmpeg / apt install ffmpeg)")
	}
	return nil
}

// Analyze scans an ordered frame sequence. Unreadable frames are
// skipped; the scan never fails on a single bad file.
func (a *Analyzer) Analyze(ctx context.Context, framePaths []string) (*Report, error) {
	report := &Report{Frames: len(framePaths)}
	var prev []byte

	for i, path := range framePaths {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logging.FramesDebug("skipping unreadable frame %d (%s): %v", i, path, err)
			continue
		}
		img, err := compare.Decode(data)
		if err != nil {
			logging.FramesDebug("skipping undecodable frame %d (%s): %v", i, path, err)
			continue
		}

		in := signature.Input{After: img}
		if a.engine != nil && a.engine.Available() {
			if frags, err := a.engine.Recognize(ctx, data); err == nil {
				in.Fragments = frags
			} else {
				logging.FramesDebug("frame %d OCR failed: %v", i, err)
			}
		}

		for _, hit := range a.detector.Detect(in) {
			switch hit.Name {
			case "black_screen":
				report.Anomalies = append(report.Anomalies, Anomaly{
					Type:       AnomalyBlackScreen,
					FrameIndex: i,
					Frame:      path,
					Severity:   SeverityHigh,
					Detail:     hit.Detail,
				})
			case "blank_screen":
				// White frames are normal mid-transition.
			default:
				report.Anomalies = append(report.Anomalies, Anomaly{
					Type:       AnomalyErrorIndicator,
					FrameIndex: i,
					Frame:      path,
					Severity:   SeverityHigh,
					Detail:     hit.Name + ": " + hit.Detail,
				})
			}
		}

		if prev != nil {
			diff := a.comparator.Compare(prev, data, nil)
			if !diff.Incomparable && diff.Score > a.cfg.ChangeThreshold {
				report.Anomalies = append(report.Anomalies, Anomaly{
					Type:        AnomalySuddenChange,
					FrameIndex:  i,
					Frame:       path,
					Severity:    SeverityMedium,
					ChangeRatio: diff.Score,
					Detail:      fmt.Sprintf("%.0f%% of the screen changed between frames", diff.Score*100),
				})
			}
		}
		prev = data
	}

	logging.FramesDebug("scanned %d frames: %d anomalies (%d critical)",
		report.Frames, len(report.Anomalies), report.Critical())
	return report, nil
}

// ExtractFrames turns a screen recording into an ordered PNG sequence
// under outDir and returns the frame paths.
func (a *Analyzer) ExtractFrames(ctx context.Context, videoPath, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	pattern := filepath.Join(outDir, "frame_%04d.png")
	cmd := exec.CommandContext(ctx, a.cfg.FFmpeg,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%g", a.cfg.FPS),
		"-q:v", "2",
		pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %v: %s", err, lastLine(string(out)))
	}

	frames, err := filepath.Glob(filepath.Join(outDir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	logging.FramesDebug("extracted %d frames from %s", len(frames), videoPath)
	return frames, nil
}

// AnalyzeVideo extracts frames from a recording and scans them.
func (a *Analyzer) AnalyzeVideo(ctx context.Context, videoPath, outDir string) (*Report, error) {
	frames, err := a.ExtractFrames(ctx, videoPath, outDir)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted from %s", videoPath)
	}
	return a.Analyze(ctx, frames)
}

// VideoDuration returns the recording length in seconds via ffprobe.
func (a *Analyzer) VideoDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.cfg.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return seconds, nil
}

// ExtractFrameAt pulls the single frame nearest the given timestamp.
func (a *Analyzer) ExtractFrameAt(ctx context.Context, videoPath string, seconds float64, outPath string) error {
	cmd := exec.CommandContext(ctx, a.cfg.FFmpeg,
		"-ss", strconv.FormatFloat(seconds, 'f', -1, 64),
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "2",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg frame seek failed: %v: %s", err, lastLine(string(out)))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
