package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/yunusemreyildiz/yeytest/internal/frames"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
)

var (
	framesFPS float64
	framesOut string
)

// framesCmd scans a recording or an extracted frame directory for
// between-step anomalies.
var framesCmd = &cobra.Command{
	Use:   "frames <dir|recording.mp4>",
	Short: "Scan a screen recording for flashes, black screens, and crash dialogs",
	Args:  cobra.ExactArgs(1),
	RunE:  runFrames,
}

func init() {
	framesCmd.Flags().Float64Var(&framesFPS, "fps", 0, "Extraction rate for video input (default from config)")
	framesCmd.Flags().StringVar(&framesOut, "out", "", "Directory for extracted frames (default: temp dir)")
}

func runFrames(cmd *cobra.Command, args []string) error {
	fcfg := frames.DefaultConfig()
	fcfg.ChangeThreshold = cfg.Frames.ChangeThreshold
	fcfg.NoiseTolerance = cfg.Validation.NoiseTolerance
	fcfg.FPS = cfg.Frames.FPS
	fcfg.FFmpeg = cfg.Frames.FFmpeg
	fcfg.FFprobe = cfg.Frames.FFprobe
	if framesFPS > 0 {
		fcfg.FPS = framesFPS
	}

	analyzer := frames.NewWithConfig(ocr.NewTesseract(), fcfg)

	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}

	var report *frames.Report
	if info.IsDir() {
		paths, err := frameSequence(args[0])
		if err != nil {
			return err
		}
		report, err = analyzer.Analyze(cmd.Context(), paths)
		if err != nil {
			return err
		}
	} else {
		if err := analyzer.Preflight(); err != nil {
			return err
		}
		outDir := framesOut
		if outDir == "" {
			outDir, err = os.MkdirTemp("", "yeytest-frames-")
			if err != nil {
				return fmt.Errorf("create frame directory: %w", err)
			}
			defer os.RemoveAll(outDir)
		}
		report, err = analyzer.AnalyzeVideo(cmd.Context(), args[0], outDir)
		if err != nil {
			return err
		}
	}

	fmt.Println(renderFrameReport(report))
	if !report.OK() {
		return fmt.Errorf("%d critical anomalies in %d frames", report.Critical(), report.Frames)
	}
	return nil
}

// frameSequence lists a directory's PNG frames in name order, matching
// the zero-padded names the extractor writes.
func frameSequence(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no PNG frames in %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// renderFrameReport renders the scan outcome, one line per anomaly.
func renderFrameReport(report *frames.Report) string {
	head := passStyle.Render("CLEAN")
	if !report.OK() {
		head = failStyle.Render("ANOMALOUS")
	} else if len(report.Anomalies) > 0 {
		head = warnStyle.Render("NOISY")
	}
	out := fmt.Sprintf("%s%s", head, mutedStyle.Render(fmt.Sprintf("  %d frames, %d anomalies", report.Frames, len(report.Anomalies))))

	for _, a := range report.Anomalies {
		style := warnStyle
		if a.Severity == frames.SeverityHigh {
			style = failStyle
		}
		line := fmt.Sprintf("\n  %s frame %d (%s)",
			style.Render(string(a.Type)), a.FrameIndex, filepath.Base(a.Frame))
		if a.ChangeRatio > 0 {
			line += mutedStyle.Render(fmt.Sprintf("  %.0f%% changed", a.ChangeRatio*100))
		}
		if a.Detail != "" {
			line += mutedStyle.Render("  " + a.Detail)
		}
		out += line
	}
	return out
}
