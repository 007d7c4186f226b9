package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/yunusemreyildiz/yeytest/internal/ocr"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func writeFrame(t *testing.T, dir string, index int, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", index))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return path
}

type stubEngine struct {
	frags []ocr.Fragment
}

func (s *stubEngine) Available() bool { return true }
func (s *stubEngine) Recognize(ctx context.Context, img []byte) ([]ocr.Fragment, error) {
	return s.frags, nil
}

func TestAnalyzeCleanSequence(t *testing.T) {
	dir := t.TempDir()
	gray := solidImage(40, 80, color.RGBA{180, 180, 180, 255})
	frames := []string{
		writeFrame(t, dir, 0, gray),
		writeFrame(t, dir, 1, gray),
		writeFrame(t, dir, 2, gray),
	}

	report, err := New(nil).Analyze(context.Background(), frames)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if report.Frames != 3 {
		t.Errorf("Expected 3 frames, got %d", report.Frames)
	}
	if len(report.Anomalies) != 0 {
		t.Errorf("Expected no anomalies, got %+v", report.Anomalies)
	}
	if !report.OK() {
		t.Error("Clean sequence should be OK")
	}
}

func TestAnalyzeBlackFrame(t *testing.T) {
	dir := t.TempDir()
	gray := solidImage(40, 80, color.RGBA{180, 180, 180, 255})
	black := solidImage(40, 80, color.RGBA{4, 4, 4, 255})
	frames := []string{
		writeFrame(t, dir, 0, gray),
		writeFrame(t, dir, 1, black),
	}

	report, err := New(nil).Analyze(context.Background(), frames)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	var found bool
	for _, a := range report.Anomalies {
		if a.Type == AnomalyBlackScreen {
			found = true
			if a.FrameIndex != 1 {
				t.Errorf("Expected black frame at index 1, got %d", a.FrameIndex)
			}
			if a.Severity != SeverityHigh {
				t.Errorf("Black screen should be high severity, got %s", a.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("Expected a black_screen anomaly, got %+v", report.Anomalies)
	}
	if report.OK() {
		t.Error("A black frame is critical")
	}
}

func TestAnalyzeSuddenChange(t *testing.T) {
	dir := t.TempDir()
	frames := []string{
		writeFrame(t, dir, 0, solidImage(40, 80, color.RGBA{180, 180, 180, 255})),
		writeFrame(t, dir, 1, solidImage(40, 80, color.RGBA{255, 255, 255, 255})),
	}

	report, err := New(nil).Analyze(context.Background(), frames)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(report.Anomalies) != 1 {
		t.Fatalf("Expected exactly one anomaly, got %+v", report.Anomalies)
	}
	a := report.Anomalies[0]
	if a.Type != AnomalySuddenChange {
		t.Errorf("Expected sudden_change, got %s", a.Type)
	}
	if a.Severity != SeverityMedium {
		t.Errorf("Sudden change is medium severity, got %s", a.Severity)
	}
	if a.ChangeRatio != 1 {
		t.Errorf("Expected full-screen change ratio 1, got %f", a.ChangeRatio)
	}
	// A white transition frame is not blank-screen critical.
	if !report.OK() {
		t.Error("Medium-severity anomalies alone should not fail the scan")
	}
}

func TestAnalyzeErrorIndicatorViaOCR(t *testing.T) {
	dir := t.TempDir()
	gray := solidImage(40, 80, color.RGBA{180, 180, 180, 255})
	frames := []string{writeFrame(t, dir, 0, gray)}

	engine := &stubEngine{frags: []ocr.Fragment{
		{Text: "Unfortunately,", Confidence: 0.9},
		{Text: "MyApp", Confidence: 0.9},
		{Text: "has", Confidence: 0.9},
		{Text: "stopped", Confidence: 0.9},
	}}

	report, err := New(engine).Analyze(context.Background(), frames)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	var found bool
	for _, a := range report.Anomalies {
		if a.Type == AnomalyErrorIndicator {
			found = true
			if a.Severity != SeverityHigh {
				t.Errorf("Error indicator should be high severity, got %s", a.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("Expected an error_indicator anomaly, got %+v", report.Anomalies)
	}
}

func TestAnalyzeSkipsUnreadableFrames(t *testing.T) {
	dir := t.TempDir()
	gray := solidImage(40, 80, color.RGBA{180, 180, 180, 255})
	frames := []string{
		filepath.Join(dir, "missing.png"),
		writeFrame(t, dir, 1, gray),
	}

	report, err := New(nil).Analyze(context.Background(), frames)
	if err != nil {
		t.Fatalf("A bad frame must not fail the scan: %v", err)
	}
	if report.Frames != 2 {
		t.Errorf("Expected 2 listed frames, got %d", report.Frames)
	}
	if len(report.Anomalies) != 0 {
		t.Errorf("Expected no anomalies, got %+v", report.Anomalies)
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	frames := []string{writeFrame(t, dir, 0, solidImage(10, 10, color.RGBA{0, 0, 0, 255}))}

	if _, err := New(nil).Analyze(ctx, frames); err == nil {
		t.Fatal("Expected cancellation error")
	}
}

func TestReportCritical(t *testing.T) {
	r := &Report{Anomalies: []Anomaly{
		{Type: AnomalyBlackScreen, Severity: SeverityHigh},
		{Type: AnomalySuddenChange, Severity: SeverityMedium},
		{Type: AnomalyErrorIndicator, Severity: SeverityHigh},
	}}
	if r.Critical() != 2 {
		t.Errorf("Expected 2 critical anomalies, got %d", r.Critical())
	}
	if r.OK() {
		t.Error("Critical anomalies must fail the scan")
	}
}

func TestConfigDefaults(t *testing.T) {
	a := NewWithConfig(nil, Config{})
	if a.cfg.ChangeThreshold != 0.3 || a.cfg.FPS != 2.0 || a.cfg.NoiseTolerance != 30 {
		t.Errorf("Unexpected defaults: %+v", a.cfg)
	}
	if a.cfg.FFmpeg != "ffmpeg" || a.cfg.FFprobe != "ffprobe" {
		t.Errorf("Unexpected tool defaults: %+v", a.cfg)
	}
}
