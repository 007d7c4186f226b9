// Package ocr extracts on-screen text from screenshots and matches it
// against expected and forbidden terms. Recognition shells out to an
// installed tesseract binary; when no backend is available the signal
// degrades to "unavailable" rather than failing the step, and the
// aggregator must never read that as an implicit PASS.
package ocr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// Fragment is one recognized word with its confidence and location.
type Fragment struct {
	Text       string
	Confidence float64
	Box        model.Region
}

// Engine recognizes text in an encoded screenshot.
type Engine interface {
	// Recognize returns the text fragments found in the image. When
	// the backend cannot run it returns model.ErrSignalUnavailable.
	Recognize(ctx context.Context, img []byte) ([]Fragment, error)
	// Available reports whether the backend can run at all.
	Available() bool
}

// Tesseract shells out to the tesseract CLI reading the image from
// stdin and parsing its TSV output. Sparse-text page segmentation (psm
// 11) suits UI screenshots, where text is scattered rather than laid
// out as a document.
type Tesseract struct {
	binary string
}

// NewTesseract locates the tesseract binary on PATH. The returned
// engine is usable either way; Available reports whether recognition
// can actually run.
func NewTesseract() *Tesseract {
	path, err := exec.LookPath("tesseract")
	if err != nil {
		logging.OCRWarn("tesseract not found on PATH, text signal unavailable")
		return &Tesseract{}
	}
	return &Tesseract{binary: path}
}

// Available reports whether the tesseract binary was found.
func (t *Tesseract) Available() bool { return t.binary != "" }

// Recognize runs tesseract over the image.
func (t *Tesseract) Recognize(ctx context.Context, img []byte) ([]Fragment, error) {
	if !t.Available() {
		return nil, model.ErrSignalUnavailable
	}

	timer := logging.StartTimer(logging.CategoryOCR, "tesseract")
	defer timer.Stop()

	cmd := exec.CommandContext(ctx, t.binary, "stdin", "stdout", "--psm", "11", "tsv")
	cmd.Stdin = bytes.NewReader(img)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tesseract: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	frags, err := parseTSV(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse tesseract output: %w", err)
	}
	logging.OCRDebug("recognized %d fragments", len(frags))
	return frags, nil
}

// parseTSV reads tesseract's TSV format. Word rows have level 5 and a
// non-negative confidence; everything else (page/block/line rows and
// the header) is skipped.
func parseTSV(data []byte) ([]Fragment, error) {
	var frags []Fragment
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			if strings.HasPrefix(line, "level\t") {
				continue
			}
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		left, _ := strconv.Atoi(cols[6])
		top, _ := strconv.Atoi(cols[7])
		width, _ := strconv.Atoi(cols[8])
		height, _ := strconv.Atoi(cols[9])
		frags = append(frags, Fragment{
			Text:       text,
			Confidence: conf / 100,
			Box:        model.Region{X: left, Y: top, W: width, H: height},
		})
	}
	return frags, sc.Err()
}

// JoinText flattens fragments into one space-separated string in
// reading order (the order tesseract emitted them).
func JoinText(frags []Fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, " ")
}

// Match checks recognized text against expected and forbidden terms.
// Matching is case-insensitive substring over the joined fragment text,
// so multi-word terms match across fragment boundaries.
func Match(frags []Fragment, expected, forbidden []string) model.TextMatch {
	haystack := strings.ToLower(JoinText(frags))

	res := model.TextMatch{Available: true}
	for _, term := range expected {
		if term == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(term)) {
			res.ExpectedFound = append(res.ExpectedFound, term)
		} else {
			res.ExpectedMissing = append(res.ExpectedMissing, term)
		}
	}
	for _, term := range forbidden {
		if term == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(term)) {
			res.ForbiddenFound = append(res.ForbiddenFound, term)
		}
	}
	return res
}
