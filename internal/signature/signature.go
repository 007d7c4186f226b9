// Package signature matches screenshots against known failure visuals:
// crash dialogs, blank or black screens, error banners, HTTP error
// overlays. The detector is an open registry so new signatures can be
// added without touching call sites. A signature match dominates every
// other validation signal.
package signature

import (
	"fmt"
	"image"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
)

// Input carries what a signature may inspect: the decoded after-image
// and the OCR fragments already extracted for the text signal. Either
// may be absent; signatures skip what they cannot see.
type Input struct {
	After     image.Image
	Fragments []ocr.Fragment
}

// Text returns the joined lowercase fragment text.
func (in Input) Text() string {
	return strings.ToLower(ocr.JoinText(in.Fragments))
}

// Signature is one known-error heuristic.
type Signature interface {
	Name() string
	Describe() string
	// Match reports whether the signature is present, with a short
	// human-readable detail for the verdict reason.
	Match(in Input) (bool, string)
}

// Detector holds the registered signatures.
type Detector struct {
	mu   sync.RWMutex
	sigs []Signature
}

// NewDetector returns an empty detector.
func NewDetector() *Detector { return &Detector{} }

// DefaultDetector returns a detector with the built-in catalog.
func DefaultDetector() *Detector {
	d := NewDetector()
	d.Register(&crashDialog{})
	d.Register(&errorBanner{})
	d.Register(&blankScreen{})
	d.Register(&blackScreen{})
	d.Register(&httpError{})
	return d
}

// Register adds a signature to the catalog.
func (d *Detector) Register(s Signature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sigs = append(d.sigs, s)
}

// Detect runs every registered signature and returns the matches.
func (d *Detector) Detect(in Input) []model.SignatureHit {
	d.mu.RLock()
	sigs := make([]Signature, len(d.sigs))
	copy(sigs, d.sigs)
	d.mu.RUnlock()

	var hits []model.SignatureHit
	for _, s := range sigs {
		if ok, detail := s.Match(in); ok {
			logging.SignatureDebug("matched %s: %s", s.Name(), detail)
			hits = append(hits, model.SignatureHit{Name: s.Name(), Detail: detail})
		}
	}
	return hits
}

// =============================================================================
// BUILT-IN SIGNATURES
// =============================================================================

// crashDialog looks for platform crash-dialog phrasing in the
// recognized text.
type crashDialog struct{}

var crashPhrases = []string{
	"has stopped",
	"keeps stopping",
	"isn't responding",
	"is not responding",
	"unfortunately",
	"crash",
	"exception",
	"fatal error",
	"anr ",
}

func (crashDialog) Name() string     { return "crash_dialog" }
func (crashDialog) Describe() string { return "platform crash or ANR dialog text" }

func (crashDialog) Match(in Input) (bool, string) {
	text := in.Text()
	if text == "" {
		return false, ""
	}
	for _, phrase := range crashPhrases {
		if strings.Contains(text, phrase) {
			return true, fmt.Sprintf("crash text %q on screen", phrase)
		}
	}
	return false, ""
}

// errorBanner looks for a prominent red area combined with error
// wording, including the Turkish terms the original app surfaces.
type errorBanner struct{}

var errorWords = []string{"error", "failed", "failure", "hata", "başarısız", "denied"}

const redRatioThreshold = 0.05

func (errorBanner) Name() string     { return "error_banner" }
func (errorBanner) Describe() string { return "red banner area with error wording" }

func (errorBanner) Match(in Input) (bool, string) {
	if in.After == nil {
		return false, ""
	}
	text := in.Text()
	if text == "" {
		return false, ""
	}
	word := ""
	for _, w := range errorWords {
		if strings.Contains(text, w) {
			word = w
			break
		}
	}
	if word == "" {
		return false, ""
	}
	ratio := redRatio(in.After)
	if ratio <= redRatioThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("red area %.1f%% with %q on screen", ratio*100, word)
}

// blankScreen matches a near-uniform bright screen: content failed to
// render and only the background remains.
type blankScreen struct{}

func (blankScreen) Name() string     { return "blank_screen" }
func (blankScreen) Describe() string { return "near-uniform white screen" }

func (blankScreen) Match(in Input) (bool, string) {
	if in.After == nil {
		return false, ""
	}
	mean, std := luminanceStats(in.After)
	if mean > 245 && std < 8 {
		return true, fmt.Sprintf("blank screen (mean luminance %.0f, stddev %.1f)", mean, std)
	}
	return false, ""
}

// blackScreen matches a dark, empty screen, the same check the
// original applied to recorded frames.
type blackScreen struct{}

func (blackScreen) Name() string     { return "black_screen" }
func (blackScreen) Describe() string { return "near-black screen" }

func (blackScreen) Match(in Input) (bool, string) {
	if in.After == nil {
		return false, ""
	}
	mean, _ := luminanceStats(in.After)
	if mean < 10 {
		return true, fmt.Sprintf("black screen (mean luminance %.1f)", mean)
	}
	return false, ""
}

// httpError matches an HTTP status overlay: a 4xx/5xx code together
// with server-error wording.
type httpError struct{}

var (
	httpCodeRe  = regexp.MustCompile(`\b[45]\d{2}\b`)
	httpPhrases = []string{"not found", "bad gateway", "service unavailable", "forbidden", "internal server", "request timeout", "too many requests", "error"}
)

func (httpError) Name() string     { return "http_error" }
func (httpError) Describe() string { return "HTTP 4xx/5xx overlay" }

func (httpError) Match(in Input) (bool, string) {
	text := in.Text()
	if text == "" {
		return false, ""
	}
	code := httpCodeRe.FindString(text)
	if code == "" {
		return false, ""
	}
	for _, phrase := range httpPhrases {
		if strings.Contains(text, phrase) {
			return true, fmt.Sprintf("HTTP %s with %q on screen", code, phrase)
		}
	}
	return false, ""
}

// =============================================================================
// IMAGE HELPERS
// =============================================================================

// luminanceStats returns the mean and standard deviation of pixel luma
// scaled to 0..255.
func luminanceStats(img image.Image) (mean, std float64) {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			lum := float64((299*r+587*g+114*bl)/1000) / 257
			sum += lum
			sumSq += lum * lum
		}
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// redRatio returns the fraction of strongly red pixels.
func redRatio(img image.Image) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	red := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			r8, g8, b8 := r>>8, g>>8, bl>>8
			if r8 > 150 && g8 < 100 && b8 < 100 {
				red++
			}
		}
	}
	return float64(red) / float64(total)
}
