package signature

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
)

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func fragments(words ...string) []ocr.Fragment {
	frags := make([]ocr.Fragment, len(words))
	for i, w := range words {
		frags[i] = ocr.Fragment{Text: w, Confidence: 0.9}
	}
	return frags
}

func TestCrashDialogSignature(t *testing.T) {
	d := DefaultDetector()
	in := Input{
		After:     uniform(50, 50, color.RGBA{240, 240, 240, 255}),
		Fragments: fragments("Unfortunately,", "MyApp", "has", "stopped"),
	}

	hits := d.Detect(in)
	found := false
	for _, h := range hits {
		if h.Name == "crash_dialog" {
			found = true
			if !strings.Contains(h.Detail, "has stopped") {
				t.Errorf("detail %q should name the phrase", h.Detail)
			}
		}
	}
	if !found {
		t.Errorf("crash_dialog not detected, hits: %v", hits)
	}
}

func TestErrorBannerNeedsRedAndWording(t *testing.T) {
	redScreen := uniform(50, 50, color.RGBA{230, 30, 30, 255})
	calmScreen := uniform(50, 50, color.RGBA{250, 250, 250, 255})

	cases := []struct {
		name  string
		in    Input
		match bool
	}{
		{"red with error word", Input{After: redScreen, Fragments: fragments("Login", "failed")}, true},
		{"red with turkish error word", Input{After: redScreen, Fragments: fragments("Giriş", "başarısız")}, true},
		{"red without wording", Input{After: redScreen, Fragments: fragments("Welcome")}, false},
		{"wording without red", Input{After: calmScreen, Fragments: fragments("error")}, false},
		{"no image", Input{Fragments: fragments("error")}, false},
	}

	var banner errorBanner
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := banner.Match(tc.in)
			if got != tc.match {
				t.Errorf("Match = %v, want %v", got, tc.match)
			}
		})
	}
}

func TestBlankAndBlackScreens(t *testing.T) {
	d := DefaultDetector()

	white := d.Detect(Input{After: uniform(60, 60, color.RGBA{255, 255, 255, 255})})
	if !containsHit(white, "blank_screen") {
		t.Errorf("white screen should match blank_screen, got %v", white)
	}

	black := d.Detect(Input{After: uniform(60, 60, color.RGBA{2, 2, 2, 255})})
	if !containsHit(black, "black_screen") {
		t.Errorf("black screen should match black_screen, got %v", black)
	}

	normal := d.Detect(Input{After: uniform(60, 60, color.RGBA{120, 140, 180, 255}), Fragments: fragments("Home")})
	if len(normal) != 0 {
		t.Errorf("ordinary screen matched %v", normal)
	}
}

func TestHTTPErrorSignature(t *testing.T) {
	var sig httpError

	if ok, detail := sig.Match(Input{Fragments: fragments("404", "Not", "Found")}); !ok {
		t.Error("404 + not found should match")
	} else if !strings.Contains(detail, "404") {
		t.Errorf("detail %q should carry the code", detail)
	}

	if ok, _ := sig.Match(Input{Fragments: fragments("Order", "#502", "shipped")}); ok {
		t.Error("a number alone should not match without error wording")
	}

	if ok, _ := sig.Match(Input{Fragments: fragments("Service", "Unavailable")}); ok {
		t.Error("wording alone without a status code should not match")
	}
}

type customSig struct{ hits int }

func (c *customSig) Name() string     { return "spinner_stuck" }
func (c *customSig) Describe() string { return "loading spinner still on screen" }
func (c *customSig) Match(in Input) (bool, string) {
	c.hits++
	return strings.Contains(in.Text(), "loading"), "spinner text present"
}

func TestRegistryIsOpen(t *testing.T) {
	d := DefaultDetector()
	sig := &customSig{}
	d.Register(sig)

	hits := d.Detect(Input{Fragments: fragments("Loading...")})
	if !containsHit(hits, "spinner_stuck") {
		t.Errorf("registered signature not consulted, hits: %v", hits)
	}
	if sig.hits != 1 {
		t.Errorf("custom signature ran %d times, want 1", sig.hits)
	}
}

func TestDetectHandlesEmptyInput(t *testing.T) {
	d := DefaultDetector()
	if hits := d.Detect(Input{}); len(hits) != 0 {
		t.Errorf("empty input matched %v", hits)
	}
}

func containsHit(hits []model.SignatureHit, name string) bool {
	for _, h := range hits {
		if h.Name == name {
			return true
		}
	}
	return false
}
