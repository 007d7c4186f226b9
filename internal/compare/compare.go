// Package compare scores the visual difference between a before/after
// screenshot pair. The measure is a normalized changed-pixel ratio over
// luminance with a per-pixel noise tolerance, so anti-aliasing and
// sub-pixel rendering shifts do not register as change. Comparison is
// side-effect-free and deterministic for identical input bytes.
package compare

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// DefaultNoiseTolerance is the per-pixel luminance delta (out of 255)
// ignored as rendering noise. Screenshots of the same screen taken
// milliseconds apart routinely differ by a few counts per channel.
const DefaultNoiseTolerance = 16

// Comparator computes pixel-diff scores. The zero value is not usable;
// call New.
type Comparator struct {
	noiseTolerance int
}

// New returns a Comparator with the given per-pixel noise tolerance.
// Values outside [0,255] fall back to the default.
func New(noiseTolerance int) *Comparator {
	if noiseTolerance < 0 || noiseTolerance > 255 {
		noiseTolerance = DefaultNoiseTolerance
	}
	return &Comparator{noiseTolerance: noiseTolerance}
}

// Compare scores the difference between two encoded images. Score 0
// means identical, 1 maximally different. A dimension or decode
// mismatch yields Incomparable instead of an error so the aggregator
// can treat it as an uncertain signal. An optional region restricts
// scoring to that rectangle of the pair.
func (c *Comparator) Compare(before, after []byte, region *model.Region) model.DiffResult {
	timer := logging.StartTimer(logging.CategoryCompare, "pixel diff")
	defer timer.Stop()

	if bytes.Equal(before, after) {
		return model.DiffResult{Score: 0, Region: region}
	}

	beforeImg, err := Decode(before)
	if err != nil {
		return model.DiffResult{Incomparable: true, Detail: fmt.Sprintf("decode before image: %v", err)}
	}
	afterImg, err := Decode(after)
	if err != nil {
		return model.DiffResult{Incomparable: true, Detail: fmt.Sprintf("decode after image: %v", err)}
	}

	bb, ab := beforeImg.Bounds(), afterImg.Bounds()
	if bb.Dx() != ab.Dx() || bb.Dy() != ab.Dy() {
		return model.DiffResult{
			Incomparable: true,
			Detail:       fmt.Sprintf("dimension mismatch %dx%d vs %dx%d", bb.Dx(), bb.Dy(), ab.Dx(), ab.Dy()),
		}
	}

	window := image.Rect(0, 0, bb.Dx(), bb.Dy())
	if region != nil {
		window = window.Intersect(image.Rect(region.X, region.Y, region.X+region.W, region.Y+region.H))
		if window.Empty() {
			return model.DiffResult{
				Incomparable: true,
				Detail:       fmt.Sprintf("region %s outside image bounds %dx%d", region, bb.Dx(), bb.Dy()),
				Region:       region,
			}
		}
	}

	changed, total := 0, window.Dx()*window.Dy()
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			lb := luminanceAt(beforeImg, bb.Min.X+x, bb.Min.Y+y)
			la := luminanceAt(afterImg, ab.Min.X+x, ab.Min.Y+y)
			if delta(lb, la) > c.noiseTolerance {
				changed++
			}
		}
	}

	score := float64(changed) / float64(total)
	logging.CompareDebug("diff score=%.4f changed=%d/%d window=%v", score, changed, total, window)
	return model.DiffResult{Score: score, Region: region}
}

// Decode decodes an encoded screenshot (PNG or JPEG).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// luminanceAt returns the Rec. 601 luma of the pixel, scaled to 0..255.
func luminanceAt(img image.Image, x, y int) int {
	r, g, b, _ := img.At(x, y).RGBA()
	// RGBA returns 16-bit channels; weight then shift back to 8-bit.
	return int((299*r + 587*g + 114*b) / 1000 >> 8)
}

func delta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
