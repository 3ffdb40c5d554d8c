// Package screenshot captures pages, validates the result, assigns
// deterministic filenames, persists PNGs, and publishes stable URLs.
package screenshot

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png" // register PNG decoder
	"math"
)

// Validation thresholds. A capture failing any of these is rejected and the
// next fallback strategy runs.
const (
	minBytes     = 1024
	minDimension = 100

	// nearWhiteChannel is the per-channel floor above which a pixel counts
	// as near-white, on the 8-bit scale.
	nearWhiteChannel = 240

	// maxWhiteRatio rejects captures where at least this share of sampled
	// pixels is near-white.
	maxWhiteRatio = 0.95

	// minColorStdDev rejects captures whose sampled channel values have
	// less spread than this, in 8-bit channel units.
	minColorStdDev = 10.0

	whiteSampleStride    = 10
	varianceSampleStride = 20
)

// Validation is the outcome of inspecting a capture.
type Validation struct {
	Width  int
	Height int

	// WhiteRatio is the share of sampled pixels that are near-white.
	WhiteRatio float64

	// ColorStdDev is the standard deviation of sampled channel values.
	ColorStdDev float64

	// Quality is a [0,1] score derived from content coverage and spread.
	Quality float64
}

// Validate decodes and samples the capture. A non-nil error names the
// reject reason; the Validation is returned alongside when sampling ran.
func Validate(data []byte) (*Validation, error) {
	if len(data) < minBytes {
		return nil, fmt.Errorf("capture too small: %d bytes", len(data))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < minDimension || height < minDimension {
		return nil, fmt.Errorf("capture too small: %dx%d", width, height)
	}

	v := &Validation{Width: width, Height: height}
	v.WhiteRatio = whiteRatio(img)
	v.ColorStdDev = colorStdDev(img)
	v.Quality = quality(v.WhiteRatio, v.ColorStdDev)

	if v.WhiteRatio >= maxWhiteRatio {
		return v, fmt.Errorf("capture is %.0f%% near-white", v.WhiteRatio*100)
	}
	if v.ColorStdDev < minColorStdDev {
		return v, fmt.Errorf("capture has no color variance (stddev %.1f)", v.ColorStdDev)
	}
	return v, nil
}

// whiteRatio samples a strided grid and reports the near-white share.
func whiteRatio(img image.Image) float64 {
	bounds := img.Bounds()
	var total, white int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += whiteSampleStride {
		for x := bounds.Min.X; x < bounds.Max.X; x += whiteSampleStride {
			r, g, b, _ := img.At(x, y).RGBA()
			total++
			if r>>8 > nearWhiteChannel && g>>8 > nearWhiteChannel && b>>8 > nearWhiteChannel {
				white++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(white) / float64(total)
}

// colorStdDev samples a coarser grid and computes the standard deviation
// across all sampled channel values.
func colorStdDev(img image.Image) float64 {
	bounds := img.Bounds()
	var sum, sumSq float64
	var n int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += varianceSampleStride {
		for x := bounds.Min.X; x < bounds.Max.X; x += varianceSampleStride {
			r, g, b, _ := img.At(x, y).RGBA()
			for _, c := range [3]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8)} {
				sum += c
				sumSq += c * c
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// quality maps the sampled signals onto [0,1]: full marks need both real
// content coverage and healthy color spread.
func quality(whiteRatio, stdDev float64) float64 {
	coverage := 1 - whiteRatio
	spread := stdDev / 64
	if spread > 1 {
		spread = 1
	}
	q := coverage*0.5 + spread*0.5
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}
