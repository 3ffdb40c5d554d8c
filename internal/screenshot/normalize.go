package screenshot

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// maxSide bounds the longer edge of a persisted screenshot. Full-page
// captures of long documents can run to tens of thousands of pixels;
// clients get a scaled copy instead.
const maxSide = 4000

// Normalize downscales a capture whose longer edge exceeds maxSide,
// preserving aspect ratio. Captures within bounds pass through untouched,
// as does anything that fails to re-encode.
func Normalize(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	longer := max(width, height)
	if longer <= maxSide {
		return data
	}

	scale := float64(maxSide) / float64(longer)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(width)*scale), int(float64(height)*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return data
	}
	return buf.Bytes()
}

// decodedSize reports a capture's pixel dimensions.
func decodedSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
