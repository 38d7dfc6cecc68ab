package simmap

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

// renderOverlay blends one token's patch signals over the page image as an
// alpha heatmap and encodes the result as PNG. The signal vector is laid out
// as a square patch grid, matching the embedding model's image tiling.
func renderOverlay(src image.Image, signals []float64) ([]byte, error) {
	side := int(math.Sqrt(float64(len(signals))))
	if side < 1 {
		return nil, fmt.Errorf("no patch signals")
	}

	lo, hi := signals[0], signals[0]
	for _, v := range signals {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	// Heat grid at patch resolution: red with alpha proportional to the
	// normalized signal.
	grid := image.NewNRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			v := (signals[y*side+x] - lo) / span
			grid.SetNRGBA(x, y, color.NRGBA{R: 255, A: uint8(v * 180)})
		}
	}

	bounds := src.Bounds()
	heat := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.ApproxBiLinear.Scale(heat, heat.Bounds(), grid, grid.Bounds(), xdraw.Over, nil)

	blended := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(blended, blended.Bounds(), src, bounds.Min, draw.Src)
	draw.Draw(blended, blended.Bounds(), heat, image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, blended); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}
