// Package heatmap renders a foot pressure sample set into a PNG and a
// machine-readable zone summary. Rendering is deterministic: the same
// sample list always produces byte-identical output, which the snapshot
// tests rely on.
package heatmap

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/stridelab/footscan/internal/scan"
)

// Canvas dimensions. The 2:3 ratio roughly matches a foot outline.
const (
	canvasW = 300
	canvasH = 450

	discRadius = 9
)

// Zone boundaries over normalized y. Forefoot is toward y=0.
const (
	forefootMax = 0.33
	midfootMax  = 0.66
)

// Intensity bands for the three-color scale.
const (
	bandLowMax    = 0.4
	bandMediumMax = 0.7
)

var (
	colorLow     = color.NRGBA{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff} // blue
	colorMedium  = color.NRGBA{R: 0xfa, G: 0xcc, B: 0x15, A: 0xff} // yellow
	colorHigh    = color.NRGBA{R: 0xef, G: 0x44, B: 0x44, A: 0xff} // red
	colorOutline = color.NRGBA{R: 0xd4, G: 0xd4, B: 0xd8, A: 0xff}
	colorCanvas  = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// ZoneSummary buckets total sample intensity by normalized y range, as
// percentages of the overall mass.
type ZoneSummary struct {
	Forefoot float64 `json:"forefoot"`
	Midfoot  float64 `json:"midfoot"`
	Heel     float64 `json:"heel"`
}

// RenderResult is the generator output for one side. Fallback is true when
// the input had no samples and the standard distribution was used instead.
type RenderResult struct {
	PNG      []byte
	Zones    ZoneSummary
	Fallback bool
}

// Render draws the heatmap for one side. An empty sample list falls back to
// the standard distribution for that side with the Fallback flag set.
func Render(side scan.FootSide, samples []scan.PressureSample) (*RenderResult, error) {
	res := &RenderResult{}
	if len(samples) == 0 {
		samples = FallbackSamples(side)
		res.Fallback = true
	}

	img := image.NewNRGBA(image.Rect(0, 0, canvasW, canvasH))
	fillCanvas(img)
	drawOutline(img, side)

	overlay := image.NewNRGBA(img.Bounds())
	for _, s := range samples {
		drawDisc(overlay, s)
	}
	xdraw.Draw(img, img.Bounds(), overlay, image.Point{}, xdraw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode heatmap: %w", err)
	}
	res.PNG = buf.Bytes()
	res.Zones = Summarize(samples)
	return res, nil
}

// Summarize buckets intensity mass into forefoot, midfoot and heel
// percentages. An all-zero sample set yields an all-zero summary.
func Summarize(samples []scan.PressureSample) ZoneSummary {
	var fore, mid, heel float64
	for _, s := range samples {
		switch {
		case s.Y < forefootMax:
			fore += s.Intensity
		case s.Y < midfootMax:
			mid += s.Intensity
		default:
			heel += s.Intensity
		}
	}
	total := fore + mid + heel
	if total == 0 {
		return ZoneSummary{}
	}
	return ZoneSummary{
		Forefoot: 100 * fore / total,
		Midfoot:  100 * mid / total,
		Heel:     100 * heel / total,
	}
}

// FallbackSamples is the standard representative distribution used when a
// scan carries no pressure data for a side. Values follow a typical gait
// pattern: heavy heel strike, loaded forefoot, light midfoot.
func FallbackSamples(side scan.FootSide) []scan.PressureSample {
	mirror := func(x float64) float64 {
		if side == scan.SideLeft {
			return 1 - x
		}
		return x
	}
	return []scan.PressureSample{
		{X: mirror(0.35), Y: 0.12, Intensity: 0.62},
		{X: mirror(0.55), Y: 0.10, Intensity: 0.71},
		{X: mirror(0.70), Y: 0.16, Intensity: 0.55},
		{X: mirror(0.30), Y: 0.24, Intensity: 0.48},
		{X: mirror(0.60), Y: 0.28, Intensity: 0.44},
		{X: mirror(0.42), Y: 0.48, Intensity: 0.22},
		{X: mirror(0.55), Y: 0.55, Intensity: 0.18},
		{X: mirror(0.48), Y: 0.78, Intensity: 0.82},
		{X: mirror(0.40), Y: 0.86, Intensity: 0.90},
		{X: mirror(0.55), Y: 0.88, Intensity: 0.85},
	}
}

// intensityColor maps an intensity to the three-band scale.
func intensityColor(intensity float64) color.NRGBA {
	switch {
	case intensity < bandLowMax:
		return colorLow
	case intensity < bandMediumMax:
		return colorMedium
	default:
		return colorHigh
	}
}

func fillCanvas(img *image.NRGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetNRGBA(x, y, colorCanvas)
		}
	}
}

// drawDisc fills a solid circle at the sample's normalized coordinate.
func drawDisc(img *image.NRGBA, s scan.PressureSample) {
	cx := int(s.X * float64(canvasW-1))
	cy := int(s.Y * float64(canvasH-1))
	c := intensityColor(s.Intensity)
	for dy := -discRadius; dy <= discRadius; dy++ {
		for dx := -discRadius; dx <= discRadius; dx++ {
			if dx*dx+dy*dy > discRadius*discRadius {
				continue
			}
			x, y := cx+dx, cy+dy
			if x < 0 || x >= canvasW || y < 0 || y >= canvasH {
				continue
			}
			img.SetNRGBA(x, y, c)
		}
	}
}

// drawOutline paints a light foot silhouette: a forefoot ellipse, a heel
// ellipse and a connecting midfoot band, mirrored for the left side.
func drawOutline(img *image.NRGBA, side scan.FootSide) {
	inEllipse := func(x, y, cx, cy, rx, ry float64) bool {
		dx := (x - cx) / rx
		dy := (y - cy) / ry
		return dx*dx+dy*dy <= 1
	}
	for py := 0; py < canvasH; py++ {
		for px := 0; px < canvasW; px++ {
			// Normalized coordinates with the right foot as reference.
			x := float64(px) / float64(canvasW-1)
			if side == scan.SideLeft {
				x = 1 - x
			}
			y := float64(py) / float64(canvasH-1)

			inside := inEllipse(x, y, 0.50, 0.18, 0.32, 0.17) || // forefoot
				inEllipse(x, y, 0.48, 0.84, 0.22, 0.13) || // heel
				(y >= 0.18 && y <= 0.84 && x >= 0.34 && x <= 0.70) // midfoot band
			if inside {
				img.SetNRGBA(px, py, colorOutline)
			}
		}
	}
}
