package heatmap

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/stridelab/footscan/internal/scan"
)

func testSamples() []scan.PressureSample {
	return []scan.PressureSample{
		{X: 0.4, Y: 0.1, Intensity: 0.3},
		{X: 0.5, Y: 0.5, Intensity: 0.5},
		{X: 0.5, Y: 0.85, Intensity: 0.9},
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	a, err := Render(scan.SideLeft, testSamples())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, err := Render(scan.SideLeft, testSamples())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(a.PNG, b.PNG) {
		t.Fatal("identical sample sets rendered different bytes")
	}
}

func TestRenderProducesDecodablePNG(t *testing.T) {
	res, err := Render(scan.SideRight, testSamples())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(res.PNG))
	if err != nil {
		t.Fatalf("output is not valid png: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != canvasW || bounds.Dy() != canvasH {
		t.Fatalf("canvas = %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), canvasW, canvasH)
	}
	if res.Fallback {
		t.Fatal("Fallback set for real samples")
	}
}

func TestRenderEmptyUsesFallback(t *testing.T) {
	res, err := Render(scan.SideLeft, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !res.Fallback {
		t.Fatal("Fallback flag not set for empty input")
	}
	if res.Zones == (ZoneSummary{}) {
		t.Fatal("fallback distribution produced an empty zone summary")
	}

	// The fallback render itself must also be deterministic.
	again, err := Render(scan.SideLeft, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(res.PNG, again.PNG) {
		t.Fatal("fallback render not deterministic")
	}
}

func TestSidesRenderDifferently(t *testing.T) {
	left, err := Render(scan.SideLeft, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	right, err := Render(scan.SideRight, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if bytes.Equal(left.PNG, right.PNG) {
		t.Fatal("left and right feet rendered identically")
	}
}

func TestSummarizeZones(t *testing.T) {
	samples := []scan.PressureSample{
		{X: 0.5, Y: 0.10, Intensity: 0.5},  // forefoot
		{X: 0.5, Y: 0.50, Intensity: 0.25}, // midfoot
		{X: 0.5, Y: 0.90, Intensity: 0.25}, // heel
	}
	z := Summarize(samples)
	if math.Abs(z.Forefoot-50) > 1e-9 || math.Abs(z.Midfoot-25) > 1e-9 || math.Abs(z.Heel-25) > 1e-9 {
		t.Fatalf("zones = %+v, want 50/25/25", z)
	}
	if total := z.Forefoot + z.Midfoot + z.Heel; math.Abs(total-100) > 1e-9 {
		t.Fatalf("zone total = %f, want 100", total)
	}
}

func TestSummarizeBoundaries(t *testing.T) {
	// y exactly on a boundary belongs to the lower zone.
	z := Summarize([]scan.PressureSample{
		{X: 0.5, Y: 0.33, Intensity: 1},
		{X: 0.5, Y: 0.66, Intensity: 1},
	})
	if z.Forefoot != 0 || z.Midfoot != 50 || z.Heel != 50 {
		t.Fatalf("boundary zones = %+v", z)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if z := Summarize(nil); z != (ZoneSummary{}) {
		t.Fatalf("Summarize(nil) = %+v, want zero", z)
	}
	if z := Summarize([]scan.PressureSample{{X: 0.5, Y: 0.5, Intensity: 0}}); z != (ZoneSummary{}) {
		t.Fatalf("zero-intensity summary = %+v, want zero", z)
	}
}

func TestIntensityColorBands(t *testing.T) {
	if got := intensityColor(0.1); got != colorLow {
		t.Errorf("0.1 -> %v, want low", got)
	}
	if got := intensityColor(0.4); got != colorMedium {
		t.Errorf("0.4 -> %v, want medium (band boundary)", got)
	}
	if got := intensityColor(0.69); got != colorMedium {
		t.Errorf("0.69 -> %v, want medium", got)
	}
	if got := intensityColor(0.7); got != colorHigh {
		t.Errorf("0.7 -> %v, want high (band boundary)", got)
	}
}

func TestZoneChartRenders(t *testing.T) {
	left := ZoneSummary{Forefoot: 40, Midfoot: 15, Heel: 45}
	right := ZoneSummary{Forefoot: 35, Midfoot: 20, Heel: 45}
	out, err := ZoneChart(left, right)
	if err != nil {
		t.Fatalf("ZoneChart: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("chart output is not valid png: %v", err)
	}
}
