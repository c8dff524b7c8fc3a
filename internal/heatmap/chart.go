package heatmap

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ZoneChart renders a side-by-side bar chart of the two feet's zone
// percentages as a PNG, the report companion to the heatmap images.
func ZoneChart(left, right ZoneSummary) ([]byte, error) {
	p := plot.New()
	p.Title.Text = "Pressure Distribution by Zone"
	p.Y.Label.Text = "Share of total pressure (%)"
	p.Y.Min = 0
	p.Y.Max = 100

	w := vg.Points(24)

	leftBars, err := plotter.NewBarChart(plotter.Values{left.Forefoot, left.Midfoot, left.Heel}, w)
	if err != nil {
		return nil, fmt.Errorf("failed to build left bars: %w", err)
	}
	leftBars.Color = color.NRGBA{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff}
	leftBars.Offset = -w / 2

	rightBars, err := plotter.NewBarChart(plotter.Values{right.Forefoot, right.Midfoot, right.Heel}, w)
	if err != nil {
		return nil, fmt.Errorf("failed to build right bars: %w", err)
	}
	rightBars.Color = color.NRGBA{R: 0xef, G: 0x44, B: 0x44, A: 0xff}
	rightBars.Offset = w / 2

	p.Add(leftBars, rightBars)
	p.Legend.Add("left", leftBars)
	p.Legend.Add("right", rightBars)
	p.Legend.Top = true
	p.NominalX("forefoot", "midfoot", "heel")

	wt, err := p.WriterTo(5*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to render zone chart: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write zone chart: %w", err)
	}
	return buf.Bytes(), nil
}
