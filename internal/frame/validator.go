// Package frame scores captured still images for foot presence, alignment
// quality and image quality using pixel-level heuristics. No trained model
// is involved; the thresholds are calibrated for handheld phone captures
// under indoor lighting.
package frame

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

// Quality buckets a frame's usability for analysis.
type Quality string

const (
	QualityPoor       Quality = "poor"
	QualityAcceptable Quality = "acceptable"
	QualityGood       Quality = "good"
	QualityError      Quality = "error"
)

// FootType is a coarse shape hint derived from brightness sub-band mass.
// It is a rough heuristic label to seed the guidance UI, not a diagnosis.
type FootType string

const (
	FootFlat     FootType = "flat"
	FootHighArch FootType = "high_arch"
	FootNormal   FootType = "normal"
)

// Result is the validator's verdict on one frame.
type Result struct {
	FootDetected bool
	Confidence   float64 // [0,1]
	Quality      Quality
	FootHint     FootType // set only when detected with high confidence
	SkinRatio    float64
	AspectRatio  float64
}

// Config carries the validator thresholds. Zero values select the defaults
// documented on each field.
type Config struct {
	SkinBandLow       int     // histogram band start, default 80
	SkinBandHigh      int     // histogram band end (inclusive), default 220
	SkinRatioMin      float64 // detection threshold, default 0.15
	AspectRatioMin    float64 // default 0.6
	AspectRatioMax    float64 // default 1.8
	FootHintThreshold float64 // confidence needed for a shape hint, default 0.6
}

func (c Config) withDefaults() Config {
	if c.SkinBandLow == 0 && c.SkinBandHigh == 0 {
		c.SkinBandLow, c.SkinBandHigh = 80, 220
	}
	if c.SkinRatioMin == 0 {
		c.SkinRatioMin = 0.15
	}
	if c.AspectRatioMin == 0 {
		c.AspectRatioMin = 0.6
	}
	if c.AspectRatioMax == 0 {
		c.AspectRatioMax = 1.8
	}
	if c.FootHintThreshold == 0 {
		c.FootHintThreshold = 0.6
	}
	return c
}

// Validator scores frames against a fixed Config.
type Validator struct {
	cfg Config
}

// NewValidator creates a Validator, filling unset config fields with the
// documented defaults.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// maxAnalysisDim caps the working resolution. Larger frames are downscaled
// with nearest-neighbour so the histogram stays deterministic across
// platforms.
const maxAnalysisDim = 512

// ValidateBytes decodes and scores an encoded image. An undecodable frame
// yields {FootDetected: false, Confidence: 0, Quality: error} with a nil
// error: callers treat it like "no foot detected" and keep guiding.
func (v *Validator) ValidateBytes(data []byte) Result {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{Quality: QualityError}
	}
	return v.Validate(img)
}

// Validate scores a decoded image.
func (v *Validator) Validate(img image.Image) Result {
	img = downscale(img)
	hist, total := brightnessHistogram(img)
	if total == 0 {
		return Result{Quality: QualityError}
	}

	b := img.Bounds()
	res := Result{
		AspectRatio: float64(b.Dx()) / float64(b.Dy()),
	}

	// Skin-tone proxy: mass of the mid-brightness band relative to all
	// pixels. Above the threshold the frame is considered foot-like.
	var bandMass float64
	for i := v.cfg.SkinBandLow; i <= v.cfg.SkinBandHigh && i < len(hist); i++ {
		bandMass += hist[i]
	}
	res.SkinRatio = bandMass / float64(total)
	res.FootDetected = res.SkinRatio > v.cfg.SkinRatioMin

	// Confidence blends the skin score (70%) with an aspect-ratio score
	// (30%): in-range ratios score high, out-of-range ones low.
	skinScore := clamp01(res.SkinRatio / 0.5)
	aspectScore := 0.2
	if res.AspectRatio >= v.cfg.AspectRatioMin && res.AspectRatio <= v.cfg.AspectRatioMax {
		aspectScore = 1.0
	}
	res.Confidence = clamp01(0.7*skinScore + 0.3*aspectScore)

	res.Quality = bucketQuality(hist)

	if res.FootDetected && res.Confidence > v.cfg.FootHintThreshold {
		res.FootHint = classifyFootShape(hist)
	}
	return res
}

// brightnessHistogram builds the 256-bucket luma histogram over all pixels.
func brightnessHistogram(img image.Image) ([256]float64, int) {
	var hist [256]float64
	b := img.Bounds()
	total := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 luma from 16-bit channel values.
			luma := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			if luma > 255 {
				luma = 255
			}
			hist[luma]++
			total++
		}
	}
	return hist, total
}

// bucketQuality classifies image quality from mean brightness and the
// standard deviation of the brightness distribution (a contrast proxy).
func bucketQuality(hist [256]float64) Quality {
	levels := make([]float64, 256)
	weights := make([]float64, 256)
	for i := range hist {
		levels[i] = float64(i)
		weights[i] = hist[i]
	}
	mean := stat.Mean(levels, weights)
	contrast := stat.StdDev(levels, weights)

	switch {
	case mean < 40 || mean > 230 || contrast < 20:
		return QualityPoor
	case mean >= 80 && mean <= 190 && contrast >= 45:
		return QualityGood
	default:
		return QualityAcceptable
	}
}

// classifyFootShape derives a coarse arch hint from the relative mass of
// two brightness sub-bands. Brighter mid-band dominance reads as a flatter
// sole contact patch; darker dominance as a pronounced arch shadow.
func classifyFootShape(hist [256]float64) FootType {
	var lower, upper float64
	for i := 80; i <= 150; i++ {
		lower += hist[i]
	}
	for i := 151; i <= 220; i++ {
		upper += hist[i]
	}
	if lower+upper == 0 {
		return FootNormal
	}
	ratio := upper / (lower + upper)
	switch {
	case ratio > 0.65:
		return FootFlat
	case ratio < 0.35:
		return FootHighArch
	default:
		return FootNormal
	}
}

// downscale bounds the working image to maxAnalysisDim on the long edge.
// Nearest-neighbour keeps the reduction deterministic.
func downscale(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxAnalysisDim && h <= maxAnalysisDim {
		return img
	}
	scale := float64(maxAnalysisDim) / float64(w)
	if h > w {
		scale = float64(maxAnalysisDim) / float64(h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
