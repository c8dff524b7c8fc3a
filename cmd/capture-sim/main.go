// Command capture-sim drives the capture guidance controller from synthetic
// accelerometer and camera streams, so the device-side state machine can be
// exercised end to end without hardware. It prints each guidance change and
// the final image set, and optionally posts the set to a running scan
// service.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/stridelab/footscan/internal/capture"
	"github.com/stridelab/footscan/internal/config"
	"github.com/stridelab/footscan/internal/frame"
	"github.com/stridelab/footscan/internal/motion"
	"github.com/stridelab/footscan/internal/timeutil"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to scanner config JSON")
	serverURL  = flag.String("server", "", "Scan service base URL; when set, the finalized set is uploaded")
	patientID  = flag.String("patient", "sim-patient", "Patient id for the upload")
	shaky      = flag.Bool("shaky", false, "Inject motion bursts between positions")
	seed       = flag.Int64("seed", 1, "Noise seed")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	rng := rand.New(rand.NewSource(*seed))

	clock := timeutil.NewMockClock(time.Now())
	detector := motion.NewDetector(cfg.GetStabilityWindowSize(), cfg.GetStabilityVarianceLimit(), cfg.GetStabilityDwell(), clock)
	validator := frame.NewValidator(frame.Config{
		SkinBandLow:       cfg.GetSkinBandLow(),
		SkinBandHigh:      cfg.GetSkinBandHigh(),
		SkinRatioMin:      cfg.GetSkinRatioMin(),
		AspectRatioMin:    cfg.GetAspectRatioMin(),
		AspectRatioMax:    cfg.GetAspectRatioMax(),
		FootHintThreshold: cfg.GetFootHintThreshold(),
	})

	var finalized []string
	shots := 0
	ctrl, err := capture.NewController(cfg.GetCapturePositions(),
		func(position string) (string, error) {
			shots++
			return fmt.Sprintf("sim://frames/%02d-%s.jpg", shots, position), nil
		},
		func(imageRefs []string) { finalized = imageRefs },
	)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	footFrame := validator.Validate(syntheticFootImage())
	log.Printf("Synthetic frame: detected=%v confidence=%.2f quality=%s hint=%s",
		footFrame.FootDetected, footFrame.Confidence, footFrame.Quality, footFrame.FootHint)

	lastGuidance := ""
	report := func() {
		snap := ctrl.Snapshot()
		if snap.Guidance != lastGuidance {
			lastGuidance = snap.Guidance
			log.Printf("[%s] %s", snap.Phase, snap.Guidance)
		}
	}

	// Sensor loop: steady readings with occasional bursts when -shaky.
	for tick := 0; finalized == nil && tick < 5000; tick++ {
		noise := 0.001
		if *shaky && tick%40 < 6 {
			noise = 0.8
		}
		s := motion.Sample{
			X:  rng.NormFloat64() * noise,
			Y:  rng.NormFloat64() * noise,
			Z:  9.81 + rng.NormFloat64()*noise,
			At: clock.Now(),
		}
		clock.Advance(50 * time.Millisecond)

		if err := ctrl.ObserveStability(detector.Push(s)); err != nil {
			break
		}
		// Camera refreshes at a quarter of the sensor rate.
		if tick%4 == 0 {
			if err := ctrl.ObserveFrame(footFrame); err != nil {
				break
			}
		}
		report()
	}

	if finalized == nil {
		log.Fatal("Session never finalized; raise the tick limit or steady the signal")
	}
	log.Printf("Session done: %d images", len(finalized))
	for i, ref := range finalized {
		log.Printf("  %d: %s", i+1, ref)
	}

	if *serverURL != "" {
		upload(*serverURL, *patientID, finalized)
	}
}

func upload(base, patient string, refs []string) {
	body, err := json.Marshal(map[string]any{"patient_id": patient, "image_refs": refs})
	if err != nil {
		log.Fatalf("Failed to marshal upload: %v", err)
	}
	resp, err := http.Post(base+"/api/scans", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Upload failed: %v", err)
	}
	defer resp.Body.Close()
	log.Printf("Upload response: %s", resp.Status)
}

// syntheticFootImage builds a frame that passes validation: a skin-toned
// block over a dark background at a 1.33 aspect ratio.
func syntheticFootImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	bg := color.RGBA{R: 20, G: 20, B: 24, A: 255}
	skin := color.RGBA{R: 150, G: 150, B: 150, A: 255}
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			if x >= 80 && x < 240 && y >= 30 && y < 210 {
				img.Set(x, y, skin)
			} else {
				img.Set(x, y, bg)
			}
		}
	}
	// Round-trip through PNG so the decode path gets exercised too.
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return img
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		return img
	}
	return decoded
}
