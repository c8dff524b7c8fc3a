// Package motion classifies a stream of accelerometer samples as stable or
// moving so the capture controller knows when the device is held still.
package motion

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/stridelab/footscan/internal/timeutil"
)

// State is the tri-state output of the detector. Before the sample window
// fills the state is Unknown and must not be treated as stable.
type State int

const (
	StateUnknown State = iota
	StateMoving
	StateStable
)

func (s State) String() string {
	switch s {
	case StateMoving:
		return "moving"
	case StateStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Sample is one 3-axis acceleration reading.
type Sample struct {
	X, Y, Z float64
	At      time.Time
}

// Magnitude returns the euclidean norm of the acceleration vector.
func (s Sample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Detector keeps a rolling window of sample magnitudes and reports Stable
// once the windowed variance has stayed below the limit for the dwell time.
// The window itself is the debounce: a single outlier moves the variance,
// not the state, and a stable state is only revoked when the windowed
// variance exceeds the limit.
//
// Detector is safe for concurrent use; the sensor producer calls Push while
// the capture controller polls State.
type Detector struct {
	mu            sync.Mutex
	window        []float64
	next          int
	filled        bool
	varianceLimit float64
	dwell         time.Duration
	clock         timeutil.Clock

	calmSince  time.Time // zero when variance is above limit
	noisyCount int       // consecutive over-limit windows while stable
	state      State
}

// revokeSamples is how many consecutive over-limit windows it takes to
// revoke an established stable state. One noisy sample never flips it.
const revokeSamples = 3

// NewDetector creates a Detector with the given window size, variance limit
// and dwell duration. A nil clock falls back to the real clock.
func NewDetector(windowSize int, varianceLimit float64, dwell time.Duration, clock timeutil.Clock) *Detector {
	if windowSize < 2 {
		windowSize = 2
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Detector{
		window:        make([]float64, windowSize),
		varianceLimit: varianceLimit,
		dwell:         dwell,
		clock:         clock,
		state:         StateUnknown,
	}
}

// Push feeds one sample into the rolling window and returns the resulting
// state.
func (d *Detector) Push(s Sample) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window[d.next] = s.Magnitude()
	d.next = (d.next + 1) % len(d.window)
	if d.next == 0 {
		d.filled = true
	}

	if !d.filled {
		d.state = StateUnknown
		return d.state
	}

	variance := stat.Variance(d.window, nil)
	now := d.clock.Now()

	if variance > d.varianceLimit {
		d.calmSince = time.Time{}
		if d.state == StateStable {
			d.noisyCount++
			if d.noisyCount < revokeSamples {
				return d.state
			}
		}
		d.noisyCount = 0
		d.state = StateMoving
		return d.state
	}

	d.noisyCount = 0
	if d.calmSince.IsZero() {
		d.calmSince = now
	}
	if now.Sub(d.calmSince) >= d.dwell {
		d.state = StateStable
	} else if d.state != StateStable {
		d.state = StateMoving
	}
	return d.state
}

// State returns the most recent classification without consuming a sample.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset clears the window and returns the detector to Unknown, for use
// when a capture session restarts.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = 0
	d.filled = false
	d.calmSince = time.Time{}
	d.noisyCount = 0
	d.state = StateUnknown
}
