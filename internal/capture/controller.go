// Package capture drives a guided capture session: position sequencing,
// combining the stability and frame-validity signals, auto-triggering the
// shutter and emitting guidance text for the UI.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stridelab/footscan/internal/frame"
	"github.com/stridelab/footscan/internal/monitoring"
	"github.com/stridelab/footscan/internal/motion"
)

// Phase is the coarse session phase. During PhasePosition the session also
// carries a position index.
type Phase int

const (
	PhaseSetup Phase = iota
	PhasePosition
	PhaseDone
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhasePosition:
		return "position"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Action is what the transition function asks the controller to do next.
type Action int

const (
	ActionNone Action = iota
	ActionCapture
	ActionFinalize
)

// CaptureFunc fires the camera shutter for the named position and returns a
// reference to the stored image. It is the only operation allowed to suspend
// the controller.
type CaptureFunc func(position string) (string, error)

// FinalizeFunc receives the full ordered image set when the session reaches
// done. Called at most once per session run.
type FinalizeFunc func(imageRefs []string)

// ErrSessionOver is returned by Observe calls after done or cancel.
var ErrSessionOver = errors.New("capture session is no longer active")

// Snapshot is a read-only view of the session for the UI.
type Snapshot struct {
	Phase      Phase
	Position   string // current position name, empty outside PhasePosition
	Index      int    // 0-based position index, -1 outside PhasePosition
	Captured   []string
	Stability  motion.State
	FootValid  bool
	Confidence float64
	Guidance   string
}

// Controller is a single-threaded consumer of the two signal producers. It
// never blocks waiting for a sample; each Observe call acts on the latest
// known values. While a capture is in flight, new trigger conditions are
// ignored so a sustained stable+valid signal cannot double-capture.
type Controller struct {
	mu        sync.Mutex
	positions []string
	capture   CaptureFunc
	finalize  FinalizeFunc

	phase      Phase
	gen        uint64 // bumped by Restart and Cancel to invalidate in-flight captures
	idx        int
	captured   []string
	stability  motion.State
	footValid  bool
	confidence float64
	inFlight   bool
	armed      bool
	lastErr    string
}

// NewController creates a session over the given ordered positions. The
// first position is entered only after the device first reports stable.
func NewController(positions []string, capture CaptureFunc, finalize FinalizeFunc) (*Controller, error) {
	if len(positions) == 0 {
		return nil, errors.New("capture session needs at least one position")
	}
	if capture == nil {
		return nil, errors.New("capture function is required")
	}
	return &Controller{
		positions: positions,
		capture:   capture,
		finalize:  finalize,
		phase:     PhaseSetup,
		idx:       -1,
		stability: motion.StateUnknown,
	}, nil
}

// ObserveStability feeds the latest stability classification.
func (c *Controller) ObserveStability(s motion.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseDone || c.phase == PhaseCancelled {
		return ErrSessionOver
	}
	c.stability = s
	c.step()
	return nil
}

// ObserveFrame feeds the latest frame validation result.
func (c *Controller) ObserveFrame(r frame.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseDone || c.phase == PhaseCancelled {
		return ErrSessionOver
	}
	c.footValid = r.FootDetected
	c.confidence = r.Confidence
	c.step()
	return nil
}

// step applies the pure transition function to the latest signals and
// executes the resulting action. Must be called with c.mu held.
func (c *Controller) step() {
	next, action := Transition(c.phase, c.idx, len(c.positions), c.stability, c.footValid)

	switch action {
	case ActionCapture:
		if c.inFlight || !c.armed {
			return
		}
		c.fireCapture()
		return
	case ActionFinalize:
		// Reached only through fireCapture advancing past the last
		// position; nothing to do here.
	}

	if next != c.phase || (next == PhasePosition && c.idx < 0) {
		if c.phase == PhaseSetup && next == PhasePosition {
			c.idx = 0
			c.armed = true
			monitoring.Logf("[capture] setup complete, starting position %q", c.positions[0])
		}
		c.phase = next
	}

	// Losing either trigger condition re-arms the position so the next
	// stable+valid epoch may fire exactly one capture.
	if c.phase == PhasePosition && !(c.stability == motion.StateStable && c.footValid) {
		c.armed = true
	}
}

// fireCapture runs the shutter with the lock dropped. The in-flight guard
// stays set for the duration so concurrent Observe calls cannot re-trigger.
func (c *Controller) fireCapture() {
	pos := c.positions[c.idx]
	gen := c.gen
	c.inFlight = true
	c.armed = false
	c.mu.Unlock()

	ref, err := c.capture(pos)

	c.mu.Lock()
	if c.gen != gen {
		// The session was cancelled or restarted while the shutter ran;
		// the frame belongs to the abandoned run and is discarded.
		monitoring.Logf("[capture] discarding stale capture of %q", pos)
		return
	}
	c.inFlight = false
	if err != nil {
		// Shutter errors are retryable: the session stays on this
		// position and re-triggers after the next loss and regain.
		c.lastErr = fmt.Sprintf("Capture failed, hold position and try again (%v)", err)
		monitoring.Logf("[capture] shutter error at %q: %v", pos, err)
		return
	}
	c.lastErr = ""
	c.captured = append(c.captured, ref)
	monitoring.Logf("[capture] captured %q (%d/%d)", pos, len(c.captured), len(c.positions))

	c.idx++
	if c.idx >= len(c.positions) {
		c.phase = PhaseDone
		c.idx = -1
		if c.finalize != nil {
			refs := make([]string, len(c.captured))
			copy(refs, c.captured)
			c.finalize(refs)
		}
		return
	}
	c.armed = true
}

// Transition is the pure state-transition function. It has no side effects
// and no dependency on hardware, so guidance behavior is re-derivable in
// tests from signal values alone.
func Transition(phase Phase, idx, total int, stability motion.State, footValid bool) (Phase, Action) {
	switch phase {
	case PhaseSetup:
		if stability == motion.StateStable {
			return PhasePosition, ActionNone
		}
		return PhaseSetup, ActionNone
	case PhasePosition:
		if stability == motion.StateStable && footValid {
			if idx == total-1 {
				return PhasePosition, ActionCapture // last capture then done
			}
			return PhasePosition, ActionCapture
		}
		return PhasePosition, ActionNone
	case PhaseDone:
		return PhaseDone, ActionFinalize
	default:
		return phase, ActionNone
	}
}

// Guidance renders the user-facing instruction for a state and signal pair.
// Stability outranks validity: when both conditions fail the message talks
// about holding still.
func Guidance(phase Phase, position string, stability motion.State, footValid bool) string {
	switch phase {
	case PhaseSetup:
		return "Hold the phone steady to begin"
	case PhasePosition:
		if stability != motion.StateStable {
			return fmt.Sprintf("Hold still for the %s view", position)
		}
		if !footValid {
			return fmt.Sprintf("Keep your foot fully in frame for the %s view", position)
		}
		return fmt.Sprintf("Capturing %s view, keep holding", position)
	case PhaseDone:
		return "All positions captured"
	case PhaseCancelled:
		return "Session cancelled"
	default:
		return ""
	}
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Phase:      c.phase,
		Index:      c.idx,
		Captured:   append([]string(nil), c.captured...),
		Stability:  c.stability,
		FootValid:  c.footValid,
		Confidence: c.confidence,
	}
	if c.phase == PhasePosition && c.idx >= 0 {
		snap.Position = c.positions[c.idx]
	}
	if c.lastErr != "" {
		snap.Guidance = c.lastErr
	} else {
		snap.Guidance = Guidance(c.phase, snap.Position, c.stability, c.footValid)
	}
	return snap
}

// Restart resets the session to setup and drops all captured frames.
func (c *Controller) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.phase = PhaseSetup
	c.idx = -1
	c.captured = nil
	c.armed = false
	c.inFlight = false
	c.lastErr = ""
	c.stability = motion.StateUnknown
	c.footValid = false
	c.confidence = 0
	monitoring.Logf("[capture] session restarted")
}

// Cancel abandons the session. Nothing has been uploaded, so cancellation
// has no server-side effect.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseDone {
		return
	}
	c.gen++
	c.phase = PhaseCancelled
	monitoring.Logf("[capture] session cancelled with %d captured", len(c.captured))
}
