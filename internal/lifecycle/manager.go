// Package lifecycle owns the server-side scan state machine. All mutations
// of a scan record flow through the Manager, serialized per scan id, and
// every transition is persisted and published before the call returns.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stridelab/footscan/internal/analyzer"
	"github.com/stridelab/footscan/internal/monitoring"
	"github.com/stridelab/footscan/internal/notify"
	"github.com/stridelab/footscan/internal/scan"
	"github.com/stridelab/footscan/internal/timeutil"
)

// ErrInvalidTransition is returned when a requested transition is not a
// legal lifecycle edge and cannot be resolved as an idempotent duplicate.
var ErrInvalidTransition = errors.New("invalid scan status transition")

// ErrRetryExhausted is returned when a retry request exceeds the retry cap.
var ErrRetryExhausted = errors.New("scan retry limit reached")

// Manager drives scan records from pending to a terminal state. It invokes
// the analyzer asynchronously, arms a watchdog per processing attempt, and
// resolves duplicate or out-of-order callbacks as no-ops.
type Manager struct {
	store      *scan.Store
	analyzer   analyzer.Analyzer
	notifier   *notify.Broadcaster
	clock      timeutil.Clock
	timeout    time.Duration
	maxRetries int

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	attempts map[string]int
	timers   map[string]*watchdogHandle
}

// watchdogHandle pairs a watchdog timer with a channel that releases its
// goroutine when the watchdog is disarmed before firing.
type watchdogHandle struct {
	timer timeutil.Timer
	done  chan struct{}
}

// NewManager wires the manager. A nil clock falls back to the real clock.
func NewManager(store *scan.Store, az analyzer.Analyzer, notifier *notify.Broadcaster, clock timeutil.Clock, timeout time.Duration, maxRetries int) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		store:      store,
		analyzer:   az,
		notifier:   notifier,
		clock:      clock,
		timeout:    timeout,
		maxRetries: maxRetries,
		locks:      make(map[string]*sync.Mutex),
		attempts:   make(map[string]int),
		timers:     make(map[string]*watchdogHandle),
	}
}

// lockFor returns the per-scan mutex, creating it on first use. Transitions
// for different scans never contend.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// CreateScan persists a new pending scan for a finalized image set and
// immediately starts processing it.
func (m *Manager) CreateScan(ctx context.Context, patientID, doctorID string, imageRefs []string) (*scan.ScanRecord, error) {
	if patientID == "" {
		return nil, errors.New("patient id is required")
	}
	if len(imageRefs) == 0 {
		return nil, errors.New("image set is empty")
	}

	now := m.clock.Now()
	rec := &scan.ScanRecord{
		ID:        uuid.New().String(),
		PatientID: patientID,
		DoctorID:  doctorID,
		ImageRefs: imageRefs,
		Status:    scan.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(rec); err != nil {
		return nil, fmt.Errorf("failed to create scan: %w", err)
	}
	monitoring.Logf("[lifecycle] scan %s created for patient %s with %d images", rec.ID, patientID, len(imageRefs))

	if err := m.StartProcessing(ctx, rec.ID); err != nil {
		return nil, err
	}
	return m.store.Get(rec.ID)
}

// StartProcessing moves a pending scan into processing and submits it to
// the analyzer. The submission runs on its own goroutine so upload handling
// never blocks on the analyzer.
func (m *Manager) StartProcessing(ctx context.Context, scanID string) error {
	l := m.lockFor(scanID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.store.Get(scanID)
	if err != nil {
		return err
	}
	if rec.Status == scan.StatusProcessing {
		return nil // duplicate start, already under way
	}
	if err := m.transition(rec, scan.StatusProcessing, "Submitting images for analysis", scan.ErrorNone, rec.RetryCount); err != nil {
		return err
	}
	start := m.clock.Now()
	if err := m.store.SetProcessTimes(scanID, &start, nil); err != nil {
		return err
	}
	m.beginAttempt(scanID, rec.ImageRefs, analyzer.PatientContext{PatientID: rec.PatientID, DoctorID: rec.DoctorID})
	return nil
}

// beginAttempt bumps the attempt counter, arms the watchdog for it and
// fires the analyzer submission asynchronously. A stale watchdog from a
// previous attempt is disarmed by the counter check when it fires.
func (m *Manager) beginAttempt(scanID string, imageRefs []string, pc analyzer.PatientContext) {
	m.mu.Lock()
	m.attempts[scanID]++
	attempt := m.attempts[scanID]
	if h, ok := m.timers[scanID]; ok {
		h.timer.Stop()
		close(h.done)
	}
	h := &watchdogHandle{timer: m.clock.NewTimer(m.timeout), done: make(chan struct{})}
	m.timers[scanID] = h
	m.mu.Unlock()

	go m.watchdog(scanID, attempt, h)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.analyzer.Submit(ctx, scanID, imageRefs, pc); err != nil {
			monitoring.Logf("[lifecycle] analyzer submission for scan %s failed: %v", scanID, err)
			if ferr := m.failScan(scanID, attempt, scan.ErrorAnalyzerFailed, "Analysis service did not accept the scan"); ferr != nil {
				monitoring.Logf("[lifecycle] failed to record submission failure for %s: %v", scanID, ferr)
			}
		}
	}()
}

// watchdog fails the scan with a timeout if its attempt never reaches a
// terminal state before the timer fires.
func (m *Manager) watchdog(scanID string, attempt int, h *watchdogHandle) {
	select {
	case <-h.timer.C():
	case <-h.done:
		return
	}
	if err := m.failScan(scanID, attempt, scan.ErrorTimeout, "Analysis timed out"); err != nil {
		monitoring.Logf("[lifecycle] watchdog for scan %s: %v", scanID, err)
	}
}

// failScan moves a scan to failed if it still belongs to the given attempt
// and is not already terminal. Stale attempts are no-ops.
func (m *Manager) failScan(scanID string, attempt int, et scan.ErrorType, message string) error {
	l := m.lockFor(scanID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	current := m.attempts[scanID]
	m.mu.Unlock()
	if attempt != current {
		return nil
	}

	rec, err := m.store.Get(scanID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if err := m.transition(rec, scan.StatusFailed, message, et, rec.RetryCount); err != nil {
		return err
	}
	finish := m.clock.Now()
	return m.store.SetProcessTimes(scanID, nil, &finish)
}

// HandleProgress applies an analyzer progress callback. The reported stage
// advances the scan through analyzing and generating_model; duplicate or
// out-of-order reports are no-ops.
func (m *Manager) HandleProgress(scanID, stage, message string) error {
	l := m.lockFor(scanID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.store.Get(scanID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	var target scan.Status
	switch stage {
	case "received", "analyzing":
		target = scan.StatusAnalyzing
	case "generating_model":
		target = scan.StatusGeneratingModel
	default:
		// Unknown stages carry progress text only, no transition.
		m.publishProgress(scanID, stage, message)
		return nil
	}

	if rec.Status == target || !scan.CanTransition(rec.Status, target) {
		// Out-of-order or duplicate report. Forward the message, keep state.
		m.publishProgress(scanID, stage, message)
		return nil
	}
	return m.transition(rec, target, message, scan.ErrorNone, rec.RetryCount)
}

// HandleCompletion applies the analyzer's terminal callback. errType
// non-empty marks an analyzer-reported failure; otherwise rawDiagnosis must
// parse as a known payload. Duplicate completions after a terminal state
// are no-ops.
func (m *Manager) HandleCompletion(scanID string, rawDiagnosis []byte, modelAssets []string, errType scan.ErrorType) error {
	l := m.lockFor(scanID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.store.Get(scanID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	m.disarm(scanID)

	if errType != scan.ErrorNone {
		if err := m.transition(rec, scan.StatusFailed, "Analysis failed", errType, rec.RetryCount); err != nil {
			return err
		}
		finish := m.clock.Now()
		return m.store.SetProcessTimes(scanID, nil, &finish)
	}

	payload, perr := scan.ParseDiagnosisPayload(rawDiagnosis)
	if perr != nil {
		monitoring.Logf("[lifecycle] scan %s returned malformed diagnosis: %v", scanID, perr)
		if err := m.transition(rec, scan.StatusFailed, "Analysis result could not be read", scan.ErrorMalformedResult, rec.RetryCount); err != nil {
			return err
		}
		finish := m.clock.Now()
		return m.store.SetProcessTimes(scanID, nil, &finish)
	}

	// Walk the remaining forward edges so no intermediate state is skipped
	// even when the analyzer only reports the terminal callback.
	for _, step := range []scan.Status{scan.StatusAnalyzing, scan.StatusGeneratingModel} {
		if scan.CanTransition(rec.Status, step) {
			if err := m.transition(rec, step, "", scan.ErrorNone, rec.RetryCount); err != nil {
				return err
			}
		}
	}

	now := m.clock.Now()
	if err := m.store.SetDiagnosis(scanID, rawDiagnosis, nil, modelAssets, payload.Pressure, now); err != nil {
		return fmt.Errorf("failed to persist diagnosis for %s: %w", scanID, err)
	}
	if err := m.transition(rec, scan.StatusComplete, payload.Summary, scan.ErrorNone, rec.RetryCount); err != nil {
		return err
	}
	if err := m.store.SetProcessTimes(scanID, nil, &now); err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]any{
		"summary":      payload.Summary,
		"model_assets": modelAssets,
	})
	m.publish(scan.NotificationEvent{ScanID: scanID, Type: scan.EventResult, Payload: result})
	return nil
}

// Retry re-enters processing from failed, reusing the stored image set and
// bumping the retry count. Retries past the cap are refused.
func (m *Manager) Retry(ctx context.Context, scanID string) error {
	l := m.lockFor(scanID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.store.Get(scanID)
	if err != nil {
		return err
	}
	if rec.Status != scan.StatusFailed {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, rec.Status)
	}
	if m.maxRetries > 0 && rec.RetryCount >= m.maxRetries {
		return ErrRetryExhausted
	}

	if err := m.transition(rec, scan.StatusProcessing, "Retrying analysis", scan.ErrorNone, rec.RetryCount+1); err != nil {
		return err
	}
	start := m.clock.Now()
	if err := m.store.SetProcessTimes(scanID, &start, nil); err != nil {
		return err
	}
	monitoring.Logf("[lifecycle] scan %s retry %d", scanID, rec.RetryCount+1)
	m.beginAttempt(scanID, rec.ImageRefs, analyzer.PatientContext{PatientID: rec.PatientID, DoctorID: rec.DoctorID})
	return nil
}

// transition persists one status edge plus its history row, updates the
// in-memory record and publishes the event. Caller holds the scan lock.
func (m *Manager) transition(rec *scan.ScanRecord, to scan.Status, message string, et scan.ErrorType, retryCount int) error {
	if !scan.CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	now := m.clock.Now()
	if err := m.store.UpdateStatus(rec.ID, rec.Status, to, message, et, retryCount, now); err != nil {
		return err
	}
	from := rec.Status
	rec.Status = to
	rec.StatusMessage = message
	rec.ErrorType = et
	rec.RetryCount = retryCount
	monitoring.Logf("[lifecycle] scan %s: %s -> %s", rec.ID, from, to)

	if to.Terminal() {
		m.disarm(rec.ID)
	}

	payload, _ := json.Marshal(map[string]any{
		"status":      to,
		"message":     message,
		"error_type":  et,
		"retry_count": retryCount,
	})
	m.publish(scan.NotificationEvent{ScanID: rec.ID, Type: scan.EventStatus, Payload: payload})
	return nil
}

// disarm stops the watchdog for a scan, if armed.
func (m *Manager) disarm(scanID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.timers[scanID]; ok {
		h.timer.Stop()
		close(h.done)
		delete(m.timers, scanID)
	}
}

// Get returns the current persisted record for a scan. This is the pull
// path late subscribers use to learn the current status.
func (m *Manager) Get(scanID string) (*scan.ScanRecord, error) {
	return m.store.Get(scanID)
}

// History returns the append-only status log for a scan.
func (m *Manager) History(scanID string) ([]scan.StatusChange, error) {
	return m.store.History(scanID)
}

// ListByPatient returns a patient's scans, newest first.
func (m *Manager) ListByPatient(patientID string) ([]*scan.ScanRecord, error) {
	return m.store.ListByPatient(patientID)
}

func (m *Manager) publishProgress(scanID, stage, message string) {
	payload, _ := json.Marshal(map[string]any{"stage": stage, "message": message})
	m.publish(scan.NotificationEvent{ScanID: scanID, Type: scan.EventProgress, Payload: payload})
}

func (m *Manager) publish(ev scan.NotificationEvent) {
	if m.notifier != nil {
		m.notifier.Publish(ev)
	}
}
