// Package scan defines the persistent scan record, its lifecycle states,
// and the typed diagnostic payload exchanged with the external analyzer.
package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a scan record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusAnalyzing       Status = "analyzing"
	StatusGeneratingModel Status = "generating_model"
	StatusComplete        Status = "complete"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further automatic transitions are allowed
// from this status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// validNext enumerates the allowed forward transitions. Failed is reachable
// from any non-terminal state; retry (failed -> processing) is the only
// transition out of a terminal state and must be requested explicitly.
var validNext = map[Status][]Status{
	StatusPending:         {StatusProcessing, StatusFailed},
	StatusProcessing:      {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:       {StatusGeneratingModel, StatusFailed},
	StatusGeneratingModel: {StatusComplete, StatusFailed},
	StatusFailed:          {StatusProcessing},
	StatusComplete:        {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// ErrorType classifies pipeline failures recorded on a failed scan.
type ErrorType string

const (
	ErrorNone             ErrorType = ""
	ErrorTimeout          ErrorType = "timeout"
	ErrorAnalyzerRejected ErrorType = "analyzer_rejected"
	ErrorAnalyzerFailed   ErrorType = "analyzer_failed"
	ErrorMalformedResult  ErrorType = "malformed_result"
)

// FootSide identifies one side of a pressure data set.
type FootSide string

const (
	SideLeft  FootSide = "left"
	SideRight FootSide = "right"
)

// PressureSample is one normalized-coordinate intensity reading.
// X and Y are normalized to the foot outline ([0,1]) so rendering is
// resolution independent; Intensity is in [0,1].
type PressureSample struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Intensity float64 `json:"intensity"`
}

// PressureData maps foot side to its ordered sample list.
type PressureData map[FootSide][]PressureSample

// EncryptionMetadata describes how the sensitive diagnosis fields of a
// record were sealed. Present iff ScanRecord.IsEncrypted is true.
type EncryptionMetadata struct {
	Algorithm string `json:"algorithm"` // e.g. "aes-256-gcm"
	IV        []byte `json:"iv"`
	AuthTag   []byte `json:"auth_tag"`
	KeyHandle []byte `json:"key_handle"` // wrapped per-record key, opaque to callers
}

// ScanRecord is the persistent record tracking one capture session through
// analysis to a diagnosis. Mutated only by the lifecycle manager.
type ScanRecord struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id,omitempty"`
	ImageRefs     []string  `json:"image_refs"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	ErrorType     ErrorType `json:"error_type,omitempty"`
	RetryCount    int       `json:"retry_count"`

	Diagnosis        string              `json:"diagnosis,omitempty"`
	DiagnosisDetails []byte              `json:"diagnosis_details,omitempty"`
	IsEncrypted      bool                `json:"is_encrypted"`
	Encryption       *EncryptionMetadata `json:"encryption,omitempty"`

	PressureData  PressureData `json:"pressure_data,omitempty"`
	ModelAssets   []string     `json:"model_assets,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ProcessStart  *time.Time   `json:"process_started_at,omitempty"`
	ProcessFinish *time.Time   `json:"process_completed_at,omitempty"`
}

// StatusChange is one row of the append-only per-scan version log. Retries
// append a new row rather than overwriting, so attempts stay comparable.
type StatusChange struct {
	Seq        int64     `json:"seq"`
	ScanID     string    `json:"scan_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Message    string    `json:"message,omitempty"`
	ErrorType  ErrorType `json:"error_type,omitempty"`
	RetryCount int       `json:"retry_count"`
	ChangedAt  time.Time `json:"changed_at"`
}

// EventType classifies notification events pushed to scan viewers.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
)

// NotificationEvent is a transient per-scan event. It is never persisted
// and is delivered at most once per connected subscriber.
type NotificationEvent struct {
	ScanID  string          `json:"scan_id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrUnknownAnalysisModule is returned when the analyzer reports a payload
// section this service does not recognise.
var ErrUnknownAnalysisModule = errors.New("unknown analysis module in diagnosis payload")

// ArchType is the coarse arch classification reported by the analyzer.
type ArchType string

const (
	ArchFlat   ArchType = "flat"
	ArchHigh   ArchType = "high_arch"
	ArchNormal ArchType = "normal"
)

// AdvancedMeasurements is the optional measurement section of a diagnosis.
type AdvancedMeasurements struct {
	FootLengthMM float64 `json:"foot_length_mm"`
	FootWidthMM  float64 `json:"foot_width_mm"`
	ArchHeightMM float64 `json:"arch_height_mm"`
	HeelWidthMM  float64 `json:"heel_width_mm,omitempty"`
}

// ArchAnalysis is the optional arch-type section of a diagnosis.
type ArchAnalysis struct {
	Type       ArchType `json:"type"`
	Confidence float64  `json:"confidence"`
}

// DiagnosisPayload is the validated structure of the analyzer's completion
// result. Each known analysis module maps to an explicit optional field;
// payloads carrying unrecognised modules are rejected rather than passed
// through untyped.
type DiagnosisPayload struct {
	Summary      string                `json:"summary"`
	Measurements *AdvancedMeasurements `json:"measurements,omitempty"`
	Pressure     PressureData          `json:"pressure,omitempty"`
	Arch         *ArchAnalysis         `json:"arch,omitempty"`
}

// knownPayloadKeys are the top-level JSON members a diagnosis may carry.
var knownPayloadKeys = map[string]bool{
	"summary":      true,
	"measurements": true,
	"pressure":     true,
	"arch":         true,
}

// ParseDiagnosisPayload decodes and validates a raw analyzer payload.
// Unknown top-level members fail validation with ErrUnknownAnalysisModule
// so malformed or future-versioned payloads are quarantined at the boundary.
func ParseDiagnosisPayload(raw []byte) (*DiagnosisPayload, error) {
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("diagnosis payload is not a JSON object: %w", err)
	}
	for key := range loose {
		if !knownPayloadKeys[key] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAnalysisModule, key)
		}
	}

	var p DiagnosisPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode diagnosis payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks internal consistency of the payload.
func (p *DiagnosisPayload) Validate() error {
	if p.Summary == "" {
		return errors.New("diagnosis payload missing summary")
	}
	if p.Arch != nil {
		switch p.Arch.Type {
		case ArchFlat, ArchHigh, ArchNormal:
		default:
			return fmt.Errorf("invalid arch type %q", p.Arch.Type)
		}
		if p.Arch.Confidence < 0 || p.Arch.Confidence > 1 {
			return fmt.Errorf("arch confidence %f out of range", p.Arch.Confidence)
		}
	}
	for side, samples := range p.Pressure {
		if side != SideLeft && side != SideRight {
			return fmt.Errorf("invalid foot side %q in pressure data", side)
		}
		for i, s := range samples {
			if s.X < 0 || s.X > 1 || s.Y < 0 || s.Y > 1 {
				return fmt.Errorf("pressure sample %d for %s outside normalized range", i, side)
			}
			if s.Intensity < 0 || s.Intensity > 1 {
				return fmt.Errorf("pressure sample %d for %s has intensity out of range", i, side)
			}
		}
	}
	return nil
}
