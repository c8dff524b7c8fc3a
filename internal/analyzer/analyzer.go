// Package analyzer holds the contract with the external diagnostic model
// service. The service accepts an image set and later reports progress and a
// terminal result back through the HTTP callback endpoints; this package
// only covers the outbound submission.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/stridelab/footscan/internal/httputil"
)

// PatientContext is the minimal patient information forwarded with a
// submission. The analyzer needs it for measurement calibration only.
type PatientContext struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id,omitempty"`
}

// Analyzer submits a finalized image set for analysis. Submission is
// acknowledged synchronously; results arrive later via callbacks.
type Analyzer interface {
	Submit(ctx context.Context, scanID string, imageRefs []string, pc PatientContext) error
}

// HTTPAnalyzer posts submissions to the analyzer service as JSON.
type HTTPAnalyzer struct {
	BaseURL string
	Client  httputil.HTTPClient
}

// NewHTTPAnalyzer creates an analyzer client for the given base URL. A nil
// client falls back to the default HTTP client.
func NewHTTPAnalyzer(baseURL string, client httputil.HTTPClient) *HTTPAnalyzer {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPAnalyzer{BaseURL: baseURL, Client: client}
}

type submitRequest struct {
	ScanID    string         `json:"scan_id"`
	ImageRefs []string       `json:"image_refs"`
	Patient   PatientContext `json:"patient"`
}

// Submit posts the image set. A non-2xx response is an error; the caller
// maps it to a failed scan.
func (a *HTTPAnalyzer) Submit(ctx context.Context, scanID string, imageRefs []string, pc PatientContext) error {
	body, err := json.Marshal(submitRequest{ScanID: scanID, ImageRefs: imageRefs, Patient: pc})
	if err != nil {
		return fmt.Errorf("failed to marshal analyzer submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer submission failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analyzer rejected submission: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// MockAnalyzer records submissions for tests. SubmitErr, when set, is
// returned by every Submit call.
type MockAnalyzer struct {
	mu          sync.Mutex
	Submissions []MockSubmission
	SubmitErr   error
	SubmitFunc  func(scanID string, imageRefs []string) error
}

// MockSubmission is one recorded Submit call.
type MockSubmission struct {
	ScanID    string
	ImageRefs []string
	Patient   PatientContext
}

// Submit records the call.
func (m *MockAnalyzer) Submit(_ context.Context, scanID string, imageRefs []string, pc PatientContext) error {
	m.mu.Lock()
	m.Submissions = append(m.Submissions, MockSubmission{ScanID: scanID, ImageRefs: imageRefs, Patient: pc})
	fn := m.SubmitFunc
	err := m.SubmitErr
	m.mu.Unlock()
	if fn != nil {
		return fn(scanID, imageRefs)
	}
	return err
}

// SubmissionCount returns how many Submit calls were recorded.
func (m *MockAnalyzer) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submissions)
}
