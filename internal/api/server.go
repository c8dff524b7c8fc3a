// Package api exposes the scan service over HTTP: upload and retry, the
// analyzer callback endpoints, heatmap and chart rendering, and the viewer
// websocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stridelab/footscan/internal/heatmap"
	"github.com/stridelab/footscan/internal/httputil"
	"github.com/stridelab/footscan/internal/lifecycle"
	"github.com/stridelab/footscan/internal/monitoring"
	"github.com/stridelab/footscan/internal/notify"
	"github.com/stridelab/footscan/internal/scan"
	"github.com/stridelab/footscan/internal/seal"
	"github.com/stridelab/footscan/internal/timeutil"
)

// Authorizer is the auth collaborator: is this caller allowed to read scan
// X. The service trusts the boolean and does no identity logic of its own.
type Authorizer interface {
	Authorized(token, scanID string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(token, scanID string) bool

func (f AuthorizerFunc) Authorized(token, scanID string) bool { return f(token, scanID) }

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	manager  *lifecycle.Manager
	store    *scan.Store
	notifier *notify.Broadcaster
	sealer   *seal.Sealer
	auth     Authorizer
	clock    timeutil.Clock
}

// NewServer wires the API server. A nil clock falls back to the real clock.
func NewServer(manager *lifecycle.Manager, store *scan.Store, notifier *notify.Broadcaster, sealer *seal.Sealer, auth Authorizer, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		manager:  manager,
		store:    store,
		notifier: notifier,
		sealer:   sealer,
		auth:     auth,
		clock:    clock,
	}
}

// ServeMux builds the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scans", s.createScan)
	mux.HandleFunc("GET /api/scans/{id}", s.getScan)
	mux.HandleFunc("GET /api/scans/{id}/history", s.getHistory)
	mux.HandleFunc("POST /api/scans/{id}/retry", s.retryScan)
	mux.HandleFunc("POST /api/scans/{id}/encrypt", s.encryptScan)
	mux.HandleFunc("GET /api/scans/{id}/diagnosis", s.getDiagnosis)
	mux.HandleFunc("GET /api/scans/{id}/heatmap/{side}", s.getHeatmap)
	mux.HandleFunc("GET /api/scans/{id}/chart.png", s.getZoneChart)
	mux.HandleFunc("GET /api/scans/{id}/dashboard", s.getDashboard)
	mux.HandleFunc("GET /api/patients/{id}/scans", s.listPatientScans)
	mux.HandleFunc("POST /api/analyzer/progress", s.analyzerProgress)
	mux.HandleFunc("POST /api/analyzer/complete", s.analyzerComplete)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// WithLogging wraps a handler with request logging.
func WithLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := timeutil.RealClock{}.Now()
		h.ServeHTTP(w, r)
		monitoring.Logf("[api] %s %s (%s)", r.Method, r.URL.Path, timeutil.RealClock{}.Since(start))
	})
}

// callerToken extracts the caller's access token. Bearer prefix optional.
func callerToken(r *http.Request) string {
	tok := r.Header.Get("Authorization")
	tok = strings.TrimPrefix(tok, "Bearer ")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	return tok
}

// authorize runs the yes/no check and writes the refusal when denied.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scanID string) bool {
	if s.auth.Authorized(callerToken(r), scanID) {
		return true
	}
	monitoring.Logf("[security] unauthorized request for scan %s from %s", scanID, r.RemoteAddr)
	httputil.WriteJSONError(w, http.StatusForbidden, "not authorized for this scan")
	return false
}

type createScanRequest struct {
	PatientID string   `json:"patient_id"`
	DoctorID  string   `json:"doctor_id,omitempty"`
	ImageRefs []string `json:"image_refs"`
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	rec, err := s.manager.CreateScan(r.Context(), req.PatientID, req.DoctorID, req.ImageRefs)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	rec, err := s.manager.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	changes, err := s.manager.History(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, changes)
}

func (s *Server) retryScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	err := s.manager.Retry(r.Context(), id)
	switch {
	case err == nil:
		rec, gerr := s.manager.Get(id)
		if gerr != nil {
			s.writeStoreError(w, gerr)
			return
		}
		httputil.WriteJSONOK(w, rec)
	case errors.Is(err, lifecycle.ErrRetryExhausted):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	default:
		s.writeStoreError(w, err)
	}
}

func (s *Server) encryptScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	rec, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	ciphertext, meta, err := s.sealer.EncryptRecord(rec)
	if err != nil {
		if errors.Is(err, seal.ErrAlreadyEncrypted) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.InternalServerError(w, "failed to encrypt scan")
		return
	}
	if err := s.store.SetEncryption(id, ciphertext, nil, meta, s.clock.Now()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"id": id, "is_encrypted": true})
}

func (s *Server) getDiagnosis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	rec, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	diagnosis := rec.Diagnosis
	details := rec.DiagnosisDetails
	if diagnosis == "" && !rec.IsEncrypted {
		httputil.NotFound(w, "scan has no diagnosis yet")
		return
	}
	if rec.IsEncrypted {
		diagnosis, details, err = s.sealer.DecryptRecord(rec, callerToken(r))
		switch {
		case errors.Is(err, seal.ErrUnauthorized):
			httputil.WriteJSONError(w, http.StatusForbidden, "not authorized for this scan")
			return
		case err != nil:
			httputil.WriteJSONError(w, http.StatusConflict, "diagnosis cannot be unsealed")
			return
		}
	}
	httputil.WriteJSONOK(w, map[string]any{
		"id":        id,
		"diagnosis": json.RawMessage(diagnosis),
		"details":   details,
	})
}

func (s *Server) listPatientScans(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.ListByPatient(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// The listing is gated per record: scans the caller's token does not
	// cover are omitted rather than refusing the whole request.
	token := callerToken(r)
	authorized := make([]*scan.ScanRecord, 0, len(recs))
	for _, rec := range recs {
		if s.auth.Authorized(token, rec.ID) {
			authorized = append(authorized, rec)
		}
	}
	if len(authorized) < len(recs) {
		monitoring.Logf("[security] patient listing for %s trimmed to %d of %d scans for %s",
			r.PathValue("id"), len(authorized), len(recs), r.RemoteAddr)
	}
	httputil.WriteJSONOK(w, authorized)
}

type progressCallback struct {
	ScanID  string `json:"scan_id"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

func (s *Server) analyzerProgress(w http.ResponseWriter, r *http.Request) {
	var cb progressCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil || cb.ScanID == "" {
		httputil.BadRequest(w, "invalid progress callback")
		return
	}
	if err := s.manager.HandleProgress(cb.ScanID, cb.Stage, cb.Message); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

type completionCallback struct {
	ScanID      string          `json:"scan_id"`
	Diagnosis   json.RawMessage `json:"diagnosis,omitempty"`
	ModelAssets []string        `json:"model_assets,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
}

func (s *Server) analyzerComplete(w http.ResponseWriter, r *http.Request) {
	var cb completionCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil || cb.ScanID == "" {
		httputil.BadRequest(w, "invalid completion callback")
		return
	}
	if err := s.manager.HandleCompletion(cb.ScanID, cb.Diagnosis, cb.ModelAssets, scan.ErrorType(cb.ErrorType)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) getHeatmap(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	sideName := strings.TrimSuffix(r.PathValue("side"), ".png")
	side := scan.FootSide(sideName)
	if side != scan.SideLeft && side != scan.SideRight {
		httputil.BadRequest(w, "side must be left or right")
		return
	}

	rec, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	res, err := heatmap.Render(side, rec.PressureData[side])
	if err != nil {
		httputil.InternalServerError(w, "failed to render heatmap")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if res.Fallback {
		w.Header().Set("X-Heatmap-Fallback", "true")
	}
	_, _ = w.Write(res.PNG)
}

func (s *Server) getZoneChart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	rec, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	left, right := zoneSummaries(rec)
	png, err := heatmap.ZoneChart(left, right)
	if err != nil {
		httputil.InternalServerError(w, "failed to render zone chart")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// zoneSummaries computes both feet's zone percentages, using the fallback
// distribution for a side with no data.
func zoneSummaries(rec *scan.ScanRecord) (heatmap.ZoneSummary, heatmap.ZoneSummary) {
	summarize := func(side scan.FootSide) heatmap.ZoneSummary {
		samples := rec.PressureData[side]
		if len(samples) == 0 {
			samples = heatmap.FallbackSamples(side)
		}
		return heatmap.Summarize(samples)
	}
	return summarize(scan.SideLeft), summarize(scan.SideRight)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, scan.ErrNotFound) {
		httputil.NotFound(w, "scan not found")
		return
	}
	monitoring.Logf("[api] store error: %v", err)
	httputil.InternalServerError(w, "internal error")
}
