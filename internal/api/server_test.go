package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stridelab/footscan/internal/analyzer"
	"github.com/stridelab/footscan/internal/db"
	"github.com/stridelab/footscan/internal/lifecycle"
	"github.com/stridelab/footscan/internal/notify"
	"github.com/stridelab/footscan/internal/scan"
	"github.com/stridelab/footscan/internal/seal"
	"github.com/stridelab/footscan/internal/testutil"
	"github.com/stridelab/footscan/internal/timeutil"
)

const viewerToken = "viewer-secret"

type apiFixture struct {
	ts       *httptest.Server
	store    *scan.Store
	manager  *lifecycle.Manager
	analyzer *analyzer.MockAnalyzer
	notifier *notify.Broadcaster
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { database.Close() })
	testutil.AssertNoError(t, database.MigrateUp())

	f := &apiFixture{
		store:    scan.NewStore(database.DB),
		analyzer: &analyzer.MockAnalyzer{},
		notifier: notify.NewBroadcaster(),
	}
	clock := timeutil.RealClock{}
	f.manager = lifecycle.NewManager(f.store, f.analyzer, f.notifier, clock, time.Minute, 3)

	auth := AuthorizerFunc(func(token, scanID string) bool { return token == viewerToken })
	sealer, err := seal.NewSealer([]byte("0123456789abcdef0123456789abcdef"), seal.TokenVerifierFunc(auth))
	testutil.AssertNoError(t, err)

	server := NewServer(f.manager, f.store, f.notifier, sealer, auth, clock)
	f.ts = httptest.NewServer(server.ServeMux())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		testutil.AssertNoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	testutil.AssertNoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) createScan(t *testing.T) *scan.ScanRecord {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/api/scans", "", map[string]any{
		"patient_id": "patient-1",
		"image_refs": []string{"img/front.jpg", "img/left.jpg", "img/right.jpg"},
	})
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusCreated)
	var rec scan.ScanRecord
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return &rec
}

func completionBody(scanID string) map[string]any {
	return map[string]any{
		"scan_id":      scanID,
		"diagnosis":    json.RawMessage(`{"summary":"flat left arch","pressure":{"left":[{"x":0.4,"y":0.8,"intensity":0.9}]}}`),
		"model_assets": []string{"models/a.glb"},
	}
}

func TestCreateScanEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)
	if rec.Status != scan.StatusProcessing {
		t.Fatalf("status = %s, want processing", rec.Status)
	}
	if rec.ID == "" {
		t.Fatal("no id assigned")
	}
}

func TestCreateScanRejectsEmptyImageSet(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodPost, "/api/scans", "", map[string]any{"patient_id": "p"})
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)
}

func TestGetScanRequiresAuthorization(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	resp := f.request(t, http.MethodGet, "/api/scans/"+rec.ID, "", nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusForbidden)

	resp = f.request(t, http.MethodGet, "/api/scans/"+rec.ID, viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
}

func TestGetScanNotFound(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodGet, "/api/scans/nope", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)
}

func TestAnalyzerCallbackFlow(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	resp := f.request(t, http.MethodPost, "/api/analyzer/progress", "", map[string]any{
		"scan_id": rec.ID, "stage": "received", "message": "accepted",
	})
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	resp = f.request(t, http.MethodPost, "/api/analyzer/complete", "", completionBody(rec.ID))
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	got, err := f.store.Get(rec.ID)
	testutil.AssertNoError(t, err)
	if got.Status != scan.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}

	// Duplicate completion is an accepted no-op.
	resp = f.request(t, http.MethodPost, "/api/analyzer/complete", "", completionBody(rec.ID))
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
}

func TestRetryEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	// Retry before failure is refused.
	resp := f.request(t, http.MethodPost, "/api/scans/"+rec.ID+"/retry", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusConflict)

	testutil.AssertNoError(t, f.manager.HandleCompletion(rec.ID, nil, nil, scan.ErrorAnalyzerFailed))

	resp = f.request(t, http.MethodPost, "/api/scans/"+rec.ID+"/retry", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var got scan.ScanRecord
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&got))
	if got.Status != scan.StatusProcessing || got.RetryCount != 1 {
		t.Fatalf("after retry: %+v", got)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	resp := f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/history", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var changes []scan.StatusChange
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&changes))
	if len(changes) == 0 || changes[0].ToStatus != scan.StatusProcessing {
		t.Fatalf("history = %+v", changes)
	}
}

func TestHeatmapEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	// No pressure data yet: the standard fallback is served and flagged.
	resp := f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/heatmap/left.png", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Heatmap-Fallback") != "true" {
		t.Fatal("fallback header missing for empty pressure data")
	}

	testutil.AssertNoError(t, f.manager.HandleProgress(rec.ID, "received", ""))
	resp = f.request(t, http.MethodPost, "/api/analyzer/complete", "", completionBody(rec.ID))
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	resp = f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/heatmap/left.png", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	if resp.Header.Get("X-Heatmap-Fallback") != "" {
		t.Fatal("fallback header set for real pressure data")
	}

	resp = f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/heatmap/middle.png", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)
}

func TestZoneChartEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)
	resp := f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/chart.png", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestDashboardEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)
	resp := f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/dashboard", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	testutil.AssertNoError(t, err)
	if !strings.Contains(string(body), "echarts") {
		t.Fatal("dashboard page does not embed charts")
	}
}

func TestEncryptAndDiagnosisEndpoints(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)
	resp := f.request(t, http.MethodPost, "/api/analyzer/complete", "", completionBody(rec.ID))
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	// Plaintext diagnosis readable first.
	resp = f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/diagnosis", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	resp = f.request(t, http.MethodPost, "/api/scans/"+rec.ID+"/encrypt", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	got, err := f.store.Get(rec.ID)
	testutil.AssertNoError(t, err)
	if !got.IsEncrypted || got.Encryption == nil {
		t.Fatalf("record not sealed: %+v", got)
	}

	// Second encrypt refused.
	resp = f.request(t, http.MethodPost, "/api/scans/"+rec.ID+"/encrypt", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusConflict)

	// Sealed diagnosis still readable with a valid token.
	resp = f.request(t, http.MethodGet, "/api/scans/"+rec.ID+"/diagnosis", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var out struct {
		Diagnosis json.RawMessage `json:"diagnosis"`
	}
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&out))
	if !strings.Contains(string(out.Diagnosis), "flat left arch") {
		t.Fatalf("diagnosis = %s", out.Diagnosis)
	}
}

func TestPatientScansEndpoint(t *testing.T) {
	f := setupAPI(t)
	f.createScan(t)
	f.createScan(t)

	resp := f.request(t, http.MethodGet, "/api/patients/patient-1/scans", viewerToken, nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var recs []scan.ScanRecord
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
}

func TestPatientScansHiddenWithoutAuthorization(t *testing.T) {
	f := setupAPI(t)
	f.createScan(t)

	resp := f.request(t, http.MethodGet, "/api/patients/patient-1/scans", "", nil)
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	var recs []scan.ScanRecord
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	if len(recs) != 0 {
		t.Fatalf("unauthorized listing exposed %d scans", len(recs))
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestViewerWebsocket(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts), nil)
	testutil.AssertNoError(t, err)
	defer conn.Close()

	testutil.AssertNoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe", "scan_id": rec.ID, "token": viewerToken,
	}))
	var resp map[string]any
	testutil.AssertNoError(t, conn.ReadJSON(&resp))
	if resp["type"] != "subscribed" {
		t.Fatalf("response = %v, want subscribed", resp)
	}

	testutil.AssertNoError(t, f.manager.HandleProgress(rec.ID, "received", "accepted"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	testutil.AssertNoError(t, conn.ReadJSON(&resp))
	if resp["type"] != "event" || resp["scan_id"] != rec.ID {
		t.Fatalf("event frame = %v", resp)
	}
}

func TestViewerWebsocketRefusalKeepsConnection(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts), nil)
	testutil.AssertNoError(t, err)
	defer conn.Close()

	// Unauthorized subscribe: refused without closing the socket.
	testutil.AssertNoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe", "scan_id": rec.ID, "token": "bad-token",
	}))
	var resp map[string]any
	testutil.AssertNoError(t, conn.ReadJSON(&resp))
	if resp["type"] != "error" {
		t.Fatalf("response = %v, want error frame", resp)
	}

	// The same connection can then subscribe with a good token.
	testutil.AssertNoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe", "scan_id": rec.ID, "token": viewerToken,
	}))
	testutil.AssertNoError(t, conn.ReadJSON(&resp))
	if resp["type"] != "subscribed" {
		t.Fatalf("response = %v, want subscribed after refusal", resp)
	}
}

func TestUnknownCompletionReturnsNotFound(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodPost, "/api/analyzer/complete", "", completionBody("missing"))
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)
}

func TestSideSuffixOptional(t *testing.T) {
	f := setupAPI(t)
	rec := f.createScan(t)
	for _, side := range []string{"left", "right", "left.png"} {
		resp := f.request(t, http.MethodGet, fmt.Sprintf("/api/scans/%s/heatmap/%s", rec.ID, side), viewerToken, nil)
		testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	}
}
