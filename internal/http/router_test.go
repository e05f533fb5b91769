package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/config"
	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/metrics"
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/service"
)

const adminKey = "secret"

type blobSink struct {
	mu   sync.Mutex
	keys []string
}

func (b *blobSink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	return "s3://proof-of-work/" + key, nil
}

type testAPI struct {
	engine *gin.Engine
	clock  *clock.FakeClock
	blobs  *blobSink
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	store := db.NewMemoryStore(clk)
	blobs := &blobSink{}

	svc := service.NewTicketService(store, zerolog.Nop())
	svc.Clock = clk
	svc.Blobs = blobs
	svc.ArrivalThresholdMeters = 50

	cfg := config.Config{AdminKey: adminKey, CORSAllowed: "*", MaxUploadSizeMB: 5, RequestTimeout: 5 * time.Second}
	return testAPI{engine: Router(cfg, svc, events.NopPublisher{}, metrics.New(), zerolog.Nop()), clock: clk, blobs: blobs}
}

func (a testAPI) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type apiError struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[apiError](t, w).Error.Code
}

func (a testAPI) seed(t *testing.T) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/machines", map[string]any{"id": "ATM-LAG-01", "name": "Broad Street", "lat": 6.4301, "lng": 3.4201}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(t, http.MethodPut, "/api/engineers/eng-1", map[string]any{"name": "Ada", "lat": 6.4310, "lng": 3.4210, "firstTimeFixRate": 0.9}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)

	w := a.do(t, http.MethodPost, "/api/dispatch", map[string]any{"machineId": "ATM-LAG-01", "category": "cash_jam", "severity": "HIGH"}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dispatched := decode[service.DispatchResult](t, w)
	id := dispatched.Ticket.ID
	assert.Equal(t, "TKT-001", id)
	assert.Equal(t, models.StatusAssigned, dispatched.Ticket.Status)
	assert.Equal(t, "eng-1", dispatched.Engineer.ID)

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/verification", map[string]any{"code": "100001"}, false)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "PRECONDITION_FAILED", errorCode(t, w))

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/arrival", map[string]any{"lat": 6.4301, "lng": 3.4201}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[service.ArrivalResult](t, w).Arrived)

	w = a.do(t, http.MethodGet, "/api/tickets/"+id+"/stage", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stage":"verification"`)

	for code, want := range map[string]service.VerificationResult{
		"123":    service.VerificationIncomplete,
		"999999": service.VerificationMismatch,
	} {
		w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/verification", map[string]any{"code": code}, false)
		require.Equal(t, http.StatusOK, w.Code)
		out := decode[service.VerificationOutcome](t, w)
		assert.Equal(t, want, out.Result)
		assert.Equal(t, models.StatusAssigned, out.Ticket.Status)
	}

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/verification", map[string]any{"code": "100001"}, false)
	require.Equal(t, http.StatusOK, w.Code)
	verified := decode[service.VerificationOutcome](t, w)
	assert.Equal(t, service.VerificationMatched, verified.Result)
	assert.Equal(t, models.StatusInProgress, verified.Ticket.Status)

	a.clock.Advance(42 * time.Minute)

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/finalize", nil, true)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = a.uploadProof(t, id, []byte("\x89PNG\r\n\x1a\n0000000000000000"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	withProof := decode[models.Ticket](t, w)
	require.NotNil(t, withProof.Resolution)
	assert.Contains(t, withProof.Resolution.ProofPhotoURL, "s3://proof-of-work/proof/TKT-001/2026/03/02/")
	require.Len(t, a.blobs.keys, 1)

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/branch-confirmation", map[string]any{"confirmedBy": "branch-manager"}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/finalize", map[string]any{"summary": "cleared jam", "partsUsed": []string{"feed roller"}}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decode[models.Ticket](t, w)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, 42, resolved.Resolution.TimeSpentMinutes)

	w = a.do(t, http.MethodGet, "/api/engineers", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	engineers := decode[struct {
		Items []models.Engineer `json:"items"`
	}](t, w)
	require.Len(t, engineers.Items, 1)
	assert.Equal(t, models.EngineerAvailable, engineers.Items[0].Status)
	assert.Nil(t, engineers.Items[0].OngoingTask)

	w = a.do(t, http.MethodGet, "/api/tickets?engineerId=eng-1&status=resolved", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []models.Ticket `json:"items"`
	}](t, w)
	require.Len(t, list.Items, 1)
	assert.Equal(t, id, list.Items[0].ID)

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/close", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusClosed, decode[models.Ticket](t, w).Status)
}

func (a testAPI) uploadProof(t *testing.T, id string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "after.PNG")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+id+"/proof", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func TestAdminRoutesRequireKey(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/dispatch", map[string]any{"machineId": "ATM-LAG-01"}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestDispatchWithoutEngineersIsNoCapacity(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/machines", map[string]any{"id": "ATM-LAG-01", "lat": 6.43, "lng": 3.42}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.do(t, http.MethodPost, "/api/alerts", map[string]any{"machineId": "ATM-LAG-01", "message": "cassette empty"}, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NO_CAPACITY", errorCode(t, w))

	w = a.do(t, http.MethodGet, "/api/tickets", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)
}

func TestPatchWithStaleVersionConflicts(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	w := a.do(t, http.MethodPost, "/api/tickets", map[string]any{"machineId": "ATM-LAG-01", "description": "screen dark"}, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Ticket](t, w)

	w = a.do(t, http.MethodPatch, "/api/tickets/"+created.ID, map[string]any{"version": created.Version, "description": "screen flickers"}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPatch, "/api/tickets/"+created.ID, map[string]any{"version": created.Version, "description": "stale"}, false)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, w))

	w = a.do(t, http.MethodPatch, "/api/tickets/"+created.ID, map[string]any{"status": "CLOSED"}, false)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, w))

	w = a.do(t, http.MethodGet, "/api/tickets/TKT-404", nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchCannotSkipGatedActions(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	w := a.do(t, http.MethodPost, "/api/dispatch", map[string]any{"machineId": "ATM-LAG-01", "category": "cash_jam", "severity": "HIGH"}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[service.DispatchResult](t, w).Ticket.ID

	for name, body := range map[string]map[string]any{
		"resolve":      {"status": "RESOLVED"},
		"start repair": {"status": "IN_PROGRESS"},
		"arrival":      {"geoValidation": map[string]any{"engineerLat": 9.0, "engineerLng": 7.0, "validatedAt": "2026-03-02T08:00:00Z"}},
		"verification": {"verification": map[string]any{"verifiedAt": "2026-03-02T08:00:00Z"}},
		"branch":       {"branchConfirmation": map[string]any{"confirmedAt": "2026-03-02T08:00:00Z", "confirmedBy": "x"}},
		"proof":        {"resolution": map[string]any{"proofPhotoUrl": "s3://proof-of-work/x.jpg"}},
	} {
		w = a.do(t, http.MethodPatch, "/api/tickets/"+id, body, false)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code, name)
		assert.Equal(t, "PRECONDITION_FAILED", errorCode(t, w), name)
	}

	w = a.do(t, http.MethodGet, "/api/tickets/"+id, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Ticket](t, w)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.False(t, got.HasArrived())
	assert.False(t, got.IsVerified())
}

func TestReleaseRefusedWhileTicketActive(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t)
	w := a.do(t, http.MethodPost, "/api/dispatch", map[string]any{"machineId": "ATM-LAG-01"}, true)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[service.DispatchResult](t, w).Ticket.ID

	w = a.do(t, http.MethodPost, "/api/engineers/eng-1/release", nil, true)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = a.do(t, http.MethodPost, "/api/tickets/"+id+"/escalate", map[string]any{"reason": "needs vendor"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusEscalated, decode[models.Ticket](t, w).Status)

	w = a.do(t, http.MethodGet, "/api/engineers", nil, false)
	assert.Contains(t, w.Body.String(), `"status":"available"`)
}

func TestMetricsAndHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = a.do(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `atm_fieldops_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}
