package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/domain-enricher/internal/api"
	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/learning"
	"github.com/alvmarrod/domain-enricher/internal/memory"
	"github.com/alvmarrod/domain-enricher/internal/metrics"
	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/scheduler"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

// fakeScheduler records control calls and answers with canned values
type fakeScheduler struct {
	submitted []scheduler.SubmitRequest
	submitErr error
	cancelErr error
	paused    bool
	snapshot  *memory.Snapshot
}

func (f *fakeScheduler) Submit(_ context.Context, req scheduler.SubmitRequest) (scheduler.SubmitResult, error) {
	if f.submitErr != nil {
		return scheduler.SubmitResult{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return scheduler.SubmitResult{Accepted: true, ExecutionID: "exec-1"}, nil
}

func (f *fakeScheduler) Cancel(runID string) error {
	if f.cancelErr != nil {
		return fmt.Errorf("%w: %s", f.cancelErr, runID)
	}
	return nil
}

func (f *fakeScheduler) Pause()  { f.paused = true }
func (f *fakeScheduler) Resume() { f.paused = false }

func (f *fakeScheduler) WorkerStatus() scheduler.WorkerStatus {
	return scheduler.WorkerStatus{Paused: f.paused, Executions: []scheduler.ExecutionStatus{}}
}

func (f *fakeScheduler) Execution(string) *memory.Snapshot {
	return f.snapshot
}

type harness struct {
	store   *storage.Storage
	sched   *fakeScheduler
	tracker *metrics.Tracker
	router  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewStorage(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	tracker := metrics.NewTracker(metrics.NewCollectors(reg))
	g := gate.New(store, 0)
	sched := &fakeScheduler{}

	server := api.NewServer(":0", api.Deps{
		Scheduler: sched,
		Store:     store,
		Moderator: gate.NewModerator(g, store, runstate.NewMachine(store)),
		Learner:   learning.NewService(store),
		Gatherer:  reg,
	})
	return &harness{store: store, sched: sched, tracker: tracker, router: server.Handler()}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// seedModeration leaves one domain of run-1 awaiting moderation and one pending
func (h *harness) seedModeration(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.CreateRun(ctx, "run-1"))
	_, err := h.store.AddRunDomains(ctx, "run-1", []string{"hidden-shop.ru", "waiting.ru"})
	require.NoError(t, err)
	require.NoError(t, h.store.ClaimRunDomain(ctx, "run-1", "hidden-shop.ru", now))
	require.NoError(t, h.store.FinishRunDomain(ctx, storage.Completion{
		RunID:         "run-1",
		Domain:        "hidden-shop.ru",
		Status:        storage.StatusRequiresModeration,
		Reason:        gate.ReasonINNNotFound,
		AttemptedURLs: []string{"https://hidden-shop.ru/"},
		Emails:        []string{"info@hidden-shop.ru"},
	}, now))
	require.NoError(t, h.store.AddModeration(ctx, "hidden-shop.ru", gate.ReasonINNNotFound))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestEnrich(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/enrich", map[string]any{
		"runId":   "run-1",
		"domains": []string{"a.ru", "b.ru"},
		"force":   true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var result scheduler.SubmitResult
	decode(t, w, &result)
	assert.True(t, result.Accepted)
	assert.Equal(t, "exec-1", result.ExecutionID)

	require.Len(t, h.sched.submitted, 1)
	assert.Equal(t, []string{"a.ru", "b.ru"}, h.sched.submitted[0].Domains)
	assert.True(t, h.sched.submitted[0].Force)
}

func TestEnrich_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid request", err: scheduler.ErrInvalidRequest, want: http.StatusBadRequest},
		{name: "invalid domain", err: fmt.Errorf("%w: ???", scheduler.ErrInvalidDomain), want: http.StatusBadRequest},
		{name: "already running", err: scheduler.ErrExecutionRunning, want: http.StatusConflict},
		{name: "database", err: fmt.Errorf("failed to create run: %w", assert.AnError), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.sched.submitErr = tt.err

			w := h.do(t, http.MethodPost, "/api/v1/enrich", map[string]any{"runId": "run-1", "domains": []string{"a.ru"}})
			assert.Equal(t, tt.want, w.Code)
		})
	}

	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/enrich", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunStatus(t *testing.T) {
	h := newHarness(t)
	h.seedModeration(t)
	ctx := context.Background()

	status := storage.NewEnrichmentStatus("exec-9", scheduler.ModeAuto, false, time.Now())
	status.Status = storage.ExecutionCompleted
	status.Processed = 1
	status.Total = 2
	status.LastDomain = "hidden-shop.ru"
	require.NoError(t, h.store.SaveEnrichmentStatus(ctx, "run-1", status))

	w := h.do(t, http.MethodGet, "/api/v1/runs/run-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.RunStatusResponse
	decode(t, w, &resp)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "exec-9", resp.ExecutionID)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "hidden-shop.ru", resp.CurrentDomain)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Counts["requires_moderation"])
	assert.Equal(t, 1, resp.Counts["pending"])
}

func TestRunStatus_LiveExecutionWins(t *testing.T) {
	h := newHarness(t)
	h.seedModeration(t)

	live := storage.NewEnrichmentStatus("exec-live", scheduler.ModeAuto, false, time.Now())
	live.Status = storage.ExecutionRunning
	live.Total = 2
	h.sched.snapshot = &memory.Snapshot{RunID: "run-1", Status: *live, CurrentDomains: []string{"waiting.ru"}}

	w := h.do(t, http.MethodGet, "/api/v1/runs/run-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.RunStatusResponse
	decode(t, w, &resp)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "exec-live", resp.ExecutionID)
	assert.Equal(t, "waiting.ru", resp.CurrentDomain)
}

func TestRunStatus_UnknownRun(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/api/v1/runs/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h.sched.cancelErr = scheduler.ErrNoExecution
	w = h.do(t, http.MethodPost, "/api/v1/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.seedModeration(t)
	ctx := context.Background()

	w := h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/hidden-shop.ru/reset", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rd, err := h.store.GetRunDomain(ctx, "run-1", "hidden-shop.ru")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, rd.Status)

	mod, err := h.store.FindModeration(ctx, "hidden-shop.ru")
	require.NoError(t, err)
	assert.Nil(t, mod)

	// pending rows cannot be reset
	w = h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/waiting.ru/reset", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/missing.ru/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/localhost/reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolve(t *testing.T) {
	h := newHarness(t)
	h.seedModeration(t)

	body := map[string]any{
		"type":       "supplier",
		"inn":        "7707083893",
		"emails":     []string{"info@hidden-shop.ru"},
		"sourceUrls": map[string]string{"inn": "https://hidden-shop.ru/requisites"},
	}
	w := h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/hidden-shop.ru/resolve", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"supplier"`)

	rd, err := h.store.GetRunDomain(context.Background(), "run-1", "hidden-shop.ru")
	require.NoError(t, err)
	assert.Equal(t, "https://hidden-shop.ru/requisites", rd.INNSourceURL)

	w = h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/hidden-shop.ru/resolve", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	body["inn"] = "123"
	w = h.do(t, http.MethodPost, "/api/v1/runs/run-1/domains/waiting.ru/resolve", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModerationList(t *testing.T) {
	h := newHarness(t)
	h.seedModeration(t)

	w := h.do(t, http.MethodGet, "/api/v1/moderation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
	assert.Contains(t, w.Body.String(), "hidden-shop.ru")
}

func TestLearningEndpoints(t *testing.T) {
	h := newHarness(t)
	h.seedModeration(t)

	w := h.do(t, http.MethodPost, "/api/v1/learning/corrections", map[string]string{
		"runId":     "run-1",
		"domain":    "hidden-shop.ru",
		"type":      "inn",
		"value":     "7707083893",
		"sourceUrl": "https://hidden-shop.ru/about/requisites",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var record storage.LearningRecord
	decode(t, w, &record)
	assert.Equal(t, "inn", record.DataType)
	assert.Equal(t, "/about/requisites", record.URLPattern)

	w = h.do(t, http.MethodPost, "/api/v1/learning/corrections", map[string]string{
		"runId": "run-1", "domain": "hidden-shop.ru", "type": "inn", "value": "1", "sourceUrl": "https://hidden-shop.ru/",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/learning/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats learning.Stats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.TotalLearned)
	assert.Equal(t, 1, stats.CorrectedModeration)
	assert.InDelta(t, 1.0, stats.SuccessRateAfter, 1e-9)

	w = h.do(t, http.MethodGet, "/api/v1/learning/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pattern":"/about/requisites"`)
}

func TestWorkerControl(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/worker/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paused":true`)

	w = h.do(t, http.MethodGet, "/api/v1/worker/status", nil)
	assert.Contains(t, w.Body.String(), `"paused":true`)

	w = h.do(t, http.MethodPost, "/api/v1/worker/resume", nil)
	assert.Contains(t, w.Body.String(), `"paused":false`)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.tracker.RecordDomain("supplier", 120*time.Millisecond)

	w := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `enricher_domains_processed_total{outcome="supplier"} 1`)
}
