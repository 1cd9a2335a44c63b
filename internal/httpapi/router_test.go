package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/adapters/jobstore/fsstore"
	"reel/internal/adapters/storage/localfs"
	"reel/internal/httpapi/handlers"
	"reel/internal/metrics"
	"reel/internal/models"
	"reel/internal/pkg/logger"
	"reel/internal/pkg/middleware"
	"reel/internal/ports"
	"reel/internal/scripts"
	"reel/internal/worker"
)

const sceneScript = `from manim import *

class Intro(Scene):
    def construct(self):
        self.wait(1)
`

type apiHarness struct {
	handler    http.Handler
	store      ports.JobStore
	dispatcher *worker.Dispatcher
	sp         *localfs.LocalFS
}

type harnessOpts struct {
	capacity int
	notReady bool
	limiter  *middleware.RateLimiter
}

func newHarness(t *testing.T, opts harnessOpts) *apiHarness {
	t.Helper()
	if opts.capacity == 0 {
		opts.capacity = 8
	}
	log := logger.NewNop()

	store, err := fsstore.Open(t.TempDir(), log)
	require.NoError(t, err)
	scriptStore, err := scripts.NewStore(t.TempDir())
	require.NoError(t, err)
	sp := localfs.New(t.TempDir(), "http://reel.test")
	m := metrics.New()

	disp := worker.NewDispatcher(worker.DispatcherConfig{
		Store:    store,
		Capacity: opts.capacity,
		Checker:  scriptStore,
		Metrics:  m,
		Log:      log,
	})
	if !opts.notReady {
		disp.MarkReady()
	}

	h := NewRouter(Deps{
		Handlers: handlers.Deps{
			Jobs:    disp,
			Health:  worker.NewHealth(store, disp, nil),
			Scripts: scriptStore,
			Store:   store,
			SP:      sp,
		},
		Metrics:        m.Handler(),
		AllowedOrigins: []string{"http://app.local"},
		SubmitLimiter:  opts.limiter,
		Log:            log,
	})
	return &apiHarness{handler: h, store: store, dispatcher: disp, sp: sp}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return e["code"].(string)
}

func (h *apiHarness) submit(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/jobs", map[string]any{
		"script_code": sceneScript,
		"scene_name":  "Intro",
		"quality":     "low",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode(t, rec)["job_id"].(string)
}

func TestPostJobWithInlineScript(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.do(t, http.MethodPost, "/jobs", map[string]any{
		"script_code": sceneScript,
		"scene_name":  "Intro",
		"quality":     "LOW",
		"webhook_url": "https://hooks.example.com/reel",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	id := body["job_id"].(string)
	assert.NotEmpty(t, id)
	assert.Len(t, body["script_reference"], 64)
	assert.Equal(t, "/jobs/"+id, rec.Header().Get("Location"))

	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, models.QualityLow, job.Request.Quality)
	assert.Equal(t, 1, h.dispatcher.Depth())

	// The stored reference can be reused directly.
	rec = h.do(t, http.MethodPost, "/jobs", map[string]any{
		"script_reference": body["script_reference"],
		"quality":          "high",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestPostJobValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	tests := []struct {
		name string
		body any
	}{
		{"missing script", map[string]any{"quality": "low"}},
		{"bad quality", map[string]any{"script_code": sceneScript, "quality": "8k"}},
		{"both script forms", map[string]any{"script_code": sceneScript, "script_reference": "abc", "quality": "low"}},
		{"unknown scene", map[string]any{"script_code": sceneScript, "scene_name": "Outro", "quality": "low"}},
		{"unknown reference", map[string]any{"script_reference": strings.Repeat("a", 64), "quality": "low"}},
		{"unknown field", map[string]any{"script_code": sceneScript, "quality": "low", "resolution": "1080p"}},
		{"bad webhook", map[string]any{"script_code": sceneScript, "quality": "low", "webhook_url": "ftp://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
		})
	}
	assert.Equal(t, 0, h.dispatcher.Depth())
}

func TestPostJobAdmissionErrors(t *testing.T) {
	t.Run("unavailable before recovery", func(t *testing.T) {
		h := newHarness(t, harnessOpts{notReady: true})
		rec := h.do(t, http.MethodPost, "/jobs", map[string]any{"script_code": sceneScript, "quality": "low"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "UNAVAILABLE", errorCode(t, rec))
	})

	t.Run("overloaded", func(t *testing.T) {
		h := newHarness(t, harnessOpts{capacity: 1})
		h.submit(t)
		rec := h.do(t, http.MethodPost, "/jobs", map[string]any{"script_code": sceneScript, "quality": "low"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "OVERLOADED", errorCode(t, rec))
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, harnessOpts{limiter: middleware.NewRateLimiter(0.001, 1)})
		h.submit(t)
		rec := h.do(t, http.MethodPost, "/jobs", map[string]any{"script_code": sceneScript, "quality": "low"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

		// Reads are not throttled.
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/jobs", nil).Code)
	})
}

func TestGetJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.submit(t)

	rec := h.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "pending", body["state"])
	assert.Equal(t, float64(0), body["attempt_count"])
	assert.NotContains(t, body, "result")
	assert.NotContains(t, body, "error")

	rec = h.do(t, http.MethodGet, "/jobs/job_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestListJobs(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := h.submit(t)
	h.submit(t)
	h.submit(t)

	rec := h.do(t, http.MethodDelete, "/jobs/"+first, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/jobs?state=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	assert.Len(t, jobs, 2)

	rec = h.do(t, http.MethodGet, "/jobs?state=cancelled,pending&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/jobs?state=exploded", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/jobs?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/jobs?limit=1000", nil).Code)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.submit(t)

	rec := h.do(t, http.MethodDelete, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode(t, rec)["state"])
	assert.Equal(t, 0, h.dispatcher.Depth())

	rec = h.do(t, http.MethodDelete, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", errorCode(t, rec))

	rec = h.do(t, http.MethodDelete, "/jobs/job_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.submit(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["pending_count"])
	assert.Equal(t, float64(0), body["running_count"])
	assert.NotNil(t, body["oldest_pending_age"])
	assert.Equal(t, float64(8), body["queue_capacity"])
	assert.NotContains(t, body, "checks")

	rec = h.do(t, http.MethodGet, "/health?deep=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	checks := decode(t, rec)["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["job_store"].(map[string]any)["status"])
	assert.Equal(t, "localfs", checks["storage"].(map[string]any)["provider"])
}

func TestHealthStarting(t *testing.T) {
	h := newHarness(t, harnessOpts{notReady: true})

	body := decode(t, h.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, "starting", body["status"])
	assert.Nil(t, body["oldest_pending_age"])
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.submit(t)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reel_queue_depth 1")
	assert.Contains(t, rec.Body.String(), "reel_submissions_total")
}

func TestStreamArtifact(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.sp.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey: "renders/job_1/Intro_low.mp4",
		Reader:    strings.NewReader("fake mp4"),
	})
	require.NoError(t, err)

	url, err := h.sp.PublicURL(context.Background(), "renders/job_1/Intro_low.mp4")
	require.NoError(t, err)
	path := strings.TrimPrefix(url, "http://reel.test")

	rec := h.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake mp4", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))

	rec = h.do(t, http.MethodGet, "/artifacts/renders/job_1/missing.mp4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDAndCORS(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://app.local")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "http://app.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}
