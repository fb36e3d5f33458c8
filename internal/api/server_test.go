package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
)

const (
	videoUUID  = "8a6f4a52-1f7e-4d0e-9a57-2c1c3f0d9b11"
	sourceUUID = "0b5c2d7e-4a1b-4f6e-8c3d-9e2f1a0b7c65"
)

type fakeStore struct {
	enqueued  []store.EnqueueParams
	jobs      map[string]models.Job
	videos    map[string]models.Video
	statuses  map[string]models.ProcessingStatus
	decision  ratelimit.Decision
	cancelErr error
	pending   []models.Video
	sources   map[string]models.MonitoringStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     map[string]models.Job{},
		videos:   map[string]models.Video{},
		statuses: map[string]models.ProcessingStatus{},
		sources:  map[string]models.MonitoringStatus{},
	}
}

func (f *fakeStore) SetSourceStatus(_ context.Context, id string, status models.MonitoringStatus) error {
	if _, ok := f.sources[id]; !ok {
		return store.ErrNotFound
	}
	f.sources[id] = status
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Enqueue(_ context.Context, p store.EnqueueParams) (string, error) {
	if p.VideoID != nil {
		if _, ok := f.videos[*p.VideoID]; !ok {
			return "", store.ErrReferenceNotFound
		}
	}
	f.enqueued = append(f.enqueued, p)
	return "job-" + string(rune('a'+len(f.enqueued)-1)), nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) ListJobs(context.Context, store.JobFilter) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) Cancel(_ context.Context, id string) error {
	if _, ok := f.jobs[id]; !ok {
		return store.ErrNotFound
	}
	return f.cancelErr
}

func (f *fakeStore) ListEvents(_ context.Context, id string) ([]models.JobEvent, error) {
	return []models.JobEvent{{JobID: id, Event: "enqueued"}}, nil
}

func (f *fakeStore) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Total: 3, Phases: map[models.Phase]int64{
		models.PhaseRetrying: 1, models.PhaseFailed: 1, models.PhaseWaitingQuota: 1,
	}}, nil
}

func (f *fakeStore) QuotaStatuses(context.Context) ([]models.QuotaStatus, error) {
	return []models.QuotaStatus{{APIName: "gemini_flash", Enabled: true, MinuteRemaining: 2, Admissible: true}}, nil
}

func (f *fakeStore) Admit(context.Context, string) (ratelimit.Decision, error) {
	return f.decision, nil
}

func (f *fakeStore) RegisterSource(_ context.Context, p store.RegisterSourceParams) (models.Source, string, error) {
	return models.Source{ID: sourceUUID, URL: p.URL, Platform: p.Platform}, "job-discover", nil
}

func (f *fakeStore) GetVideo(_ context.Context, id string) (models.Video, error) {
	v, ok := f.videos[id]
	if !ok {
		return models.Video{}, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) GetVideoByExternalID(_ context.Context, ext string) (models.Video, error) {
	for _, v := range f.videos {
		if v.ExternalID == ext {
			return v, nil
		}
	}
	return models.Video{}, store.ErrNotFound
}

func (f *fakeStore) PendingVideos(_ context.Context, limit int, _ string) ([]models.Video, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeStore) SetAnalysisStatus(_ context.Context, id string, st models.ProcessingStatus) error {
	f.statuses[id] = st
	return nil
}

func (f *fakeStore) UpsertWorkflow(context.Context, string, *string) (string, error) {
	return "wf-1", nil
}

type recordingNotifier struct{ types []string }

func (n *recordingNotifier) Notify(_ context.Context, t string) error {
	n.types = append(n.types, t)
	return nil
}

func newTestServer(t *testing.T, st *fakeStore, limiter Limiter) (http.Handler, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	srv := New(st, limiter, n)
	return srv.Router(), n
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEnqueueDefaults(t *testing.T) {
	st := newFakeStore()
	h, n := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "sync_source", "source_id": sourceUUID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "job-a", decodeBody(t, rec)["job_id"])

	require.Len(t, st.enqueued, 1)
	p := st.enqueued[0]
	assert.Equal(t, models.JobSyncSource, p.Type)
	assert.Zero(t, p.MaxAttempts, "store applies the configured attempt budget")
	assert.Nil(t, p.Priority, "store applies the default priority")
	assert.Equal(t, []string{"sync_source"}, n.types)
}

func TestEnqueueKeepsZeroPriority(t *testing.T) {
	st := newFakeStore()
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "sync_source", "source_id": sourceUUID, "priority": 0})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotNil(t, st.enqueued[0].Priority)
	assert.Equal(t, 0, *st.enqueued[0].Priority)

	rec = do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "sync_source", "priority": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueDelay(t *testing.T) {
	st := newFakeStore()
	srv := New(st, nil, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	rec := do(t, srv.Router(), http.MethodPost, "/jobs", map[string]any{"type": "analyze_workflow", "delay_seconds": 90})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, now.Add(90*time.Second), st.enqueued[0].ScheduledFor)
}

func TestEnqueueValidation(t *testing.T) {
	h, _ := newTestServer(t, newFakeStore(), nil)

	rec := do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "transcode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "analyze_video", "video_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueMissingReference(t *testing.T) {
	h, _ := newTestServer(t, newFakeStore(), nil)
	rec := do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "analyze_video", "video_id": videoUUID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetJobShowsPhase(t *testing.T) {
	st := newFakeStore()
	st.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusPending, DeferredReason: models.DeferQuota,
		ScheduledFor: time.Now().Add(time.Hour)}
	st.jobs["j2"] = models.Job{ID: "j2", Status: models.StatusPending, Attempts: 1}
	st.jobs["j3"] = models.Job{ID: "j3", Status: models.StatusPending, DeferredReason: models.DeferQuota,
		ScheduledFor: time.Now().Add(-time.Minute)}
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodGet, "/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting_quota", decodeBody(t, rec)["phase"])

	rec = do(t, h, http.MethodGet, "/jobs/j2", nil)
	assert.Equal(t, "retrying", decodeBody(t, rec)["phase"])

	rec = do(t, h, http.MethodGet, "/jobs/j3", nil)
	assert.Equal(t, "pending", decodeBody(t, rec)["phase"], "an expired deferral no longer counts")

	rec = do(t, h, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	st := newFakeStore()
	st.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusPending}
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/jobs/j1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	st.cancelErr = store.ErrNotCancellable
	rec = do(t, h, http.MethodPost, "/jobs/j1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEvents(t *testing.T) {
	st := newFakeStore()
	st.jobs["j1"] = models.Job{ID: "j1"}
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodGet, "/jobs/j1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["events"], 1)
}

func TestStatsAndQuotas(t *testing.T) {
	h, _ := newTestServer(t, newFakeStore(), nil)

	rec := do(t, h, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	phases := decodeBody(t, rec)["phases"].(map[string]any)
	assert.EqualValues(t, 1, phases["retrying"])
	assert.EqualValues(t, 1, phases["failed"])
	assert.EqualValues(t, 1, phases["waiting_quota"])

	rec = do(t, h, http.MethodGet, "/quotas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["quotas"], 1)
}

func TestConsume(t *testing.T) {
	st := newFakeStore()
	retry := time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)
	st.decision = ratelimit.Decision{Reason: ratelimit.ReasonQuota, RetryAt: retry}
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/quotas/gemini_flash/consume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["admitted"])
	assert.Equal(t, string(ratelimit.ReasonQuota), body["reason"])
	assert.Equal(t, retry.Format(time.RFC3339), body["retry_at"])
}

func TestRegisterSource(t *testing.T) {
	h, n := newTestServer(t, newFakeStore(), nil)

	rec := do(t, h, http.MethodPost, "/sources", map[string]any{
		"creator_name": "Comfy Lab", "platform": "youtube", "url": "https://www.youtube.com/@comfylab",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "job-discover", decodeBody(t, rec)["job_id"])
	assert.Equal(t, []string{"discover_source"}, n.types)

	rec = do(t, h, http.MethodPost, "/sources", map[string]any{
		"creator_name": "Comfy Lab", "platform": "myspace", "url": "https://example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtractYouTubeID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":           "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ?t=42":                     "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?list=x&v=dQw4w9WgXcQ&t=1": "dQw4w9WgXcQ",
	}
	for raw, want := range cases {
		got, ok := ExtractYouTubeID(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ExtractYouTubeID("https://vimeo.com/12345")
	assert.False(t, ok)
}

func TestAnalyzeByURL(t *testing.T) {
	st := newFakeStore()
	st.videos[videoUUID] = models.Video{ID: videoUUID, ExternalID: "dQw4w9WgXcQ"}
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/analyze", map[string]any{"url": "https://youtu.be/dQw4w9WgXcQ"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, models.JobAnalyzeVideo, st.enqueued[0].Type)
	require.NotNil(t, st.enqueued[0].Priority)
	assert.Equal(t, 7, *st.enqueued[0].Priority)
	assert.Equal(t, models.ProcessingQueued, st.statuses[videoUUID])

	rec = do(t, h, http.MethodPost, "/analyze", map[string]any{"video_id": videoUUID, "priority": 0})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 0, *st.enqueued[1].Priority)

	rec = do(t, h, http.MethodPost, "/analyze", map[string]any{"url": "https://youtu.be/AAAAAAAAAAA"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/analyze", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeBatch(t *testing.T) {
	st := newFakeStore()
	for i, id := range []string{videoUUID, "1c9d7f3a-5e2b-4c8d-9f1a-6b3e2d4c5a7f", "2d8e6f4b-3a1c-4b9e-8d7f-5c4b3a2e1d0f"} {
		v := models.Video{ID: id, ExternalID: string(rune('a' + i))}
		st.videos[id] = v
		st.pending = append(st.pending, v)
	}
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/analyze/batch", map[string]any{"limit": 2})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["queued"])
	assert.Len(t, st.enqueued, 2)
	assert.Len(t, st.statuses, 2)
}

func TestWorkflowEnqueue(t *testing.T) {
	st := newFakeStore()
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPost, "/workflows", map[string]any{"url": "https://github.com/acme/flows/blob/main/upscale.json"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, models.JobDownloadWorkflow, st.enqueued[0].Type)
	assert.Equal(t, "wf-1", *st.enqueued[0].WorkflowID)
}

func TestThrottlePerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	h, _ := newTestServer(t, newFakeStore(), bucket)
	send := func(tenant string) int {
		req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(`{"type":"sync_source"}`))
		req.Header.Set("X-Tenant-ID", tenant)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send("acme"))
	assert.Equal(t, http.StatusTooManyRequests, send("acme"))
	assert.Equal(t, http.StatusAccepted, send("globex"))

	rec := do(t, h, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not throttled")
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t, newFakeStore(), nil)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSourceStatus(t *testing.T) {
	st := newFakeStore()
	st.sources[sourceUUID] = models.MonitorActive
	h, _ := newTestServer(t, st, nil)

	rec := do(t, h, http.MethodPatch, "/sources/"+sourceUUID, map[string]any{"status": "paused"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.MonitorPaused, st.sources[sourceUUID])

	rec = do(t, h, http.MethodPatch, "/sources/"+sourceUUID, map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, "/sources/"+videoUUID, map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
