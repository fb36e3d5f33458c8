package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
	"content-catalog/internal/telemetry"
)

// Store is the persistence surface the HTTP API needs.
type Store interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, p store.EnqueueParams) (string, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error)
	Cancel(ctx context.Context, id string) error
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	Stats(ctx context.Context) (store.Stats, error)
	QuotaStatuses(ctx context.Context) ([]models.QuotaStatus, error)
	Admit(ctx context.Context, api string) (ratelimit.Decision, error)
	RegisterSource(ctx context.Context, p store.RegisterSourceParams) (models.Source, string, error)
	SetSourceStatus(ctx context.Context, id string, status models.MonitoringStatus) error
	GetVideo(ctx context.Context, id string) (models.Video, error)
	GetVideoByExternalID(ctx context.Context, externalID string) (models.Video, error)
	PendingVideos(ctx context.Context, limit int, sourceID string) ([]models.Video, error)
	SetAnalysisStatus(ctx context.Context, videoID string, status models.ProcessingStatus) error
	UpsertWorkflow(ctx context.Context, url string, videoID *string) (string, error)
}

// Limiter throttles enqueue requests per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (bool, float64, error)
}

// Notifier wakes idle workers after an enqueue.
type Notifier interface {
	Notify(ctx context.Context, jobType string) error
}

// Server wires HTTP handlers for the producer and operator API.
type Server struct {
	store    Store
	limiter  Limiter
	notifier Notifier
	validate *validator.Validate
	now      func() time.Time
}

// New constructs the API server. limiter and notifier may be nil.
func New(st Store, limiter Limiter, notifier Notifier) *Server {
	return &Server{
		store:    st,
		limiter:  limiter,
		notifier: notifier,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Get("/quotas", s.handleQuotas)
	r.Post("/quotas/{api}/consume", s.handleConsume)

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleEvents)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Patch("/sources/{id}", s.handleSourceStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.throttle)
		r.Post("/jobs", s.handleEnqueue)
		r.Post("/sources", s.handleRegisterSource)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/analyze/batch", s.handleAnalyzeBatch)
		r.Post("/workflows", s.handleWorkflow)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Type         string         `json:"type" validate:"required"`
	Priority     *int           `json:"priority" validate:"omitempty,gte=0,lte=100"`
	SourceID     *string        `json:"source_id" validate:"omitempty,uuid"`
	VideoID      *string        `json:"video_id" validate:"omitempty,uuid"`
	WorkflowID   *string        `json:"workflow_id" validate:"omitempty,uuid"`
	Input        models.Payload `json:"input_data"`
	APIUsed      *string        `json:"api_used"`
	RunAt        *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds" validate:"gte=0"`
	MaxAttempts  int            `json:"max_attempts" validate:"gte=0,lte=50"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params := store.EnqueueParams{
		Type:        jobType,
		Priority:    req.Priority,
		SourceID:    req.SourceID,
		VideoID:     req.VideoID,
		WorkflowID:  req.WorkflowID,
		Input:       req.Input,
		APIUsed:     req.APIUsed,
		MaxAttempts: req.MaxAttempts,
	}
	if req.RunAt != nil {
		params.ScheduledFor = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		params.ScheduledFor = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	id, ok := s.enqueue(w, r, params)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
}

// enqueue writes the error response itself and reports whether it succeeded.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, p store.EnqueueParams) (string, bool) {
	id, err := s.store.Enqueue(r.Context(), p)
	if err != nil {
		writeStoreError(w, err)
		return "", false
	}
	telemetry.JobsEnqueued.WithLabelValues(string(p.Type)).Inc()
	s.notify(r.Context(), p.Type)
	log.Info().Str("job_id", id).Str("type", string(p.Type)).Str("tenant", tenantFromRequest(r)).Msg("job enqueued")
	return id, true
}

func (s *Server) notify(ctx context.Context, t models.JobType) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, string(t)); err != nil {
		log.Warn().Err(err).Msg("wake-up signal failed")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{Status: models.JobStatus(q.Get("status")), Type: models.JobType(q.Get("type"))}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown status"))
		return
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown job type"))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a number"))
			return
		}
		f.Limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, s.jobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Info().Str("job_id", id).Msg("job cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuotas(w http.ResponseWriter, r *http.Request) {
	quotas, err := s.store.QuotaStatuses(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotas": quotas})
}

type consumeResponse struct {
	API      string     `json:"api"`
	Admitted bool       `json:"admitted"`
	Reason   string     `json:"reason"`
	RetryAt  *time.Time `json:"retry_at,omitempty"`
}

// handleConsume is standalone admission for callers outside the job
// pipeline. A denial is a normal answer, not an error.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	api := chi.URLParam(r, "api")
	d, err := s.store.Admit(r.Context(), api)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := consumeResponse{API: api, Admitted: d.Admitted, Reason: string(d.Reason)}
	if !d.RetryAt.IsZero() {
		resp.RetryAt = &d.RetryAt
	}
	if !d.Admitted {
		telemetry.QuotaDenials.WithLabelValues(api, string(d.Reason)).Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerSourceRequest struct {
	CreatorName       string `json:"creator_name" validate:"required,max=200"`
	Platform          string `json:"platform" validate:"required"`
	URL               string `json:"url" validate:"required,url"`
	ExternalID        string `json:"external_id"`
	Title             string `json:"title"`
	CheckIntervalHour int    `json:"check_interval_hours" validate:"gte=0,lte=720"`
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var req registerSourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	src, jobID, err := s.store.RegisterSource(r.Context(), store.RegisterSourceParams{
		CreatorName:   req.CreatorName,
		Platform:      platform,
		URL:           req.URL,
		ExternalID:    req.ExternalID,
		Title:         req.Title,
		CheckInterval: time.Duration(req.CheckIntervalHour) * time.Hour,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if jobID != "" {
		telemetry.JobsEnqueued.WithLabelValues(string(models.JobDiscoverSource)).Inc()
		s.notify(r.Context(), models.JobDiscoverSource)
	}
	log.Info().Str("source_id", src.ID).Str("url", src.URL).Str("job_id", jobID).Msg("source registered")
	writeJSON(w, http.StatusCreated, map[string]any{"source": src, "job_id": jobID})
}

type sourceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active paused archived"`
}

// handleSourceStatus pauses, resumes or archives monitoring of a source.
// Only active sources are picked up by the periodic sync.
func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	var req sourceStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	status := models.MonitoringStatus(req.Status)
	if err := s.store.SetSourceStatus(r.Context(), id, status); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Info().Str("source_id", id).Str("status", req.Status).Msg("source status changed")
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "status": req.Status})
}

// manualAnalyzePriority puts operator requests ahead of synced videos.
const manualAnalyzePriority = 7

type analyzeRequest struct {
	VideoID  string `json:"video_id" validate:"omitempty,uuid"`
	URL      string `json:"url" validate:"omitempty,url"`
	Priority *int   `json:"priority" validate:"omitempty,gte=0,lte=100"`
}

var youtubeID = regexp.MustCompile(`(?:v=|youtu\.be/)([a-zA-Z0-9_-]{11})`)

// ExtractYouTubeID returns the 11 character video id of a watch or short URL.
func ExtractYouTubeID(raw string) (string, bool) {
	m := youtubeID.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.VideoID == "" && req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("video_id or url is required"))
		return
	}
	var (
		video models.Video
		err   error
	)
	if req.VideoID != "" {
		video, err = s.store.GetVideo(r.Context(), req.VideoID)
	} else {
		ext, ok := ExtractYouTubeID(req.URL)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("could not find a video id in url"))
			return
		}
		video, err = s.store.GetVideoByExternalID(r.Context(), ext)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	priority := req.Priority
	if priority == nil {
		priority = store.PriorityOf(manualAnalyzePriority)
	}
	id, ok := s.enqueue(w, r, store.EnqueueParams{Type: models.JobAnalyzeVideo, Priority: priority, VideoID: &video.ID})
	if !ok {
		return
	}
	if err := s.store.SetAnalysisStatus(r.Context(), video.ID, models.ProcessingQueued); err != nil {
		log.Warn().Err(err).Str("video_id", video.ID).Msg("mark analysis queued")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "video_id": video.ID})
}

type batchRequest struct {
	Limit    int    `json:"limit" validate:"gte=0,lte=500"`
	SourceID string `json:"source_id" validate:"omitempty,uuid"`
}

func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	videos, err := s.store.PendingVideos(r.Context(), req.Limit, req.SourceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ids := make([]string, 0, len(videos))
	for _, v := range videos {
		vid := v.ID
		id, ok := s.enqueue(w, r, store.EnqueueParams{Type: models.JobAnalyzeVideo, VideoID: &vid})
		if !ok {
			return
		}
		if err := s.store.SetAnalysisStatus(r.Context(), vid, models.ProcessingQueued); err != nil {
			log.Warn().Err(err).Str("video_id", vid).Msg("mark analysis queued")
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(ids), "job_ids": ids})
}

type workflowRequest struct {
	URL     string  `json:"url" validate:"required,url"`
	VideoID *string `json:"video_id" validate:"omitempty,uuid"`
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	wfID, err := s.store.UpsertWorkflow(r.Context(), req.URL, req.VideoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	id, ok := s.enqueue(w, r, store.EnqueueParams{
		Type:       models.JobDownloadWorkflow,
		WorkflowID: &wfID,
		Input:      models.Payload{"url": req.URL},
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "workflow_id": wfID})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			log.Error().Err(err).Msg("rate limit check failed")
			writeError(w, http.StatusInternalServerError, errors.New("rate limit error"))
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, errors.New("rate limited"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return false
	}
	if err := s.validate.Struct(into); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// jobResponse adds the derived phase to the stored job.
type jobResponse struct {
	models.Job
	Phase models.Phase `json:"phase"`
}

func (s *Server) jobView(j models.Job) jobResponse {
	return jobResponse{Job: j, Phase: j.Phase(s.now())}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("took", time.Since(start)).Str("request_id", middleware.GetReqID(r.Context())).Msg("http request")
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrReferenceNotFound):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, store.ErrNotCancellable):
		writeError(w, http.StatusConflict, err)
	default:
		log.Error().Err(err).Msg("store error")
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
