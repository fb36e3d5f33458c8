package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType enumerates the kinds of work producers may enqueue.
type JobType string

const (
	JobDiscoverSource     JobType = "discover_source"
	JobSyncSource         JobType = "sync_source"
	JobAnalyzeVideo       JobType = "analyze_video"
	JobExtractFrames      JobType = "extract_frames"
	JobDownloadWorkflow   JobType = "download_workflow"
	JobGenerateEmbeddings JobType = "generate_embeddings"
	JobAnalyzeWorkflow    JobType = "analyze_workflow"
)

// JobTypes lists every job type in a stable order.
var JobTypes = []JobType{
	JobDiscoverSource,
	JobSyncSource,
	JobAnalyzeVideo,
	JobExtractFrames,
	JobDownloadWorkflow,
	JobGenerateEmbeddings,
	JobAnalyzeWorkflow,
}

// API identities known to the ledger by default.
const (
	APIGeminiFlash     = "gemini_flash"
	APIGeminiEmbedding = "gemini_embedding"
	APIYouTubeData     = "youtube_data"
)

// ParseJobType validates a raw job type string.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

func (t JobType) Valid() bool {
	switch t {
	case JobDiscoverSource, JobSyncSource, JobAnalyzeVideo, JobExtractFrames,
		JobDownloadWorkflow, JobGenerateEmbeddings, JobAnalyzeWorkflow:
		return true
	}
	return false
}

// DefaultAPI returns the external API identity a job of this type consumes,
// or "" when the job makes no quota-limited call.
func (t JobType) DefaultAPI() string {
	switch t {
	case JobAnalyzeVideo, JobAnalyzeWorkflow:
		return APIGeminiFlash
	case JobGenerateEmbeddings:
		return APIGeminiEmbedding
	case JobDiscoverSource, JobSyncSource:
		return APIYouTubeData
	case JobExtractFrames, JobDownloadWorkflow:
		return ""
	}
	return ""
}

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusProcessing:
		return false
	}
	return false
}

// DeferReason records why a pending job is waiting without having failed.
type DeferReason string

const (
	DeferNone           DeferReason = ""
	DeferQuota          DeferReason = "quota"
	DeferAPIUnavailable DeferReason = "api_unavailable"
)

// Phase is the operator-facing view of a job. It splits pending into the
// reasons a job may be waiting so that retries, quota waits and permanent
// failures are never reported as one state.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseWaitingQuota Phase = "waiting_quota"
	PhaseWaitingAPI   Phase = "waiting_api"
	PhaseRetrying     Phase = "retrying"
	PhaseProcessing   Phase = "processing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Payload is an opaque JSON document carried by a job. The dispatcher never
// looks inside; handlers decode it into their own types.
type Payload map[string]any

// Decode converts the payload into a typed struct via its JSON form.
func (p Payload) Decode(into any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// PayloadOf converts a typed struct into a Payload.
func PayloadOf(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Job represents a unit of schedulable work persisted in Postgres.
type Job struct {
	ID             string      `json:"id"`
	Seq            int64       `json:"seq"`
	Type           JobType     `json:"job_type"`
	Priority       int         `json:"priority"`
	SourceID       *string     `json:"source_id,omitempty"`
	VideoID        *string     `json:"video_id,omitempty"`
	WorkflowID     *string     `json:"workflow_id,omitempty"`
	Input          Payload     `json:"input_data"`
	Output         Payload     `json:"output_data,omitempty"`
	Status         JobStatus   `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time  `json:"heartbeat_at,omitempty"`
	ScheduledFor   time.Time   `json:"scheduled_for"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	ErrorDetails   Payload     `json:"error_details,omitempty"`
	APIUsed        *string     `json:"api_used,omitempty"`
	WorkerID       *string     `json:"worker_id,omitempty"`
	DeferredReason DeferReason `json:"deferred_reason,omitempty"`
	Deferrals      int         `json:"deferrals"`
	UpdatedAt      time.Time   `json:"updated_at"`

	// Blocked is computed on read: why the claim query currently skips this
	// pending job even though its deferral, if any, has expired.
	Blocked DeferReason `json:"blocked,omitempty"`
}

// API returns the API identity the job consumes, or "".
func (j Job) API() string {
	if j.APIUsed == nil {
		return ""
	}
	return *j.APIUsed
}

// Phase derives the operator-facing phase from status and bookkeeping at
// now. A recorded deferral only counts until its scheduled time; after that
// the computed Blocked reason decides.
func (j Job) Phase(now time.Time) Phase {
	switch j.Status {
	case StatusPending:
		reason := j.Blocked
		if j.DeferredReason != DeferNone && j.ScheduledFor.After(now) {
			reason = j.DeferredReason
		}
		switch reason {
		case DeferQuota:
			return PhaseWaitingQuota
		case DeferAPIUnavailable:
			return PhaseWaitingAPI
		case DeferNone:
		}
		if j.Attempts > 0 {
			return PhaseRetrying
		}
		return PhasePending
	case StatusProcessing:
		return PhaseProcessing
	case StatusCompleted:
		return PhaseCompleted
	case StatusFailed:
		return PhaseFailed
	case StatusCancelled:
		return PhaseCancelled
	}
	return PhasePending
}

// JobEvent is an audit row recorded on every transition.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
