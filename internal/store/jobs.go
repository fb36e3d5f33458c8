package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-catalog/internal/models"
)

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
)

const jobColumns = `j.id, j.seq, j.job_type, j.priority, j.source_id, j.video_id, j.workflow_id,
	j.input_data, j.output_data, j.status, j.attempts, j.max_attempts, j.created_at, j.started_at,
	j.completed_at, j.heartbeat_at, j.scheduled_for, j.error_message, j.error_details, j.api_used,
	j.worker_id, j.deferred_reason, j.deferrals, j.updated_at`

// windowsOpen is true when no window of ledger row r is visibly exhausted at now.
// Windows whose reset has passed count as empty.
func windowsOpen(now string) string {
	return fmt.Sprintf(`(r.requests_per_minute > 0 AND (r.minute_reset_at IS NULL OR r.minute_reset_at <= %[1]s OR r.minute_count < r.requests_per_minute))
		AND (r.requests_per_hour > 0 AND (r.hour_reset_at IS NULL OR r.hour_reset_at <= %[1]s OR r.hour_count < r.requests_per_hour))
		AND (r.requests_per_day > 0 AND (r.day_reset_at IS NULL OR r.day_reset_at <= %[1]s OR r.day_count < r.requests_per_day))`, now)
}

// blockedExpr mirrors the claim filter and names why it would skip job j.
func blockedExpr(now string) string {
	return `CASE
		WHEN j.api_used IS NULL THEN ''
		WHEN r.api_name IS NULL OR NOT r.enabled THEN 'api_unavailable'
		WHEN NOT (` + windowsOpen(now) + `) THEN 'quota'
		ELSE '' END`
}

// EnqueueParams collects inputs required to insert a job. Zero values take
// the documented defaults.
type EnqueueParams struct {
	Type models.JobType
	// Priority is nil for DefaultPriority. Zero is a valid, lowest priority.
	Priority   *int
	SourceID   *string
	VideoID    *string
	WorkflowID *string
	Input      models.Payload
	// APIUsed overrides the job type's default API. A pointer to "" means
	// the job consumes no quota.
	APIUsed      *string
	ScheduledFor time.Time
	MaxAttempts  int
}

// PriorityOf returns a priority for EnqueueParams.
func PriorityOf(n int) *int {
	return &n
}

// Failure describes a handler error being recorded against a job.
type Failure struct {
	Message string
	Details models.Payload
	// RetryAt is when the job becomes claimable again if attempts remain.
	RetryAt time.Time
	// Permanent fails the job terminally regardless of remaining attempts.
	Permanent bool
}

// Enqueue inserts a pending job and returns its id.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	var id string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = s.enqueue(ctx, tx, p)
		return err
	})
	return id, err
}

func (s *Store) enqueue(ctx context.Context, q querier, p EnqueueParams) (string, error) {
	if !p.Type.Valid() {
		return "", fmt.Errorf("enqueue: unknown job type %q", p.Type)
	}
	priority := DefaultPriority
	if p.Priority != nil {
		priority = *p.Priority
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.defaultMaxAttempts()
	}
	if p.Input == nil {
		p.Input = models.Payload{}
	}
	api := p.APIUsed
	if api == nil {
		api = emptyToNil(p.Type.DefaultAPI())
	} else {
		api = emptyToNil(*api)
	}
	now := s.clock()
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = now
	}

	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}

	id := uuid.New().String()
	_, err = q.Exec(ctx, `
		INSERT INTO jobs (id, job_type, priority, source_id, video_id, workflow_id, input_data, status,
			attempts, max_attempts, created_at, scheduled_for, api_used, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10, $11, $9)
	`, id, string(p.Type), priority, p.SourceID, p.VideoID, p.WorkflowID, inputJSON, p.MaxAttempts, now, p.ScheduledFor, api)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation || pgCode(err) == codeInvalidText {
			return "", fmt.Errorf("enqueue %s: %w", p.Type, ErrReferenceNotFound)
		}
		return "", fmt.Errorf("insert job: %w", err)
	}
	if err := appendEvent(ctx, q, id, "enqueued", fmt.Sprintf("type=%s priority=%d", p.Type, priority), now); err != nil {
		return "", err
	}
	return id, nil
}

// ClaimNext atomically moves the best admissible pending job to processing
// and returns it, or nil when nothing is claimable. Concurrent callers never
// receive the same job.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	now := s.clock()
	var claimed *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE jobs AS j
			SET status = 'processing', started_at = $2, heartbeat_at = $2, worker_id = $1,
				deferred_reason = NULL, updated_at = $2
			FROM (
				SELECT c.id
				FROM jobs c
				LEFT JOIN api_rate_limits r ON r.api_name = c.api_used
				WHERE c.status = 'pending' AND c.scheduled_for <= $2
				  AND (c.api_used IS NULL OR (r.enabled AND `+windowsOpen("$2")+`))
				ORDER BY c.priority DESC, c.created_at ASC, c.seq ASC
				LIMIT 1
				FOR UPDATE OF c SKIP LOCKED
			) AS next
			WHERE j.id = next.id
			RETURNING `+jobColumns, workerID, now)
		job, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		claimed = &job
		return appendEvent(ctx, tx, job.ID, "claimed", "worker="+workerID, now)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks a processing job held by workerID as completed.
func (s *Store) Complete(ctx context.Context, id, workerID string, output models.Payload) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	now := s.clock()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'completed', completed_at = $3, output_data = $4,
				error_message = NULL, error_details = NULL, updated_at = $3
			WHERE id = $1 AND status = 'processing' AND worker_id = $2
		`, id, workerID, now, outputJSON)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		return appendEvent(ctx, tx, id, "completed", "", now)
	})
}

// Fail records a failed attempt. The job returns to pending at f.RetryAt
// unless attempts are exhausted or the failure is permanent, in which case
// it becomes failed. The updated job is returned.
func (s *Store) Fail(ctx context.Context, id, workerID string, f Failure) (models.Job, error) {
	var detailsJSON []byte
	if f.Details != nil {
		var err error
		if detailsJSON, err = json.Marshal(f.Details); err != nil {
			return models.Job{}, fmt.Errorf("marshal error details: %w", err)
		}
	}
	now := s.clock()
	if f.RetryAt.IsZero() {
		f.RetryAt = now
	}

	var job models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE jobs AS j
			SET attempts = j.attempts + 1,
				status = CASE WHEN $6::boolean OR j.attempts + 1 >= j.max_attempts THEN 'failed' ELSE 'pending' END,
				completed_at = CASE WHEN $6::boolean OR j.attempts + 1 >= j.max_attempts THEN $3::timestamptz ELSE NULL END,
				scheduled_for = CASE WHEN $6::boolean OR j.attempts + 1 >= j.max_attempts THEN j.scheduled_for ELSE $5::timestamptz END,
				error_message = $4, error_details = $7, deferred_reason = NULL, updated_at = $3
			WHERE j.id = $1 AND j.status = 'processing' AND j.worker_id = $2
			RETURNING `+jobColumns, id, workerID, now, f.Message, f.RetryAt, f.Permanent, detailsJSON)
		var err error
		job, err = scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		event := "retry_scheduled"
		if job.Status == models.StatusFailed {
			event = "failed"
		}
		return appendEvent(ctx, tx, id, event, f.Message, now)
	})
	return job, err
}

// Defer returns a processing job to pending without consuming an attempt.
func (s *Store) Defer(ctx context.Context, id, workerID string, until time.Time, reason models.DeferReason) error {
	now := s.clock()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', scheduled_for = $3, deferred_reason = $4, deferrals = deferrals + 1,
				started_at = NULL, heartbeat_at = NULL, updated_at = $5
			WHERE id = $1 AND status = 'processing' AND worker_id = $2
		`, id, workerID, until, emptyToNil(string(reason)), now)
		if err != nil {
			return fmt.Errorf("defer job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		return appendEvent(ctx, tx, id, "deferred", fmt.Sprintf("reason=%s until=%s", reason, until.Format(time.RFC3339)), now)
	})
}

// Heartbeat refreshes the lease on a processing job.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $3
		WHERE id = $1 AND status = 'processing' AND worker_id = $2
	`, id, workerID, s.clock())
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Cancel moves a pending job to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := s.clock()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status models.JobStatus
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if status != models.StatusPending {
			return fmt.Errorf("job is %s: %w", status, ErrNotCancellable)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'cancelled', completed_at = $2, updated_at = $2 WHERE id = $1
		`, id, now); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return appendEvent(ctx, tx, id, "cancelled", "", now)
	})
}

// ReapStale returns processing jobs whose lease went quiet before cutoff to
// pending, charging one attempt. Jobs out of attempts become failed.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	now := s.clock()
	var reaped []models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE jobs AS j
			SET attempts = j.attempts + 1,
				status = CASE WHEN j.attempts + 1 >= j.max_attempts THEN 'failed' ELSE 'pending' END,
				completed_at = CASE WHEN j.attempts + 1 >= j.max_attempts THEN $2::timestamptz ELSE NULL END,
				scheduled_for = $2,
				error_message = 'lease expired',
				error_details = jsonb_build_object('reason', 'lease_expired', 'worker_id', j.worker_id,
					'last_seen', COALESCE(j.heartbeat_at, j.started_at)),
				updated_at = $2
			WHERE j.id IN (
				SELECT id FROM jobs
				WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns, cutoff, now)
		if err != nil {
			return fmt.Errorf("reap stale jobs: %w", err)
		}
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan reaped job: %w", err)
			}
			reaped = append(reaped, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reap stale jobs: %w", err)
		}
		for _, job := range reaped {
			if err := appendEvent(ctx, tx, job.ID, "lease_expired", "status="+string(job.Status), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`, `+blockedExpr("$2")+`
		FROM jobs j LEFT JOIN api_rate_limits r ON r.api_name = j.api_used
		WHERE j.id = $1
	`, id, s.clock())
	var blocked string
	job, err := scanJob(row, &blocked)
	if notFound(err) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Blocked = models.DeferReason(blocked)
	return job, nil
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
}

// ListJobs returns the most recently created jobs matching f.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`, `+blockedExpr("$1")+`
		FROM jobs j LEFT JOIN api_rate_limits r ON r.api_name = j.api_used
		WHERE ($2 = '' OR j.status = $2) AND ($3 = '' OR j.job_type = $3)
		ORDER BY j.created_at DESC, j.seq DESC
		LIMIT $4
	`, s.clock(), string(f.Status), string(f.Type), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var blocked string
		job, err := scanJob(rows, &blocked)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Blocked = models.DeferReason(blocked)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats is the operator view of the queue grouped by phase.
type Stats struct {
	Total  int64                                      `json:"total"`
	Phases map[models.Phase]int64                     `json:"phases"`
	ByType map[models.JobType]map[models.Phase]int64 `json:"by_type"`
}

// Stats counts jobs by phase and by type.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	now := s.clock()
	rows, err := s.pool.Query(ctx, `
		SELECT j.job_type, j.status, COALESCE(j.deferred_reason, ''), j.attempts > 0,
			`+blockedExpr("$1")+` AS blocked, MAX(j.scheduled_for), COUNT(*)
		FROM jobs j LEFT JOIN api_rate_limits r ON r.api_name = j.api_used
		GROUP BY 1, 2, 3, 4, 5, j.scheduled_for > $1
	`, now)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	st := Stats{Phases: map[models.Phase]int64{}, ByType: map[models.JobType]map[models.Phase]int64{}}
	for rows.Next() {
		var (
			job     models.Job
			retried bool
			reason  string
			blocked string
			n       int64
		)
		if err := rows.Scan(&job.Type, &job.Status, &reason, &retried, &blocked, &job.ScheduledFor, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		job.DeferredReason = models.DeferReason(reason)
		job.Blocked = models.DeferReason(blocked)
		if retried {
			job.Attempts = 1
		}
		phase := job.Phase(now)
		st.Total += n
		st.Phases[phase] += n
		if st.ByType[job.Type] == nil {
			st.ByType[job.Type] = map[models.Phase]int64{}
		}
		st.ByType[job.Type][phase] += n
	}
	return st, rows.Err()
}

// ReadyDepth counts pending jobs whose scheduled time has arrived.
func (s *Store) ReadyDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND scheduled_for <= $1
	`, s.clock()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// ListEvents returns a job's audit trail oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return events, nil
}

func appendEvent(ctx context.Context, q querier, jobID, event, detail string, at time.Time) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at) VALUES ($1, $2, $3, $4)
	`, jobID, event, detail, at); err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row, extra ...any) (models.Job, error) {
	var (
		job                    models.Job
		input, output, details []byte
		errMsg, apiUsed        pgtype.Text
		workerID, deferred     pgtype.Text
	)
	dest := []any{
		&job.ID, &job.Seq, &job.Type, &job.Priority, &job.SourceID, &job.VideoID, &job.WorkflowID,
		&input, &output, &job.Status, &job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.HeartbeatAt, &job.ScheduledFor, &errMsg, &details, &apiUsed,
		&workerID, &deferred, &job.Deferrals, &job.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Job{}, err
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &job.Input); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if job.Input == nil {
		job.Input = models.Payload{}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &job.Output); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &job.ErrorDetails); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.APIUsed = textPtr(apiUsed)
	job.WorkerID = textPtr(workerID)
	if deferred.Valid {
		job.DeferredReason = models.DeferReason(deferred.String)
	}
	return job, nil
}
