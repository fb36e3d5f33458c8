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

const sourceColumns = `s.id, s.creator_id, s.platform, s.external_id, s.url, s.title, s.monitoring_status,
	s.check_interval_seconds, s.last_checked_at, s.next_check_at, s.created_at`

const videoColumns = `v.id, v.source_id, v.external_id, v.url, v.title, v.description, v.duration_seconds,
	v.published_at, v.analysis_status, v.frames_status, COALESCE(c.name, ''), v.created_at`

const videoFrom = `videos v
	LEFT JOIN sources s ON s.id = v.source_id
	LEFT JOIN creators c ON c.id = s.creator_id`

const workflowColumns = `id, video_id, url, name, content, node_count, node_types, summary, created_at`

// RegisterSourceParams describes a creator's channel or repository to monitor.
type RegisterSourceParams struct {
	CreatorName   string
	Platform      models.Platform
	URL           string
	ExternalID    string
	Title         string
	CheckInterval time.Duration
}

// RegisterSource creates the creator and source, or reuses the source with
// the same URL, and enqueues discovery in the same transaction. It returns
// the source and the discovery job id.
func (s *Store) RegisterSource(ctx context.Context, p RegisterSourceParams) (models.Source, string, error) {
	if p.CheckInterval <= 0 {
		p.CheckInterval = 6 * time.Hour
	}
	now := s.clock()

	var (
		src   models.Source
		jobID string
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		creatorID := uuid.New().String()
		if _, err := tx.Exec(ctx, `
			INSERT INTO creators (id, name, created_at) VALUES ($1, $2, $3)
		`, creatorID, p.CreatorName, now); err != nil {
			return fmt.Errorf("insert creator: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO sources AS s (id, creator_id, platform, external_id, url, title, monitoring_status,
				check_interval_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
			ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
			RETURNING `+sourceColumns,
			uuid.New().String(), creatorID, string(p.Platform), emptyToNil(p.ExternalID), p.URL,
			emptyToNil(p.Title), int64(p.CheckInterval/time.Second), now)
		var err error
		if src, err = scanSource(row); err != nil {
			return fmt.Errorf("upsert source: %w", err)
		}
		if src.CreatorID != creatorID {
			// Existing source: drop the creator row we just made.
			if _, err := tx.Exec(ctx, `DELETE FROM creators WHERE id = $1`, creatorID); err != nil {
				return fmt.Errorf("discard creator: %w", err)
			}
		}

		jobID, err = s.enqueue(ctx, tx, EnqueueParams{
			Type:     models.JobDiscoverSource,
			Priority: PriorityOf(6),
			SourceID: &src.ID,
			Input:    models.Payload{"url": src.URL},
		})
		return err
	})
	if err != nil {
		return models.Source{}, "", err
	}
	return src, jobID, nil
}

func (s *Store) GetSource(ctx context.Context, id string) (models.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources s WHERE s.id = $1`, id))
	if notFound(err) {
		return models.Source{}, ErrNotFound
	}
	if err != nil {
		return models.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// MarkSourceChecked records a successful listing. A pending source becomes
// active; title and external id are filled in when first learned.
func (s *Store) MarkSourceChecked(ctx context.Context, id, title, externalID string) error {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET last_checked_at = $2,
			next_check_at = $2::timestamptz + make_interval(secs => check_interval_seconds),
			monitoring_status = CASE WHEN monitoring_status = 'pending' THEN 'active' ELSE monitoring_status END,
			title = COALESCE(title, $3),
			external_id = COALESCE(external_id, $4)
		WHERE id = $1
	`, id, now, emptyToNil(title), emptyToNil(externalID))
	if err != nil {
		return fmt.Errorf("mark source checked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSourceStatus changes the monitoring status of a source.
func (s *Store) SetSourceStatus(ctx context.Context, id string, status models.MonitoringStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET monitoring_status = $2 WHERE id = $1`, id, string(status))
	if pgCode(err) == codeInvalidText {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("set source status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnqueueDueSyncs enqueues sync_source for up to limit active sources whose
// next check has arrived and pushes their next check forward, atomically.
func (s *Store) EnqueueDueSyncs(ctx context.Context, limit int) ([]string, error) {
	now := s.clock()
	var jobIDs []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, url FROM sources
			WHERE monitoring_status = 'active' AND (next_check_at IS NULL OR next_check_at <= $1)
			ORDER BY next_check_at NULLS FIRST
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, limit)
		if err != nil {
			return fmt.Errorf("select due sources: %w", err)
		}
		type due struct{ id, url string }
		var sources []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.url); err != nil {
				rows.Close()
				return fmt.Errorf("scan due source: %w", err)
			}
			sources = append(sources, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, d := range sources {
			id := d.id
			jobID, err := s.enqueue(ctx, tx, EnqueueParams{
				Type:     models.JobSyncSource,
				SourceID: &id,
				Input:    models.Payload{"url": d.url},
			})
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE sources SET next_check_at = $2::timestamptz + make_interval(secs => check_interval_seconds) WHERE id = $1
			`, id, now); err != nil {
				return fmt.Errorf("advance next check: %w", err)
			}
			jobIDs = append(jobIDs, jobID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobIDs, nil
}

// VideoParams is a listing entry discovered on a source.
type VideoParams struct {
	SourceID    string
	ExternalID  string
	URL         string
	Title       string
	Description string
	DurationSec int
	PublishedAt *time.Time
}

// UpsertVideo inserts a video or refreshes its listing fields. created
// reports whether the row is new.
func (s *Store) UpsertVideo(ctx context.Context, p VideoParams) (string, bool, error) {
	var (
		id      string
		created bool
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO videos (id, source_id, external_id, url, title, description, duration_seconds, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = CASE WHEN EXCLUDED.description = '' THEN videos.description ELSE EXCLUDED.description END,
			duration_seconds = GREATEST(videos.duration_seconds, EXCLUDED.duration_seconds),
			published_at = COALESCE(EXCLUDED.published_at, videos.published_at)
		RETURNING id, (xmax = 0)
	`, uuid.New().String(), p.SourceID, p.ExternalID, p.URL, p.Title, p.Description, p.DurationSec, p.PublishedAt, s.clock()).
		Scan(&id, &created)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation || pgCode(err) == codeInvalidText {
			return "", false, fmt.Errorf("upsert video %s: %w", p.ExternalID, ErrReferenceNotFound)
		}
		return "", false, fmt.Errorf("upsert video: %w", err)
	}
	return id, created, nil
}

func (s *Store) GetVideo(ctx context.Context, id string) (models.Video, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM `+videoFrom+` WHERE v.id = $1`, id))
	if notFound(err) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

func (s *Store) GetVideoByExternalID(ctx context.Context, externalID string) (models.Video, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM `+videoFrom+` WHERE v.external_id = $1`, externalID))
	if notFound(err) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("get video by external id: %w", err)
	}
	return v, nil
}

// PendingVideos returns videos awaiting analysis, newest published first.
// sourceID narrows to one source when non-empty.
func (s *Store) PendingVideos(ctx context.Context, limit int, sourceID string) ([]models.Video, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+videoColumns+` FROM `+videoFrom+`
		WHERE v.analysis_status = 'pending' AND ($2 = '' OR v.source_id::text = $2)
		ORDER BY v.published_at DESC NULLS LAST, v.created_at DESC
		LIMIT $1
	`, limit, sourceID)
	if err != nil {
		return nil, fmt.Errorf("pending videos: %w", err)
	}
	defer rows.Close()

	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) SetAnalysisStatus(ctx context.Context, videoID string, status models.ProcessingStatus) error {
	return s.setVideoColumn(ctx, "analysis_status", videoID, status)
}

func (s *Store) SetFramesStatus(ctx context.Context, videoID string, status models.ProcessingStatus) error {
	return s.setVideoColumn(ctx, "frames_status", videoID, status)
}

func (s *Store) setVideoColumn(ctx context.Context, column, videoID string, status models.ProcessingStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE videos SET `+column+` = $2 WHERE id = $1`, videoID, string(status))
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set video %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SavedAnalysis reports what SaveAnalysis queued alongside the analysis.
type SavedAnalysis struct {
	Queued      []models.JobType
	WorkflowIDs []string
}

// SaveAnalysis upserts a video's analysis, replaces its moments, marks the
// video analyzed and queues its follow-up jobs, in one transaction: frame
// extraction when there are moments, embeddings, and a download for every
// workflow link.
func (s *Store) SaveAnalysis(ctx context.Context, a models.VideoAnalysis, moments []models.VideoMoment, workflowLinks []string) (SavedAnalysis, error) {
	var saved SavedAnalysis
	raw, err := json.Marshal(a.Raw)
	if err != nil {
		return saved, fmt.Errorf("marshal raw analysis: %w", err)
	}
	now := s.clock()
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO video_analysis (id, video_id, summary, summary_pt, difficulty_level, key_topics,
				techniques_shown, models_mentioned, custom_nodes_mentioned, prerequisites, raw_response,
				model_used, tokens_used, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (video_id) DO UPDATE SET
				summary = EXCLUDED.summary,
				summary_pt = EXCLUDED.summary_pt,
				difficulty_level = EXCLUDED.difficulty_level,
				key_topics = EXCLUDED.key_topics,
				techniques_shown = EXCLUDED.techniques_shown,
				models_mentioned = EXCLUDED.models_mentioned,
				custom_nodes_mentioned = EXCLUDED.custom_nodes_mentioned,
				prerequisites = EXCLUDED.prerequisites,
				raw_response = EXCLUDED.raw_response,
				model_used = EXCLUDED.model_used,
				tokens_used = EXCLUDED.tokens_used,
				created_at = EXCLUDED.created_at
		`, uuid.New().String(), a.VideoID, a.Summary, a.SummaryPT, a.Difficulty, nonNil(a.KeyTopics),
			nonNil(a.Techniques), nonNil(a.ModelsMentioned), nonNil(a.CustomNodes), nonNil(a.Prerequisites),
			raw, a.ModelUsed, a.TokensUsed, now)
		if err != nil {
			if pgCode(err) == codeForeignKeyViolation || pgCode(err) == codeInvalidText {
				return fmt.Errorf("save analysis for %s: %w", a.VideoID, ErrReferenceNotFound)
			}
			return fmt.Errorf("upsert analysis: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM video_moments WHERE video_id = $1`, a.VideoID); err != nil {
			return fmt.Errorf("clear moments: %w", err)
		}
		for _, m := range moments {
			if _, err := tx.Exec(ctx, `
				INSERT INTO video_moments (id, video_id, timestamp_seconds, timestamp_formatted, moment_type,
					description, nodes_visible, importance_score)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, uuid.New().String(), a.VideoID, m.TimestampSeconds, m.TimestampLabel, m.MomentType,
				m.Description, nonNil(m.NodesVisible), m.Importance); err != nil {
				return fmt.Errorf("insert moment: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE videos SET analysis_status = 'completed',
				frames_status = CASE WHEN $2 THEN 'queued' ELSE frames_status END
			WHERE id = $1
		`, a.VideoID, len(moments) > 0); err != nil {
			return fmt.Errorf("mark video analyzed: %w", err)
		}

		videoID := a.VideoID
		followUps := []EnqueueParams{{Type: models.JobGenerateEmbeddings, Priority: PriorityOf(3), VideoID: &videoID}}
		if len(moments) > 0 {
			followUps = append([]EnqueueParams{{Type: models.JobExtractFrames, Priority: PriorityOf(4), VideoID: &videoID}}, followUps...)
		}
		for _, link := range workflowLinks {
			wfID, err := upsertWorkflow(ctx, tx, link, &videoID, now)
			if err != nil {
				return err
			}
			saved.WorkflowIDs = append(saved.WorkflowIDs, wfID)
			followUps = append(followUps, EnqueueParams{
				Type:       models.JobDownloadWorkflow,
				WorkflowID: &wfID,
				Input:      models.Payload{"url": link},
			})
		}
		for _, p := range followUps {
			if _, err := s.enqueue(ctx, tx, p); err != nil {
				return err
			}
			saved.Queued = append(saved.Queued, p.Type)
		}
		return nil
	})
	if err != nil {
		return SavedAnalysis{}, err
	}
	return saved, nil
}

func (s *Store) GetAnalysis(ctx context.Context, videoID string) (models.VideoAnalysis, error) {
	var (
		a   models.VideoAnalysis
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, video_id, summary, summary_pt, difficulty_level, key_topics, techniques_shown,
			models_mentioned, custom_nodes_mentioned, prerequisites, raw_response, model_used, tokens_used, created_at
		FROM video_analysis WHERE video_id = $1
	`, videoID).Scan(&a.ID, &a.VideoID, &a.Summary, &a.SummaryPT, &a.Difficulty, &a.KeyTopics, &a.Techniques,
		&a.ModelsMentioned, &a.CustomNodes, &a.Prerequisites, &raw, &a.ModelUsed, &a.TokensUsed, &a.CreatedAt)
	if notFound(err) {
		return models.VideoAnalysis{}, ErrNotFound
	}
	if err != nil {
		return models.VideoAnalysis{}, fmt.Errorf("get analysis: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a.Raw); err != nil {
			return models.VideoAnalysis{}, fmt.Errorf("unmarshal raw analysis: %w", err)
		}
	}
	return a, nil
}

// ListMoments returns a video's moments in timeline order.
func (s *Store) ListMoments(ctx context.Context, videoID string) ([]models.VideoMoment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, video_id, timestamp_seconds, timestamp_formatted, moment_type, description,
			nodes_visible, importance_score, frame_path
		FROM video_moments WHERE video_id = $1 ORDER BY timestamp_seconds, id
	`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list moments: %w", err)
	}
	defer rows.Close()

	var out []models.VideoMoment
	for rows.Next() {
		var (
			m     models.VideoMoment
			frame pgtype.Text
		)
		if err := rows.Scan(&m.ID, &m.VideoID, &m.TimestampSeconds, &m.TimestampLabel, &m.MomentType,
			&m.Description, &m.NodesVisible, &m.Importance, &frame); err != nil {
			return nil, fmt.Errorf("scan moment: %w", err)
		}
		m.FramePath = textPtr(frame)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetMomentFrame(ctx context.Context, momentID, path string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE video_moments SET frame_path = $2 WHERE id = $1`, momentID, path); err != nil {
		return fmt.Errorf("set moment frame: %w", err)
	}
	return nil
}

// UpsertWorkflow records a workflow URL, optionally linked to a video, and
// returns its id.
func (s *Store) UpsertWorkflow(ctx context.Context, url string, videoID *string) (string, error) {
	return upsertWorkflow(ctx, s.pool, url, videoID, s.clock())
}

func upsertWorkflow(ctx context.Context, q querier, url string, videoID *string, now time.Time) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO workflows (id, video_id, url, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO UPDATE SET video_id = COALESCE(EXCLUDED.video_id, workflows.video_id)
		RETURNING id
	`, uuid.New().String(), videoID, url, now).Scan(&id)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation || pgCode(err) == codeInvalidText {
			return "", fmt.Errorf("upsert workflow: %w", ErrReferenceNotFound)
		}
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	return id, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	var (
		w       models.Workflow
		content []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.VideoID, &w.URL, &w.Name, &content, &w.NodeCount, &w.NodeTypes, &w.Summary, &w.CreatedAt)
	if notFound(err) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &w.Content); err != nil {
			return models.Workflow{}, fmt.Errorf("unmarshal workflow content: %w", err)
		}
	}
	return w, nil
}

// SetWorkflowContent stores a downloaded workflow document.
func (s *Store) SetWorkflowContent(ctx context.Context, id, name string, content models.Payload, nodeCount int, nodeTypes []string) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal workflow content: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET name = $2, content = $3, node_count = $4, node_types = $5 WHERE id = $1
	`, id, name, raw, nodeCount, nonNil(nodeTypes))
	if err != nil {
		return fmt.Errorf("set workflow content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetWorkflowSummary(ctx context.Context, id, summary string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workflows SET summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("set workflow summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceEmbedding stores e, replacing any earlier vector of the same kind
// for the same video or workflow.
func (s *Store) ReplaceEmbedding(ctx context.Context, e models.Embedding) error {
	if e.VideoID == nil && e.WorkflowID == nil {
		return errors.New("embedding needs a video or workflow")
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM embeddings
			WHERE kind = $1 AND video_id IS NOT DISTINCT FROM $2::uuid AND workflow_id IS NOT DISTINCT FROM $3::uuid
		`, e.Kind, e.VideoID, e.WorkflowID); err != nil {
			return fmt.Errorf("clear embedding: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO embeddings (id, video_id, workflow_id, kind, content, model, vector, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New().String(), e.VideoID, e.WorkflowID, e.Kind, e.Content, e.Model, e.Vector, s.clock()); err != nil {
			if pgCode(err) == codeForeignKeyViolation {
				return fmt.Errorf("insert embedding: %w", ErrReferenceNotFound)
			}
			return fmt.Errorf("insert embedding: %w", err)
		}
		return nil
	})
}

// ListEmbeddings returns stored vectors for a video.
func (s *Store) ListEmbeddings(ctx context.Context, videoID string) ([]models.Embedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, video_id, workflow_id, kind, content, model, vector, created_at
		FROM embeddings WHERE video_id = $1 ORDER BY kind
	`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.Embedding
	for rows.Next() {
		var e models.Embedding
		if err := rows.Scan(&e.ID, &e.VideoID, &e.WorkflowID, &e.Kind, &e.Content, &e.Model, &e.Vector, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSource(row pgx.Row) (models.Source, error) {
	var (
		src      models.Source
		platform string
		status   string
		interval int64
	)
	if err := row.Scan(&src.ID, &src.CreatorID, &platform, &src.ExternalID, &src.URL, &src.Title, &status,
		&interval, &src.LastCheckedAt, &src.NextCheckAt, &src.CreatedAt); err != nil {
		return models.Source{}, err
	}
	src.Platform = models.Platform(platform)
	src.Status = models.MonitoringStatus(status)
	src.CheckInterval = time.Duration(interval) * time.Second
	return src, nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		v                models.Video
		analysis, frames string
	)
	if err := row.Scan(&v.ID, &v.SourceID, &v.ExternalID, &v.URL, &v.Title, &v.Description, &v.DurationSec,
		&v.PublishedAt, &analysis, &frames, &v.CreatorName, &v.CreatedAt); err != nil {
		return models.Video{}, err
	}
	v.AnalysisStatus = models.ProcessingStatus(analysis)
	v.FramesStatus = models.ProcessingStatus(frames)
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
