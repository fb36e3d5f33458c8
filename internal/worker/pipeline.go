package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"content-catalog/internal/gemini"
	"content-catalog/internal/media"
	"content-catalog/internal/models"
	"content-catalog/internal/store"
	"content-catalog/internal/workflows"
)

// CatalogStore is the catalog state the pipeline handlers read and write.
type CatalogStore interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (string, error)
	GetSource(ctx context.Context, id string) (models.Source, error)
	MarkSourceChecked(ctx context.Context, id, title, externalID string) error
	UpsertVideo(ctx context.Context, p store.VideoParams) (string, bool, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	SetAnalysisStatus(ctx context.Context, videoID string, status models.ProcessingStatus) error
	SetFramesStatus(ctx context.Context, videoID string, status models.ProcessingStatus) error
	SaveAnalysis(ctx context.Context, a models.VideoAnalysis, moments []models.VideoMoment, workflowLinks []string) (store.SavedAnalysis, error)
	GetAnalysis(ctx context.Context, videoID string) (models.VideoAnalysis, error)
	ListMoments(ctx context.Context, videoID string) ([]models.VideoMoment, error)
	SetMomentFrame(ctx context.Context, momentID, path string) error
	UpsertWorkflow(ctx context.Context, url string, videoID *string) (string, error)
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	SetWorkflowContent(ctx context.Context, id, name string, content models.Payload, nodeCount int, nodeTypes []string) error
	SetWorkflowSummary(ctx context.Context, id, summary string) error
	ReplaceEmbedding(ctx context.Context, e models.Embedding) error
}

type Lister interface {
	ListChannel(ctx context.Context, url string, limit int) (media.Listing, error)
}

type Downloader interface {
	Download(ctx context.Context, url, outPath string) error
}

type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string, second int, outDir string) (string, error)
}

type FrameSaver interface {
	Save(ctx context.Context, videoID, framePath string) (string, error)
}

// Analyzer is the generative model used by the analysis handlers.
type Analyzer interface {
	AnalyzeVideo(ctx context.Context, path string, meta gemini.VideoMeta) (gemini.Analysis, error)
	SummarizeWorkflow(ctx context.Context, name string, doc models.Payload) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbeddingModel() string
}

type WorkflowFetcher interface {
	Fetch(ctx context.Context, url string) (workflows.Document, error)
}

// Notifier wakes idle workers after a follow-up job is enqueued.
type Notifier interface {
	Notify(ctx context.Context, jobType string) error
}

// Pipeline holds the handlers for every catalog job type.
type Pipeline struct {
	Store      CatalogStore
	Lister     Lister
	Downloader Downloader
	Frames     FrameExtractor
	Saver      FrameSaver
	Analyzer   Analyzer
	Fetcher    WorkflowFetcher
	Notifier   Notifier
	// Ledger, when set, charges each video download to youtube_data.
	Ledger  Ledger
	DataDir string
	// ListLimit caps how many recent videos one listing returns.
	ListLimit int
}

// Register binds every handler whose dependencies are present.
func (p *Pipeline) Register(proc *Processor) {
	if p.Lister != nil {
		proc.RegisterHandler(models.JobDiscoverSource, p.DiscoverSource)
		proc.RegisterHandler(models.JobSyncSource, p.SyncSource)
	}
	if p.Downloader != nil && p.Analyzer != nil {
		proc.RegisterHandler(models.JobAnalyzeVideo, p.AnalyzeVideo)
	}
	if p.Downloader != nil && p.Frames != nil && p.Saver != nil {
		proc.RegisterHandler(models.JobExtractFrames, p.ExtractFrames)
	}
	if p.Fetcher != nil {
		proc.RegisterHandler(models.JobDownloadWorkflow, p.DownloadWorkflow)
	}
	if p.Analyzer != nil {
		proc.RegisterHandler(models.JobAnalyzeWorkflow, p.AnalyzeWorkflow)
		proc.RegisterHandler(models.JobGenerateEmbeddings, p.GenerateEmbeddings)
	}
}

// DiscoverSource lists a newly registered source and records its videos.
// Discovered videos wait for a batch analyze request.
func (p *Pipeline) DiscoverSource(ctx context.Context, job models.Job) (models.Payload, error) {
	return p.listSource(ctx, job, false)
}

// SyncSource lists a monitored source and queues analysis of new videos.
func (p *Pipeline) SyncSource(ctx context.Context, job models.Job) (models.Payload, error) {
	return p.listSource(ctx, job, true)
}

func (p *Pipeline) listSource(ctx context.Context, job models.Job, analyzeNew bool) (models.Payload, error) {
	sourceID, err := refOrInput(job.SourceID, job.Input, "source_id")
	if err != nil {
		return nil, err
	}
	src, err := p.Store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, entityErr("source", sourceID, err)
	}

	listing, err := p.Lister.ListChannel(ctx, src.URL, p.ListLimit)
	if err != nil {
		return nil, commandErr(err)
	}

	var created, queued int
	for _, e := range listing.Entries {
		videoID, isNew, err := p.Store.UpsertVideo(ctx, store.VideoParams{
			SourceID:    src.ID,
			ExternalID:  e.ID,
			URL:         e.URL,
			Title:       e.Title,
			Description: e.Description,
			DurationSec: e.DurationSec,
			PublishedAt: e.PublishedAt,
		})
		if err != nil {
			return nil, entityErr("source", src.ID, err)
		}
		if !isNew {
			continue
		}
		created++
		if !analyzeNew {
			continue
		}
		vid := videoID
		if _, err := p.enqueue(ctx, store.EnqueueParams{Type: models.JobAnalyzeVideo, VideoID: &vid}); err != nil {
			return nil, err
		}
		if err := p.Store.SetAnalysisStatus(ctx, videoID, models.ProcessingQueued); err != nil {
			return nil, err
		}
		queued++
	}

	if err := p.Store.MarkSourceChecked(ctx, src.ID, listing.Title, listing.ChannelID); err != nil {
		return nil, err
	}
	log.Info().Str("source_id", src.ID).Int("listed", len(listing.Entries)).Int("new", created).
		Int("queued", queued).Msg("source listed")
	return models.Payload{"videos_listed": len(listing.Entries), "videos_new": created, "analyses_queued": queued}, nil
}

// AnalyzeVideo downloads a video, runs the structured analysis and stores
// the result, then queues frame extraction, embeddings and any workflows
// the video links to.
func (p *Pipeline) AnalyzeVideo(ctx context.Context, job models.Job) (out models.Payload, err error) {
	videoID, err := refOrInput(job.VideoID, job.Input, "video_id")
	if err != nil {
		return nil, err
	}
	video, err := p.Store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, entityErr("video", videoID, err)
	}
	defer func() {
		if err != nil && lastAttempt(job, err) {
			_ = p.Store.SetAnalysisStatus(context.WithoutCancel(ctx), videoID, models.ProcessingFailed)
		}
	}()

	if job.Attempts > 0 && video.AnalysisStatus == models.ProcessingCompleted {
		// An earlier attempt committed the analysis and its follow-ups.
		log.Info().Str("job_id", job.ID).Str("video_id", videoID).Msg("analysis already stored; skipping")
		return models.Payload{"skipped": "already analyzed"}, nil
	}

	path := p.videoPath(videoID)
	if err := p.ensureVideo(ctx, video, path); err != nil {
		return nil, err
	}

	result, err := p.Analyzer.AnalyzeVideo(ctx, path, gemini.VideoMeta{
		Title:       video.Title,
		Creator:     video.CreatorName,
		Description: video.Description,
		DurationSec: video.DurationSec,
	})
	if err != nil {
		return nil, err
	}

	analysis := models.VideoAnalysis{
		VideoID:         videoID,
		Summary:         result.Summary,
		SummaryPT:       result.SummaryPT,
		Difficulty:      result.Difficulty,
		KeyTopics:       result.KeyTopics,
		Techniques:      result.Techniques,
		ModelsMentioned: result.ModelsMentioned,
		CustomNodes:     result.CustomNodes,
		Prerequisites:   result.Prerequisites,
		Raw:             result.Raw,
		ModelUsed:       result.Model,
		TokensUsed:      result.TokensUsed,
	}
	moments := make([]models.VideoMoment, 0, len(result.Moments))
	for _, m := range result.Moments {
		moments = append(moments, models.VideoMoment{
			VideoID:          videoID,
			TimestampSeconds: m.Seconds,
			TimestampLabel:   m.Label,
			MomentType:       m.Type,
			Description:      m.Description,
			NodesVisible:     m.NodesVisible,
			Importance:       m.Importance,
		})
	}
	saved, err := p.Store.SaveAnalysis(ctx, analysis, moments, result.WorkflowLinks)
	if err != nil {
		return nil, entityErr("video", videoID, err)
	}
	for _, t := range saved.Queued {
		p.notify(ctx, t)
	}
	if len(moments) == 0 {
		p.removeVideo(videoID)
	}

	out = models.Payload{
		"moments":     len(moments),
		"tokens_used": result.TokensUsed,
		"model":       result.Model,
		"workflows":   len(saved.WorkflowIDs),
	}
	if result.ParseError != "" {
		out["parse_error"] = result.ParseError
	}
	return out, nil
}

// ExtractFrames grabs one still per key moment and deletes the local video
// afterwards. Individual frames may fail; the job fails only if none succeed.
func (p *Pipeline) ExtractFrames(ctx context.Context, job models.Job) (out models.Payload, err error) {
	videoID, err := refOrInput(job.VideoID, job.Input, "video_id")
	if err != nil {
		return nil, err
	}
	video, err := p.Store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, entityErr("video", videoID, err)
	}
	defer func() {
		if err != nil && lastAttempt(job, err) {
			_ = p.Store.SetFramesStatus(context.WithoutCancel(ctx), videoID, models.ProcessingFailed)
		}
	}()

	moments, err := p.Store.ListMoments(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if len(moments) == 0 {
		if err := p.Store.SetFramesStatus(ctx, videoID, models.ProcessingCompleted); err != nil {
			return nil, err
		}
		p.removeVideo(videoID)
		return models.Payload{"frames": 0}, nil
	}

	path := p.videoPath(videoID)
	if err := p.ensureVideo(ctx, video, path); err != nil {
		return nil, err
	}

	framesDir := filepath.Join(p.DataDir, "frames", videoID)
	var (
		saved    int
		firstErr error
	)
	for _, m := range moments {
		frame, err := p.Frames.ExtractFrame(ctx, path, m.TimestampSeconds, framesDir)
		if err == nil {
			var loc string
			if loc, err = p.Saver.Save(ctx, videoID, frame); err == nil {
				err = p.Store.SetMomentFrame(ctx, m.ID, loc)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("video_id", videoID).Int("second", m.TimestampSeconds).Msg("frame extraction failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		saved++
	}
	if saved == 0 {
		return nil, commandErr(fmt.Errorf("no frames extracted: %w", firstErr))
	}

	if err := p.Store.SetFramesStatus(ctx, videoID, models.ProcessingCompleted); err != nil {
		return nil, err
	}
	p.removeVideo(videoID)
	return models.Payload{"frames": saved, "moments": len(moments)}, nil
}

// DownloadWorkflow fetches a workflow document and records its graph shape.
func (p *Pipeline) DownloadWorkflow(ctx context.Context, job models.Job) (models.Payload, error) {
	wfID, err := refOrInput(job.WorkflowID, job.Input, "workflow_id")
	if err != nil {
		return nil, err
	}
	wf, err := p.Store.GetWorkflow(ctx, wfID)
	if err != nil {
		return nil, entityErr("workflow", wfID, err)
	}

	doc, err := p.Fetcher.Fetch(ctx, wf.URL)
	if errors.Is(err, workflows.ErrNotFound) || errors.Is(err, workflows.ErrNotWorkflow) {
		return nil, Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	info := workflows.Inspect(doc.Content)
	if err := p.Store.SetWorkflowContent(ctx, wfID, doc.Name, doc.Content, info.NodeCount, info.NodeTypes); err != nil {
		return nil, entityErr("workflow", wfID, err)
	}
	if _, err := p.enqueue(ctx, store.EnqueueParams{Type: models.JobAnalyzeWorkflow, WorkflowID: &wfID}); err != nil {
		return nil, err
	}
	return models.Payload{"name": doc.Name, "node_count": info.NodeCount, "node_types": info.NodeTypes}, nil
}

// AnalyzeWorkflow asks the model to explain a downloaded workflow.
func (p *Pipeline) AnalyzeWorkflow(ctx context.Context, job models.Job) (models.Payload, error) {
	wfID, err := refOrInput(job.WorkflowID, job.Input, "workflow_id")
	if err != nil {
		return nil, err
	}
	wf, err := p.Store.GetWorkflow(ctx, wfID)
	if err != nil {
		return nil, entityErr("workflow", wfID, err)
	}
	if len(wf.Content) == 0 {
		return nil, Permanent(fmt.Errorf("workflow %s has not been downloaded", wfID))
	}

	summary, err := p.Analyzer.SummarizeWorkflow(ctx, wf.Name, wf.Content)
	if err != nil {
		return nil, err
	}
	if err := p.Store.SetWorkflowSummary(ctx, wfID, summary); err != nil {
		return nil, entityErr("workflow", wfID, err)
	}
	if _, err := p.enqueue(ctx, store.EnqueueParams{Type: models.JobGenerateEmbeddings, Priority: store.PriorityOf(3), WorkflowID: &wfID}); err != nil {
		return nil, err
	}
	return models.Payload{"summary_chars": len(summary)}, nil
}

// GenerateEmbeddings embeds the summary of a video analysis or a workflow.
func (p *Pipeline) GenerateEmbeddings(ctx context.Context, job models.Job) (models.Payload, error) {
	var (
		e   models.Embedding
		err error
	)
	switch {
	case job.VideoID != nil:
		e, err = p.videoEmbeddingInput(ctx, *job.VideoID)
	case job.WorkflowID != nil:
		e, err = p.workflowEmbeddingInput(ctx, *job.WorkflowID)
	default:
		return nil, Permanent(errors.New("embedding job needs a video or workflow"))
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.Content) == "" {
		return nil, Permanent(errors.New("nothing to embed"))
	}

	vec, err := p.Analyzer.Embed(ctx, e.Content)
	if err != nil {
		return nil, err
	}
	e.Vector = vec
	e.Model = p.Analyzer.EmbeddingModel()
	if err := p.Store.ReplaceEmbedding(ctx, e); err != nil {
		return nil, entityErr("embedding owner", job.ID, err)
	}
	return models.Payload{"kind": e.Kind, "dimensions": len(vec)}, nil
}

func (p *Pipeline) videoEmbeddingInput(ctx context.Context, videoID string) (models.Embedding, error) {
	a, err := p.Store.GetAnalysis(ctx, videoID)
	if err != nil {
		return models.Embedding{}, entityErr("analysis", videoID, err)
	}
	var b strings.Builder
	b.WriteString(a.Summary)
	if len(a.KeyTopics) > 0 {
		b.WriteString("\nTopics: ")
		b.WriteString(strings.Join(a.KeyTopics, ", "))
	}
	if len(a.Techniques) > 0 {
		b.WriteString("\nTechniques: ")
		b.WriteString(strings.Join(a.Techniques, ", "))
	}
	if len(a.CustomNodes) > 0 {
		b.WriteString("\nCustom nodes: ")
		b.WriteString(strings.Join(a.CustomNodes, ", "))
	}
	return models.Embedding{VideoID: &videoID, Kind: "video_summary", Content: b.String()}, nil
}

func (p *Pipeline) workflowEmbeddingInput(ctx context.Context, wfID string) (models.Embedding, error) {
	wf, err := p.Store.GetWorkflow(ctx, wfID)
	if err != nil {
		return models.Embedding{}, entityErr("workflow", wfID, err)
	}
	content := wf.Summary
	if len(wf.NodeTypes) > 0 {
		content += "\nNodes: " + strings.Join(wf.NodeTypes, ", ")
	}
	return models.Embedding{WorkflowID: &wfID, Kind: "workflow_summary", Content: content}, nil
}

func (p *Pipeline) enqueue(ctx context.Context, params store.EnqueueParams) (string, error) {
	id, err := p.Store.Enqueue(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrReferenceNotFound) {
			return "", Permanent(err)
		}
		return "", fmt.Errorf("enqueue %s: %w", params.Type, err)
	}
	p.notify(ctx, params.Type)
	return id, nil
}

func (p *Pipeline) notify(ctx context.Context, t models.JobType) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Notify(ctx, string(t)); err != nil {
		log.Debug().Err(err).Msg("wake-up signal failed")
	}
}

func (p *Pipeline) videoPath(videoID string) string {
	return filepath.Join(p.DataDir, "videos", videoID, "video.mp4")
}

// ensureVideo downloads the video unless a previous job left it on disk.
// Each download is charged to the youtube_data quota.
func (p *Pipeline) ensureVideo(ctx context.Context, video models.Video, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if p.Ledger != nil {
		d, err := p.Ledger.Admit(ctx, models.APIYouTubeData)
		if err != nil {
			return fmt.Errorf("admit %s: %w", models.APIYouTubeData, err)
		}
		if !d.Admitted {
			return QuotaDenied(models.APIYouTubeData, d)
		}
	}
	if err := p.Downloader.Download(ctx, video.URL, path); err != nil {
		return commandErr(err)
	}
	return nil
}

func (p *Pipeline) removeVideo(videoID string) {
	dir := filepath.Dir(p.videoPath(videoID))
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("video_id", videoID).Msg("remove local video")
	}
}

// refOrInput returns the job's foreign key, falling back to an id carried
// in the input document.
func refOrInput(ref *string, input models.Payload, key string) (string, error) {
	if ref != nil && *ref != "" {
		return *ref, nil
	}
	if v, ok := input[key].(string); ok && v != "" {
		return v, nil
	}
	return "", Permanent(fmt.Errorf("job has no %s", key))
}

// entityErr turns a vanished entity into a permanent failure.
func entityErr(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrReferenceNotFound) {
		return Permanent(fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return err
}

// commandErr keeps the tool's stderr in the job's error details.
func commandErr(err error) error {
	var ce *media.CommandError
	if errors.As(err, &ce) {
		return WithDetails(err, models.Payload{"command": ce.Name, "stderr": ce.Stderr})
	}
	return err
}

func lastAttempt(job models.Job, err error) bool {
	if _, deferred := asQuotaDenied(err); deferred {
		return false
	}
	return IsPermanent(err) || job.Attempts+1 >= job.MaxAttempts
}
