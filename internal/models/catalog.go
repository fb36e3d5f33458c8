package models

import (
	"fmt"
	"time"
)

// Platform enumerates the external sites a source may live on.
type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformVimeo   Platform = "vimeo"
	PlatformGitHub  Platform = "github"
	PlatformOther   Platform = "other"
)

func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformYouTube, PlatformVimeo, PlatformGitHub, PlatformOther:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// MonitoringStatus is the lifecycle of a monitored source.
type MonitoringStatus string

const (
	MonitorActive   MonitoringStatus = "active"
	MonitorPaused   MonitoringStatus = "paused"
	MonitorArchived MonitoringStatus = "archived"
	MonitorPending  MonitoringStatus = "pending"
)

func ParseMonitoringStatus(s string) (MonitoringStatus, error) {
	switch m := MonitoringStatus(s); m {
	case MonitorActive, MonitorPaused, MonitorArchived, MonitorPending:
		return m, nil
	}
	return "", fmt.Errorf("unknown monitoring status %q", s)
}

// ProcessingStatus tracks per-video analysis and frame extraction progress.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingQueued    ProcessingStatus = "queued"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

type Creator struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Source struct {
	ID            string           `json:"id"`
	CreatorID     string           `json:"creator_id"`
	Platform      Platform         `json:"platform"`
	ExternalID    *string          `json:"external_id,omitempty"`
	URL           string           `json:"url"`
	Title         *string          `json:"title,omitempty"`
	Status        MonitoringStatus `json:"status"`
	CheckInterval time.Duration    `json:"check_interval"`
	LastCheckedAt *time.Time       `json:"last_checked_at,omitempty"`
	NextCheckAt   *time.Time       `json:"next_check_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

type Video struct {
	ID             string           `json:"id"`
	SourceID       string           `json:"source_id"`
	ExternalID     string           `json:"external_id"`
	URL            string           `json:"url"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	DurationSec    int              `json:"duration_seconds"`
	PublishedAt    *time.Time       `json:"published_at,omitempty"`
	AnalysisStatus ProcessingStatus `json:"analysis_status"`
	FramesStatus   ProcessingStatus `json:"frames_status"`
	CreatorName    string           `json:"creator_name,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// VideoAnalysis is the structured metadata extracted from one video.
type VideoAnalysis struct {
	ID              string    `json:"id"`
	VideoID         string    `json:"video_id"`
	Summary         string    `json:"summary"`
	SummaryPT       string    `json:"summary_pt"`
	Difficulty      string    `json:"difficulty_level"`
	KeyTopics       []string  `json:"key_topics"`
	Techniques      []string  `json:"techniques_shown"`
	ModelsMentioned []string  `json:"models_mentioned"`
	CustomNodes     []string  `json:"custom_nodes_mentioned"`
	Prerequisites   []string  `json:"prerequisites"`
	Raw             Payload   `json:"raw_response"`
	ModelUsed       string    `json:"model_used"`
	TokensUsed      int       `json:"tokens_used"`
	CreatedAt       time.Time `json:"created_at"`
}

// VideoMoment is a timestamped highlight inside a video.
type VideoMoment struct {
	ID               string   `json:"id"`
	VideoID          string   `json:"video_id"`
	TimestampSeconds int      `json:"timestamp_seconds"`
	TimestampLabel   string   `json:"timestamp_formatted"`
	MomentType       string   `json:"moment_type"`
	Description      string   `json:"description"`
	NodesVisible     []string `json:"nodes_visible"`
	Importance       int      `json:"importance_score"`
	FramePath        *string  `json:"frame_path,omitempty"`
}

// Workflow is a downloadable workflow definition referenced by a video or creator.
type Workflow struct {
	ID        string    `json:"id"`
	VideoID   *string   `json:"video_id,omitempty"`
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Content   Payload   `json:"content,omitempty"`
	NodeCount int       `json:"node_count"`
	NodeTypes []string  `json:"node_types"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Embedding is a vector attached to a video or workflow for similarity search.
type Embedding struct {
	ID         string    `json:"id"`
	VideoID    *string   `json:"video_id,omitempty"`
	WorkflowID *string   `json:"workflow_id,omitempty"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Model      string    `json:"model"`
	Vector     []float32 `json:"vector"`
	CreatedAt  time.Time `json:"created_at"`
}
