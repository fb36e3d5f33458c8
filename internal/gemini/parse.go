package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"content-catalog/internal/models"
)

const maxFallbackSummary = 1000

// Analysis is the structured result of analyzing one video.
type Analysis struct {
	Summary         string
	SummaryPT       string
	Difficulty      string
	WorkflowType    string
	KeyTopics       []string
	Techniques      []string
	ModelsMentioned []string
	CustomNodes     []string
	Prerequisites   []string
	WorkflowLinks   []string
	Moments         []Moment
	// Raw is the full decoded response plus _metadata, kept verbatim.
	Raw        models.Payload
	Model      string
	TokensUsed int
	// ParseError is set when the model did not return valid JSON.
	ParseError string
}

// Moment is one timestamped highlight.
type Moment struct {
	Seconds       int
	Label         string
	Type          string
	Description   string
	DescriptionPT string
	NodesVisible  []string
	Importance    int
}

type analysisDoc struct {
	Summary       string      `json:"summary"`
	SummaryPT     string      `json:"summary_pt"`
	KeyTopics     []string    `json:"key_topics"`
	Techniques    []string    `json:"techniques"`
	Models        []string    `json:"models_mentioned"`
	CustomNodes   []string    `json:"custom_nodes_mentioned"`
	Difficulty    string      `json:"difficulty"`
	Prerequisites []string    `json:"prerequisites"`
	WorkflowType  string      `json:"workflow_type"`
	KeyMoments    []momentDoc `json:"key_moments"`
	WorkflowLinks []string    `json:"workflow_links_mentioned"`
}

type momentDoc struct {
	Seconds       float64  `json:"timestamp_seconds"`
	Label         string   `json:"timestamp_formatted"`
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	DescriptionPT string   `json:"description_pt"`
	NodesVisible  []string `json:"nodes_visible"`
	Importance    float64  `json:"importance"`
}

// ParseAnalysis turns a model response into an Analysis. It never fails: a
// response that is not JSON is kept as raw text with a truncated summary.
// Fields of the wrong type are dropped individually.
func ParseAnalysis(text, model string, tokens int, at time.Time) Analysis {
	clean := stripFences(text)

	raw := models.Payload{}
	var parseErr string
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		parseErr = err.Error()
		raw = models.Payload{
			"summary":      truncateRunes(clean, maxFallbackSummary),
			"error":        fmt.Sprintf("failed to parse JSON: %v", err),
			"raw_response": clean,
		}
	}
	if raw == nil {
		raw = models.Payload{}
	}
	raw["_metadata"] = map[string]any{
		"model":       model,
		"analyzed_at": at.UTC().Format(time.RFC3339),
		"tokens_used": tokens,
	}

	var doc analysisDoc
	if b, err := json.Marshal(raw); err == nil {
		// Partial decodes are fine; type mismatches only skip that field.
		_ = json.Unmarshal(b, &doc)
	}

	a := Analysis{
		Summary:         strings.TrimSpace(doc.Summary),
		SummaryPT:       strings.TrimSpace(doc.SummaryPT),
		Difficulty:      normalizeDifficulty(doc.Difficulty),
		WorkflowType:    doc.WorkflowType,
		KeyTopics:       compact(doc.KeyTopics),
		Techniques:      compact(doc.Techniques),
		ModelsMentioned: compact(doc.Models),
		CustomNodes:     compact(doc.CustomNodes),
		Prerequisites:   compact(doc.Prerequisites),
		WorkflowLinks:   links(doc.WorkflowLinks),
		Raw:             raw,
		Model:           model,
		TokensUsed:      tokens,
		ParseError:      parseErr,
	}
	for _, m := range doc.KeyMoments {
		a.Moments = append(a.Moments, toMoment(m))
	}
	return a
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func toMoment(m momentDoc) Moment {
	sec := int(m.Seconds)
	if sec < 0 {
		sec = 0
	}
	out := Moment{
		Seconds:       sec,
		Label:         strings.TrimSpace(m.Label),
		Type:          strings.TrimSpace(m.Type),
		Description:   strings.TrimSpace(m.Description),
		DescriptionPT: strings.TrimSpace(m.DescriptionPT),
		NodesVisible:  compact(m.NodesVisible),
		Importance:    int(m.Importance),
	}
	if out.Label == "" {
		out.Label = FormatTimestamp(sec)
	}
	if out.Type == "" {
		out.Type = "other"
	}
	if out.Importance <= 0 {
		out.Importance = 5
	}
	if out.Importance > 10 {
		out.Importance = 10
	}
	return out
}

// FormatTimestamp renders seconds as MM:SS, or H:MM:SS past the hour.
func FormatTimestamp(sec int) string {
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec%3600)/60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func normalizeDifficulty(s string) string {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case "beginner", "intermediate", "advanced":
		return d
	}
	return "intermediate"
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func links(in []string) []string {
	var out []string
	for _, s := range compact(in) {
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			out = append(out, s)
		}
	}
	return out
}
