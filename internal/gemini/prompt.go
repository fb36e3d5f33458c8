package gemini

import (
	"encoding/json"
	"strings"
)

const (
	maxDescriptionRunes = 3000
	maxWorkflowBytes    = 60000
)

// VideoMeta is the listing context sent along with a video.
type VideoMeta struct {
	Title       string
	Creator     string
	Description string
	DurationSec int
}

const videoPrompt = `You are cataloging a ComfyUI tutorial video. Watch the whole video and answer with a single JSON object, no prose, using exactly these keys:

{
  "summary": "3-5 sentence English summary of what the video teaches",
  "summary_pt": "the same summary in Brazilian Portuguese",
  "key_topics": ["main topics"],
  "techniques": ["techniques demonstrated"],
  "models_mentioned": ["checkpoints, LoRAs, upscalers or other models named or shown"],
  "custom_nodes_mentioned": ["custom node packs used or recommended"],
  "difficulty": "beginner | intermediate | advanced",
  "prerequisites": ["what the viewer should know first"],
  "workflow_type": "txt2img | img2img | inpainting | video | upscaling | other",
  "key_moments": [
    {
      "timestamp_seconds": 0,
      "timestamp_formatted": "MM:SS",
      "type": "setup | node_connection | parameter_change | result | explanation | tip | other",
      "description": "what happens at this moment",
      "description_pt": "the same in Brazilian Portuguese",
      "nodes_visible": ["node titles visible on screen"],
      "importance": 1
    }
  ],
  "workflow_links_mentioned": ["URLs of downloadable workflows shown or linked"],
  "chapter_summary": [{"start_seconds": 0, "title": "chapter title"}],
  "practical_tips": ["tips worth remembering"],
  "common_mistakes_mentioned": ["pitfalls called out"],
  "settings_recommendations": {"sampler": "", "steps": "", "cfg": "", "resolution": ""}
}

List 5 to 15 key moments, the ones where the graph is clearly visible on screen. Importance is 1 (minor) to 10 (essential).`

const workflowPrompt = `Below is a ComfyUI workflow exported as JSON. In 3-6 sentences of plain English, explain what the workflow produces, the main stages of the graph, and which models or custom nodes it depends on. Answer with the explanation only.`

// BuildVideoPrompt renders the analysis instructions with the video's listing context.
func BuildVideoPrompt(meta VideoMeta) string {
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(orNotAvailable(meta.Title))
	b.WriteString("\n")
	if meta.Creator != "" {
		b.WriteString("Creator: ")
		b.WriteString(meta.Creator)
		b.WriteString("\n")
	}
	b.WriteString("Description: ")
	b.WriteString(orNotAvailable(truncateRunes(meta.Description, maxDescriptionRunes)))
	b.WriteString("\n\n")
	b.WriteString(videoPrompt)
	return b.String()
}

// BuildWorkflowPrompt renders the workflow summary request. Large
// documents are cut so the request stays within the model's input budget.
func BuildWorkflowPrompt(name string, doc map[string]any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	body := string(raw)
	if len(body) > maxWorkflowBytes {
		body = body[:maxWorkflowBytes] + "…(truncated)"
	}
	var b strings.Builder
	b.WriteString(workflowPrompt)
	b.WriteString("\n\nWorkflow name: ")
	b.WriteString(orNotAvailable(name))
	b.WriteString("\n\n")
	b.WriteString(body)
	return b.String(), nil
}

func orNotAvailable(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not available"
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
