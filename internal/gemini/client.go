// Package gemini calls the Gemini API for video analysis, workflow
// summaries and embeddings.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/genai"

	"content-catalog/internal/models"
)

// Config selects models and polling behaviour.
type Config struct {
	APIKey         string
	Model          string
	EmbedModel     string
	EmbedDimension int
	// ProcessingTimeout bounds the wait for an uploaded video to become ACTIVE.
	ProcessingTimeout time.Duration
	PollInterval      time.Duration
}

// Client wraps genai.Client.
type Client struct {
	client *genai.Client
	cfg    Config
}

// ErrNoResponse is returned when the model produced no text.
var ErrNoResponse = errors.New("no response generated")

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client, cfg: cfg}, nil
}

func (c *Client) EmbeddingModel() string { return c.cfg.EmbedModel }

// AnalyzeVideo uploads the video at path, waits for it to be processed,
// asks for the structured analysis and deletes the upload.
func (c *Client) AnalyzeVideo(ctx context.Context, path string, meta VideoMeta) (Analysis, error) {
	file, err := c.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: "video/mp4"})
	if err != nil {
		return Analysis{}, fmt.Errorf("upload video: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := c.client.Files.Delete(dctx, file.Name, nil); err != nil {
			log.Warn().Err(err).Str("file", file.Name).Msg("delete uploaded video")
		}
	}()

	file, err = c.waitActive(ctx, file)
	if err != nil {
		return Analysis{}, err
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromURI(file.URI, file.MIMEType),
			genai.NewPartFromText(BuildVideoPrompt(meta)),
		},
	}}
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.2)),
		MaxOutputTokens: 8192,
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("generate analysis: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return Analysis{}, ErrNoResponse
	}
	return ParseAnalysis(text, c.cfg.Model, tokensUsed(resp), time.Now()), nil
}

func (c *Client) waitActive(ctx context.Context, file *genai.File) (*genai.File, error) {
	deadline := time.Now().Add(c.cfg.ProcessingTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video %s still processing after %s", file.Name, c.cfg.ProcessingTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
		next, err := c.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("poll uploaded video: %w", err)
		}
		file = next
	}
	if file.State != genai.FileStateActive {
		return nil, fmt.Errorf("video processing ended in state %s", file.State)
	}
	return file, nil
}

// SummarizeWorkflow explains a workflow document in plain English.
func (c *Client) SummarizeWorkflow(ctx context.Context, name string, doc models.Payload) (string, error) {
	prompt, err := BuildWorkflowPrompt(name, doc)
	if err != nil {
		return "", fmt.Errorf("build workflow prompt: %w", err)
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{Temperature: genai.Ptr(float32(0.2)), MaxOutputTokens: 2048})
	if err != nil {
		return "", fmt.Errorf("generate workflow summary: %w", err)
	}
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return "", ErrNoResponse
	}
	return text, nil
}

// Embed returns the embedding of text with the configured dimensionality.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(c.cfg.EmbedDimension)
	result, err := c.client.Models.EmbedContent(ctx, c.cfg.EmbedModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{OutputDimensionality: &dim})
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	var vec []float32
	if result != nil && len(result.Embeddings) > 0 {
		vec = result.Embeddings[0].Values
	}
	if vec == nil {
		return nil, errors.New("no embedding returned from API")
	}
	if len(vec) != c.cfg.EmbedDimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", c.cfg.EmbedDimension, len(vec))
	}
	return vec, nil
}

// responseText joins the text parts of the first candidate that has any.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

func tokensUsed(resp *genai.GenerateContentResponse) int {
	if resp == nil || resp.UsageMetadata == nil {
		return 0
	}
	return int(resp.UsageMetadata.TotalTokenCount)
}
