package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 10 << 20
)

var (
	// ErrNotFound means the URL answered but holds no document.
	ErrNotFound = errors.New("workflow not found")
	// ErrNotWorkflow means the document is JSON but has no node graph.
	ErrNotWorkflow = errors.New("document is not a workflow")
)

// Document is a downloaded workflow.
type Document struct {
	Name    string
	URL     string
	Content map[string]any
}

// Fetcher downloads workflows from GitHub through the API and from any
// other host over plain HTTP, pacing requests with a token bucket.
type Fetcher struct {
	httpClient *http.Client
	gh         *github.Client
	limiter    *rate.Limiter
	maxBytes   int64
}

// NewFetcher builds a fetcher. An empty token uses anonymous GitHub access.
func NewFetcher(ctx context.Context, token string, perSecond float64) *Fetcher {
	var ghHTTP *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		ghHTTP = oauth2.NewClient(ctx, ts)
	}
	if perSecond <= 0 {
		perSecond = 2
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: defaultTimeout},
		gh:         github.NewClient(ghHTTP),
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		maxBytes:   defaultMaxBytes,
	}
}

// Fetch downloads and decodes the workflow at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Document{}, fmt.Errorf("invalid workflow url %q", rawURL)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return Document{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var body []byte
	if ref, ok := parseGitHubBlob(u); ok {
		body, err = f.fetchGitHub(ctx, ref)
	} else {
		body, err = f.fetchHTTP(ctx, u.String())
	}
	if err != nil {
		return Document{}, err
	}

	var content map[string]any
	if err := json.Unmarshal(body, &content); err != nil {
		return Document{}, fmt.Errorf("decode workflow: %w", ErrNotWorkflow)
	}
	if !LooksLikeWorkflow(content) {
		return Document{}, ErrNotWorkflow
	}
	return Document{Name: nameFromURL(u), URL: u.String(), Content: content}, nil
}

type githubRef struct {
	owner, repo, ref, path string
}

// parseGitHubBlob recognizes github.com/<owner>/<repo>/blob/<ref>/<path>
// and raw.githubusercontent.com/<owner>/<repo>/<ref>/<path>.
func parseGitHubBlob(u *url.URL) (githubRef, bool) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch strings.ToLower(u.Host) {
	case "github.com", "www.github.com":
		if len(parts) >= 5 && (parts[2] == "blob" || parts[2] == "raw") {
			return githubRef{owner: parts[0], repo: parts[1], ref: parts[3], path: strings.Join(parts[4:], "/")}, true
		}
	case "raw.githubusercontent.com":
		if len(parts) >= 4 {
			return githubRef{owner: parts[0], repo: parts[1], ref: parts[2], path: strings.Join(parts[3:], "/")}, true
		}
	}
	return githubRef{}, false
}

func (f *Fetcher) fetchGitHub(ctx context.Context, r githubRef) ([]byte, error) {
	file, _, resp, err := f.gh.Repositories.GetContents(ctx, r.owner, r.repo, r.path,
		&github.RepositoryContentGetOptions{Ref: r.ref})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s/%s: %w", r.owner, r.repo, r.path, ErrNotFound)
		}
		return nil, fmt.Errorf("get github contents: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s/%s/%s is a directory: %w", r.owner, r.repo, r.path, ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode github contents: %w", err)
	}
	if content == "" && file.GetDownloadURL() != "" {
		// Files over 1MB come back without inline content.
		return f.fetchHTTP(ctx, file.GetDownloadURL())
	}
	return []byte(content), nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download workflow: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%s: %w", target, ErrNotFound)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("download workflow: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("workflow too large (>%d bytes)", f.maxBytes)
	}
	return body, nil
}

func nameFromURL(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return u.Host
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
