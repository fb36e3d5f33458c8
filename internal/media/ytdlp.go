package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultFormat   = "best[height<=720]"
	downloadTimeout = 10 * time.Minute
	listTimeout     = 2 * time.Minute
)

// YTDLP downloads videos and lists channels with the yt-dlp binary.
type YTDLP struct {
	bin    string
	format string
	run    Runner
}

func NewYTDLP(bin string) *YTDLP {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &YTDLP{bin: bin, format: defaultFormat, run: ExecRunner}
}

// Download fetches url into outPath, creating parent directories.
func (y *YTDLP) Download(ctx context.Context, url, outPath string) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("video URL is required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create video dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	if _, err := y.run(ctx, y.bin, "-f", y.format, "-o", outPath, "--no-playlist", "--no-warnings", url); err != nil {
		return err
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("yt-dlp finished but %s is missing: %w", outPath, err)
	}
	return nil
}

// Listing is a channel or playlist as reported by a flat listing.
type Listing struct {
	ChannelID string
	Title     string
	Entries   []Entry
}

// Entry is one video in a listing.
type Entry struct {
	ID          string
	URL         string
	Title       string
	Description string
	DurationSec int
	PublishedAt *time.Time
}

// ListChannel returns up to limit of the most recent videos of url.
func (y *YTDLP) ListChannel(ctx context.Context, url string, limit int) (Listing, error) {
	if strings.TrimSpace(url) == "" {
		return Listing{}, errors.New("source URL is required")
	}
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	args := []string{"--flat-playlist", "-J", "--no-warnings"}
	if limit > 0 {
		args = append(args, "--playlist-end", strconv.Itoa(limit))
	}
	args = append(args, url)
	out, err := y.run(ctx, y.bin, args...)
	if err != nil {
		return Listing{}, err
	}
	if len(out) == 0 {
		return Listing{}, errors.New("yt-dlp returned empty output")
	}
	listing, err := ParseListing(out)
	if err != nil {
		return Listing{}, err
	}
	if limit > 0 && len(listing.Entries) > limit {
		listing.Entries = listing.Entries[:limit]
	}
	return listing, nil
}

type flatEntry struct {
	Type        string      `json:"_type"`
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	WebpageURL  string      `json:"webpage_url"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Duration    float64     `json:"duration"`
	Timestamp   int64       `json:"timestamp"`
	UploadDate  string      `json:"upload_date"`
	ChannelID   string      `json:"channel_id"`
	Channel     string      `json:"channel"`
	Uploader    string      `json:"uploader"`
	Entries     []flatEntry `json:"entries"`
}

// ParseListing decodes `yt-dlp --flat-playlist -J` output. Channel pages
// nest their tabs as playlists; those are flattened.
func ParseListing(raw []byte) (Listing, error) {
	var root flatEntry
	if err := json.Unmarshal(raw, &root); err != nil {
		return Listing{}, fmt.Errorf("decode yt-dlp listing: %w", err)
	}
	l := Listing{ChannelID: root.ChannelID, Title: root.Channel}
	if l.Title == "" {
		l.Title = root.Uploader
	}
	if l.Title == "" {
		l.Title = root.Title
	}
	seen := map[string]bool{}
	var walk func(entries []flatEntry)
	walk = func(entries []flatEntry) {
		for _, e := range entries {
			if len(e.Entries) > 0 || e.Type == "playlist" {
				walk(e.Entries)
				continue
			}
			if e.ID == "" || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			l.Entries = append(l.Entries, toEntry(e))
		}
	}
	walk(root.Entries)
	return l, nil
}

func toEntry(e flatEntry) Entry {
	out := Entry{
		ID:          e.ID,
		URL:         e.WebpageURL,
		Title:       e.Title,
		Description: e.Description,
		DurationSec: int(e.Duration),
	}
	if out.URL == "" {
		out.URL = e.URL
	}
	if out.URL == "" || !strings.HasPrefix(out.URL, "http") {
		out.URL = "https://www.youtube.com/watch?v=" + e.ID
	}
	switch {
	case e.Timestamp > 0:
		t := time.Unix(e.Timestamp, 0).UTC()
		out.PublishedAt = &t
	case e.UploadDate != "":
		if t, err := time.Parse("20060102", e.UploadDate); err == nil {
			out.PublishedAt = &t
		}
	}
	return out
}
