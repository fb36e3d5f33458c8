package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const frameTimeout = 30 * time.Second

// FFmpeg grabs still frames from a local video file.
type FFmpeg struct {
	bin string
	run Runner
}

func NewFFmpeg(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{bin: bin, run: ExecRunner}
}

// FrameName is the file name of the frame taken at second.
func FrameName(second int) string {
	return fmt.Sprintf("frame_%05ds.jpg", second)
}

// ExtractFrame writes the frame at second into outDir and returns its path.
func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, second int, outDir string) (string, error) {
	if second < 0 {
		second = 0
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create frames dir: %w", err)
	}
	out := filepath.Join(outDir, FrameName(second))

	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()
	if _, err := f.run(ctx, f.bin, "-ss", strconv.Itoa(second), "-i", videoPath,
		"-vframes", "1", "-q:v", "2", out, "-y"); err != nil {
		return "", err
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("ffmpeg produced no frame at %ds: %w", second, err)
	}
	return out, nil
}
