package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"content-catalog/internal/config"
)

type frameUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// FrameStore publishes extracted frames. Frames stay on local disk unless an
// S3 bucket is configured; a downscaled JPEG thumbnail is written next to
// wherever the frame ends up.
type FrameStore struct {
	local      frameUploader
	remote     frameUploader
	thumbWidth int
}

// NewFrameStore chooses the destination from cfg.
func NewFrameStore(ctx context.Context, cfg config.Config) (*FrameStore, error) {
	fs := &FrameStore{
		local:      &localUploader{baseDir: cfg.DataDir},
		thumbWidth: cfg.FrameThumbWidth,
	}
	if cfg.FramesS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		fs.remote = &s3Uploader{client: client, bucket: cfg.FramesS3Bucket}
	}
	return fs, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.FramesS3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.FramesS3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.FramesS3PathStyle
		if cfg.FramesS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.FramesS3Endpoint)
		}
	}), nil
}

// Save publishes the frame at framePath for videoID and returns the location
// to record on the moment.
func (f *FrameStore) Save(ctx context.Context, videoID, framePath string) (string, error) {
	name := filepath.Base(framePath)
	location := framePath
	if f.remote != nil {
		raw, err := os.ReadFile(framePath)
		if err != nil {
			return "", fmt.Errorf("read frame: %w", err)
		}
		location, err = f.remote.Upload(ctx, path.Join("frames", videoID, name), raw, "image/jpeg")
		if err != nil {
			return "", fmt.Errorf("upload frame: %w", err)
		}
	}

	if f.thumbWidth > 0 {
		thumb, err := thumbnail(framePath, f.thumbWidth)
		if err != nil {
			return "", err
		}
		dest := f.local
		if f.remote != nil {
			dest = f.remote
		}
		if _, err := dest.Upload(ctx, path.Join("thumbs", videoID, name), thumb, "image/jpeg"); err != nil {
			return "", fmt.Errorf("upload thumbnail: %w", err)
		}
	}
	return location, nil
}

// ThumbnailPath is where Save writes the local thumbnail of a frame.
func ThumbnailPath(dataDir, videoID, framePath string) string {
	return filepath.Join(dataDir, "thumbs", videoID, filepath.Base(framePath))
}

func thumbnail(framePath string, width int) ([]byte, error) {
	img, err := imaging.Open(framePath)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
