package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"contentq/internal/config"
	"contentq/internal/jobs"
	"contentq/internal/models"
)

type mediaUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaCompressHandler re-encodes recording stills and cover images into
// smaller derivatives and stores them locally or in S3.
type MediaCompressHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      mediaUploader
	s3         mediaUploader
}

// NewMediaCompressHandler constructs the handler and its upload targets.
func NewMediaCompressHandler(ctx context.Context, cfg config.Config) (*MediaCompressHandler, error) {
	timeout := cfg.MediaFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload mediaUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	return &MediaCompressHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Handle downloads, shrinks, and uploads a single asset. Payload problems are
// permanent failures; network and upload errors stay retryable.
func (h *MediaCompressHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := decodeCompressPayload(job)
	if err != nil {
		return Permanent(err)
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Permanent(fmt.Errorf("decode media: %w", err))
	}

	width, height := payload.Width, payload.Height
	if width == 0 && height == 0 {
		width = 640
	}
	// imaging preserves aspect ratio when one dimension is zero.
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	format := outputFormat(payload.OutputKey, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(80)); err != nil {
		return fmt.Errorf("encode media: %w", err)
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("compressed/%s.%s", job.ID, extensionFor(format))
	}
	key = sanitizeKey(key)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return Permanent(err)
	}
	if _, err := uploader.Upload(ctx, key, buf.Bytes(), mimeFor(format)); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func (h *MediaCompressHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("download media: status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, "", Permanent(err)
		}
		return nil, "", err
	}

	limit := h.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", Permanent(fmt.Errorf("media too large (>%d bytes)", limit))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeCompressPayload(job models.Job) (jobs.MediaCompressPayload, error) {
	var payload jobs.MediaCompressPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return payload, err
	}
	return payload, nil
}

func (h *MediaCompressHandler) pickUploader(destination string) (mediaUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 == nil {
			return nil, errors.New("destination s3 requested but MEDIA_S3_BUCKET is not configured")
		}
		return h.s3, nil
	case "local", "":
		return h.local, nil
	default:
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
}

func outputFormat(outputKey, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".gif":
		return imaging.GIF
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func extensionFor(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeFor(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
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
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
