package worker

import (
	"bytes"
	"context"
	"encoding/json"
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

	"hivesync-jobs/internal/config"
	"hivesync-jobs/internal/queue"
)

type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// PreviewRunner renders preview thumbnails: download the source asset, resize
// (and optionally grayscale) it, and publish the artifact to S3 or local disk.
type PreviewRunner struct {
	cfg        config.Config
	httpClient *http.Client
	local      artifactUploader
	s3         artifactUploader
}

// NewPreviewRunner constructs the runner and chooses an uploader (local or S3).
func NewPreviewRunner(ctx context.Context, cfg config.Config) (*PreviewRunner, error) {
	timeout := cfg.PreviewDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseDir := cfg.PreviewOutputDir
	if baseDir == "" {
		baseDir = "./previews"
	}

	var s3Upload artifactUploader
	if cfg.PreviewS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.PreviewS3Bucket}
	}

	return &PreviewRunner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.PreviewS3Region),
	}
	if cfg.PreviewS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.PreviewS3Endpoint,
					HostnameImmutable: cfg.PreviewS3PathStyle,
					SigningRegion:     cfg.PreviewS3Region,
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
		o.UsePathStyle = cfg.PreviewS3PathStyle
	}), nil
}

func (r *PreviewRunner) Kind() string     { return "preview" }
func (r *PreviewRunner) TaskName() string { return queue.TaskPreviewRun }
func (r *PreviewRunner) Queue() string    { return r.cfg.PreviewQueue }

// Validate parses the payload and extracts the job id. A payload without a
// preview id is malformed and gets dropped, never retried.
func (r *PreviewRunner) Validate(payload json.RawMessage) (string, error) {
	var p queue.PreviewPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode preview payload: %w", err)
	}
	if p.PreviewID == "" {
		return "", fmt.Errorf("missing preview_id in payload")
	}
	return p.PreviewID, nil
}

// Execute renders one preview.
func (r *PreviewRunner) Execute(ctx context.Context, payload json.RawMessage) Outcome {
	var p queue.PreviewPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode preview payload: %w", err))
	}
	if p.SourceURL == "" {
		return Permanent(fmt.Errorf("source_url is required"))
	}

	data, contentType, outcome := r.download(ctx, p.SourceURL)
	if outcome != nil {
		return *outcome
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Permanent(fmt.Errorf("decode source image: %w", err))
	}

	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	width, height := p.Width, p.Height
	if width == 0 && height == 0 {
		width = r.cfg.PreviewDefaultWidth
		height = r.cfg.PreviewDefaultHeight
	}
	if width == 0 && height == 0 {
		width = 640
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return Permanent(fmt.Errorf("encode preview: %w", err))
	}

	outputKey := p.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", p.PreviewID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader := r.local
	if r.s3 != nil {
		uploader = r.s3
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return Transient(fmt.Errorf("upload preview: %w", err))
	}

	bounds := img.Bounds()
	return Succeed(map[string]any{
		"output": location,
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
		"format": formatExtension(outputFormat),
	})
}

func (r *PreviewRunner) download(ctx context.Context, url string) ([]byte, string, *Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		o := Permanent(fmt.Errorf("build request: %w", err))
		return nil, "", &o
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		o := Transient(fmt.Errorf("download source: %w", err))
		return nil, "", &o
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		o := Transient(fmt.Errorf("download source: status %d", resp.StatusCode))
		return nil, "", &o
	}
	if resp.StatusCode >= http.StatusBadRequest {
		o := Permanent(fmt.Errorf("download source: status %d", resp.StatusCode))
		return nil, "", &o
	}

	limit := r.cfg.PreviewMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		o := Transient(fmt.Errorf("read source: %w", err))
		return nil, "", &o
	}
	if int64(len(body)) > limit {
		o := Permanent(fmt.Errorf("source too large (>%d bytes)", limit))
		return nil, "", &o
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
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
