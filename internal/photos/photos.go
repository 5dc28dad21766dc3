package photos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"locksmith-dispatch/internal/config"
)

// ErrTooLarge means the uploaded photo exceeds the configured byte limit.
var ErrTooLarge = errors.New("photo too large")

// ErrNotImage means the payload did not decode as a supported image format.
var ErrNotImage = errors.New("unsupported image format")

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Processor validates, downscales, and stores customer photos attached to a
// request session. Photos go to S3 when a bucket is configured, otherwise to
// local disk for development.
type Processor struct {
	maxBytes int64
	maxWidth int
	store    uploader
}

func NewProcessor(ctx context.Context, cfg config.Config) (*Processor, error) {
	p := &Processor{
		maxBytes: cfg.PhotoMaxBytes,
		maxWidth: cfg.PhotoMaxWidth,
	}
	if p.maxBytes == 0 {
		p.maxBytes = 10 * 1024 * 1024
	}
	if p.maxWidth == 0 {
		p.maxWidth = 1600
	}

	if cfg.PhotoS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.store = &s3Uploader{client: client, bucket: cfg.PhotoS3Bucket}
		return p, nil
	}
	p.store = &localUploader{baseDir: cfg.PhotoLocalDir}
	return p, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.PhotoS3Region),
	}
	if cfg.PhotoS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.PhotoS3Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.PhotoS3Region,
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
		o.UsePathStyle = cfg.PhotoS3Endpoint != ""
	}), nil
}

// Process stores one session photo and returns its storage key and final
// content type. Oversized uploads and non-image payloads are rejected before
// any storage call.
func (p *Processor) Process(ctx context.Context, sessionID string, data []byte) (key, contentType string, err error) {
	if int64(len(data)) > p.maxBytes {
		return "", "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	if img.Bounds().Dx() > p.maxWidth {
		img = imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos)
	}

	outFormat := imaging.JPEG
	contentType = "image/jpeg"
	if format == "png" {
		outFormat = imaging.PNG
		contentType = "image/png"
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return "", "", fmt.Errorf("encode photo: %w", err)
	}

	ext := "jpg"
	if outFormat == imaging.PNG {
		ext = "png"
	}
	key = fmt.Sprintf("sessions/%s/%s.%s", sessionID, uuid.NewString(), ext)

	if _, err := p.store.Upload(ctx, key, buf.Bytes(), contentType); err != nil {
		return "", "", fmt.Errorf("store photo: %w", err)
	}
	return key, contentType, nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	base := l.baseDir
	if base == "" {
		base = "./photos"
	}
	path := filepath.Join(base, filepath.FromSlash(key))
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
