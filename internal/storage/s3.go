package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string // e.g., "http://localhost:9000" for MinIO
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicURL       string // Public URL for accessing files (e.g., "http://localhost:9000/media")
}

// MediaStore mirrors provider-hosted media into S3-compatible storage.
// Webhook media URLs on the Meta CDN expire within minutes, so inbound
// attachments are copied out while the link is still alive.
type MediaStore struct {
	client     *s3.Client
	httpClient *http.Client
	bucket     string
	publicURL  string

	// MaxSize caps a single download; provider media tops out well
	// below this
	MaxSize int64
}

// NewMediaStore creates an S3-backed media mirror
func NewMediaStore(cfg S3Config) *MediaStore {
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: true, // Required for MinIO
	})

	return &MediaStore{
		client:     client,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		bucket:     cfg.Bucket,
		publicURL:  cfg.PublicURL,
		MaxSize:    100 << 20,
	}
}

// Mirror downloads srcURL and stores a durable copy, returning its
// public URL
func (s *MediaStore) Mirror(ctx context.Context, srcURL, mediaType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", fmt.Errorf("building media request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading media: unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	key := s.objectKey(mediaType, contentType)

	put := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        io.LimitReader(resp.Body, s.MaxSize),
		ContentType: aws.String(contentType),
	}
	if resp.ContentLength > 0 {
		put.ContentLength = aws.Int64(resp.ContentLength)
	}

	if _, err := s.client.PutObject(ctx, put); err != nil {
		return "", fmt.Errorf("uploading to s3: %w", err)
	}

	return fmt.Sprintf("%s/%s", s.publicURL, key), nil
}

// UploadInput describes an operator upload destined for outbound sends
type UploadInput struct {
	Reader      io.Reader
	ContentType string
	Size        int64
}

// UploadOutput holds the stored object's location
type UploadOutput struct {
	URL  string
	Key  string
	Size int64
}

// Upload stores an operator-provided attachment and returns its public
// URL, usable as the media_url of an outbound message
func (s *MediaStore) Upload(ctx context.Context, in UploadInput) (*UploadOutput, error) {
	key := s.objectKey("uploads", in.ContentType)

	put := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        io.LimitReader(in.Reader, s.MaxSize),
		ContentType: aws.String(in.ContentType),
	}
	if in.Size > 0 {
		put.ContentLength = aws.Int64(in.Size)
	}

	if _, err := s.client.PutObject(ctx, put); err != nil {
		return nil, fmt.Errorf("uploading to s3: %w", err)
	}

	return &UploadOutput{
		URL:  fmt.Sprintf("%s/%s", s.publicURL, key),
		Key:  key,
		Size: in.Size,
	}, nil
}

// Delete removes a mirrored object
func (s *MediaStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting from s3: %w", err)
	}
	return nil
}

// objectKey builds a date-partitioned key with a best-guess extension
func (s *MediaStore) objectKey(mediaType, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	prefix := mediaType
	if prefix == "" {
		prefix = "media"
	}
	return fmt.Sprintf("%s/%s/%s%s", prefix, time.Now().Format("2006/01/02"), uuid.New().String(), ext)
}
