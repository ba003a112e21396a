// Package attach implements the media-upload collaborator: message
// attachments go to object storage and chat messages carry only the URL.
// Orthogonal to the signaling core.
package attach

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains object storage settings.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads     int
	RequestTimeout time.Duration
	MaxRetries     uint64
	RetryBackoff   time.Duration
	PresignExpiry  time.Duration
}

// Metrics tracks attachment store operations.
type Metrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// Store uploads attachments to MinIO-compatible object storage.
type Store struct {
	client     *minio.Client
	bucket     string
	cfg        MinIOConfig
	logger     *zap.Logger
	uploadPool chan struct{}

	metrics Metrics
}

// NewStore creates the store and ensures the bucket exists.
func NewStore(ctx context.Context, cfg MinIOConfig, logger *zap.Logger) (*Store, error) {
	if cfg.MaxUploads == 0 {
		cfg.MaxUploads = 10
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = 24 * time.Hour
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("attach store: create client: %w", err)
	}

	s := &Store{
		client:     client,
		bucket:     cfg.Bucket,
		cfg:        cfg,
		logger:     logger,
		uploadPool: make(chan struct{}, cfg.MaxUploads),
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("attach store: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("attach store: make bucket: %w", err)
		}
		logger.Info("created attachment bucket", zap.String("bucket", cfg.Bucket))
	}

	return s, nil
}

// Upload stores one attachment and returns its object key. The upload pool
// bounds concurrent transfers; transient failures are retried.
func (s *Store) Upload(ctx context.Context, senderID string, r io.Reader, size int64, contentType string) (string, error) {
	select {
	case s.uploadPool <- struct{}{}:
		defer func() { <-s.uploadPool }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	key := path.Join("attachments", senderID, uuid.NewString())
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	// Retries need a rewindable body; a plain stream gets one attempt and
	// relies on the client's internal retries.
	seeker, rewindable := r.(io.Seeker)

	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		_, err := s.client.PutObject(opCtx, s.bucket, key, r, size, minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			s.logger.Warn("attachment upload failed",
				zap.String("key", key), zap.Error(err))
			if !rewindable {
				return backoff.Permanent(err)
			}
			if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryBackoff), s.cfg.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("attach store: upload %s: %w", key, err)
	}

	s.metrics.TotalUploads.Add(1)
	if size > 0 {
		s.metrics.UploadBytes.Add(uint64(size))
	}
	return key, nil
}

// PresignedURL returns a time-limited GET URL for an attachment key.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.cfg.PresignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("attach store: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Snapshot returns current counter values for the health endpoint.
func (s *Store) Snapshot() (uploads, bytes, errors uint64, active int32) {
	return s.metrics.TotalUploads.Load(),
		s.metrics.UploadBytes.Load(),
		s.metrics.UploadErrors.Load(),
		s.metrics.ActiveUploads.Load()
}
