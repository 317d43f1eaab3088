package sink

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// S3Config holds the S3 store configuration.
type S3Config struct {
	// Endpoint is the S3 host, e.g. "s3.amazonaws.com" or "localhost:9000".
	Endpoint string

	// Region is the bucket region. Empty lets the client discover it.
	Region string

	// Bucket is the destination bucket.
	Bucket string

	AccessKeyID     string
	SecretAccessKey string

	// Secure selects HTTPS.
	Secure bool
}

// S3Store writes objects to an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store creates an S3 store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it doesn't exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, obj *record.Encoded) error {
	startTime := time.Now()
	defer func() {
		putDuration.WithLabelValues("s3").Observe(time.Since(startTime).Seconds())
	}()

	_, err := s.client.PutObject(ctx, s.bucket, obj.Key, bytes.NewReader(obj.Body), int64(len(obj.Body)),
		minio.PutObjectOptions{
			ContentType:  obj.ContentType,
			StorageClass: string(obj.StorageClass),
		})
	observePut("s3", obj, err)
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", obj.Key, err)
	}
	return nil
}
