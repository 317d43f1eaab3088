package sink

import (
	"context"
	"fmt"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/Sternrassler/fulltext-migrate/pkg/record"
)

// StorageClassMetadata is the metadata key carrying the storage tier for
// stores without native storage classes.
const StorageClassMetadata = "storage-class"

// BlobStore writes objects to any gocloud.dev bucket URL
// (file:///path, mem://).
type BlobStore struct {
	bucket *blob.Bucket
}

// OpenBlobStore opens the bucket at url.
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return &BlobStore{bucket: bkt}, nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bkt *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bkt}
}

// Put implements Store.
func (s *BlobStore) Put(ctx context.Context, obj *record.Encoded) error {
	startTime := time.Now()
	defer func() {
		putDuration.WithLabelValues("blob").Observe(time.Since(startTime).Seconds())
	}()

	err := s.bucket.WriteAll(ctx, obj.Key, obj.Body, &blob.WriterOptions{
		ContentType: obj.ContentType,
		Metadata:    map[string]string{StorageClassMetadata: string(obj.StorageClass)},
	})
	observePut("blob", obj, err)
	if err != nil {
		return fmt.Errorf("blob put %s: %w", obj.Key, err)
	}
	return nil
}

// Close closes the underlying bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
