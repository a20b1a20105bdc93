// Package storage is the provider adapter: a uniform set of bucket and
// object operations over R2, AWS S3, MinIO and RustFS, selected by the
// provider tag of a models.StorageConfig.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// Provider is the low-level primitive set a backend must offer. Bucket is
// passed explicitly so one provider value can serve every bucket of an
// account.
//
// Implementations return common.ErrNotFound for missing objects and
// common.ErrUploadSessionGone for unknown multipart upload ids.
type Provider interface {
	ListBuckets(ctx context.Context) ([]models.Bucket, error)
	ListPage(ctx context.Context, bucket string, opts models.ListOptions) (models.ListPage, error)

	HeadObject(ctx context.Context, bucket, key string) (models.StorageObject, error)
	// GetObject streams the object starting at offset and reports its full size.
	GetObject(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, int64, error)
	PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	// DeleteObjects removes up to MaxDeleteBatch keys and returns the
	// per-key failures; a non-nil error means the whole call failed.
	DeleteObjects(ctx context.Context, bucket string, keys []string) ([]models.ItemError, error)
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error

	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, data []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]models.CompletedPart, error)

	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// MaxDeleteBatch is the largest key set one DeleteObjects call accepts.
const MaxDeleteBatch = 1000

// DefaultMaxKeys is used when a list call does not set MaxKeys.
const DefaultMaxKeys int32 = 1000
