package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"golang.org/x/sync/errgroup"
)

// UploadRequest describes one local file upload.
type UploadRequest struct {
	Path        string
	Key         string
	ContentType string
	// OnProgress receives bytes confirmed so far and the file size.
	OnProgress func(sent, total int64)
}

// FileUploader is implemented by the upload engine.
type FileUploader interface {
	UploadFile(ctx context.Context, a *Adapter, req UploadRequest) error
}

// Adapter binds a Provider to one StorageConfig.
type Adapter struct {
	cfg      models.StorageConfig
	provider Provider
	uploader FileUploader
}

// NewAdapter is used by callers that already hold a provider.
func NewAdapter(cfg models.StorageConfig, p Provider, u FileUploader) *Adapter {
	return &Adapter{cfg: cfg, provider: p, uploader: u}
}

func (a *Adapter) Config() models.StorageConfig { return a.cfg }
func (a *Adapter) Provider() Provider           { return a.provider }
func (a *Adapter) Bucket() string               { return a.cfg.Bucket }

func (a *Adapter) ListBuckets(ctx context.Context) ([]models.Bucket, error) {
	return a.provider.ListBuckets(ctx)
}

// ListObjects returns one page.
func (a *Adapter) ListObjects(ctx context.Context, opts models.ListOptions) (models.ListPage, error) {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	page, err := a.provider.ListPage(ctx, a.cfg.Bucket, opts)
	if err != nil {
		return models.ListPage{}, fmt.Errorf("list %s/%s: %w", a.cfg.Bucket, opts.Prefix, err)
	}
	return page, nil
}

// ListAllObjectsRecursive pages without a delimiter until the listing is
// no longer truncated. onPage, if set, gets the running object count.
func (a *Adapter) ListAllObjectsRecursive(ctx context.Context, prefix string, onPage func(seen int)) ([]models.StorageObject, error) {
	var all []models.StorageObject
	opts := models.ListOptions{Prefix: prefix, MaxKeys: DefaultMaxKeys}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := a.ListObjects(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if onPage != nil {
			onPage(len(all))
		}
		if !page.Truncated || page.ContinuationToken == "" {
			return all, nil
		}
		opts.Cursor = page.ContinuationToken
	}
}

func (a *Adapter) HeadObject(ctx context.Context, key string) (models.StorageObject, error) {
	return a.provider.HeadObject(ctx, a.cfg.Bucket, key)
}

func (a *Adapter) DeleteObject(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", common.ErrInvalidArgument)
	}
	return a.provider.DeleteObject(ctx, a.cfg.Bucket, key)
}

// RenameObject copies oldKey to newKey and then deletes oldKey.
func (a *Adapter) RenameObject(ctx context.Context, oldKey, newKey string) error {
	if oldKey == "" || newKey == "" {
		return fmt.Errorf("%w: empty key", common.ErrInvalidArgument)
	}
	if oldKey == newKey {
		return nil
	}
	if err := a.provider.CopyObject(ctx, a.cfg.Bucket, oldKey, newKey); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", oldKey, newKey, err)
	}
	if err := a.provider.DeleteObject(ctx, a.cfg.Bucket, oldKey); err != nil {
		return fmt.Errorf("delete %s after copy: %w", oldKey, err)
	}
	return nil
}

const deleteChunkWorkers = 4

// BatchDeleteObjects deletes keys in chunks of MaxDeleteBatch. The result
// always accounts for every key; nothing is rolled back.
func (a *Adapter) BatchDeleteObjects(ctx context.Context, keys []string, onProgress func(models.BatchProgress)) (models.BatchDeleteResult, error) {
	res := models.BatchDeleteResult{Errors: []models.ItemError{}}
	if len(keys) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	done := 0
	record := func(chunk []string, failed []models.ItemError) {
		mu.Lock()
		defer mu.Unlock()
		res.Failed += len(failed)
		res.Deleted += len(chunk) - len(failed)
		res.Errors = append(res.Errors, failed...)
		done += len(chunk)
		if onProgress != nil {
			onProgress(models.BatchProgress{Current: done, Total: len(keys), Key: chunk[len(chunk)-1]})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteChunkWorkers)
	for start := 0; start < len(keys); start += MaxDeleteBatch {
		chunk := keys[start:min(start+MaxDeleteBatch, len(keys))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				record(chunk, itemErrors(chunk, err))
				return nil
			}
			failed, err := a.provider.DeleteObjects(gctx, a.cfg.Bucket, chunk)
			if err != nil {
				failed = itemErrors(chunk, err)
			}
			record(chunk, failed)
			return nil
		})
	}
	_ = g.Wait()

	return res, ctx.Err()
}

func itemErrors(keys []string, err error) []models.ItemError {
	out := make([]models.ItemError, len(keys))
	for i, k := range keys {
		out[i] = models.ItemError{Key: k, Error: err.Error()}
	}
	return out
}

// BatchMoveObjects renames every operation inside the bucket. Failures are
// recorded and the batch carries on.
func (a *Adapter) BatchMoveObjects(ctx context.Context, ops []models.MoveOperation, onProgress func(models.BatchProgress)) (models.BatchMoveResult, error) {
	res := models.BatchMoveResult{Errors: []models.ItemError{}}

	for i, op := range ops {
		err := ctx.Err()
		if err == nil {
			err = a.RenameObject(ctx, op.OldKey, op.NewKey)
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, models.ItemError{Key: op.OldKey, Error: err.Error()})
		} else {
			res.Moved++
		}
		if onProgress != nil {
			onProgress(models.BatchProgress{Current: i + 1, Total: len(ops), Key: op.OldKey})
		}
	}
	return res, ctx.Err()
}

// GenerateSignedURL presigns a GET for key.
func (a *Adapter) GenerateSignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return a.provider.PresignGet(ctx, a.cfg.Bucket, key, expiresIn)
}

// UploadContent writes a small payload in one PUT.
func (a *Adapter) UploadContent(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", common.ErrInvalidArgument)
	}
	return a.provider.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// UploadFile hands a local file to the upload engine.
func (a *Adapter) UploadFile(ctx context.Context, req UploadRequest) error {
	if a.uploader == nil {
		return errors.New("no upload engine configured")
	}
	return a.uploader.UploadFile(ctx, a, req)
}

// OpenObject streams key from offset.
func (a *Adapter) OpenObject(ctx context.Context, key string, offset int64) (io.ReadCloser, int64, error) {
	return a.provider.GetObject(ctx, a.cfg.Bucket, key, offset)
}

// IsFolderKey reports whether key names a folder placeholder.
func IsFolderKey(key string) bool {
	return strings.HasSuffix(key, "/")
}
