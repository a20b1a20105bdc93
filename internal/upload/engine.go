// Package upload moves local files into a bucket: one PUT for small files,
// a resumable multipart upload for large ones.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options tune the engine.
type Options struct {
	MultipartThreshold int64
	PartSize           int64
	Concurrency        int
	CheckpointInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MultipartThreshold <= 0 {
		o.MultipartThreshold = 100 << 20
	}
	if o.PartSize <= 0 {
		o.PartSize = 20 << 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 6
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = time.Second
	}
	return o
}

// Engine implements storage.FileUploader.
type Engine struct {
	opts     Options
	sessions SessionRepository
	log      logging.Logger
}

func NewEngine(opts Options, sessions SessionRepository, log logging.Logger) *Engine {
	return &Engine{opts: opts.withDefaults(), sessions: sessions, log: log.With("module", "upload")}
}

var _ storage.FileUploader = (*Engine)(nil)

// UploadFile uploads req.Path to req.Key through a.
//
// Cancelling ctx with cause common.ErrCancelledByUser keeps the multipart
// session for a later resume. Any other failure aborts the remote upload
// and forgets the session.
func (e *Engine) UploadFile(ctx context.Context, a *storage.Adapter, req storage.UploadRequest) error {
	f, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", req.Path, err)
	}
	size := info.Size()
	progress := req.OnProgress
	if progress == nil {
		progress = func(int64, int64) {}
	}

	if size < e.opts.MultipartThreshold {
		progress(0, size)
		if err := a.Provider().PutObject(ctx, a.Bucket(), req.Key, f, size, req.ContentType); err != nil {
			return userCancel(ctx, err)
		}
		progress(size, size)
		return nil
	}

	cfg := a.Config()
	key := models.UploadSessionKey{
		AccountID: cfg.AccountID,
		Bucket:    cfg.Bucket,
		Key:       req.Key,
		Source:    models.SourceIdentity{Name: filepath.Base(req.Path), Size: size, ModTime: info.ModTime()},
	}
	return e.multipart(ctx, a, f, key, req.ContentType, progress)
}

// userCancel rewrites ctx errors caused by the user into ErrCancelledByUser.
func userCancel(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), common.ErrCancelledByUser) {
		return fmt.Errorf("%w: %v", common.ErrCancelledByUser, err)
	}
	return err
}

// resume returns the stored session if the remote upload is still live,
// with CompletedParts narrowed to parts confirmed by both sides.
func (e *Engine) resume(ctx context.Context, a *storage.Adapter, key models.UploadSessionKey) (*models.UploadSession, error) {
	sess, err := e.sessions.Find(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	remote, err := a.Provider().ListParts(ctx, key.Bucket, key.Key, sess.UploadID)
	if errors.Is(err, common.ErrUploadSessionGone) {
		e.log.Info(ctx, "stale upload session discarded", "key", key.Key, "upload_id", sess.UploadID)
		if err := e.sessions.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	remoteETags := make(map[int32]string, len(remote))
	for _, p := range remote {
		remoteETags[p.PartNumber] = p.ETag
	}
	confirmed := sess.CompletedParts[:0]
	for _, p := range sess.CompletedParts {
		if etag, ok := remoteETags[p.PartNumber]; ok && etag == p.ETag {
			confirmed = append(confirmed, p)
		}
	}
	sess.CompletedParts = confirmed
	return sess, nil
}

type chunk struct {
	number int32
	data   []byte
}

func (e *Engine) multipart(ctx context.Context, a *storage.Adapter, f io.ReaderAt, key models.UploadSessionKey, contentType string, progress func(int64, int64)) error {
	size := key.Source.Size

	sess, err := e.resume(ctx, a, key)
	if err != nil {
		return userCancel(ctx, err)
	}
	if sess == nil {
		uploadID, err := a.Provider().CreateMultipartUpload(ctx, key.Bucket, key.Key, contentType)
		if err != nil {
			return userCancel(ctx, fmt.Errorf("create multipart upload: %w", err))
		}
		sess = &models.UploadSession{SessionKey: key, UploadID: uploadID, PartSize: e.opts.PartSize}
		if err := e.sessions.Save(ctx, sess); err != nil {
			return err
		}
	} else {
		e.log.Info(ctx, "resuming multipart upload", "key", key.Key, "upload_id", sess.UploadID, "parts_done", len(sess.CompletedParts))
	}

	partSize := sess.PartSize
	total := int32((size + partSize - 1) / partSize)

	var mu sync.Mutex
	done := make(map[int32]models.CompletedPart, total)
	var sent int64
	for _, p := range sess.CompletedParts {
		done[p.PartNumber] = p
		sent += p.Size
	}
	progress(sent, size)

	snapshot := func() *models.UploadSession {
		mu.Lock()
		defer mu.Unlock()
		s := *sess
		s.CompletedParts = sortedParts(done)
		s.UpdatedAt = time.Now()
		return &s
	}
	checkpoint := &rate.Sometimes{Interval: e.opts.CheckpointInterval}

	err = e.uploadParts(ctx, a, f, sess.UploadID, key, partSize, total, done, func(p models.CompletedPart) {
		mu.Lock()
		done[p.PartNumber] = p
		sent += p.Size
		progress(sent, size)
		mu.Unlock()

		checkpoint.Do(func() {
			if err := e.sessions.Save(context.WithoutCancel(ctx), snapshot()); err != nil {
				e.log.Warn(ctx, "checkpoint failed", "key", key.Key, "error", err)
			}
		})
	})

	if err == nil {
		err = a.Provider().CompleteMultipartUpload(ctx, key.Bucket, key.Key, sess.UploadID, snapshot().CompletedParts)
		if err == nil {
			if derr := e.sessions.Delete(context.WithoutCancel(ctx), key); derr != nil {
				e.log.Warn(ctx, "failed to drop finished session", "key", key.Key, "error", derr)
			}
			return nil
		}
		err = fmt.Errorf("complete multipart upload: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	if errors.Is(context.Cause(ctx), common.ErrCancelledByUser) {
		if serr := e.sessions.Save(bg, snapshot()); serr != nil {
			e.log.Warn(ctx, "failed to keep session on cancel", "key", key.Key, "error", serr)
		}
		return fmt.Errorf("%w: %v", common.ErrCancelledByUser, err)
	}

	if aerr := a.Provider().AbortMultipartUpload(bg, key.Bucket, key.Key, sess.UploadID); aerr != nil && !errors.Is(aerr, common.ErrUploadSessionGone) {
		e.log.Warn(ctx, "abort multipart upload failed", "key", key.Key, "error", aerr)
	}
	if derr := e.sessions.Delete(bg, key); derr != nil {
		e.log.Warn(ctx, "failed to drop aborted session", "key", key.Key, "error", derr)
	}
	return err
}

// uploadParts runs a bounded pool over the ordered part numbers, skipping
// parts already in done. At most Concurrency+2 chunks are held in memory.
func (e *Engine) uploadParts(ctx context.Context, a *storage.Adapter, f io.ReaderAt, uploadID string, key models.UploadSessionKey,
	partSize int64, total int32, done map[int32]models.CompletedPart, onPart func(models.CompletedPart)) error {

	skip := make(map[int32]bool, len(done))
	for n := range done {
		skip[n] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan chunk)
	buffers := make(chan struct{}, e.opts.Concurrency+2)

	g.Go(func() error {
		defer close(chunks)
		for n := int32(1); n <= total; n++ {
			if skip[n] {
				continue
			}
			select {
			case buffers <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}

			off := int64(n-1) * partSize
			length := min(partSize, key.Source.Size-off)
			data := make([]byte, length)
			if _, err := f.ReadAt(data, off); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read part %d: %w", n, err)
			}

			select {
			case chunks <- chunk{number: n, data: data}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < e.opts.Concurrency; i++ {
		g.Go(func() error {
			for c := range chunks {
				etag, err := a.Provider().UploadPart(gctx, key.Bucket, key.Key, uploadID, c.number, c.data)
				<-buffers
				if err != nil {
					return fmt.Errorf("upload part %d: %w", c.number, err)
				}
				onPart(models.CompletedPart{PartNumber: c.number, ETag: etag, Size: int64(len(c.data))})
			}
			return nil
		})
	}

	return g.Wait()
}

func sortedParts(done map[int32]models.CompletedPart) []models.CompletedPart {
	parts := make([]models.CompletedPart, 0, len(done))
	for _, p := range done {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}
