package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/filex"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/sethvargo/go-retry"
)

// maxCleanupDelay caps the backoff between source deletion attempts.
const maxCleanupDelay = time.Minute

// work drives one task from downloading to a terminal or cleanup state.
func (q *Queue) work(ctx context.Context, id string) {
	defer q.forget(id)

	t, ok := q.Task(id)
	if !ok {
		return
	}
	src, err := q.transfer(ctx, t)
	if err != nil {
		q.fail(ctx, id, err)
		return
	}
	q.settle(ctx, id, src)
}

// transfer copies the object through a temporary file and returns the
// source adapter for cleanup.
func (q *Queue) transfer(ctx context.Context, t models.MoveTask) (*storage.Adapter, error) {
	srcCfg, err := q.configFor(ctx, t.SourceScope())
	if err != nil {
		return nil, err
	}
	dstCfg, err := q.configFor(ctx, t.DestScope())
	if err != nil {
		return nil, err
	}
	src, err := q.opener.Open(ctx, srcCfg)
	if err != nil {
		return nil, err
	}
	dst, err := q.opener.Open(ctx, dstCfg)
	if err != nil {
		return nil, err
	}

	dir, err := filex.EnsureDir(q.opts.TempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	tmp := filepath.Join(dir, t.ID+".part")
	defer os.Remove(tmp)

	size, err := q.download(ctx, src, t, tmp)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if cur, ok := q.tasks[t.ID]; ok {
		cur.FileSize = size
		q.setStatusLocked(cur, models.MoveUploading)
	}
	q.mu.Unlock()

	err = dst.UploadFile(ctx, storage.UploadRequest{
		Path:        tmp,
		Key:         t.DestKey,
		ContentType: filex.ContentType(t.DestKey),
		OnProgress: func(sent, _ int64) {
			q.progress(t.ID, size+sent)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", t.DestKey, err)
	}
	return src, nil
}

func (q *Queue) download(ctx context.Context, src *storage.Adapter, t models.MoveTask, path string) (int64, error) {
	rc, total, err := src.OpenObject(ctx, t.SourceKey, 0)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", t.SourceKey, err)
	}
	defer rc.Close()

	if total > 0 {
		q.mu.Lock()
		if cur, ok := q.tasks[t.ID]; ok {
			cur.FileSize = total
		}
		q.mu.Unlock()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	pw := filex.NewProgressWriter(0, func(n int64) { q.progress(t.ID, n) })
	n, err := io.Copy(io.MultiWriter(f, pw), filex.ContextReader(ctx, rc))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", t.SourceKey, err)
	}
	return n, nil
}

// progress records bytes moved so far, counting both legs, and publishes a
// throttled move-progress event.
func (q *Queue) progress(id string, transferred int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	r, rok := q.runs[id]
	if !ok || !rok {
		return
	}
	if transferred > t.TransferredBytes {
		t.TransferredBytes = transferred
	}
	if t.FileSize > 0 {
		t.Progress = min(100, float64(t.TransferredBytes)*100/float64(2*t.FileSize))
	}
	if el := q.now().Sub(r.started).Seconds(); el > 0 {
		t.Speed = float64(t.TransferredBytes) / el
	}
	payload := progressPayload(t)
	r.throttle.Do(func() {
		q.pub.Publish(events.MoveProgress, payload)
	})
}

// fail releases the slot and records the outcome: cancelled on user
// request, pending on shutdown, error otherwise.
func (q *Queue) fail(ctx context.Context, id string, err error) {
	cause := context.Cause(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(id)
	t, ok := q.tasks[id]
	if !ok {
		q.scheduleLocked()
		return
	}
	t.Speed = 0
	switch {
	case errors.Is(cause, errMoveCancelled):
		q.setStatusLocked(t, models.MoveCancelled)
	case errors.Is(cause, errQueueClosed):
		t.Progress, t.TransferredBytes = 0, 0
		q.setStatusLocked(t, models.MovePending)
	default:
		t.Error = err.Error()
		q.log.Error(q.ctx, "move failed", "task_id", id, "source", t.SourceKey, "dest", t.DestKey, "error", err)
		q.setStatusLocked(t, models.MoveError)
	}
	q.scheduleLocked()
}

// forget drops the run record; a slot still held at this point is released.
func (q *Queue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.releaseLocked(id) {
		q.scheduleLocked()
	}
	delete(q.runs, id)
}

// settle runs after the upload reached 100%: the slot is handed on, the
// destination is recorded and the source optionally removed.
func (q *Queue) settle(ctx context.Context, id string, src *storage.Adapter) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	t.TransferredBytes = 2 * t.FileSize
	t.Progress = 100
	q.releaseLocked(id)
	q.setStatusLocked(t, models.MoveFinishing)
	q.scheduleLocked()
	done := *t
	q.mu.Unlock()

	q.notifyCreated(done)

	if !done.DeleteOriginal {
		q.mu.Lock()
		q.setStatusLocked(t, models.MoveSuccess)
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	q.setStatusLocked(t, models.MoveDeleting)
	q.mu.Unlock()

	err := src.DeleteObject(ctx, done.SourceKey)

	q.mu.Lock()
	t.CleanupAttempts++
	if err != nil {
		t.CleanupPending = true
		t.Warning = fmt.Sprintf("source object was not deleted: %v", err)
		q.log.Warn(q.ctx, "source cleanup failed", "task_id", id, "key", done.SourceKey, "error", err)
		q.setStatusLocked(t, models.MoveSuccess)
		q.startCleanupLocked(id, q.opts.CleanupAttempts-1, q.opts.CleanupBaseDelay)
		q.mu.Unlock()
		return
	}
	q.setStatusLocked(t, models.MoveSuccess)
	q.mu.Unlock()

	q.notifyRemoved(done)
}

func (q *Queue) startCleanupLocked(id string, attempts int, delay time.Duration) {
	if q.closed || attempts <= 0 || q.cleaning[id] {
		return
	}
	q.cleaning[id] = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.cleanup(id, attempts, delay)
	}()
}

// cleanup retries the source deletion with exponential backoff. The task
// stays success throughout; only its warning changes.
func (q *Queue) cleanup(id string, attempts int, delay time.Duration) {
	defer func() {
		q.mu.Lock()
		delete(q.cleaning, id)
		q.mu.Unlock()
	}()

	ctx := q.ctx
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	backoff := retry.NewExponential(q.opts.CleanupBaseDelay)
	backoff = retry.WithCappedDuration(maxCleanupDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	var removed *models.MoveTask
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, ok := q.Task(id)
		if !ok || !t.CleanupPending {
			return nil
		}
		err := q.deleteSource(ctx, t)

		q.mu.Lock()
		defer q.mu.Unlock()
		cur, ok := q.tasks[id]
		if !ok {
			return nil
		}
		cur.CleanupAttempts++
		if err != nil {
			cur.Warning = fmt.Sprintf("source object was not deleted: %v", err)
			q.persistLocked(cur)
			q.log.Warn(ctx, "source cleanup retry failed", "task_id", id, "attempt", cur.CleanupAttempts, "error", err)
			return retry.RetryableError(err)
		}
		cur.CleanupPending = false
		cur.Warning = ""
		q.setStatusLocked(cur, models.MoveSuccess)
		snapshot := *cur
		removed = &snapshot
		return nil
	})
	if err != nil {
		q.log.Error(ctx, "source cleanup gave up", "task_id", id, "error", err)
		return
	}
	if removed != nil {
		q.notifyRemoved(*removed)
	}
}

func (q *Queue) deleteSource(ctx context.Context, t models.MoveTask) error {
	cfg, err := q.configFor(ctx, t.SourceScope())
	if err != nil {
		return err
	}
	a, err := q.opener.Open(ctx, cfg)
	if err != nil {
		return err
	}
	return a.DeleteObject(ctx, t.SourceKey)
}

func (q *Queue) notifyCreated(t models.MoveTask) {
	if q.cache == nil {
		return
	}
	obj := models.StorageObject{Key: t.DestKey, Size: t.FileSize, LastModified: q.now().UTC()}
	if err := q.cache.ObjectsCreated(context.Background(), t.DestScope(), []models.StorageObject{obj}); err != nil {
		q.log.Warn(q.ctx, "cache patch after move failed", "key", t.DestKey, "error", err)
	}
}

func (q *Queue) notifyRemoved(t models.MoveTask) {
	if q.cache == nil {
		return
	}
	if err := q.cache.ObjectsRemoved(context.Background(), t.SourceScope(), []string{t.SourceKey}); err != nil {
		q.log.Warn(q.ctx, "cache patch after source cleanup failed", "key", t.SourceKey, "error", err)
	}
}
