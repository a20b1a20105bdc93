// Package download copies remote objects to local files. Downloads are
// written to a ".part" file next to the target and resume with a ranged GET
// from the bytes already on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/filex"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Opener interface {
	Open(ctx context.Context, cfg models.StorageConfig) (*storage.Adapter, error)
}

// Resolver supplies credentials for downloads resumed after a restart.
type Resolver interface {
	Resolve(ctx context.Context, provider models.ProviderKind, accountID, bucket string) (models.StorageConfig, error)
}

const (
	ProgressInterval   = 100 * time.Millisecond
	CheckpointInterval = time.Second
	partSuffix         = ".part"
)

var (
	errPaused    = errors.New("download paused")
	errCancelled = errors.New("download cancelled")
	errClosed    = errors.New("download manager closed")
)

type entry struct {
	task   models.DownloadTask
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Manager struct {
	repo     Repository
	opener   Opener
	resolver Resolver
	pub      events.Publisher
	log      logging.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	tasks   map[string]*entry
	order   []string
	configs map[models.Scope]models.StorageConfig
}

func NewManager(repo Repository, opener Opener, resolver Resolver, pub events.Publisher, log logging.Logger) *Manager {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		repo:     repo,
		opener:   opener,
		resolver: resolver,
		pub:      pub,
		log:      log.With("module", "download"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*entry),
		configs:  make(map[models.Scope]models.StorageConfig),
	}
}

// Recover loads persisted downloads. Interrupted ones become paused.
func (m *Manager) Recover(ctx context.Context) error {
	tasks, err := m.repo.List(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			continue
		}
		e := &entry{task: *t}
		m.tasks[t.ID] = e
		m.order = append(m.order, t.ID)
		if t.Status == models.DownloadDownloading || t.Status == models.DownloadPending {
			m.setStatusLocked(e, models.DownloadPaused, "")
		}
	}
	return nil
}

// StartDownload registers a download of key into localPath and starts it.
// A localPath naming an existing directory receives the key's base name.
func (m *Manager) StartDownload(ctx context.Context, cfg models.StorageConfig, key, localPath string) (models.DownloadTask, error) {
	if key == "" || storage.IsFolderKey(key) || localPath == "" {
		return models.DownloadTask{}, fmt.Errorf("%w: key and local path are required", common.ErrInvalidArgument)
	}
	if _, err := m.opener.Open(ctx, cfg); err != nil {
		return models.DownloadTask{}, err
	}
	if fi, err := os.Stat(localPath); err == nil && fi.IsDir() {
		localPath = filepath.Join(localPath, filepath.Base(key))
	}

	now := m.now().UTC()
	e := &entry{task: models.DownloadTask{
		ID:        uuid.NewString(),
		Scope:     cfg.Scope(),
		Key:       key,
		LocalPath: localPath,
		Status:    models.DownloadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	if err := m.repo.Save(ctx, &e.task); err != nil {
		return models.DownloadTask{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[e.task.Scope] = cfg
	m.tasks[e.task.ID] = e
	m.order = append(m.order, e.task.ID)
	m.pub.Publish(events.DownloadStatusChanged, events.DownloadStatusPayload{TaskID: e.task.ID, Status: e.task.Status})
	m.launchLocked(e)
	return e.task, nil
}

func (m *Manager) PauseDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	switch {
	case e.done != nil:
		e.cancel(errPaused)
		return nil
	case e.task.Status == models.DownloadPending:
		m.setStatusLocked(e, models.DownloadPaused, "")
		return nil
	}
	return fmt.Errorf("%w: download %s is %s", common.ErrInvalidArgument, id, e.task.Status)
}

// ResumeDownload restarts a paused or failed download from its offset.
func (m *Manager) ResumeDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	if e.task.Status != models.DownloadPaused && e.task.Status != models.DownloadError {
		return fmt.Errorf("%w: download %s is %s", common.ErrInvalidArgument, id, e.task.Status)
	}
	m.setStatusLocked(e, models.DownloadPending, "")
	m.launchLocked(e)
	return nil
}

// CancelDownload stops the download and removes the partial file.
func (m *Manager) CancelDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	switch {
	case e.done != nil:
		e.cancel(errCancelled)
		return nil
	case !e.task.Status.IsTerminal() || e.task.Status == models.DownloadError:
		_ = os.Remove(e.task.LocalPath + partSuffix)
		e.task.DownloadedBytes, e.task.Progress = 0, 0
		m.setStatusLocked(e, models.DownloadCancelled, "")
		return nil
	}
	return fmt.Errorf("%w: download %s is %s", common.ErrInvalidArgument, id, e.task.Status)
}

// ClearFinishedDownloads forgets terminal downloads; local files are kept.
func (m *Manager) ClearFinishedDownloads(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, id := range m.order {
		if m.tasks[id].task.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	if err := m.repo.Delete(ctx, ids); err != nil {
		return 0, err
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if m.tasks[id].task.Status.IsTerminal() {
			delete(m.tasks, id)
			m.pub.Publish(events.DownloadTaskDeleted, events.TaskDeletedPayload{TaskID: id})
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	m.pub.Publish(events.DownloadBatchOperation, events.BatchOperationPayload{Operation: events.BatchClearFinished})
	return len(ids), nil
}

func (m *Manager) GetDownloadTasks() []models.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DownloadTask, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].task)
	}
	return out
}

// Wait blocks until the download's current run ends.
func (m *Manager) Wait(ctx context.Context, id string) (models.DownloadTask, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	var done chan struct{}
	if ok {
		done = e.done
	}
	m.mu.Unlock()
	if !ok {
		return models.DownloadTask{}, common.ErrNotFound
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return models.DownloadTask{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.task, nil
}

// Close interrupts running downloads, leaving them paused.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel(errClosed)
	m.wg.Wait()
}

func (m *Manager) launchLocked(e *entry) {
	if m.closed {
		return
	}
	ctx, cancel := context.WithCancelCause(m.ctx)
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer cancel(nil)
		m.run(ctx, e)

		m.mu.Lock()
		if e.done == done {
			e.done = nil
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) setStatusLocked(e *entry, status models.DownloadStatus, msg string) {
	e.task.Status = status
	e.task.Error = msg
	if status != models.DownloadDownloading {
		e.task.Speed = 0
	}
	m.persistLocked(e)
	m.pub.Publish(events.DownloadStatusChanged, events.DownloadStatusPayload{TaskID: e.task.ID, Status: status, Error: msg})
}

func (m *Manager) persistLocked(e *entry) {
	e.task.UpdatedAt = m.now().UTC()
	if err := m.repo.Save(context.Background(), &e.task); err != nil {
		m.log.Error(m.ctx, "failed to persist download", "task_id", e.task.ID, "error", err)
	}
}

func (m *Manager) configFor(ctx context.Context, scope models.Scope) (models.StorageConfig, error) {
	m.mu.Lock()
	cfg, ok := m.configs[scope]
	m.mu.Unlock()
	if ok {
		return cfg, nil
	}
	if m.resolver == nil {
		return models.StorageConfig{}, fmt.Errorf("no credentials for %s", scope)
	}
	return m.resolver.Resolve(ctx, scope.Provider, scope.AccountID, scope.Bucket)
}

func (m *Manager) run(ctx context.Context, e *entry) {
	m.mu.Lock()
	task := e.task
	m.setStatusLocked(e, models.DownloadDownloading, "")
	m.mu.Unlock()

	err := m.fetch(ctx, e, task)
	cause := context.Cause(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		e.task.Progress = 100
		m.setStatusLocked(e, models.DownloadSuccess, "")
	case errors.Is(cause, errPaused), errors.Is(cause, errClosed):
		m.setStatusLocked(e, models.DownloadPaused, "")
	case errors.Is(cause, errCancelled):
		_ = os.Remove(task.LocalPath + partSuffix)
		e.task.DownloadedBytes, e.task.Progress = 0, 0
		m.setStatusLocked(e, models.DownloadCancelled, "")
	default:
		m.log.Error(ctx, "download failed", "task_id", task.ID, "key", task.Key, "error", err)
		m.setStatusLocked(e, models.DownloadError, err.Error())
	}
}

// fetch appends the remaining bytes to the part file and renames it into
// place once complete.
func (m *Manager) fetch(ctx context.Context, e *entry, task models.DownloadTask) error {
	cfg, err := m.configFor(ctx, task.Scope)
	if err != nil {
		return err
	}
	a, err := m.opener.Open(ctx, cfg)
	if err != nil {
		return err
	}

	if _, err := filex.EnsureDir(filepath.Dir(task.LocalPath)); err != nil {
		return err
	}
	part := task.LocalPath + partSuffix
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}
	defer f.Close()

	// The file on disk is the source of truth for the resume offset.
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	offset := min(fi.Size(), task.DownloadedBytes)
	if err := f.Truncate(offset); err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	if task.FileSize > 0 && offset >= task.FileSize {
		if err := f.Close(); err != nil {
			return err
		}
		return os.Rename(part, task.LocalPath)
	}

	rc, total, err := a.OpenObject(ctx, task.Key, offset)
	if err != nil {
		return fmt.Errorf("download %s: %w", task.Key, err)
	}
	defer rc.Close()

	m.mu.Lock()
	e.task.FileSize = total
	e.task.DownloadedBytes = offset
	m.mu.Unlock()

	started := m.now()
	progress := &rate.Sometimes{Interval: ProgressInterval}
	checkpoint := &rate.Sometimes{Interval: CheckpointInterval}
	pw := filex.NewProgressWriter(offset, func(n int64) {
		m.mu.Lock()
		defer m.mu.Unlock()
		e.task.DownloadedBytes = n
		if total > 0 {
			e.task.Progress = float64(n) * 100 / float64(total)
		}
		if el := m.now().Sub(started).Seconds(); el > 0 {
			e.task.Speed = float64(n-offset) / el
		}
		payload := events.DownloadProgressPayload{
			TaskID: e.task.ID, Percent: e.task.Progress, DownloadedBytes: n, TotalBytes: total, Speed: e.task.Speed,
		}
		progress.Do(func() { m.pub.Publish(events.DownloadProgress, payload) })
		checkpoint.Do(func() { m.persistLocked(e) })
	})

	if _, err := io.Copy(io.MultiWriter(f, pw), filex.ContextReader(ctx, rc)); err != nil {
		return fmt.Errorf("download %s: %w", task.Key, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if total > 0 && pw.Total() != total {
		return fmt.Errorf("download %s: got %d of %d bytes", task.Key, pw.Total(), total)
	}
	if err := os.Rename(part, task.LocalPath); err != nil {
		return fmt.Errorf("rename %s: %w", part, err)
	}

	m.mu.Lock()
	e.task.DownloadedBytes = pw.Total()
	m.mu.Unlock()
	return nil
}
