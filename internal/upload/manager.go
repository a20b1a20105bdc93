package upload

import (
	"context"
	"errors"
	"fmt"
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

// Opener builds adapters; *storage.Registry implements it.
type Opener interface {
	Open(ctx context.Context, cfg models.StorageConfig) (*storage.Adapter, error)
}

// CacheNotifier is told about objects that now exist remotely.
type CacheNotifier interface {
	ObjectsCreated(ctx context.Context, scope models.Scope, objs []models.StorageObject) error
}

// ProgressInterval is the minimum spacing of upload-progress events per task.
const ProgressInterval = 100 * time.Millisecond

type uploadEntry struct {
	task   models.UploadTask
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager runs user initiated uploads and tracks them for the UI.
type Manager struct {
	opener Opener
	cache  CacheNotifier
	pub    events.Publisher
	log    logging.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	tasks map[string]*uploadEntry
	order []string
}

func NewManager(opener Opener, cache CacheNotifier, pub events.Publisher, log logging.Logger) *Manager {
	return &Manager{
		opener: opener,
		cache:  cache,
		pub:    pub,
		log:    log.With("module", "upload-manager"),
		tasks:  make(map[string]*uploadEntry),
	}
}

// DetectContentType guesses from the file extension.
func DetectContentType(path string) string {
	return filex.ContentType(path)
}

// StartUpload validates the request, registers a pending task and runs it
// in the background.
func (m *Manager) StartUpload(ctx context.Context, cfg models.StorageConfig, filePath, key, contentType string) (models.UploadTask, error) {
	adapter, err := m.opener.Open(ctx, cfg)
	if err != nil {
		return models.UploadTask{}, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return models.UploadTask{}, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	if info.IsDir() {
		return models.UploadTask{}, fmt.Errorf("%w: %s is a directory", common.ErrInvalidArgument, filePath)
	}
	if key == "" {
		key = filepath.Base(filePath)
	}
	if contentType == "" {
		contentType = DetectContentType(filePath)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	e := &uploadEntry{
		task: models.UploadTask{
			ID:          uuid.NewString(),
			FilePath:    filePath,
			FileName:    filepath.Base(filePath),
			Key:         key,
			FileSize:    info.Size(),
			ContentType: contentType,
			Status:      models.UploadPending,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[e.task.ID] = e
	m.order = append(m.order, e.task.ID)
	task := e.task
	m.pub.Publish(events.UploadStatusChanged, events.UploadStatusPayload{TaskID: task.ID, Status: task.Status})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		m.run(runCtx, adapter, e)
	}()
	return task, nil
}

func (m *Manager) setStatus(id string, status models.UploadStatus, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return
	}
	e.task.Status = status
	e.task.Error = msg
	if status == models.UploadSuccess {
		e.task.Progress = 100
		e.task.TransferredBytes = e.task.FileSize
	}
	m.pub.Publish(events.UploadStatusChanged, events.UploadStatusPayload{TaskID: id, Status: status, Error: msg})
}

func (m *Manager) run(ctx context.Context, a *storage.Adapter, e *uploadEntry) {
	id := e.task.ID
	started := time.Now()
	throttle := &rate.Sometimes{Interval: ProgressInterval}

	m.setStatus(id, models.UploadUploading, "")
	err := a.UploadFile(ctx, storage.UploadRequest{
		Path:        e.task.FilePath,
		Key:         e.task.Key,
		ContentType: e.task.ContentType,
		OnProgress: func(sent, total int64) {
			m.mu.Lock()
			// reports may arrive out of order from part workers
			if sent < e.task.TransferredBytes {
				sent = e.task.TransferredBytes
			}
			pct := 100.0
			if total > 0 {
				pct = float64(sent) * 100 / float64(total)
			}
			pct = max(pct, e.task.Progress)
			speed := 0.0
			if el := time.Since(started).Seconds(); el > 0 {
				speed = float64(sent) / el
			}
			e.task.Progress = pct
			e.task.TransferredBytes = sent
			e.task.Speed = speed
			m.mu.Unlock()

			throttle.Do(func() {
				m.pub.Publish(events.UploadProgress, events.UploadProgressPayload{
					TaskID: id, Percent: pct, TransferredBytes: sent, TotalBytes: total, Speed: speed,
				})
			})
		},
	})

	switch {
	case err == nil:
		m.setStatus(id, models.UploadSuccess, "")
		obj := models.StorageObject{Key: e.task.Key, Size: e.task.FileSize, LastModified: time.Now().UTC()}
		if m.cache != nil {
			if cerr := m.cache.ObjectsCreated(context.Background(), a.Config().Scope(), []models.StorageObject{obj}); cerr != nil {
				m.log.Warn(ctx, "cache patch after upload failed", "key", obj.Key, "error", cerr)
			}
		}
	case errors.Is(err, common.ErrCancelledByUser):
		m.setStatus(id, models.UploadCancelled, "")
	default:
		m.log.Error(ctx, "upload failed", "task_id", id, "key", e.task.Key, "error", err)
		m.setStatus(id, models.UploadError, err.Error())
	}
}

// CancelUpload stops a running upload; its multipart session is kept.
func (m *Manager) CancelUpload(id string) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return common.ErrNotFound
	}
	e.cancel(common.ErrCancelledByUser)
	return nil
}

// Wait blocks until the task finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (models.UploadTask, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return models.UploadTask{}, common.ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return models.UploadTask{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.task, nil
}

func (m *Manager) GetUploadTasks() []models.UploadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UploadTask, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].task)
	}
	return out
}

// ClearFinishedUploads forgets terminal tasks and returns how many.
func (m *Manager) ClearFinishedUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		if m.tasks[id].task.Status.IsTerminal() {
			delete(m.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

// Close cancels running uploads and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.tasks {
		e.cancel(common.ErrCancelledByUser)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
