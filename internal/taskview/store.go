// Package taskview keeps a display projection of move and upload tasks fed
// by backend events. Status events apply at once; progress events are
// coalesced per task and applied on a fixed flush interval. While a task is
// active its progress and byte count never decrease, except that a fresh
// attempt starts again from zero.
package taskview

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// FlushInterval is the default progress flush period.
const FlushInterval = 200 * time.Millisecond

// Feed yields backend events; *events.Subscription implements it.
type Feed interface {
	Next(ctx context.Context) (events.Event, error)
}

// run applies events as they arrive and flushes on every tick until the
// feed fails or ctx ends.
func run(ctx context.Context, feed Feed, interval time.Duration, apply func(events.Event), flush func()) error {
	if interval <= 0 {
		interval = FlushInterval
	}
	evs := make(chan events.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			ev, err := feed.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case evs <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-evs:
			apply(ev)
		case <-ticker.C:
			flush()
		case err := <-errc:
			flush()
			return err
		}
	}
}

// MoveStore is the move task projection.
type MoveStore struct {
	mu       sync.Mutex
	tasks    map[string]*models.MoveTask
	order    []string
	progress *Coalescer[events.MoveProgressPayload]
	speed    *SpeedEstimator
	moved    int64
}

func NewMoveStore(clock func() time.Time) *MoveStore {
	return &MoveStore{
		tasks:    make(map[string]*models.MoveTask),
		progress: NewCoalescer[events.MoveProgressPayload](),
		speed:    NewSpeedEstimator(clock),
	}
}

// Load replaces the projection with a fetched task list.
func (s *MoveStore) Load(tasks []models.MoveTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*models.MoveTask, len(tasks))
	s.order = s.order[:0]
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
		s.order = append(s.order, t.ID)
	}
}

func (s *MoveStore) taskLocked(id string) *models.MoveTask {
	t, ok := s.tasks[id]
	if !ok {
		t = &models.MoveTask{ID: id, Status: models.MovePending}
		s.tasks[id] = t
		s.order = append(s.order, id)
	}
	return t
}

func (s *MoveStore) Apply(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.MoveStatusPayload:
		s.mu.Lock()
		defer s.mu.Unlock()
		t := s.taskLocked(p.TaskID)
		if p.Status == models.MoveDownloading && !t.Status.IsInProgress() {
			t.Progress, t.TransferredBytes, t.Speed = 0, 0, 0
			s.progress.Drop(p.TaskID)
		}
		t.Status = p.Status
		t.Phase = string(p.Status)
		t.Error = p.Error
		t.Warning = p.Warning
		if p.Status == models.MoveSuccess {
			t.Progress = 100
		}
		if !p.Status.IsInProgress() {
			t.Speed = 0
		}
	case events.MoveProgressPayload:
		s.progress.Put(p.TaskID, p)
	case events.TaskDeletedPayload:
		if ev.Name != events.MoveTaskDeleted {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.progress.Drop(p.TaskID)
		if _, ok := s.tasks[p.TaskID]; !ok {
			return
		}
		delete(s.tasks, p.TaskID)
		for i, id := range s.order {
			if id == p.TaskID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Flush applies the newest buffered progress per task.
func (s *MoveStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.progress.Drain()
	for _, p := range batch {
		t, ok := s.tasks[p.TaskID]
		if !ok || !t.Status.IsInProgress() {
			continue
		}
		if p.TransferredBytes > t.TransferredBytes {
			s.moved += p.TransferredBytes - t.TransferredBytes
			t.TransferredBytes = p.TransferredBytes
		}
		t.Progress = max(t.Progress, p.Percent)
		if p.TotalBytes > 0 {
			t.FileSize = p.TotalBytes
		}
		t.Speed = p.Speed
	}
	if len(batch) > 0 {
		s.speed.Observe(s.moved)
	}
}

// Run feeds the store until ctx ends or feed fails.
func (s *MoveStore) Run(ctx context.Context, feed Feed, interval time.Duration) error {
	return run(ctx, feed, interval, s.Apply, s.Flush)
}

func (s *MoveStore) Tasks() []models.MoveTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MoveTask, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

func (s *MoveStore) Task(id string) (models.MoveTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.MoveTask{}, false
	}
	return *t, true
}

// Speed is the smoothed aggregate throughput of all moves.
func (s *MoveStore) Speed() float64 { return s.speed.Speed() }

// UploadStore is the upload task projection.
type UploadStore struct {
	mu       sync.Mutex
	tasks    map[string]*models.UploadTask
	order    []string
	progress *Coalescer[events.UploadProgressPayload]
	speed    *SpeedEstimator
	sent     int64
}

func NewUploadStore(clock func() time.Time) *UploadStore {
	return &UploadStore{
		tasks:    make(map[string]*models.UploadTask),
		progress: NewCoalescer[events.UploadProgressPayload](),
		speed:    NewSpeedEstimator(clock),
	}
}

func (s *UploadStore) Load(tasks []models.UploadTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*models.UploadTask, len(tasks))
	s.order = s.order[:0]
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
		s.order = append(s.order, t.ID)
	}
}

func (s *UploadStore) Apply(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.UploadStatusPayload:
		s.mu.Lock()
		defer s.mu.Unlock()
		t, ok := s.tasks[p.TaskID]
		if !ok {
			t = &models.UploadTask{ID: p.TaskID, Status: models.UploadPending}
			s.tasks[p.TaskID] = t
			s.order = append(s.order, p.TaskID)
		}
		if p.Status == models.UploadUploading && t.Status != models.UploadUploading {
			t.Progress, t.TransferredBytes, t.Speed = 0, 0, 0
			s.progress.Drop(p.TaskID)
		}
		t.Status = p.Status
		t.Error = p.Error
		if p.Status == models.UploadSuccess {
			t.Progress = 100
		}
		if p.Status != models.UploadUploading {
			t.Speed = 0
		}
	case events.UploadProgressPayload:
		s.progress.Put(p.TaskID, p)
	}
}

func (s *UploadStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.progress.Drain()
	for _, p := range batch {
		t, ok := s.tasks[p.TaskID]
		if !ok || t.Status != models.UploadUploading {
			continue
		}
		if p.TransferredBytes > t.TransferredBytes {
			s.sent += p.TransferredBytes - t.TransferredBytes
			t.TransferredBytes = p.TransferredBytes
		}
		t.Progress = max(t.Progress, p.Percent)
		if p.TotalBytes > 0 {
			t.FileSize = p.TotalBytes
		}
		t.Speed = p.Speed
	}
	if len(batch) > 0 {
		s.speed.Observe(s.sent)
	}
}

func (s *UploadStore) Run(ctx context.Context, feed Feed, interval time.Duration) error {
	return run(ctx, feed, interval, s.Apply, s.Flush)
}

func (s *UploadStore) Tasks() []models.UploadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UploadTask, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

func (s *UploadStore) Speed() float64 { return s.speed.Speed() }
