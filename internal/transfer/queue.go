// Package transfer implements the durable move queue. Each MoveTask
// downloads one object from its source location into a temporary file and
// re-uploads it to the destination, optionally deleting the source.
package transfer

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

// Resolver looks up stored credentials for a scope when the caller did not
// supply them, for example after a restart.
type Resolver interface {
	Resolve(ctx context.Context, provider models.ProviderKind, accountID, bucket string) (models.StorageConfig, error)
}

// CacheNotifier patches cached listings after a move.
type CacheNotifier interface {
	ObjectsCreated(ctx context.Context, scope models.Scope, objs []models.StorageObject) error
	ObjectsRemoved(ctx context.Context, scope models.Scope, keys []string) error
}

const (
	DefaultMaxConcurrent    = 5
	DefaultCleanupAttempts  = 5
	DefaultCleanupBaseDelay = time.Second
	DefaultProgressInterval = 200 * time.Millisecond
)

type Options struct {
	MaxConcurrent int
	// TempDir holds downloaded objects between the two legs of a move.
	TempDir string
	// CleanupAttempts bounds source deletions per cleanup run.
	CleanupAttempts  int
	CleanupBaseDelay time.Duration
	ProgressInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.TempDir == "" {
		o.TempDir = filepath.Join(os.TempDir(), "bucketkeeper-moves")
	}
	if o.CleanupAttempts <= 0 {
		o.CleanupAttempts = DefaultCleanupAttempts
	}
	if o.CleanupBaseDelay <= 0 {
		o.CleanupBaseDelay = DefaultCleanupBaseDelay
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	return o
}

var (
	errMoveCancelled = errors.New("move cancelled")
	errQueueClosed   = errors.New("transfer queue closed")
)

// pair identifies a source/destination route started by StartMoveQueue.
type pair struct {
	src, dst models.Scope
}

func pairOf(t *models.MoveTask) pair {
	return pair{src: t.SourceScope(), dst: t.DestScope()}
}

func matches(t *models.MoveTask, ref models.SourceRef) bool {
	return t.SourceBucket == ref.SourceBucket && t.SourceAccountID == ref.SourceAccountID
}

// run is the live state of a task holding or having held a slot.
type run struct {
	cancel   context.CancelCauseFunc
	started  time.Time
	throttle *rate.Sometimes
	slot     bool
}

// Queue owns every MoveTask. In-memory state is authoritative while the
// process runs; each transition is written through to the repository.
type Queue struct {
	repo     Repository
	opener   Opener
	resolver Resolver
	cache    CacheNotifier
	pub      events.Publisher
	log      logging.Logger
	opts     Options
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	tasks    map[string]*models.MoveTask
	order    []string
	active   int
	runs     map[string]*run
	configs  map[models.Scope]models.StorageConfig
	started  map[pair]bool
	cleaning map[string]bool
}

// NewQueue creates an empty queue. resolver and cache may be nil.
func NewQueue(repo Repository, opener Opener, resolver Resolver, cache CacheNotifier,
	pub events.Publisher, log logging.Logger, opts Options) *Queue {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Queue{
		repo:     repo,
		opener:   opener,
		resolver: resolver,
		cache:    cache,
		pub:      pub,
		log:      log.With("module", "transfer"),
		opts:     opts.withDefaults(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*models.MoveTask),
		runs:     make(map[string]*run),
		configs:  make(map[models.Scope]models.StorageConfig),
		started:  make(map[pair]bool),
		cleaning: make(map[string]bool),
	}
}

// Recover loads persisted tasks. Tasks interrupted mid-transfer go back to
// pending; interrupted or outstanding source cleanups are rescheduled.
func (q *Queue) Recover(ctx context.Context) error {
	tasks, err := q.repo.List(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	reset := 0
	for _, t := range tasks {
		if _, ok := q.tasks[t.ID]; ok {
			continue
		}
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)

		switch {
		case t.Status == models.MoveDownloading || t.Status == models.MoveUploading || t.Status == models.MoveFinishing:
			t.Progress, t.TransferredBytes, t.Speed = 0, 0, 0
			q.setStatusLocked(t, models.MovePending)
			reset++
		case t.Status == models.MoveDeleting:
			t.CleanupPending = true
			t.Warning = "source cleanup interrupted by restart"
			q.setStatusLocked(t, models.MoveSuccess)
			q.startCleanupLocked(t.ID, q.opts.CleanupAttempts, q.opts.CleanupBaseDelay)
		case t.Status == models.MoveSuccess && t.CleanupPending:
			q.startCleanupLocked(t.ID, q.opts.CleanupAttempts, q.opts.CleanupBaseDelay)
		}
	}
	q.log.Info(ctx, "move queue recovered", "tasks", len(tasks), "reset", reset)
	return nil
}

// Enqueue creates one pending task per operation. All tasks of a request
// share its destination, so its credentials are kept once for the group.
func (q *Queue) Enqueue(ctx context.Context, req models.BatchMoveRequest) ([]models.MoveTask, error) {
	if len(req.Operations) == 0 {
		return nil, fmt.Errorf("%w: no operations", common.ErrInvalidArgument)
	}
	if err := req.Source.Validate(); err != nil {
		return nil, err
	}
	if err := req.Dest.Validate(); err != nil {
		return nil, err
	}
	src, dst := req.Source.Scope(), req.Dest.Scope()

	now := q.now().UTC()
	tasks := make([]*models.MoveTask, 0, len(req.Operations))
	for _, op := range req.Operations {
		if op.OldKey == "" || op.NewKey == "" || storage.IsFolderKey(op.OldKey) {
			return nil, fmt.Errorf("%w: bad move %q -> %q", common.ErrInvalidArgument, op.OldKey, op.NewKey)
		}
		if src == dst && op.OldKey == op.NewKey {
			return nil, fmt.Errorf("%w: %q moves onto itself", common.ErrInvalidArgument, op.OldKey)
		}
		tasks = append(tasks, &models.MoveTask{
			ID:              uuid.NewString(),
			SourceKey:       op.OldKey,
			SourceBucket:    src.Bucket,
			SourceAccountID: src.AccountID,
			SourceProvider:  src.Provider,
			DestKey:         op.NewKey,
			DestBucket:      dst.Bucket,
			DestAccountID:   dst.AccountID,
			DestProvider:    dst.Provider,
			DeleteOriginal:  req.DeleteOriginal,
			FileSize:        req.Sizes[op.OldKey],
			Status:          models.MovePending,
			Phase:           string(models.MovePending),
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	if err := q.repo.Create(ctx, tasks); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.configs[src] = req.Source
	q.configs[dst] = req.Dest
	out := make([]models.MoveTask, 0, len(tasks))
	for _, t := range tasks {
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		q.pub.Publish(events.MoveStatusChanged, events.MoveStatusPayload{TaskID: t.ID, Status: t.Status})
		out = append(out, *t)
	}
	q.publishBatch(events.BatchEnqueued, models.SourceRef{SourceBucket: src.Bucket, SourceAccountID: src.AccountID})
	q.log.Info(ctx, "moves enqueued", "count", len(tasks), "source", src.String(), "dest", dst.String())
	return out, nil
}

// StartMoveQueue begins processing pending tasks for the src/dst pair up to
// the concurrency ceiling and reports how many were pending.
func (q *Queue) StartMoveQueue(ctx context.Context, src, dst models.StorageConfig) (int, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}
	if err := dst.Validate(); err != nil {
		return 0, err
	}
	p := pair{src: src.Scope(), dst: dst.Scope()}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.configs[p.src] = src
	q.configs[p.dst] = dst
	q.started[p] = true

	pending := 0
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status == models.MovePending && pairOf(t) == p {
			pending++
		}
	}
	q.scheduleLocked()
	return pending, nil
}

// PauseAllMoves parks pending tasks of the source. Running transfers are
// not interrupted.
func (q *Queue) PauseAllMoves(ref models.SourceRef) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.order {
		t := q.tasks[id]
		if matches(t, ref) && t.Status == models.MovePending {
			q.setStatusLocked(t, models.MovePaused)
			n++
		}
	}
	q.publishBatch(events.BatchPauseAll, ref)
	return n
}

func (q *Queue) ResumeAllMoves(ref models.SourceRef) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.order {
		t := q.tasks[id]
		if matches(t, ref) && t.Status == models.MovePaused {
			q.started[pairOf(t)] = true
			q.setStatusLocked(t, models.MovePending)
			n++
		}
	}
	q.publishBatch(events.BatchResumeAll, ref)
	q.scheduleLocked()
	return n
}

// ResumeMove requeues a paused, failed or cancelled task from scratch.
func (q *Queue) ResumeMove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	switch t.Status {
	case models.MovePaused, models.MoveError, models.MoveCancelled:
	default:
		return fmt.Errorf("%w: task %s is %s", common.ErrInvalidArgument, id, t.Status)
	}
	t.Progress, t.TransferredBytes, t.Speed, t.Error = 0, 0, 0, ""
	q.started[pairOf(t)] = true
	q.setStatusLocked(t, models.MovePending)
	q.scheduleLocked()
	return nil
}

// CancelMove cancels a queued task at once, or signals a transferring one
// to stop at its next step.
func (q *Queue) CancelMove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	switch t.Status {
	case models.MovePending, models.MovePaused:
		q.setStatusLocked(t, models.MoveCancelled)
		return nil
	case models.MoveDownloading, models.MoveUploading:
		if r, ok := q.runs[id]; ok {
			r.cancel(errMoveCancelled)
			return nil
		}
	}
	return fmt.Errorf("%w: task %s is %s", common.ErrInvalidArgument, id, t.Status)
}

// RetryCleanup runs another round of source deletion for a task whose
// transfer succeeded but whose source could not be removed.
func (q *Queue) RetryCleanup(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	if t.Status != models.MoveSuccess || !t.CleanupPending {
		return fmt.Errorf("%w: task %s has no pending cleanup", common.ErrInvalidArgument, id)
	}
	q.startCleanupLocked(id, q.opts.CleanupAttempts, 0)
	return nil
}

// ClearFinishedMoves removes terminal tasks of the source.
func (q *Queue) ClearFinishedMoves(ctx context.Context, ref models.SourceRef) (int, error) {
	return q.clear(ctx, ref, events.BatchClearFinished, false, func(t *models.MoveTask) bool {
		return t.Status.IsTerminal()
	})
}

// ClearAllMoves removes every task of the source; it is refused while any
// of them is mid-transfer.
func (q *Queue) ClearAllMoves(ctx context.Context, ref models.SourceRef) (int, error) {
	return q.clear(ctx, ref, events.BatchClearAll, true, func(t *models.MoveTask) bool {
		return !t.Status.IsInProgress()
	})
}

// clear deletes the source's tasks selected by pick. With refuseBusy the
// whole call fails when a task of the source is in progress; the check and
// the delete happen under one lock hold.
func (q *Queue) clear(ctx context.Context, ref models.SourceRef, op string, refuseBusy bool, pick func(*models.MoveTask) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if refuseBusy {
		for _, id := range q.order {
			if t := q.tasks[id]; matches(t, ref) && t.Status.IsInProgress() {
				return 0, common.ErrMovesInProgress
			}
		}
	}

	var ids []string
	for _, id := range q.order {
		if t := q.tasks[id]; matches(t, ref) && pick(t) {
			ids = append(ids, id)
		}
	}
	if err := q.repo.Delete(ctx, ids); err != nil {
		return 0, err
	}

	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
		delete(q.tasks, id)
		q.pub.Publish(events.MoveTaskDeleted, events.TaskDeletedPayload{TaskID: id})
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := gone[id]; !ok {
			kept = append(kept, id)
		}
	}
	q.order = kept
	q.publishBatch(op, ref)
	return len(ids), nil
}

// GetMoveTasks lists the source's tasks in creation order.
func (q *Queue) GetMoveTasks(ref models.SourceRef) []models.MoveTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []models.MoveTask{}
	for _, id := range q.order {
		if t := q.tasks[id]; matches(t, ref) {
			out = append(out, *t)
		}
	}
	return out
}

// GetAllActiveMoveTasks lists non-terminal tasks across every source.
func (q *Queue) GetAllActiveMoveTasks() []models.MoveTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []models.MoveTask{}
	for _, id := range q.order {
		if t := q.tasks[id]; !t.Status.IsTerminal() {
			out = append(out, *t)
		}
	}
	return out
}

// Task returns a copy of one task.
func (q *Queue) Task(id string) (models.MoveTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return models.MoveTask{}, false
	}
	return *t, true
}

// Active reports how many tasks hold a transfer slot.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Close stops scheduling, interrupts running transfers and waits for them.
// Interrupted tasks are persisted as pending.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel(errQueueClosed)
	q.wg.Wait()
}

// scheduleLocked hands free slots to pending tasks of started routes in
// FIFO order. Taking the slot and entering downloading happen under one
// lock hold.
func (q *Queue) scheduleLocked() {
	if q.closed {
		return
	}
	for _, id := range q.order {
		if q.active >= q.opts.MaxConcurrent {
			return
		}
		t := q.tasks[id]
		if t.Status != models.MovePending || !q.started[pairOf(t)] {
			continue
		}

		ctx, cancel := context.WithCancelCause(q.ctx)
		q.active++
		q.runs[id] = &run{
			cancel:   cancel,
			started:  q.now(),
			throttle: &rate.Sometimes{Interval: q.opts.ProgressInterval},
			slot:     true,
		}
		t.Progress, t.TransferredBytes, t.Speed, t.Error = 0, 0, 0, ""
		q.setStatusLocked(t, models.MoveDownloading)

		q.wg.Add(1)
		go func(id string) {
			defer q.wg.Done()
			defer cancel(nil)
			q.work(ctx, id)
		}(id)
	}
}

// releaseLocked frees the task's slot once; it reports whether a slot was held.
func (q *Queue) releaseLocked(id string) bool {
	r, ok := q.runs[id]
	if !ok || !r.slot {
		return false
	}
	r.slot = false
	q.active--
	return true
}

// setStatusLocked records a transition, writes it through and publishes
// the status event plus a progress event at the phase boundary.
func (q *Queue) setStatusLocked(t *models.MoveTask, status models.MoveStatus) {
	t.Status = status
	t.Phase = string(status)
	q.persistLocked(t)
	q.log.Debug(q.ctx, "move task transition", "task_id", t.ID, "status", status)

	q.pub.Publish(events.MoveStatusChanged, events.MoveStatusPayload{
		TaskID: t.ID, Status: status, Error: t.Error, Warning: t.Warning,
	})
	if status.IsInProgress() || status == models.MoveSuccess {
		q.pub.Publish(events.MoveProgress, progressPayload(t))
	}
}

func (q *Queue) persistLocked(t *models.MoveTask) {
	t.UpdatedAt = q.now().UTC()
	if err := q.repo.Update(context.Background(), t); err != nil {
		q.log.Error(q.ctx, "failed to persist move task", "task_id", t.ID, "error", err)
	}
}

func (q *Queue) publishBatch(op string, ref models.SourceRef) {
	q.pub.Publish(events.MoveBatchOperation, events.BatchOperationPayload{
		Operation: op, SourceBucket: ref.SourceBucket, SourceAccountID: ref.SourceAccountID,
	})
}

func progressPayload(t *models.MoveTask) events.MoveProgressPayload {
	return events.MoveProgressPayload{
		TaskID:           t.ID,
		Phase:            t.Status,
		Percent:          t.Progress,
		TransferredBytes: t.TransferredBytes,
		TotalBytes:       t.FileSize,
		Speed:            t.Speed,
	}
}

// configFor returns supplied credentials for scope, falling back to the
// resolver. Failure is reported as ErrDestinationUnavailable.
func (q *Queue) configFor(ctx context.Context, scope models.Scope) (models.StorageConfig, error) {
	q.mu.Lock()
	cfg, ok := q.configs[scope]
	q.mu.Unlock()
	if ok {
		return cfg, nil
	}
	if q.resolver == nil {
		return models.StorageConfig{}, fmt.Errorf("%w: no credentials for %s", common.ErrDestinationUnavailable, scope)
	}
	cfg, err := q.resolver.Resolve(ctx, scope.Provider, scope.AccountID, scope.Bucket)
	if err != nil {
		return models.StorageConfig{}, fmt.Errorf("%w: %s: %v", common.ErrDestinationUnavailable, scope, err)
	}
	return cfg, nil
}
