package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_MoveThreeObjects(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, nil)
	ctx := context.Background()
	payload := map[string][]byte{
		"a.txt":   []byte("alpha"),
		"b.txt":   bytes.Repeat([]byte("b"), 6*kb),
		"c/d.txt": []byte("delta"),
	}
	for k, v := range payload {
		f.mem.Put("x", k, v)
	}
	sub := f.bus.Subscribe(events.MoveStatusChanged)
	defer sub.Close()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{
		Source: srcCfg, Dest: dstCfg, Operations: ops("a.txt", "b.txt", "c/d.txt"), DeleteOriginal: true,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, models.MovePending, task.Status)
		assert.Equal(t, "y", task.DestBucket)
	}
	assert.Len(t, q.GetMoveTasks(srcRef), 3)
	assert.Empty(t, f.mem.Keys("y"))

	n, err := q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, task := range tasks {
		done := waitStatus(t, q, task.ID, models.MoveSuccess)
		assert.Equal(t, float64(100), done.Progress)
		assert.False(t, done.CleanupPending)
	}

	assert.Empty(t, f.mem.Keys("x"))
	assert.Equal(t, []string{"a.txt", "b.txt", "c/d.txt"}, f.mem.Keys("y"))
	for k, v := range payload {
		got, ok := f.mem.Get("y", k)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "c/d.txt"}, f.cache.Removed())

	want := []models.MoveStatus{
		models.MovePending, models.MoveDownloading, models.MoveUploading,
		models.MoveFinishing, models.MoveDeleting, models.MoveSuccess,
	}
	trail := statusTrail(sub.Drain())
	for _, task := range tasks {
		assert.Equal(t, want, trail[task.ID], task.SourceKey)
	}

	cleared, err := q.ClearAllMoves(ctx, srcRef)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
	assert.Empty(t, q.GetMoveTasks(srcRef))

	persisted, err := f.repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	leftovers, err := os.ReadDir(f.opts.TempDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestQueue_ConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 2})
	q := f.queue(t, nil)
	ctx := context.Background()
	keys := []string{"1", "2", "3", "4", "5", "6"}
	for _, k := range keys {
		f.mem.Put("x", k, []byte("data-"+k))
	}
	release := blockGets(f.mem)
	defer release()
	sub := f.bus.Subscribe(events.MoveStatusChanged)
	defer sub.Close()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops(keys...)})
	require.NoError(t, err)
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.mem.Calls(memstore.OpGet) == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, q.Active())
	assert.Equal(t, 2, f.mem.Calls(memstore.OpGet))
	assert.Len(t, q.GetAllActiveMoveTasks(), 6)

	release()
	for _, task := range tasks {
		waitStatus(t, q, task.ID, models.MoveSuccess)
	}
	assert.Equal(t, 0, q.Active())

	active := map[string]bool{}
	peak := 0
	for _, e := range sub.Drain() {
		p := e.Payload.(events.MoveStatusPayload)
		switch p.Status {
		case models.MoveDownloading, models.MoveUploading:
			active[p.TaskID] = true
		default:
			delete(active, p.TaskID)
		}
		peak = max(peak, len(active))
	}
	assert.Equal(t, 2, peak)
}

func TestQueue_PauseOnlyAffectsPending(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	q := f.queue(t, nil)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		f.mem.Put("x", k, []byte(k))
	}
	release := blockGets(f.mem)
	defer release()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("a", "b", "c")})
	require.NoError(t, err)
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)
	waitStatus(t, q, tasks[0].ID, models.MoveDownloading)

	assert.Equal(t, 2, q.PauseAllMoves(srcRef))
	release()
	waitStatus(t, q, tasks[0].ID, models.MoveSuccess)

	time.Sleep(20 * time.Millisecond)
	for _, task := range tasks[1:] {
		got, _ := q.Task(task.ID)
		assert.Equal(t, models.MovePaused, got.Status)
	}
	assert.Equal(t, 0, q.Active())

	assert.Equal(t, 2, q.ResumeAllMoves(srcRef))
	for _, task := range tasks[1:] {
		waitStatus(t, q, task.ID, models.MoveSuccess)
	}
}

func TestQueue_CancelRunningThenResume(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, nil)
	ctx := context.Background()
	f.mem.Put("x", "big.bin", bytes.Repeat([]byte("z"), 2*kb))
	release := blockGets(f.mem)
	defer release()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("big.bin"), DeleteOriginal: true})
	require.NoError(t, err)
	id := tasks[0].ID
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)
	waitStatus(t, q, id, models.MoveDownloading)

	require.NoError(t, q.CancelMove(id))
	got := waitStatus(t, q, id, models.MoveCancelled)
	assert.Empty(t, got.Error)
	require.Eventually(t, func() bool { return q.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.mem.Keys("y"))
	assert.Equal(t, []string{"big.bin"}, f.mem.Keys("x"))

	require.ErrorIs(t, q.CancelMove(id), common.ErrInvalidArgument)

	f.mem.SetHook(nil)
	require.NoError(t, q.ResumeMove(id))
	waitStatus(t, q, id, models.MoveSuccess)
	assert.Equal(t, []string{"big.bin"}, f.mem.Keys("y"))
	assert.Empty(t, f.mem.Keys("x"))
}

func TestQueue_CancelPendingAndUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, nil)
	tasks, err := q.Enqueue(context.Background(), models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("a")})
	require.NoError(t, err)

	require.NoError(t, q.CancelMove(tasks[0].ID))
	got, _ := q.Task(tasks[0].ID)
	assert.Equal(t, models.MoveCancelled, got.Status)
	require.ErrorIs(t, q.CancelMove("missing"), common.ErrNotFound)
	require.ErrorIs(t, q.ResumeMove("missing"), common.ErrNotFound)
}

func TestQueue_ProgressCountsBothLegs(t *testing.T) {
	f := newFixture(t, Options{ProgressInterval: time.Nanosecond})
	q := f.queue(t, nil)
	ctx := context.Background()
	size := int64(6 * kb)
	f.mem.Put("x", "p.bin", bytes.Repeat([]byte("p"), int(size)))
	sub := f.bus.Subscribe(events.MoveProgress)
	defer sub.Close()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("p.bin")})
	require.NoError(t, err)
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)
	waitStatus(t, q, tasks[0].ID, models.MoveSuccess)

	var last events.MoveProgressPayload
	var seen int
	for _, e := range sub.Drain() {
		p := e.Payload.(events.MoveProgressPayload)
		require.GreaterOrEqual(t, p.TransferredBytes, last.TransferredBytes)
		require.GreaterOrEqual(t, p.Percent, last.Percent)
		last = p
		seen++
	}
	assert.Greater(t, seen, 3)
	assert.Equal(t, 2*size, last.TransferredBytes)
	assert.Equal(t, size, last.TotalBytes)
	assert.Equal(t, float64(100), last.Percent)
}

func TestQueue_FailedTaskDoesNotBlockSiblings(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	q := f.queue(t, nil)
	ctx := context.Background()
	f.mem.Put("x", "ok", []byte("fine"))

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("missing", "ok")})
	require.NoError(t, err)
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)

	failed := waitStatus(t, q, tasks[0].ID, models.MoveError)
	assert.Contains(t, failed.Error, "missing")
	waitStatus(t, q, tasks[1].ID, models.MoveSuccess)

	f.mem.Put("x", "missing", []byte("now here"))
	require.NoError(t, q.ResumeMove(tasks[0].ID))
	waitStatus(t, q, tasks[0].ID, models.MoveSuccess)
}

func TestQueue_CleanupFailureKeepsSuccess(t *testing.T) {
	f := newFixture(t, Options{CleanupAttempts: 3, CleanupBaseDelay: time.Millisecond})
	q := f.queue(t, nil)
	ctx := context.Background()
	f.mem.Put("x", "a.txt", []byte("alpha"))
	f.mem.FailKeys(memstore.OpDelete, errors.New("access denied"), "a.txt")

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("a.txt"), DeleteOriginal: true})
	require.NoError(t, err)
	id := tasks[0].ID
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)

	waitStatus(t, q, id, models.MoveSuccess)
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.cleaning[id] && q.tasks[id].CleanupAttempts == 3
	}, 5*time.Second, 5*time.Millisecond)

	got, _ := q.Task(id)
	assert.Equal(t, models.MoveSuccess, got.Status)
	assert.True(t, got.CleanupPending)
	assert.Contains(t, got.Warning, "access denied")
	assert.Equal(t, 3, f.mem.Calls(memstore.OpDelete))
	assert.Equal(t, []string{"a.txt"}, f.mem.Keys("x"))
	assert.Equal(t, []string{"a.txt"}, f.mem.Keys("y"))

	f.mem.SetHook(nil)
	require.NoError(t, q.RetryCleanup(id))
	require.Eventually(t, func() bool {
		task, _ := q.Task(id)
		return !task.CleanupPending
	}, 5*time.Second, 5*time.Millisecond)

	got, _ = q.Task(id)
	assert.Empty(t, got.Warning)
	assert.Empty(t, f.mem.Keys("x"))
	assert.Equal(t, []string{"a.txt"}, f.cache.Removed())
	require.ErrorIs(t, q.RetryCleanup(id), common.ErrInvalidArgument)
}

func TestQueue_ClearAllRejectedWhileInProgress(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	q := f.queue(t, nil)
	ctx := context.Background()
	f.mem.Put("x", "a", []byte("a"))
	f.mem.Put("x", "b", []byte("b"))
	release := blockGets(f.mem)
	defer release()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("a", "b")})
	require.NoError(t, err)
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)
	waitStatus(t, q, tasks[0].ID, models.MoveDownloading)

	_, err = q.ClearAllMoves(ctx, srcRef)
	require.ErrorIs(t, err, common.ErrMovesInProgress)
	n, err := q.ClearFinishedMoves(ctx, srcRef)
	require.NoError(t, err)
	assert.Zero(t, n)

	release()
	waitStatus(t, q, tasks[0].ID, models.MoveSuccess)
	waitStatus(t, q, tasks[1].ID, models.MoveSuccess)

	sub := f.bus.Subscribe(events.MoveTaskDeleted, events.MoveBatchOperation)
	defer sub.Close()
	n, err = q.ClearFinishedMoves(ctx, srcRef)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	evs := sub.Drain()
	require.Len(t, evs, 3)
	assert.Equal(t, events.BatchOperationPayload{Operation: events.BatchClearFinished, SourceBucket: "x", SourceAccountID: "acc"}, evs[2].Payload)
}

type countingRepo struct {
	*SQLiteRepository
	deletes atomic.Int32
}

func (r *countingRepo) Delete(ctx context.Context, ids []string) error {
	r.deletes.Add(1)
	return r.SQLiteRepository.Delete(ctx, ids)
}

func TestQueue_ClearAllRefusedLeavesTasksUntouched(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	repo := &countingRepo{SQLiteRepository: f.repo}
	q := NewQueue(repo, f.reg, nil, f.cache, f.bus, logging.Nop(), f.opts)
	t.Cleanup(q.Close)
	ctx := context.Background()
	f.mem.Put("x", "a", []byte("a"))
	f.mem.Put("x", "b", []byte("b"))
	release := blockGets(f.mem)
	defer release()

	tasks, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("a", "b")})
	require.NoError(t, err)
	_, err = q.StartMoveQueue(ctx, srcCfg, dstCfg)
	require.NoError(t, err)
	waitStatus(t, q, tasks[0].ID, models.MoveDownloading)

	sub := f.bus.Subscribe(events.MoveTaskDeleted, events.MoveBatchOperation)
	defer sub.Close()
	_, err = q.ClearAllMoves(ctx, srcRef)
	require.ErrorIs(t, err, common.ErrMovesInProgress)

	assert.Zero(t, repo.deletes.Load())
	assert.Empty(t, sub.Drain())
	assert.Len(t, q.GetMoveTasks(srcRef), 2)
	stored, err := f.repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	noSecret := dstCfg
	noSecret.SecretAccessKey = ""
	_, err = q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: noSecret, Operations: ops("a")})
	require.ErrorIs(t, err, common.ErrMissingCredential)

	_, err = q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: dstCfg, Operations: ops("folder/")})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = q.Enqueue(ctx, models.BatchMoveRequest{Source: srcCfg, Dest: srcCfg, Operations: ops("a")})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	list, err := f.repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
