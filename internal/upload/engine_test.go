package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_SmallFileUsesSinglePut(t *testing.T) {
	_, mem, a := newEngine(t, newRepo(t), 3)
	path, data := writeFile(t, 3*kb)

	var last int64
	err := a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "small.bin",
		OnProgress: func(sent, _ int64) { last = sent }})
	require.NoError(t, err)

	got, ok := mem.Get("b", "small.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, mem.Calls(memstore.OpPut))
	assert.Equal(t, 0, mem.Calls(memstore.OpCreateMPU))
	assert.EqualValues(t, 3*kb, last)
}

func TestEngine_MultipartRoundTrip(t *testing.T) {
	repo := newRepo(t)
	_, mem, a := newEngine(t, repo, 3)
	path, data := writeFile(t, 10*kb+500)

	var mu sync.Mutex
	var seen []int64
	err := a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "big.bin",
		OnProgress: func(sent, total int64) {
			mu.Lock()
			seen = append(seen, sent)
			mu.Unlock()
			assert.EqualValues(t, 10*kb+500, total)
		}})
	require.NoError(t, err)

	got, ok := mem.Get("b", "big.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 11, mem.Calls(memstore.OpUploadPart))
	assert.Equal(t, 0, mem.OpenUploads())

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.EqualValues(t, 10*kb+500, seen[len(seen)-1])

	_, err = repo.Find(context.Background(), sessionKey(t, path, "big.bin"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestEngine_ConcurrencyIsBounded(t *testing.T) {
	_, mem, a := newEngine(t, newRepo(t), 2)
	path, _ := writeFile(t, 12*kb)

	var inFlight, peak int32
	mem.SetHook(func(_ context.Context, op memstore.Op, _, _ string) error {
		if op != memstore.OpUploadPart {
			return nil
		}
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	require.NoError(t, a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "k"}))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 12, mem.Calls(memstore.OpUploadPart))
}

func TestEngine_UserCancelKeepsSessionAndResumeSkipsDoneParts(t *testing.T) {
	repo := newRepo(t)
	_, mem, a := newEngine(t, repo, 1)
	path, data := writeFile(t, 8*kb)

	ctx, cancel := context.WithCancelCause(context.Background())
	var uploaded int32
	mem.SetHook(func(hctx context.Context, op memstore.Op, _, _ string) error {
		if op != memstore.OpUploadPart {
			return nil
		}
		if atomic.AddInt32(&uploaded, 1) == 5 {
			cancel(common.ErrCancelledByUser)
			return context.Cause(ctx)
		}
		return nil
	})

	err := a.UploadFile(ctx, storage.UploadRequest{Path: path, Key: "resume.bin"})
	require.ErrorIs(t, err, common.ErrCancelledByUser)
	assert.Equal(t, 1, mem.OpenUploads(), "remote upload must survive a user cancel")

	sess, err := repo.Find(context.Background(), sessionKey(t, path, "resume.bin"))
	require.NoError(t, err)
	require.Len(t, sess.CompletedParts, 4)

	mem.SetHook(nil)
	mem.ResetCalls()
	require.NoError(t, a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "resume.bin"}))

	assert.ElementsMatch(t, []int32{5, 6, 7, 8}, mem.UploadedPartNumbers())
	assert.Equal(t, 0, mem.Calls(memstore.OpCreateMPU))
	got, ok := mem.Get("b", "resume.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestEngine_StaleSessionStartsFresh(t *testing.T) {
	repo := newRepo(t)
	_, mem, a := newEngine(t, repo, 2)
	path, data := writeFile(t, 5*kb)

	require.NoError(t, repo.Save(context.Background(), &models.UploadSession{
		SessionKey:     sessionKey(t, path, "stale.bin"),
		UploadID:       "gone",
		PartSize:       kb,
		CompletedParts: []models.CompletedPart{{PartNumber: 1, ETag: `"x"`, Size: kb}},
	}))

	require.NoError(t, a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "stale.bin"}))
	assert.Equal(t, 1, mem.Calls(memstore.OpListParts))
	assert.Equal(t, 1, mem.Calls(memstore.OpCreateMPU))
	assert.Equal(t, 5, mem.Calls(memstore.OpUploadPart))
	got, _ := mem.Get("b", "stale.bin")
	assert.Equal(t, data, got)
}

func TestEngine_PartOnlyTrustedWhenRemoteAgrees(t *testing.T) {
	repo := newRepo(t)
	_, mem, a := newEngine(t, repo, 1)
	path, data := writeFile(t, 4*kb)
	key := sessionKey(t, path, "k")

	uploadID, err := mem.CreateMultipartUpload(context.Background(), "b", "k", "")
	require.NoError(t, err)
	etag1, err := mem.UploadPart(context.Background(), "b", "k", uploadID, 1, data[:kb])
	require.NoError(t, err)
	_, err = mem.UploadPart(context.Background(), "b", "k", uploadID, 2, []byte("garbage"))
	require.NoError(t, err)

	require.NoError(t, repo.Save(context.Background(), &models.UploadSession{
		SessionKey: key, UploadID: uploadID, PartSize: kb,
		CompletedParts: []models.CompletedPart{
			{PartNumber: 1, ETag: etag1, Size: kb},
			{PartNumber: 2, ETag: `"not-what-remote-has"`, Size: kb},
			{PartNumber: 3, ETag: `"never-uploaded"`, Size: kb},
		},
	}))
	mem.ResetCalls()

	require.NoError(t, a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "k"}))
	assert.ElementsMatch(t, []int32{2, 3, 4}, mem.UploadedPartNumbers())
	got, _ := mem.Get("b", "k")
	assert.Equal(t, data, got)
}

func TestEngine_OtherErrorAbortsAndForgets(t *testing.T) {
	repo := newRepo(t)
	_, mem, a := newEngine(t, repo, 2)
	path, _ := writeFile(t, 6*kb)

	var n int32
	mem.SetHook(func(_ context.Context, op memstore.Op, _, _ string) error {
		if op == memstore.OpUploadPart && atomic.AddInt32(&n, 1) == 3 {
			return errors.New("503 slow down")
		}
		return nil
	})

	err := a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "k"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrCancelledByUser)
	assert.Equal(t, 0, mem.OpenUploads())
	assert.Equal(t, 1, mem.Calls(memstore.OpAbortMPU))

	_, err = repo.Find(context.Background(), sessionKey(t, path, "k"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestEngine_CheckpointIsThrottled(t *testing.T) {
	repo := &countingRepo{SessionRepository: newRepo(t)}
	e := NewEngine(Options{MultipartThreshold: 4 * kb, PartSize: kb, Concurrency: 3, CheckpointInterval: time.Hour}, repo, logging.Nop())
	mem := memstore.New("b")
	a := storage.NewAdapter(testConfig(), mem, e)
	path, _ := writeFile(t, 10*kb)

	require.NoError(t, a.UploadFile(context.Background(), storage.UploadRequest{Path: path, Key: "k"}))
	// once when the upload is created, once for the first finished part
	assert.Equal(t, 2, repo.Saves())
}
