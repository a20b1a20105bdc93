package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/cache"
	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/database"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mem    *memstore.Store
	store  *cache.Store
	bus    *events.Bus
	syncer *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := memstore.New("photos", "docs")
	reg := storage.NewRegistry()
	reg.Register(models.ProviderR2, func(context.Context, models.StorageConfig) (storage.Provider, error) { return mem, nil })

	store := cache.NewStore(db)
	bus := events.NewBus()
	return &fixture{mem: mem, store: store, bus: bus, syncer: New(reg, store, bus, logging.Nop())}
}

func cfg(bucket string) models.StorageConfig {
	return models.StorageConfig{
		Provider: models.ProviderR2, AccountID: "acc", Bucket: bucket,
		AccessKeyID: "ak", SecretAccessKey: "sk",
	}
}

func phases(evs []events.Event) []models.SyncPhase {
	var out []models.SyncPhase
	for _, e := range evs {
		if e.Name == events.SyncPhase {
			out = append(out, e.Payload.(events.SyncPhasePayload).Phase)
		}
	}
	return out
}

func TestSync_250Objects(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 250; i++ {
		f.mem.Put("photos", fmt.Sprintf("album%d/img%03d.jpg", i%5, i), []byte("x"))
	}
	sub := f.bus.Subscribe()
	defer sub.Close()

	scope := cfg("photos").Scope()
	f.mem.SetHook(func(ctx context.Context, op memstore.Op, _, _ string) error {
		if op != memstore.OpList {
			return nil
		}
		meta, err := f.store.GetSyncMeta(ctx, scope)
		require.NoError(t, err)
		assert.Nil(t, meta.LastSyncTime)
		contents, err := f.store.GetFolderContents(ctx, scope, "")
		require.NoError(t, err)
		assert.Empty(t, contents.Files)
		assert.Empty(t, contents.Folders)
		return nil
	})

	res, err := f.syncer.Sync(context.Background(), cfg("photos"))
	require.NoError(t, err)
	assert.EqualValues(t, 250, res.Count)
	assert.Equal(t, 6, res.DirectoryCount)
	assert.Equal(t, models.SyncComplete, f.syncer.State(scope))

	evs := sub.Drain()
	assert.Equal(t, []models.SyncPhase{models.SyncFetching, models.SyncStoring, models.SyncIndexing, models.SyncComplete}, phases(evs))

	var lastCount int64
	var lastIndex events.IndexingProgressPayload
	for _, e := range evs {
		switch p := e.Payload.(type) {
		case events.SyncProgressPayload:
			assert.GreaterOrEqual(t, p.Count, lastCount)
			lastCount = p.Count
		case events.IndexingProgressPayload:
			assert.GreaterOrEqual(t, p.Current, lastIndex.Current)
			lastIndex = p
		}
	}
	assert.EqualValues(t, 250, lastCount)
	assert.Equal(t, 6, lastIndex.Total)
	assert.Equal(t, lastIndex.Total, lastIndex.Current)

	meta, err := f.store.GetSyncMeta(context.Background(), scope)
	require.NoError(t, err)
	require.NotNil(t, meta.LastSyncTime)
	assert.EqualValues(t, 250, meta.FileCount)

	contents, err := f.store.GetFolderContents(context.Background(), scope, "")
	require.NoError(t, err)
	assert.Len(t, contents.Folders, 5)
}

func TestSync_ReplacesPreviousSnapshot(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("photos", "old.jpg", []byte("1"))
	_, err := f.syncer.Sync(context.Background(), cfg("photos"))
	require.NoError(t, err)

	f.mem.Put("photos", "new.jpg", []byte("2"))
	require.NoError(t, f.mem.DeleteObject(context.Background(), "photos", "old.jpg"))
	_, err = f.syncer.Sync(context.Background(), cfg("photos"))
	require.NoError(t, err)

	files, err := f.store.GetAllCachedFiles(context.Background(), cfg("photos").Scope())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "new.jpg", files[0].Key)
}

func TestSync_ConcurrentRequestIsRejected(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("photos", "a", nil)
	f.mem.Put("docs", "b", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.mem.SetHook(func(ctx context.Context, op memstore.Op, bucket, _ string) error {
		if op == memstore.OpList && bucket == "photos" {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.syncer.Sync(context.Background(), cfg("photos"))
		done <- err
	}()
	<-entered

	_, err := f.syncer.Sync(context.Background(), cfg("photos"))
	require.ErrorIs(t, err, common.ErrSyncInProgress)
	assert.Equal(t, models.SyncFetching, f.syncer.State(cfg("photos").Scope()))

	_, err = f.syncer.Sync(context.Background(), cfg("docs"))
	require.NoError(t, err, "other scopes are independent")

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
	}
}

func TestSync_FailureKeepsLastSnapshot(t *testing.T) {
	f := newFixture(t)
	f.mem.Put("photos", "kept.jpg", []byte("1"))
	_, err := f.syncer.Sync(context.Background(), cfg("photos"))
	require.NoError(t, err)

	sub := f.bus.Subscribe()
	defer sub.Close()
	f.mem.Put("photos", "more.jpg", []byte("2"))
	f.mem.SetHook(func(_ context.Context, op memstore.Op, _, _ string) error {
		if op == memstore.OpList {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err = f.syncer.Sync(context.Background(), cfg("photos"))
	require.Error(t, err)

	scope := cfg("photos").Scope()
	assert.Equal(t, models.SyncError, f.syncer.State(scope))
	assert.Equal(t, []models.SyncPhase{models.SyncFetching, models.SyncError}, phases(sub.Drain()))

	files, err := f.store.GetAllCachedFiles(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "kept.jpg", files[0].Key)

	f.mem.SetHook(nil)
	_, err = f.syncer.Sync(context.Background(), cfg("photos"))
	require.NoError(t, err, "a failed sync does not block the next one")
}

func TestSync_CredentialErrorBeforeAnyPhase(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Close()

	bad := cfg("photos")
	bad.SecretAccessKey = ""
	_, err := f.syncer.Sync(context.Background(), bad)
	require.ErrorIs(t, err, common.ErrMissingCredential)
	assert.Empty(t, sub.Drain())
	assert.Equal(t, 0, f.mem.Calls(memstore.OpList))
}
