package transfer

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/database"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/dmitrijs2005/bucketkeeper/internal/upload"
	"github.com/stretchr/testify/require"
)

const kb = 1024

var (
	srcCfg = models.StorageConfig{
		Provider: models.ProviderMinIO, AccountID: "acc", Bucket: "x",
		AccessKeyID: "ak", SecretAccessKey: "sk", EndpointHost: "localhost:9000",
	}
	dstCfg = models.StorageConfig{
		Provider: models.ProviderRustFS, AccountID: "other", Bucket: "y",
		AccessKeyID: "ak2", SecretAccessKey: "sk2", EndpointHost: "localhost:9100",
	}
	srcRef = models.SourceRef{SourceBucket: "x", SourceAccountID: "acc"}
)

type recordingCache struct {
	mu      sync.Mutex
	created []string
	removed []string
}

func (c *recordingCache) ObjectsCreated(_ context.Context, _ models.Scope, objs []models.StorageObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range objs {
		c.created = append(c.created, o.Key)
	}
	return nil
}

func (c *recordingCache) ObjectsRemoved(_ context.Context, _ models.Scope, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, keys...)
	return nil
}

func (c *recordingCache) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

type staticResolver map[models.Scope]models.StorageConfig

func (r staticResolver) Resolve(_ context.Context, p models.ProviderKind, accountID, bucket string) (models.StorageConfig, error) {
	cfg, ok := r[models.Scope{Provider: p, AccountID: accountID, Bucket: bucket}]
	if !ok {
		return models.StorageConfig{}, errors.New("account not found")
	}
	return cfg, nil
}

func nopLogger() logging.Logger { return logging.Nop() }

type fixture struct {
	db    *sql.DB
	mem   *memstore.Store
	reg   *storage.Registry
	bus   *events.Bus
	cache *recordingCache
	repo  *SQLiteRepository
	opts  Options
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := database.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "moves.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := memstore.New("x", "y")
	reg := storage.NewRegistry()
	for _, k := range []models.ProviderKind{models.ProviderMinIO, models.ProviderRustFS} {
		reg.Register(k, func(context.Context, models.StorageConfig) (storage.Provider, error) { return mem, nil })
	}
	reg.SetUploader(upload.NewEngine(upload.Options{MultipartThreshold: 4 * kb, PartSize: kb, Concurrency: 2},
		upload.NewSQLiteSessionRepository(db), logging.Nop()))

	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	return &fixture{
		db: db, mem: mem, reg: reg, bus: events.NewBus(), cache: &recordingCache{},
		repo: NewSQLiteRepository(db), opts: opts,
	}
}

func (f *fixture) queue(t *testing.T, resolver Resolver) *Queue {
	t.Helper()
	q := NewQueue(f.repo, f.reg, resolver, f.cache, f.bus, logging.Nop(), f.opts)
	t.Cleanup(q.Close)
	return q
}

func ops(keys ...string) []models.MoveOperation {
	out := make([]models.MoveOperation, len(keys))
	for i, k := range keys {
		out[i] = models.MoveOperation{OldKey: k, NewKey: k}
	}
	return out
}

func waitStatus(t *testing.T, q *Queue, id string, want models.MoveStatus) models.MoveTask {
	t.Helper()
	var got models.MoveTask
	require.Eventually(t, func() bool {
		task, ok := q.Task(id)
		got = task
		return ok && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s (last %s)", id, want, got.Status)
	return got
}

// blockGets holds every GetObject until release is closed or the call's
// context ends.
func blockGets(mem *memstore.Store) (release func()) {
	ch := make(chan struct{})
	mem.SetHook(func(ctx context.Context, op memstore.Op, _, _ string) error {
		if op != memstore.OpGet {
			return nil
		}
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func statusTrail(evs []events.Event) map[string][]models.MoveStatus {
	out := make(map[string][]models.MoveStatus)
	for _, e := range evs {
		if p, ok := e.Payload.(events.MoveStatusPayload); ok {
			out[p.TaskID] = append(out[p.TaskID], p.Status)
		}
	}
	return out
}
