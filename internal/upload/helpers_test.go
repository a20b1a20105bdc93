package upload

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dmitrijs2005/bucketkeeper/internal/database"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/stretchr/testify/require"
)

const kb = 1024

func testConfig() models.StorageConfig {
	return models.StorageConfig{
		Provider: models.ProviderMinIO, AccountID: "acc", Bucket: "b",
		AccessKeyID: "ak", SecretAccessKey: "sk", EndpointHost: "localhost:9000",
	}
}

func newRepo(t *testing.T) *SQLiteSessionRepository {
	t.Helper()
	db, err := database.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "up.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteSessionRepository(db)
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p, data
}

// countingRepo records Save calls.
type countingRepo struct {
	SessionRepository
	mu    sync.Mutex
	saves int
}

func (r *countingRepo) Save(ctx context.Context, s *models.UploadSession) error {
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return r.SessionRepository.Save(ctx, s)
}

func (r *countingRepo) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func newEngine(t *testing.T, repo SessionRepository, concurrency int) (*Engine, *memstore.Store, *storage.Adapter) {
	t.Helper()
	e := NewEngine(Options{
		MultipartThreshold: 4 * kb,
		PartSize:           kb,
		Concurrency:        concurrency,
		CheckpointInterval: 0,
	}, repo, logging.Nop())
	mem := memstore.New("b")
	return e, mem, storage.NewAdapter(testConfig(), mem, e)
}

func sessionKey(t *testing.T, path, key string) models.UploadSessionKey {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return models.UploadSessionKey{
		AccountID: "acc", Bucket: "b", Key: key,
		Source: models.SourceIdentity{Name: filepath.Base(path), Size: info.Size(), ModTime: info.ModTime()},
	}
}
