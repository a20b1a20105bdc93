package cache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/database"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/stretchr/testify/require"
)

var (
	scopeA = models.Scope{Provider: models.ProviderR2, AccountID: "acc1", Bucket: "photos"}
	scopeB = models.Scope{Provider: models.ProviderR2, AccountID: "acc2", Bucket: "photos"}
	t0     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func obj(key string, size int64, minute int) models.StorageObject {
	return models.StorageObject{Key: key, Size: size, LastModified: t0.Add(time.Duration(minute) * time.Minute), ETag: `"` + key + `"`}
}

func keys(files []models.StorageObject) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Key
	}
	return out
}

func paths(nodes []models.DirectoryNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path
	}
	return out
}
