package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minioConfig(bucket string) models.StorageConfig {
	return models.StorageConfig{
		Provider:        models.ProviderMinIO,
		AccountID:       "acc",
		Bucket:          bucket,
		AccessKeyID:     "ak",
		SecretAccessKey: "sk",
		EndpointHost:    "localhost:9000",
		EndpointScheme:  "http",
		ForcePathStyle:  true,
	}
}

func openMem(t *testing.T, store *memstore.Store, bucket string) *Adapter {
	t.Helper()
	a, err := memRegistry(store).Open(context.Background(), minioConfig(bucket))
	require.NoError(t, err)
	return a
}

func TestAdapter_ListObjectsWithDelimiter(t *testing.T) {
	store := memstore.New("b")
	store.Put("b", "a.txt", []byte("a"))
	store.Put("b", "docs/x.txt", []byte("xx"))
	store.Put("b", "docs/y/z.txt", []byte("zzz"))
	store.Put("b", "img/p.png", []byte("p"))

	a := openMem(t, store, "b")

	page, err := a.ListObjects(context.Background(), models.ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "a.txt", page.Objects[0].Key)
	assert.Equal(t, []string{"docs/", "img/"}, page.Folders)
	assert.False(t, page.Truncated)

	page, err = a.ListObjects(context.Background(), models.ListOptions{Prefix: "docs/", Delimiter: "/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "docs/x.txt", page.Objects[0].Key)
	assert.Equal(t, []string{"docs/y/"}, page.Folders)
}

func TestAdapter_ListAllObjectsRecursivePages(t *testing.T) {
	store := memstore.New("b")
	for i := 0; i < 2500; i++ {
		store.Put("b", fmt.Sprintf("dir%d/file%04d", i%7, i), []byte("x"))
	}
	a := openMem(t, store, "b")

	var seen []int
	all, err := a.ListAllObjectsRecursive(context.Background(), "", func(n int) { seen = append(seen, n) })
	require.NoError(t, err)
	assert.Len(t, all, 2500)
	assert.Equal(t, []int{1000, 2000, 2500}, seen)
	assert.Equal(t, 3, store.Calls(memstore.OpList))
}

func TestAdapter_RenameObject(t *testing.T) {
	store := memstore.New("b")
	store.Put("b", "old.txt", []byte("data"))
	a := openMem(t, store, "b")

	require.NoError(t, a.RenameObject(context.Background(), "old.txt", "new.txt"))
	assert.Equal(t, []string{"new.txt"}, store.Keys("b"))

	require.NoError(t, a.RenameObject(context.Background(), "new.txt", "new.txt"))
	assert.Equal(t, 1, store.Calls(memstore.OpCopy))

	err := a.RenameObject(context.Background(), "missing", "x")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestAdapter_BatchMoveAccounting(t *testing.T) {
	store := memstore.New("b")
	var ops []models.MoveOperation
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("k%d", i)
		store.Put("b", k, []byte(k))
		ops = append(ops, models.MoveOperation{OldKey: k, NewKey: "moved/" + k})
	}
	store.FailKeys(memstore.OpCopy, errors.New("injected"), "k2", "k5", "k7")
	a := openMem(t, store, "b")

	var last models.BatchProgress
	res, err := a.BatchMoveObjects(context.Background(), ops, func(p models.BatchProgress) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 7, res.Moved)
	assert.Equal(t, 3, res.Failed)
	assert.Len(t, res.Errors, res.Failed)
	assert.Equal(t, len(ops), res.Moved+res.Failed)
	assert.Equal(t, models.BatchProgress{Current: 10, Total: 10, Key: "k9"}, last)

	_, ok := store.Get("b", "k2")
	assert.True(t, ok, "failed item must stay in place")
	_, ok = store.Get("b", "moved/k3")
	assert.True(t, ok)
}

func TestAdapter_BatchDeleteAccounting(t *testing.T) {
	store := memstore.New("b")
	keys := make([]string, 0, 2300)
	for i := 0; i < 2300; i++ {
		k := fmt.Sprintf("f%05d", i)
		store.Put("b", k, nil)
		keys = append(keys, k)
	}
	store.FailKeys(memstore.OpDelete, errors.New("denied"), "f00010", "f01500")
	a := openMem(t, store, "b")

	var calls int
	res, err := a.BatchDeleteObjects(context.Background(), keys, func(models.BatchProgress) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 2298, res.Deleted)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, store.Calls(memstore.OpDeleteMany))
	assert.ElementsMatch(t, []string{"f00010", "f01500"}, store.Keys("b"))
}

func TestAdapter_BatchDeleteWholeChunkFailure(t *testing.T) {
	store := memstore.New("b")
	store.Put("b", "a", nil)
	store.Put("b", "b", nil)
	store.SetHook(func(_ context.Context, op memstore.Op, _, _ string) error {
		if op == memstore.OpDeleteMany {
			return errors.New("network down")
		}
		return nil
	})
	a := openMem(t, store, "b")

	res, err := a.BatchDeleteObjects(context.Background(), []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
}

func TestAdapter_UploadContentAndSignedURL(t *testing.T) {
	store := memstore.New("b")
	a := openMem(t, store, "b")

	require.NoError(t, a.UploadContent(context.Background(), "notes/readme.md", []byte("# hi"), "text/markdown"))
	got, ok := store.Get("b", "notes/readme.md")
	require.True(t, ok)
	assert.Equal(t, "# hi", string(got))

	url, err := a.GenerateSignedURL(context.Background(), "notes/readme.md", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "mem://b/notes/readme.md?expires=900", url)

	require.ErrorIs(t, a.UploadContent(context.Background(), "", nil, ""), common.ErrInvalidArgument)
}

func TestAdapter_UploadFileWithoutEngine(t *testing.T) {
	a := openMem(t, memstore.New("b"), "b")
	require.Error(t, a.UploadFile(context.Background(), UploadRequest{Path: "x", Key: "x"}))
}
