package upload

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRepository_SaveFindDelete(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 6789, time.UTC)
	key := models.UploadSessionKey{
		AccountID: "acc", Bucket: "b", Key: "big.iso",
		Source: models.SourceIdentity{Name: "big.iso", Size: 5000, ModTime: mtime},
	}

	_, err := repo.Find(ctx, key)
	require.ErrorIs(t, err, common.ErrNotFound)

	s := &models.UploadSession{SessionKey: key, UploadID: "u1", PartSize: 1000,
		CompletedParts: []models.CompletedPart{{PartNumber: 1, ETag: `"e1"`, Size: 1000}}}
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Find(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UploadID)
	assert.Equal(t, s.CompletedParts, got.CompletedParts)

	s.CompletedParts = append(s.CompletedParts, models.CompletedPart{PartNumber: 2, ETag: `"e2"`, Size: 1000})
	require.NoError(t, repo.Save(ctx, s))
	got, err = repo.Find(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got.CompletedParts, 2)

	other := key
	other.Source.ModTime = mtime.Add(time.Second)
	_, err = repo.Find(ctx, other)
	require.ErrorIs(t, err, common.ErrNotFound, "a changed source is a different session")

	require.NoError(t, repo.Delete(ctx, key))
	_, err = repo.Find(ctx, key)
	require.ErrorIs(t, err, common.ErrNotFound)
}
