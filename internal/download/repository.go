package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/dbx"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

type Repository interface {
	Save(ctx context.Context, t *models.DownloadTask) error
	Get(ctx context.Context, id string) (*models.DownloadTask, error)
	List(ctx context.Context) ([]*models.DownloadTask, error)
	Delete(ctx context.Context, ids []string) error
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const columns = `id, provider, account_id, bucket, key, local_path, file_size, downloaded_bytes, status, error, created_at, updated_at`

func scanTask(s interface{ Scan(...any) error }) (*models.DownloadTask, error) {
	t := &models.DownloadTask{}
	var created, updated int64
	err := s.Scan(&t.ID, &t.Scope.Provider, &t.Scope.AccountID, &t.Scope.Bucket, &t.Key, &t.LocalPath,
		&t.FileSize, &t.DownloadedBytes, &t.Status, &t.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	if t.FileSize > 0 {
		t.Progress = float64(t.DownloadedBytes) * 100 / float64(t.FileSize)
	}
	return t, nil
}

// Save inserts or fully overwrites the task row.
func (r *SQLiteRepository) Save(ctx context.Context, t *models.DownloadTask) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO download_sessions (`+columns+`) VALUES (`+dbx.Placeholders(12)+`)
		ON CONFLICT (id) DO UPDATE SET
			file_size = excluded.file_size,
			downloaded_bytes = excluded.downloaded_bytes,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Scope.Provider), t.Scope.AccountID, t.Scope.Bucket, t.Key, t.LocalPath,
		t.FileSize, t.DownloadedBytes, string(t.Status), t.Error, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save download %s: %w", t.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.DownloadTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM download_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download %s: %w", id, err)
	}
	return t, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.DownloadTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM download_sessions ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var out []*models.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM download_sessions WHERE id IN (`+dbx.Placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete downloads: %w", err)
	}
	return nil
}
