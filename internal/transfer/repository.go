package transfer

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

// Repository persists move tasks so they survive restarts.
type Repository interface {
	Create(ctx context.Context, tasks []*models.MoveTask) error
	Get(ctx context.Context, id string) (*models.MoveTask, error)
	List(ctx context.Context) ([]*models.MoveTask, error)
	Update(ctx context.Context, t *models.MoveTask) error
	Delete(ctx context.Context, ids []string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const taskColumns = `id, source_key, source_bucket, source_account_id, source_provider,
	dest_key, dest_bucket, dest_account_id, dest_provider, delete_original, file_size,
	status, progress, transferred_bytes, phase, error, cleanup_pending, cleanup_attempts, warning,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.MoveTask, error) {
	t := &models.MoveTask{}
	var del, cleanup int
	var created, updated int64
	err := s.Scan(&t.ID, &t.SourceKey, &t.SourceBucket, &t.SourceAccountID, &t.SourceProvider,
		&t.DestKey, &t.DestBucket, &t.DestAccountID, &t.DestProvider, &del, &t.FileSize,
		&t.Status, &t.Progress, &t.TransferredBytes, &t.Phase, &t.Error, &cleanup, &t.CleanupAttempts, &t.Warning,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.DeleteOriginal = del != 0
	t.CleanupPending = cleanup != 0
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, tasks []*models.MoveTask) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, t := range tasks {
			_, err := tx.ExecContext(ctx, `INSERT INTO move_sessions (`+taskColumns+`)
				VALUES (`+dbx.Placeholders(21)+`)`,
				t.ID, t.SourceKey, t.SourceBucket, t.SourceAccountID, string(t.SourceProvider),
				t.DestKey, t.DestBucket, t.DestAccountID, string(t.DestProvider), dbx.BoolToInt(t.DeleteOriginal), t.FileSize,
				string(t.Status), t.Progress, t.TransferredBytes, t.Phase, t.Error,
				dbx.BoolToInt(t.CleanupPending), t.CleanupAttempts, t.Warning,
				t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to create move task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.MoveTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM move_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get move task %s: %w", id, err)
	}
	return t, nil
}

// List returns every task in creation order.
func (r *SQLiteRepository) List(ctx context.Context) ([]*models.MoveTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM move_sessions ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list move tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.MoveTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan move task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate move tasks: %w", err)
	}
	return tasks, nil
}

// Update writes the mutable columns of t.
func (r *SQLiteRepository) Update(ctx context.Context, t *models.MoveTask) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE move_sessions SET
			file_size = ?, status = ?, progress = ?, transferred_bytes = ?, phase = ?, error = ?,
			cleanup_pending = ?, cleanup_attempts = ?, warning = ?, updated_at = ?
		WHERE id = ?`,
		t.FileSize, string(t.Status), t.Progress, t.TransferredBytes, t.Phase, t.Error,
		dbx.BoolToInt(t.CleanupPending), t.CleanupAttempts, t.Warning, t.UpdatedAt.UnixMilli(), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update move task %s: %w", t.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM move_sessions WHERE id IN (`+dbx.Placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete move tasks: %w", err)
	}
	return nil
}
