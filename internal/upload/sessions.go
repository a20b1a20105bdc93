package upload

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/dbx"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// SessionRepository persists resumable multipart state keyed by the
// structured (account, bucket, key, source identity) tuple.
type SessionRepository interface {
	Find(ctx context.Context, key models.UploadSessionKey) (*models.UploadSession, error)
	Save(ctx context.Context, s *models.UploadSession) error
	Delete(ctx context.Context, key models.UploadSessionKey) error
}

type SQLiteSessionRepository struct {
	db dbx.DBTX
}

func NewSQLiteSessionRepository(db dbx.DBTX) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

const keyWhere = `account_id = ? AND bucket = ? AND key = ? AND source_name = ? AND source_size = ? AND source_mtime = ?`

func keyArgs(k models.UploadSessionKey) []any {
	return []any{k.AccountID, k.Bucket, k.Key, k.Source.Name, k.Source.Size, k.Source.ModTime.UnixNano()}
}

// Find returns common.ErrNotFound when no session matches.
func (r *SQLiteSessionRepository) Find(ctx context.Context, key models.UploadSessionKey) (*models.UploadSession, error) {
	s := &models.UploadSession{SessionKey: key}
	var parts string
	var updated int64

	err := r.db.QueryRowContext(ctx, `
		SELECT upload_id, part_size, completed_parts, updated_at
		FROM upload_sessions WHERE `+keyWhere, keyArgs(key)...).
		Scan(&s.UploadID, &s.PartSize, &parts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload session: %w", err)
	}

	if err := json.Unmarshal([]byte(parts), &s.CompletedParts); err != nil {
		return nil, fmt.Errorf("failed to decode completed parts: %w", err)
	}
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}

func (r *SQLiteSessionRepository) Save(ctx context.Context, s *models.UploadSession) error {
	parts, err := json.Marshal(s.CompletedParts)
	if err != nil {
		return fmt.Errorf("failed to encode completed parts: %w", err)
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	args := append(keyArgs(s.SessionKey), s.UploadID, s.PartSize, string(parts), s.UpdatedAt.UnixMilli())
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO upload_sessions
			(account_id, bucket, key, source_name, source_size, source_mtime, upload_id, part_size, completed_parts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, bucket, key, source_name, source_size, source_mtime) DO UPDATE SET
			upload_id = excluded.upload_id,
			part_size = excluded.part_size,
			completed_parts = excluded.completed_parts,
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		return fmt.Errorf("failed to save upload session: %w", err)
	}
	return nil
}

func (r *SQLiteSessionRepository) Delete(ctx context.Context, key models.UploadSessionKey) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE `+keyWhere, keyArgs(key)...)
	if err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}
