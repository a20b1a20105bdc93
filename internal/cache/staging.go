package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/dbx"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// insertBatch bounds the number of rows per multi-row INSERT.
const insertBatch = 400

func insertFiles(ctx context.Context, db dbx.DBTX, table string, scope models.Scope, files []models.StorageObject) error {
	for start := 0; start < len(files); start += insertBatch {
		chunk := files[start:min(start+insertBatch, len(files))]

		values := make([]byte, 0, len(chunk)*32)
		args := make([]any, 0, len(chunk)*8)
		for i, f := range chunk {
			if i > 0 {
				values = append(values, ", "...)
			}
			values = append(values, "("+dbx.Placeholders(8)+")"...)
			args = append(args, string(scope.Provider), scope.AccountID, scope.Bucket,
				f.Key, f.Size, toMillis(f.LastModified), f.ETag, models.ParentPath(f.Key))
		}

		_, err := db.ExecContext(ctx, `
			INSERT OR REPLACE INTO `+table+`
			(provider, account_id, bucket, key, size, last_modified, etag, parent_path)
			VALUES `+string(values), args...)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

func insertNodes(ctx context.Context, db dbx.DBTX, table string, scope models.Scope, nodes []models.DirectoryNode) error {
	for start := 0; start < len(nodes); start += insertBatch {
		chunk := nodes[start:min(start+insertBatch, len(nodes))]

		values := make([]byte, 0, len(chunk)*40)
		args := make([]any, 0, len(chunk)*10)
		for i, n := range chunk {
			if i > 0 {
				values = append(values, ", "...)
			}
			values = append(values, "("+dbx.Placeholders(10)+")"...)
			args = append(args, string(scope.Provider), scope.AccountID, scope.Bucket,
				n.Path, nodeParent(n.Path), n.FileCount, n.TotalFileCount, n.Size, n.TotalSize, toMillis(n.LastModified))
		}

		_, err := db.ExecContext(ctx, `
			INSERT OR REPLACE INTO `+table+`
			(provider, account_id, bucket, path, parent_path, file_count, total_file_count, size, total_size, last_modified)
			VALUES `+string(values), args...)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

// nodeParent is NULL for the root so the root never lists itself.
func nodeParent(path string) any {
	if path == "" {
		return nil
	}
	return models.ParentPath(path)
}

// DiscardStaged drops staged rows of the scope.
func (s *Store) DiscardStaged(ctx context.Context, scope models.Scope) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"cached_files_staging", "directory_tree_staging"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+scopeWhere, scopeArgs(scope)...); err != nil {
				return fmt.Errorf("failed to discard %s: %w", table, err)
			}
		}
		return nil
	})
}

// StageFiles appends objects to the scope's staging area. Live rows are
// untouched until Publish.
func (s *Store) StageFiles(ctx context.Context, scope models.Scope, files []models.StorageObject) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return insertFiles(ctx, tx, "cached_files_staging", scope, files)
	})
}

// StagedFiles reads back the staged objects of the scope.
func (s *Store) StagedFiles(ctx context.Context, scope models.Scope) ([]models.StorageObject, error) {
	return s.listFiles(ctx, s.db, "cached_files_staging", scope)
}

// StageDirectoryTree replaces the staged tree of the scope.
func (s *Store) StageDirectoryTree(ctx context.Context, scope models.Scope, nodes []models.DirectoryNode) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM directory_tree_staging WHERE `+scopeWhere, scopeArgs(scope)...); err != nil {
			return fmt.Errorf("failed to reset staged tree: %w", err)
		}
		return insertNodes(ctx, tx, "directory_tree_staging", scope, nodes)
	})
}

// StageDirectoryNodes appends nodes to the staged tree.
func (s *Store) StageDirectoryNodes(ctx context.Context, scope models.Scope, nodes []models.DirectoryNode) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return insertNodes(ctx, tx, "directory_tree_staging", scope, nodes)
	})
}

// Publish swaps the staged snapshot into the live tables and records the
// sync time, all in one transaction. Readers see either the previous
// snapshot or the new one.
func (s *Store) Publish(ctx context.Context, scope models.Scope, syncedAt time.Time) (int64, error) {
	var count int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		args := scopeArgs(scope)

		steps := []string{
			`DELETE FROM cached_files WHERE ` + scopeWhere,
			`INSERT INTO cached_files (provider, account_id, bucket, key, size, last_modified, etag, parent_path)
			 SELECT provider, account_id, bucket, key, size, last_modified, etag, parent_path
			 FROM cached_files_staging WHERE ` + scopeWhere,
			`DELETE FROM cached_files_staging WHERE ` + scopeWhere,
			`DELETE FROM directory_tree WHERE ` + scopeWhere,
			`INSERT INTO directory_tree (provider, account_id, bucket, path, parent_path, file_count, total_file_count, size, total_size, last_modified)
			 SELECT provider, account_id, bucket, path, parent_path, file_count, total_file_count, size, total_size, last_modified
			 FROM directory_tree_staging WHERE ` + scopeWhere,
			`DELETE FROM directory_tree_staging WHERE ` + scopeWhere,
		}
		for _, q := range steps {
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("failed to publish snapshot: %w", err)
			}
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM cached_files WHERE `+scopeWhere+` AND key NOT LIKE '%/'`, args...).Scan(&count); err != nil {
			return fmt.Errorf("failed to count published files: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_meta (provider, account_id, bucket, last_sync_time, file_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(provider, account_id, bucket) DO UPDATE SET
				last_sync_time = excluded.last_sync_time,
				file_count = excluded.file_count`,
			scopeArgs(scope, syncedAt.UnixMilli(), count)...)
		if err != nil {
			return fmt.Errorf("failed to record sync meta: %w", err)
		}
		return nil
	})
	return count, err
}

// StoreAllFiles replaces the scope's snapshot with files, including its tree.
func (s *Store) StoreAllFiles(ctx context.Context, scope models.Scope, files []models.StorageObject, now time.Time) (int64, error) {
	if err := s.DiscardStaged(ctx, scope); err != nil {
		return 0, err
	}
	if err := s.StageFiles(ctx, scope, files); err != nil {
		return 0, err
	}
	if err := s.StageDirectoryTree(ctx, scope, BuildTree(files)); err != nil {
		return 0, err
	}
	return s.Publish(ctx, scope, now)
}

// BuildDirectoryTree rebuilds the live tree of the scope from its live
// cached files and returns the number of nodes.
func (s *Store) BuildDirectoryTree(ctx context.Context, scope models.Scope) (int, error) {
	files, err := s.GetAllCachedFiles(ctx, scope)
	if err != nil {
		return 0, err
	}
	nodes := BuildTree(files)

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM directory_tree WHERE `+scopeWhere, scopeArgs(scope)...); err != nil {
			return fmt.Errorf("failed to reset directory tree: %w", err)
		}
		return insertNodes(ctx, tx, "directory_tree", scope, nodes)
	})
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}
