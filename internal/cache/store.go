// Package cache is the local relational cache of bucket listings. Every
// read and write is scoped by (provider, account, bucket); rows of one
// scope are never visible through another.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/dbx"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

const scopeWhere = `provider = ? AND account_id = ? AND bucket = ?`

func scopeArgs(s models.Scope, extra ...any) []any {
	return append([]any{string(s.Provider), s.AccountID, s.Bucket}, extra...)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// Store owns the cached_files, directory_tree and sync_meta tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanFiles(rows *sql.Rows) ([]models.StorageObject, error) {
	defer rows.Close()

	files := []models.StorageObject{}
	for rows.Next() {
		var f models.StorageObject
		var lm int64
		if err := rows.Scan(&f.Key, &f.Size, &lm, &f.ETag); err != nil {
			return nil, fmt.Errorf("failed to scan cached file: %w", err)
		}
		f.LastModified = fromMillis(lm)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached files: %w", err)
	}
	return files, nil
}

func scanNodes(rows *sql.Rows) ([]models.DirectoryNode, error) {
	defer rows.Close()

	nodes := []models.DirectoryNode{}
	for rows.Next() {
		var n models.DirectoryNode
		var lm int64
		if err := rows.Scan(&n.Path, &n.FileCount, &n.TotalFileCount, &n.Size, &n.TotalSize, &lm); err != nil {
			return nil, fmt.Errorf("failed to scan directory node: %w", err)
		}
		n.LastModified = fromMillis(lm)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate directory nodes: %w", err)
	}
	return nodes, nil
}

const nodeColumns = `path, file_count, total_file_count, size, total_size, last_modified`

// GetFolderContents lists the direct files and subfolders of prefix. Both
// reads share one transaction so a concurrent publish is never seen half way.
func (s *Store) GetFolderContents(ctx context.Context, scope models.Scope, prefix string) (models.FolderContents, error) {
	var out models.FolderContents
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT key, size, last_modified, etag FROM cached_files
			WHERE `+scopeWhere+` AND parent_path = ? AND key NOT LIKE '%/'
			ORDER BY key`, scopeArgs(scope, prefix)...)
		if err != nil {
			return fmt.Errorf("failed to query folder files: %w", err)
		}
		if out.Files, err = scanFiles(rows); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, `
			SELECT `+nodeColumns+` FROM directory_tree
			WHERE `+scopeWhere+` AND parent_path = ?
			ORDER BY path`, scopeArgs(scope, prefix)...)
		if err != nil {
			return fmt.Errorf("failed to query subfolders: %w", err)
		}
		out.Folders, err = scanNodes(rows)
		return err
	})
	if err != nil {
		return models.FolderContents{}, err
	}
	return out, nil
}

// SearchFiles matches keys case-insensitively; every whitespace separated
// token of query must occur in the key.
func (s *Store) SearchFiles(ctx context.Context, scope models.Scope, query string, limit int) (models.SearchResult, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return models.SearchResult{Files: []models.StorageObject{}}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	where := scopeWhere + ` AND key NOT LIKE '%/'`
	args := scopeArgs(scope)
	for _, tok := range tokens {
		where += ` AND lower(key) LIKE ? ESCAPE '\'`
		args = append(args, "%"+dbx.EscapeLike(tok)+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_files WHERE `+where, args...).Scan(&total); err != nil {
		return models.SearchResult{}, fmt.Errorf("failed to count search results: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, size, last_modified, etag FROM cached_files
		WHERE `+where+` ORDER BY key LIMIT ?`, append(args, limit)...)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("failed to search cached files: %w", err)
	}
	files, err := scanFiles(rows)
	if err != nil {
		return models.SearchResult{}, err
	}
	return models.SearchResult{Files: files, TotalCount: total}, nil
}

func (s *Store) GetDirectoryNode(ctx context.Context, scope models.Scope, path string) (models.DirectoryNode, error) {
	var n models.DirectoryNode
	var lm int64
	err := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM directory_tree
		WHERE `+scopeWhere+` AND path = ?`, scopeArgs(scope, path)...).
		Scan(&n.Path, &n.FileCount, &n.TotalFileCount, &n.Size, &n.TotalSize, &lm)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DirectoryNode{}, common.ErrNotFound
	}
	if err != nil {
		return models.DirectoryNode{}, fmt.Errorf("failed to get directory node %q: %w", path, err)
	}
	n.LastModified = fromMillis(lm)
	return n, nil
}

func (s *Store) GetAllDirectoryNodes(ctx context.Context, scope models.Scope) ([]models.DirectoryNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM directory_tree
		WHERE `+scopeWhere+` ORDER BY path`, scopeArgs(scope)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query directory nodes: %w", err)
	}
	return scanNodes(rows)
}

// CalculateFolderSize aggregates cached files under prefix. It is the
// fallback when no directory node exists for the prefix.
func (s *Store) CalculateFolderSize(ctx context.Context, scope models.Scope, prefix string) (models.FolderSize, error) {
	res := models.FolderSize{Path: prefix}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cached_files
		WHERE `+scopeWhere+` AND key LIKE ? ESCAPE '\' AND key NOT LIKE '%/'`,
		scopeArgs(scope, dbx.EscapeLike(prefix)+"%")...).Scan(&res.FileCount, &res.TotalSize)
	if err != nil {
		return models.FolderSize{}, fmt.Errorf("failed to calculate folder size: %w", err)
	}
	return res, nil
}

func (s *Store) GetAllCachedFiles(ctx context.Context, scope models.Scope) ([]models.StorageObject, error) {
	return s.listFiles(ctx, s.db, "cached_files", scope)
}

func (s *Store) listFiles(ctx context.Context, db dbx.DBTX, table string, scope models.Scope) ([]models.StorageObject, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT key, size, last_modified, etag FROM `+table+`
		WHERE `+scopeWhere+` ORDER BY key`, scopeArgs(scope)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return scanFiles(rows)
}

// GetSyncMeta returns a meta with nil LastSyncTime for never-synced scopes.
func (s *Store) GetSyncMeta(ctx context.Context, scope models.Scope) (models.SyncMeta, error) {
	meta := models.SyncMeta{Scope: scope}
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_time, file_count FROM sync_meta WHERE `+scopeWhere, scopeArgs(scope)...).
		Scan(&last, &meta.FileCount)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return models.SyncMeta{}, fmt.Errorf("failed to get sync meta: %w", err)
	}
	if last.Valid {
		t := fromMillis(last.Int64)
		meta.LastSyncTime = &t
	}
	return meta, nil
}

// IsSynced reports whether the scope has a completed sync.
func (s *Store) IsSynced(ctx context.Context, scope models.Scope) (bool, error) {
	meta, err := s.GetSyncMeta(ctx, scope)
	if err != nil {
		return false, err
	}
	return meta.LastSyncTime != nil, nil
}

// ClearCache drops every row of the scope, including staged rows and the
// sync timestamp.
func (s *Store) ClearCache(ctx context.Context, scope models.Scope) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"cached_files", "cached_files_staging", "directory_tree", "directory_tree_staging", "sync_meta"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+scopeWhere, scopeArgs(scope)...); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}
