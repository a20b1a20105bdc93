package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/bucketkeeper/internal/dbx"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// Invalidator patches a synced scope after deletes, creates and moves.
// Only the ancestor directory nodes of touched keys are recomputed.
// Scopes that were never synced are left alone.
type Invalidator struct {
	store *Store
	pub   events.Publisher
	log   logging.Logger
}

func NewInvalidator(store *Store, pub events.Publisher, log logging.Logger) *Invalidator {
	return &Invalidator{store: store, pub: pub, log: log.With("module", "cache")}
}

func (v *Invalidator) synced(ctx context.Context, scope models.Scope) bool {
	ok, err := v.store.IsSynced(ctx, scope)
	if err != nil {
		v.log.Warn(ctx, "sync meta lookup failed", "scope", scope.String(), "error", err)
		return false
	}
	return ok
}

type pathSet map[string]struct{}

func (p pathSet) addAncestors(key string) {
	for _, a := range models.AncestorPaths(key) {
		p[a] = struct{}{}
	}
	if isPlaceholder(key) {
		p[key] = struct{}{}
	}
}

func (p pathSet) sorted() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ObjectsRemoved drops keys from the cache. A key ending in '/' removes the
// whole folder.
func (v *Invalidator) ObjectsRemoved(ctx context.Context, scope models.Scope, keys []string) error {
	if len(keys) == 0 || !v.synced(ctx, scope) {
		return nil
	}

	affected := pathSet{}
	err := dbx.WithTx(ctx, v.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, k := range keys {
			affected.addAncestors(k)
			if isPlaceholder(k) {
				if _, err := tx.ExecContext(ctx, `DELETE FROM cached_files WHERE `+scopeWhere+` AND key LIKE ? ESCAPE '\'`,
					scopeArgs(scope, dbx.EscapeLike(k)+"%")...); err != nil {
					return fmt.Errorf("failed to remove folder %s: %w", k, err)
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM directory_tree WHERE `+scopeWhere+` AND path LIKE ? ESCAPE '\'`,
					scopeArgs(scope, dbx.EscapeLike(k)+"%")...); err != nil {
					return fmt.Errorf("failed to remove folder nodes %s: %w", k, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM cached_files WHERE `+scopeWhere+` AND key = ?`, scopeArgs(scope, k)...); err != nil {
				return fmt.Errorf("failed to remove %s: %w", k, err)
			}
		}
		return recomputeNodes(ctx, tx, scope, affected.sorted())
	})
	if err != nil {
		return err
	}

	paths := affected.sorted()
	v.pub.Publish(events.CacheUpdated, events.CacheUpdatedPayload{Scope: scope, Action: events.ActionDelete, AffectedPaths: paths})
	v.pub.Publish(events.PathsRemoved, events.PathsRemovedPayload{Scope: scope, RemovedPaths: append([]string(nil), keys...)})
	return nil
}

// ObjectsCreated upserts objects into the cache.
func (v *Invalidator) ObjectsCreated(ctx context.Context, scope models.Scope, objs []models.StorageObject) error {
	if len(objs) == 0 || !v.synced(ctx, scope) {
		return nil
	}

	affected := pathSet{}
	created := make([]string, 0, len(objs))
	for _, o := range objs {
		affected.addAncestors(o.Key)
		created = append(created, o.Key)
	}

	err := dbx.WithTx(ctx, v.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := insertFiles(ctx, tx, "cached_files", scope, objs); err != nil {
			return err
		}
		return recomputeNodes(ctx, tx, scope, affected.sorted())
	})
	if err != nil {
		return err
	}

	v.pub.Publish(events.CacheUpdated, events.CacheUpdatedPayload{Scope: scope, Action: events.ActionCreate, AffectedPaths: affected.sorted()})
	v.pub.Publish(events.PathsCreated, events.PathsCreatedPayload{Scope: scope, CreatedPaths: created})
	return nil
}

// ObjectsMoved renames cached rows inside one scope, keeping size, etag
// and modification time. Unknown old keys are skipped.
func (v *Invalidator) ObjectsMoved(ctx context.Context, scope models.Scope, ops []models.MoveOperation) error {
	if len(ops) == 0 || !v.synced(ctx, scope) {
		return nil
	}

	affected := pathSet{}
	var removed, created []string
	err := dbx.WithTx(ctx, v.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, op := range ops {
			var obj models.StorageObject
			var lm int64
			err := tx.QueryRowContext(ctx, `
				SELECT size, last_modified, etag FROM cached_files WHERE `+scopeWhere+` AND key = ?`,
				scopeArgs(scope, op.OldKey)...).Scan(&obj.Size, &lm, &obj.ETag)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", op.OldKey, err)
			}
			obj.Key = op.NewKey
			obj.LastModified = fromMillis(lm)

			if _, err := tx.ExecContext(ctx, `DELETE FROM cached_files WHERE `+scopeWhere+` AND key = ?`, scopeArgs(scope, op.OldKey)...); err != nil {
				return fmt.Errorf("failed to remove %s: %w", op.OldKey, err)
			}
			if err := insertFiles(ctx, tx, "cached_files", scope, []models.StorageObject{obj}); err != nil {
				return err
			}
			affected.addAncestors(op.OldKey)
			affected.addAncestors(op.NewKey)
			removed = append(removed, op.OldKey)
			created = append(created, op.NewKey)
		}
		return recomputeNodes(ctx, tx, scope, affected.sorted())
	})
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}

	v.pub.Publish(events.CacheUpdated, events.CacheUpdatedPayload{Scope: scope, Action: events.ActionMove, AffectedPaths: affected.sorted()})
	v.pub.Publish(events.PathsRemoved, events.PathsRemovedPayload{Scope: scope, RemovedPaths: removed})
	v.pub.Publish(events.PathsCreated, events.PathsCreatedPayload{Scope: scope, CreatedPaths: created})
	return nil
}

// recomputeNodes re-aggregates each path from the live cached files. A
// folder with nothing left under it is dropped; the root always stays.
func recomputeNodes(ctx context.Context, tx dbx.DBTX, scope models.Scope, paths []string) error {
	for _, p := range paths {
		var n models.DirectoryNode
		n.Path = p
		var lm int64
		var present int64

		like := dbx.EscapeLike(p) + "%"
		err := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*),
				COALESCE(SUM(CASE WHEN key NOT LIKE '%/' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN key NOT LIKE '%/' THEN size ELSE 0 END), 0),
				COALESCE(MAX(CASE WHEN key NOT LIKE '%/' THEN last_modified ELSE 0 END), 0)
			FROM cached_files WHERE `+scopeWhere+` AND key LIKE ? ESCAPE '\'`,
			scopeArgs(scope, like)...).Scan(&present, &n.TotalFileCount, &n.TotalSize, &lm)
		if err != nil {
			return fmt.Errorf("failed to aggregate %q: %w", p, err)
		}
		n.LastModified = fromMillis(lm)

		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cached_files
			WHERE `+scopeWhere+` AND parent_path = ? AND key NOT LIKE '%/'`,
			scopeArgs(scope, p)...).Scan(&n.FileCount, &n.Size)
		if err != nil {
			return fmt.Errorf("failed to aggregate direct children of %q: %w", p, err)
		}

		if present == 0 && p != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM directory_tree WHERE `+scopeWhere+` AND path = ?`, scopeArgs(scope, p)...); err != nil {
				return fmt.Errorf("failed to drop node %q: %w", p, err)
			}
			continue
		}
		if err := insertNodes(ctx, tx, "directory_tree", scope, []models.DirectoryNode{n}); err != nil {
			return err
		}
	}
	return nil
}
