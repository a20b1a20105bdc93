// Package syncer repopulates the local cache of one scope from its remote
// bucket in three phases: fetching, storing and indexing. New rows are
// staged and published in one transaction, so readers keep seeing the
// previous snapshot until the sync completes.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/cache"
	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
)

// Opener builds adapters; *storage.Registry implements it.
type Opener interface {
	Open(ctx context.Context, cfg models.StorageConfig) (*storage.Adapter, error)
}

const (
	storeBatch = 1000
	indexBatch = 200
)

// Syncer runs at most one sync per scope at a time.
type Syncer struct {
	opener Opener
	store  *cache.Store
	pub    events.Publisher
	log    logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	phases map[models.Scope]models.SyncPhase
}

func New(opener Opener, store *cache.Store, pub events.Publisher, log logging.Logger) *Syncer {
	return &Syncer{
		opener: opener,
		store:  store,
		pub:    pub,
		log:    log.With("module", "syncer"),
		now:    time.Now,
		phases: make(map[models.Scope]models.SyncPhase),
	}
}

// State reports the current or last phase of the scope.
func (s *Syncer) State(scope models.Scope) models.SyncPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.phases[scope]; ok {
		return p
	}
	return models.SyncIdle
}

func active(p models.SyncPhase) bool {
	return p == models.SyncFetching || p == models.SyncStoring || p == models.SyncIndexing
}

// claim marks the scope as fetching unless a sync is already running.
func (s *Syncer) claim(scope models.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active(s.phases[scope]) {
		return false
	}
	s.phases[scope] = models.SyncFetching
	return true
}

func (s *Syncer) enter(ctx context.Context, scope models.Scope, phase models.SyncPhase, errMsg string) {
	s.mu.Lock()
	s.phases[scope] = phase
	s.mu.Unlock()

	s.log.Info(ctx, "sync phase", "scope", scope.String(), "phase", phase)
	s.pub.Publish(events.SyncPhase, events.SyncPhasePayload{Scope: scope, Phase: phase, Error: errMsg})
}

// Sync runs the whole pipeline for cfg's scope. A second call for the same
// scope while one is running returns common.ErrSyncInProgress at once.
func (s *Syncer) Sync(ctx context.Context, cfg models.StorageConfig) (models.SyncResult, error) {
	adapter, err := s.opener.Open(ctx, cfg)
	if err != nil {
		return models.SyncResult{}, err
	}

	scope := cfg.Scope()
	if !s.claim(scope) {
		return models.SyncResult{}, common.ErrSyncInProgress
	}

	res, err := s.run(ctx, adapter, scope)
	if err != nil {
		if derr := s.store.DiscardStaged(context.WithoutCancel(ctx), scope); derr != nil {
			s.log.Warn(ctx, "failed to discard staged rows", "scope", scope.String(), "error", derr)
		}
		s.log.Error(ctx, "sync failed", "scope", scope.String(), "error", err)
		s.enter(ctx, scope, models.SyncError, err.Error())
		return models.SyncResult{}, err
	}

	s.enter(ctx, scope, models.SyncComplete, "")
	return res, nil
}

func (s *Syncer) run(ctx context.Context, a *storage.Adapter, scope models.Scope) (models.SyncResult, error) {
	s.enter(ctx, scope, models.SyncFetching, "")
	files, err := a.ListAllObjectsRecursive(ctx, "", func(seen int) {
		s.pub.Publish(events.SyncProgress, events.SyncProgressPayload{Scope: scope, Count: int64(seen)})
	})
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("fetching: %w", err)
	}

	s.enter(ctx, scope, models.SyncStoring, "")
	if err := s.store.DiscardStaged(ctx, scope); err != nil {
		return models.SyncResult{}, fmt.Errorf("storing: %w", err)
	}
	for start := 0; start < len(files); start += storeBatch {
		if err := ctx.Err(); err != nil {
			return models.SyncResult{}, err
		}
		if err := s.store.StageFiles(ctx, scope, files[start:min(start+storeBatch, len(files))]); err != nil {
			return models.SyncResult{}, fmt.Errorf("storing: %w", err)
		}
	}
	s.pub.Publish(events.SyncProgress, events.SyncProgressPayload{Scope: scope, Count: int64(len(files))})

	s.enter(ctx, scope, models.SyncIndexing, "")
	staged, err := s.store.StagedFiles(ctx, scope)
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("indexing: %w", err)
	}
	nodes := cache.BuildTree(staged)
	total := len(nodes)
	s.pub.Publish(events.IndexingProgress, events.IndexingProgressPayload{Scope: scope, Current: 0, Total: total})

	for done := 0; done < total; {
		if err := ctx.Err(); err != nil {
			return models.SyncResult{}, err
		}
		next := min(done+indexBatch, total)
		if err := s.store.StageDirectoryNodes(ctx, scope, nodes[done:next]); err != nil {
			return models.SyncResult{}, fmt.Errorf("indexing: %w", err)
		}
		done = next
		s.pub.Publish(events.IndexingProgress, events.IndexingProgressPayload{Scope: scope, Current: done, Total: total})
	}

	if err := ctx.Err(); err != nil {
		return models.SyncResult{}, err
	}
	finished := s.now()
	count, err := s.store.Publish(ctx, scope, finished)
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("publishing: %w", err)
	}

	return models.SyncResult{Count: count, TimestampOfCompletion: finished, DirectoryCount: total}, nil
}
