package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/filex"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/rpc"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
)

// DefaultSignedURLExpiry applies when generate_signed_url gets no expiry.
const DefaultSignedURLExpiry = time.Hour

type configArgs struct {
	Config models.StorageConfig `json:"config"`
}

type keyArgs struct {
	Config models.StorageConfig `json:"config"`
	Key    string               `json:"key"`
}

type listObjectsArgs struct {
	Config models.StorageConfig `json:"config"`
	models.ListOptions
}

type renameArgs struct {
	Config models.StorageConfig `json:"config"`
	OldKey string               `json:"oldKey"`
	NewKey string               `json:"newKey"`
}

type batchDeleteArgs struct {
	Config models.StorageConfig `json:"config"`
	Keys   []string             `json:"keys"`
}

type batchMoveArgs struct {
	Config         models.StorageConfig   `json:"config"`
	Dest           *models.StorageConfig  `json:"dest,omitempty"`
	Operations     []models.MoveOperation `json:"operations"`
	DeleteOriginal bool                   `json:"deleteOriginal"`
	Sizes          map[string]int64       `json:"sizes,omitempty"`
}

// batchMoveReply carries the in-bucket result, or the queued tasks when the
// destination is another bucket or account.
type batchMoveReply struct {
	models.BatchMoveResult
	Queued []models.MoveTask `json:"queued,omitempty"`
}

type signedURLArgs struct {
	Config    models.StorageConfig `json:"config"`
	Key       string               `json:"key"`
	ExpiresIn int64                `json:"expiresIn"` // seconds
}

type uploadFileArgs struct {
	Config      models.StorageConfig `json:"config"`
	FilePath    string               `json:"filePath"`
	Key         string               `json:"key"`
	ContentType string               `json:"contentType"`
}

type uploadContentArgs struct {
	Config      models.StorageConfig `json:"config"`
	Key         string               `json:"key"`
	Content     []byte               `json:"content"` // base64 in JSON
	ContentType string               `json:"contentType"`
}

type scopeArgs struct {
	Scope models.Scope `json:"scope"`
}

type prefixArgs struct {
	Scope  models.Scope `json:"scope"`
	Prefix string       `json:"prefix"`
}

type searchArgs struct {
	Scope models.Scope `json:"scope"`
	Query string       `json:"query"`
	Limit int          `json:"limit"`
}

type pathArgs struct {
	Scope models.Scope `json:"scope"`
	Path  string       `json:"path"`
}

type storeFilesArgs struct {
	Scope models.Scope           `json:"scope"`
	Files []models.StorageObject `json:"files"`
}

type queuePairArgs struct {
	Source models.StorageConfig `json:"source"`
	Dest   models.StorageConfig `json:"dest"`
}

type taskArgs struct {
	TaskID string `json:"taskId"`
}

type localPathArgs struct {
	Path string `json:"path"`
}

type downloadArgs struct {
	Config    models.StorageConfig `json:"config"`
	Key       string               `json:"key"`
	LocalPath string               `json:"localPath"`
}

type unlockArgs struct {
	Passphrase string `json:"passphrase"`
}

type accountArgs struct {
	Account models.Account `json:"account"`
}

type idArgs struct {
	ID string `json:"id"`
}

type countReply struct {
	Count int `json:"count"`
}

type syncStateReply struct {
	Phase models.SyncPhase `json:"phase"`
	Meta  models.SyncMeta  `json:"meta"`
}

type urlReply struct {
	URL string `json:"url"`
}

func (app *App) registerCommands() {
	r := app.router

	// Provider Adapter
	rpc.Handle(r, "list_buckets", func(ctx context.Context, a configArgs) ([]models.Bucket, error) {
		ad, err := app.open(ctx, a.Config)
		if err != nil {
			return nil, err
		}
		return ad.ListBuckets(ctx)
	})
	rpc.Handle(r, "list_objects", func(ctx context.Context, a listObjectsArgs) (models.ListPage, error) {
		ad, err := app.open(ctx, a.Config)
		if err != nil {
			return models.ListPage{}, err
		}
		return ad.ListObjects(ctx, a.ListOptions)
	})
	rpc.Handle(r, "list_all_objects", func(ctx context.Context, a listObjectsArgs) ([]models.StorageObject, error) {
		ad, err := app.open(ctx, a.Config)
		if err != nil {
			return nil, err
		}
		return ad.ListAllObjectsRecursive(ctx, a.Prefix, nil)
	})
	rpc.Handle(r, "delete_object", app.deleteObject)
	rpc.Handle(r, "rename_object", app.renameObject)
	rpc.Handle(r, "batch_delete_objects", app.batchDelete)
	rpc.Handle(r, "batch_move_objects", app.batchMove)
	rpc.Handle(r, "generate_signed_url", func(ctx context.Context, a signedURLArgs) (urlReply, error) {
		ad, err := app.open(ctx, a.Config)
		if err != nil {
			return urlReply{}, err
		}
		exp := DefaultSignedURLExpiry
		if a.ExpiresIn > 0 {
			exp = time.Duration(a.ExpiresIn) * time.Second
		}
		u, err := ad.GenerateSignedURL(ctx, a.Key, exp)
		return urlReply{URL: u}, err
	})
	rpc.Handle(r, "build_public_url", func(ctx context.Context, a keyArgs) (urlReply, error) {
		return urlReply{URL: storage.BuildPublicURL(a.Config, a.Key)}, nil
	})
	rpc.Handle(r, "upload_file", func(ctx context.Context, a uploadFileArgs) (models.UploadTask, error) {
		cfg, err := app.complete(ctx, a.Config)
		if err != nil {
			return models.UploadTask{}, err
		}
		return app.uploads.StartUpload(ctx, cfg, a.FilePath, a.Key, a.ContentType)
	})
	rpc.Handle(r, "upload_content", app.uploadContent)
	for _, p := range []models.ProviderKind{models.ProviderR2, models.ProviderAWS, models.ProviderMinIO, models.ProviderRustFS} {
		rpc.Handle(r, "sync_"+string(p)+"_bucket", app.syncFor(p))
	}
	rpc.Handle(r, "get_sync_state", func(ctx context.Context, a scopeArgs) (syncStateReply, error) {
		meta, err := app.cache.GetSyncMeta(ctx, a.Scope)
		if err != nil {
			return syncStateReply{}, err
		}
		return syncStateReply{Phase: app.syncer.State(a.Scope), Meta: meta}, nil
	})

	// Local Cache Store
	rpc.Handle(r, "get_folder_contents", func(ctx context.Context, a prefixArgs) (models.FolderContents, error) {
		return app.cache.GetFolderContents(ctx, a.Scope, a.Prefix)
	})
	rpc.Handle(r, "search_cached_files", func(ctx context.Context, a searchArgs) (models.SearchResult, error) {
		return app.cache.SearchFiles(ctx, a.Scope, a.Query, a.Limit)
	})
	rpc.Handle(r, "calculate_folder_size", func(ctx context.Context, a prefixArgs) (models.FolderSize, error) {
		return app.cache.CalculateFolderSize(ctx, a.Scope, a.Prefix)
	})
	rpc.Handle(r, "build_directory_tree", func(ctx context.Context, a scopeArgs) (countReply, error) {
		n, err := app.cache.BuildDirectoryTree(ctx, a.Scope)
		return countReply{Count: n}, err
	})
	rpc.Handle(r, "get_directory_node", func(ctx context.Context, a pathArgs) (models.DirectoryNode, error) {
		return app.cache.GetDirectoryNode(ctx, a.Scope, a.Path)
	})
	rpc.Handle(r, "get_all_directory_nodes", func(ctx context.Context, a scopeArgs) ([]models.DirectoryNode, error) {
		return app.cache.GetAllDirectoryNodes(ctx, a.Scope)
	})
	rpc.Handle(r, "clear_file_cache", func(ctx context.Context, a scopeArgs) (any, error) {
		if err := app.cache.ClearCache(ctx, a.Scope); err != nil {
			return nil, err
		}
		app.bus.Publish(events.CacheUpdated, events.CacheUpdatedPayload{Scope: a.Scope, Action: events.ActionClear, AffectedPaths: []string{""}})
		return nil, nil
	})
	rpc.Handle(r, "store_all_files", func(ctx context.Context, a storeFilesArgs) (countReply, error) {
		n, err := app.cache.StoreAllFiles(ctx, a.Scope, a.Files, time.Now().UTC())
		if err != nil {
			return countReply{}, err
		}
		app.bus.Publish(events.CacheUpdated, events.CacheUpdatedPayload{Scope: a.Scope, Action: events.ActionSync, AffectedPaths: []string{""}})
		return countReply{Count: int(n)}, nil
	})
	rpc.Handle(r, "get_all_cached_files", func(ctx context.Context, a scopeArgs) ([]models.StorageObject, error) {
		return app.cache.GetAllCachedFiles(ctx, a.Scope)
	})

	// Transfer Queue
	rpc.Handle(r, "start_move_queue", func(ctx context.Context, a queuePairArgs) (countReply, error) {
		src, err := app.complete(ctx, a.Source)
		if err != nil {
			return countReply{}, err
		}
		dst, err := app.complete(ctx, a.Dest)
		if err != nil {
			return countReply{}, err
		}
		n, err := app.moves.StartMoveQueue(ctx, src, dst)
		return countReply{Count: n}, err
	})
	rpc.Handle(r, "pause_all_moves", func(_ context.Context, ref models.SourceRef) (countReply, error) {
		return countReply{Count: app.moves.PauseAllMoves(ref)}, nil
	})
	rpc.Handle(r, "resume_all_moves", func(_ context.Context, ref models.SourceRef) (countReply, error) {
		return countReply{Count: app.moves.ResumeAllMoves(ref)}, nil
	})
	rpc.Handle(r, "resume_move", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.moves.ResumeMove(a.TaskID)
	})
	rpc.Handle(r, "cancel_move", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.moves.CancelMove(a.TaskID)
	})
	rpc.Handle(r, "retry_move_cleanup", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.moves.RetryCleanup(a.TaskID)
	})
	rpc.Handle(r, "clear_finished_moves", func(ctx context.Context, ref models.SourceRef) (countReply, error) {
		n, err := app.moves.ClearFinishedMoves(ctx, ref)
		return countReply{Count: n}, err
	})
	rpc.Handle(r, "clear_all_moves", func(ctx context.Context, ref models.SourceRef) (countReply, error) {
		n, err := app.moves.ClearAllMoves(ctx, ref)
		return countReply{Count: n}, err
	})
	rpc.Handle(r, "get_move_tasks", func(_ context.Context, ref models.SourceRef) ([]models.MoveTask, error) {
		return app.moves.GetMoveTasks(ref), nil
	})
	rpc.Handle(r, "get_all_active_move_tasks", func(context.Context, struct{}) ([]models.MoveTask, error) {
		return app.moves.GetAllActiveMoveTasks(), nil
	})

	// Local files
	rpc.Handle(r, "get_file_info", func(_ context.Context, a localPathArgs) (models.LocalFileInfo, error) {
		return filex.GetFileInfo(a.Path)
	})
	rpc.Handle(r, "get_folder_files", func(_ context.Context, a localPathArgs) ([]models.LocalFileInfo, error) {
		return filex.GetFolderFiles(a.Path)
	})

	// Uploads
	rpc.Handle(r, "cancel_upload", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.uploads.CancelUpload(a.TaskID)
	})
	rpc.Handle(r, "get_upload_tasks", func(context.Context, struct{}) ([]models.UploadTask, error) {
		return app.uploads.GetUploadTasks(), nil
	})
	rpc.Handle(r, "clear_finished_uploads", func(context.Context, struct{}) (countReply, error) {
		return countReply{Count: app.uploads.ClearFinishedUploads()}, nil
	})

	// Downloads
	rpc.Handle(r, "start_download", func(ctx context.Context, a downloadArgs) (models.DownloadTask, error) {
		cfg, err := app.complete(ctx, a.Config)
		if err != nil {
			return models.DownloadTask{}, err
		}
		return app.downloads.StartDownload(ctx, cfg, a.Key, a.LocalPath)
	})
	rpc.Handle(r, "pause_download", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.downloads.PauseDownload(a.TaskID)
	})
	rpc.Handle(r, "resume_download", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.downloads.ResumeDownload(a.TaskID)
	})
	rpc.Handle(r, "cancel_download", func(_ context.Context, a taskArgs) (any, error) {
		return nil, app.downloads.CancelDownload(a.TaskID)
	})
	rpc.Handle(r, "clear_finished_downloads", func(ctx context.Context, _ struct{}) (countReply, error) {
		n, err := app.downloads.ClearFinishedDownloads(ctx)
		return countReply{Count: n}, err
	})
	rpc.Handle(r, "get_download_tasks", func(context.Context, struct{}) ([]models.DownloadTask, error) {
		return app.downloads.GetDownloadTasks(), nil
	})

	// Accounts
	rpc.Handle(r, "unlock_vault", func(ctx context.Context, a unlockArgs) (any, error) {
		return nil, app.vault.Unlock(ctx, a.Passphrase)
	})
	rpc.Handle(r, "lock_vault", func(context.Context, struct{}) (any, error) {
		app.vault.Lock()
		return nil, nil
	})
	rpc.Handle(r, "save_account", func(ctx context.Context, a accountArgs) (models.Account, error) {
		return app.vault.SaveAccount(ctx, a.Account)
	})
	rpc.Handle(r, "list_accounts", func(ctx context.Context, _ struct{}) ([]models.Account, error) {
		return app.vault.ListAccounts(ctx)
	})
	rpc.Handle(r, "delete_account", func(ctx context.Context, a idArgs) (any, error) {
		return nil, app.vault.DeleteAccount(ctx, a.ID)
	})

	rpc.Handle(r, "list_commands", func(context.Context, struct{}) ([]string, error) {
		return r.Commands(), nil
	})
}

// complete fills credentials from the vault when the caller only names the
// account (provider, accountId, bucket) without keys.
func (app *App) complete(ctx context.Context, cfg models.StorageConfig) (models.StorageConfig, error) {
	if cfg.AccessKeyID != "" || cfg.AccountID == "" {
		return cfg, nil
	}
	full, err := app.vault.Resolve(ctx, cfg.Provider, cfg.AccountID, cfg.Bucket)
	if err != nil {
		return models.StorageConfig{}, err
	}
	if cfg.PublicDomainScheme != "" {
		full.PublicDomainScheme = cfg.PublicDomainScheme
	}
	return full, nil
}

func (app *App) open(ctx context.Context, cfg models.StorageConfig) (*storage.Adapter, error) {
	cfg, err := app.complete(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app.registry.Open(ctx, cfg)
}

// patch applies a cache invalidation after a remote change. The remote
// change already happened, so a failure here is only logged.
func (app *App) patch(ctx context.Context, what string, err error) {
	if err != nil {
		app.logger.Warn(ctx, "cache patch failed", "after", what, "error", err)
	}
}

func (app *App) deleteObject(ctx context.Context, a keyArgs) (any, error) {
	ad, err := app.open(ctx, a.Config)
	if err != nil {
		return nil, err
	}
	if err := ad.DeleteObject(ctx, a.Key); err != nil {
		return nil, err
	}
	app.patch(ctx, "delete_object", app.invalidator.ObjectsRemoved(ctx, a.Config.Scope(), []string{a.Key}))
	return nil, nil
}

func (app *App) renameObject(ctx context.Context, a renameArgs) (any, error) {
	ad, err := app.open(ctx, a.Config)
	if err != nil {
		return nil, err
	}
	if err := ad.RenameObject(ctx, a.OldKey, a.NewKey); err != nil {
		return nil, err
	}
	app.patch(ctx, "rename_object", app.invalidator.ObjectsMoved(ctx, a.Config.Scope(),
		[]models.MoveOperation{{OldKey: a.OldKey, NewKey: a.NewKey}}))
	return nil, nil
}

func (app *App) batchDelete(ctx context.Context, a batchDeleteArgs) (models.BatchDeleteResult, error) {
	ad, err := app.open(ctx, a.Config)
	if err != nil {
		return models.BatchDeleteResult{}, err
	}
	scope := a.Config.Scope()
	res, err := ad.BatchDeleteObjects(ctx, a.Keys, func(p models.BatchProgress) {
		app.bus.Publish(events.BatchDeleteProgress, events.BatchProgressPayload{Scope: scope, BatchProgress: p})
	})
	if err != nil {
		return res, err
	}
	failed := make(map[string]bool, len(res.Errors))
	for _, e := range res.Errors {
		failed[e.Key] = true
	}
	var deleted []string
	for _, k := range a.Keys {
		if !failed[k] {
			deleted = append(deleted, k)
		}
	}
	if len(deleted) > 0 {
		app.patch(ctx, "batch_delete_objects", app.invalidator.ObjectsRemoved(ctx, scope, deleted))
	}
	return res, nil
}

// batchMove moves within the bucket directly; a different destination
// goes through the transfer queue.
func (app *App) batchMove(ctx context.Context, a batchMoveArgs) (batchMoveReply, error) {
	src, err := app.complete(ctx, a.Config)
	if err != nil {
		return batchMoveReply{}, err
	}
	if a.Dest != nil && a.Dest.Scope() != src.Scope() {
		dst, err := app.complete(ctx, *a.Dest)
		if err != nil {
			return batchMoveReply{}, err
		}
		tasks, err := app.moves.Enqueue(ctx, models.BatchMoveRequest{
			Source: src, Dest: dst, Operations: a.Operations, DeleteOriginal: a.DeleteOriginal, Sizes: a.Sizes,
		})
		return batchMoveReply{Queued: tasks}, err
	}

	ad, err := app.registry.Open(ctx, src)
	if err != nil {
		return batchMoveReply{}, err
	}
	scope := src.Scope()
	res, err := ad.BatchMoveObjects(ctx, a.Operations, func(p models.BatchProgress) {
		app.bus.Publish(events.BatchMoveProgress, events.BatchProgressPayload{Scope: scope, BatchProgress: p})
	})
	if err != nil {
		return batchMoveReply{BatchMoveResult: res}, err
	}
	failed := make(map[string]bool, len(res.Errors))
	for _, e := range res.Errors {
		failed[e.Key] = true
	}
	var moved []models.MoveOperation
	for _, op := range a.Operations {
		if !failed[op.OldKey] {
			moved = append(moved, op)
		}
	}
	if len(moved) > 0 {
		app.patch(ctx, "batch_move_objects", app.invalidator.ObjectsMoved(ctx, scope, moved))
	}
	return batchMoveReply{BatchMoveResult: res}, nil
}

func (app *App) uploadContent(ctx context.Context, a uploadContentArgs) (any, error) {
	ad, err := app.open(ctx, a.Config)
	if err != nil {
		return nil, err
	}
	if a.Key == "" {
		return nil, fmt.Errorf("%w: key is required", common.ErrInvalidArgument)
	}
	ct := a.ContentType
	if ct == "" {
		ct = filex.ContentType(a.Key)
	}
	if err := ad.UploadContent(ctx, a.Key, a.Content, ct); err != nil {
		return nil, err
	}
	obj := models.StorageObject{Key: a.Key, Size: int64(len(a.Content)), LastModified: time.Now().UTC()}
	app.patch(ctx, "upload_content", app.invalidator.ObjectsCreated(ctx, a.Config.Scope(), []models.StorageObject{obj}))
	return nil, nil
}

// syncFor pins the provider of a sync_<provider>_bucket command.
func (app *App) syncFor(p models.ProviderKind) func(context.Context, configArgs) (models.SyncResult, error) {
	return func(ctx context.Context, a configArgs) (models.SyncResult, error) {
		cfg := a.Config
		if cfg.Provider == "" {
			cfg.Provider = p
		}
		if cfg.Provider != p {
			return models.SyncResult{}, fmt.Errorf("%w: sync_%s_bucket got a %s config", common.ErrInvalidArgument, p, cfg.Provider)
		}
		cfg, err := app.complete(ctx, cfg)
		if err != nil {
			return models.SyncResult{}, err
		}
		return app.syncer.Sync(ctx, cfg)
	}
}
