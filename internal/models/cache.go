package models

import "time"

// CachedFile is a StorageObject persisted in the local cache for one scope.
type CachedFile struct {
	Scope
	StorageObject
}

// DirectoryNode is the precomputed aggregate of one folder prefix.
// Path has a trailing slash; the root is ”.
type DirectoryNode struct {
	Path           string    `json:"path"`
	FileCount      int64     `json:"fileCount"`
	TotalFileCount int64     `json:"totalFileCount"`
	Size           int64     `json:"size"`
	TotalSize      int64     `json:"totalSize"`
	LastModified   time.Time `json:"lastModified"`
}

// FolderContents is a single-level listing answered from the cache.
type FolderContents struct {
	Files   []StorageObject `json:"files"`
	Folders []DirectoryNode `json:"folders"`
}

// SearchResult holds matches from the cache and the total count before limiting.
type SearchResult struct {
	Files      []StorageObject `json:"files"`
	TotalCount int             `json:"totalCount"`
}

// FolderSize is the fallback aggregate when no DirectoryNode exists.
type FolderSize struct {
	Path      string `json:"path"`
	FileCount int64  `json:"fileCount"`
	TotalSize int64  `json:"totalSize"`
}

// SyncMeta records the last completed sync for a scope.
type SyncMeta struct {
	Scope        Scope      `json:"scope"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
	FileCount    int64      `json:"fileCount"`
}

// SyncPhase is one stage of the sync pipeline.
type SyncPhase string

const (
	SyncIdle     SyncPhase = "idle"
	SyncFetching SyncPhase = "fetching"
	SyncStoring  SyncPhase = "storing"
	SyncIndexing SyncPhase = "indexing"
	SyncComplete SyncPhase = "complete"
	SyncError    SyncPhase = "error"
)

// SyncResult is returned by a completed sync.
type SyncResult struct {
	Count                 int64     `json:"count"`
	TimestampOfCompletion time.Time `json:"timestampOfCompletion"`
	DirectoryCount        int       `json:"directoryCount"`
}
