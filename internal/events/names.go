package events

import "github.com/dmitrijs2005/bucketkeeper/internal/models"

// Event names as seen by the UI.
const (
	SyncPhase        = "sync-phase"
	SyncProgress     = "sync-progress"
	IndexingProgress = "indexing-progress"

	CacheUpdated = "cache-updated"
	PathsRemoved = "paths-removed"
	PathsCreated = "paths-created"

	MoveProgress       = "move-progress"
	MoveStatusChanged  = "move-status-changed"
	MoveTaskDeleted    = "move-task-deleted"
	MoveBatchOperation = "move-batch-operation"

	DownloadProgress       = "download-progress"
	DownloadStatusChanged  = "download-status-changed"
	DownloadTaskDeleted    = "download-task-deleted"
	DownloadBatchOperation = "download-batch-operation"

	BatchMoveProgress   = "batch-move-progress"
	BatchDeleteProgress = "batch-delete-progress"

	UploadProgress      = "upload-progress"
	UploadStatusChanged = "upload-status-changed"
)

// AllNames lists every event the backend publishes.
var AllNames = []string{
	SyncPhase, SyncProgress, IndexingProgress,
	CacheUpdated, PathsRemoved, PathsCreated,
	MoveProgress, MoveStatusChanged, MoveTaskDeleted, MoveBatchOperation,
	DownloadProgress, DownloadStatusChanged, DownloadTaskDeleted, DownloadBatchOperation,
	BatchMoveProgress, BatchDeleteProgress,
	UploadProgress, UploadStatusChanged,
}

type SyncPhasePayload struct {
	Scope models.Scope     `json:"scope"`
	Phase models.SyncPhase `json:"phase"`
	Error string           `json:"error,omitempty"`
}

type SyncProgressPayload struct {
	Scope models.Scope `json:"scope"`
	Count int64        `json:"count"`
}

type IndexingProgressPayload struct {
	Scope   models.Scope `json:"scope"`
	Current int          `json:"current"`
	Total   int          `json:"total"`
}

// Cache update actions.
const (
	ActionDelete = "delete"
	ActionCreate = "create"
	ActionMove   = "move"
	ActionClear  = "clear"
	ActionSync   = "sync"
)

type CacheUpdatedPayload struct {
	Scope         models.Scope `json:"scope"`
	Action        string       `json:"action"`
	AffectedPaths []string     `json:"affectedPaths"`
}

type PathsRemovedPayload struct {
	Scope        models.Scope `json:"scope"`
	RemovedPaths []string     `json:"removedPaths"`
}

type PathsCreatedPayload struct {
	Scope        models.Scope `json:"scope"`
	CreatedPaths []string     `json:"createdPaths"`
}

// MoveProgressPayload reports Percent in 0..100 over 2*TotalBytes of work
// (download and upload both count).
type MoveProgressPayload struct {
	TaskID           string            `json:"taskId"`
	Phase            models.MoveStatus `json:"phase"`
	Percent          float64           `json:"percent"`
	TransferredBytes int64             `json:"transferredBytes"`
	TotalBytes       int64             `json:"totalBytes"`
	Speed            float64           `json:"speed"`
}

type MoveStatusPayload struct {
	TaskID  string            `json:"taskId"`
	Status  models.MoveStatus `json:"status"`
	Error   string            `json:"error,omitempty"`
	Warning string            `json:"warning,omitempty"`
}

type TaskDeletedPayload struct {
	TaskID string `json:"taskId"`
}

// Batch operation names for move-batch-operation and download-batch-operation.
const (
	BatchPauseAll      = "pause_all"
	BatchResumeAll     = "resume_all"
	BatchClearFinished = "clear_finished"
	BatchClearAll      = "clear_all"
	BatchEnqueued      = "enqueued"
)

type BatchOperationPayload struct {
	Operation       string `json:"operation"`
	SourceBucket    string `json:"sourceBucket"`
	SourceAccountID string `json:"sourceAccountId"`
}

type DownloadProgressPayload struct {
	TaskID          string  `json:"taskId"`
	Percent         float64 `json:"percent"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	Speed           float64 `json:"speed"`
}

type DownloadStatusPayload struct {
	TaskID string                `json:"taskId"`
	Status models.DownloadStatus `json:"status"`
	Error  string                `json:"error,omitempty"`
}

type UploadProgressPayload struct {
	TaskID           string  `json:"taskId"`
	Percent          float64 `json:"percent"`
	TransferredBytes int64   `json:"transferredBytes"`
	TotalBytes       int64   `json:"totalBytes"`
	Speed            float64 `json:"speed"`
}

type UploadStatusPayload struct {
	TaskID string              `json:"taskId"`
	Status models.UploadStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
}

// BatchProgressPayload is used by batch-move-progress and batch-delete-progress.
type BatchProgressPayload struct {
	Scope models.Scope `json:"scope"`
	models.BatchProgress
}
