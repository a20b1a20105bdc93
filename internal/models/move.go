package models

import "time"

// MoveStatus is the state of one MoveTask.
type MoveStatus string

const (
	MovePending     MoveStatus = "pending"
	MoveDownloading MoveStatus = "downloading"
	MoveUploading   MoveStatus = "uploading"
	MoveFinishing   MoveStatus = "finishing"
	MoveDeleting    MoveStatus = "deleting"
	MoveSuccess     MoveStatus = "success"
	MoveError       MoveStatus = "error"
	MoveCancelled   MoveStatus = "cancelled"
	MovePaused      MoveStatus = "paused"
)

// IsTerminal reports success, error and cancelled.
func (s MoveStatus) IsTerminal() bool {
	return s == MoveSuccess || s == MoveError || s == MoveCancelled
}

// IsInProgress reports the states that hold live transfer state and block
// clear_all_moves.
func (s MoveStatus) IsInProgress() bool {
	switch s {
	case MoveDownloading, MoveUploading, MoveFinishing, MoveDeleting:
		return true
	}
	return false
}

// MoveTask is a single object relocation unit. It is persisted so tasks
// survive restarts.
type MoveTask struct {
	ID string `json:"id"`

	SourceKey       string       `json:"sourceKey"`
	SourceBucket    string       `json:"sourceBucket"`
	SourceAccountID string       `json:"sourceAccountId"`
	SourceProvider  ProviderKind `json:"sourceProvider"`

	DestKey       string       `json:"destKey"`
	DestBucket    string       `json:"destBucket"`
	DestAccountID string       `json:"destAccountId"`
	DestProvider  ProviderKind `json:"destProvider"`

	DeleteOriginal bool  `json:"deleteOriginal"`
	FileSize       int64 `json:"fileSize"`

	Status           MoveStatus `json:"status"`
	Progress         float64    `json:"progress"`
	TransferredBytes int64      `json:"transferredBytes"`
	Speed            float64    `json:"speed"`
	Phase            string     `json:"phase"`
	Error            string     `json:"error,omitempty"`

	CleanupPending  bool   `json:"cleanupPending"`
	CleanupAttempts int    `json:"cleanupAttempts"`
	Warning         string `json:"warning,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SourceScope is the scope the task reads from.
func (t *MoveTask) SourceScope() Scope {
	return Scope{Provider: t.SourceProvider, AccountID: t.SourceAccountID, Bucket: t.SourceBucket}
}

// DestScope is the scope the task writes to.
func (t *MoveTask) DestScope() Scope {
	return Scope{Provider: t.DestProvider, AccountID: t.DestAccountID, Bucket: t.DestBucket}
}

// BatchMoveRequest enqueues one MoveTask per operation.
type BatchMoveRequest struct {
	Source         StorageConfig   `json:"source"`
	Dest           StorageConfig   `json:"dest"`
	Operations     []MoveOperation `json:"operations"`
	DeleteOriginal bool            `json:"deleteOriginal"`
	// Sizes optionally carries known object sizes by old key.
	Sizes map[string]int64 `json:"sizes,omitempty"`
}

// SourceRef addresses a queue by its source, as every queue command is
// scoped by (sourceBucket, sourceAccountId).
type SourceRef struct {
	SourceBucket    string `json:"sourceBucket"`
	SourceAccountID string `json:"sourceAccountId"`
}
