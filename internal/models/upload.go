package models

import "time"

// UploadStatus is the state of one user-visible UploadTask.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadSuccess   UploadStatus = "success"
	UploadError     UploadStatus = "error"
	UploadCancelled UploadStatus = "cancelled"
)

// IsTerminal reports success, error and cancelled.
func (s UploadStatus) IsTerminal() bool {
	return s == UploadSuccess || s == UploadError || s == UploadCancelled
}

// UploadTask is an in-memory upload tracked for the UI.
type UploadTask struct {
	ID               string       `json:"id"`
	FilePath         string       `json:"filePath"`
	FileName         string       `json:"fileName"`
	Key              string       `json:"key"`
	FileSize         int64        `json:"fileSize"`
	ContentType      string       `json:"contentType"`
	Status           UploadStatus `json:"status"`
	Progress         float64      `json:"progress"`
	TransferredBytes int64        `json:"transferredBytes"`
	Speed            float64      `json:"speed"`
	Error            string       `json:"error,omitempty"`
}

// SourceIdentity fingerprints the local (or remote) source of an upload so
// a resumed session is only reused for the same content.
type SourceIdentity struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// UploadSessionKey is the structured composite key of a resumable upload.
type UploadSessionKey struct {
	AccountID string         `json:"accountId"`
	Bucket    string         `json:"bucket"`
	Key       string         `json:"key"`
	Source    SourceIdentity `json:"source"`
}

// UploadSession is the persisted state of an in-flight multipart upload.
type UploadSession struct {
	SessionKey     UploadSessionKey `json:"sessionKey"`
	UploadID       string           `json:"uploadId"`
	PartSize       int64            `json:"partSize"`
	CompletedParts []CompletedPart  `json:"completedParts"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
