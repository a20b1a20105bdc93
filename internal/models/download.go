package models

import "time"

// DownloadStatus is the state of one DownloadTask.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadSuccess     DownloadStatus = "success"
	DownloadError       DownloadStatus = "error"
	DownloadCancelled   DownloadStatus = "cancelled"
)

func (s DownloadStatus) IsTerminal() bool {
	return s == DownloadSuccess || s == DownloadError || s == DownloadCancelled
}

// DownloadTask copies one remote object to a local path; DownloadedBytes
// is the resume offset.
type DownloadTask struct {
	ID              string         `json:"id"`
	Scope           Scope          `json:"scope"`
	Key             string         `json:"key"`
	LocalPath       string         `json:"localPath"`
	FileSize        int64          `json:"fileSize"`
	DownloadedBytes int64          `json:"downloadedBytes"`
	Status          DownloadStatus `json:"status"`
	Progress        float64        `json:"progress"`
	Speed           float64        `json:"speed"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
