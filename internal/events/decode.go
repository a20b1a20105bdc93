package events

import (
	"encoding/json"
	"fmt"
)

func payloadFor(name string) any {
	switch name {
	case SyncPhase:
		return &SyncPhasePayload{}
	case SyncProgress:
		return &SyncProgressPayload{}
	case IndexingProgress:
		return &IndexingProgressPayload{}
	case CacheUpdated:
		return &CacheUpdatedPayload{}
	case PathsRemoved:
		return &PathsRemovedPayload{}
	case PathsCreated:
		return &PathsCreatedPayload{}
	case MoveProgress:
		return &MoveProgressPayload{}
	case MoveStatusChanged:
		return &MoveStatusPayload{}
	case MoveTaskDeleted, DownloadTaskDeleted:
		return &TaskDeletedPayload{}
	case MoveBatchOperation, DownloadBatchOperation:
		return &BatchOperationPayload{}
	case DownloadProgress:
		return &DownloadProgressPayload{}
	case DownloadStatusChanged:
		return &DownloadStatusPayload{}
	case UploadProgress:
		return &UploadProgressPayload{}
	case UploadStatusChanged:
		return &UploadStatusPayload{}
	case BatchMoveProgress, BatchDeleteProgress:
		return &BatchProgressPayload{}
	}
	return nil
}

// Decode rebuilds an event received as JSON. Known names get their typed
// payload by value, the same shape Publish was called with; unknown names
// keep the generic JSON value.
func Decode(name string, raw json.RawMessage) (Event, error) {
	p := payloadFor(name)
	if p == nil {
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return Event{}, fmt.Errorf("decode %s: %w", name, err)
			}
		}
		return Event{Name: name, Payload: v}, nil
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return Event{Name: name, Payload: deref(p)}, nil
}

func deref(p any) any {
	switch v := p.(type) {
	case *SyncPhasePayload:
		return *v
	case *SyncProgressPayload:
		return *v
	case *IndexingProgressPayload:
		return *v
	case *CacheUpdatedPayload:
		return *v
	case *PathsRemovedPayload:
		return *v
	case *PathsCreatedPayload:
		return *v
	case *MoveProgressPayload:
		return *v
	case *MoveStatusPayload:
		return *v
	case *TaskDeletedPayload:
		return *v
	case *BatchOperationPayload:
		return *v
	case *DownloadProgressPayload:
		return *v
	case *DownloadStatusPayload:
		return *v
	case *UploadProgressPayload:
		return *v
	case *UploadStatusPayload:
		return *v
	case *BatchProgressPayload:
		return *v
	}
	return p
}
