package database

import (
	"context"

	"github.com/weiwangfds/attachsync/internal/logger"
)

// 审计事件类型
const (
	EventUploaded         = "UPLOADED"
	EventDuplicateUpload  = "DUPLICATE_UPLOAD"
	EventUploadFailed     = "UPLOAD_FAILED"
	EventBlobStoreFailed  = "BLOB_STORE_FAILED"
	EventLinked           = "LINKED"
	EventLinkFailed       = "LINK_FAILED"
	EventDownloaded       = "DOWNLOADED"
	EventDownloadFailed   = "DOWNLOAD_FAILED"
	EventRemoteDeleted    = "REMOTE_DELETED"
	EventReconciled       = "RECONCILED"
	EventReconcileFailed  = "RECONCILE_FAILED"
	EventWebhookReceived  = "WEBHOOK_RECEIVED"
	EventWebhookRejected  = "WEBHOOK_REJECTED"
	EventJobFailed        = "JOB_FAILED"
	EventSessionAbandoned = "SESSION_ABANDONED"
)

// RecordEvent 追加审计事件，写入失败只记日志，不影响调用方的结果
func RecordEvent(ctx context.Context, store MetadataStore, event *SyncEvent) {
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Source == "" {
		event.Source = SourceSystem
	}
	if err := store.AppendEvent(ctx, event); err != nil {
		logger.Warnf("[审计] 写入事件失败: %s, 工作项: %d, 错误: %v", event.EventType, event.WorkItemID, err)
	}
}
