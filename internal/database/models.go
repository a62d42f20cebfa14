// Package database 定义了附件同步引擎的持久化模型与元数据存储
// 包含附件记录、工作项关联、分块上传会话、同步任务和审计事件
package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncStatus 附件同步状态
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "PENDING" // 已上传，尚未关联到工作项
	SyncStatusSynced  SyncStatus = "SYNCED"  // 已关联或已从远程拉取
	SyncStatusFailed  SyncStatus = "FAILED"  // 不可恢复的失败
)

// AttachmentSource 附件来源
type AttachmentSource string

const (
	SourceLocal  AttachmentSource = "LOCAL"
	SourceRemote AttachmentSource = "REMOTE"
)

// AttachmentRecord 系统已知的每个附件文件
// 非删除记录中 sha256 唯一，相同内容的第二次上传解析为已有记录
type AttachmentRecord struct {
	ID            string           `gorm:"primaryKey;size:36" json:"id"`                       // 本地记录ID（UUID）
	WorkItemID    int              `gorm:"index" json:"work_item_id"`                          // 所属工作项，0表示尚未关联
	AttachmentID  string           `gorm:"size:64;index" json:"attachment_id"`                 // 远程分配的附件ID
	SHA256        string           `gorm:"column:sha256;not null;size:64;index" json:"sha256"` // 内容哈希
	FileName      string           `gorm:"not null;size:255" json:"file_name"`                 // 文件名
	FileSizeBytes int64            `gorm:"not null" json:"file_size_bytes"`                    // 文件大小
	Source        AttachmentSource `gorm:"not null;size:10" json:"source"`                     // LOCAL / REMOTE
	RemoteURL     string           `gorm:"size:1000" json:"remote_url"`                        // 远程附件URL，用于关联
	LocalPath     string           `gorm:"size:500" json:"local_path"`                         // 本地副本在对象存储中的key
	SyncStatus    SyncStatus       `gorm:"not null;size:10;index" json:"sync_status"`          // PENDING / SYNCED / FAILED
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeletedAt     gorm.DeletedAt   `gorm:"index" json:"-"`
}

// TableName 表名
func (AttachmentRecord) TableName() string {
	return "attachment_records"
}

// BeforeCreate 生成记录ID
func (r *AttachmentRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// AttachmentLink 工作项对附件的引用
// 同一内容被多个工作项引用时只有一条 AttachmentRecord，每个引用一条 AttachmentLink
type AttachmentLink struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	WorkItemID   int       `gorm:"not null;uniqueIndex:uidx_attachment_links_wi_att" json:"work_item_id"`
	AttachmentID string    `gorm:"not null;size:64;uniqueIndex:uidx_attachment_links_wi_att" json:"attachment_id"`
	RecordID     string    `gorm:"not null;size:36;index" json:"record_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 表名
func (AttachmentLink) TableName() string {
	return "attachment_links"
}

// SessionState 分块上传会话状态
type SessionState string

const (
	SessionCreated      SessionState = "CREATED"
	SessionTransferring SessionState = "TRANSFERRING"
	SessionFinalizing   SessionState = "FINALIZING"
	SessionComplete     SessionState = "COMPLETE"
	SessionFailed       SessionState = "FAILED"
)

// Terminal 是否为终止状态
func (s SessionState) Terminal() bool {
	return s == SessionComplete || s == SessionFailed
}

// ChunkedUploadSession 可续传的分块上传会话
// ChunksAcknowledged 单调不减且不超过 TotalChunks；同一 (work_item_id, sha256) 只允许一个会话
type ChunkedUploadSession struct {
	SessionID          string       `gorm:"primaryKey;size:36" json:"session_id"`
	WorkItemID         int          `gorm:"not null;uniqueIndex:uidx_chunked_sessions_wi_sha" json:"work_item_id"`
	SHA256             string       `gorm:"column:sha256;not null;size:64;uniqueIndex:uidx_chunked_sessions_wi_sha" json:"sha256"`
	FileName           string       `gorm:"not null;size:255" json:"file_name"`
	TotalSizeBytes     int64        `gorm:"not null" json:"total_size_bytes"`
	ChunkSizeBytes     int64        `gorm:"not null" json:"chunk_size_bytes"`
	TotalChunks        int          `gorm:"not null" json:"total_chunks"`
	ChunksAcknowledged int          `gorm:"not null;default:0" json:"chunks_acknowledged"`
	State              SessionState `gorm:"not null;size:16" json:"state"`
	ExpiresAt          time.Time    `gorm:"index" json:"expires_at"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// TableName 表名
func (ChunkedUploadSession) TableName() string {
	return "chunked_upload_sessions"
}

// Expired 会话是否已过期
func (s *ChunkedUploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ChunkRange 第 index 个分块的闭区间字节范围
func (s *ChunkedUploadSession) ChunkRange(index int) (start, end int64) {
	start = int64(index) * s.ChunkSizeBytes
	end = start + s.ChunkSizeBytes - 1
	if end >= s.TotalSizeBytes {
		end = s.TotalSizeBytes - 1
	}
	return start, end
}

// JobType 同步任务类型
type JobType string

const (
	JobDownload  JobType = "DOWNLOAD"
	JobReconcile JobType = "RECONCILE"
)

// JobStatus 同步任务状态
type JobStatus string

const (
	JobQueued  JobStatus = "QUEUED"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// SyncJob 由通知产生的入站任务，priority 越小越先执行
type SyncJob struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	WorkItemID   int       `gorm:"not null;index" json:"work_item_id"`
	AttachmentID *string   `gorm:"size:64" json:"attachment_id,omitempty"` // 为空表示整个工作项重新同步
	JobType      JobType   `gorm:"not null;size:16" json:"job_type"`
	Status       JobStatus `gorm:"not null;size:16;index:idx_sync_jobs_claim,priority:1" json:"status"`
	Priority     int       `gorm:"not null;default:100;index:idx_sync_jobs_claim,priority:2" json:"priority"`
	Payload      string    `gorm:"type:text" json:"payload,omitempty"`
	Attempts     int       `gorm:"not null;default:0" json:"attempts"`
	LastError    string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time `gorm:"index:idx_sync_jobs_claim,priority:3" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName 表名
func (SyncJob) TableName() string {
	return "sync_jobs"
}

// BeforeCreate 生成任务ID
func (j *SyncJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// Severity 事件级别
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// EventSource 事件来源
type EventSource string

const (
	SourceWebhook EventSource = "WEBHOOK"
	SourceAPI     EventSource = "API"
	SourceSystem  EventSource = "SYSTEM"
)

// SyncEvent 只追加的审计事件，写入后不修改不删除
type SyncEvent struct {
	ID           uint        `gorm:"primarykey" json:"id"`
	EventType    string      `gorm:"not null;size:40;index" json:"event_type"`
	WorkItemID   int         `gorm:"index" json:"work_item_id"`
	AttachmentID string      `gorm:"size:64" json:"attachment_id,omitempty"`
	Message      string      `gorm:"type:text" json:"message"`
	Severity     Severity    `gorm:"not null;size:8" json:"severity"`
	Source       EventSource `gorm:"not null;size:10" json:"source"`
	OccurredAt   time.Time   `gorm:"not null;index" json:"occurred_at"`
}

// TableName 表名
func (SyncEvent) TableName() string {
	return "sync_events"
}
