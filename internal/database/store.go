package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDuplicate 唯一约束冲突
	ErrDuplicate = errors.New("database: duplicate key")
	// ErrNotFound 按主键更新或删除时记录不存在
	ErrNotFound = errors.New("database: record not found")
	// ErrAckRegression 分块确认数只能递增
	ErrAckRegression = errors.New("database: chunks acknowledged cannot regress")
)

// EventFilter 审计事件查询条件
type EventFilter struct {
	WorkItemID int
	Severity   Severity
	Limit      int
}

// JobFilter 任务查询条件
type JobFilter struct {
	WorkItemID int
	Status     JobStatus
	Limit      int
}

// MetadataStore 元数据存储
// 所有 Find 方法在未命中时返回 (nil, nil)
type MetadataStore interface {
	FindRecordByHash(ctx context.Context, sha256 string) (*AttachmentRecord, error)
	FindRecordByID(ctx context.Context, id string) (*AttachmentRecord, error)
	FindRecordByAttachmentID(ctx context.Context, attachmentID string) (*AttachmentRecord, error)
	CreateRecord(ctx context.Context, record *AttachmentRecord) error
	UpdateRecord(ctx context.Context, id string, updates map[string]interface{}) error
	SoftDeleteRecord(ctx context.Context, id string) error
	ListRecordsByWorkItem(ctx context.Context, workItemID int) ([]AttachmentRecord, error)

	UpsertLink(ctx context.Context, link *AttachmentLink) error
	ListLinks(ctx context.Context, workItemID int) ([]AttachmentLink, error)
	DeleteLink(ctx context.Context, workItemID int, attachmentID string) error
	CountLinksForRecord(ctx context.Context, recordID string) (int64, error)

	CreateSession(ctx context.Context, session *ChunkedUploadSession) error
	FindSession(ctx context.Context, sessionID string) (*ChunkedUploadSession, error)
	FindSessionByContent(ctx context.Context, workItemID int, sha256 string) (*ChunkedUploadSession, error)
	AdvanceSession(ctx context.Context, sessionID string, acknowledged int) error
	UpdateSessionState(ctx context.Context, sessionID string, state SessionState) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListExpiredSessions(ctx context.Context, now time.Time) ([]ChunkedUploadSession, error)

	EnqueueJob(ctx context.Context, job *SyncJob) (*SyncJob, bool, error)
	ClaimNextJob(ctx context.Context) (*SyncJob, error)
	FinishJob(ctx context.Context, id string, status JobStatus, lastError string) error
	RequeueJob(ctx context.Context, id string, lastError string, refundAttempt bool) error
	ResetRunningJobs(ctx context.Context) (int64, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]SyncJob, error)

	AppendEvent(ctx context.Context, event *SyncEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]SyncEvent, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore 基于gorm的元数据存储
func NewGormStore(db *gorm.DB) MetadataStore {
	return &gormStore{db: db}
}

// translate 将唯一约束冲突统一为 ErrDuplicate
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "Duplicate entry") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func firstOrNil[T any](tx *gorm.DB) (*T, error) {
	var out T
	err := tx.First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *gormStore) FindRecordByHash(ctx context.Context, sha256 string) (*AttachmentRecord, error) {
	return firstOrNil[AttachmentRecord](s.db.WithContext(ctx).Where("sha256 = ?", sha256))
}

func (s *gormStore) FindRecordByID(ctx context.Context, id string) (*AttachmentRecord, error) {
	return firstOrNil[AttachmentRecord](s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *gormStore) FindRecordByAttachmentID(ctx context.Context, attachmentID string) (*AttachmentRecord, error) {
	return firstOrNil[AttachmentRecord](s.db.WithContext(ctx).Where("LOWER(attachment_id) = LOWER(?)", attachmentID))
}

func (s *gormStore) CreateRecord(ctx context.Context, record *AttachmentRecord) error {
	return translate(s.db.WithContext(ctx).Create(record).Error)
}

func (s *gormStore) UpdateRecord(ctx context.Context, id string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&AttachmentRecord{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) SoftDeleteRecord(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&AttachmentRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecordsByWorkItem 工作项拥有或关联的全部附件
func (s *gormStore) ListRecordsByWorkItem(ctx context.Context, workItemID int) ([]AttachmentRecord, error) {
	linked := s.db.Model(&AttachmentLink{}).Select("record_id").Where("work_item_id = ?", workItemID)
	var records []AttachmentRecord
	err := s.db.WithContext(ctx).
		Where("work_item_id = ? OR id IN (?)", workItemID, linked).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// UpsertLink 已存在相同 (work_item_id, attachment_id) 时不做任何修改
func (s *gormStore) UpsertLink(ctx context.Context, link *AttachmentLink) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(link).Error
}

func (s *gormStore) ListLinks(ctx context.Context, workItemID int) ([]AttachmentLink, error) {
	var links []AttachmentLink
	err := s.db.WithContext(ctx).Where("work_item_id = ?", workItemID).Order("id ASC").Find(&links).Error
	return links, err
}

func (s *gormStore) DeleteLink(ctx context.Context, workItemID int, attachmentID string) error {
	return s.db.WithContext(ctx).
		Where("work_item_id = ? AND attachment_id = ?", workItemID, attachmentID).
		Delete(&AttachmentLink{}).Error
}

func (s *gormStore) CountLinksForRecord(ctx context.Context, recordID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&AttachmentLink{}).Where("record_id = ?", recordID).Count(&n).Error
	return n, err
}

func (s *gormStore) CreateSession(ctx context.Context, session *ChunkedUploadSession) error {
	return translate(s.db.WithContext(ctx).Create(session).Error)
}

func (s *gormStore) FindSession(ctx context.Context, sessionID string) (*ChunkedUploadSession, error) {
	return firstOrNil[ChunkedUploadSession](s.db.WithContext(ctx).Where("session_id = ?", sessionID))
}

func (s *gormStore) FindSessionByContent(ctx context.Context, workItemID int, sha256 string) (*ChunkedUploadSession, error) {
	return firstOrNil[ChunkedUploadSession](s.db.WithContext(ctx).Where("work_item_id = ? AND sha256 = ?", workItemID, sha256))
}

// AdvanceSession 条件更新保证确认数只增不减且不超过总分块数
func (s *gormStore) AdvanceSession(ctx context.Context, sessionID string, acknowledged int) error {
	result := s.db.WithContext(ctx).Model(&ChunkedUploadSession{}).
		Where("session_id = ? AND chunks_acknowledged < ? AND total_chunks >= ?", sessionID, acknowledged, acknowledged).
		Updates(map[string]interface{}{
			"chunks_acknowledged": acknowledged,
			"state":               SessionTransferring,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	existing, err := s.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: session %s at %d/%d, got %d", ErrAckRegression, sessionID, existing.ChunksAcknowledged, existing.TotalChunks, acknowledged)
}

func (s *gormStore) UpdateSessionState(ctx context.Context, sessionID string, state SessionState) error {
	result := s.db.WithContext(ctx).Model(&ChunkedUploadSession{}).
		Where("session_id = ?", sessionID).
		Update("state", state)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&ChunkedUploadSession{}).Error
}

func (s *gormStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]ChunkedUploadSession, error) {
	var sessions []ChunkedUploadSession
	err := s.db.WithContext(ctx).Where("expires_at < ?", now).Find(&sessions).Error
	return sessions, err
}

// EnqueueJob 入队同步任务
// 同一工作项、同一类型、同一附件仍在排队的任务只保留一个，返回值 bool 表示是否合并到已有任务
// sqlite 与 postgres 上由部分唯一索引兜底并发入队
func (s *gormStore) EnqueueJob(ctx context.Context, job *SyncJob) (*SyncJob, bool, error) {
	existing, err := s.findQueuedJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	if job.Status == "" {
		job.Status = JobQueued
	}
	err = translate(s.db.WithContext(ctx).Create(job).Error)
	if errors.Is(err, ErrDuplicate) {
		// 并发入队时另一方先写入
		existing, findErr := s.findQueuedJob(ctx, job)
		if findErr == nil && existing != nil {
			return existing, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func (s *gormStore) findQueuedJob(ctx context.Context, job *SyncJob) (*SyncJob, error) {
	tx := s.db.WithContext(ctx).
		Where("work_item_id = ? AND job_type = ? AND status = ?", job.WorkItemID, job.JobType, JobQueued)
	if job.AttachmentID == nil {
		tx = tx.Where("attachment_id IS NULL")
	} else {
		tx = tx.Where("attachment_id = ?", *job.AttachmentID)
	}
	return firstOrNil[SyncJob](tx.Order("created_at ASC"))
}

// ClaimNextJob 以条件更新认领优先级最高的排队任务，没有任务时返回 (nil, nil)
func (s *gormStore) ClaimNextJob(ctx context.Context) (*SyncJob, error) {
	for i := 0; i < 3; i++ {
		candidate, err := firstOrNil[SyncJob](s.db.WithContext(ctx).
			Where("status = ?", JobQueued).
			Order("priority ASC, created_at ASC"))
		if err != nil || candidate == nil {
			return nil, err
		}

		result := s.db.WithContext(ctx).Model(&SyncJob{}).
			Where("id = ? AND status = ?", candidate.ID, JobQueued).
			Updates(map[string]interface{}{
				"status":   JobRunning,
				"attempts": gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			candidate.Status = JobRunning
			candidate.Attempts++
			return candidate, nil
		}
		// 被其他 worker 抢先认领，重试
	}
	return nil, nil
}

func (s *gormStore) FinishJob(ctx context.Context, id string, status JobStatus, lastError string) error {
	result := s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob 把任务放回队列
// refundAttempt 为true时退还认领时计入的尝试次数，用于被取消而不是失败的任务
// 已有相同任务在排队时本任务直接结束，由排队的任务执行
func (s *gormStore) RequeueJob(ctx context.Context, id string, lastError string, refundAttempt bool) error {
	updates := map[string]interface{}{
		"status":     JobQueued,
		"last_error": lastError,
	}
	if refundAttempt {
		updates["attempts"] = gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END")
	}
	result := s.db.WithContext(ctx).Model(&SyncJob{}).Where("id = ?", id).Updates(updates)
	if err := translate(result.Error); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.FinishJob(ctx, id, JobDone, "merged into queued job")
		}
		return err
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetRunningJobs 进程重启后把中断的任务放回队列，不计入尝试次数
func (s *gormStore) ResetRunningJobs(ctx context.Context) (int64, error) {
	var running []SyncJob
	if err := s.db.WithContext(ctx).Where("status = ?", JobRunning).Find(&running).Error; err != nil {
		return 0, err
	}
	var n int64
	for _, job := range running {
		if err := s.RequeueJob(ctx, job.ID, "interrupted", true); err != nil {
			return n, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *gormStore) ListJobs(ctx context.Context, filter JobFilter) ([]SyncJob, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if filter.WorkItemID > 0 {
		tx = tx.Where("work_item_id = ?", filter.WorkItemID)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", filter.Status)
	}
	tx = tx.Limit(clampLimit(filter.Limit))

	var jobs []SyncJob
	err := tx.Find(&jobs).Error
	return jobs, err
}

func (s *gormStore) AppendEvent(ctx context.Context, event *SyncEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *gormStore) ListEvents(ctx context.Context, filter EventFilter) ([]SyncEvent, error) {
	tx := s.db.WithContext(ctx).Order("occurred_at DESC, id DESC")
	if filter.WorkItemID > 0 {
		tx = tx.Where("work_item_id = ?", filter.WorkItemID)
	}
	if filter.Severity != "" {
		tx = tx.Where("severity = ?", filter.Severity)
	}
	tx = tx.Limit(clampLimit(filter.Limit))

	var events []SyncEvent
	err := tx.Find(&events).Error
	return events, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
