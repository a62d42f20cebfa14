// Package service 把已上传的附件关联到远程工作项
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/weiwangfds/attachsync/internal/database"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/transport"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
)

// LinkResult 关联结果
type LinkResult struct {
	Record *database.AttachmentRecord
	// AlreadyLinked 远程已存在该关系，没有发送PATCH
	AlreadyLinked bool
}

// LinkService 关联服务接口
type LinkService interface {
	// Link 关联附件到工作项，重复调用是幂等的
	// 参数:
	//   - workItemID: 工作项ID
	//   - record: 已上传的附件记录，需要有 RemoteURL
	//   - comment: 关系备注
	// 返回值:
	//   - *LinkResult: 关联结果，记录已更新为 SYNCED
	//   - error: *apperrors.AppError；凭据错误会把记录标记为 FAILED
	Link(ctx context.Context, workItemID int, record *database.AttachmentRecord, comment string) (*LinkResult, error)

	// LinkByAttachmentID 按远程附件ID查找记录后关联
	LinkByAttachmentID(ctx context.Context, workItemID int, attachmentID, comment string) (*LinkResult, error)
}

type linkService struct {
	store  database.MetadataStore
	api    remote.API
	locker dedup.Locker
}

// NewLinkService 创建关联服务
// 参数:
//   - store: 元数据存储
//   - api: 远程接口
//   - locker: 按 (工作项, 附件) 串行化，为nil时使用进程内锁
func NewLinkService(store database.MetadataStore, api remote.API, locker dedup.Locker) LinkService {
	if locker == nil {
		locker = dedup.NewLocalLocker()
	}
	return &linkService{store: store, api: api, locker: locker}
}

func (s *linkService) LinkByAttachmentID(ctx context.Context, workItemID int, attachmentID, comment string) (*LinkResult, error) {
	record, err := s.store.FindRecordByAttachmentID(ctx, attachmentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}
	if record == nil {
		return nil, apperrors.New(apperrors.ErrAttachmentNotFound, "").WithDetails(attachmentID)
	}
	return s.Link(ctx, workItemID, record, comment)
}

func (s *linkService) Link(ctx context.Context, workItemID int, record *database.AttachmentRecord, comment string) (*LinkResult, error) {
	if workItemID <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("work item id must be positive")
	}
	if record.RemoteURL == "" || record.AttachmentID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("record has not been uploaded")
	}

	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("link:%d:%s", workItemID, strings.ToLower(record.AttachmentID)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLinkFailed, "", err)
	}
	defer unlock()

	relations, err := s.api.GetRelations(ctx, workItemID)
	if err != nil {
		return nil, s.fail(ctx, workItemID, record, err)
	}

	already := hasRelation(relations, record)
	if !already {
		if comment == "" {
			comment = record.FileName
		}
		if err := s.api.AddAttachmentRelation(ctx, workItemID, record.RemoteURL, comment); err != nil {
			return nil, s.fail(ctx, workItemID, record, err)
		}
	}

	updates := map[string]interface{}{"sync_status": database.SyncStatusSynced}
	if record.WorkItemID == 0 {
		updates["work_item_id"] = workItemID
	}
	if err := s.store.UpdateRecord(ctx, record.ID, updates); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseUpdate, "", err)
	}
	record.SyncStatus = database.SyncStatusSynced
	if record.WorkItemID == 0 {
		record.WorkItemID = workItemID
	}

	if err := s.store.UpsertLink(ctx, &database.AttachmentLink{
		WorkItemID:   workItemID,
		AttachmentID: record.AttachmentID,
		RecordID:     record.ID,
	}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseInsert, "", err)
	}

	message := fmt.Sprintf("linked %s", record.FileName)
	if already {
		message = fmt.Sprintf("%s already linked remotely", record.FileName)
	}
	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:    database.EventLinked,
		WorkItemID:   workItemID,
		AttachmentID: record.AttachmentID,
		Message:      message,
		Source:       database.SourceAPI,
	})
	logger.Infof("[关联] 附件 %s 已关联到工作项 %d, 远程已存在: %v", record.AttachmentID, workItemID, already)
	return &LinkResult{Record: record, AlreadyLinked: already}, nil
}

// hasRelation URL 大小写不敏感比较，URL 形式不同时按附件ID比较
func hasRelation(relations []remote.Relation, record *database.AttachmentRecord) bool {
	for _, rel := range relations {
		if !strings.EqualFold(rel.Rel, remote.RelAttachedFile) {
			continue
		}
		if strings.EqualFold(rel.URL, record.RemoteURL) || strings.EqualFold(rel.AttachmentID(), record.AttachmentID) {
			return true
		}
	}
	return false
}

// fail 记录失败事件；凭据错误重试无意义，待关联的记录标记为 FAILED
// 已同步的记录关联到其他工作项失败时保持 SYNCED
func (s *linkService) fail(ctx context.Context, workItemID int, record *database.AttachmentRecord, err error) error {
	logger.Errorf("[关联] 附件 %s 关联到工作项 %d 失败: %s", record.AttachmentID, workItemID, remote.StatusText(err))

	if transport.IsAuthError(err) && s.stillPending(ctx, record) {
		if updateErr := s.store.UpdateRecord(ctx, record.ID, map[string]interface{}{"sync_status": database.SyncStatusFailed}); updateErr != nil {
			logger.Warnf("[关联] 标记记录失败状态出错: %s, 错误: %v", record.ID, updateErr)
		} else {
			record.SyncStatus = database.SyncStatusFailed
		}
	}

	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:    database.EventLinkFailed,
		WorkItemID:   workItemID,
		AttachmentID: record.AttachmentID,
		Message:      err.Error(),
		Severity:     database.SeverityError,
		Source:       database.SourceAPI,
	})
	return apperrors.FromRemote(err, apperrors.ErrLinkFailed)
}

// stillPending 以库中最新状态为准
func (s *linkService) stillPending(ctx context.Context, record *database.AttachmentRecord) bool {
	current, err := s.store.FindRecordByID(ctx, record.ID)
	if err != nil || current == nil {
		return record.SyncStatus == database.SyncStatusPending
	}
	record.SyncStatus = current.SyncStatus
	return current.SyncStatus == database.SyncStatusPending
}
