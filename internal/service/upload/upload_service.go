// Package service 附件上传编排
// 一次上传依次经过: 校验、计算哈希并加锁、去重检查、单次或分块传输、写入记录、保存本地副本
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/weiwangfds/attachsync/internal/database"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/remote"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	chunked "github.com/weiwangfds/attachsync/internal/service/chunked"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
)

// Payload 待上传内容，需要可重复读取以支持哈希、分块和最终提交
type Payload interface {
	io.ReaderAt
	Size() int64
}

// BytesPayload 内存中的内容
func BytesPayload(data []byte) Payload {
	return bytes.NewReader(data)
}

// SectionPayload 任意 io.ReaderAt 的前 size 字节，用于 multipart 文件
func SectionPayload(r io.ReaderAt, size int64) Payload {
	return io.NewSectionReader(r, 0, size)
}

type filePayload struct {
	afero.File
	size int64
}

func (f filePayload) Size() int64 { return f.size }

// FilePayload 暂存文件，调用方负责关闭
func FilePayload(f afero.File) (Payload, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat spool file: %w", err)
	}
	return filePayload{File: f, size: info.Size()}, nil
}

// Result 上传结果
type Result struct {
	Record      *database.AttachmentRecord
	IsDuplicate bool
	// OriginalWorkItemID 重复上传时原记录所属的工作项
	OriginalWorkItemID int
}

// Config 上传限制
type Config struct {
	MaxSizeBytes        int64
	ChunkThresholdBytes int64
}

// UploadService 上传编排接口
type UploadService interface {
	// Upload 上传附件，不做关联
	// 参数:
	//   - content: 文件内容
	//   - fileName: 文件名
	//   - workItemID: 目标工作项，0 表示暂不指定
	// 返回值:
	//   - *Result: 新记录，或相同内容已有的记录（IsDuplicate=true，不传输任何字节）
	//   - error: *apperrors.AppError
	Upload(ctx context.Context, content Payload, fileName string, workItemID int) (*Result, error)
}

type uploadService struct {
	store   database.MetadataStore
	api     remote.API
	chunked chunked.ChunkedService
	index   dedup.DedupIndex
	blobs   blob.Store
	cfg     Config
}

// NewUploadService 创建上传编排服务
// 参数:
//   - store: 元数据存储
//   - api: 远程接口
//   - chunkedSvc: 分块上传服务
//   - index: 去重索引
//   - blobs: 本地副本存储，为nil时不保存副本
//   - cfg: 大小限制与分块阈值
func NewUploadService(store database.MetadataStore, api remote.API, chunkedSvc chunked.ChunkedService, index dedup.DedupIndex, blobs blob.Store, cfg Config) UploadService {
	if cfg.ChunkThresholdBytes <= 0 {
		cfg.ChunkThresholdBytes = 5 << 20
	}
	return &uploadService{store: store, api: api, chunked: chunkedSvc, index: index, blobs: blobs, cfg: cfg}
}

func (s *uploadService) Upload(ctx context.Context, content Payload, fileName string, workItemID int) (*Result, error) {
	size := content.Size()
	switch {
	case fileName == "":
		return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("file name is required")
	case size <= 0:
		return nil, apperrors.New(apperrors.ErrFileEmpty, "")
	case s.cfg.MaxSizeBytes > 0 && size > s.cfg.MaxSizeBytes:
		return nil, apperrors.New(apperrors.ErrFileSizeTooLarge, "").
			WithDetails(fmt.Sprintf("%d bytes exceeds limit of %d", size, s.cfg.MaxSizeBytes))
	}

	logger.Infof("[上传编排] 开始上传: %s, 大小: %d, 工作项: %d", fileName, size, workItemID)

	digest, err := dedup.HashReaderAt(content, size)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrFileReadFailed, "", err)
	}

	unlock, err := s.index.Lock(ctx, digest)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUploadInProgress, "", err)
	}
	defer unlock()

	existing, err := s.index.FindByHash(ctx, digest)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}
	if existing != nil {
		return s.duplicate(ctx, existing, fileName, workItemID), nil
	}

	att, err := s.transfer(ctx, content, size, fileName, workItemID, digest)
	if err != nil {
		logger.Errorf("[上传编排] 上传失败: %s, %s", fileName, remote.StatusText(err))
		database.RecordEvent(ctx, s.store, &database.SyncEvent{
			EventType:  database.EventUploadFailed,
			WorkItemID: workItemID,
			Message:    fmt.Sprintf("upload %s failed: %v", fileName, err),
			Severity:   database.SeverityError,
			Source:     database.SourceAPI,
		})
		return nil, apperrors.FromRemote(err, apperrors.ErrFileUploadFailed)
	}

	record := &database.AttachmentRecord{
		WorkItemID:    workItemID,
		AttachmentID:  att.ID,
		SHA256:        digest,
		FileName:      fileName,
		FileSizeBytes: size,
		Source:        database.SourceLocal,
		RemoteURL:     att.URL,
		SyncStatus:    database.SyncStatusPending,
		LocalPath:     s.keepCopy(ctx, content, size, digest, workItemID, att.ID),
	}
	if err := s.store.CreateRecord(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// 其他进程先写入了相同内容
			winner, findErr := s.store.FindRecordByHash(ctx, digest)
			if findErr == nil && winner != nil {
				return s.duplicate(ctx, winner, fileName, workItemID), nil
			}
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabaseInsert, "", err)
	}

	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:    database.EventUploaded,
		WorkItemID:   workItemID,
		AttachmentID: att.ID,
		Message:      fmt.Sprintf("uploaded %s (%d bytes)", fileName, size),
		Source:       database.SourceAPI,
	})
	logger.Infof("[上传编排] 上传完成: %s, 附件ID: %s, 记录ID: %s", fileName, att.ID, record.ID)
	return &Result{Record: record}, nil
}

// transfer 不超过阈值时单次上传，否则走分块会话
func (s *uploadService) transfer(ctx context.Context, content Payload, size int64, fileName string, workItemID int, digest string) (*remote.Attachment, error) {
	if size <= s.cfg.ChunkThresholdBytes {
		return s.api.CreateAttachment(ctx, fileName, content, size)
	}
	session, err := s.chunked.CreateSession(ctx, workItemID, fileName, size, digest)
	if err != nil {
		return nil, err
	}
	return s.chunked.Transfer(ctx, session, content, digest)
}

// keepCopy 保存本地副本并返回对象键，失败只记录告警
func (s *uploadService) keepCopy(ctx context.Context, content Payload, size int64, digest string, workItemID int, attachmentID string) string {
	if s.blobs == nil {
		return ""
	}
	key := blob.Key(digest)
	if err := s.blobs.Put(ctx, key, io.NewSectionReader(content, 0, size), size, ""); err != nil {
		logger.Warnf("[上传编排] 保存本地副本失败: %s, 错误: %v", key, err)
		database.RecordEvent(ctx, s.store, &database.SyncEvent{
			EventType:    database.EventBlobStoreFailed,
			WorkItemID:   workItemID,
			AttachmentID: attachmentID,
			Message:      err.Error(),
			Severity:     database.SeverityWarn,
			Source:       database.SourceAPI,
		})
		return ""
	}
	return key
}

func (s *uploadService) duplicate(ctx context.Context, existing *database.AttachmentRecord, fileName string, workItemID int) *Result {
	logger.Infof("[上传编排] 内容已存在: %s, 记录ID: %s, 原工作项: %d", fileName, existing.ID, existing.WorkItemID)
	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:    database.EventDuplicateUpload,
		WorkItemID:   workItemID,
		AttachmentID: existing.AttachmentID,
		Message:      fmt.Sprintf("%s matches existing record %s of work item %d", fileName, existing.ID, existing.WorkItemID),
		Source:       database.SourceAPI,
	})
	return &Result{Record: existing, IsDuplicate: true, OriginalWorkItemID: existing.WorkItemID}
}
