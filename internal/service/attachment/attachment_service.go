// Package service 附件同步引擎的统一入口
// HTTP处理器与命令行只依赖这里，内部组合上传编排、关联、入站同步与分块传输
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/weiwangfds/attachsync/internal/database"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/remote"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	chunked "github.com/weiwangfds/attachsync/internal/service/chunked"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
	link "github.com/weiwangfds/attachsync/internal/service/link"
	reconcile "github.com/weiwangfds/attachsync/internal/service/reconcile"
	upload "github.com/weiwangfds/attachsync/internal/service/upload"
)

// 上传结果状态
const (
	StatusUploaded          = "uploaded"
	StatusUploadedAndLinked = "uploaded_and_linked"
)

// UploadRequest 上传请求
type UploadRequest struct {
	Content  upload.Payload
	FileName string
	// WorkItemID 不为空时上传后立即关联
	WorkItemID *int
	Comment    string
}

// UploadOutcome 上传结果
type UploadOutcome struct {
	Status             string                     `json:"status"`
	Record             *database.AttachmentRecord `json:"record"`
	IsDuplicate        bool                       `json:"is_duplicate"`
	OriginalWorkItemID int                        `json:"original_work_item_id,omitempty"`
	AlreadyLinked      bool                       `json:"already_linked,omitempty"`
}

// Download 附件内容，调用方负责关闭 Body
type Download struct {
	Body     io.ReadCloser
	FileName string
	Size     int64
	// Cached 内容来自本地副本
	Cached bool
}

// ReconcileOutcome 同步结果，异步时只返回任务ID
type ReconcileOutcome struct {
	Async     bool              `json:"async"`
	JobID     string            `json:"job_id,omitempty"`
	Coalesced bool              `json:"coalesced,omitempty"`
	Result    *reconcile.Result `json:"result,omitempty"`
}

// Deps 门面依赖的服务
type Deps struct {
	Store      database.MetadataStore
	API        remote.API
	Uploader   upload.UploadService
	Linker     link.LinkService
	Reconciler reconcile.ReconcileService
	Chunked    chunked.ChunkedService
	Blobs      blob.Store
	// Notify 异步同步任务入队后唤醒后台任务，可为nil
	Notify  func()
	SpoolFs afero.Fs
	// SpoolDir 下载缓存时的暂存目录
	SpoolDir string
}

// AttachmentService 附件同步门面
type AttachmentService interface {
	// Upload 上传附件，指定工作项时一并关联
	// 返回值:
	//   - *UploadOutcome: Status 为 uploaded 或 uploaded_and_linked
	//   - error: *apperrors.AppError；关联失败时附件已上传，记录保持 PENDING
	Upload(ctx context.Context, req UploadRequest) (*UploadOutcome, error)

	// Link 把已上传的附件关联到工作项
	Link(ctx context.Context, attachmentID string, workItemID int, comment string) (*link.LinkResult, error)

	// List 工作项的全部附件记录，包括按内容复用的记录
	List(ctx context.Context, workItemID int) ([]database.AttachmentRecord, error)

	// Download 优先读取本地副本，没有时从远程下载并缓存
	Download(ctx context.Context, attachmentID string) (*Download, error)

	// Reconcile 从远程同步工作项附件；async 为 true 时入队后立即返回
	Reconcile(ctx context.Context, workItemID int, async bool) (*ReconcileOutcome, error)

	// AbandonSession 取消分块上传会话
	AbandonSession(ctx context.Context, sessionID string) error

	// Events 审计事件
	Events(ctx context.Context, filter database.EventFilter) ([]database.SyncEvent, error)

	// Jobs 同步任务队列
	Jobs(ctx context.Context, filter database.JobFilter) ([]database.SyncJob, error)
}

type attachmentService struct {
	Deps
}

// NewAttachmentService 创建门面
func NewAttachmentService(deps Deps) AttachmentService {
	if deps.Notify == nil {
		deps.Notify = func() {}
	}
	if deps.SpoolFs == nil {
		deps.SpoolFs = afero.NewOsFs()
	}
	if deps.SpoolDir == "" {
		deps.SpoolDir = os.TempDir()
	}
	return &attachmentService{Deps: deps}
}

func (s *attachmentService) Upload(ctx context.Context, req UploadRequest) (*UploadOutcome, error) {
	workItemID := 0
	if req.WorkItemID != nil {
		if *req.WorkItemID <= 0 {
			return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("work_item_id must be positive")
		}
		workItemID = *req.WorkItemID
	}

	res, err := s.Uploader.Upload(ctx, req.Content, req.FileName, workItemID)
	if err != nil {
		return nil, err
	}

	outcome := &UploadOutcome{
		Status:             StatusUploaded,
		Record:             res.Record,
		IsDuplicate:        res.IsDuplicate,
		OriginalWorkItemID: res.OriginalWorkItemID,
	}
	if workItemID == 0 {
		return outcome, nil
	}

	linked, err := s.Linker.Link(ctx, workItemID, res.Record, req.Comment)
	if err != nil {
		logger.Warnf("[附件] 附件 %s 已上传, 关联工作项 %d 失败: %v", res.Record.AttachmentID, workItemID, err)
		return nil, err
	}
	outcome.Status = StatusUploadedAndLinked
	outcome.Record = linked.Record
	outcome.AlreadyLinked = linked.AlreadyLinked
	return outcome, nil
}

func (s *attachmentService) Link(ctx context.Context, attachmentID string, workItemID int, comment string) (*link.LinkResult, error) {
	return s.Linker.LinkByAttachmentID(ctx, workItemID, attachmentID, comment)
}

func (s *attachmentService) List(ctx context.Context, workItemID int) ([]database.AttachmentRecord, error) {
	if workItemID <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("work item id must be positive")
	}
	records, err := s.Store.ListRecordsByWorkItem(ctx, workItemID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}
	return records, nil
}

func (s *attachmentService) Download(ctx context.Context, attachmentID string) (*Download, error) {
	if attachmentID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("attachment id is required")
	}
	record, err := s.Store.FindRecordByAttachmentID(ctx, attachmentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}

	if record != nil && record.LocalPath != "" && s.Blobs != nil {
		rc, err := s.Blobs.Get(ctx, record.LocalPath)
		if err == nil {
			return &Download{Body: rc, FileName: record.FileName, Size: record.FileSizeBytes, Cached: true}, nil
		}
		logger.Warnf("[附件] 读取本地副本失败, 改为远程下载: %s, 错误: %v", record.LocalPath, err)
	}

	dl, err := s.API.DownloadAttachment(ctx, attachmentID)
	if err != nil {
		logger.Errorf("[附件] 下载附件失败: %s, %s", attachmentID, remote.StatusText(err))
		return nil, apperrors.FromRemote(err, apperrors.ErrRemoteRequestFailed)
	}

	fileName := dl.FileName
	if record != nil {
		fileName = record.FileName
	}
	if fileName == "" {
		fileName = attachmentID
	}
	if record == nil || s.Blobs == nil {
		return &Download{Body: dl.Body, FileName: fileName, Size: dl.Size}, nil
	}
	return s.cache(ctx, record, dl, fileName)
}

// cache 远程内容写入暂存文件，哈希与记录一致时保存副本
func (s *attachmentService) cache(ctx context.Context, record *database.AttachmentRecord, dl *remote.Download, fileName string) (*Download, error) {
	defer dl.Body.Close()

	spool, err := afero.TempFile(s.SpoolFs, s.SpoolDir, "attachsync-cache-*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrFileReadFailed, "", err)
	}
	body := &spoolFile{File: spool, fs: s.SpoolFs}

	digest, size, err := dedup.Hash(io.TeeReader(dl.Body, spool))
	if err != nil {
		body.Close()
		return nil, apperrors.Wrap(apperrors.ErrFileReadFailed, "", err)
	}

	if digest != record.SHA256 {
		logger.Warnf("[附件] 远程内容与记录哈希不一致, 不缓存: %s", record.AttachmentID)
	} else if _, err := spool.Seek(0, io.SeekStart); err == nil {
		key := blob.Key(digest)
		if err := s.Blobs.Put(ctx, key, spool, size, ""); err != nil {
			logger.Warnf("[附件] 缓存副本失败: %s, 错误: %v", key, err)
		} else if err := s.Store.UpdateRecord(ctx, record.ID, map[string]interface{}{"local_path": key}); err != nil {
			logger.Warnf("[附件] 更新副本路径失败: %s, 错误: %v", record.ID, err)
		} else {
			logger.Infof("[附件] 已缓存附件副本: %s -> %s", record.AttachmentID, key)
		}
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		body.Close()
		return nil, apperrors.Wrap(apperrors.ErrFileReadFailed, "", err)
	}
	return &Download{Body: body, FileName: fileName, Size: size}, nil
}

// spoolFile 关闭时删除暂存文件
type spoolFile struct {
	afero.File
	fs afero.Fs
}

func (f *spoolFile) Close() error {
	err := f.File.Close()
	if rmErr := f.fs.Remove(f.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (s *attachmentService) Reconcile(ctx context.Context, workItemID int, async bool) (*ReconcileOutcome, error) {
	if workItemID <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalidParams, "").WithDetails("work item id must be positive")
	}

	if !async {
		res, err := s.Reconciler.Reconcile(ctx, workItemID)
		if err != nil {
			return nil, err
		}
		return &ReconcileOutcome{Result: res}, nil
	}

	job, coalesced, err := s.Store.EnqueueJob(ctx, &database.SyncJob{
		WorkItemID: workItemID,
		JobType:    database.JobReconcile,
		Priority:   100,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseInsert, "", err)
	}
	if !coalesced {
		s.Notify()
	}
	logger.Infof("[附件] 工作项 %d 同步任务已排队: %s, 合并: %v", workItemID, job.ID, coalesced)
	return &ReconcileOutcome{Async: true, JobID: job.ID, Coalesced: coalesced}, nil
}

func (s *attachmentService) AbandonSession(ctx context.Context, sessionID string) error {
	err := s.Chunked.Abandon(ctx, sessionID)
	if err == nil {
		database.RecordEvent(ctx, s.Store, &database.SyncEvent{
			EventType: database.EventSessionAbandoned,
			Message:   fmt.Sprintf("chunked session %s abandoned", sessionID),
			Source:    database.SourceAPI,
		})
		return nil
	}
	if errors.Is(err, chunked.ErrSessionNotFound) {
		return apperrors.Wrap(apperrors.ErrSessionNotFound, "", err)
	}
	return apperrors.Wrap(apperrors.ErrInternalServer, "", err)
}

func (s *attachmentService) Events(ctx context.Context, filter database.EventFilter) ([]database.SyncEvent, error) {
	events, err := s.Store.ListEvents(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}
	return events, nil
}

func (s *attachmentService) Jobs(ctx context.Context, filter database.JobFilter) ([]database.SyncJob, error) {
	jobs, err := s.Store.ListJobs(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}
	return jobs, nil
}
