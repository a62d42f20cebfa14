// Package service 把远程工作项上的附件同步到本地
// 远程新增的附件下载并按内容去重；开启删除检测时，远程已移除的关联在本地同步删除
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/weiwangfds/attachsync/internal/database"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/transport"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
)

// ItemError 单个附件的同步失败
type ItemError struct {
	AttachmentID string `json:"attachment_id"`
	Error        string `json:"error"`
	// StatusCode 远程HTTP状态码，非远程错误为0
	StatusCode int `json:"status_code,omitempty"`
}

// Result 一次同步的汇总
type Result struct {
	WorkItemID    int         `json:"work_item_id"`
	Added         []string    `json:"added"`
	AlreadySynced []string    `json:"already_synced"`
	Deduplicated  []string    `json:"deduplicated"`
	Removed       []string    `json:"removed"`
	Errors        []ItemError `json:"errors"`
}

// Config 同步参数
type Config struct {
	// Concurrency 同时下载的附件数
	Concurrency int
	// DetectRemoteDeletions 远程移除的附件在本地同步删除
	DetectRemoteDeletions bool
	// SpoolFs 下载暂存的文件系统，为nil时使用操作系统文件系统
	SpoolFs afero.Fs
	// SpoolDir 下载暂存目录，为空时使用系统临时目录
	SpoolDir string
}

// ReconcileService 入站同步接口
type ReconcileService interface {
	// Reconcile 同步工作项的全部附件
	// 单个附件失败计入 Result.Errors 并继续；只有获取远程关系失败时返回错误
	Reconcile(ctx context.Context, workItemID int) (*Result, error)

	// ReconcileOne 只同步一个附件，失败时返回错误
	ReconcileOne(ctx context.Context, workItemID int, attachmentID string) (*Result, error)
}

type remoteItem struct {
	id   string
	name string
	url  string
}

type reconcileService struct {
	store database.MetadataStore
	api   remote.API
	index dedup.DedupIndex
	blobs blob.Store
	cfg   Config
}

// NewReconcileService 创建入站同步服务
// 参数:
//   - store: 元数据存储
//   - api: 远程接口
//   - index: 去重索引，与上传共用以串行化相同内容
//   - blobs: 本地副本存储，为nil时不保存副本
//   - cfg: 并发度与删除检测开关
func NewReconcileService(store database.MetadataStore, api remote.API, index dedup.DedupIndex, blobs blob.Store, cfg Config) ReconcileService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SpoolFs == nil {
		cfg.SpoolFs = afero.NewOsFs()
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	if err := cfg.SpoolFs.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		logger.Warnf("[入站同步] 创建暂存目录失败: %s, 错误: %v", cfg.SpoolDir, err)
	}
	return &reconcileService{store: store, api: api, index: index, blobs: blobs, cfg: cfg}
}

func (s *reconcileService) Reconcile(ctx context.Context, workItemID int) (*Result, error) {
	logger.Infof("[入站同步] 开始同步工作项 %d", workItemID)

	items, err := s.remoteItems(ctx, workItemID)
	if err != nil {
		return nil, err
	}

	result := &Result{WorkItemID: workItemID}
	pending, err := s.partition(ctx, workItemID, items, result)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, item := range pending {
		g.Go(func() error {
			deduplicated, err := s.pull(ctx, workItemID, item)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors = append(result.Errors, s.itemFailed(ctx, workItemID, item.id, err))
			case deduplicated:
				result.Deduplicated = append(result.Deduplicated, item.id)
			default:
				result.Added = append(result.Added, item.id)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.cfg.DetectRemoteDeletions {
		if err := s.removeDeleted(ctx, workItemID, items, result); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrReconcileFailed, "", err)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.AlreadySynced)
	sort.Strings(result.Deduplicated)
	sort.Strings(result.Removed)
	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].AttachmentID < result.Errors[j].AttachmentID })

	severity := database.SeverityInfo
	if len(result.Errors) > 0 {
		severity = database.SeverityWarn
	}
	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:  database.EventReconciled,
		WorkItemID: workItemID,
		Message: fmt.Sprintf("added=%d already_synced=%d deduplicated=%d removed=%d errors=%d",
			len(result.Added), len(result.AlreadySynced), len(result.Deduplicated), len(result.Removed), len(result.Errors)),
		Severity: severity,
	})
	logger.Infof("[入站同步] 工作项 %d 同步完成: 新增 %d, 已同步 %d, 去重 %d, 移除 %d, 失败 %d", workItemID,
		len(result.Added), len(result.AlreadySynced), len(result.Deduplicated), len(result.Removed), len(result.Errors))
	return result, nil
}

func (s *reconcileService) ReconcileOne(ctx context.Context, workItemID int, attachmentID string) (*Result, error) {
	items, err := s.remoteItems(ctx, workItemID)
	if err != nil {
		return nil, err
	}

	var target []remoteItem
	for _, item := range items {
		if strings.EqualFold(item.id, attachmentID) {
			target = append(target, item)
			break
		}
	}
	if len(target) == 0 {
		return nil, apperrors.New(apperrors.ErrRemoteNotFound, "").
			WithDetails(fmt.Sprintf("attachment %s is not on work item %d", attachmentID, workItemID))
	}

	result := &Result{WorkItemID: workItemID}
	pending, err := s.partition(ctx, workItemID, target, result)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseQuery, "", err)
	}
	for _, item := range pending {
		deduplicated, err := s.pull(ctx, workItemID, item)
		if err != nil {
			result.Errors = append(result.Errors, s.itemFailed(ctx, workItemID, item.id, err))
			return result, apperrors.FromRemote(err, apperrors.ErrReconcileFailed)
		}
		if deduplicated {
			result.Deduplicated = append(result.Deduplicated, item.id)
		} else {
			result.Added = append(result.Added, item.id)
		}
	}
	return result, nil
}

// remoteItems 远程工作项上的附件关系，按附件ID去重
func (s *reconcileService) remoteItems(ctx context.Context, workItemID int) ([]remoteItem, error) {
	relations, err := s.api.GetRelations(ctx, workItemID)
	if err != nil {
		logger.Errorf("[入站同步] 获取工作项 %d 的关系失败: %s", workItemID, remote.StatusText(err))
		database.RecordEvent(ctx, s.store, &database.SyncEvent{
			EventType:  database.EventReconcileFailed,
			WorkItemID: workItemID,
			Message:    err.Error(),
			Severity:   database.SeverityError,
		})
		return nil, apperrors.FromRemote(err, apperrors.ErrReconcileFailed)
	}

	seen := map[string]bool{}
	var items []remoteItem
	for _, rel := range relations {
		if !strings.EqualFold(rel.Rel, remote.RelAttachedFile) {
			continue
		}
		id := rel.AttachmentID()
		if id == "" || seen[strings.ToLower(id)] {
			continue
		}
		seen[strings.ToLower(id)] = true
		items = append(items, remoteItem{id: id, name: rel.Name(), url: rel.URL})
	}
	return items, nil
}

// partition 已知的附件计入 AlreadySynced，返回需要下载的附件
func (s *reconcileService) partition(ctx context.Context, workItemID int, items []remoteItem, result *Result) ([]remoteItem, error) {
	links, err := s.store.ListLinks(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	linked := map[string]bool{}
	for _, link := range links {
		linked[strings.ToLower(link.AttachmentID)] = true
	}

	var pending []remoteItem
	for _, item := range items {
		if linked[strings.ToLower(item.id)] {
			result.AlreadySynced = append(result.AlreadySynced, item.id)
			continue
		}

		record, err := s.store.FindRecordByAttachmentID(ctx, item.id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			pending = append(pending, item)
			continue
		}

		// 本地上传的附件在远程被关联，补上本地关联
		if err := s.adopt(ctx, workItemID, item.id, record); err != nil {
			return nil, err
		}
		result.AlreadySynced = append(result.AlreadySynced, item.id)
	}
	return pending, nil
}

func (s *reconcileService) adopt(ctx context.Context, workItemID int, attachmentID string, record *database.AttachmentRecord) error {
	updates := map[string]interface{}{"sync_status": database.SyncStatusSynced}
	if record.WorkItemID == 0 {
		updates["work_item_id"] = workItemID
	}
	if err := s.store.UpdateRecord(ctx, record.ID, updates); err != nil {
		return err
	}
	return s.store.UpsertLink(ctx, &database.AttachmentLink{
		WorkItemID:   workItemID,
		AttachmentID: attachmentID,
		RecordID:     record.ID,
	})
}

// pull 下载附件；内容已存在时只添加关联，返回 true
func (s *reconcileService) pull(ctx context.Context, workItemID int, item remoteItem) (bool, error) {
	dl, err := s.api.DownloadAttachment(ctx, item.id)
	if err != nil {
		return false, err
	}
	defer dl.Body.Close()

	spool, err := afero.TempFile(s.cfg.SpoolFs, s.cfg.SpoolDir, "attachsync-download-*")
	if err != nil {
		return false, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		_ = s.cfg.SpoolFs.Remove(spool.Name())
	}()

	digest, size, err := dedup.Hash(io.TeeReader(dl.Body, spool))
	if err != nil {
		return false, fmt.Errorf("download attachment %s: %w", item.id, err)
	}
	if dl.Size >= 0 && size != dl.Size {
		return false, fmt.Errorf("download attachment %s: got %d of %d bytes", item.id, size, dl.Size)
	}

	unlock, err := s.index.Lock(ctx, digest)
	if err != nil {
		return false, err
	}
	defer unlock()

	existing, err := s.index.FindByHash(ctx, digest)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, s.alias(ctx, workItemID, item.id, existing)
	}

	fileName := dl.FileName
	if fileName == "" {
		fileName = item.name
	}
	if fileName == "" {
		fileName = item.id
	}

	record := &database.AttachmentRecord{
		WorkItemID:    workItemID,
		AttachmentID:  item.id,
		SHA256:        digest,
		FileName:      fileName,
		FileSizeBytes: size,
		Source:        database.SourceRemote,
		RemoteURL:     item.url,
		SyncStatus:    database.SyncStatusSynced,
		LocalPath:     s.keepCopy(ctx, spool, size, digest, workItemID, item.id),
	}
	if err := s.store.CreateRecord(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			if winner, findErr := s.store.FindRecordByHash(ctx, digest); findErr == nil && winner != nil {
				return true, s.alias(ctx, workItemID, item.id, winner)
			}
		}
		return false, err
	}
	if err := s.store.UpsertLink(ctx, &database.AttachmentLink{
		WorkItemID:   workItemID,
		AttachmentID: item.id,
		RecordID:     record.ID,
	}); err != nil {
		return false, err
	}

	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:    database.EventDownloaded,
		WorkItemID:   workItemID,
		AttachmentID: item.id,
		Message:      fmt.Sprintf("downloaded %s (%d bytes)", fileName, size),
	})
	logger.Infof("[入站同步] 下载附件 %s (%s, %d 字节) 到工作项 %d", item.id, fileName, size, workItemID)
	return false, nil
}

// alias 相同内容已有记录，只添加工作项关联
func (s *reconcileService) alias(ctx context.Context, workItemID int, attachmentID string, existing *database.AttachmentRecord) error {
	logger.Infof("[入站同步] 附件 %s 与记录 %s 内容相同, 只添加关联", attachmentID, existing.ID)
	return s.store.UpsertLink(ctx, &database.AttachmentLink{
		WorkItemID:   workItemID,
		AttachmentID: attachmentID,
		RecordID:     existing.ID,
	})
}

func (s *reconcileService) keepCopy(ctx context.Context, spool afero.File, size int64, digest string, workItemID int, attachmentID string) string {
	if s.blobs == nil {
		return ""
	}
	key := blob.Key(digest)
	_, err := spool.Seek(0, io.SeekStart)
	if err == nil {
		err = s.blobs.Put(ctx, key, spool, size, "")
	}
	if err != nil {
		logger.Warnf("[入站同步] 保存本地副本失败: %s, 错误: %v", key, err)
		database.RecordEvent(ctx, s.store, &database.SyncEvent{
			EventType:    database.EventBlobStoreFailed,
			WorkItemID:   workItemID,
			AttachmentID: attachmentID,
			Message:      err.Error(),
			Severity:     database.SeverityWarn,
		})
		return ""
	}
	return key
}

func (s *reconcileService) itemFailed(ctx context.Context, workItemID int, attachmentID string, err error) ItemError {
	logger.Errorf("[入站同步] 附件 %s 同步失败: %s", attachmentID, remote.StatusText(err))
	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:    database.EventDownloadFailed,
		WorkItemID:   workItemID,
		AttachmentID: attachmentID,
		Message:      err.Error(),
		Severity:     database.SeverityError,
	})
	return ItemError{AttachmentID: attachmentID, Error: err.Error(), StatusCode: transport.StatusCode(err)}
}

// removeDeleted 删除远程已不存在的关联；已同步的记录失去最后一个关联时软删除，待关联的记录保留
func (s *reconcileService) removeDeleted(ctx context.Context, workItemID int, items []remoteItem, result *Result) error {
	present := map[string]bool{}
	for _, item := range items {
		present[strings.ToLower(item.id)] = true
	}

	links, err := s.store.ListLinks(ctx, workItemID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if present[strings.ToLower(link.AttachmentID)] {
			continue
		}
		if err := s.store.DeleteLink(ctx, workItemID, link.AttachmentID); err != nil {
			return err
		}
		result.Removed = append(result.Removed, link.AttachmentID)

		record, err := s.store.FindRecordByID(ctx, link.RecordID)
		if err != nil {
			return err
		}
		if record == nil || record.SyncStatus != database.SyncStatusSynced {
			continue
		}
		remaining, err := s.store.CountLinksForRecord(ctx, record.ID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		if err := s.store.SoftDeleteRecord(ctx, record.ID); err != nil {
			return err
		}
		database.RecordEvent(ctx, s.store, &database.SyncEvent{
			EventType:    database.EventRemoteDeleted,
			WorkItemID:   workItemID,
			AttachmentID: link.AttachmentID,
			Message:      fmt.Sprintf("%s removed remotely", record.FileName),
			Severity:     database.SeverityWarn,
		})
		logger.Warnf("[入站同步] 附件 %s 已从远程工作项 %d 移除, 本地记录已删除", link.AttachmentID, workItemID)
	}
	return nil
}
