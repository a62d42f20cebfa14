// Package service 可续传的分块上传
// 会话状态: CREATED → TRANSFERRING → FINALIZING → COMPLETE，FAILED 可由任意非终止状态进入
// 远程的分块接口只接收数据，最终仍需一次整文件 POST 才能得到附件ID和URL
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/remote"
)

var (
	// ErrIntegrity 续传内容与会话记录的哈希不一致，会话已丢弃
	ErrIntegrity = errors.New("chunked: content hash does not match session")
	// ErrOutOfOrder 分块序号不等于已确认数
	ErrOutOfOrder = errors.New("chunked: chunk index out of order")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("chunked: session not found")
	// ErrSessionClosed 会话已处于终止状态
	ErrSessionClosed = errors.New("chunked: session is closed")
)

// Config 分块参数
type Config struct {
	ChunkSize  int64
	SessionTTL time.Duration
}

// ChunkedService 分块上传服务接口
type ChunkedService interface {
	// CreateSession 创建或恢复分块上传会话
	// 参数:
	//   - workItemID: 目标工作项
	//   - fileName: 文件名
	//   - totalSize: 文件总大小
	//   - sha256: 内容哈希
	// 返回值:
	//   - *database.ChunkedUploadSession: 同一 (工作项, 哈希) 存在未过期会话时返回该会话用于续传
	//   - error: 持久化失败
	CreateSession(ctx context.Context, workItemID int, fileName string, totalSize int64, sha256 string) (*database.ChunkedUploadSession, error)

	// UploadChunk 上传第 index 个分块，index 必须等于已确认数
	UploadChunk(ctx context.Context, session *database.ChunkedUploadSession, index int, data []byte) error

	// Finalize 整文件提交并删除会话
	Finalize(ctx context.Context, session *database.ChunkedUploadSession, content io.ReaderAt) (*remote.Attachment, error)

	// Transfer 从已确认位置续传全部分块并提交
	// 参数:
	//   - session: CreateSession 返回的会话
	//   - content: 完整文件内容
	//   - sha256: content 的哈希，必须与会话一致
	// 返回值:
	//   - *remote.Attachment: 远程附件
	//   - error: 失败时会话已标记FAILED并删除；ctx取消时会话保留以便续传
	Transfer(ctx context.Context, session *database.ChunkedUploadSession, content io.ReaderAt, sha256 string) (*remote.Attachment, error)

	// Abandon 取消会话，尽力通知远程
	Abandon(ctx context.Context, sessionID string) error

	// PurgeExpired 清理过期会话，返回清理数量
	PurgeExpired(ctx context.Context) (int, error)
}

type chunkedService struct {
	store database.MetadataStore
	api   remote.API
	cfg   Config
	now   func() time.Time
}

// NewChunkedService 创建分块上传服务
// 参数:
//   - store: 元数据存储
//   - api: 远程接口
//   - cfg: 分块大小与会话有效期
//
// 返回值:
//   - ChunkedService: 服务实例
func NewChunkedService(store database.MetadataStore, api remote.API, cfg Config) ChunkedService {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5 << 20
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &chunkedService{store: store, api: api, cfg: cfg, now: time.Now}
}

func (s *chunkedService) CreateSession(ctx context.Context, workItemID int, fileName string, totalSize int64, sha256 string) (*database.ChunkedUploadSession, error) {
	if totalSize <= 0 {
		return nil, fmt.Errorf("invalid total size %d", totalSize)
	}

	existing, err := s.store.FindSessionByContent(ctx, workItemID, sha256)
	if err != nil {
		return nil, fmt.Errorf("查询分块会话失败: %w", err)
	}
	if existing != nil {
		if s.resumable(existing, totalSize) {
			logger.Infof("[分块传输] 续传会话: %s, 已确认 %d/%d", existing.SessionID, existing.ChunksAcknowledged, existing.TotalChunks)
			return existing, nil
		}
		logger.Infof("[分块传输] 替换不可续传的会话: %s, 状态: %s", existing.SessionID, existing.State)
		s.discard(existing)
	}

	chunks := int((totalSize + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize)
	session := &database.ChunkedUploadSession{
		SessionID:      uuid.NewString(),
		WorkItemID:     workItemID,
		SHA256:         sha256,
		FileName:       fileName,
		TotalSizeBytes: totalSize,
		ChunkSizeBytes: s.cfg.ChunkSize,
		TotalChunks:    chunks,
		State:          database.SessionCreated,
		ExpiresAt:      s.now().Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// 并发创建，使用先写入的会话
			winner, findErr := s.store.FindSessionByContent(ctx, workItemID, sha256)
			if findErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("创建分块会话失败: %w", err)
	}

	logger.Infof("[分块传输] 创建会话: %s, 文件: %s, 大小: %d, 分块: %d x %d",
		session.SessionID, fileName, totalSize, chunks, s.cfg.ChunkSize)
	return session, nil
}

func (s *chunkedService) resumable(session *database.ChunkedUploadSession, totalSize int64) bool {
	return !session.State.Terminal() &&
		!session.Expired(s.now()) &&
		session.TotalSizeBytes == totalSize
}

func (s *chunkedService) UploadChunk(ctx context.Context, session *database.ChunkedUploadSession, index int, data []byte) error {
	if session.State.Terminal() {
		return ErrSessionClosed
	}
	if index != session.ChunksAcknowledged || index >= session.TotalChunks {
		return fmt.Errorf("%w: got %d, expected %d of %d", ErrOutOfOrder, index, session.ChunksAcknowledged, session.TotalChunks)
	}

	start, end := session.ChunkRange(index)
	if err := s.api.UploadChunk(ctx, session.SessionID, session.FileName, start, end, session.TotalSizeBytes, data); err != nil {
		return fmt.Errorf("上传分块 %d 失败: %w", index, err)
	}

	if err := s.store.AdvanceSession(ctx, session.SessionID, index+1); err != nil {
		return fmt.Errorf("记录分块确认失败: %w", err)
	}
	session.ChunksAcknowledged = index + 1
	session.State = database.SessionTransferring
	logger.Debugf("[分块传输] 会话 %s 分块 %d/%d 已确认, 区间 %d-%d", session.SessionID, index+1, session.TotalChunks, start, end)
	return nil
}

func (s *chunkedService) Finalize(ctx context.Context, session *database.ChunkedUploadSession, content io.ReaderAt) (*remote.Attachment, error) {
	if session.ChunksAcknowledged != session.TotalChunks {
		return nil, fmt.Errorf("%w: finalize with %d/%d chunks", ErrOutOfOrder, session.ChunksAcknowledged, session.TotalChunks)
	}
	if err := s.store.UpdateSessionState(ctx, session.SessionID, database.SessionFinalizing); err != nil {
		return nil, fmt.Errorf("更新会话状态失败: %w", err)
	}
	session.State = database.SessionFinalizing

	att, err := s.api.CreateAttachment(ctx, session.FileName, content, session.TotalSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("提交附件失败: %w", err)
	}

	session.State = database.SessionComplete
	if err := s.store.DeleteSession(ctx, session.SessionID); err != nil {
		logger.Warnf("[分块传输] 删除已完成会话失败: %s, 错误: %v", session.SessionID, err)
	}
	logger.Infof("[分块传输] 会话完成: %s, 附件ID: %s", session.SessionID, att.ID)
	return att, nil
}

func (s *chunkedService) Transfer(ctx context.Context, session *database.ChunkedUploadSession, content io.ReaderAt, sha256 string) (*remote.Attachment, error) {
	if session.SHA256 != sha256 {
		logger.Errorf("[分块传输] 会话 %s 内容哈希不一致, 记录: %s, 实际: %s", session.SessionID, session.SHA256, sha256)
		s.discard(session)
		return nil, ErrIntegrity
	}

	buf := make([]byte, session.ChunkSizeBytes)
	for i := session.ChunksAcknowledged; i < session.TotalChunks; i++ {
		start, end := session.ChunkRange(i)
		chunk := buf[:end-start+1]
		// ReaderAt 读满时也可能返回 io.EOF
		if n, err := content.ReadAt(chunk, start); n != len(chunk) {
			return nil, s.fail(ctx, session, fmt.Errorf("读取分块 %d 失败: %d/%d 字节: %v", i, n, len(chunk), err))
		}
		if err := s.UploadChunk(ctx, session, i, chunk); err != nil {
			return nil, s.fail(ctx, session, err)
		}
	}

	att, err := s.Finalize(ctx, session, content)
	if err != nil {
		return nil, s.fail(ctx, session, err)
	}
	return att, nil
}

// fail ctx 取消时保留会话，其他错误标记失败并清理
func (s *chunkedService) fail(ctx context.Context, session *database.ChunkedUploadSession, err error) error {
	if ctx.Err() != nil {
		logger.Warnf("[分块传输] 会话 %s 被取消, 保留在 %d/%d 以便续传", session.SessionID, session.ChunksAcknowledged, session.TotalChunks)
		return err
	}
	logger.Errorf("[分块传输] 会话 %s 失败: %v", session.SessionID, err)
	s.discard(session)
	return err
}

// discard 标记失败、通知远程并删除会话，不受调用方 ctx 影响
func (s *chunkedService) discard(session *database.ChunkedUploadSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.UpdateSessionState(ctx, session.SessionID, database.SessionFailed); err != nil && !errors.Is(err, database.ErrNotFound) {
		logger.Warnf("[分块传输] 标记会话失败状态出错: %s, 错误: %v", session.SessionID, err)
	}
	session.State = database.SessionFailed
	s.abandonRemote(ctx, session.SessionID)
	if err := s.store.DeleteSession(ctx, session.SessionID); err != nil {
		logger.Warnf("[分块传输] 删除会话失败: %s, 错误: %v", session.SessionID, err)
	}
}

func (s *chunkedService) abandonRemote(ctx context.Context, sessionID string) {
	if err := s.api.AbandonChunked(ctx, sessionID); err != nil {
		logger.Warnf("[分块传输] 通知远程放弃会话失败: %s, %s", sessionID, remote.StatusText(err))
	}
}

func (s *chunkedService) Abandon(ctx context.Context, sessionID string) error {
	session, err := s.store.FindSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("查询分块会话失败: %w", err)
	}
	if session == nil {
		return ErrSessionNotFound
	}

	s.abandonRemote(ctx, sessionID)
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("删除分块会话失败: %w", err)
	}
	logger.Infof("[分块传输] 会话已取消: %s", sessionID)
	return nil
}

func (s *chunkedService) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("查询过期会话失败: %w", err)
	}

	purged := 0
	for i := range expired {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		session := &expired[i]
		s.abandonRemote(ctx, session.SessionID)
		if err := s.store.DeleteSession(ctx, session.SessionID); err != nil {
			logger.Warnf("[分块传输] 清理过期会话失败: %s, 错误: %v", session.SessionID, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		logger.Infof("[分块传输] 清理过期会话 %d 个", purged)
	}
	return purged, nil
}
