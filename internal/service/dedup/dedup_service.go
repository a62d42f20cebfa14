package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/weiwangfds/attachsync/internal/database"
)

// HashBytes 计算内容的SHA256，返回小写十六进制
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash 流式计算SHA256
// 返回值:
//   - string: 小写十六进制摘要
//   - int64: 读取的字节数
//   - error: 读取错误
func Hash(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("计算哈希失败: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashReaderAt 对 io.ReaderAt 的前 size 字节计算SHA256
func HashReaderAt(r io.ReaderAt, size int64) (string, error) {
	digest, n, err := Hash(io.NewSectionReader(r, 0, size))
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("计算哈希失败: 读取 %d 字节，期望 %d", n, size)
	}
	return digest, nil
}

// DedupIndex 按内容哈希查找已有附件
type DedupIndex interface {
	// FindByHash 只查找未删除的记录，未命中返回 (nil, nil)
	FindByHash(ctx context.Context, digest string) (*database.AttachmentRecord, error)
	// Lock 串行化同一哈希的"检查-插入"
	Lock(ctx context.Context, digest string) (func(), error)
}

type dedupIndex struct {
	store  database.MetadataStore
	locker Locker
}

// NewDedupIndex 创建去重索引
// 参数:
//   - store: 元数据存储
//   - locker: 按键加锁，为nil时使用进程内锁
func NewDedupIndex(store database.MetadataStore, locker Locker) DedupIndex {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &dedupIndex{store: store, locker: locker}
}

func (d *dedupIndex) FindByHash(ctx context.Context, digest string) (*database.AttachmentRecord, error) {
	return d.store.FindRecordByHash(ctx, digest)
}

func (d *dedupIndex) Lock(ctx context.Context, digest string) (func(), error) {
	return d.locker.Lock(ctx, "sha256:"+digest)
}
