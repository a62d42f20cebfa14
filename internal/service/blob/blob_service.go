// Package service 附件本地副本的对象存储
// 按内容哈希寻址，支持本地磁盘、阿里云OSS、腾讯云COS、七牛云Kodo和S3兼容存储
package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// ErrNotExist 对象不存在
var ErrNotExist = errors.New("blob: object does not exist")

// Store 附件副本存储
type Store interface {
	// Put 写入对象，size 未知时传 -1
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get 读取对象，不存在时返回 ErrNotExist，调用方负责关闭
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// Name 存储提供商名称
	Name() string
}

// Key 内容哈希对应的对象键: attachments/<前两位>/<哈希>
func Key(sha256 string) string {
	if len(sha256) < 2 {
		return "attachments/" + sha256
	}
	return "attachments/" + sha256[:2] + "/" + sha256
}

// NewFromConfig 按 blob.provider 创建存储
// 参数:
//   - ctx: 初始化云存储客户端使用的上下文
//   - cfg: 存储配置
//
// 返回值:
//   - Store: 存储实例
//   - error: 配置不完整或客户端初始化失败
func NewFromConfig(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	logger.Infof("[对象存储] 初始化存储提供商: %s", cfg.Provider)

	switch cfg.Provider {
	case "", "local":
		return NewLocalStore(afero.NewOsFs(), cfg.Local.Root)
	case "aliyun":
		return NewAliyunStore(cfg.Aliyun)
	case "tencent":
		return NewTencentStore(cfg.Tencent)
	case "qiniu":
		return NewQiniuStore(cfg.Qiniu)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported blob provider: %s", cfg.Provider)
	}
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
