package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// AliyunStore 阿里云OSS存储
type AliyunStore struct {
	bucket *oss.Bucket
	name   string
}

// NewAliyunStore 创建阿里云OSS存储
// 参数:
//   - cfg: endpoint、访问密钥与存储桶
//
// 返回值:
//   - *AliyunStore: 存储实例
//   - error: 客户端创建或存储桶连接失败
func NewAliyunStore(cfg config.AliyunBlob) (*AliyunStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("aliyun blob store requires endpoint and bucket")
	}
	logger.Infof("[阿里云OSS] 初始化存储, 域名: %s, 存储桶: %s", cfg.Endpoint, cfg.Bucket)

	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun oss client: %w", err)
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %s: %w", cfg.Bucket, err)
	}
	return &AliyunStore{bucket: bucket, name: cfg.Bucket}, nil
}

func (s *AliyunStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	options := []oss.Option{oss.ContentType(contentTypeOrDefault(contentType))}
	if size >= 0 {
		options = append(options, oss.ContentLength(size))
	}
	if err := s.bucket.PutObject(key, r, options...); err != nil {
		logger.Errorf("[阿里云OSS] 上传失败, 对象键: %s, 错误: %v", key, err)
		return fmt.Errorf("failed to upload file to aliyun oss: %w", err)
	}
	return nil
}

func (s *AliyunStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	body, err := s.bucket.GetObject(key)
	if err != nil {
		if isAliyunNotFound(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to download file from aliyun oss: %w", err)
	}
	return body, nil
}

func (s *AliyunStore) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.bucket.IsObjectExist(key)
	if err != nil {
		return false, fmt.Errorf("failed to check file existence in aliyun oss: %w", err)
	}
	return exists, nil
}

func (s *AliyunStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.DeleteObject(key); err != nil {
		return fmt.Errorf("failed to delete file from aliyun oss: %w", err)
	}
	return nil
}

func (s *AliyunStore) Name() string { return "aliyun" }

func isAliyunNotFound(err error) bool {
	var serviceErr oss.ServiceError
	return errors.As(err, &serviceErr) && serviceErr.StatusCode == http.StatusNotFound
}
