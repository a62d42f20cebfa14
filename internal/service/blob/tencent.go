package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tencentyun/cos-go-sdk-v5"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// TencentStore 腾讯云COS存储
type TencentStore struct {
	client *cos.Client
}

// NewTencentStore 创建腾讯云COS存储
func NewTencentStore(cfg config.TencentBlob) (*TencentStore, error) {
	if cfg.BucketURL == "" {
		return nil, errors.New("tencent blob store requires bucket_url")
	}
	u, err := url.Parse(cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bucket URL: %w", err)
	}
	logger.Infof("[腾讯云COS] 初始化存储, 存储桶: %s", u.Host)

	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &TencentStore{client: client}, nil
}

func (s *TencentStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	options := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: contentTypeOrDefault(contentType),
		},
	}
	if _, err := s.client.Object.Put(ctx, key, r, options); err != nil {
		logger.Errorf("[腾讯云COS] 上传失败, 对象键: %s, 错误: %v", key, err)
		return fmt.Errorf("failed to upload file to tencent cos: %w", err)
	}
	return nil
}

func (s *TencentStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to download file from tencent cos: %w", err)
	}
	return resp.Body, nil
}

func (s *TencentStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Object.Head(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence in tencent cos: %w", err)
	}
	return true, nil
}

func (s *TencentStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Object.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete file from tencent cos: %w", err)
	}
	return nil
}

func (s *TencentStore) Name() string { return "tencent" }
