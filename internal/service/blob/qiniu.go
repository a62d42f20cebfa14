package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/qiniu/go-sdk/v7/auth/qbox"
	"github.com/qiniu/go-sdk/v7/storage"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// QiniuStore 七牛云Kodo存储，读取通过私有下载链接
type QiniuStore struct {
	mac     *qbox.Mac
	bucket  string
	domain  string
	cfg     storage.Config
	manager *storage.BucketManager
	http    *resty.Client
}

// NewQiniuStore 创建七牛云Kodo存储
// 参数:
//   - cfg: 访问密钥、存储桶和下载域名
//
// 返回值:
//   - *QiniuStore: 存储实例
//   - error: 获取存储区域失败
func NewQiniuStore(cfg config.QiniuBlob) (*QiniuStore, error) {
	if cfg.Bucket == "" || cfg.Domain == "" {
		return nil, errors.New("qiniu blob store requires bucket and domain")
	}
	mac := qbox.NewMac(cfg.AccessKey, cfg.SecretKey)

	region, err := storage.GetRegion(cfg.AccessKey, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get qiniu region: %w", err)
	}
	logger.Infof("[七牛云Kodo] 初始化存储, 存储桶: %s, 域名: %s", cfg.Bucket, cfg.Domain)

	storageCfg := storage.Config{
		Region:        region,
		UseHTTPS:      cfg.UseHTTPS,
		UseCdnDomains: false,
	}
	return &QiniuStore{
		mac:     mac,
		bucket:  cfg.Bucket,
		domain:  cfg.Domain,
		cfg:     storageCfg,
		manager: storage.NewBucketManager(mac, &storageCfg),
		http:    resty.New().SetTimeout(5 * time.Minute),
	}, nil
}

func (s *QiniuStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	putPolicy := storage.PutPolicy{Scope: fmt.Sprintf("%s:%s", s.bucket, key)}
	upToken := putPolicy.UploadToken(s.mac)

	uploader := storage.NewFormUploader(&s.cfg)
	ret := storage.PutRet{}
	extra := storage.PutExtra{MimeType: contentTypeOrDefault(contentType)}
	if err := uploader.Put(ctx, &ret, upToken, key, r, size, &extra); err != nil {
		logger.Errorf("[七牛云Kodo] 上传失败, 对象键: %s, 错误: %v", key, err)
		return fmt.Errorf("failed to upload file to qiniu kodo: %w", err)
	}
	return nil
}

func (s *QiniuStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	deadline := time.Now().Add(time.Hour).Unix()
	privateURL := storage.MakePrivateURL(s.mac, s.domain, key, deadline)

	resp, err := s.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(privateURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download file from qiniu kodo: %w", err)
	}
	raw := resp.RawBody()
	switch resp.StatusCode() {
	case http.StatusOK:
		return raw, nil
	case http.StatusNotFound:
		raw.Close()
		return nil, ErrNotExist
	default:
		raw.Close()
		return nil, fmt.Errorf("failed to download file, status: %s", resp.Status())
	}
}

func (s *QiniuStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.manager.Stat(s.bucket, key)
	if err != nil {
		if strings.Contains(err.Error(), "no such file or directory") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence in qiniu kodo: %w", err)
	}
	return true, nil
}

func (s *QiniuStore) Delete(ctx context.Context, key string) error {
	if err := s.manager.Delete(s.bucket, key); err != nil {
		return fmt.Errorf("failed to delete file from qiniu kodo: %w", err)
	}
	return nil
}

func (s *QiniuStore) Name() string { return "qiniu" }
