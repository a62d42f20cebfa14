package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// LocalStore 基于 afero 文件系统的存储，测试中使用 MemMapFs
type LocalStore struct {
	fs   afero.Fs
	root string
}

// NewLocalStore 创建本地存储，root 不存在时自动创建
func NewLocalStore(fs afero.Fs, root string) (*LocalStore, error) {
	if root == "" {
		root = "data/blobs"
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	logger.Infof("[对象存储] 本地存储目录: %s", root)
	return &LocalStore{fs: fs, root: root}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+key)))
}

// Put 先写临时文件再重命名，读者不会看到写了一半的对象
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	target := s.path(key)
	dir := filepath.Dir(target)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", key, err)
	}

	if err := s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("commit blob %s: %w", key, err)
	}
	logger.Debugf("[对象存储] 写入本地对象: %s, 大小: %d", key, written)
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	return afero.Exists(s.fs, s.path(key))
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := s.fs.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Name() string { return "local" }
