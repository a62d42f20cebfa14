package service

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiwangfds/attachsync/config"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "attachments/ab/abcdef", Key("abcdef"))
	assert.Equal(t, "attachments/a", Key("a"))
}

func TestLocalStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewLocalStore(fs, "/blobs")
	require.NoError(t, err)
	ctx := context.Background()
	key := Key("abcdef")

	t.Run("写入并读取", func(t *testing.T) {
		data := []byte("attachment body")
		require.NoError(t, store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ""))

		exists, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)

		rc, err := store.Get(ctx, key)
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		ok, err := afero.Exists(fs, "/blobs/attachments/ab/abcdef")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("长度不符时不留下对象", func(t *testing.T) {
		err := store.Put(ctx, Key("short"), bytes.NewReader([]byte("abc")), 10, "")
		require.Error(t, err)
		exists, err := store.Exists(ctx, Key("short"))
		require.NoError(t, err)
		assert.False(t, exists)

		entries, err := afero.ReadDir(fs, "/blobs/attachments/sh")
		require.NoError(t, err)
		assert.Empty(t, entries, "临时文件被清理")
	})

	t.Run("不存在的对象", func(t *testing.T) {
		_, err := store.Get(ctx, Key("missing"))
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("删除", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		exists, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)
		assert.NoError(t, store.Delete(ctx, key), "重复删除不报错")
	})

	t.Run("键不能逃出根目录", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "../../escape", bytes.NewReader([]byte("x")), 1, ""))
		ok, err := afero.Exists(fs, "/blobs/escape")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestNewFromConfigUnknownProvider(t *testing.T) {
	_, err := NewFromConfig(context.Background(), config.BlobConfig{Provider: "ftp"})
	assert.Error(t, err)

	_, err = NewFromConfig(context.Background(), config.BlobConfig{Provider: "aliyun"})
	assert.Error(t, err, "缺少必填配置")
}
