package service

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/database/dbtest"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/remote/remotetest"
	"github.com/weiwangfds/attachsync/internal/transport"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
)

const testChunk = 1024

type fixture struct {
	svc   *chunkedService
	srv   *remotetest.Server
	store database.MetadataStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := remotetest.New(t)
	store, _ := dbtest.Store(t)
	api := remote.NewClient(srv.Config(), nil)
	svc := NewChunkedService(store, api, Config{ChunkSize: testChunk, SessionTTL: time.Hour}).(*chunkedService)
	return &fixture{svc: svc, srv: srv, store: store}
}

func content(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestTransferChunkOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := content(testChunk*3 + testChunk/2)
	digest := dedup.HashBytes(data)

	session, err := f.svc.CreateSession(ctx, 42, "big.bin", int64(len(data)), digest)
	require.NoError(t, err)
	assert.Equal(t, 4, session.TotalChunks)
	assert.Equal(t, database.SessionCreated, session.State)

	att, err := f.svc.Transfer(ctx, session, bytes.NewReader(data), digest)
	require.NoError(t, err)
	require.NotNil(t, att)

	calls := f.srv.ChunkCalls()
	require.Len(t, calls, 4)
	want := [][2]int64{{0, 1023}, {1024, 2047}, {2048, 3071}, {3072, 3583}}
	for i, c := range calls {
		assert.Equal(t, want[i][0], c.Start, "分块 %d 起点", i)
		assert.Equal(t, want[i][1], c.End, "分块 %d 终点", i)
		assert.Equal(t, int64(len(data)), c.Total)
		assert.Equal(t, session.SessionID, c.SessionID)
	}
	assert.Equal(t, data, f.srv.SessionData(session.SessionID), "分块拼接后与原文件一致")

	assert.Equal(t, 1, f.srv.Count(remotetest.OpCreate), "最终一次整文件提交")
	assert.Equal(t, data, f.srv.AttachmentData(att.ID))
	assert.Equal(t, database.SessionComplete, session.State)

	left, err := f.store.FindSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, left, "完成后删除会话")
}

func TestTransferResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := content(testChunk * 4)
	digest := dedup.HashBytes(data)

	session, err := f.svc.CreateSession(ctx, 7, "resume.bin", int64(len(data)), digest)
	require.NoError(t, err)

	// 上传前两块后中断
	require.NoError(t, f.svc.UploadChunk(ctx, session, 0, data[:testChunk]))
	require.NoError(t, f.svc.UploadChunk(ctx, session, 1, data[testChunk:2*testChunk]))

	t.Run("同一内容返回原会话", func(t *testing.T) {
		resumed, err := f.svc.CreateSession(ctx, 7, "resume.bin", int64(len(data)), digest)
		require.NoError(t, err)
		assert.Equal(t, session.SessionID, resumed.SessionID)
		assert.Equal(t, 2, resumed.ChunksAcknowledged)
		assert.Equal(t, database.SessionTransferring, resumed.State)
		session = resumed
	})

	t.Run("只发送剩余分块", func(t *testing.T) {
		f.srv.FailNext(remotetest.OpChunk, http.StatusServiceUnavailable)

		att, err := f.svc.Transfer(ctx, session, bytes.NewReader(data), digest)
		require.NoError(t, err)

		calls := f.srv.ChunkCalls()
		require.Len(t, calls, 4, "已确认分块不重发")
		assert.Equal(t, int64(2*testChunk), calls[2].Start)
		assert.Equal(t, int64(3*testChunk), calls[3].Start)
		assert.Equal(t, 5, f.srv.Count(remotetest.OpChunk), "503 只重试一次")
		assert.Equal(t, data, f.srv.AttachmentData(att.ID))
	})
}

func TestUploadChunkOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := content(testChunk * 2)

	session, err := f.svc.CreateSession(ctx, 1, "a.bin", int64(len(data)), dedup.HashBytes(data))
	require.NoError(t, err)

	err = f.svc.UploadChunk(ctx, session, 1, data[testChunk:])
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 0, f.srv.Count(remotetest.OpChunk), "不发起网络调用")

	_, err = f.svc.Finalize(ctx, session, bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrOutOfOrder, "分块未传完不能提交")
	assert.Equal(t, 0, f.srv.Count(remotetest.OpCreate))
}

func TestTransferIntegrityMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := content(testChunk * 2)

	session, err := f.svc.CreateSession(ctx, 1, "a.bin", int64(len(data)), dedup.HashBytes(data))
	require.NoError(t, err)

	other := content(testChunk * 2)
	other[0] ^= 0xff
	_, err = f.svc.Transfer(ctx, session, bytes.NewReader(other), dedup.HashBytes(other))
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, 0, f.srv.Count(remotetest.OpChunk))
	assert.Equal(t, 1, f.srv.Count(remotetest.OpAbandon))

	left, err := f.store.FindSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, left, "会话被丢弃")
}

func TestTransferFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := content(testChunk * 2)
	digest := dedup.HashBytes(data)

	t.Run("重试耗尽后丢弃会话", func(t *testing.T) {
		session, err := f.svc.CreateSession(ctx, 1, "a.bin", int64(len(data)), digest)
		require.NoError(t, err)
		f.srv.FailNext(remotetest.OpChunk, 500, 500, 500, 500)

		_, err = f.svc.Transfer(ctx, session, bytes.NewReader(data), digest)
		require.Error(t, err)
		assert.True(t, transport.IsExhausted(err))
		assert.Equal(t, database.SessionFailed, session.State)
		assert.Equal(t, 1, f.srv.Count(remotetest.OpAbandon))

		left, err := f.store.FindSession(ctx, session.SessionID)
		require.NoError(t, err)
		assert.Nil(t, left)
	})

	t.Run("取消时保留会话", func(t *testing.T) {
		session, err := f.svc.CreateSession(ctx, 2, "a.bin", int64(len(data)), digest)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = f.svc.Transfer(cancelled, session, bytes.NewReader(data), digest)
		require.Error(t, err)

		left, err := f.store.FindSession(ctx, session.SessionID)
		require.NoError(t, err)
		require.NotNil(t, left)
		assert.False(t, left.State.Terminal())
	})
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Abandon(ctx, "missing"), ErrSessionNotFound)

	data := content(testChunk * 2)
	session, err := f.svc.CreateSession(ctx, 1, "a.bin", int64(len(data)), dedup.HashBytes(data))
	require.NoError(t, err)
	require.NoError(t, f.svc.UploadChunk(ctx, session, 0, data[:testChunk]))

	require.NoError(t, f.svc.Abandon(ctx, session.SessionID))
	assert.Equal(t, 1, f.srv.Count(remotetest.OpAbandon))
	assert.Nil(t, f.srv.SessionData(session.SessionID), "远程丢弃已收到的分块")

	left, err := f.store.FindSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := content(testChunk * 2)
	digest := dedup.HashBytes(data)

	session, err := f.svc.CreateSession(ctx, 1, "a.bin", int64(len(data)), digest)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	t.Run("过期会话不再续传", func(t *testing.T) {
		fresh, err := f.svc.CreateSession(ctx, 1, "a.bin", int64(len(data)), digest)
		require.NoError(t, err)
		assert.NotEqual(t, session.SessionID, fresh.SessionID)

		old, err := f.store.FindSession(ctx, session.SessionID)
		require.NoError(t, err)
		assert.Nil(t, old)
	})

	t.Run("清理过期会话", func(t *testing.T) {
		f.svc.now = func() time.Time { return time.Now().Add(4 * time.Hour) }
		purged, err := f.svc.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		purged, err = f.svc.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, purged)
	})
}
