package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/database/dbtest"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/remote/remotetest"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	chunked "github.com/weiwangfds/attachsync/internal/service/chunked"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
)

type fixture struct {
	svc   UploadService
	srv   *remotetest.Server
	store database.MetadataStore
	blobs blob.Store
}

func newFixture(t *testing.T, chunkSize int64, blobs blob.Store) *fixture {
	t.Helper()
	srv := remotetest.New(t)
	store, _ := dbtest.Store(t)
	api := remote.NewClient(srv.Config(), nil)

	if blobs == nil {
		local, err := blob.NewLocalStore(afero.NewMemMapFs(), "/blobs")
		require.NoError(t, err)
		blobs = local
	}
	chunkedSvc := chunked.NewChunkedService(store, api, chunked.Config{ChunkSize: chunkSize, SessionTTL: time.Hour})
	svc := NewUploadService(store, api, chunkedSvc, dedup.NewDedupIndex(store, nil), blobs, Config{
		MaxSizeBytes:        64 << 20,
		ChunkThresholdBytes: chunkSize,
	})
	return &fixture{svc: svc, srv: srv, store: store, blobs: blobs}
}

func events(t *testing.T, store database.MetadataStore, eventType string) []database.SyncEvent {
	t.Helper()
	all, err := store.ListEvents(context.Background(), database.EventFilter{})
	require.NoError(t, err)
	var out []database.SyncEvent
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestUploadSingleShot(t *testing.T) {
	f := newFixture(t, 1024, nil)
	ctx := context.Background()
	data := []byte("small attachment")

	res, err := f.svc.Upload(ctx, BytesPayload(data), "note.txt", 12)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)

	rec := res.Record
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.AttachmentID)
	assert.Equal(t, 12, rec.WorkItemID)
	assert.Equal(t, dedup.HashBytes(data), rec.SHA256)
	assert.Equal(t, database.SourceLocal, rec.Source)
	assert.Equal(t, database.SyncStatusPending, rec.SyncStatus, "上传不做关联")
	assert.Equal(t, blob.Key(rec.SHA256), rec.LocalPath)

	assert.Equal(t, 1, f.srv.Count(remotetest.OpCreate))
	assert.Equal(t, 0, f.srv.Count(remotetest.OpChunk))
	assert.Equal(t, data, f.srv.AttachmentData(rec.AttachmentID))

	rc, err := f.blobs.Get(ctx, rec.LocalPath)
	require.NoError(t, err)
	defer rc.Close()
	copied, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, copied)

	assert.Len(t, events(t, f.store, database.EventUploaded), 1)
}

func TestUploadDedupIdempotence(t *testing.T) {
	f := newFixture(t, 1024, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte("same"), 100)

	first, err := f.svc.Upload(ctx, BytesPayload(data), "a.txt", 1)
	require.NoError(t, err)
	received := f.srv.BytesReceived()

	second, err := f.svc.Upload(ctx, BytesPayload(data), "copy-of-a.txt", 2)
	require.NoError(t, err)

	assert.True(t, second.IsDuplicate)
	assert.Equal(t, 1, second.OriginalWorkItemID)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, received, f.srv.BytesReceived(), "重复内容不传输任何字节")
	assert.Equal(t, 1, f.srv.Count(remotetest.OpCreate))
	assert.Len(t, events(t, f.store, database.EventDuplicateUpload), 1)
}

func TestUploadConcurrentSameContent(t *testing.T) {
	f := newFixture(t, 1024, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte("race"), 64)

	const n = 5
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Upload(ctx, BytesPayload(data), "race.txt", i+1)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		if !res.IsDuplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "只有一次真正上传")
	assert.Equal(t, 1, f.srv.Count(remotetest.OpCreate))
}

func TestUploadChunkedScenario(t *testing.T) {
	const mib = 1 << 20
	f := newFixture(t, 5*mib, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte{0x5a}, 10*mib)

	res, err := f.svc.Upload(ctx, BytesPayload(data), "trace.bin", 42)
	require.NoError(t, err)

	calls := f.srv.ChunkCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(0), calls[0].Start)
	assert.Equal(t, int64(5*mib-1), calls[0].End)
	assert.Equal(t, int64(5*mib), calls[1].Start)
	assert.Equal(t, int64(10*mib-1), calls[1].End)
	assert.Equal(t, 1, f.srv.Count(remotetest.OpCreate), "分块后一次整文件提交")

	assert.Equal(t, database.SyncStatusPending, res.Record.SyncStatus)
	assert.Equal(t, int64(10*mib), res.Record.FileSizeBytes)
	assert.Equal(t, data, f.srv.AttachmentData(res.Record.AttachmentID))
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, 1024, nil)
	ctx := context.Background()

	t.Run("空文件", func(t *testing.T) {
		_, err := f.svc.Upload(ctx, BytesPayload(nil), "empty.txt", 1)
		appErr, ok := apperrors.GetAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrFileEmpty, appErr.Code)
	})

	t.Run("超过大小限制", func(t *testing.T) {
		_, err := f.svc.Upload(ctx, BytesPayload(make([]byte, 65<<20)), "huge.bin", 1)
		appErr, ok := apperrors.GetAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrFileSizeTooLarge, appErr.Code)
		assert.Equal(t, http.StatusRequestEntityTooLarge, appErr.Code.HTTPStatus())
	})

	t.Run("缺少文件名", func(t *testing.T) {
		_, err := f.svc.Upload(ctx, BytesPayload([]byte("x")), "", 1)
		appErr, ok := apperrors.GetAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrInvalidParams, appErr.Code)
	})

	assert.Equal(t, 0, f.srv.Count(remotetest.OpCreate), "校验失败不发起网络调用")
}

func TestUploadRemoteFailure(t *testing.T) {
	f := newFixture(t, 1024, nil)
	ctx := context.Background()
	f.srv.FailNext(remotetest.OpCreate, http.StatusUnauthorized)

	data := []byte("secret")
	_, err := f.svc.Upload(ctx, BytesPayload(data), "s.txt", 3)
	appErr, ok := apperrors.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrRemoteUnauthorized, appErr.Code)
	assert.Equal(t, http.StatusUnauthorized, appErr.RemoteStatus)

	failed := events(t, f.store, database.EventUploadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, database.SeverityError, failed[0].Severity)

	rec, err := f.store.FindRecordByHash(ctx, dedup.HashBytes(data))
	require.NoError(t, err)
	assert.Nil(t, rec, "失败时不写记录")
}

type failingStore struct{ blob.Store }

func (failingStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return errors.New("disk full")
}

func TestUploadBlobFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 1024, failingStore{})
	res, err := f.svc.Upload(context.Background(), BytesPayload([]byte("data")), "d.txt", 1)
	require.NoError(t, err)
	assert.Empty(t, res.Record.LocalPath)

	warned := events(t, f.store, database.EventBlobStoreFailed)
	require.Len(t, warned, 1)
	assert.Equal(t, database.SeverityWarn, warned[0].Severity)
}

func TestFilePayload(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/spool/upload", []byte("spooled content"), 0o644))
	file, err := fs.Open("/spool/upload")
	require.NoError(t, err)
	defer file.Close()

	payload, err := FilePayload(file)
	require.NoError(t, err)
	assert.Equal(t, int64(15), payload.Size())

	f := newFixture(t, 1024, nil)
	res, err := f.svc.Upload(context.Background(), payload, "spooled.txt", 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("spooled content"), f.srv.AttachmentData(res.Record.AttachmentID))
}
