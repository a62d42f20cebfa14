package service

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/database/dbtest"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/remote/remotetest"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
)

type fixture struct {
	svc   ReconcileService
	srv   *remotetest.Server
	store database.MetadataStore
	blobs blob.Store
	spool afero.Fs
}

func newFixture(t *testing.T, detectDeletions bool) *fixture {
	t.Helper()
	srv := remotetest.New(t)
	store, _ := dbtest.Store(t)
	api := remote.NewClient(srv.Config(), nil)
	blobs, err := blob.NewLocalStore(afero.NewMemMapFs(), "/blobs")
	require.NoError(t, err)

	spool := afero.NewMemMapFs()
	svc := NewReconcileService(store, api, dedup.NewDedupIndex(store, nil), blobs, Config{
		Concurrency:           2,
		DetectRemoteDeletions: detectDeletions,
		SpoolFs:               spool,
		SpoolDir:              "/spool",
	})
	return &fixture{svc: svc, srv: srv, store: store, blobs: blobs, spool: spool}
}

// known 远程附件在本地已有记录和关联
func (f *fixture) known(t *testing.T, workItemID int, name string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	id := f.srv.SeedAttachment(workItemID, name, data)
	rec := &database.AttachmentRecord{
		WorkItemID:    workItemID,
		AttachmentID:  id,
		SHA256:        dedup.HashBytes(data),
		FileName:      name,
		FileSizeBytes: int64(len(data)),
		Source:        database.SourceLocal,
		RemoteURL:     f.srv.RelationURLs(workItemID)[len(f.srv.RelationURLs(workItemID))-1],
		SyncStatus:    database.SyncStatusSynced,
	}
	require.NoError(t, f.store.CreateRecord(ctx, rec))
	require.NoError(t, f.store.UpsertLink(ctx, &database.AttachmentLink{WorkItemID: workItemID, AttachmentID: id, RecordID: rec.ID}))
	return id
}

func TestReconcileScenario(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	knownID := f.known(t, 7, "known.txt", []byte("already here"))
	a := f.srv.SeedAttachment(7, "a.log", []byte("remote a"))
	b := f.srv.SeedAttachment(7, "b.log", []byte("remote b"))

	res, err := f.svc.Reconcile(ctx, 7)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{a, b}, res.Added)
	assert.Equal(t, []string{knownID}, res.AlreadySynced)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, f.srv.Count(remotetest.OpDownload), "只下载未知的附件")

	records, err := f.store.ListRecordsByWorkItem(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	rec, err := f.store.FindRecordByAttachmentID(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, database.SourceRemote, rec.Source)
	assert.Equal(t, database.SyncStatusSynced, rec.SyncStatus)
	assert.Equal(t, "a.log", rec.FileName)
	assert.Equal(t, dedup.HashBytes([]byte("remote a")), rec.SHA256)

	rc, err := f.blobs.Get(ctx, rec.LocalPath)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("remote a"), body)

	entries, err := afero.ReadDir(f.spool, "/spool")
	require.NoError(t, err)
	assert.Empty(t, entries, "暂存文件已清理")

	t.Run("再次同步不重复下载", func(t *testing.T) {
		again, err := f.svc.Reconcile(ctx, 7)
		require.NoError(t, err)
		assert.Empty(t, again.Added)
		assert.Len(t, again.AlreadySynced, 3)
		assert.Equal(t, 2, f.srv.Count(remotetest.OpDownload))
	})
}

func TestReconcileDeduplicates(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.known(t, 1, "original.txt", []byte("shared content"))
	copyID := f.srv.SeedAttachment(2, "copy.txt", []byte("shared content"))

	res, err := f.svc.Reconcile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{copyID}, res.Deduplicated)
	assert.Empty(t, res.Added)

	records, err := f.store.ListRecordsByWorkItem(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 1, "通过关联引用已有记录")
	assert.Equal(t, 1, records[0].WorkItemID)
}

func TestReconcilePartialFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.srv.SeedAttachment(3, "one.txt", []byte("one"))
	f.srv.SeedAttachment(3, "two.txt", []byte("two"))
	f.srv.SeedAttachment(3, "three.txt", []byte("three"))
	f.srv.FailNext(remotetest.OpDownload, http.StatusNotFound)

	res, err := f.svc.Reconcile(ctx, 3)
	require.NoError(t, err, "单个附件失败不影响整体")
	assert.Len(t, res.Added, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, http.StatusNotFound, res.Errors[0].StatusCode)

	failed, err := f.store.ListEvents(ctx, database.EventFilter{WorkItemID: 3, Severity: database.SeverityError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, database.EventDownloadFailed, failed[0].EventType)
}

func TestReconcileRelationFailure(t *testing.T) {
	f := newFixture(t, false)
	f.srv.FailNext(remotetest.OpGet, http.StatusForbidden)

	_, err := f.svc.Reconcile(context.Background(), 4)
	appErr, ok := apperrors.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrRemoteForbidden, appErr.Code)
}

func TestReconcileDeletionDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("默认不删除", func(t *testing.T) {
		f := newFixture(t, false)
		id := f.known(t, 5, "gone.txt", []byte("gone"))
		f.srv.RemoveRelation(5, id)

		res, err := f.svc.Reconcile(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, res.Removed)

		rec, err := f.store.FindRecordByAttachmentID(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, rec)
	})

	t.Run("开启后删除已同步的记录", func(t *testing.T) {
		f := newFixture(t, true)
		gone := f.known(t, 6, "gone.txt", []byte("gone"))
		kept := f.known(t, 6, "kept.txt", []byte("kept"))
		f.srv.RemoveRelation(6, gone)

		res, err := f.svc.Reconcile(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, []string{gone}, res.Removed)
		assert.Equal(t, []string{kept}, res.AlreadySynced)

		rec, err := f.store.FindRecordByAttachmentID(ctx, gone)
		require.NoError(t, err)
		assert.Nil(t, rec, "软删除")

		warned, err := f.store.ListEvents(ctx, database.EventFilter{WorkItemID: 6, Severity: database.SeverityWarn})
		require.NoError(t, err)
		require.Len(t, warned, 1)
		assert.Equal(t, database.EventRemoteDeleted, warned[0].EventType)
	})

	t.Run("仍被其他工作项引用时保留记录", func(t *testing.T) {
		f := newFixture(t, true)
		id := f.known(t, 8, "shared.txt", []byte("shared"))
		rec, err := f.store.FindRecordByAttachmentID(ctx, id)
		require.NoError(t, err)
		require.NoError(t, f.store.UpsertLink(ctx, &database.AttachmentLink{WorkItemID: 9, AttachmentID: "alias", RecordID: rec.ID}))
		f.srv.RemoveRelation(8, id)

		res, err := f.svc.Reconcile(ctx, 8)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, res.Removed)

		still, err := f.store.FindRecordByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.NotNil(t, still)
	})
}

func TestReconcileOne(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id := f.srv.SeedAttachment(11, "single.txt", []byte("single"))
	f.srv.SeedAttachment(11, "other.txt", []byte("other"))

	res, err := f.svc.ReconcileOne(ctx, 11, id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Added)
	assert.Equal(t, 1, f.srv.Count(remotetest.OpDownload))

	_, err = f.svc.ReconcileOne(ctx, 11, "not-there")
	appErr, ok := apperrors.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrRemoteNotFound, appErr.Code)
}

func TestReconcileAdoptsLocalUpload(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id := f.srv.SeedAttachment(12, "local.txt", []byte("local"))
	rec := &database.AttachmentRecord{
		AttachmentID:  id,
		SHA256:        dedup.HashBytes([]byte("local")),
		FileName:      "local.txt",
		FileSizeBytes: 5,
		Source:        database.SourceLocal,
		RemoteURL:     f.srv.RelationURLs(12)[0],
		SyncStatus:    database.SyncStatusPending,
	}
	require.NoError(t, f.store.CreateRecord(ctx, rec))

	res, err := f.svc.Reconcile(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.AlreadySynced)
	assert.Equal(t, 0, f.srv.Count(remotetest.OpDownload))

	stored, err := f.store.FindRecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, database.SyncStatusSynced, stored.SyncStatus)
	assert.Equal(t, 12, stored.WorkItemID)
}
