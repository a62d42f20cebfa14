package remote_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/remote/remotetest"
	"github.com/weiwangfds/attachsync/internal/transport"
)

func TestCandidateFallback(t *testing.T) {
	srv := remotetest.New(t)
	srv.Prefix = "/Quality"
	srv.Versions = []string{"7.0"}
	client := remote.NewClient(srv.Config(), nil)
	ctx := context.Background()

	data := []byte("hello attachment")
	att, err := client.CreateAttachment(ctx, "hello.txt", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, data, srv.AttachmentData(att.ID))
	createCalls := srv.Count(remotetest.OpCreate)
	assert.Equal(t, 1, createCalls, "只有匹配的候选到达处理逻辑")

	// 已确认的候选直接复用
	_, err = client.GetRelations(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Count(remotetest.OpGet))
}

func TestCandidatesExhausted(t *testing.T) {
	srv := remotetest.New(t)
	srv.Prefix = "/SomeOtherProject"
	client := remote.NewClient(srv.Config(), nil)

	_, err := client.GetRelations(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, transport.IsNotFound(err))
}

func TestRelationsAndPatch(t *testing.T) {
	srv := remotetest.New(t)
	client := remote.NewClient(srv.Config(), nil)
	ctx := context.Background()

	id := srv.SeedAttachment(7, "design.pdf", []byte("pdf"))
	rels, err := client.GetRelations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, remote.RelAttachedFile, rels[0].Rel)
	assert.Equal(t, id, rels[0].AttachmentID())
	assert.Equal(t, "design.pdf", rels[0].Name())

	require.NoError(t, client.AddAttachmentRelation(ctx, 8, rels[0].URL, "copied"))
	assert.Equal(t, []string{rels[0].URL}, srv.RelationURLs(8))
}

func TestDownload(t *testing.T) {
	srv := remotetest.New(t)
	client := remote.NewClient(srv.Config(), nil)
	ctx := context.Background()

	payload := []byte(strings.Repeat("x", 1024))
	id := srv.SeedAttachment(3, "trace log.txt", payload)

	dl, err := client.DownloadAttachment(ctx, id)
	require.NoError(t, err)
	defer dl.Body.Close()
	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "trace log.txt", dl.FileName)
	assert.Equal(t, int64(len(payload)), dl.Size)

	t.Run("不存在的附件", func(t *testing.T) {
		_, err := client.DownloadAttachment(ctx, "missing")
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, transport.StatusCode(err))
	})
}

func TestUploadChunkRetriesTransient(t *testing.T) {
	srv := remotetest.New(t)
	client := remote.NewClient(srv.Config(), nil)
	srv.FailNext(remotetest.OpChunk, http.StatusServiceUnavailable)

	data := []byte("0123456789")
	require.NoError(t, client.UploadChunk(context.Background(), "sess", "f.bin", 0, 9, 20, data))
	assert.Equal(t, 2, srv.Count(remotetest.OpChunk))
	assert.Equal(t, data, srv.SessionData("sess"))

	err := client.UploadChunk(context.Background(), "sess", "f.bin", 10, 19, 20, data[:5])
	assert.Error(t, err, "长度与区间不符时不发送")
}

func TestAttachmentIDFromURL(t *testing.T) {
	cases := map[string]string{
		"https://dev.example/Coll/_apis/wit/attachments/abc-123":             "abc-123",
		"https://dev.example/Coll/_apis/wit/Attachments/ABC-123?fileName=a": "ABC-123",
		"https://dev.example/Coll/_apis/wit/workitems/5":                     "",
	}
	for in, want := range cases {
		assert.Equal(t, want, remote.AttachmentIDFromURL(in), in)
	}
}
