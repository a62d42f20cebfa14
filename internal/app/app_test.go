package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/database/dbtest"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/remote/remotetest"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	webhook "github.com/weiwangfds/attachsync/internal/service/webhook"
)

const hookSecret = "hook-secret"

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
}

type harness struct {
	app *App
	srv *remotetest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := remotetest.New(t)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		Remote: srv.Config(),
		Upload: config.UploadConfig{
			MaxSizeBytes:        1 << 20,
			ChunkThresholdBytes: 256 << 10,
			ChunkSizeBytes:      256 << 10,
			SessionTTL:          time.Hour,
			SpoolDir:            "/spool",
		},
		Sync:    config.SyncConfig{ReconcileConcurrency: 2},
		Webhook: config.WebhookConfig{Secret: hookSecret},
		Jobs:    config.JobsConfig{Enabled: true, MaxAttempts: 1},
	}

	blobs, err := blob.NewLocalStore(afero.NewMemMapFs(), "/blobs")
	require.NoError(t, err)
	spool := afero.NewMemMapFs()
	require.NoError(t, spool.MkdirAll("/spool", 0o755))

	a, err := New(context.Background(), cfg, Options{DB: dbtest.Open(t), Blobs: blobs, SpoolFs: spool})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &harness{app: a, srv: srv}
}

func (h *harness) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	h.app.Router.GetEngine().ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func uploadRequest(t *testing.T, name string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadLinkDownload(t *testing.T) {
	h := newHarness(t)

	w, env := h.do(t, uploadRequest(t, "report.pdf", []byte("quarterly report"), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, env.Code)
	assert.Equal(t, "uploaded", env.Message)
	assert.NotEmpty(t, env.RequestID)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var uploaded struct {
		Record struct {
			AttachmentID string `json:"attachment_id"`
			SyncStatus   string `json:"sync_status"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &uploaded))
	assert.Equal(t, "PENDING", uploaded.Record.SyncStatus)
	attachmentID := uploaded.Record.AttachmentID

	t.Run("关联", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments/"+attachmentID+"/link",
			strings.NewReader(`{"work_item_id": 31, "comment": "q3"}`))
		req.Header.Set("Content-Type", "application/json")
		w, env := h.do(t, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, string(env.Data), `"sync_status":"SYNCED"`)
		assert.Len(t, h.srv.RelationURLs(31), 1)
	})

	t.Run("工作项附件列表", func(t *testing.T) {
		w, env := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/workitems/31/attachments", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var list struct {
			Total int `json:"total"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &list))
		assert.Equal(t, 1, list.Total)
	})

	t.Run("下载", func(t *testing.T) {
		w, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/attachments/"+attachmentID+"/download", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "quarterly report", w.Body.String())
		assert.Equal(t, `attachment; filename=report.pdf`, w.Header().Get("Content-Disposition"))
	})

	t.Run("关联参数错误", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments/"+attachmentID+"/link", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		w, env := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, int(apperrors.ErrInvalidParams), env.Code)
	})
}

func TestUploadAndLinkInOneRequest(t *testing.T) {
	h := newHarness(t)

	w, env := h.do(t, uploadRequest(t, "a.txt", []byte("together"), map[string]string{"work_item_id": "8", "comment": "c"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "uploaded_and_linked", env.Message)
	assert.Len(t, h.srv.RelationURLs(8), 1)

	w, _ = h.do(t, uploadRequest(t, "a.txt", []byte("x"), map[string]string{"work_item_id": "abc"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadErrors(t *testing.T) {
	h := newHarness(t)

	t.Run("缺少文件", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", strings.NewReader(""))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		w, _ := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("超过大小限制", func(t *testing.T) {
		w, env := h.do(t, uploadRequest(t, "big.bin", bytes.Repeat([]byte("a"), 1<<20+1), nil))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, int(apperrors.ErrFileSizeTooLarge), env.Code)
	})

	t.Run("远程凭据无效", func(t *testing.T) {
		h.srv.FailNext(remotetest.OpCreate, http.StatusUnauthorized)
		w, env := h.do(t, uploadRequest(t, "denied.txt", []byte("denied"), nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, int(apperrors.ErrRemoteUnauthorized), env.Code)
		assert.Contains(t, string(env.Data), `"remote_status":401`)
	})
}

func TestReconcileEndpoints(t *testing.T) {
	h := newHarness(t)
	h.srv.SeedAttachment(12, "remote.txt", []byte("remote"))

	w, env := h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/workitems/12/reconcile?async=true", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, string(env.Data), `"job_id"`)

	w, env = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/workitems/12/reconcile", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result struct {
		Added []string `json:"added"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Len(t, result.Added, 1)

	w, env = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sync/jobs?status=queued", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"total":1`)

	w, env = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sync/events?work_item_id=12&limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "DOWNLOADED")

	w, _ = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/workitems/abc/reconcile", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sync/events?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"eventType":"workitem.updated","resource":{"workItemId":44}}`)

	post := func(header, signature string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/remote", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if header != "" {
			req.Header.Set(header, signature)
		}
		return req
	}

	w, _ := h.do(t, post("X-Hub-Signature-256", webhook.Sign(hookSecret, payload)))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, env := h.do(t, post("X-Signature", webhook.Sign(hookSecret, payload)))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, string(env.Data), `"coalesced":true`)

	w, env = h.do(t, post("", ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int(apperrors.ErrWebhookSignature), env.Code)

	jobs, err := h.app.Attachment.Jobs(context.Background(), database.JobFilter{WorkItemID: 44})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMiscRoutes(t *testing.T) {
	h := newHarness(t)

	w, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/uploads/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, int(apperrors.ErrSessionNotFound), env.Code)

	w, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/nothing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	w, _ = h.do(t, req)
	assert.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ok")
}
