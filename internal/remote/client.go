// Package remote 远程工作项服务的附件接口客户端
// 所有调用经过 transport.Executor 重试，并在 400/404 时依次尝试候选的URL前缀与API版本
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/transport"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RelAttachedFile 附件关系类型
const RelAttachedFile = "AttachedFile"

// Attachment 创建附件的返回值
type Attachment struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Relation 工作项关系
type Relation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AttachmentID 从关系URL中解析附件ID
func (r Relation) AttachmentID() string {
	return AttachmentIDFromURL(r.URL)
}

// Name 关系属性中的文件名
func (r Relation) Name() string {
	if name, ok := r.Attributes["name"].(string); ok {
		return name
	}
	return ""
}

// Download 附件下载流，调用方负责关闭 Body
type Download struct {
	Body     io.ReadCloser
	FileName string
	Size     int64
}

// API 附件同步引擎使用的远程接口
type API interface {
	CreateAttachment(ctx context.Context, fileName string, content io.ReaderAt, size int64) (*Attachment, error)
	UploadChunk(ctx context.Context, sessionID, fileName string, start, end, total int64, data []byte) error
	AbandonChunked(ctx context.Context, sessionID string) error
	GetRelations(ctx context.Context, workItemID int) ([]Relation, error)
	AddAttachmentRelation(ctx context.Context, workItemID int, attachmentURL, comment string) error
	DownloadAttachment(ctx context.Context, attachmentID string) (*Download, error)
}

type candidate struct {
	prefix  string
	version string
}

// Client 远程服务客户端
type Client struct {
	http       *resty.Client
	exec       *transport.Executor
	limiter    *rate.Limiter
	candidates []candidate

	mu        sync.Mutex
	preferred int
	confirmed bool
}

// NewClient 创建远程客户端
// 参数:
//   - cfg: 远程服务配置
//   - exec: 重试执行器，为nil时使用 cfg.Retry 创建
//
// 返回值:
//   - *Client: 客户端实例
func NewClient(cfg config.RemoteConfig, exec *transport.Executor) *Client {
	if exec == nil {
		exec = transport.NewExecutor(cfg.Retry)
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "attachsync/1.0").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		if strings.EqualFold(cfg.AuthScheme, "bearer") {
			httpClient.SetAuthToken(cfg.Token)
		} else {
			// PAT 以空用户名的 basic 认证发送
			httpClient.SetBasicAuth("", cfg.Token)
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		http:       httpClient,
		exec:       exec,
		limiter:    limiter,
		candidates: buildCandidates(cfg),
	}
}

// buildCandidates 候选顺序: {collection}/{project}、{project}、无前缀，每个前缀依次尝试各API版本
func buildCandidates(cfg config.RemoteConfig) []candidate {
	var prefixes []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}
	if cfg.Collection != "" && cfg.Project != "" {
		add("/" + cfg.Collection + "/" + cfg.Project)
	}
	if cfg.Project != "" {
		add("/" + cfg.Project)
	}
	add("")

	versions := cfg.APIVersions
	if len(versions) == 0 {
		versions = []string{"7.1", "7.0", "6.0"}
	}

	out := make([]candidate, 0, len(prefixes)*len(versions))
	for _, p := range prefixes {
		for _, v := range versions {
			out = append(out, candidate{prefix: p, version: v})
		}
	}
	return out
}

// requestFunc 基于候选构造一次请求
type requestFunc func(ctx context.Context, c candidate) (*resty.Response, error)

// call 依次尝试候选，400/404 时切换到下一个候选；已确认可用的候选不再回退
func (c *Client) call(ctx context.Context, name string, fn requestFunc) (*resty.Response, error) {
	c.mu.Lock()
	start, confirmed := c.preferred, c.confirmed
	c.mu.Unlock()

	order := []int{start}
	if !confirmed {
		for i := range c.candidates {
			if i != start {
				order = append(order, i)
			}
		}
	}

	var lastErr error
	for _, idx := range order {
		cand := c.candidates[idx]
		resp, err := c.exec.Do(ctx, func(ctx context.Context) (*resty.Response, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return fn(ctx, cand)
		})
		if err == nil {
			c.mu.Lock()
			c.preferred, c.confirmed = idx, true
			c.mu.Unlock()
			return resp, nil
		}

		lastErr = err
		if !transport.IsNotFound(err) && !transport.IsBadRequest(err) {
			return nil, err
		}
		if len(order) > 1 {
			logger.Debugf("[远程] %s 候选 %q api-version=%s 不可用: %v", name, cand.prefix, cand.version, err)
		}
	}
	return nil, lastErr
}

func (c *Client) endpoint(cand candidate, path string) string {
	return cand.prefix + "/_apis/wit/" + path
}

// CreateAttachment 单次上传整个文件
func (c *Client) CreateAttachment(ctx context.Context, fileName string, content io.ReaderAt, size int64) (*Attachment, error) {
	resp, err := c.call(ctx, "CreateAttachment", func(ctx context.Context, cand candidate) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/octet-stream").
			SetQueryParam("fileName", fileName).
			SetQueryParam("api-version", cand.version).
			SetBody(io.NewSectionReader(content, 0, size)).
			Post(c.endpoint(cand, "attachments"))
	})
	if err != nil {
		return nil, err
	}

	var out Attachment
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode attachment response: %w", err)
	}
	if out.ID == "" && out.URL != "" {
		out.ID = AttachmentIDFromURL(out.URL)
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("attachment response missing id or url: %s", resp.String())
	}
	return &out, nil
}

// UploadChunk 上传一个连续的字节区间 [start, end]
func (c *Client) UploadChunk(ctx context.Context, sessionID, fileName string, start, end, total int64, data []byte) error {
	if int64(len(data)) != end-start+1 {
		return fmt.Errorf("chunk length %d does not match range %d-%d", len(data), start, end)
	}
	_, err := c.call(ctx, "UploadChunk", func(ctx context.Context, cand candidate) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/octet-stream").
			SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total)).
			SetQueryParam("sessionId", sessionID).
			SetQueryParam("fileName", fileName).
			SetQueryParam("api-version", cand.version).
			SetBody(bytes.NewReader(data)).
			Put(c.endpoint(cand, "attachments/chunked"))
	})
	return err
}

// AbandonChunked 尽力通知远程丢弃分块会话
func (c *Client) AbandonChunked(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "AbandonChunked", func(ctx context.Context, cand candidate) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("sessionId", sessionID).
			SetQueryParam("api-version", cand.version).
			Delete(c.endpoint(cand, "attachments/chunked"))
	})
	return err
}

// GetRelations 获取工作项的全部关系
func (c *Client) GetRelations(ctx context.Context, workItemID int) ([]Relation, error) {
	resp, err := c.call(ctx, "GetRelations", func(ctx context.Context, cand candidate) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("$expand", "relations").
			SetQueryParam("api-version", cand.version).
			Get(c.endpoint(cand, "workitems/"+strconv.Itoa(workItemID)))
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		ID        int        `json:"id"`
		Relations []Relation `json:"relations"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode work item %d: %w", workItemID, err)
	}
	return out.Relations, nil
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// AddAttachmentRelation 以 json-patch 为工作项添加附件关系
func (c *Client) AddAttachmentRelation(ctx context.Context, workItemID int, attachmentURL, comment string) error {
	body, err := json.Marshal([]patchOp{{
		Op:   "add",
		Path: "/relations/-",
		Value: Relation{
			Rel:        RelAttachedFile,
			URL:        attachmentURL,
			Attributes: map[string]interface{}{"comment": comment},
		},
	}})
	if err != nil {
		return err
	}

	_, err = c.call(ctx, "AddAttachmentRelation", func(ctx context.Context, cand candidate) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json-patch+json").
			SetQueryParam("api-version", cand.version).
			SetBody(body).
			Patch(c.endpoint(cand, "workitems/"+strconv.Itoa(workItemID)))
	})
	return err
}

// DownloadAttachment 以流的方式下载附件
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID string) (*Download, error) {
	resp, err := c.call(ctx, "DownloadAttachment", func(ctx context.Context, cand candidate) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			SetHeader("Accept", "application/octet-stream").
			SetQueryParam("download", "true").
			SetQueryParam("api-version", cand.version).
			Get(c.endpoint(cand, "attachments/"+attachmentID))
	})
	if err != nil {
		return nil, err
	}

	raw := resp.RawResponse
	return &Download{
		Body:     raw.Body,
		FileName: fileNameFromDisposition(raw.Header.Get("Content-Disposition")),
		Size:     raw.ContentLength,
	}, nil
}

// AttachmentIDFromURL 取URL中 attachments/ 之后的路径段
func AttachmentIDFromURL(u string) string {
	lower := strings.ToLower(u)
	idx := strings.LastIndex(lower, "/attachments/")
	if idx < 0 {
		return ""
	}
	rest := u[idx+len("/attachments/"):]
	if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
		rest = rest[:cut]
	}
	return rest
}

func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

var _ API = (*Client)(nil)

// StatusText 便于日志输出的状态描述
func StatusText(err error) string {
	if code := transport.StatusCode(err); code != 0 {
		return fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))
	}
	return err.Error()
}
