// Package remotetest 提供内存中的远程工作项服务，用于测试附件同步流程
package remotetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/transport"
)

// Op 可注入故障的操作类型
type Op string

const (
	OpCreate   Op = "create"
	OpChunk    Op = "chunk"
	OpAbandon  Op = "abandon"
	OpGet      Op = "get"
	OpPatch    Op = "patch"
	OpDownload Op = "download"
)

// ChunkCall 收到的一次分块上传
type ChunkCall struct {
	SessionID string
	Start     int64
	End       int64
	Total     int64
}

type attachment struct {
	name string
	data []byte
}

type relation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Server 假的远程服务
type Server struct {
	*httptest.Server

	// Prefix 只接受该URL前缀，其他前缀返回404；为空接受任意前缀
	Prefix string
	// Versions 只接受这些 api-version，其他返回400；为空接受任意版本
	Versions []string

	mu          sync.Mutex
	attachments map[string]*attachment
	sessions    map[string]*bytes.Buffer
	relations   map[int][]relation
	failures    map[Op][]int
	counts      map[Op]int
	chunkCalls  []ChunkCall
	bytesIn     int64
}

var (
	workItemPath   = regexp.MustCompile(`/_apis/wit/workitems/(\d+)$`)
	attachmentPath = regexp.MustCompile(`/_apis/wit/attachments/([^/]+)$`)
	contentRange   = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)
)

// New 启动假服务，测试结束时关闭
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		attachments: map[string]*attachment{},
		sessions:    map[string]*bytes.Buffer{},
		relations:   map[int][]relation{},
		failures:    map[Op][]int{},
		counts:      map[Op]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Config 指向假服务的客户端配置，重试退避为毫秒级
func (s *Server) Config() config.RemoteConfig {
	return config.RemoteConfig{
		BaseURL:     s.URL,
		Collection:  "DefaultCollection",
		Project:     "Quality",
		APIVersions: []string{"7.1", "7.0"},
		Token:       "pat",
		Retry: transport.Config{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
	}
}

// FailNext 让接下来的 op 调用依次返回给定状态码
func (s *Server) FailNext(op Op, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], statuses...)
}

// FailAlways 让 op 持续返回给定状态码
func (s *Server) FailAlways(op Op, status int) {
	s.FailNext(op, repeat(status, 1000)...)
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Count op 被调用的次数（含失败）
func (s *Server) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// ChunkCalls 成功接收的分块
func (s *Server) ChunkCalls() []ChunkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkCall(nil), s.chunkCalls...)
}

// BytesReceived 上传与分块接口累计收到的字节数
func (s *Server) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesIn
}

// AttachmentData 已存储附件的内容
func (s *Server) AttachmentData(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attachments[id]; ok {
		return a.data
	}
	return nil
}

// SessionData 分块会话目前累计的内容
func (s *Server) SessionData(sessionID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.sessions[sessionID]; ok {
		return append([]byte(nil), buf.Bytes()...)
	}
	return nil
}

// RelationURLs 工作项上的附件关系URL
func (s *Server) RelationURLs(workItemID int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for _, r := range s.relations[workItemID] {
		urls = append(urls, r.URL)
	}
	return urls
}

// SeedAttachment 在远程添加附件并关联到工作项，返回附件ID
func (s *Server) SeedAttachment(workItemID int, name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.attachments[id] = &attachment{name: name, data: data}
	s.relations[workItemID] = append(s.relations[workItemID], relation{
		Rel:        "AttachedFile",
		URL:        s.attachmentURL(id),
		Attributes: map[string]interface{}{"name": name},
	})
	return id
}

// RemoveRelation 从工作项移除附件关系
func (s *Server) RemoveRelation(workItemID int, attachmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.relations[workItemID][:0]
	for _, r := range s.relations[workItemID] {
		if !strings.HasSuffix(strings.ToLower(r.URL), "/"+strings.ToLower(attachmentID)) {
			kept = append(kept, r)
		}
	}
	s.relations[workItemID] = kept
}

func (s *Server) attachmentURL(id string) string {
	return s.URL + "/DefaultCollection/_apis/wit/attachments/" + id
}

// injected 返回需要注入的故障状态码，0 表示正常处理
func (s *Server) injected(op Op) int {
	s.counts[op]++
	queue := s.failures[op]
	if len(queue) == 0 {
		return 0
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := r.URL.Path
	idx := strings.Index(path, "/_apis/wit/")
	if idx < 0 {
		http.NotFound(w, r)
		return
	}
	if s.Prefix != "" && path[:idx] != s.Prefix {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}
	if len(s.Versions) > 0 && !contains(s.Versions, r.URL.Query().Get("api-version")) {
		http.Error(w, "unsupported api-version", http.StatusBadRequest)
		return
	}

	switch {
	case strings.HasSuffix(path, "/_apis/wit/attachments/chunked"):
		if r.Method == http.MethodDelete {
			s.abandon(w, r)
			return
		}
		s.chunk(w, r)
	case strings.HasSuffix(path, "/_apis/wit/attachments") && r.Method == http.MethodPost:
		s.create(w, r)
	case attachmentPath.MatchString(path) && r.Method == http.MethodGet:
		s.download(w, r, attachmentPath.FindStringSubmatch(path)[1])
	case workItemPath.MatchString(path):
		id, _ := strconv.Atoi(workItemPath.FindStringSubmatch(path)[1])
		if r.Method == http.MethodPatch {
			s.patch(w, r, id)
			return
		}
		s.getWorkItem(w, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	if code := s.injected(OpCreate); code != 0 {
		http.Error(w, "injected", code)
		return
	}
	data, _ := io.ReadAll(r.Body)
	s.bytesIn += int64(len(data))

	id := uuid.NewString()
	s.attachments[id] = &attachment{name: r.URL.Query().Get("fileName"), data: data}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "url": s.attachmentURL(id)})
}

func (s *Server) chunk(w http.ResponseWriter, r *http.Request) {
	if code := s.injected(OpChunk); code != 0 {
		http.Error(w, "injected", code)
		return
	}
	m := contentRange.FindStringSubmatch(r.Header.Get("Content-Range"))
	if m == nil {
		http.Error(w, "missing Content-Range", http.StatusBadRequest)
		return
	}
	start, _ := strconv.ParseInt(m[1], 10, 64)
	end, _ := strconv.ParseInt(m[2], 10, 64)
	total, _ := strconv.ParseInt(m[3], 10, 64)
	sessionID := r.URL.Query().Get("sessionId")

	buf, ok := s.sessions[sessionID]
	if !ok {
		buf = &bytes.Buffer{}
		s.sessions[sessionID] = buf
	}
	// 远程只维护一个追加游标
	if start != int64(buf.Len()) {
		http.Error(w, fmt.Sprintf("expected offset %d, got %d", buf.Len(), start), http.StatusConflict)
		return
	}

	data, _ := io.ReadAll(r.Body)
	if int64(len(data)) != end-start+1 || end >= total {
		http.Error(w, "range mismatch", http.StatusBadRequest)
		return
	}
	buf.Write(data)
	s.bytesIn += int64(len(data))
	s.chunkCalls = append(s.chunkCalls, ChunkCall{SessionID: sessionID, Start: start, End: end, Total: total})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) abandon(w http.ResponseWriter, r *http.Request) {
	if code := s.injected(OpAbandon); code != 0 {
		http.Error(w, "injected", code)
		return
	}
	delete(s.sessions, r.URL.Query().Get("sessionId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getWorkItem(w http.ResponseWriter, id int) {
	if code := s.injected(OpGet); code != 0 {
		http.Error(w, "injected", code)
		return
	}
	rels := s.relations[id]
	if rels == nil {
		rels = []relation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "relations": rels})
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, id int) {
	if code := s.injected(OpPatch); code != 0 {
		http.Error(w, "injected", code)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json-patch+json") {
		http.Error(w, "unsupported content type "+ct, http.StatusUnsupportedMediaType)
		return
	}
	var ops []struct {
		Op    string   `json:"op"`
		Path  string   `json:"path"`
		Value relation `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, op := range ops {
		if op.Op != "add" || op.Path != "/relations/-" {
			http.Error(w, "unsupported patch", http.StatusBadRequest)
			return
		}
		s.relations[id] = append(s.relations[id], op.Value)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "relations": s.relations[id]})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, id string) {
	if code := s.injected(OpDownload); code != 0 {
		http.Error(w, "injected", code)
		return
	}
	a, ok := s.attachments[id]
	if !ok {
		http.Error(w, "attachment not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.name))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.data)))
	_, _ = w.Write(a.data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
