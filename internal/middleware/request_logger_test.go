package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/weiwangfds/attachsync/internal/response"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RequestID(), RequestLogger(&RequestLoggerConfig{IncludeHeaders: true}))
	engine.GET("/ping", func(c *gin.Context) {
		id, _ := c.Get(response.RequestIDKey)
		c.String(http.StatusOK, "%v", id)
	})
	return engine
}

func TestRequestID(t *testing.T) {
	engine := newEngine()

	t.Run("生成新ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		id := w.Header().Get(RequestIDHeader)
		assert.Len(t, id, 36)
		assert.Equal(t, id, w.Body.String())
	})

	t.Run("沿用客户端ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIDHeader, "client-id")
		engine.ServeHTTP(w, req)
		assert.Equal(t, "client-id", w.Header().Get(RequestIDHeader))
		assert.Equal(t, "client-id", w.Body.String())
	})

	t.Run("过长的ID被替换", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 65))
		engine.ServeHTTP(w, req)
		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	})
}

func TestExtractHeadersSkipsSensitive(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Basic abc")
	h.Set("X-Hub-Signature-256", "sha256=00")
	h.Set("Content-Type", "application/json")

	got := extractHeaders(h)
	assert.Contains(t, got, "Content-Type")
	assert.NotContains(t, got, "Authorization")
	assert.NotContains(t, got, "X-Hub-Signature-256")
}
