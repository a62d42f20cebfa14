package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/response"
)

// RequestIDHeader 请求ID头，客户端传入时沿用
const RequestIDHeader = "X-Request-ID"

// RequestLoggerConfig 请求日志中间件配置
type RequestLoggerConfig struct {
	SkipPaths      []string // 跳过记录的路径
	IncludeHeaders bool     // 是否记录请求头，签名与认证头不会记录
}

// DefaultRequestLoggerConfig 默认配置
func DefaultRequestLoggerConfig() *RequestLoggerConfig {
	return &RequestLoggerConfig{
		SkipPaths: []string{"/health", "/favicon.ico"},
	}
}

// 不写入日志的请求头
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"x-hub-signature-256": true,
	"x-signature":         true,
}

// RequestID 为每个请求分配ID，写入上下文与响应头
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(response.RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestLogger 请求日志中间件
// 请求体是附件内容或签名负载，只记录大小
func RequestLogger(config ...*RequestLoggerConfig) gin.HandlerFunc {
	cfg := DefaultRequestLoggerConfig()
	if len(config) > 0 && config[0] != nil {
		cfg = config[0]
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		fields := logrus.Fields{
			"request_id":     c.GetString(response.RequestIDKey),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"route":          c.FullPath(),
			"query":          c.Request.URL.RawQuery,
			"status":         c.Writer.Status(),
			"client_ip":      c.ClientIP(),
			"user_agent":     c.Request.UserAgent(),
			"request_bytes":  c.Request.ContentLength,
			"response_bytes": c.Writer.Size(),
			"duration_ms":    duration.Milliseconds(),
		}
		if cfg.IncludeHeaders {
			fields["headers"] = extractHeaders(c.Request.Header)
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.String()
		}

		entry := logger.WithFields(fields)
		message := "[HTTP] " + c.Request.Method + " " + c.Request.URL.Path
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error(message)
		case status >= 400:
			entry.Warn(message)
		default:
			entry.Info(message)
		}
	}
}

// extractHeaders 每个请求头只取第一个值
func extractHeaders(headers map[string][]string) map[string]string {
	headerMap := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 || sensitiveHeaders[strings.ToLower(key)] {
			continue
		}
		headerMap[key] = values[0]
	}
	return headerMap
}
