package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// RemoteError 远程服务返回的非2xx响应
type RemoteError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// AuthGuidance 针对401/403给出可操作的提示，其他状态码返回空串
func (e *RemoteError) AuthGuidance() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return "credential invalid or expired, check the configured token"
	case http.StatusForbidden:
		return "credential lacks the required scope (work items read & write)"
	default:
		return ""
	}
}

// ExhaustedError 可重试错误在用尽全部尝试次数后返回
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// AsRemoteError 从错误链中提取 RemoteError
func AsRemoteError(err error) (*RemoteError, bool) {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr, true
	}
	return nil, false
}

// IsExhausted 判断错误是否为重试耗尽
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// StatusCode 返回错误链中的远程HTTP状态码，没有则为0
func StatusCode(err error) int {
	if remoteErr, ok := AsRemoteError(err); ok {
		return remoteErr.StatusCode
	}
	return 0
}

// IsNotFound 远程返回404
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsBadRequest 远程返回400
func IsBadRequest(err error) bool { return StatusCode(err) == http.StatusBadRequest }

// IsAuthError 远程返回401或403
func IsAuthError(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsRetryable 判断错误是否值得重试
// 408/429/5xx 以及 DNS失败、连接被拒绝/重置、超时 视为瞬时错误
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if IsExhausted(err) {
		return false
	}

	if remoteErr, ok := AsRemoteError(err); ok {
		code := remoteErr.StatusCode
		return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
