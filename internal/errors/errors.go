package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/weiwangfds/attachsync/internal/i18n"
	"github.com/weiwangfds/attachsync/internal/transport"
)

// ErrorCode 错误码类型
type ErrorCode int

// 定义错误码常量
const (
	// 通用错误码 (1000-1999)
	ErrSuccess            ErrorCode = 0    // 成功
	ErrInternalServer     ErrorCode = 1000 // 服务器内部错误
	ErrInvalidParams      ErrorCode = 1001 // 参数错误
	ErrUnauthorized       ErrorCode = 1002 // 未授权
	ErrForbidden          ErrorCode = 1003 // 禁止访问
	ErrNotFound           ErrorCode = 1004 // 资源未找到
	ErrTooManyRequests    ErrorCode = 1006 // 请求过于频繁
	ErrServiceUnavailable ErrorCode = 1007 // 服务不可用

	// 附件与上传错误码 (2000-2999)
	ErrAttachmentNotFound ErrorCode = 2000 // 附件未找到
	ErrFileEmpty          ErrorCode = 2001 // 文件为空
	ErrFileUploadFailed   ErrorCode = 2002 // 上传失败
	ErrFileReadFailed     ErrorCode = 2004 // 文件读取失败
	ErrFileSizeTooLarge   ErrorCode = 2006 // 文件大小超限
	ErrFileHashMismatch   ErrorCode = 2009 // 文件哈希不匹配
	ErrSessionNotFound    ErrorCode = 2010 // 分块会话未找到
	ErrChunkOutOfOrder    ErrorCode = 2011 // 分块顺序错误
	ErrUploadInProgress   ErrorCode = 2012 // 相同内容上传中

	// 远程服务错误码 (3000-3999)
	ErrRemoteUnauthorized  ErrorCode = 3000 // 远程凭据无效
	ErrRemoteForbidden     ErrorCode = 3001 // 远程凭据权限不足
	ErrRemoteNotFound      ErrorCode = 3002 // 远程资源未找到
	ErrRemoteBadRequest    ErrorCode = 3003 // 远程请求被拒绝
	ErrRemoteUnavailable   ErrorCode = 3004 // 重试耗尽，远程不可达
	ErrRemoteRequestFailed ErrorCode = 3005 // 其他远程失败

	// 数据库相关错误码 (4000-4999)
	ErrDatabaseConnection  ErrorCode = 4000 // 数据库连接错误
	ErrDatabaseQuery       ErrorCode = 4001 // 数据库查询错误
	ErrDatabaseInsert      ErrorCode = 4002 // 数据库插入错误
	ErrDatabaseUpdate      ErrorCode = 4003 // 数据库更新错误
	ErrRecordNotFound      ErrorCode = 4006 // 记录未找到
	ErrRecordAlreadyExists ErrorCode = 4007 // 记录已存在

	// 同步相关错误码 (5000-5999)
	ErrLinkFailed            ErrorCode = 5000 // 关联失败
	ErrReconcileFailed       ErrorCode = 5001 // 入站同步失败
	ErrWebhookSignature      ErrorCode = 5002 // Webhook签名无效
	ErrWebhookPayloadInvalid ErrorCode = 5003 // Webhook负载错误
	ErrBlobStoreFailed       ErrorCode = 5004 // 对象存储失败
)

// AppError 应用错误结构体
type AppError struct {
	// 错误码
	Code ErrorCode `json:"code"`
	// 错误消息
	Message string `json:"message"`
	// 详细错误信息
	Details string `json:"details,omitempty"`
	// 远程服务返回的HTTP状态码，非远程错误为0
	RemoteStatus int `json:"remote_status,omitempty"`
	// 原始错误
	OriginalError error `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误，支持 errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.OriginalError
}

// WithDetails 添加详细错误信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New 创建新的应用错误，消息为空时使用错误码的默认翻译
// 参数:
//   - code: 错误码
//   - message: 错误消息
//
// 返回值:
//   - *AppError: 应用错误实例
func New(code ErrorCode, message string) *AppError {
	if message == "" {
		message = GetErrorMessage(code)
	}
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
// 参数:
//   - code: 错误码
//   - message: 错误消息
//   - err: 原始错误
//
// 返回值:
//   - *AppError: 应用错误实例
func Wrap(code ErrorCode, message string, err error) *AppError {
	appErr := New(code, message)
	appErr.OriginalError = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// GetAppError 从错误链中提取应用错误
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// FromRemote 将传输层错误转换为应用错误
// 凭据问题区分"无效"与"权限不足"，重试耗尽统一为"远程不可达"
// 参数:
//   - err: 传输层返回的错误
//   - fallback: 无法识别时使用的错误码
//
// 返回值:
//   - *AppError: 应用错误实例；err为nil时返回nil
func FromRemote(err error, fallback ErrorCode) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := GetAppError(err); ok {
		return appErr
	}

	var exhausted *transport.ExhaustedError
	if stderrors.As(err, &exhausted) {
		appErr := Wrap(ErrRemoteUnavailable, "", err)
		if remoteErr, ok := transport.AsRemoteError(exhausted.Last); ok {
			appErr.RemoteStatus = remoteErr.StatusCode
		}
		return appErr
	}

	remoteErr, ok := transport.AsRemoteError(err)
	if !ok {
		return Wrap(fallback, "", err)
	}

	var appErr *AppError
	switch remoteErr.StatusCode {
	case http.StatusUnauthorized:
		appErr = Wrap(ErrRemoteUnauthorized, "", err)
	case http.StatusForbidden:
		appErr = Wrap(ErrRemoteForbidden, "", err)
	case http.StatusNotFound:
		appErr = Wrap(ErrRemoteNotFound, "", err)
	case http.StatusBadRequest:
		appErr = Wrap(ErrRemoteBadRequest, "", err)
	default:
		appErr = Wrap(fallback, "", err)
	}
	if guidance := remoteErr.AuthGuidance(); guidance != "" {
		appErr.Details = guidance + ": " + appErr.Details
	}
	appErr.RemoteStatus = remoteErr.StatusCode
	return appErr
}

// HTTPStatus 错误码对应的本地HTTP状态码
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrInvalidParams, ErrFileEmpty, ErrChunkOutOfOrder, ErrWebhookPayloadInvalid:
		return http.StatusBadRequest
	case ErrUnauthorized, ErrWebhookSignature:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound, ErrAttachmentNotFound, ErrSessionNotFound, ErrRecordNotFound:
		return http.StatusNotFound
	case ErrRecordAlreadyExists, ErrUploadInProgress:
		return http.StatusConflict
	case ErrFileSizeTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrFileHashMismatch:
		return http.StatusUnprocessableEntity
	case ErrTooManyRequests:
		return http.StatusTooManyRequests
	case ErrRemoteUnavailable, ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrRemoteUnauthorized, ErrRemoteForbidden, ErrRemoteNotFound,
		ErrRemoteBadRequest, ErrRemoteRequestFailed, ErrFileUploadFailed,
		ErrLinkFailed, ErrReconcileFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 错误码到i18n键的映射
var errorCodeToKeyMap = map[ErrorCode]string{
	ErrSuccess:            "success",
	ErrInternalServer:     "internal_server_error",
	ErrInvalidParams:      "invalid_params",
	ErrUnauthorized:       "unauthorized",
	ErrForbidden:          "forbidden",
	ErrNotFound:           "not_found",
	ErrTooManyRequests:    "too_many_requests",
	ErrServiceUnavailable: "service_unavailable",

	ErrAttachmentNotFound: "attachment_not_found",
	ErrFileEmpty:          "file_empty",
	ErrFileUploadFailed:   "upload_failed",
	ErrFileReadFailed:     "file_read_failed",
	ErrFileSizeTooLarge:   "file_size_too_large",
	ErrFileHashMismatch:   "file_hash_mismatch",
	ErrSessionNotFound:    "session_not_found",
	ErrChunkOutOfOrder:    "chunk_out_of_order",
	ErrUploadInProgress:   "upload_in_progress",

	ErrRemoteUnauthorized:  "remote_unauthorized",
	ErrRemoteForbidden:     "remote_forbidden",
	ErrRemoteNotFound:      "remote_not_found",
	ErrRemoteBadRequest:    "remote_bad_request",
	ErrRemoteUnavailable:   "remote_unavailable",
	ErrRemoteRequestFailed: "remote_request_failed",

	ErrDatabaseConnection:  "database_connection",
	ErrDatabaseQuery:       "database_query",
	ErrDatabaseInsert:      "database_insert",
	ErrDatabaseUpdate:      "database_update",
	ErrRecordNotFound:      "record_not_found",
	ErrRecordAlreadyExists: "record_already_exists",

	ErrLinkFailed:            "link_failed",
	ErrReconcileFailed:       "reconcile_failed",
	ErrWebhookSignature:      "webhook_signature",
	ErrWebhookPayloadInvalid: "webhook_payload_invalid",
	ErrBlobStoreFailed:       "blob_store_failed",
}

// GetErrorMessage 根据错误码获取错误消息（使用默认语言）
func GetErrorMessage(code ErrorCode) string {
	return GetErrorMessageWithLang(code, i18n.GetInstance().GetDefaultLanguage())
}

// GetErrorMessageWithLang 根据错误码和语言获取错误消息
func GetErrorMessageWithLang(code ErrorCode, lang string) string {
	key, exists := errorCodeToKeyMap[code]
	if !exists {
		key = "unknown_error"
	}
	return i18n.GetInstance().Translate(key, lang)
}
