package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// RequestIDKey gin上下文中请求ID的键
const RequestIDKey = "request_id"

// Response 统一返回值结构体
type Response struct {
	// 状态码，0表示成功，非0为 internal/errors 中的错误码
	Code int `json:"code" example:"0"`
	// 响应消息
	Message string `json:"message" example:"success"`
	// 响应数据
	Data interface{} `json:"data,omitempty"`
	// 请求ID，用于链路追踪
	RequestID string `json:"request_id,omitempty" example:"9f1c2a7e-3d4b-4c55-8f0e-1a2b3c4d5e6f"`
	// 时间戳
	Timestamp int64 `json:"timestamp" example:"1640995200"`
}

// ErrorData 错误响应的附加数据
type ErrorData struct {
	Details string `json:"details,omitempty"`
	// RemoteStatus 远程服务返回的HTTP状态码
	RemoteStatus int `json:"remote_status,omitempty"`
}

// now 便于测试替换
var now = time.Now

func write(c *gin.Context, status, code int, message string, data interface{}) {
	c.JSON(status, Response{
		Code:      code,
		Message:   message,
		Data:      data,
		RequestID: getRequestID(c),
		Timestamp: now().Unix(),
	})
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, 0, "success", data)
}

// SuccessWithMessage 带消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	write(c, http.StatusOK, 0, message, data)
}

// Accepted 已接受，异步处理
func Accepted(c *gin.Context, message string, data interface{}) {
	write(c, http.StatusAccepted, 0, message, data)
}

// BadRequest 400错误响应
func BadRequest(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, int(apperrors.ErrInvalidParams), message, nil)
}

// FromError 把错误转换为响应
// *apperrors.AppError 按错误码映射HTTP状态，远程失败时在 data 中带上远程状态码；其他错误按500处理
func FromError(c *gin.Context, err error) {
	appErr, ok := apperrors.GetAppError(err)
	if !ok {
		appErr = apperrors.Wrap(apperrors.ErrInternalServer, "", err)
	}

	status := appErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Errorf("[HTTP] %s %s 失败: %v", c.Request.Method, c.FullPath(), err)
	}
	_ = c.Error(err)

	var data interface{}
	if appErr.Details != "" || appErr.RemoteStatus != 0 {
		data = ErrorData{Details: appErr.Details, RemoteStatus: appErr.RemoteStatus}
	}
	write(c, status, int(appErr.Code), appErr.Message, data)
}

// getRequestID 从gin上下文中获取请求ID
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
