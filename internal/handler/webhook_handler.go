package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/response"
	webhook "github.com/weiwangfds/attachsync/internal/service/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookHandler 远程服务通知
type WebhookHandler struct {
	svc webhook.WebhookService
}

// NewWebhookHandler 创建通知处理器
func NewWebhookHandler(svc webhook.WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// Receive 接收工作项通知
// @Summary 接收远程通知
// @Description 签名放在 X-Hub-Signature-256 或 X-Signature 头中
// @Tags 同步
// @Accept json
// @Produce json
// @Success 200 {object} response.Response "已接受，不需要同步"
// @Success 202 {object} response.Response "已排队同步任务"
// @Failure 400 {object} response.Response "负载无效"
// @Failure 401 {object} response.Response "签名无效"
// @Router /api/v1/webhooks/remote [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		response.FromError(c, apperrors.Wrap(apperrors.ErrWebhookPayloadInvalid, "", err))
		return
	}

	signature := c.GetHeader("X-Hub-Signature-256")
	if signature == "" {
		signature = c.GetHeader("X-Signature")
	}

	out, err := h.svc.Ingest(c.Request.Context(), payload, signature)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if out.JobID != "" {
		response.Accepted(c, "queued", out)
		return
	}
	response.Success(c, out)
}
