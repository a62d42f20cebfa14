package handler

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/response"
	attachment "github.com/weiwangfds/attachsync/internal/service/attachment"
	upload "github.com/weiwangfds/attachsync/internal/service/upload"
)

// multipart 表单中除文件外的开销
const formOverhead = 1 << 20

// AttachmentHandler 附件处理器
// @Description 附件上传、关联、下载与同步相关的HTTP处理器
type AttachmentHandler struct {
	svc            attachment.AttachmentService
	maxUploadBytes int64
}

// NewAttachmentHandler 创建附件处理器
// 参数:
//   - svc: 附件同步门面
//   - maxUploadBytes: 单个附件大小上限，<=0 不在HTTP层限制
func NewAttachmentHandler(svc attachment.AttachmentService, maxUploadBytes int64) *AttachmentHandler {
	return &AttachmentHandler{svc: svc, maxUploadBytes: maxUploadBytes}
}

// linkRequest 关联请求体，支持JSON与表单
type linkRequest struct {
	WorkItemID int    `json:"work_item_id" form:"work_item_id" binding:"required,min=1"`
	Comment    string `json:"comment" form:"comment"`
}

// Upload 上传附件
// @Summary 上传附件
// @Description 上传附件到远程服务，指定 work_item_id 时同时关联
// @Tags 附件
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "附件"
// @Param work_item_id formData int false "工作项ID"
// @Param comment formData string false "关联备注"
// @Success 200 {object} response.Response "上传成功"
// @Failure 400 {object} response.Response "请求参数错误"
// @Failure 413 {object} response.Response "附件过大"
// @Failure 502 {object} response.Response "远程服务错误"
// @Router /api/v1/attachments [post]
func (h *AttachmentHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+formOverhead)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.FromError(c, apperrors.New(apperrors.ErrFileSizeTooLarge, ""))
			return
		}
		response.BadRequest(c, "未选择文件或文件无效")
		return
	}

	var workItemID *int
	if raw := c.PostForm("work_item_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			response.BadRequest(c, "work_item_id 必须为正整数")
			return
		}
		workItemID = &id
	}

	src, err := fileHeader.Open()
	if err != nil {
		response.FromError(c, apperrors.Wrap(apperrors.ErrFileReadFailed, "", err))
		return
	}
	defer src.Close()

	out, err := h.svc.Upload(c.Request.Context(), attachment.UploadRequest{
		Content:    upload.SectionPayload(src, fileHeader.Size),
		FileName:   fileHeader.Filename,
		WorkItemID: workItemID,
		Comment:    c.PostForm("comment"),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, out.Status, out)
}

// Link 关联附件到工作项
// @Summary 关联附件
// @Tags 附件
// @Accept json
// @Produce json
// @Param id path string true "远程附件ID"
// @Param body body linkRequest true "关联参数"
// @Success 200 {object} response.Response "关联成功"
// @Failure 404 {object} response.Response "附件不存在"
// @Router /api/v1/attachments/{id}/link [post]
func (h *AttachmentHandler) Link(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "work_item_id 必须为正整数")
		return
	}

	res, err := h.svc.Link(c.Request.Context(), c.Param("id"), req.WorkItemID, req.Comment)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"record":         res.Record,
		"already_linked": res.AlreadyLinked,
	})
}

// List 工作项的附件列表
// @Summary 工作项附件列表
// @Tags 附件
// @Produce json
// @Param id path int true "工作项ID"
// @Success 200 {object} response.Response "附件列表"
// @Router /api/v1/workitems/{id}/attachments [get]
func (h *AttachmentHandler) List(c *gin.Context) {
	workItemID, ok := workItemParam(c)
	if !ok {
		return
	}

	records, err := h.svc.List(c.Request.Context(), workItemID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"work_item_id": workItemID,
		"attachments":  records,
		"total":        len(records),
	})
}

// Download 下载附件
// @Summary 下载附件
// @Description 优先返回本地副本，没有时从远程下载
// @Tags 附件
// @Produce application/octet-stream
// @Param id path string true "远程附件ID"
// @Success 200 {file} file "附件内容"
// @Failure 404 {object} response.Response "附件不存在"
// @Router /api/v1/attachments/{id}/download [get]
func (h *AttachmentHandler) Download(c *gin.Context) {
	dl, err := h.svc.Download(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer dl.Body.Close()

	size := dl.Size
	if size < 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", dl.Body, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": dl.FileName}),
	})
}

// Reconcile 从远程同步工作项附件
// @Summary 入站同步
// @Tags 同步
// @Produce json
// @Param id path int true "工作项ID"
// @Param async query bool false "是否异步"
// @Success 200 {object} response.Response "同步结果，包含单个附件的失败"
// @Success 202 {object} response.Response "已排队"
// @Router /api/v1/workitems/{id}/reconcile [post]
func (h *AttachmentHandler) Reconcile(c *gin.Context) {
	workItemID, ok := workItemParam(c)
	if !ok {
		return
	}
	async, _ := strconv.ParseBool(c.Query("async"))

	out, err := h.svc.Reconcile(c.Request.Context(), workItemID, async)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if out.Async {
		response.Accepted(c, "queued", out)
		return
	}
	response.Success(c, out.Result)
}

// AbandonSession 取消分块上传会话
// @Summary 取消分块上传
// @Tags 附件
// @Produce json
// @Param sessionId path string true "会话ID"
// @Success 200 {object} response.Response "已取消"
// @Failure 404 {object} response.Response "会话不存在"
// @Router /api/v1/uploads/sessions/{sessionId} [delete]
func (h *AttachmentHandler) AbandonSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.svc.AbandonSession(c.Request.Context(), sessionID); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "session abandoned", gin.H{"session_id": sessionID})
}

func workItemParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		response.BadRequest(c, "工作项ID必须为正整数")
		return 0, false
	}
	return id, true
}
