package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/response"
	attachment "github.com/weiwangfds/attachsync/internal/service/attachment"
)

// SyncHandler 审计事件与任务队列查询
type SyncHandler struct {
	svc attachment.AttachmentService
}

// NewSyncHandler 创建同步查询处理器
func NewSyncHandler(svc attachment.AttachmentService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Events 审计事件
// @Summary 审计事件
// @Tags 同步
// @Produce json
// @Param work_item_id query int false "工作项ID"
// @Param severity query string false "INFO/WARN/ERROR"
// @Param limit query int false "条数，默认100，最大1000"
// @Success 200 {object} response.Response "事件列表，按时间倒序"
// @Router /api/v1/sync/events [get]
func (h *SyncHandler) Events(c *gin.Context) {
	workItemID, ok := optionalInt(c, "work_item_id")
	if !ok {
		return
	}
	limit, ok := optionalInt(c, "limit")
	if !ok {
		return
	}

	events, err := h.svc.Events(c.Request.Context(), database.EventFilter{
		WorkItemID: workItemID,
		Severity:   database.Severity(strings.ToUpper(c.Query("severity"))),
		Limit:      limit,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"events": events, "total": len(events)})
}

// Jobs 同步任务队列
// @Summary 同步任务
// @Tags 同步
// @Produce json
// @Param status query string false "QUEUED/RUNNING/DONE/FAILED"
// @Param work_item_id query int false "工作项ID"
// @Param limit query int false "条数"
// @Success 200 {object} response.Response "任务列表"
// @Router /api/v1/sync/jobs [get]
func (h *SyncHandler) Jobs(c *gin.Context) {
	workItemID, ok := optionalInt(c, "work_item_id")
	if !ok {
		return
	}
	limit, ok := optionalInt(c, "limit")
	if !ok {
		return
	}

	jobs, err := h.svc.Jobs(c.Request.Context(), database.JobFilter{
		WorkItemID: workItemID,
		Status:     database.JobStatus(strings.ToUpper(c.Query("status"))),
		Limit:      limit,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"jobs": jobs, "total": len(jobs)})
}

func optionalInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		response.BadRequest(c, key+" 必须为非负整数")
		return 0, false
	}
	return v, true
}
