package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/handler"
	"github.com/weiwangfds/attachsync/internal/middleware"
	"github.com/weiwangfds/attachsync/internal/response"
)

// Handlers 路由使用的处理器
type Handlers struct {
	Attachment *handler.AttachmentHandler
	Webhook    *handler.WebhookHandler
	Sync       *handler.SyncHandler
}

// HealthCheck 健康检查，返回错误时 /health 响应503
type HealthCheck func(ctx context.Context) error

// Router 路由配置
type Router struct {
	engine *gin.Engine
}

// NewRouter 创建路由实例
// 参数:
//   - mode: gin 运行模式，空为 release
//   - h: 处理器
//   - health: 健康检查，可为nil
func NewRouter(mode string, h Handlers, health HealthCheck) *Router {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger())

	engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	engine.GET("/health", func(c *gin.Context) {
		if health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	{
		attachments := api.Group("/attachments")
		{
			attachments.POST("", h.Attachment.Upload)
			attachments.POST("/:id/link", h.Attachment.Link)
			attachments.GET("/:id/download", h.Attachment.Download)
		}

		workItems := api.Group("/workitems")
		{
			workItems.GET("/:id/attachments", h.Attachment.List)
			workItems.POST("/:id/reconcile", h.Attachment.Reconcile)
		}

		api.DELETE("/uploads/sessions/:sessionId", h.Attachment.AbandonSession)
		api.POST("/webhooks/remote", h.Webhook.Receive)

		sync := api.Group("/sync")
		{
			sync.GET("/events", h.Sync.Events)
			sync.GET("/jobs", h.Sync.Jobs)
		}
	}

	engine.NoRoute(func(c *gin.Context) {
		response.FromError(c, apperrors.New(apperrors.ErrNotFound, ""))
	})

	return &Router{engine: engine}
}

// GetEngine 返回gin引擎
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
