// Package app 按配置组装附件同步引擎的全部组件
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/handler"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/remote"
	"github.com/weiwangfds/attachsync/internal/router"
	"github.com/weiwangfds/attachsync/internal/transport"
	attachment "github.com/weiwangfds/attachsync/internal/service/attachment"
	blob "github.com/weiwangfds/attachsync/internal/service/blob"
	chunked "github.com/weiwangfds/attachsync/internal/service/chunked"
	dedup "github.com/weiwangfds/attachsync/internal/service/dedup"
	jobs "github.com/weiwangfds/attachsync/internal/service/jobs"
	link "github.com/weiwangfds/attachsync/internal/service/link"
	reconcile "github.com/weiwangfds/attachsync/internal/service/reconcile"
	upload "github.com/weiwangfds/attachsync/internal/service/upload"
	webhook "github.com/weiwangfds/attachsync/internal/service/webhook"
	"gorm.io/gorm"
)

// Options 覆盖默认组件，测试中注入内存实现
type Options struct {
	// DB 为nil时按 cfg.Database 连接
	DB *gorm.DB
	// Blobs 为nil时按 cfg.Blob 创建
	Blobs blob.Store
	// SpoolFs 为nil时使用操作系统文件系统
	SpoolFs afero.Fs
	// Locker 为nil时配置了 redis.addr 则使用Redis锁，否则使用进程内锁
	Locker dedup.Locker
}

// App 组装好的服务
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Store      database.MetadataStore
	Remote     *remote.Client
	Blobs      blob.Store
	Chunked    chunked.ChunkedService
	Reconciler reconcile.ReconcileService
	Attachment attachment.AttachmentService
	Webhook    webhook.WebhookService
	Worker     jobs.Worker
	Router     *router.Router

	closers []func() error
}

// New 组装服务
// 参数:
//   - ctx: 用于初始化对象存储等需要网络的组件
//   - cfg: 已校验的配置
//   - opts: 可选的替换组件
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	db := opts.DB
	if db == nil {
		var err error
		db, err = database.Init(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}
	a.DB = db
	a.Store = database.NewGormStore(db)

	blobs := opts.Blobs
	if blobs == nil {
		var err error
		blobs, err = blob.NewFromConfig(ctx, cfg.Blob)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("初始化对象存储失败: %w", err)
		}
	}
	a.Blobs = blobs

	spoolFs := opts.SpoolFs
	if spoolFs == nil {
		spoolFs = afero.NewOsFs()
	}
	spoolDir := cfg.Upload.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}

	locker := opts.Locker
	if locker == nil {
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			a.closers = append(a.closers, client.Close)
			locker = dedup.NewRedisLocker(client, cfg.Redis.LockTTL)
			logger.Infof("[启动] 使用Redis锁: %s", cfg.Redis.Addr)
		} else {
			locker = dedup.NewLocalLocker()
		}
	}

	exec := transport.NewExecutor(cfg.Remote.Retry, transport.WithBackoffObserver(func(attempt int, delay time.Duration, err error) {
		logger.Warnf("[远程] 第 %d 次请求失败, %v 后重试: %v", attempt, delay, err)
	}))
	a.Remote = remote.NewClient(cfg.Remote, exec)

	index := dedup.NewDedupIndex(a.Store, locker)
	a.Chunked = chunked.NewChunkedService(a.Store, a.Remote, chunked.Config{
		ChunkSize:  cfg.Upload.ChunkSizeBytes,
		SessionTTL: cfg.Upload.SessionTTL,
	})
	uploader := upload.NewUploadService(a.Store, a.Remote, a.Chunked, index, blobs, upload.Config{
		MaxSizeBytes:        cfg.Upload.MaxSizeBytes,
		ChunkThresholdBytes: cfg.Upload.ChunkThresholdBytes,
	})
	a.Reconciler = reconcile.NewReconcileService(a.Store, a.Remote, index, blobs, reconcile.Config{
		Concurrency:           cfg.Sync.ReconcileConcurrency,
		DetectRemoteDeletions: cfg.Sync.DetectRemoteDeletions,
		SpoolFs:               spoolFs,
		SpoolDir:              spoolDir,
	})
	a.Worker = jobs.NewWorker(a.Store, a.Reconciler, a.Chunked, jobs.Config{
		PollInterval:    cfg.Jobs.PollInterval,
		JanitorInterval: cfg.Jobs.JanitorInterval,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
	})

	notify := a.Worker.Notify
	if !cfg.Jobs.Enabled {
		notify = nil
	}
	a.Attachment = attachment.NewAttachmentService(attachment.Deps{
		Store:      a.Store,
		API:        a.Remote,
		Uploader:   uploader,
		Linker:     link.NewLinkService(a.Store, a.Remote, locker),
		Reconciler: a.Reconciler,
		Chunked:    a.Chunked,
		Blobs:      blobs,
		Notify:     notify,
		SpoolFs:    spoolFs,
		SpoolDir:   spoolDir,
	})

	hooks, err := webhook.NewWebhookService(a.Store, cfg.Webhook.Secret, notify)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Webhook = hooks

	a.Router = router.NewRouter(cfg.Server.Mode, router.Handlers{
		Attachment: handler.NewAttachmentHandler(a.Attachment, cfg.Upload.MaxSizeBytes),
		Webhook:    handler.NewWebhookHandler(a.Webhook),
		Sync:       handler.NewSyncHandler(a.Attachment),
	}, a.ping)

	logger.Infof("[启动] 组件已就绪, 对象存储: %s, 分块大小: %d, 分块阈值: %d",
		blobs.Name(), cfg.Upload.ChunkSizeBytes, cfg.Upload.ChunkThresholdBytes)
	return a, nil
}

func (a *App) ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 释放数据库连接与Redis客户端
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
