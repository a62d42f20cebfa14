// Package service 后台同步任务执行器
// 从元数据库的任务队列中认领 RECONCILE 与 DOWNLOAD 任务并执行，同时定期清理过期的分块会话
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiwangfds/attachsync/internal/database"
	"github.com/weiwangfds/attachsync/internal/logger"
	reconcile "github.com/weiwangfds/attachsync/internal/service/reconcile"
)

// downloadPriority 单个附件补拉任务排在整项同步之前
const downloadPriority = 10

// Reconciler 入站同步能力
type Reconciler interface {
	Reconcile(ctx context.Context, workItemID int) (*reconcile.Result, error)
	ReconcileOne(ctx context.Context, workItemID int, attachmentID string) (*reconcile.Result, error)
}

// SessionPurger 清理过期分块会话
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Config 任务执行配置
type Config struct {
	PollInterval    time.Duration
	JanitorInterval time.Duration
	MaxAttempts     int
}

// Worker 后台任务执行器
type Worker interface {
	// Start 重置中断的任务并启动轮询与清理协程
	Start(ctx context.Context) error
	// Stop 停止协程并等待当前任务结束
	Stop() error
	// Notify 唤醒轮询协程立即认领任务
	Notify()
	// RunOnce 认领并执行一个任务
	// 返回值:
	//   - bool: 是否认领到任务
	//   - error: 认领或更新任务状态失败，任务本身的失败记录在任务上
	RunOnce(ctx context.Context) (bool, error)
}

type worker struct {
	store      database.MetadataStore
	reconciler Reconciler
	purger     SessionPurger
	cfg        Config

	wake      chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewWorker 创建任务执行器
// 参数:
//   - store: 元数据存储，任务队列所在
//   - reconciler: 执行同步
//   - purger: 会话清理，为nil时不启动清理协程
//   - cfg: 轮询间隔、清理间隔、最大尝试次数
func NewWorker(store database.MetadataStore, reconciler Reconciler, purger SessionPurger, cfg Config) Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &worker{
		store:      store,
		reconciler: reconciler,
		purger:     purger,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
}

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return errors.New("job worker is already running")
	}

	reset, err := w.store.ResetRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("reset running jobs: %w", err)
	}
	if reset > 0 {
		logger.Infof("[任务] 重置 %d 个中断的任务", reset)
	}

	w.stopChan = make(chan struct{})
	w.isRunning = true

	w.wg.Add(1)
	go w.pollLoop(ctx)
	if w.purger != nil {
		w.wg.Add(1)
		go w.janitorLoop(ctx)
	}

	logger.Infof("[任务] 已启动, 轮询间隔: %v, 最大尝试次数: %d", w.cfg.PollInterval, w.cfg.MaxAttempts)
	return nil
}

func (w *worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return nil
	}
	close(w.stopChan)
	w.wg.Wait()
	w.isRunning = false
	logger.Info("[任务] 已停止")
	return nil
}

func (w *worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain 连续执行任务直到队列为空或收到停止信号
func (w *worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			logger.Errorf("[任务] 执行失败: %v", err)
			return
		}
		if !claimed {
			return
		}
	}
}

func (w *worker) janitorLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			purged, err := w.purger.PurgeExpired(ctx)
			if err != nil {
				logger.Warnf("[任务] 清理过期分块会话失败: %v", err)
				continue
			}
			if purged > 0 {
				logger.Infof("[任务] 清理过期分块会话 %d 个", purged)
			}
		}
	}
}

func (w *worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := logger.WithFields(map[string]interface{}{
		"job_id":       job.ID,
		"job_type":     job.JobType,
		"work_item_id": job.WorkItemID,
		"attempt":      job.Attempts,
	})
	log.Debug("[任务] 开始执行")

	runErr := w.execute(ctx, job)
	// 任务状态在进程退出时也要落库
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr == nil {
		log.Info("[任务] 执行完成")
		return true, w.store.FinishJob(finishCtx, job.ID, database.JobDone, "")
	}

	if ctx.Err() != nil {
		log.Warnf("[任务] 执行被取消, 重新排队: %v", runErr)
		return true, w.store.RequeueJob(finishCtx, job.ID, runErr.Error(), true)
	}
	if job.Attempts < w.cfg.MaxAttempts {
		log.Warnf("[任务] 执行失败, 重新排队: %v", runErr)
		return true, w.store.RequeueJob(finishCtx, job.ID, runErr.Error(), false)
	}

	log.Errorf("[任务] 执行失败, 不再重试: %v", runErr)
	event := &database.SyncEvent{
		EventType:  database.EventJobFailed,
		WorkItemID: job.WorkItemID,
		Message:    fmt.Sprintf("%s job %s failed after %d attempts: %v", job.JobType, job.ID, job.Attempts, runErr),
		Severity:   database.SeverityError,
	}
	if job.AttachmentID != nil {
		event.AttachmentID = *job.AttachmentID
	}
	database.RecordEvent(finishCtx, w.store, event)
	return true, w.store.FinishJob(finishCtx, job.ID, database.JobFailed, runErr.Error())
}

func (w *worker) execute(ctx context.Context, job *database.SyncJob) error {
	switch job.JobType {
	case database.JobReconcile:
		res, err := w.reconciler.Reconcile(ctx, job.WorkItemID)
		if err != nil {
			return err
		}
		for _, item := range res.Errors {
			attachmentID := item.AttachmentID
			queued, coalesced, err := w.store.EnqueueJob(ctx, &database.SyncJob{
				WorkItemID:   job.WorkItemID,
				AttachmentID: &attachmentID,
				JobType:      database.JobDownload,
				Priority:     downloadPriority,
			})
			if err != nil {
				return fmt.Errorf("enqueue download %s: %w", attachmentID, err)
			}
			logger.Infof("[任务] 附件 %s 同步失败, 补拉任务 %s, 合并: %v", attachmentID, queued.ID, coalesced)
		}
		if len(res.Errors) > 0 {
			w.Notify()
		}
		return nil

	case database.JobDownload:
		if job.AttachmentID == nil || *job.AttachmentID == "" {
			return errors.New("download job without attachment id")
		}
		_, err := w.reconciler.ReconcileOne(ctx, job.WorkItemID, *job.AttachmentID)
		return err

	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}
