package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weiwangfds/attachsync/internal/logger"
	"golang.org/x/net/http2"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动HTTP服务与后台任务",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		cfg := a.Config

		// 启动后台任务
		workerCtx, cancelWorker := context.WithCancel(context.Background())
		defer cancelWorker()
		if cfg.Jobs.Enabled {
			if err := a.Worker.Start(workerCtx); err != nil {
				return fmt.Errorf("启动后台任务失败: %w", err)
			}
		} else {
			logger.Warnf("[启动] 后台任务已禁用，Webhook 与异步同步任务只入队不执行")
		}

		srv := &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Server.Port),
			Handler:      a.Router.GetEngine(),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}
		if cfg.Server.EnableHTTPS {
			srv.TLSConfig = &tls.Config{
				NextProtos: []string{"h2", "http/1.1"},
			}
		}

		// 如果启用HTTP/2，配置HTTP/2支持
		if cfg.Server.EnableHTTP2 {
			if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
				return fmt.Errorf("配置HTTP/2失败: %w", err)
			}
		}

		serveErr := make(chan error, 1)
		go func() {
			var err error
			if cfg.Server.EnableHTTPS {
				logger.Infof("[启动] HTTPS服务器启动在端口 %d (HTTP/2: %v)", cfg.Server.Port, cfg.Server.EnableHTTP2)
				err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			} else {
				logger.Infof("[启动] HTTP服务器启动在端口 %d", cfg.Server.Port)
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		// 等待中断信号
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case <-quit:
			logger.Info("[关闭] 正在关闭服务器...")
		case err, ok := <-serveErr:
			if ok {
				return fmt.Errorf("服务器启动失败: %w", err)
			}
		}

		// 停止后台任务
		cancelWorker()
		if err := a.Worker.Stop(); err != nil {
			logger.Warnf("[关闭] 停止后台任务失败: %v", err)
		}

		// 优雅关闭服务器
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("服务器强制关闭: %w", err)
		}

		logger.Info("[关闭] 服务器已退出")
		return nil
	},
}
