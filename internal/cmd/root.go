// Package cmd 命令行入口
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/weiwangfds/attachsync/config"
	"github.com/weiwangfds/attachsync/internal/app"
	"github.com/weiwangfds/attachsync/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "attachsync",
	Short:         "工作项附件同步引擎",
	Long:          "在本地元数据库与远程工作项服务之间同步附件：上传、去重、关联、入站同步与Webhook触发的后台任务",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认查找 ./config.yaml")
	rootCmd.AddCommand(serveCmd, reconcileCmd, uploadCmd, purgeCmd)
}

// Execute 执行命令，失败时以状态码1退出
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

// bootstrap 加载配置并组装服务，调用方负责 Close
func bootstrap(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{})
}
