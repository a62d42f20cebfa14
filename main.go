// attachsync 工作项附件同步引擎
//
// 子命令:
//   - serve: 启动HTTP服务与后台任务
//   - reconcile: 同步一个工作项的远程附件
//   - upload: 上传本地文件
//   - purge-sessions: 清理过期的分块上传会话
package main

import "github.com/weiwangfds/attachsync/internal/cmd"

func main() {
	cmd.Execute()
}
