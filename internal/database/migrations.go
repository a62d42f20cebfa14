package database

import (
	"github.com/weiwangfds/attachsync/internal/logger"
	"gorm.io/gorm"
)

// Migrate 迁移附件同步相关表结构并创建部分索引
// 参数: db *gorm.DB - GORM数据库连接实例
// 返回值: error - 迁移失败时返回错误信息
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&AttachmentRecord{},
		&AttachmentLink{},
		&ChunkedUploadSession{},
		&SyncJob{},
		&SyncEvent{},
	)
	if err != nil {
		return err
	}
	return createPartialIndexes(db)
}

// createPartialIndexes 创建带 WHERE 条件的唯一索引
// sha256 只在未删除记录中唯一，同一任务只排队一次；MySQL 不支持部分索引，依赖按哈希加锁与入队前查询保证
func createPartialIndexes(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite", "postgres":
	default:
		logger.Warnf("[数据库] %s 不支持部分唯一索引，sha256 唯一性由去重锁保证", db.Dialector.Name())
		return nil
	}

	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS uidx_attachment_records_sha256_live ON attachment_records(sha256) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_attachment_records_work_item_live ON attachment_records(work_item_id, created_at) WHERE deleted_at IS NULL",
		"CREATE UNIQUE INDEX IF NOT EXISTS uidx_sync_jobs_queued ON sync_jobs(work_item_id, job_type, COALESCE(attachment_id, '')) WHERE status = 'QUEUED'",
	}
	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			logger.Errorf("创建索引失败: %s, 错误: %v", indexSQL, err)
			return err
		}
	}
	return nil
}
