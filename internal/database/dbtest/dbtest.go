// Package dbtest 为测试提供隔离的内存SQLite数据库
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/weiwangfds/attachsync/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open 打开一个已迁移的内存数据库，测试结束时关闭
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	// 每个测试独立的共享缓存库，单连接避免并发写锁
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := database.Open(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Store 返回基于内存数据库的元数据存储
func Store(t testing.TB) (database.MetadataStore, *gorm.DB) {
	t.Helper()
	db := Open(t)
	return database.NewGormStore(db), db
}
