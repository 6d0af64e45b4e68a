package testutil

import (
	"path/filepath"
	"testing"

	"points-ledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewTestDB 在临时目录创建 SQLite 数据库并完成迁移
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := repository.OpenDatabase("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// NewTestLogger 测试用日志器，不输出
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zap.NewNop()
}
