package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"backapp-server/config"
	"backapp-server/models"
)

var DB *gorm.DB

// 表按依赖顺序排列，重置时逆序清空
var tables = []interface{}{
	&models.Server{},
	&models.StorageLocation{},
	&models.NamingRule{},
	&models.BackupProfile{},
	&models.Command{},
	&models.FileRule{},
	&models.BackupRun{},
	&models.BackupFile{},
	&models.BackupRunLog{},
	&models.TaskExecution{},
}

// InitDB 按配置打开数据库并设置全局 DB
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := Open(cfg.DBPath, logger.Warn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = db

	log.Info().Msgf("Database initialized successfully at: %s", cfg.DBPath)
	return db, nil
}

// Open 打开 sqlite 数据库并自动迁移表结构
func Open(dbPath string, level logger.LogLevel) (*gorm.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	// 开启外键并设置忙等待，避免并发写入时出现 database is locked
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 自动迁移数据库结构
	if err := db.AutoMigrate(tables...); err != nil {
		return nil, fmt.Errorf("迁移数据库失败: %w", err)
	}

	// 为现有记录添加默认值
	db.Model(&models.BackupRun{}).Where("retention_cleaned_up IS NULL").Update("retention_cleaned_up", false)
	db.Model(&models.BackupFile{}).Where("deleted IS NULL").Update("deleted", false)

	return db, nil
}

// ResetDatabase 清空所有表（仅测试模式使用）
func ResetDatabase(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for i := len(tables) - 1; i >= 0; i-- {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(tables[i]).Error; err != nil {
				return fmt.Errorf("清空表失败: %w", err)
			}
		}
		// sqlite 自增序列一并重置
		if tx.Migrator().HasTable("sqlite_sequence") {
			if err := tx.Exec("DELETE FROM sqlite_sequence").Error; err != nil {
				return fmt.Errorf("重置自增序列失败: %w", err)
			}
		}
		return nil
	})
}
