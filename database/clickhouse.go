package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"backapp-server/config"
)

var CHConn driver.Conn

// InitClickHouse 初始化 ClickHouse 连接（仅 LOG_STORAGE_TYPE=clickhouse 时调用）
func InitClickHouse() error {
	cfg := config.GetClickHouseConfig()
	if !cfg.Enabled {
		return nil
	}

	log.Info().Msgf("🔗 正在连接 ClickHouse: %s:%d", cfg.Host, cfg.Port)

	// 第一步：连接到 ClickHouse（不指定数据库），确保数据库存在
	conn, err := openClickHouse(cfg, "")
	if err != nil {
		return fmt.Errorf("连接 ClickHouse 失败: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("Ping ClickHouse 失败: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.Database)); err != nil {
		conn.Close()
		return fmt.Errorf("创建数据库失败: %w", err)
	}
	conn.Close()

	CHConn, err = openClickHouse(cfg, cfg.Database)
	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := runMigrations(ctx, CHConn); err != nil {
		CHConn.Close()
		CHConn = nil
		return fmt.Errorf("执行迁移失败: %w", err)
	}

	log.Info().Msgf("✅ ClickHouse 初始化完成 - 数据库: %s", cfg.Database)
	return nil
}

func openClickHouse(cfg *config.ClickHouseConfig, database string) (driver.Conn, error) {
	return clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
}

// CloseClickHouse 关闭连接
func CloseClickHouse() {
	if CHConn != nil {
		CHConn.Close()
		log.Info().Msg("✅ ClickHouse 连接已关闭")
	}
}

// CheckClickHouseHealth 健康检查
func CheckClickHouseHealth() error {
	if CHConn == nil {
		return fmt.Errorf("ClickHouse 连接未初始化")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := CHConn.Ping(ctx); err != nil {
		return fmt.Errorf("ClickHouse 健康检查失败: %w", err)
	}

	return nil
}
