// migration.go
package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
)

// Migration 迁移结构
type Migration struct {
	Version     int
	Description string
	SQL         string
	Execute     func(ctx context.Context, conn driver.Conn) error // 可选：复杂迁移逻辑
}

// 所有迁移定义
var migrations = []Migration{
	{
		Version:     1,
		Description: "创建备份执行日志表",
		Execute:     migration001CreateRunLogTable,
	},
	{
		Version:     2,
		Description: "执行日志保留一年",
		SQL:         `ALTER TABLE backup_run_log MODIFY TTL date + INTERVAL 365 DAY`,
	},
}

// 创建迁移记录表
func createMigrationTable(ctx context.Context, conn driver.Conn) error {
	sql := `
    CREATE TABLE IF NOT EXISTS schema_migrations (
        version UInt32,
        description String,
        executed_at DateTime DEFAULT now()
    ) ENGINE = MergeTree()
    ORDER BY version
    `
	return conn.Exec(ctx, sql)
}

// 获取已执行的迁移版本
func getExecutedMigrations(ctx context.Context, conn driver.Conn) (map[int]bool, error) {
	executed := make(map[int]bool)

	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return executed, err
	}
	defer rows.Close()

	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			continue
		}
		executed[int(version)] = true
	}

	return executed, nil
}

// 执行迁移
func runMigrations(ctx context.Context, conn driver.Conn) error {
	log.Info().Msg("🔄 开始执行数据库迁移...")

	if err := createMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("创建迁移记录表失败: %w", err)
	}

	executed, err := getExecutedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("获取迁移记录失败: %w", err)
	}

	for _, migration := range pendingMigrations(migrations, executed) {
		log.Info().Msgf("🚀 执行迁移 v%d: %s", migration.Version, migration.Description)

		if err := executeMigration(ctx, conn, migration); err != nil {
			return fmt.Errorf("迁移 v%d 执行失败: %w", migration.Version, err)
		}

		recordSQL := `INSERT INTO schema_migrations (version, description) VALUES (?, ?)`
		if err := conn.Exec(ctx, recordSQL, uint32(migration.Version), migration.Description); err != nil {
			return fmt.Errorf("记录迁移失败: %w", err)
		}

		log.Info().Msgf("✅ 迁移 v%d 执行成功", migration.Version)
	}

	log.Info().Msg("✅ 所有迁移执行完成")
	return nil
}

// pendingMigrations 按版本号排序并过滤已执行的迁移
func pendingMigrations(all []Migration, executed map[int]bool) []Migration {
	pending := make([]Migration, 0, len(all))
	for _, m := range all {
		if executed[m.Version] {
			continue
		}
		pending = append(pending, m)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})
	return pending
}

// 执行单个迁移
func executeMigration(ctx context.Context, conn driver.Conn, migration Migration) error {
	if migration.Execute != nil {
		return migration.Execute(ctx, conn)
	}

	if migration.SQL != "" {
		return conn.Exec(ctx, migration.SQL)
	}

	return fmt.Errorf("迁移 v%d 没有定义执行逻辑", migration.Version)
}

// 迁移 v1：创建执行日志表
func migration001CreateRunLogTable(ctx context.Context, conn driver.Conn) error {
	sql := `
    CREATE TABLE IF NOT EXISTS backup_run_log (
        timestamp DateTime64(3) COMMENT '日志时间（毫秒精度）',
        date Date DEFAULT toDate(timestamp) COMMENT '日期（用于分区）',
        run_id UInt64 COMMENT '备份执行ID',
        level LowCardinality(String) COMMENT '日志级别',
        message String COMMENT '日志内容'
    ) ENGINE = MergeTree()
    PARTITION BY toYYYYMM(date)
    ORDER BY (run_id, timestamp)
    SETTINGS index_granularity = 8192
    COMMENT '备份执行日志表'
    `
	return conn.Exec(ctx, sql)
}
