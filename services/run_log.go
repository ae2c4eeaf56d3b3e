package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// RunLogStore 备份执行日志存储
type RunLogStore interface {
	Append(ctx context.Context, entries ...models.BackupRunLog) error
	List(ctx context.Context, runID uint) ([]models.BackupRunLog, error)
	DeleteByRuns(ctx context.Context, runIDs []uint) error
	GetStorageType() string
}

// GormRunLogStore 默认实现，日志与元数据在同一个 sqlite 库中
type GormRunLogStore struct {
	db *gorm.DB
}

// NewGormRunLogStore 创建 sqlite 日志存储
func NewGormRunLogStore(db *gorm.DB) *GormRunLogStore {
	return &GormRunLogStore{db: db}
}

func (s *GormRunLogStore) Append(ctx context.Context, entries ...models.BackupRunLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&entries).Error
}

func (s *GormRunLogStore) List(ctx context.Context, runID uint) ([]models.BackupRunLog, error) {
	var logs []models.BackupRunLog
	err := s.db.WithContext(ctx).
		Where("backup_run_id = ?", runID).
		Order("timestamp ASC, id ASC").
		Find(&logs).Error
	return logs, err
}

func (s *GormRunLogStore) DeleteByRuns(ctx context.Context, runIDs []uint) error {
	if len(runIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("backup_run_id IN ?", runIDs).Delete(&models.BackupRunLog{}).Error
}

func (s *GormRunLogStore) GetStorageType() string { return "sqlite" }

// ClickHouseRunLogStore 日志量大时使用 ClickHouse 存储
type ClickHouseRunLogStore struct {
	conn driver.Conn
}

// NewClickHouseRunLogStore 创建 ClickHouse 日志存储，表结构由 database 迁移创建
func NewClickHouseRunLogStore(conn driver.Conn) *ClickHouseRunLogStore {
	return &ClickHouseRunLogStore{conn: conn}
}

func (s *ClickHouseRunLogStore) Append(ctx context.Context, entries ...models.BackupRunLog) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO backup_run_log (timestamp, run_id, level, message)")
	if err != nil {
		return fmt.Errorf("准备批量写入失败: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(e.Timestamp, uint64(e.BackupRunID), string(e.Level), e.Message); err != nil {
			return fmt.Errorf("追加日志失败: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseRunLogStore) List(ctx context.Context, runID uint) ([]models.BackupRunLog, error) {
	rows, err := s.conn.Query(ctx, `
        SELECT timestamp, level, message
        FROM backup_run_log
        WHERE run_id = ?
        ORDER BY timestamp ASC`, uint64(runID))
	if err != nil {
		return nil, fmt.Errorf("查询执行日志失败: %w", err)
	}
	defer rows.Close()

	var logs []models.BackupRunLog
	for rows.Next() {
		var (
			ts      time.Time
			level   string
			message string
		)
		if err := rows.Scan(&ts, &level, &message); err != nil {
			log.Warn().Err(err).Msg("⚠️ 扫描日志行失败")
			continue
		}
		logs = append(logs, models.BackupRunLog{
			BackupRunID: runID,
			Timestamp:   ts,
			Level:       models.LogLevel(level),
			Message:     message,
		})
	}
	return logs, rows.Err()
}

func (s *ClickHouseRunLogStore) DeleteByRuns(ctx context.Context, runIDs []uint) error {
	if len(runIDs) == 0 {
		return nil
	}
	ids := make([]uint64, len(runIDs))
	for i, id := range runIDs {
		ids[i] = uint64(id)
	}
	return s.conn.Exec(ctx, "ALTER TABLE backup_run_log DELETE WHERE run_id IN ?", ids)
}

func (s *ClickHouseRunLogStore) GetStorageType() string { return "clickhouse" }

// RunLogger 单次执行的日志，同时写入存储和进程日志
type RunLogger struct {
	store RunLogStore
	runID uint
}

// NewRunLogger 创建绑定到某次执行的日志记录器
func NewRunLogger(store RunLogStore, runID uint) *RunLogger {
	return &RunLogger{store: store, runID: runID}
}

func (l *RunLogger) Info(format string, args ...any) {
	l.write(models.LogLevelInfo, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Warn(format string, args ...any) {
	l.write(models.LogLevelWarning, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Error(format string, args ...any) {
	l.write(models.LogLevelError, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Debug(format string, args ...any) {
	l.write(models.LogLevelDebug, fmt.Sprintf(format, args...))
}

func (l *RunLogger) write(level models.LogLevel, msg string) {
	var event *zerolog.Event
	switch level {
	case models.LogLevelError:
		event = log.Error()
	case models.LogLevelWarning:
		event = log.Warn()
	case models.LogLevelDebug:
		event = log.Debug()
	default:
		event = log.Info()
	}
	event.Uint("run_id", l.runID).Msg(msg)

	if l.store == nil {
		return
	}
	entry := models.BackupRunLog{
		BackupRunID: l.runID,
		Timestamp:   time.Now(),
		Level:       level,
		Message:     msg,
	}
	// 日志写入失败不影响备份本身
	if err := l.store.Append(context.Background(), entry); err != nil {
		log.Warn().Err(err).Uint("run_id", l.runID).Msg("⚠️ 写入执行日志失败")
	}
}
