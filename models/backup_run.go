package models

import (
	"strings"
	"time"
)

// RunStatus 备份执行状态
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"   // 等待执行
	RunStatusRunning   RunStatus = "running"   // 正在执行
	RunStatusCompleted RunStatus = "completed" // 执行成功
	RunStatusFailed    RunStatus = "failed"    // 执行失败
)

// ParseRunStatus 解析接口传入的状态，success/error 为同义词
func ParseRunStatus(s string) (RunStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return RunStatusPending, true
	case "running":
		return RunStatusRunning, true
	case "completed", "success":
		return RunStatusCompleted, true
	case "failed", "error":
		return RunStatusFailed, true
	}
	return "", false
}

// Terminal 是否为终态
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// BackupRun 备份配置的一次执行
type BackupRun struct {
	ID                 uint       `json:"id" gorm:"primarykey"`
	BackupProfileID    uint       `json:"backup_profile_id" gorm:"not null;index"`
	Status             RunStatus  `json:"status" gorm:"type:text;not null;index"`
	StartTime          *time.Time `json:"start_time"`
	EndTime            *time.Time `json:"end_time" gorm:"index"`
	LocalBackupPath    string     `json:"local_backup_path,omitempty"`
	TotalFiles         int        `json:"total_files"`
	TotalSizeBytes     int64      `json:"total_size_bytes"`
	FailedFiles        int        `json:"failed_files"`
	ErrorMessage       string     `json:"error_message,omitempty" gorm:"type:text"`
	RetentionCleanedUp bool       `json:"retention_cleaned_up" gorm:"default:false"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	BackupFiles []BackupFile `json:"backup_files,omitempty" gorm:"foreignKey:BackupRunID"`
}

// BackupFile 已传输到本地的单个文件
type BackupFile struct {
	ID          uint       `json:"id" gorm:"primarykey"`
	BackupRunID uint       `json:"backup_run_id" gorm:"not null;index"`
	FileRuleID  uint       `json:"file_rule_id"`
	RemotePath  string     `json:"remote_path"`
	LocalPath   string     `json:"local_path" gorm:"index"`
	SizeBytes   int64      `json:"size_bytes"`
	ReplicaKey  string     `json:"replica_key,omitempty"`
	Deleted     bool       `json:"deleted" gorm:"default:false;index"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LogLevel 执行日志级别
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// BackupRunLog 备份执行日志
type BackupRunLog struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	BackupRunID uint      `json:"backup_run_id" gorm:"not null;index"`
	Timestamp   time.Time `json:"timestamp" gorm:"not null"`
	Level       LogLevel  `json:"level" gorm:"not null"`
	Message     string    `json:"message" gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at"`
}
