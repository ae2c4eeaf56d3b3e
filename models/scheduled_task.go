package models

import (
	"time"
)

// TaskType 调度任务类型
type TaskType string

const (
	TaskTypeProfileBackup    TaskType = "profile_backup"    // 定时执行备份配置
	TaskTypeRetentionCleanup TaskType = "retention_cleanup" // 保留策略清理
)

// TaskStatus 任务状态枚举
type TaskStatus string

const (
	TaskStatusRunning TaskStatus = "running" // 正在执行
	TaskStatusSuccess TaskStatus = "success" // 执行成功
	TaskStatusFailed  TaskStatus = "failed"  // 执行失败
	TaskStatusSkipped TaskStatus = "skipped" // 跳过执行
)

// TaskExecution 调度任务执行历史
type TaskExecution struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	Type      TaskType   `json:"type" gorm:"not null;index;comment:任务类型"`
	TargetID  uint       `json:"target_id" gorm:"index;comment:关联对象ID(备份配置)"`
	Status    TaskStatus `json:"status" gorm:"not null;comment:执行状态"`
	StartedAt time.Time  `json:"started_at" gorm:"not null;comment:开始时间"`
	EndedAt   *time.Time `json:"ended_at" gorm:"comment:结束时间"`
	Duration  int64      `json:"duration" gorm:"comment:执行时长(毫秒)"`
	Output    string     `json:"output" gorm:"type:text;comment:执行输出"`
	Error     string     `json:"error" gorm:"type:text;comment:错误信息"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName 指定表名
func (TaskExecution) TableName() string {
	return "task_executions"
}

// ScheduledJob 当前已注册的定时任务
type ScheduledJob struct {
	Type      TaskType   `json:"type"`
	TargetID  uint       `json:"target_id,omitempty"`
	CronExpr  string     `json:"cron_expr"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	PrevRunAt *time.Time `json:"prev_run_at,omitempty"`
}

// RetentionReport 一次保留策略清理的统计
type RetentionReport struct {
	ProfilesChecked int   `json:"profiles_checked"`
	RunsCleaned     int   `json:"runs_cleaned"`
	RunsFailed      int   `json:"runs_failed"`
	FilesDeleted    int   `json:"files_deleted"`
	BytesFreed      int64 `json:"bytes_freed"`
}
