package models

import "time"

// CommandStage 命令执行阶段
type CommandStage string

const (
	CommandStagePre  CommandStage = "pre"  // 传输前执行
	CommandStagePost CommandStage = "post" // 传输后执行
)

// Valid 是否为合法阶段
func (s CommandStage) Valid() bool {
	return s == CommandStagePre || s == CommandStagePost
}

// BackupProfile 备份配置
type BackupProfile struct {
	ID                uint   `json:"id" gorm:"primarykey"`
	Name              string `json:"name" gorm:"not null"`
	ServerID          uint   `json:"server_id" gorm:"not null;index"`
	StorageLocationID uint   `json:"storage_location_id" gorm:"not null;index"`
	NamingRuleID      uint   `json:"naming_rule_id" gorm:"not null;index"`
	ScheduleCron      string `json:"schedule_cron,omitempty"`
	RetentionDays     *int   `json:"retention_days"` // nil 或 0 表示永久保留
	Enabled           bool   `json:"enabled" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Server          *Server          `json:"server,omitempty" gorm:"foreignKey:ServerID"`
	StorageLocation *StorageLocation `json:"storage_location,omitempty" gorm:"foreignKey:StorageLocationID"`
	NamingRule      *NamingRule      `json:"naming_rule,omitempty" gorm:"foreignKey:NamingRuleID"`
	Commands        []Command        `json:"commands,omitempty" gorm:"foreignKey:BackupProfileID"`
	FileRules       []FileRule       `json:"file_rules,omitempty" gorm:"foreignKey:BackupProfileID"`
}

// HasRetention 是否启用了保留策略
func (p *BackupProfile) HasRetention() bool {
	return p.RetentionDays != nil && *p.RetentionDays > 0
}

// Command 在传输前后通过 SSH 执行的命令
type Command struct {
	ID               uint         `json:"id" gorm:"primarykey"`
	BackupProfileID  uint         `json:"backup_profile_id" gorm:"not null;index"`
	Command          string       `json:"command" gorm:"not null;type:text"`
	WorkingDirectory string       `json:"working_directory"`
	RunStage         CommandStage `json:"run_stage" gorm:"type:text;not null"`
	RunOrder         int          `json:"run_order" gorm:"not null"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// FileRule 需要备份的远程路径
type FileRule struct {
	ID              uint      `json:"id" gorm:"primarykey"`
	BackupProfileID uint      `json:"backup_profile_id" gorm:"not null;index"`
	RemotePath      string    `json:"remote_path" gorm:"not null"`
	Recursive       bool      `json:"recursive"`
	ExcludePattern  string    `json:"exclude_pattern,omitempty"`
	RunOrder        int       `json:"run_order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
