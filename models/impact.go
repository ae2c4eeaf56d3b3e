package models

import "time"

// DeletionImpact 删除操作的影响范围
type DeletionImpact struct {
	BackupProfiles int      `json:"backup_profiles"`
	BackupRuns     int      `json:"backup_runs"`
	BackupFiles    int      `json:"backup_files"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	FilePaths      []string `json:"file_paths,omitempty"`
}

// MoveImpact 存储位置迁移的影响范围
type MoveImpact struct {
	BackupProfiles int      `json:"backup_profiles"`
	BackupRuns     int      `json:"backup_runs"`
	BackupFiles    int      `json:"backup_files"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	FilesToMove    []string `json:"files_to_move,omitempty"`
	OldPath        string   `json:"old_path"`
	NewPath        string   `json:"new_path"`
}

// MoveResult 存储位置迁移结果
type MoveResult struct {
	OldPath    string   `json:"old_path"`
	NewPath    string   `json:"new_path"`
	MovedFiles int      `json:"moved_files"`
	MovedBytes int64    `json:"moved_bytes"`
	Failed     []string `json:"failed,omitempty"`
}

// DashboardStats 仪表板统计
type DashboardStats struct {
	TotalServers          int64               `json:"total_servers"`
	TotalProfiles         int64               `json:"total_profiles"`
	EnabledProfiles       int64               `json:"enabled_profiles"`
	ScheduledProfiles     int64               `json:"scheduled_profiles"`
	TotalStorageLocations int64               `json:"total_storage_locations"`
	RunsByStatus          map[RunStatus]int64 `json:"runs_by_status"`
	StoredFiles           int64               `json:"stored_files"`
	StoredBytes           int64               `json:"stored_bytes"`
	Locations             []LocationUsage     `json:"locations"`
	RecentRuns            []BackupRun         `json:"recent_runs"`
	GeneratedAt           time.Time           `json:"generated_at"`
}

// LocationUsage 单个存储位置的占用
type LocationUsage struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	BasePath string `json:"base_path"`
	Files    int64  `json:"files"`
	Bytes    int64  `json:"bytes"`
}
