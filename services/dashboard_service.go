package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"backapp-server/models"
)

const recentRunLimit = 10

// DashboardService 汇总仪表板数据
type DashboardService struct {
	db *gorm.DB
}

// NewDashboardService 创建仪表板服务
func NewDashboardService(db *gorm.DB) *DashboardService {
	return &DashboardService{db: db}
}

// Stats 统计服务器、配置、执行和存储占用
func (s *DashboardService) Stats(ctx context.Context) (*models.DashboardStats, error) {
	db := s.db.WithContext(ctx)
	stats := &models.DashboardStats{
		RunsByStatus: map[models.RunStatus]int64{},
		Locations:    []models.LocationUsage{},
		GeneratedAt:  time.Now(),
	}

	counts := []struct {
		query *gorm.DB
		dest  *int64
	}{
		{db.Model(&models.Server{}), &stats.TotalServers},
		{db.Model(&models.BackupProfile{}), &stats.TotalProfiles},
		{db.Model(&models.BackupProfile{}).Where("enabled = ?", true), &stats.EnabledProfiles},
		{db.Model(&models.BackupProfile{}).Where("enabled = ? AND schedule_cron <> ''", true), &stats.ScheduledProfiles},
		{db.Model(&models.StorageLocation{}), &stats.TotalStorageLocations},
	}
	for _, c := range counts {
		if err := c.query.Count(c.dest).Error; err != nil {
			return nil, err
		}
	}

	var byStatus []struct {
		Status models.RunStatus
		Count  int64
	}
	if err := db.Model(&models.BackupRun{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.RunsByStatus[row.Status] = row.Count
	}

	// 按存储位置统计未删除文件
	var usage []models.LocationUsage
	err := db.Table("storage_locations AS l").
		Select("l.id, l.name, l.base_path, COUNT(f.id) AS files, COALESCE(SUM(f.size_bytes), 0) AS bytes").
		Joins("LEFT JOIN backup_profiles p ON p.storage_location_id = l.id").
		Joins("LEFT JOIN backup_runs r ON r.backup_profile_id = p.id").
		Joins("LEFT JOIN backup_files f ON f.backup_run_id = r.id AND f.deleted = ?", false).
		Group("l.id, l.name, l.base_path").
		Order("l.name ASC").
		Scan(&usage).Error
	if err != nil {
		return nil, err
	}
	for _, u := range usage {
		stats.StoredFiles += u.Files
		stats.StoredBytes += u.Bytes
	}
	if usage != nil {
		stats.Locations = usage
	}

	if err := db.Order("id DESC").Limit(recentRunLimit).Find(&stats.RecentRuns).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
