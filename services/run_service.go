package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"backapp-server/models"
)

// RunService 执行记录、备份文件与执行日志的查询
type RunService struct {
	db   *gorm.DB
	logs RunLogStore
}

// NewRunService 创建查询服务
func NewRunService(db *gorm.DB, logs RunLogStore) *RunService {
	return &RunService{db: db, logs: logs}
}

// RunFilter 列表过滤条件，零值表示不过滤
type RunFilter struct {
	ProfileID uint
	Status    models.RunStatus
	Offset    int
	Limit     int
}

// List 按开始时间倒序列出执行记录
func (s *RunService) List(ctx context.Context, filter RunFilter) ([]models.BackupRun, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.BackupRun{})
	if filter.ProfileID > 0 {
		query = query.Where("backup_profile_id = ?", filter.ProfileID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit > 0 {
		query = query.Offset(filter.Offset).Limit(filter.Limit)
	}
	var runs []models.BackupRun
	err := query.Order("start_time DESC, id DESC").Find(&runs).Error
	return runs, total, err
}

// Get 获取执行记录
func (s *RunService) Get(ctx context.Context, runID uint) (*models.BackupRun, error) {
	var run models.BackupRun
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// Files 执行产生的文件，includeDeleted 为 false 时只返回仍在磁盘上的文件
func (s *RunService) Files(ctx context.Context, runID uint, includeDeleted bool) ([]models.BackupFile, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("backup_run_id = ?", runID)
	if !includeDeleted {
		query = query.Where("deleted = ?", false)
	}
	var files []models.BackupFile
	err := query.Order("local_path ASC").Find(&files).Error
	return files, err
}

// Logs 执行日志
func (s *RunService) Logs(ctx context.Context, runID uint) ([]models.BackupRunLog, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	if s.logs == nil {
		return []models.BackupRunLog{}, nil
	}
	return s.logs.List(ctx, runID)
}

// GetFile 获取单个备份文件
func (s *RunService) GetFile(ctx context.Context, fileID uint) (*models.BackupFile, error) {
	var file models.BackupFile
	if err := s.db.WithContext(ctx).First(&file, fileID).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// SetEndTime 改写终态执行的结束时间，仅供测试模式下模拟历史数据
func (s *RunService) SetEndTime(ctx context.Context, runID uint, end time.Time) (*models.BackupRun, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, ErrRunActive
	}
	updates := map[string]interface{}{"end_time": end}
	if run.StartTime == nil || run.StartTime.After(end) {
		updates["start_time"] = end
	}
	if err := s.db.WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, runID)
}

// Archive 加载执行的下载归档
func (s *RunService) Archive(ctx context.Context, runID uint) (*RunArchive, error) {
	return LoadRunArchive(ctx, s.db, runID)
}
