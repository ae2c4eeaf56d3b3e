package services

import (
	"context"

	"gorm.io/gorm"

	"backapp-server/models"
)

// DefaultImpactPathLimit 影响报告中展示的最多文件路径数
const DefaultImpactPathLimit = 100

// ImpactCalculator 计算删除或迁移操作会影响的数据，只读
type ImpactCalculator struct {
	db        *gorm.DB
	pathLimit int
}

// NewImpactCalculator 创建影响计算器
func NewImpactCalculator(db *gorm.DB, pathLimit int) *ImpactCalculator {
	if pathLimit <= 0 {
		pathLimit = DefaultImpactPathLimit
	}
	return &ImpactCalculator{db: db, pathLimit: pathLimit}
}

// impactScope 按层级描述受影响的数据，nil 表示该层不受影响
type impactScope struct {
	profiles func() *gorm.DB
	runs     func() *gorm.DB
	files    func() *gorm.DB
}

func (c *ImpactCalculator) profilesWhere(ctx context.Context, query string, args ...interface{}) func() *gorm.DB {
	return func() *gorm.DB {
		return c.db.WithContext(ctx).Model(&models.BackupProfile{}).Where(query, args...)
	}
}

func (c *ImpactCalculator) runsOf(ctx context.Context, profiles func() *gorm.DB) func() *gorm.DB {
	return func() *gorm.DB {
		return c.db.WithContext(ctx).Model(&models.BackupRun{}).
			Where("backup_profile_id IN (?)", profiles().Select("id"))
	}
}

func (c *ImpactCalculator) filesOf(ctx context.Context, runs func() *gorm.DB) func() *gorm.DB {
	return func() *gorm.DB {
		return c.db.WithContext(ctx).Model(&models.BackupFile{}).
			Where("deleted = ?", false).
			Where("backup_run_id IN (?)", runs().Select("id"))
	}
}

// ForServer 删除服务器会级联删除其备份配置、执行和文件
func (c *ImpactCalculator) ForServer(ctx context.Context, serverID uint) (*models.DeletionImpact, error) {
	if err := c.db.WithContext(ctx).First(&models.Server{}, serverID).Error; err != nil {
		return nil, err
	}
	profiles := c.profilesWhere(ctx, "server_id = ?", serverID)
	runs := c.runsOf(ctx, profiles)
	return c.summarize(impactScope{profiles: profiles, runs: runs, files: c.filesOf(ctx, runs)})
}

// ForStorageLocation 存储位置被引用时删除会被拒绝，报告列出引用它的数据
func (c *ImpactCalculator) ForStorageLocation(ctx context.Context, locationID uint) (*models.DeletionImpact, error) {
	if err := c.db.WithContext(ctx).First(&models.StorageLocation{}, locationID).Error; err != nil {
		return nil, err
	}
	profiles := c.profilesWhere(ctx, "storage_location_id = ?", locationID)
	runs := c.runsOf(ctx, profiles)
	return c.summarize(impactScope{profiles: profiles, runs: runs, files: c.filesOf(ctx, runs)})
}

// ForProfile 删除备份配置的影响
func (c *ImpactCalculator) ForProfile(ctx context.Context, profileID uint) (*models.DeletionImpact, error) {
	if err := c.db.WithContext(ctx).First(&models.BackupProfile{}, profileID).Error; err != nil {
		return nil, err
	}
	profiles := c.profilesWhere(ctx, "id = ?", profileID)
	runs := c.runsOf(ctx, profiles)
	return c.summarize(impactScope{profiles: profiles, runs: runs, files: c.filesOf(ctx, runs)})
}

// ForRun 删除单次执行的影响
func (c *ImpactCalculator) ForRun(ctx context.Context, runID uint) (*models.DeletionImpact, error) {
	if err := c.db.WithContext(ctx).First(&models.BackupRun{}, runID).Error; err != nil {
		return nil, err
	}
	runs := func() *gorm.DB {
		return c.db.WithContext(ctx).Model(&models.BackupRun{}).Where("id = ?", runID)
	}
	return c.summarize(impactScope{runs: runs, files: c.filesOf(ctx, runs)})
}

// ForFile 删除单个文件的影响
func (c *ImpactCalculator) ForFile(ctx context.Context, fileID uint) (*models.DeletionImpact, error) {
	if err := c.db.WithContext(ctx).First(&models.BackupFile{}, fileID).Error; err != nil {
		return nil, err
	}
	files := func() *gorm.DB {
		return c.db.WithContext(ctx).Model(&models.BackupFile{}).Where("id = ? AND deleted = ?", fileID, false)
	}
	return c.summarize(impactScope{files: files})
}

// ForMove 迁移存储位置会移动的文件
func (c *ImpactCalculator) ForMove(ctx context.Context, locationID uint, newPath string) (*models.MoveImpact, error) {
	var location models.StorageLocation
	if err := c.db.WithContext(ctx).First(&location, locationID).Error; err != nil {
		return nil, err
	}

	impact, err := c.ForStorageLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return &models.MoveImpact{
		BackupProfiles: impact.BackupProfiles,
		BackupRuns:     impact.BackupRuns,
		BackupFiles:    impact.BackupFiles,
		TotalSizeBytes: impact.TotalSizeBytes,
		FilesToMove:    impact.FilePaths,
		OldPath:        location.BasePath,
		NewPath:        newPath,
	}, nil
}

func (c *ImpactCalculator) summarize(scope impactScope) (*models.DeletionImpact, error) {
	impact := &models.DeletionImpact{FilePaths: []string{}}
	var count int64

	if scope.profiles != nil {
		if err := scope.profiles().Count(&count).Error; err != nil {
			return nil, err
		}
		impact.BackupProfiles = int(count)
	}
	if scope.runs != nil {
		if err := scope.runs().Count(&count).Error; err != nil {
			return nil, err
		}
		impact.BackupRuns = int(count)
	}
	if scope.files != nil {
		if err := scope.files().Count(&count).Error; err != nil {
			return nil, err
		}
		impact.BackupFiles = int(count)

		if err := scope.files().Select("COALESCE(SUM(size_bytes), 0)").Scan(&impact.TotalSizeBytes).Error; err != nil {
			return nil, err
		}
		if err := scope.files().Where("local_path <> ''").Order("id").Limit(c.pathLimit).Pluck("local_path", &impact.FilePaths).Error; err != nil {
			return nil, err
		}
	}
	return impact, nil
}
