package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// DeletionService 级联删除，磁盘文件与元数据一起删除
type DeletionService struct {
	db      *gorm.DB
	locks   *LockManager
	logs    RunLogStore
	replica Replica
}

// NewDeletionService 创建删除服务
func NewDeletionService(db *gorm.DB, locks *LockManager, logs RunLogStore, replica Replica) *DeletionService {
	return &DeletionService{db: db, locks: locks, logs: logs, replica: replica}
}

// DeleteFile 删除单个备份文件：移除磁盘文件、标记删除并更新所属执行的统计
func (s *DeletionService) DeleteFile(ctx context.Context, fileID uint) error {
	unlock := s.locks.Lock(RetentionSweepLock)
	defer unlock()

	var file models.BackupFile
	if err := s.db.WithContext(ctx).First(&file, fileID).Error; err != nil {
		return err
	}
	if file.Deleted {
		return nil
	}
	var run models.BackupRun
	if err := s.db.WithContext(ctx).Select("id", "status").First(&run, file.BackupRunID).Error; err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return ErrRunActive
	}

	base := s.basePathForRun(ctx, file.BackupRunID)
	if err := removeArtifact(file.LocalPath, base); err != nil {
		return err
	}
	s.deleteReplica(ctx, file.ReplicaKey)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markFilesDeleted(tx, []uint{file.ID}); err != nil {
			return err
		}
		return recomputeRunTotals(tx, []uint{file.BackupRunID})
	})
}

// DeleteRun 删除一次已结束的执行及其全部文件
func (s *DeletionService) DeleteRun(ctx context.Context, runID uint) error {
	unlock := s.locks.Lock(RetentionSweepLock)
	defer unlock()

	var run models.BackupRun
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return ErrRunActive
	}

	if err := s.removeRunArtifacts(ctx, []uint{run.ID}); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("backup_run_id = ?", run.ID).Delete(&models.BackupFile{}).Error; err != nil {
			return err
		}
		return tx.Delete(&run).Error
	})
	if err != nil {
		return err
	}

	s.deleteRunLogs(ctx, []uint{run.ID})
	log.Info().Msgf("🗑️ 已删除备份执行 #%d", run.ID)
	return nil
}

// DeleteProfile 删除备份配置及其命令、文件规则、执行记录和备份文件
func (s *DeletionService) DeleteProfile(ctx context.Context, profileID uint) error {
	var profile models.BackupProfile
	if err := s.db.WithContext(ctx).First(&profile, profileID).Error; err != nil {
		return err
	}

	unlockProfile, ok := s.locks.TryLock(ProfileLockName(profile.ID))
	if !ok {
		return ErrProfileBusy
	}
	defer unlockProfile()

	unlock := s.locks.Lock(RetentionSweepLock)
	defer unlock()

	runIDs, err := s.profileRunIDs(ctx, []uint{profile.ID})
	if err != nil {
		return err
	}
	if err := s.removeRunArtifacts(ctx, runIDs); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteProfileRows(tx, []uint{profile.ID}, runIDs)
	})
	if err != nil {
		return err
	}

	s.deleteRunLogs(ctx, runIDs)
	log.Info().Msgf("🗑️ 已删除备份配置 %s (#%d)，共 %d 次执行", profile.Name, profile.ID, len(runIDs))
	return nil
}

// DeleteServer 删除服务器，级联删除引用它的备份配置
func (s *DeletionService) DeleteServer(ctx context.Context, serverID uint) error {
	var server models.Server
	if err := s.db.WithContext(ctx).First(&server, serverID).Error; err != nil {
		return err
	}

	var profileIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.BackupProfile{}).Where("server_id = ?", serverID).Pluck("id", &profileIDs).Error; err != nil {
		return err
	}

	for _, id := range profileIDs {
		unlockProfile, ok := s.locks.TryLock(ProfileLockName(id))
		if !ok {
			return ErrProfileBusy
		}
		defer unlockProfile()
	}

	unlock := s.locks.Lock(RetentionSweepLock)
	defer unlock()

	runIDs, err := s.profileRunIDs(ctx, profileIDs)
	if err != nil {
		return err
	}
	if err := s.removeRunArtifacts(ctx, runIDs); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteProfileRows(tx, profileIDs, runIDs); err != nil {
			return err
		}
		return tx.Delete(&server).Error
	})
	if err != nil {
		return err
	}

	s.deleteRunLogs(ctx, runIDs)
	log.Info().Msgf("🗑️ 已删除服务器 %s，级联删除 %d 个备份配置", server.Name, len(profileIDs))
	return nil
}

// DeleteStorageLocation 仍被备份配置引用时拒绝删除
func (s *DeletionService) DeleteStorageLocation(ctx context.Context, locationID uint) error {
	var location models.StorageLocation
	if err := s.db.WithContext(ctx).First(&location, locationID).Error; err != nil {
		return err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BackupProfile{}).Where("storage_location_id = ?", locationID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrStorageLocationInUse
	}

	unlock, ok := s.locks.TryLock(StorageLocationLockName(locationID))
	if !ok {
		return ErrStorageLocationBusy
	}
	defer unlock()

	return s.db.WithContext(ctx).Delete(&location).Error
}

// DeleteNamingRule 仍被备份配置引用时拒绝删除
func (s *DeletionService) DeleteNamingRule(ctx context.Context, ruleID uint) error {
	var rule models.NamingRule
	if err := s.db.WithContext(ctx).First(&rule, ruleID).Error; err != nil {
		return err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BackupProfile{}).Where("naming_rule_id = ?", ruleID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrNamingRuleInUse
	}
	return s.db.WithContext(ctx).Delete(&rule).Error
}

func (s *DeletionService) profileRunIDs(ctx context.Context, profileIDs []uint) ([]uint, error) {
	var runIDs []uint
	if len(profileIDs) == 0 {
		return runIDs, nil
	}
	err := s.db.WithContext(ctx).Model(&models.BackupRun{}).Where("backup_profile_id IN ?", profileIDs).Pluck("id", &runIDs).Error
	return runIDs, err
}

// removeRunArtifacts 删除执行的磁盘文件；部分失败时把已删除的文件标记为删除后返回错误
func (s *DeletionService) removeRunArtifacts(ctx context.Context, runIDs []uint) error {
	if len(runIDs) == 0 {
		return nil
	}

	var files []models.BackupFile
	if err := s.db.WithContext(ctx).Where("backup_run_id IN ? AND deleted = ?", runIDs, false).Find(&files).Error; err != nil {
		return err
	}

	bases := make(map[uint]string)
	var (
		removed []uint
		errs    []error
	)
	for _, f := range files {
		base, ok := bases[f.BackupRunID]
		if !ok {
			base = s.basePathForRun(ctx, f.BackupRunID)
			bases[f.BackupRunID] = base
		}
		if err := removeArtifact(f.LocalPath, base); err != nil {
			errs = append(errs, err)
			continue
		}
		s.deleteReplica(ctx, f.ReplicaKey)
		removed = append(removed, f.ID)
	}

	if len(errs) == 0 {
		s.pruneRunDirs(ctx, runIDs, bases)
		return nil
	}

	// 元数据必须与磁盘保持一致
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markFilesDeleted(tx, removed); err != nil {
			return err
		}
		return recomputeRunTotals(tx, runIDs)
	}); err != nil {
		errs = append(errs, err)
	}
	return fmt.Errorf("%d 个文件删除失败: %w", len(errs), errors.Join(errs...))
}

func (s *DeletionService) pruneRunDirs(ctx context.Context, runIDs []uint, bases map[uint]string) {
	var runs []models.BackupRun
	if err := s.db.WithContext(ctx).Select("id", "local_backup_path", "backup_profile_id").Where("id IN ?", runIDs).Find(&runs).Error; err != nil {
		return
	}
	for _, run := range runs {
		if run.LocalBackupPath == "" {
			continue
		}
		base, ok := bases[run.ID]
		if !ok {
			base = s.basePathForRun(ctx, run.ID)
		}
		pruneEmptyTree(run.LocalBackupPath)
		pruneEmptyParents(run.LocalBackupPath, base)
	}
}

func (s *DeletionService) basePathForRun(ctx context.Context, runID uint) string {
	var base string
	s.db.WithContext(ctx).Table("storage_locations").
		Select("storage_locations.base_path").
		Joins("JOIN backup_profiles ON backup_profiles.storage_location_id = storage_locations.id").
		Joins("JOIN backup_runs ON backup_runs.backup_profile_id = backup_profiles.id").
		Where("backup_runs.id = ?", runID).
		Limit(1).
		Scan(&base)
	return base
}

func (s *DeletionService) deleteReplica(ctx context.Context, key string) {
	if s.replica == nil || key == "" {
		return
	}
	if err := s.replica.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("⚠️ 删除副本失败")
	}
}

func (s *DeletionService) deleteRunLogs(ctx context.Context, runIDs []uint) {
	if s.logs == nil {
		return
	}
	if err := s.logs.DeleteByRuns(ctx, runIDs); err != nil {
		log.Warn().Err(err).Msg("⚠️ 删除执行日志失败")
	}
}

// deleteProfileRows 子表先于父表删除
func deleteProfileRows(tx *gorm.DB, profileIDs, runIDs []uint) error {
	if len(profileIDs) == 0 {
		return nil
	}
	if len(runIDs) > 0 {
		if err := tx.Where("backup_run_id IN ?", runIDs).Delete(&models.BackupFile{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", runIDs).Delete(&models.BackupRun{}).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("backup_profile_id IN ?", profileIDs).Delete(&models.Command{}).Error; err != nil {
		return err
	}
	if err := tx.Where("backup_profile_id IN ?", profileIDs).Delete(&models.FileRule{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", profileIDs).Delete(&models.BackupProfile{}).Error
}

func markFilesDeleted(tx *gorm.DB, fileIDs []uint) error {
	if len(fileIDs) == 0 {
		return nil
	}
	now := time.Now()
	return tx.Model(&models.BackupFile{}).Where("id IN ?", fileIDs).Updates(map[string]interface{}{
		"deleted":    true,
		"deleted_at": now,
	}).Error
}

// recomputeRunTotals 让执行的统计与未删除文件保持一致
func recomputeRunTotals(tx *gorm.DB, runIDs []uint) error {
	if len(runIDs) == 0 {
		return nil
	}
	return tx.Exec(`
        UPDATE backup_runs SET
            total_files = (SELECT COUNT(*) FROM backup_files WHERE backup_files.backup_run_id = backup_runs.id AND deleted = ?),
            total_size_bytes = (SELECT COALESCE(SUM(size_bytes), 0) FROM backup_files WHERE backup_files.backup_run_id = backup_runs.id AND deleted = ?)
        WHERE id IN ?`, false, false, runIDs).Error
}

// removeArtifact 删除磁盘文件，文件已不存在视为成功，随后清理空的父目录
func removeArtifact(localPath, base string) error {
	if localPath == "" {
		return nil
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除文件 %s 失败: %w", localPath, err)
	}
	pruneEmptyParents(filepath.Dir(localPath), base)
	return nil
}

// pruneEmptyParents 自 dir 向上删除空目录，不会越过 stopAt
func pruneEmptyParents(dir, stopAt string) {
	if stopAt == "" {
		return
	}
	stopAt = filepath.Clean(stopAt)
	for dir = filepath.Clean(dir); dir != stopAt && isWithin(stopAt, dir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// pruneEmptyTree 自底向上删除 root 下的空目录（包括 root 本身）
func pruneEmptyTree(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			pruneEmptyTree(filepath.Join(root, e.Name()))
		}
	}
	os.Remove(root)
}

// isWithin path 是否位于 base 之下（不含 base 本身）
func isWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
