package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// RetentionSweeper 清理超过保留期限的备份执行
type RetentionSweeper struct {
	db      *gorm.DB
	locks   *LockManager
	replica Replica
	now     func() time.Time
}

// NewRetentionSweeper 创建保留清理服务
func NewRetentionSweeper(db *gorm.DB, locks *LockManager, replica Replica) *RetentionSweeper {
	return &RetentionSweeper{db: db, locks: locks, replica: replica, now: time.Now}
}

// Sweep 执行一轮清理；多次调用互斥，重复调用不会重复删除
func (s *RetentionSweeper) Sweep(ctx context.Context) (*models.RetentionReport, error) {
	unlock := s.locks.Lock(RetentionSweepLock)
	defer unlock()

	report := &models.RetentionReport{}

	var profiles []models.BackupProfile
	err := s.db.WithContext(ctx).
		Preload("StorageLocation").
		Where("enabled = ? AND retention_days IS NOT NULL AND retention_days > 0", true).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("查询备份配置失败: %w", err)
	}

	var errs []error
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.ProfilesChecked++

		if err := s.sweepProfile(ctx, &profile, report); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Msgf("🧹 %s", RetentionSummary(report))
	return report, errors.Join(errs...)
}

func (s *RetentionSweeper) sweepProfile(ctx context.Context, profile *models.BackupProfile, report *models.RetentionReport) error {
	cutoff := s.now().AddDate(0, 0, -*profile.RetentionDays)

	var candidates []models.BackupRun
	err := s.db.WithContext(ctx).
		Where("backup_profile_id = ?", profile.ID).
		Where("status IN ?", []models.RunStatus{models.RunStatusCompleted, models.RunStatusFailed}).
		Where("end_time IS NOT NULL AND retention_cleaned_up = ?", false).
		Find(&candidates).Error
	if err != nil {
		return fmt.Errorf("查询备份执行失败: %w", err)
	}

	base := ""
	if profile.StorageLocation != nil {
		base = profile.StorageLocation.BasePath
	}

	var errs []error
	for _, run := range candidates {
		// 严格小于：恰好位于边界上的执行保留
		if !run.EndTime.Before(cutoff) {
			continue
		}
		files, bytes, err := s.cleanRun(ctx, &run, base)
		if err != nil {
			report.RunsFailed++
			log.Warn().Err(err).Uint("run_id", run.ID).Msg("⚠️ 清理备份执行失败，下次清理时重试")
			errs = append(errs, err)
			continue
		}
		if files >= 0 {
			report.RunsCleaned++
			report.FilesDeleted += files
			report.BytesFreed += bytes
		}
	}
	return errors.Join(errs...)
}

// cleanRun 删除执行的文件并设置清理标记；标记已被设置时返回 files = -1
func (s *RetentionSweeper) cleanRun(ctx context.Context, run *models.BackupRun, base string) (int, int64, error) {
	var files []models.BackupFile
	if err := s.db.WithContext(ctx).Where("backup_run_id = ? AND deleted = ?", run.ID, false).Find(&files).Error; err != nil {
		return 0, 0, err
	}

	var (
		ids   []uint
		bytes int64
		errs  []error
	)
	for _, f := range files {
		if err := removeArtifact(f.LocalPath, base); err != nil {
			errs = append(errs, err)
			continue
		}
		if s.replica != nil && f.ReplicaKey != "" {
			if err := s.replica.Delete(ctx, f.ReplicaKey); err != nil {
				log.Warn().Err(err).Str("key", f.ReplicaKey).Msg("⚠️ 删除副本失败")
			}
		}
		ids = append(ids, f.ID)
		bytes += f.SizeBytes
	}

	if len(errs) > 0 {
		// 已删除的文件照常记账，清理标记留到下次
		if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := markFilesDeleted(tx, ids); err != nil {
				return err
			}
			return recomputeRunTotals(tx, []uint{run.ID})
		}); err != nil {
			errs = append(errs, err)
		}
		return 0, 0, fmt.Errorf("%d 个文件删除失败: %w", len(errs), errors.Join(errs...))
	}

	flagged := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markFilesDeleted(tx, ids); err != nil {
			return err
		}
		result := tx.Model(&models.BackupRun{}).
			Where("id = ? AND retention_cleaned_up = ?", run.ID, false).
			Updates(map[string]interface{}{
				"retention_cleaned_up": true,
				"total_files":          0,
				"total_size_bytes":     0,
			})
		flagged = result.RowsAffected == 1
		return result.Error
	})
	if err != nil {
		return 0, 0, err
	}
	if !flagged {
		return -1, 0, nil
	}

	if run.LocalBackupPath != "" {
		pruneEmptyTree(run.LocalBackupPath)
		pruneEmptyParents(run.LocalBackupPath, base)
	}

	log.Info().Uint("run_id", run.ID).Int("files", len(ids)).Int64("bytes", bytes).Msg("🗑️ 备份执行已过期清理")
	return len(ids), bytes, nil
}

// RetentionSummary 清理结果摘要
func RetentionSummary(r *models.RetentionReport) string {
	return fmt.Sprintf("保留清理完成: 检查 %d 个备份配置, 清理 %d 次执行 (失败 %d), 删除 %d 个文件, 释放 %.2f MB 空间",
		r.ProfilesChecked, r.RunsCleaned, r.RunsFailed, r.FilesDeleted, float64(r.BytesFreed)/(1024*1024))
}
