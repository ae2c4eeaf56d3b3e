package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// StorageMover 把存储位置整体迁移到新的根目录
type StorageMover struct {
	db    *gorm.DB
	locks *LockManager
}

// NewStorageMover 创建迁移服务
func NewStorageMover(db *gorm.DB, locks *LockManager) *StorageMover {
	return &StorageMover{db: db, locks: locks}
}

// ValidateTarget 检查新路径是否合法且不与其他存储位置重叠
func (m *StorageMover) ValidateTarget(ctx context.Context, location *models.StorageLocation, newPath string) (string, error) {
	if !filepath.IsAbs(newPath) {
		return "", invalidf("base_path 必须是绝对路径: %q", newPath)
	}
	newPath = filepath.Clean(newPath)
	oldPath := filepath.Clean(location.BasePath)

	if newPath != oldPath && (isWithin(oldPath, newPath) || isWithin(newPath, oldPath)) {
		return "", &MoveConflictError{NewPath: newPath, ConflictingPath: oldPath}
	}

	var others []models.StorageLocation
	if err := m.db.WithContext(ctx).Where("id <> ?", location.ID).Find(&others).Error; err != nil {
		return "", err
	}
	for _, other := range others {
		p := filepath.Clean(other.BasePath)
		if p == newPath || isWithin(p, newPath) || isWithin(newPath, p) {
			return "", &MoveConflictError{NewPath: newPath, ConflictingPath: p}
		}
	}
	return newPath, nil
}

// Move 迁移所有未删除的文件，每个文件移动后立即更新记录；
// 全部成功后才提交新的 base_path，部分失败返回 *MovePartialFailureError
func (m *StorageMover) Move(ctx context.Context, locationID uint, newPath string) (*models.MoveResult, error) {
	var location models.StorageLocation
	if err := m.db.WithContext(ctx).First(&location, locationID).Error; err != nil {
		return nil, err
	}

	newBase, err := m.ValidateTarget(ctx, &location, newPath)
	if err != nil {
		return nil, err
	}
	oldBase := filepath.Clean(location.BasePath)
	result := &models.MoveResult{OldPath: oldBase, NewPath: newBase}
	if newBase == oldBase {
		return result, nil
	}

	unlock, ok := m.locks.TryLock(StorageLocationLockName(location.ID))
	if !ok {
		return nil, ErrStorageLocationBusy
	}
	defer unlock()

	unlockSweep := m.locks.Lock(RetentionSweepLock)
	defer unlockSweep()

	log.Info().Msgf("📦 开始迁移存储位置 %s: %s -> %s", location.Name, oldBase, newBase)

	runIDs := m.db.Model(&models.BackupRun{}).Select("id").
		Where("backup_profile_id IN (?)", m.db.Model(&models.BackupProfile{}).Select("id").Where("storage_location_id = ?", location.ID))

	var files []models.BackupFile
	if err := m.db.WithContext(ctx).Where("deleted = ? AND backup_run_id IN (?)", false, runIDs).Order("id").Find(&files).Error; err != nil {
		return nil, err
	}

	var (
		notMoved []string
		errs     []error
	)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			notMoved = append(notMoved, file.LocalPath)
			errs = append(errs, err)
			continue
		}

		target, moved, err := m.moveFile(file.LocalPath, oldBase, newBase)
		if err != nil {
			notMoved = append(notMoved, file.LocalPath)
			errs = append(errs, err)
			continue
		}
		if moved {
			if err := m.db.WithContext(ctx).Model(&models.BackupFile{}).Where("id = ?", file.ID).Update("local_path", target).Error; err != nil {
				// 文件已在新位置，记录无法更新时尽量移回
				if rbErr := moveLocal(target, file.LocalPath); rbErr != nil {
					log.Error().Err(rbErr).Msgf("❌ 文件 %s 已移动但记录未更新", target)
				}
				notMoved = append(notMoved, file.LocalPath)
				errs = append(errs, err)
				continue
			}
		}
		result.MovedFiles++
		result.MovedBytes += file.SizeBytes
	}

	if len(notMoved) > 0 {
		result.Failed = notMoved
		log.Warn().Msgf("⚠️ 存储位置迁移部分失败: %d 个文件未迁移", len(notMoved))
		return result, &MovePartialFailureError{NotMoved: notMoved, Errs: errs}
	}

	if err := m.commit(ctx, &location, oldBase, newBase, runIDs); err != nil {
		return result, err
	}

	pruneEmptyTree(oldBase)
	log.Info().Msgf("✅ 存储位置迁移完成: %d 个文件, %d bytes", result.MovedFiles, result.MovedBytes)
	return result, nil
}

// commit 所有文件就位后更新 base_path 以及执行目录和已删除文件的历史路径
func (m *StorageMover) commit(ctx context.Context, location *models.StorageLocation, oldBase, newBase string, runIDs *gorm.DB) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runs []models.BackupRun
		if err := tx.Select("id", "local_backup_path").Where("id IN (?)", runIDs).Find(&runs).Error; err != nil {
			return err
		}
		for _, run := range runs {
			if p, ok := rebase(run.LocalBackupPath, oldBase, newBase); ok {
				if err := tx.Model(&models.BackupRun{}).Where("id = ?", run.ID).Update("local_backup_path", p).Error; err != nil {
					return err
				}
			}
		}

		var deleted []models.BackupFile
		if err := tx.Select("id", "local_path").Where("deleted = ? AND backup_run_id IN (?)", true, runIDs).Find(&deleted).Error; err != nil {
			return err
		}
		for _, f := range deleted {
			if p, ok := rebase(f.LocalPath, oldBase, newBase); ok {
				if err := tx.Model(&models.BackupFile{}).Where("id = ?", f.ID).Update("local_path", p).Error; err != nil {
					return err
				}
			}
		}

		return tx.Model(location).Update("base_path", newBase).Error
	})
}

// moveFile 返回目标路径以及记录是否需要更新；文件已在新位置时视为完成
func (m *StorageMover) moveFile(localPath, oldBase, newBase string) (string, bool, error) {
	target, ok := rebase(localPath, oldBase, newBase)
	if !ok {
		if localPath == newBase || isWithin(newBase, localPath) {
			return localPath, false, nil
		}
		return "", false, fmt.Errorf("文件 %s 不在存储位置 %s 下", localPath, oldBase)
	}

	if _, err := os.Stat(localPath); errors.Is(err, fs.ErrNotExist) {
		if _, err := os.Stat(target); err == nil {
			return target, true, nil
		}
		return "", false, fmt.Errorf("文件 %s 不存在", localPath)
	}

	if err := moveLocal(localPath, target); err != nil {
		return "", false, err
	}
	return target, true, nil
}

func rebase(p, oldBase, newBase string) (string, bool) {
	if p == "" || !isWithin(oldBase, p) {
		return "", false
	}
	rel, err := filepath.Rel(oldBase, p)
	if err != nil {
		return "", false
	}
	return filepath.Join(newBase, rel), true
}

// moveLocal 重命名文件，跨设备时退化为复制后删除
func moveLocal(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("目标文件已存在: %s", dst)
	}

	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyLocal(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// normalizeBasePath 保存存储位置前规范化路径
func normalizeBasePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || !filepath.IsAbs(p) {
		return "", invalidf("base_path 必须是绝对路径: %q", p)
	}
	return filepath.Clean(p), nil
}
