package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"backapp-server/models"
)

const day = 24 * time.Hour

func reloadRun(t *testing.T, db *gorm.DB, id uint) models.BackupRun {
	t.Helper()
	var run models.BackupRun
	require.NoError(t, db.First(&run, id).Error)
	return run
}

func runFiles(t *testing.T, db *gorm.DB, runID uint) []models.BackupFile {
	t.Helper()
	var files []models.BackupFile
	require.NoError(t, db.Where("backup_run_id = ?", runID).Find(&files).Error)
	return files
}

func TestRetentionSweeper_CleansExpiredRun(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 10*day, map[string]string{"a.txt": "aaa", "sub/b.txt": "bb"})

	report, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RunsCleaned)
	assert.Equal(t, 2, report.FilesDeleted)
	assert.Equal(t, int64(5), report.BytesFreed)

	stored := reloadRun(t, db, run.ID)
	assert.True(t, stored.RetentionCleanedUp)
	assert.Zero(t, stored.TotalSizeBytes)
	assert.Zero(t, stored.TotalFiles)

	for _, f := range runFiles(t, db, run.ID) {
		assert.True(t, f.Deleted)
		assert.NotNil(t, f.DeletedAt)
		assert.NoFileExists(t, f.LocalPath)
	}
	assert.NoDirExists(t, run.LocalBackupPath)
	assert.DirExists(t, fx.location.BasePath)
}

func TestRetentionSweeper_KeepsRecentRun(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 3*day, map[string]string{"a.txt": "aaa"})

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)

	stored := reloadRun(t, db, run.ID)
	assert.False(t, stored.RetentionCleanedUp)
	assert.Equal(t, int64(3), stored.TotalSizeBytes)
	for _, f := range runFiles(t, db, run.ID) {
		assert.False(t, f.Deleted)
		assert.FileExists(t, f.LocalPath)
	}
}

func TestRetentionSweeper_BoundaryIsStrict(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	almost := fx.completedRun(t, db, profile, 6*day+23*time.Hour, map[string]string{"a.txt": "a"})
	past := fx.completedRun(t, db, profile, 7*day+time.Hour, map[string]string{"b.txt": "b"})

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)

	assert.False(t, reloadRun(t, db, almost.ID).RetentionCleanedUp)
	assert.True(t, reloadRun(t, db, past.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_ExactCutoffIsRetained(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, time.Hour, map[string]string{"a.txt": "a"})

	now := run.EndTime.AddDate(0, 0, 7)
	sweeper := NewRetentionSweeper(db, NewLockManager(), nil)
	sweeper.now = func() time.Time { return now }

	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, reloadRun(t, db, run.ID).RetentionCleanedUp)

	sweeper.now = func() time.Time { return now.Add(time.Nanosecond) }
	_, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, reloadRun(t, db, run.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_NoPolicyNeverCleans(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	forever := fx.profile(t, db, "forever", nil)
	zero := fx.profile(t, db, "zero", intPtr(0))
	r1 := fx.completedRun(t, db, forever, 400*day, map[string]string{"a.txt": "a"})
	r2 := fx.completedRun(t, db, zero, 400*day, map[string]string{"a.txt": "a"})

	report, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ProfilesChecked)
	assert.False(t, reloadRun(t, db, r1.ID).RetentionCleanedUp)
	assert.False(t, reloadRun(t, db, r2.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_IsolatesProfiles(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	withPolicy := fx.profile(t, db, "with-policy", intPtr(7))
	without := fx.profile(t, db, "without", nil)
	cleaned := fx.completedRun(t, db, withPolicy, 10*day, map[string]string{"a.txt": "a"})
	kept := fx.completedRun(t, db, without, 10*day, map[string]string{"a.txt": "a"})

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)

	assert.True(t, reloadRun(t, db, cleaned.ID).RetentionCleanedUp)
	assert.False(t, reloadRun(t, db, kept.ID).RetentionCleanedUp)
	for _, f := range runFiles(t, db, kept.ID) {
		assert.FileExists(t, f.LocalPath)
	}
}

func TestRetentionSweeper_Idempotent(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 10*day, map[string]string{"a.txt": "a"})

	sweeper := NewRetentionSweeper(db, NewLockManager(), nil)
	first, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.RunsCleaned)
	after := reloadRun(t, db, run.ID)

	second, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.RunsCleaned)
	assert.Zero(t, second.FilesDeleted)

	again := reloadRun(t, db, run.ID)
	assert.Equal(t, after.RetentionCleanedUp, again.RetentionCleanedUp)
	assert.Equal(t, after.TotalSizeBytes, again.TotalSizeBytes)
	assert.Equal(t, after.UpdatedAt.UnixNano(), again.UpdatedAt.UnixNano())
}

func TestRetentionSweeper_MissingFileIsSatisfied(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 10*day, map[string]string{"a.txt": "a", "b.txt": "b"})

	files := runFiles(t, db, run.ID)
	require.NoError(t, os.Remove(files[0].LocalPath))

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, reloadRun(t, db, run.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_ZeroFileRunStillFlagged(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 10*day, nil)

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, reloadRun(t, db, run.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_SkipsNonTerminalAndDisabled(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	disabled := fx.profile(t, db, "disabled", intPtr(7))
	require.NoError(t, db.Model(disabled).Update("enabled", false).Error)

	running := fx.completedRun(t, db, profile, 10*day, map[string]string{"a.txt": "a"})
	require.NoError(t, db.Model(running).Update("status", models.RunStatusRunning).Error)
	old := fx.completedRun(t, db, disabled, 10*day, map[string]string{"a.txt": "a"})

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, reloadRun(t, db, running.ID).RetentionCleanedUp)
	assert.False(t, reloadRun(t, db, old.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_FailedRunsAreEligible(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 10*day, map[string]string{"a.txt": "a"})
	require.NoError(t, db.Model(run).Update("status", models.RunStatusFailed).Error)

	_, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, reloadRun(t, db, run.ID).RetentionCleanedUp)
}

func TestRetentionSweeper_PartialFailureKeepsMetadataInSync(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	profile := fx.profile(t, db, "daily", intPtr(7))
	run := fx.completedRun(t, db, profile, 10*day, map[string]string{"a.txt": "aaa"})

	// 非空目录无法用 os.Remove 删除
	stuck := filepath.Join(run.LocalBackupPath, "stuck")
	require.NoError(t, os.MkdirAll(stuck, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stuck, "inner"), []byte("x"), 0644))
	require.NoError(t, db.Create(&models.BackupFile{BackupRunID: run.ID, RemotePath: "/remote/stuck", LocalPath: stuck, SizeBytes: 4}).Error)
	require.NoError(t, db.Model(run).Updates(map[string]interface{}{"total_files": 2, "total_size_bytes": 7}).Error)

	report, err := NewRetentionSweeper(db, NewLockManager(), nil).Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.RunsFailed)
	assert.Zero(t, report.RunsCleaned)

	for _, f := range runFiles(t, db, run.ID) {
		if f.LocalPath == stuck {
			assert.False(t, f.Deleted)
			continue
		}
		assert.True(t, f.Deleted)
		assert.NoFileExists(t, f.LocalPath)
	}

	stored := reloadRun(t, db, run.ID)
	assert.False(t, stored.RetentionCleanedUp)
	assert.Equal(t, 1, stored.TotalFiles)
	assert.Equal(t, int64(4), stored.TotalSizeBytes)
}
