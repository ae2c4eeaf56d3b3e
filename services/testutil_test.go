package services

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"backapp-server/database"
	"backapp-server/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func intPtr(v int) *int { return &v }

type fixture struct {
	server   models.Server
	location models.StorageLocation
	rule     models.NamingRule
}

func newFixture(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	f := &fixture{
		server:   models.Server{Name: "web", Host: "10.0.0.5", Port: 22, Username: "root", Password: "secret"},
		location: models.StorageLocation{Name: "primary", BasePath: filepath.Join(t.TempDir(), "store")},
		rule:     models.NamingRule{Name: "Simple", Pattern: "{profile}"},
	}
	require.NoError(t, db.Create(&f.server).Error)
	require.NoError(t, db.Create(&f.location).Error)
	require.NoError(t, db.Create(&f.rule).Error)
	return f
}

func (f *fixture) profile(t *testing.T, db *gorm.DB, name string, retention *int) *models.BackupProfile {
	t.Helper()
	p := &models.BackupProfile{
		Name:              name,
		ServerID:          f.server.ID,
		StorageLocationID: f.location.ID,
		NamingRuleID:      f.rule.ID,
		RetentionDays:     retention,
		Enabled:           true,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// completedRun 直接在磁盘和数据库中构造一次已完成的执行
func (f *fixture) completedRun(t *testing.T, db *gorm.DB, profile *models.BackupProfile, endedAgo time.Duration, files map[string]string) *models.BackupRun {
	t.Helper()
	end := time.Now().Add(-endedAgo)
	start := end.Add(-time.Minute)
	run := &models.BackupRun{
		BackupProfileID: profile.ID,
		Status:          models.RunStatusCompleted,
		StartTime:       &start,
		EndTime:         &end,
	}
	require.NoError(t, db.Create(run).Error)
	run.LocalBackupPath = filepath.Join(f.location.BasePath, profile.Name, fmt.Sprintf("%s-%d", start.Format("20060102_150405"), run.ID))

	for name, content := range files {
		local := filepath.Join(run.LocalBackupPath, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(local), 0755))
		require.NoError(t, os.WriteFile(local, []byte(content), 0644))
		file := models.BackupFile{
			BackupRunID: run.ID,
			RemotePath:  "/remote/" + name,
			LocalPath:   local,
			SizeBytes:   int64(len(content)),
		}
		require.NoError(t, db.Create(&file).Error)
		run.TotalFiles++
		run.TotalSizeBytes += file.SizeBytes
	}
	require.NoError(t, db.Model(run).Updates(map[string]interface{}{
		"total_files":       run.TotalFiles,
		"total_size_bytes":  run.TotalSizeBytes,
		"local_backup_path": run.LocalBackupPath,
	}).Error)
	return run
}
