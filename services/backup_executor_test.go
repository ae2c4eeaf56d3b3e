package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"backapp-server/models"
)

type executorEnv struct {
	db       *gorm.DB
	fx       *fixture
	remote   *fakeRemote
	dialer   *fakeDialer
	locks    *LockManager
	executor *BackupExecutor
	profile  *models.BackupProfile
}

func newExecutorEnv(t *testing.T, cfg ExecutorConfig) *executorEnv {
	t.Helper()
	db := newTestDB(t)
	fx := newFixture(t, db)
	remote := newFakeRemote()
	dialer := &fakeDialer{remote: remote}
	locks := NewLockManager()
	if cfg.TransferConcurrency == 0 {
		cfg.TransferConcurrency = 2
	}
	return &executorEnv{
		db:       db,
		fx:       fx,
		remote:   remote,
		dialer:   dialer,
		locks:    locks,
		executor: NewBackupExecutor(db, dialer, locks, NewGormRunLogStore(db), nil, cfg),
		profile:  fx.profile(t, db, "nightly", nil),
	}
}

func (env *executorEnv) addRule(t *testing.T, path string, recursive bool, order int) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.FileRule{
		BackupProfileID: env.profile.ID,
		RemotePath:      path,
		Recursive:       recursive,
		RunOrder:        order,
	}).Error)
}

func (env *executorEnv) addCommand(t *testing.T, cmd string, stage models.CommandStage, order int) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.Command{
		BackupProfileID: env.profile.ID,
		Command:         cmd,
		RunStage:        stage,
		RunOrder:        order,
	}).Error)
}

func (env *executorEnv) files(t *testing.T, runID uint) []models.BackupFile {
	t.Helper()
	var files []models.BackupFile
	require.NoError(t, env.db.Where("backup_run_id = ?", runID).Order("remote_path").Find(&files).Error)
	return files
}

func TestBackupExecutor_CompletesRun(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.remote.addFile("/etc/app.conf", "key=value")
	env.remote.addFile("/var/www/index.html", "<html></html>")
	env.remote.addFile("/var/www/css/site.css", "body{}")
	env.addRule(t, "/etc/app.conf", false, 1)
	env.addRule(t, "/var/www", true, 2)
	env.addCommand(t, "post-hook", models.CommandStagePost, 1)
	env.addCommand(t, "pre-hook", models.CommandStagePre, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)

	var stored models.BackupRun
	require.NoError(t, env.db.First(&stored, run.ID).Error)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.NotNil(t, stored.EndTime)
	assert.Empty(t, stored.ErrorMessage)
	assert.Equal(t, 3, stored.TotalFiles)
	assert.Equal(t, int64(len("key=value")+len("<html></html>")+len("body{}")), stored.TotalSizeBytes)
	assert.True(t, strings.HasPrefix(stored.LocalBackupPath, filepath.Join(env.fx.location.BasePath, "nightly")))

	files := env.files(t, run.ID)
	require.Len(t, files, 3)
	var sum int64
	for _, f := range files {
		content, err := os.ReadFile(f.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, f.SizeBytes, int64(len(content)))
		assert.True(t, strings.HasPrefix(f.LocalPath, stored.LocalBackupPath))
		sum += f.SizeBytes
	}
	assert.Equal(t, stored.TotalSizeBytes, sum)

	assert.Equal(t, []string{"/$ pre-hook", "/$ post-hook"}, env.remote.ranCommands())
	assert.True(t, env.dialer.allClosed())

	logs, err := NewGormRunLogStore(env.db).List(context.Background(), run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestBackupExecutor_ConnectionFailureIsFatal(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.dialer.err = errors.New("no route to host")
	env.addRule(t, "/etc/hosts", false, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "no route to host")
	assert.NotNil(t, run.EndTime)
}

func TestBackupExecutor_PreCommandFailureAbortsBeforeTransfers(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.remote.addFile("/etc/hosts", "x")
	env.remote.commands["systemctl stop db"] = fakeCommand{exitCode: 1, output: "unit not found"}
	env.addRule(t, "/etc/hosts", false, 1)
	env.addCommand(t, "systemctl stop db", models.CommandStagePre, 1)
	env.addCommand(t, "systemctl start db", models.CommandStagePost, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "unit not found")
	assert.Zero(t, env.remote.opened)
	assert.Equal(t, []string{"/$ systemctl stop db"}, env.remote.ranCommands())
	assert.True(t, env.dialer.allClosed())
}

func TestBackupExecutor_PostCommandFailureKeepsRunCompleted(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.remote.addFile("/etc/hosts", "x")
	env.remote.commands["notify"] = fakeCommand{exitCode: 3}
	env.addRule(t, "/etc/hosts", false, 1)
	env.addCommand(t, "notify", models.CommandStagePost, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Empty(t, run.ErrorMessage)
}

func TestBackupExecutor_PartialFailureCompletes(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.remote.addFile("/data/ok.txt", "ok")
	env.remote.addFile("/data/locked.txt", "nope")
	env.remote.failOpen["/data/locked.txt"] = true
	env.addRule(t, "/data", true, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.TotalFiles)
	assert.Equal(t, 1, run.FailedFiles)
	assert.Empty(t, run.ErrorMessage)

	logs, err := NewGormRunLogStore(env.db).List(context.Background(), run.ID)
	require.NoError(t, err)
	var sawError bool
	for _, l := range logs {
		if l.Level == models.LogLevelError && strings.Contains(l.Message, "/data/locked.txt") {
			sawError = true
		}
	}
	assert.True(t, sawError, "per-file failure must be logged")
}

func TestBackupExecutor_AllTransfersFailedFailsRun(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.addRule(t, "/missing/file", false, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
}

func TestBackupExecutor_NoRulesCompletesEmpty(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Zero(t, run.TotalFiles)
}

func TestBackupExecutor_RunsDoNotOverwriteEachOther(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	env.remote.addFile("/etc/hosts", "x")
	env.addRule(t, "/etc/hosts", false, 1)

	first, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	second, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)

	f1 := env.files(t, first.ID)
	f2 := env.files(t, second.ID)
	require.Len(t, f1, 1)
	require.Len(t, f2, 1)
	assert.NotEqual(t, f1[0].LocalPath, f2[0].LocalPath)
	assert.FileExists(t, f1[0].LocalPath)
	assert.FileExists(t, f2[0].LocalPath)
}

func TestBackupExecutor_RejectsConcurrentRunOfSameProfile(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})

	unlock, ok := env.locks.TryLock(ProfileLockName(env.profile.ID))
	require.True(t, ok)
	defer unlock()

	_, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	assert.ErrorIs(t, err, ErrProfileBusy)

	var count int64
	env.db.Model(&models.BackupRun{}).Count(&count)
	assert.Zero(t, count, "rejected trigger must not create a run")
}

func TestBackupExecutor_RejectsWhileLocationMoving(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})

	unlock, ok := env.locks.TryLock(StorageLocationLockName(env.fx.location.ID))
	require.True(t, ok)
	defer unlock()

	_, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	assert.ErrorIs(t, err, ErrStorageLocationBusy)

	// 配置锁已释放
	release, ok := env.locks.TryLock(ProfileLockName(env.profile.ID))
	require.True(t, ok)
	release()
}

func TestBackupExecutor_ScheduledTriggerSkipsDisabledProfile(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	require.NoError(t, env.db.Model(env.profile).Update("enabled", false).Error)

	_, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerSchedule)
	assert.ErrorIs(t, err, ErrProfileDisabled)
}

func TestBackupExecutor_Cancel(t *testing.T) {
	for _, runPost := range []bool{false, true} {
		env := newExecutorEnv(t, ExecutorConfig{RunPostCommandsOnCancel: runPost})
		env.remote.addFile("/etc/hosts", "x")
		env.remote.commands["wait-forever"] = fakeCommand{block: true}
		env.addRule(t, "/etc/hosts", false, 1)
		env.addCommand(t, "wait-forever", models.CommandStagePre, 1)
		env.addCommand(t, "cleanup", models.CommandStagePost, 1)

		run, err := env.executor.Trigger(env.profile.ID, TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusPending, run.Status)

		require.Eventually(t, func() bool {
			return len(env.remote.ranCommands()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, env.executor.Cancel(run.ID))
		env.executor.Wait()

		var stored models.BackupRun
		require.NoError(t, env.db.First(&stored, run.ID).Error)
		assert.Equal(t, models.RunStatusFailed, stored.Status)
		assert.Equal(t, CancelledReason, stored.ErrorMessage)
		assert.Zero(t, env.remote.opened)
		assert.True(t, env.dialer.allClosed())

		if runPost {
			assert.Equal(t, []string{"/$ wait-forever", "/$ cleanup"}, env.remote.ranCommands())
		} else {
			assert.Equal(t, []string{"/$ wait-forever"}, env.remote.ranCommands())
		}

		assert.ErrorIs(t, env.executor.Cancel(run.ID), ErrRunNotActive)
	}
}

func TestBackupExecutor_CancelUnknownRun(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	assert.ErrorIs(t, env.executor.Cancel(999), gorm.ErrRecordNotFound)
}

func TestBackupExecutor_RecoverInterruptedRuns(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	require.NoError(t, env.db.Create(&models.BackupRun{BackupProfileID: env.profile.ID, Status: models.RunStatusRunning}).Error)

	n, err := env.executor.RecoverInterruptedRuns()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var run models.BackupRun
	require.NoError(t, env.db.First(&run).Error)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.NotNil(t, run.EndTime)
}

type recordingReplica struct {
	mu       sync.Mutex
	uploaded map[string]string
	deleted  []string
}

func (r *recordingReplica) Upload(ctx context.Context, key, localPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploaded == nil {
		r.uploaded = map[string]string{}
	}
	r.uploaded[key] = localPath
	return nil
}

func (r *recordingReplica) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
	return nil
}

func (r *recordingReplica) GetStorageType() string { return "memory" }

func TestBackupExecutor_UploadsAndDeletesReplica(t *testing.T) {
	env := newExecutorEnv(t, ExecutorConfig{})
	replica := &recordingReplica{}
	env.executor = NewBackupExecutor(env.db, env.dialer, env.locks, NewGormRunLogStore(env.db), replica, ExecutorConfig{TransferConcurrency: 2})
	env.remote.addFile("/etc/app.conf", "key=value")
	env.remote.addFile("/etc/hosts", "127.0.0.1 localhost")
	env.addRule(t, "/etc", true, 1)

	run, err := env.executor.Execute(context.Background(), env.profile.ID, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)

	files := env.files(t, run.ID)
	require.Len(t, files, 2)
	for _, f := range files {
		require.NotEmpty(t, f.ReplicaKey)
		assert.True(t, strings.HasPrefix(f.ReplicaKey, "primary/nightly/"), f.ReplicaKey)
		assert.Equal(t, f.LocalPath, replica.uploaded[f.ReplicaKey])
	}

	deletion := NewDeletionService(env.db, env.locks, NewGormRunLogStore(env.db), replica)
	require.NoError(t, deletion.DeleteRun(context.Background(), run.ID))
	assert.ElementsMatch(t, []string{files[0].ReplicaKey, files[1].ReplicaKey}, replica.deleted)
}
