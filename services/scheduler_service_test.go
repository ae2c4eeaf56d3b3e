package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backapp-server/models"
)

func newSchedulerEnv(t *testing.T, retentionCron string) (*executorEnv, *SchedulerService) {
	t.Helper()
	env := newExecutorEnv(t, ExecutorConfig{})
	sweeper := NewRetentionSweeper(env.db, env.locks, nil)
	scheduler, err := NewSchedulerService(env.db, env.executor, sweeper, retentionCron)
	require.NoError(t, err)
	return env, scheduler
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"0 2 * * *", "0 0 * * * *", "@daily", "*/15 * * * * *"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "tomorrow", "61 * * * *", "* * * * * * *"} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

func TestNewSchedulerService_RejectsInvalidRetentionCron(t *testing.T) {
	db := newTestDB(t)
	_, err := NewSchedulerService(db, nil, nil, "not a cron")
	assert.Error(t, err)
}

func TestSchedulerService_SyncProfile(t *testing.T) {
	env, scheduler := newSchedulerEnv(t, "")

	require.NoError(t, env.db.Model(env.profile).Update("schedule_cron", "0 3 * * *").Error)
	require.NoError(t, scheduler.SyncProfile(env.profile.ID))

	jobs := scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.TaskTypeProfileBackup, jobs[0].Type)
	assert.Equal(t, env.profile.ID, jobs[0].TargetID)
	assert.Equal(t, "0 3 * * *", jobs[0].CronExpr)

	// 重复登记不会产生重复任务
	require.NoError(t, scheduler.SyncProfile(env.profile.ID))
	assert.Len(t, scheduler.Jobs(), 1)

	require.NoError(t, env.db.Model(env.profile).Update("enabled", false).Error)
	require.NoError(t, scheduler.SyncProfile(env.profile.ID))
	assert.Empty(t, scheduler.Jobs())

	require.NoError(t, scheduler.SyncProfile(9999))
	assert.Empty(t, scheduler.Jobs())
}

func TestSchedulerService_RunProfileRecordsExecution(t *testing.T) {
	env, scheduler := newSchedulerEnv(t, "")
	env.remote.addFile("/etc/hosts", "127.0.0.1 localhost")
	env.addRule(t, "/etc/hosts", false, 1)

	scheduler.runProfile(env.profile.ID)

	executions, total, err := scheduler.Executions(models.TaskTypeProfileBackup, env.profile.ID, 0, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, models.TaskStatusSuccess, executions[0].Status)
	assert.Contains(t, executions[0].Output, "1 files")
	assert.NotNil(t, executions[0].EndedAt)
}

func TestSchedulerService_RunProfileSkipsBusyProfile(t *testing.T) {
	env, scheduler := newSchedulerEnv(t, "")
	unlock := env.locks.Lock(ProfileLockName(env.profile.ID))
	defer unlock()

	scheduler.runProfile(env.profile.ID)

	executions, _, err := scheduler.Executions("", 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.TaskStatusSkipped, executions[0].Status)
	assert.Contains(t, executions[0].Error, ErrProfileBusy.Error())
}

func TestSchedulerService_RunProfileFailedRun(t *testing.T) {
	env, scheduler := newSchedulerEnv(t, "")
	env.addRule(t, "/missing", false, 1)

	scheduler.runProfile(env.profile.ID)

	executions, _, err := scheduler.Executions(models.TaskTypeProfileBackup, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.TaskStatusFailed, executions[0].Status)
	assert.NotEmpty(t, executions[0].Error)
}

func TestSchedulerService_StartRunsRetentionOnce(t *testing.T) {
	env, scheduler := newSchedulerEnv(t, "0 0 * * * *")
	require.NoError(t, env.db.Model(env.profile).Update("schedule_cron", "0 4 * * *").Error)

	require.NoError(t, scheduler.Start())
	assert.Error(t, scheduler.Start())
	jobs := scheduler.Jobs()
	scheduler.Stop()

	require.Len(t, jobs, 2)
	types := []models.TaskType{jobs[0].Type, jobs[1].Type}
	assert.ElementsMatch(t, []models.TaskType{models.TaskTypeProfileBackup, models.TaskTypeRetentionCleanup}, types)

	executions, _, err := scheduler.Executions(models.TaskTypeRetentionCleanup, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.TaskStatusSuccess, executions[0].Status)
}

func TestSchedulerService_TriggerRetention(t *testing.T) {
	env, scheduler := newSchedulerEnv(t, "")
	require.NoError(t, env.db.Model(env.profile).Update("retention_days", 1).Error)
	env.profile.RetentionDays = intPtr(1)
	env.fx.completedRun(t, env.db, env.profile, 72*time.Hour, map[string]string{"old.txt": "old"})

	report, err := scheduler.TriggerRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RunsCleaned)
	assert.Equal(t, 1, report.FilesDeleted)
}
