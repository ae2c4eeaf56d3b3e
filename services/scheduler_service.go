package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// 秒字段可选：既接受 5 段也接受 6 段表达式
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule 解析 cron 表达式
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// SchedulerService 定时任务调度服务：按备份配置的 cron 触发执行，并周期性执行保留策略清理
type SchedulerService struct {
	db            *gorm.DB
	executor      *BackupExecutor
	sweeper       *RetentionSweeper
	retentionCron string

	mutex     sync.Mutex
	cron      *cron.Cron
	running   bool
	profiles  map[uint]cron.EntryID
	retention cron.EntryID
	jobs      map[cron.EntryID]models.ScheduledJob
	wg        sync.WaitGroup
}

// NewSchedulerService 创建调度服务，retentionCron 为空时不登记清理任务
func NewSchedulerService(db *gorm.DB, executor *BackupExecutor, sweeper *RetentionSweeper, retentionCron string) (*SchedulerService, error) {
	if retentionCron != "" {
		if _, err := ParseSchedule(retentionCron); err != nil {
			return nil, fmt.Errorf("无效的保留策略 cron 表达式 %q: %w", retentionCron, err)
		}
	}
	return &SchedulerService{
		db:            db,
		executor:      executor,
		sweeper:       sweeper,
		retentionCron: retentionCron,
		cron:          cron.New(cron.WithParser(scheduleParser)),
		profiles:      make(map[uint]cron.EntryID),
		jobs:          make(map[cron.EntryID]models.ScheduledJob),
	}, nil
}

// Start 启动调度服务并在后台执行一次保留策略清理
func (s *SchedulerService) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("调度服务已经在运行")
	}

	if err := s.loadProfiles(); err != nil {
		return fmt.Errorf("加载定时备份失败: %w", err)
	}

	if s.retentionCron != "" && s.sweeper != nil {
		id, err := s.cron.AddFunc(s.retentionCron, func() { s.runRetention(context.Background()) })
		if err != nil {
			return fmt.Errorf("登记保留策略清理失败: %w", err)
		}
		s.retention = id
		s.jobs[id] = models.ScheduledJob{Type: models.TaskTypeRetentionCleanup, CronExpr: s.retentionCron}
		log.Info().Msgf("📅 保留策略清理: %s", s.retentionCron)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runRetention(context.Background())
		}()
	}

	s.cron.Start()
	s.running = true

	log.Info().Msg("✅ 定时任务调度服务启动成功")
	return nil
}

// Stop 停止调度服务并等待正在执行的任务结束
func (s *SchedulerService) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.running = false
	s.mutex.Unlock()

	<-ctx.Done()
	s.wg.Wait()
	log.Info().Msg("🛑 定时任务调度服务已停止")
}

// loadProfiles 登记所有启用且配置了 cron 的备份配置，调用方持有锁
func (s *SchedulerService) loadProfiles() error {
	var profiles []models.BackupProfile
	err := s.db.Where("enabled = ? AND schedule_cron <> ''", true).Find(&profiles).Error
	if err != nil {
		return err
	}

	log.Info().Msgf("🔄 开始加载定时备份，共找到 %d 个备份配置", len(profiles))
	success := 0
	for i := range profiles {
		if err := s.addProfile(&profiles[i]); err != nil {
			log.Error().Err(err).Msgf("❌ 登记定时备份失败 [%s]", profiles[i].Name)
			continue
		}
		success++
	}
	log.Info().Msgf("✅ 定时备份加载完成: 成功 %d/%d", success, len(profiles))
	return nil
}

func (s *SchedulerService) addProfile(profile *models.BackupProfile) error {
	profileID := profile.ID
	id, err := s.cron.AddFunc(profile.ScheduleCron, func() { s.runProfile(profileID) })
	if err != nil {
		return err
	}
	s.profiles[profileID] = id
	s.jobs[id] = models.ScheduledJob{
		Type:     models.TaskTypeProfileBackup,
		TargetID: profileID,
		CronExpr: profile.ScheduleCron,
	}
	log.Info().Msgf("📅 添加定时备份: %s (%s)", profile.Name, profile.ScheduleCron)
	return nil
}

func (s *SchedulerService) removeProfile(profileID uint) {
	if id, ok := s.profiles[profileID]; ok {
		s.cron.Remove(id)
		delete(s.jobs, id)
		delete(s.profiles, profileID)
	}
}

// SyncProfile 备份配置新增、修改或删除后重新登记
func (s *SchedulerService) SyncProfile(profileID uint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.removeProfile(profileID)

	var profile models.BackupProfile
	err := s.db.First(&profile, profileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !profile.Enabled || profile.ScheduleCron == "" {
		return nil
	}
	return s.addProfile(&profile)
}

// Reload 清空并重新登记所有备份配置的定时计划
func (s *SchedulerService) Reload() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for profileID := range s.profiles {
		s.removeProfile(profileID)
	}
	return s.loadProfiles()
}

// Jobs 当前登记的定时任务
func (s *SchedulerService) Jobs() []models.ScheduledJob {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var jobs []models.ScheduledJob
	for _, entry := range s.cron.Entries() {
		job, ok := s.jobs[entry.ID]
		if !ok {
			continue
		}
		if !entry.Next.IsZero() {
			next := entry.Next
			job.NextRunAt = &next
		}
		if !entry.Prev.IsZero() {
			prev := entry.Prev
			job.PrevRunAt = &prev
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Type != jobs[j].Type {
			return jobs[i].Type < jobs[j].Type
		}
		return jobs[i].TargetID < jobs[j].TargetID
	})
	return jobs
}

// Executions 分页查询执行历史，taskType 为空表示全部
func (s *SchedulerService) Executions(taskType models.TaskType, targetID uint, offset, limit int) ([]models.TaskExecution, int64, error) {
	var executions []models.TaskExecution
	var total int64

	query := s.db.Model(&models.TaskExecution{})
	if taskType != "" {
		query = query.Where("type = ?", taskType)
	}
	if targetID > 0 {
		query = query.Where("target_id = ?", targetID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Offset(offset).Limit(limit).Order("started_at DESC, id DESC").Find(&executions).Error
	return executions, total, err
}

// TriggerRetention 立即执行一次保留策略清理
func (s *SchedulerService) TriggerRetention(ctx context.Context) (*models.RetentionReport, error) {
	return s.runRetention(ctx)
}

func (s *SchedulerService) runProfile(profileID uint) {
	execution := s.startExecution(models.TaskTypeProfileBackup, profileID)

	run, err := s.executor.Execute(context.Background(), profileID, TriggerSchedule)
	switch {
	case errors.Is(err, ErrProfileBusy), errors.Is(err, ErrProfileDisabled), errors.Is(err, ErrStorageLocationBusy):
		log.Warn().Msgf("⚠️ 备份配置 #%d 跳过本次调度: %v", profileID, err)
		s.finishExecution(execution, models.TaskStatusSkipped, "", err)
	case err != nil:
		s.finishExecution(execution, models.TaskStatusFailed, "", err)
	case run.Status != models.RunStatusCompleted:
		s.finishExecution(execution, models.TaskStatusFailed, fmt.Sprintf("run #%d", run.ID), errors.New(run.ErrorMessage))
	default:
		output := fmt.Sprintf("run #%d: %d files, %d bytes", run.ID, run.TotalFiles, run.TotalSizeBytes)
		s.finishExecution(execution, models.TaskStatusSuccess, output, nil)
	}
}

func (s *SchedulerService) runRetention(ctx context.Context) (*models.RetentionReport, error) {
	execution := s.startExecution(models.TaskTypeRetentionCleanup, 0)

	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.finishExecution(execution, models.TaskStatusFailed, "", err)
		return nil, err
	}
	summary := RetentionSummary(report)
	s.finishExecution(execution, models.TaskStatusSuccess, summary, nil)
	return report, nil
}

func (s *SchedulerService) startExecution(taskType models.TaskType, targetID uint) *models.TaskExecution {
	execution := &models.TaskExecution{
		Type:      taskType,
		TargetID:  targetID,
		Status:    models.TaskStatusRunning,
		StartedAt: time.Now(),
	}
	if err := s.db.Create(execution).Error; err != nil {
		log.Error().Err(err).Msgf("❌ 创建任务执行记录失败 [%s]", taskType)
	}
	log.Info().Msgf("🚀 开始执行任务: %s %d", taskType, targetID)
	return execution
}

func (s *SchedulerService) finishExecution(execution *models.TaskExecution, status models.TaskStatus, output string, err error) {
	endTime := time.Now()
	duration := endTime.Sub(execution.StartedAt).Milliseconds()

	updates := map[string]interface{}{
		"status":   status,
		"ended_at": &endTime,
		"duration": duration,
		"output":   output,
	}
	if err != nil {
		updates["error"] = err.Error()
	}

	if status == models.TaskStatusFailed {
		log.Error().Err(err).Msgf("❌ 任务执行失败 [%s %d]", execution.Type, execution.TargetID)
	} else {
		log.Info().Msgf("✅ 任务结束 [%s %d] %s: 耗时%dms", execution.Type, execution.TargetID, status, duration)
	}

	if execution.ID == 0 {
		return
	}
	if err := s.db.Model(execution).Updates(updates).Error; err != nil {
		log.Error().Err(err).Msg("❌ 更新任务执行记录失败")
	}
}
