package services

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// CancelledReason 被取消的执行写入 error_message 的原因
const CancelledReason = "cancelled"

// TriggerSource 执行的触发来源
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
)

// ExecutorConfig 备份执行参数
type ExecutorConfig struct {
	TransferConcurrency     int
	TransferTimeout         time.Duration
	CommandTimeout          time.Duration
	RunPostCommandsOnCancel bool
}

// BackupExecutor 编排一次备份执行：连接、前置命令、传输、后置命令、落库
type BackupExecutor struct {
	db      *gorm.DB
	dialer  RemoteDialer
	locks   *LockManager
	logs    RunLogStore
	replica Replica
	cfg     ExecutorConfig

	mu     sync.Mutex
	active map[uint]context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackupExecutor 创建执行器，replica 可以为 nil
func NewBackupExecutor(db *gorm.DB, dialer RemoteDialer, locks *LockManager, logs RunLogStore, replica Replica, cfg ExecutorConfig) *BackupExecutor {
	return &BackupExecutor{
		db:      db,
		dialer:  dialer,
		locks:   locks,
		logs:    logs,
		replica: replica,
		cfg:     cfg,
		active:  make(map[uint]context.CancelFunc),
	}
}

// runHandle 一次已获取锁、已创建记录的执行
type runHandle struct {
	profile *models.BackupProfile
	run     *models.BackupRun
	source  TriggerSource
	release func()
}

// Trigger 创建 pending 记录并在后台执行，立即返回执行记录
func (e *BackupExecutor) Trigger(profileID uint, source TriggerSource) (*models.BackupRun, error) {
	h, err := e.prepare(profileID, source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.track(h.run.ID, cancel)

	run := *h.run
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(ctx, h)
	}()
	return &run, nil
}

// Execute 同步执行并返回最终的执行记录
func (e *BackupExecutor) Execute(ctx context.Context, profileID uint, source TriggerSource) (*models.BackupRun, error) {
	h, err := e.prepare(profileID, source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(h.run.ID, cancel)

	e.execute(ctx, h)
	return h.run, nil
}

// Cancel 取消正在进行的执行
func (e *BackupExecutor) Cancel(runID uint) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()

	if ok {
		cancel()
		log.Info().Msgf("🛑 已请求取消备份执行 #%d", runID)
		return nil
	}

	var run models.BackupRun
	if err := e.db.First(&run, runID).Error; err != nil {
		return err
	}
	return ErrRunNotActive
}

// IsActive 执行是否仍在进行
func (e *BackupExecutor) IsActive(runID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// Wait 等待所有后台执行结束
func (e *BackupExecutor) Wait() {
	e.wg.Wait()
}

// CancelAll 取消所有执行（服务关闭时调用）
func (e *BackupExecutor) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.active {
		cancel()
	}
}

// RecoverInterruptedRuns 进程重启后把遗留的未结束执行标记为失败
func (e *BackupExecutor) RecoverInterruptedRuns() (int64, error) {
	now := time.Now()
	result := e.db.Model(&models.BackupRun{}).
		Where("status IN ?", []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}).
		Updates(map[string]interface{}{
			"status":        models.RunStatusFailed,
			"end_time":      now,
			"error_message": "interrupted by server restart",
		})
	if result.RowsAffected > 0 {
		log.Warn().Msgf("⚠️ %d 个未完成的备份执行已标记为失败", result.RowsAffected)
	}
	return result.RowsAffected, result.Error
}

func (e *BackupExecutor) track(runID uint, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()
}

func (e *BackupExecutor) untrack(runID uint) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// prepare 加载配置、获取锁并创建 pending 记录
func (e *BackupExecutor) prepare(profileID uint, source TriggerSource) (*runHandle, error) {
	profile, err := LoadProfileForRun(e.db, profileID)
	if err != nil {
		return nil, err
	}
	if source == TriggerSchedule && !profile.Enabled {
		return nil, ErrProfileDisabled
	}

	unlockProfile, ok := e.locks.TryLock(ProfileLockName(profile.ID))
	if !ok {
		return nil, ErrProfileBusy
	}
	unlockLocation, ok := e.locks.TryRLock(StorageLocationLockName(profile.StorageLocationID))
	if !ok {
		unlockProfile()
		return nil, ErrStorageLocationBusy
	}
	release := func() {
		unlockLocation()
		unlockProfile()
	}

	now := time.Now()
	run := &models.BackupRun{
		BackupProfileID: profile.ID,
		Status:          models.RunStatusPending,
		StartTime:       &now,
	}
	if err := e.db.Create(run).Error; err != nil {
		release()
		return nil, fmt.Errorf("创建执行记录失败: %w", err)
	}

	return &runHandle{profile: profile, run: run, source: source, release: release}, nil
}

// LoadProfileForRun 加载执行所需的全部关联数据
func LoadProfileForRun(db *gorm.DB, profileID uint) (*models.BackupProfile, error) {
	var profile models.BackupProfile
	err := db.
		Preload("Server").
		Preload("StorageLocation").
		Preload("NamingRule").
		Preload("Commands").
		Preload("FileRules").
		First(&profile, profileID).Error
	if err != nil {
		return nil, err
	}
	if profile.Server == nil || profile.StorageLocation == nil || profile.NamingRule == nil {
		return nil, fmt.Errorf("备份配置 #%d 关联的服务器、存储位置或命名规则不存在", profileID)
	}
	return &profile, nil
}

func (e *BackupExecutor) execute(ctx context.Context, h *runHandle) {
	defer h.release()
	defer e.untrack(h.run.ID)

	logger := NewRunLogger(e.logs, h.run.ID)
	profile := h.profile
	logger.Info("🚀 开始备份 %s (%s 触发)", profile.Name, h.source)

	err := e.run(ctx, h, logger)
	e.finish(ctx, h, logger, err)
}

// run 执行主体，返回的错误均为致命错误
func (e *BackupExecutor) run(ctx context.Context, h *runHandle, logger *RunLogger) error {
	profile := h.profile
	location := profile.StorageLocation

	resolver, err := NewNamingResolver(profile.NamingRule.Pattern, NamingContext{
		ProfileName: profile.Name,
		ServerName:  profile.Server.Name,
		Host:        profile.Server.Host,
		RunID:       h.run.ID,
		StartedAt:   *h.run.StartTime,
	})
	if err != nil {
		return err
	}
	runRoot, err := resolver.RunRoot()
	if err != nil {
		return err
	}
	if h.run.LocalBackupPath, err = joinWithin(location.BasePath, runRoot); err != nil {
		return err
	}

	if err := os.MkdirAll(location.BasePath, 0755); err != nil {
		return fmt.Errorf("存储位置不可用: %w", err)
	}

	session, err := e.dialer.Dial(ctx, profile.Server)
	if err != nil {
		return err
	}
	defer session.Close()

	h.run.Status = models.RunStatusRunning
	if err := e.db.Model(h.run).Update("status", models.RunStatusRunning).Error; err != nil {
		return fmt.Errorf("更新执行状态失败: %w", err)
	}
	logger.Info("🔗 已连接 %s", profile.Server.Host)

	runner := NewCommandRunner(session, e.cfg.CommandTimeout, logger)
	if err := runner.RunPre(ctx, profile.Commands); err != nil {
		if ctx.Err() != nil && e.cfg.RunPostCommandsOnCancel {
			runner.RunPost(context.WithoutCancel(ctx), profile.Commands)
		}
		return err
	}

	engine := NewTransferEngine(e.db, session, resolver, location, h.run.ID, TransferOptions{
		Concurrency: e.cfg.TransferConcurrency,
		Timeout:     e.cfg.TransferTimeout,
		Replica:     e.replica,
	}, logger)

	rules := append([]models.FileRule(nil), profile.FileRules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].RunOrder < rules[j].RunOrder })

	var stats TransferStats
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		logger.Info("📂 处理文件规则 %s (recursive=%v)", rule.RemotePath, rule.Recursive)
		ruleStats, err := engine.TransferRule(ctx, rule)
		stats.add(ruleStats)
		if err != nil && ctx.Err() == nil {
			logger.Error("文件规则 %s 失败: %v", rule.RemotePath, err)
		}
	}

	h.run.TotalFiles = stats.Succeeded
	h.run.TotalSizeBytes = stats.Bytes
	h.run.FailedFiles = stats.Failed

	cancelled := ctx.Err() != nil
	if !cancelled || e.cfg.RunPostCommandsOnCancel {
		postCtx := ctx
		if cancelled {
			postCtx = context.WithoutCancel(ctx)
		}
		runner.RunPost(postCtx, profile.Commands)
	}

	if cancelled {
		return ctx.Err()
	}
	if stats.Attempted > 0 && stats.Succeeded == 0 {
		return fmt.Errorf("all %d file transfers failed", stats.Attempted)
	}
	if stats.Failed > 0 {
		logger.Warn("%d 个文件传输失败", stats.Failed)
	}
	return nil
}

// finish 写入终态，终态之后执行记录不再变化
func (e *BackupExecutor) finish(ctx context.Context, h *runHandle, logger *RunLogger, runErr error) {
	now := time.Now()
	run := h.run
	run.EndTime = &now

	switch {
	case ctx.Err() != nil:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = CancelledReason
		logger.Warn("🛑 备份已取消")
	case runErr != nil:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = runErr.Error()
		logger.Error("❌ 备份失败: %v", runErr)
	default:
		run.Status = models.RunStatusCompleted
		logger.Info("✅ 备份完成: %d 个文件, %d bytes", run.TotalFiles, run.TotalSizeBytes)
	}

	err := e.db.Model(run).Updates(map[string]interface{}{
		"status":            run.Status,
		"end_time":          run.EndTime,
		"error_message":     run.ErrorMessage,
		"local_backup_path": run.LocalBackupPath,
		"total_files":       run.TotalFiles,
		"total_size_bytes":  run.TotalSizeBytes,
		"failed_files":      run.FailedFiles,
	}).Error
	if err != nil {
		log.Error().Err(err).Uint("run_id", run.ID).Msg("❌ 写入执行结果失败")
	}
}
