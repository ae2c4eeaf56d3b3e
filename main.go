package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"backapp-server/config"
	"backapp-server/database"
	"backapp-server/handlers"
	"backapp-server/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP API 和定时调度",
	RunE:  runServe,
}

var retentionCmd = &cobra.Command{
	Use:   "retention-sweep",
	Short: "执行一次保留策略清理后退出",
	RunE:  runRetentionSweep,
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

// openStores 打开数据库、执行日志存储和异地副本
func openStores(cfg *config.Config) (*gorm.DB, services.RunLogStore, services.Replica, error) {
	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var logStore services.RunLogStore = services.NewGormRunLogStore(db)
	if config.IsClickHouseEnabled() {
		if err := database.InitClickHouse(); err != nil {
			log.Warn().Err(err).Msg("⚠️ ClickHouse 不可用，执行日志改为写入 SQLite")
		} else {
			logStore = services.NewClickHouseRunLogStore(database.CHConn)
		}
	}
	log.Info().Msgf("📝 执行日志存储: %s", logStore.GetStorageType())

	replica, err := services.NewReplica(config.LoadReplicaConfig())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化异地副本失败: %w", err)
	}
	if replica != nil {
		log.Info().Msgf("☁️ 异地副本: %s", replica.GetStorageType())
	}
	return db, logStore, replica, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()

	db, logStore, replica, err := openStores(cfg)
	if err != nil {
		log.Error().Err(err).Msg("❌ 启动失败")
		return err
	}
	defer database.CloseClickHouse()

	locks := services.NewLockManager()
	dialer := services.NewSSHDialer(cfg.ConnectTimeout)
	executor := services.NewBackupExecutor(db, dialer, locks, logStore, replica, services.ExecutorConfig{
		TransferConcurrency:     cfg.TransferConcurrency,
		TransferTimeout:         cfg.TransferTimeout,
		CommandTimeout:          cfg.CommandTimeout,
		RunPostCommandsOnCancel: cfg.RunPostCommandsOnCancel,
	})
	if _, err := executor.RecoverInterruptedRuns(); err != nil {
		log.Warn().Err(err).Msg("⚠️ 恢复未完成的执行失败")
	}

	sweeper := services.NewRetentionSweeper(db, locks, replica)
	schedulerService, err := services.NewSchedulerService(db, executor, sweeper, cfg.RetentionCron)
	if err != nil {
		log.Error().Err(err).Msg("❌ 创建调度服务失败")
		return err
	}
	if err := schedulerService.Start(); err != nil {
		log.Error().Err(err).Msg("❌ 启动调度服务失败")
	}

	mover := services.NewStorageMover(db, locks)
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.Services{
		DB:        db,
		Servers:   services.NewServerService(db, dialer),
		Locations: services.NewStorageLocationService(db, mover),
		Naming:    services.NewNamingRuleService(db),
		Profiles:  services.NewProfileService(db, schedulerService),
		Commands:  services.NewCommandService(db),
		Runs:      services.NewRunService(db, logStore),
		Deletion:  services.NewDeletionService(db, locks, logStore, replica),
		Impact:    services.NewImpactCalculator(db, cfg.ImpactPathLimit),
		Executor:  executor,
		Scheduler: schedulerService,
		JWTSecret: cfg.JWTSecret,
		TestMode:  cfg.TestMode,
	})
	if cfg.JWTSecret == "" {
		log.Warn().Msg("⚠️ JWT_SECRET 未设置，API 不做认证")
	}
	if cfg.TestMode {
		log.Warn().Msg("🧪 TEST_MODE 已开启，测试接口可用")
	}

	srv := &http.Server{
		Addr:    "0.0.0.0:" + cfg.ServerPort,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Server starting on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Msgf("🛑 收到信号 %s，正在关闭", sig)
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Failed to start server")
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("❌ HTTP 服务关闭失败")
	}

	schedulerService.Stop()
	executor.CancelAll()
	executor.Wait()
	log.Info().Msg("👋 服务已停止")
	return nil
}

func runRetentionSweep(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()

	db, _, replica, err := openStores(cfg)
	if err != nil {
		log.Error().Err(err).Msg("❌ 启动失败")
		return err
	}
	defer database.CloseClickHouse()

	sweeper := services.NewRetentionSweeper(db, services.NewLockManager(), replica)
	report, err := sweeper.Sweep(cmd.Context())
	if err != nil {
		log.Error().Err(err).Msg("❌ 保留策略清理失败")
		return err
	}
	log.Info().Msg(services.RetentionSummary(report))
	return nil
}
