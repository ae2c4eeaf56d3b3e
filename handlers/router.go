package handlers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"backapp-server/database"
	"backapp-server/middleware"
	"backapp-server/services"
)

// Services 路由依赖的全部服务
type Services struct {
	DB          *gorm.DB
	Servers     *services.ServerService
	Locations   *services.StorageLocationService
	Naming      *services.NamingRuleService
	Profiles    *services.ProfileService
	Commands    *services.CommandService
	Runs        *services.RunService
	Deletion    *services.DeletionService
	Impact      *services.ImpactCalculator
	Executor    *services.BackupExecutor
	Scheduler   *services.SchedulerService
	JWTSecret   string
	TestMode    bool
	ConnTestRPM int
}

// NewRouter 注册所有 /api/v1 路由
func NewRouter(s Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	// CORS 配置
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Total-Count", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * 3600,
	}))

	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if database.CHConn != nil {
			if err := database.CheckClickHouseHealth(); err != nil {
				status["clickhouse"] = err.Error()
			} else {
				status["clickhouse"] = "ok"
			}
		}
		c.JSON(http.StatusOK, status)
	})

	var scheduler services.ScheduleSyncer
	if s.Scheduler != nil {
		scheduler = s.Scheduler
	}

	serverHandler := NewServerHandler(s.Servers, s.Deletion, s.Impact)
	locationHandler := NewStorageLocationHandler(s.Locations, s.Deletion, s.Impact)
	namingHandler := NewNamingRuleHandler(s.Naming, s.Deletion)
	profileHandler := NewProfileHandler(s.Profiles, s.Commands, s.Deletion, s.Impact, s.Executor, scheduler)
	backupHandler := NewBackupHandler(s.Runs, s.Deletion, s.Impact, s.Executor)
	dashboardHandler := NewDashboardHandler(services.NewDashboardService(s.DB))

	rpm := s.ConnTestRPM
	if rpm <= 0 {
		rpm = 10
	}
	connLimiter := middleware.NewRateLimiter(rpm)

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(s.JWTSecret))
	{
		// ========== 仪表板 ==========
		api.GET("/dashboard/stats", dashboardHandler.GetDashboardStats)

		// ========== 服务器 ==========
		api.GET("/servers", serverHandler.GetServers)
		api.POST("/servers", serverHandler.AddServer)
		api.GET("/servers/:id", serverHandler.GetServer)
		api.PUT("/servers/:id", serverHandler.UpdateServer)
		api.DELETE("/servers/:id", serverHandler.DeleteServer)
		api.GET("/servers/:id/deletion-impact", serverHandler.GetDeletionImpact)
		api.POST("/servers/:id/test-connection", connLimiter.Middleware(), serverHandler.TestConnection)

		// ========== 存储位置 ==========
		api.GET("/storage-locations", locationHandler.GetStorageLocations)
		api.POST("/storage-locations", locationHandler.AddStorageLocation)
		api.GET("/storage-locations/:id", locationHandler.GetStorageLocation)
		api.PUT("/storage-locations/:id", locationHandler.UpdateStorageLocation)
		api.DELETE("/storage-locations/:id", locationHandler.DeleteStorageLocation)
		api.GET("/storage-locations/:id/deletion-impact", locationHandler.GetDeletionImpact)
		api.GET("/storage-locations/:id/move-impact", locationHandler.GetMoveImpact)

		// ========== 命名规则 ==========
		api.GET("/naming-rules", namingHandler.GetNamingRules)
		api.POST("/naming-rules", namingHandler.AddNamingRule)
		api.GET("/naming-rules/:id", namingHandler.GetNamingRule)
		api.PUT("/naming-rules/:id", namingHandler.UpdateNamingRule)
		api.DELETE("/naming-rules/:id", namingHandler.DeleteNamingRule)

		// ========== 备份配置 ==========
		api.GET("/backup-profiles", profileHandler.GetProfiles)
		api.POST("/backup-profiles", profileHandler.AddProfile)
		api.GET("/backup-profiles/:id", profileHandler.GetProfile)
		api.PUT("/backup-profiles/:id", profileHandler.UpdateProfile)
		api.DELETE("/backup-profiles/:id", profileHandler.DeleteProfile)
		api.GET("/backup-profiles/:id/deletion-impact", profileHandler.GetDeletionImpact)
		api.POST("/backup-profiles/:id/execute", profileHandler.ExecuteProfile)

		api.GET("/backup-profiles/:id/commands", profileHandler.GetCommands)
		api.POST("/backup-profiles/:id/commands", profileHandler.AddCommand)
		api.PUT("/backup-profiles/:id/commands/:commandId", profileHandler.UpdateCommand)
		api.DELETE("/backup-profiles/:id/commands/:commandId", profileHandler.DeleteCommand)

		api.GET("/backup-profiles/:id/file-rules", profileHandler.GetFileRules)
		api.POST("/backup-profiles/:id/file-rules", profileHandler.AddFileRule)
		api.PUT("/backup-profiles/:id/file-rules/:ruleId", profileHandler.UpdateFileRule)
		api.DELETE("/backup-profiles/:id/file-rules/:ruleId", profileHandler.DeleteFileRule)

		// ========== 执行记录 ==========
		api.GET("/backup-runs", backupHandler.GetRuns)
		api.GET("/backup-runs/:id", backupHandler.GetRun)
		api.DELETE("/backup-runs/:id", backupHandler.DeleteRun)
		api.GET("/backup-runs/:id/files", backupHandler.GetRunFiles)
		api.GET("/backup-runs/:id/logs", backupHandler.GetRunLogs)
		api.GET("/backup-runs/:id/deletion-impact", backupHandler.GetRunDeletionImpact)
		api.POST("/backup-runs/:id/cancel", backupHandler.CancelRun)
		api.GET("/backup-runs/:id/download", backupHandler.DownloadRun)

		// ========== 备份文件 ==========
		api.GET("/backup-files/:id", backupHandler.GetFile)
		api.DELETE("/backup-files/:id", backupHandler.DeleteFile)
		api.GET("/backup-files/:id/deletion-impact", backupHandler.GetFileDeletionImpact)
		api.GET("/backup-files/:id/download", backupHandler.DownloadFile)

		// ========== 定时任务 ==========
		if s.Scheduler != nil {
			schedulerHandler := NewSchedulerHandler(s.Scheduler)
			api.GET("/scheduler/jobs", schedulerHandler.GetJobs)
			api.GET("/scheduler/executions", schedulerHandler.GetExecutions)
			api.POST("/scheduler/reload", schedulerHandler.Reload)
		}
	}

	if s.TestMode {
		testHandler := NewTestModeHandler(s.DB, s.Runs, s.Scheduler)
		test := api.Group("/test")
		test.POST("/reset-database", testHandler.ResetDatabase)
		test.PUT("/backup-runs/:id/date", testHandler.SetRunDate)
		if s.Scheduler != nil {
			test.POST("/trigger-retention-cleanup", testHandler.TriggerRetentionCleanup)
		}
	}

	return r
}
