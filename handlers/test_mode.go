package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/database"
	"backapp-server/services"
)

// TestModeHandler 仅在 TEST_MODE 下注册的辅助接口
type TestModeHandler struct {
	db        *gorm.DB
	runs      *services.RunService
	scheduler *services.SchedulerService
}

// NewTestModeHandler 创建测试辅助接口
func NewTestModeHandler(db *gorm.DB, runs *services.RunService, scheduler *services.SchedulerService) *TestModeHandler {
	return &TestModeHandler{db: db, runs: runs, scheduler: scheduler}
}

// ResetDatabase 清空所有表
func (h *TestModeHandler) ResetDatabase(c *gin.Context) {
	if err := database.ResetDatabase(h.db); err != nil {
		respondError(c, err)
		return
	}
	if h.scheduler != nil {
		if err := h.scheduler.Reload(); err != nil {
			log.Warn().Err(err).Msg("⚠️ 重置后重新加载定时任务失败")
		}
	}
	log.Warn().Msg("🧹 数据库已重置")
	c.JSON(http.StatusOK, gin.H{"message": "database reset"})
}

// TriggerRetentionCleanup 立即执行一次保留策略清理
func (h *TestModeHandler) TriggerRetentionCleanup(c *gin.Context) {
	report, err := h.scheduler.TriggerRetention(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type runDateRequest struct {
	EndTime string `json:"end_time" binding:"required"`
}

// SetRunDate 改写执行的结束时间（RFC3339）
func (h *TestModeHandler) SetRunDate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req runDateRequest
	if !bindJSON(c, &req) {
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_time 必须是 RFC3339 格式"})
		return
	}
	run, err := h.runs.SetEndTime(c.Request.Context(), id, end)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
