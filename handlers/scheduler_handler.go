package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"backapp-server/models"
	"backapp-server/services"
)

type SchedulerHandler struct {
	schedulerService *services.SchedulerService
}

func NewSchedulerHandler(schedulerService *services.SchedulerService) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
	}
}

// GetJobs 当前登记的定时任务及下次执行时间
func (h *SchedulerHandler) GetJobs(c *gin.Context) {
	jobs := h.schedulerService.Jobs()
	if jobs == nil {
		jobs = []models.ScheduledJob{}
	}
	c.JSON(http.StatusOK, jobs)
}

// GetExecutions 定时任务执行历史
func (h *SchedulerHandler) GetExecutions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 20
	}
	targetID := uint(queryInt(c, "target_id", 0))

	executions, total, err := h.schedulerService.Executions(models.TaskType(c.Query("type")), targetID, (page-1)*pageSize, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"total":      total,
		"page":       page,
		"pageSize":   pageSize,
	})
}

// Reload 重新加载所有定时备份
func (h *SchedulerHandler) Reload(c *gin.Context) {
	if err := h.schedulerService.Reload(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.schedulerService.Jobs())
}
