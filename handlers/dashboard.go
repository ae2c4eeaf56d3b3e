package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"backapp-server/services"
)

// DashboardHandler 仪表板接口
type DashboardHandler struct {
	dashboard *services.DashboardService
}

// NewDashboardHandler 创建仪表板接口
func NewDashboardHandler(dashboard *services.DashboardService) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard}
}

// GetDashboardStats 获取仪表板统计信息
func (h *DashboardHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.dashboard.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
