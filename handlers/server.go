package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"backapp-server/models"
	"backapp-server/services"
)

// ServerHandler 远程服务器接口
type ServerHandler struct {
	servers  *services.ServerService
	deletion *services.DeletionService
	impact   *services.ImpactCalculator
}

// NewServerHandler 创建服务器接口
func NewServerHandler(servers *services.ServerService, deletion *services.DeletionService, impact *services.ImpactCalculator) *ServerHandler {
	return &ServerHandler{servers: servers, deletion: deletion, impact: impact}
}

// GetServers 获取服务器列表
func (h *ServerHandler) GetServers(c *gin.Context) {
	servers, err := h.servers.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

// GetServer 获取单个服务器
func (h *ServerHandler) GetServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	server, err := h.servers.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

// AddServer 添加服务器
func (h *ServerHandler) AddServer(c *gin.Context) {
	var req models.Server
	if !bindJSON(c, &req) {
		return
	}
	server, err := h.servers.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, server)
}

// UpdateServer 更新服务器
func (h *ServerHandler) UpdateServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.Server
	if !bindJSON(c, &req) {
		return
	}
	server, err := h.servers.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

// DeleteServer 删除服务器及其所有备份配置和备份文件
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.deletion.DeleteServer(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetDeletionImpact 删除服务器的影响范围
func (h *ServerHandler) GetDeletionImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	impact, err := h.impact.ForServer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// TestConnection 测试服务器连接
func (h *ServerHandler) TestConnection(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	result, err := h.servers.TestConnection(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
