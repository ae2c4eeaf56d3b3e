package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"backapp-server/models"
	"backapp-server/services"
)

// StorageLocationHandler 存储位置接口
type StorageLocationHandler struct {
	locations *services.StorageLocationService
	deletion  *services.DeletionService
	impact    *services.ImpactCalculator
}

// NewStorageLocationHandler 创建存储位置接口
func NewStorageLocationHandler(locations *services.StorageLocationService, deletion *services.DeletionService, impact *services.ImpactCalculator) *StorageLocationHandler {
	return &StorageLocationHandler{locations: locations, deletion: deletion, impact: impact}
}

// GetStorageLocations 获取存储位置列表
func (h *StorageLocationHandler) GetStorageLocations(c *gin.Context) {
	locations, err := h.locations.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, locations)
}

// GetStorageLocation 获取单个存储位置
func (h *StorageLocationHandler) GetStorageLocation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	location, err := h.locations.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, location)
}

// AddStorageLocation 添加存储位置
func (h *StorageLocationHandler) AddStorageLocation(c *gin.Context) {
	var req services.StorageLocationInput
	if !bindJSON(c, &req) {
		return
	}
	location, err := h.locations.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, location)
}

// UpdateStorageLocation 更新存储位置，base_path 变化时会迁移已有文件
func (h *StorageLocationHandler) UpdateStorageLocation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.StorageLocationInput
	if !bindJSON(c, &req) {
		return
	}
	location, moved, err := h.locations.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, struct {
		*models.StorageLocation
		MoveResult *models.MoveResult `json:"move_result,omitempty"`
	}{location, moved})
}

// DeleteStorageLocation 删除存储位置，仍被引用时返回 409 和影响范围
func (h *StorageLocationHandler) DeleteStorageLocation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	err := h.deletion.DeleteStorageLocation(c.Request.Context(), id)
	if errors.Is(err, services.ErrStorageLocationInUse) {
		impact, impactErr := h.impact.ForStorageLocation(c.Request.Context(), id)
		if impactErr != nil {
			respondError(c, impactErr)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "impact": impact})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetDeletionImpact 删除存储位置的影响范围
func (h *StorageLocationHandler) GetDeletionImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	impact, err := h.impact.ForStorageLocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// GetMoveImpact 迁移到 new_path 的影响范围
func (h *StorageLocationHandler) GetMoveImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	newPath := c.Query("new_path")
	if newPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 new_path 参数"})
		return
	}
	impact, err := h.impact.ForMove(c.Request.Context(), id, newPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}
