package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"backapp-server/models"
	"backapp-server/services"
)

// BackupHandler 备份执行记录与备份文件接口
type BackupHandler struct {
	runs     *services.RunService
	deletion *services.DeletionService
	impact   *services.ImpactCalculator
	executor *services.BackupExecutor
}

// NewBackupHandler 创建备份接口
func NewBackupHandler(runs *services.RunService, deletion *services.DeletionService, impact *services.ImpactCalculator, executor *services.BackupExecutor) *BackupHandler {
	return &BackupHandler{runs: runs, deletion: deletion, impact: impact, executor: executor}
}

// GetRuns 执行记录列表，支持 profile_id、status、offset、limit 过滤
func (h *BackupHandler) GetRuns(c *gin.Context) {
	filter := services.RunFilter{
		Offset: queryInt(c, "offset", 0),
		Limit:  queryInt(c, "limit", 0),
	}
	if raw := c.Query("profile_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 profile_id: " + raw})
			return
		}
		filter.ProfileID = uint(id)
	}
	if raw := c.Query("status"); raw != "" {
		status, ok := models.ParseRunStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 status: " + raw})
			return
		}
		filter.Status = status
	}

	runs, total, err := h.runs.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, runs)
}

// GetRun 获取执行记录
func (h *BackupHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	run, err := h.runs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRunFiles 执行产生的文件，include_deleted=true 时包含已删除的文件
func (h *BackupHandler) GetRunFiles(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	files, err := h.runs.Files(c.Request.Context(), id, c.Query("include_deleted") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

// GetRunLogs 执行日志
func (h *BackupHandler) GetRunLogs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	logs, err := h.runs.Logs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetRunDeletionImpact 删除执行记录的影响范围
func (h *BackupHandler) GetRunDeletionImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	impact, err := h.impact.ForRun(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// DeleteRun 删除已结束的执行记录及其文件
func (h *BackupHandler) DeleteRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.deletion.DeleteRun(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelRun 取消正在进行的执行
func (h *BackupHandler) CancelRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.executor.Cancel(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

// DownloadRun 以 tar.gz 或 tar.zst 流式下载执行的全部文件
func (h *BackupHandler) DownloadRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	format, err := services.ParseArchiveFormat(c.Query("format"))
	if err != nil {
		respondError(c, err)
		return
	}
	archive, err := h.runs.Archive(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.FileName(format)))
	c.Status(http.StatusOK)
	if err := archive.Write(c.Request.Context(), c.Writer, format); err != nil {
		log.Error().Err(err).Uint("run_id", id).Msg("❌ 写出归档失败")
	}
}

// ========== 备份文件 ==========

// GetFile 获取备份文件
func (h *BackupHandler) GetFile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	file, err := h.runs.GetFile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// GetFileDeletionImpact 删除备份文件的影响范围
func (h *BackupHandler) GetFileDeletionImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	impact, err := h.impact.ForFile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// DeleteFile 删除单个备份文件
func (h *BackupHandler) DeleteFile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.deletion.DeleteFile(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DownloadFile 下载备份文件
func (h *BackupHandler) DownloadFile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	file, err := h.runs.GetFile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if file.Deleted {
		c.JSON(http.StatusGone, gin.H{"error": "备份文件已删除"})
		return
	}
	if _, err := os.Stat(file.LocalPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "备份文件在磁盘上不存在"})
		return
	}
	c.FileAttachment(file.LocalPath, filepath.Base(file.LocalPath))
}
