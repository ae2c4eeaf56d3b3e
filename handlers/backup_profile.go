package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"backapp-server/services"
)

// ProfileHandler 备份配置、命令、文件规则与手动执行接口
type ProfileHandler struct {
	profiles  *services.ProfileService
	commands  *services.CommandService
	deletion  *services.DeletionService
	impact    *services.ImpactCalculator
	executor  *services.BackupExecutor
	scheduler services.ScheduleSyncer
}

// NewProfileHandler 创建备份配置接口，scheduler 可以为 nil
func NewProfileHandler(
	profiles *services.ProfileService,
	commands *services.CommandService,
	deletion *services.DeletionService,
	impact *services.ImpactCalculator,
	executor *services.BackupExecutor,
	scheduler services.ScheduleSyncer,
) *ProfileHandler {
	return &ProfileHandler{
		profiles:  profiles,
		commands:  commands,
		deletion:  deletion,
		impact:    impact,
		executor:  executor,
		scheduler: scheduler,
	}
}

// GetProfiles 获取备份配置列表
func (h *ProfileHandler) GetProfiles(c *gin.Context) {
	profiles, err := h.profiles.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profiles)
}

// GetProfile 获取备份配置详情（含命令和文件规则）
func (h *ProfileHandler) GetProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	profile, err := h.profiles.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// AddProfile 创建备份配置
func (h *ProfileHandler) AddProfile(c *gin.Context) {
	var req services.ProfileInput
	if !bindJSON(c, &req) {
		return
	}
	profile, err := h.profiles.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

// UpdateProfile 更新备份配置
func (h *ProfileHandler) UpdateProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.ProfileInput
	if !bindJSON(c, &req) {
		return
	}
	profile, err := h.profiles.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// DeleteProfile 删除备份配置及其执行记录和文件
func (h *ProfileHandler) DeleteProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.deletion.DeleteProfile(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	if h.scheduler != nil {
		if err := h.scheduler.SyncProfile(id); err != nil {
			log.Warn().Err(err).Uint("profile_id", id).Msg("⚠️ 移除定时计划失败")
		}
	}
	c.Status(http.StatusNoContent)
}

// GetDeletionImpact 删除备份配置的影响范围
func (h *ProfileHandler) GetDeletionImpact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	impact, err := h.impact.ForProfile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// ExecuteProfile 手动触发一次备份，立即返回 pending 状态的执行记录
func (h *ProfileHandler) ExecuteProfile(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	run, err := h.executor.Trigger(id, services.TriggerManual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// ========== 命令 ==========

func (h *ProfileHandler) GetCommands(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	commands, err := h.commands.List(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commands)
}

func (h *ProfileHandler) AddCommand(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.CommandInput
	if !bindJSON(c, &req) {
		return
	}
	cmd, err := h.commands.Create(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// UpdateCommand 更新命令，可以跨阶段移动
func (h *ProfileHandler) UpdateCommand(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	cmdID, ok := parseID(c, "commandId")
	if !ok {
		return
	}
	var req services.CommandInput
	if !bindJSON(c, &req) {
		return
	}
	cmd, err := h.commands.Update(c.Request.Context(), id, cmdID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *ProfileHandler) DeleteCommand(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	cmdID, ok := parseID(c, "commandId")
	if !ok {
		return
	}
	if err := h.commands.Delete(c.Request.Context(), id, cmdID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ========== 文件规则 ==========

func (h *ProfileHandler) GetFileRules(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rules, err := h.profiles.ListFileRules(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *ProfileHandler) AddFileRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.FileRuleInput
	if !bindJSON(c, &req) {
		return
	}
	rule, err := h.profiles.CreateFileRule(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *ProfileHandler) UpdateFileRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ruleID, ok := parseID(c, "ruleId")
	if !ok {
		return
	}
	var req services.FileRuleInput
	if !bindJSON(c, &req) {
		return
	}
	rule, err := h.profiles.UpdateFileRule(c.Request.Context(), id, ruleID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *ProfileHandler) DeleteFileRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ruleID, ok := parseID(c, "ruleId")
	if !ok {
		return
	}
	if err := h.profiles.DeleteFileRule(c.Request.Context(), id, ruleID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
