package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"backapp-server/services"
)

// NamingRuleHandler 命名规则接口
type NamingRuleHandler struct {
	rules    *services.NamingRuleService
	deletion *services.DeletionService
}

// NewNamingRuleHandler 创建命名规则接口
func NewNamingRuleHandler(rules *services.NamingRuleService, deletion *services.DeletionService) *NamingRuleHandler {
	return &NamingRuleHandler{rules: rules, deletion: deletion}
}

func (h *NamingRuleHandler) GetNamingRules(c *gin.Context) {
	rules, err := h.rules.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *NamingRuleHandler) GetNamingRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.rules.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *NamingRuleHandler) AddNamingRule(c *gin.Context) {
	var req services.NamingRuleInput
	if !bindJSON(c, &req) {
		return
	}
	rule, err := h.rules.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *NamingRuleHandler) UpdateNamingRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.NamingRuleInput
	if !bindJSON(c, &req) {
		return
	}
	rule, err := h.rules.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteNamingRule 删除未被引用的命名规则
func (h *NamingRuleHandler) DeleteNamingRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.deletion.DeleteNamingRule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
