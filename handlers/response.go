package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"backapp-server/services"
)

// parseID 解析路径中的整数 ID，失败时直接写入 400
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的ID: " + c.Param(name)})
		return 0, false
	}
	return uint(id), true
}

// bindJSON 解析请求体，失败时直接写入 400
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return false
	}
	return true
}

// queryInt 读取非负整数查询参数
func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// statusFor 错误到 HTTP 状态码的映射
func statusFor(err error) int {
	var (
		invalidPattern *services.InvalidPatternError
		pathEscape     *services.PathEscapeError
		moveConflict   *services.MoveConflictError
		movePartial    *services.MovePartialFailureError
	)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidInput),
		errors.As(err, &invalidPattern),
		errors.As(err, &pathEscape):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrProfileBusy),
		errors.Is(err, services.ErrStorageLocationBusy),
		errors.Is(err, services.ErrStorageLocationInUse),
		errors.Is(err, services.ErrNamingRuleInUse),
		errors.Is(err, services.ErrRunActive),
		errors.Is(err, services.ErrRunNotActive),
		errors.As(err, &moveConflict),
		errors.As(err, &movePartial):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError 按错误类型写入错误响应
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var partial *services.MovePartialFailureError
	if errors.As(err, &partial) {
		body["not_moved"] = partial.NotMoved
	}
	var conflict *services.MoveConflictError
	if errors.As(err, &conflict) {
		body["conflicting_path"] = conflict.ConflictingPath
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}
