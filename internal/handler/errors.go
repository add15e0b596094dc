package handler

import (
	"net/http"

	"cvforge-go/internal/apperr"

	"github.com/gin-gonic/gin"
)

// respondError 把业务错误翻译为统一的 JSON 错误响应。
// 上游依赖故障映射 502，资源缺失 404，前置条件不满足 422，其余 500。
func respondError(c *gin.Context, err error) {
	switch {
	case apperr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    http.StatusNotFound,
			"message": err.Error(),
		})
	case apperr.IsPrecondition(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":    http.StatusUnprocessableEntity,
			"message": err.Error(),
		})
	case apperr.IsProvider(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    http.StatusBadGateway,
			"message": "上游服务暂时不可用，请稍后重试",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "内部服务错误",
		})
	}
}
