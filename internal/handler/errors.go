package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
)

// statusFor 错误类别到 HTTP 状态码
func statusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.AuthInvalid:
		return http.StatusForbidden
	case apperror.NotFound:
		return http.StatusNotFound
	case apperror.ConstraintViolation:
		return http.StatusBadRequest
	case apperror.TransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	code := statusFor(err)
	if code >= 500 {
		logger.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error(), "kind": apperror.KindOf(err).String()})
}
