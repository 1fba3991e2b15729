package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/service"
	"github.com/anonchat/presence-go/internal/store"
)

// AdminHandler 运维与管理操作
type AdminHandler struct {
	reconciler *service.Reconciler
	reaper     *service.Reaper
	store      store.Store
	threshold  time.Duration
	logger     *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(reconciler *service.Reconciler, reaper *service.Reaper, st store.Store, threshold time.Duration, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		reconciler: reconciler,
		reaper:     reaper,
		store:      st,
		threshold:  threshold,
		logger:     logger,
	}
}

// Kick 踢出用户
func (h *AdminHandler) Kick(c *gin.Context) {
	var req model.KickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	status, err := h.reconciler.Kick(c.Request.Context(), c.GetString("userId"), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Ban 封禁用户
func (h *AdminHandler) Ban(c *gin.Context) {
	var req model.BanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	duration, err := req.ParseDuration()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration 格式无效"})
		return
	}

	status, err := h.reconciler.Ban(c.Request.Context(), c.GetString("userId"), c.Param("id"), req.Reason, duration)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Restore 解除踢出/封禁
func (h *AdminHandler) Restore(c *gin.Context) {
	status, err := h.reconciler.Restore(c.Request.Context(), c.GetString("userId"), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ForceCleanup 手动清理陈旧记录
func (h *AdminHandler) ForceCleanup(c *gin.Context) {
	n, err := h.reaper.ForceCleanup(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, model.CountResponse{Count: n})
}

// EmergencyClear 清空在线表
func (h *AdminHandler) EmergencyClear(c *gin.Context) {
	n, err := h.reaper.EmergencyClear(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, model.CountResponse{Count: n})
}

// Stats presence-debug-stats
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context(), time.Now().UTC(), h.threshold)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
