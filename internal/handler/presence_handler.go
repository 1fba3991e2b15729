package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/middleware"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/service"
)

const maxDisconnectBody = 4 << 10

// PresenceHandler 在线状态 API 处理器
type PresenceHandler struct {
	presence    *service.PresenceService
	aggregator  *service.Aggregator
	reaper      *service.Reaper
	issuer      *middleware.TokenIssuer
	serviceName string
	logger      *zap.Logger
}

// NewPresenceHandler 创建在线状态处理器
func NewPresenceHandler(presence *service.PresenceService, aggregator *service.Aggregator, reaper *service.Reaper,
	issuer *middleware.TokenIssuer, serviceName string, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence:    presence,
		aggregator:  aggregator,
		reaper:      reaper,
		issuer:      issuer,
		serviceName: serviceName,
		logger:      logger,
	}
}

// Health 健康检查
func (h *PresenceHandler) Health(c *gin.Context) {
	users, err := h.aggregator.OnlineUsers(c.Request.Context())
	if err != nil {
		h.logger.Warn("健康检查读取在线用户失败", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DEGRADED", "service": h.serviceName})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "UP",
		"service":      h.serviceName,
		"online_users": len(users),
	})
}

// AnonymousLogin 匿名登录，签发用户令牌
func (h *PresenceHandler) AnonymousLogin(c *gin.Context) {
	var req model.AnonymousLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Nickname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "昵称不能为空"})
		return
	}
	if err := req.Profile.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := uuid.NewString()
	token, err := h.issuer.Issue(userID, middleware.RoleUser)
	if err != nil {
		h.logger.Error("签发令牌失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info("匿名用户登录",
		zap.String("userId", userID),
		zap.String("nickname", req.Nickname))
	c.JSON(http.StatusOK, model.AnonymousLoginResponse{Token: token, UserID: userID})
}

// Join 注册会话
func (h *PresenceHandler) Join(c *gin.Context) {
	var req model.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id 不能为空"})
		return
	}
	req.Profile.Role = c.GetString("role")

	rec, err := h.presence.Join(c.Request.Context(), c.GetString("userId"), req.SessionID, req.Profile)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Heartbeat 心跳写入边界：被踢/封禁返回 403，记录不存在返回 404
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req model.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id 不能为空"})
		return
	}

	if err := h.presence.Heartbeat(c.Request.Context(), c.GetString("userId"), req.SessionID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Leave 主动离开
func (h *PresenceHandler) Leave(c *gin.Context) {
	var req model.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id 不能为空"})
		return
	}

	if err := h.presence.Leave(c.Request.Context(), c.GetString("userId"), req.SessionID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Cleanup 客户端触发的防御性清理
func (h *PresenceHandler) Cleanup(c *gin.Context) {
	n, err := h.reaper.Sweep(c.Request.Context(), "client")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, model.CleanupResponse{Reclaimed: n})
}

// OnlineUsers 在线用户列表
func (h *PresenceHandler) OnlineUsers(c *gin.Context) {
	users, err := h.aggregator.OnlineUsers(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, model.OnlineUsersResponse{Count: len(users), Users: users})
}

// UserPresence 单个用户的在线状态
func (h *PresenceHandler) UserPresence(c *gin.Context) {
	resp, err := h.aggregator.UserPresence(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UserDisconnect POST /user-disconnect。
// 不校验令牌，接受任意 Content-Type（beacon 请求体是 text/plain），必须指定 session_id。
func (h *PresenceHandler) UserDisconnect(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDisconnectBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var req model.DisconnectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id 不能为空"})
		return
	}
	// 未鉴权的入口只能断开单个会话，不允许一次清空某个用户的全部标签页
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id 不能为空"})
		return
	}

	source := c.Query("via")
	if source == "" {
		source = "http"
	}

	n, err := h.presence.HandleDisconnect(c.Request.Context(), req.UserID, req.SessionID, source)
	if err != nil {
		h.logger.Error("处理断开信号失败",
			zap.String("userId", req.UserID),
			zap.String("sessionId", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": n})
}
