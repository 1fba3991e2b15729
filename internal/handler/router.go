package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/middleware"
)

// Handlers 路由依赖的处理器
type Handlers struct {
	Presence  *PresenceHandler
	Admin     *AdminHandler
	WebSocket *WebSocketHandler
}

// NewRouter 注册全部路由
func NewRouter(h Handlers, issuer *middleware.TokenIssuer, allowedOrigins []string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(allowedOrigins))

	r.GET("/api/health", h.Presence.Health)
	r.POST("/api/auth/anonymous", h.Presence.AnonymousLogin)

	// 标签页关闭时令牌可能已失效，断开信号不鉴权
	r.POST("/user-disconnect", h.Presence.UserDisconnect)

	presence := r.Group("/api/presence")
	{
		presence.GET("/online", h.Presence.OnlineUsers)
		presence.GET("/users/:id", h.Presence.UserPresence)

		authed := presence.Group("", middleware.Auth(issuer))
		authed.POST("/join", h.Presence.Join)
		authed.POST("/heartbeat", h.Presence.Heartbeat)
		authed.POST("/leave", h.Presence.Leave)
		authed.POST("/cleanup", h.Presence.Cleanup)
	}

	admin := r.Group("/api/admin", middleware.Auth(issuer), middleware.RequireAdmin())
	{
		admin.POST("/users/:id/kick", h.Admin.Kick)
		admin.POST("/users/:id/ban", h.Admin.Ban)
		admin.POST("/users/:id/restore", h.Admin.Restore)
		admin.POST("/presence/cleanup", h.Admin.ForceCleanup)
		admin.POST("/presence/clear-all", h.Admin.EmergencyClear)
		admin.GET("/presence/stats", h.Admin.Stats)
	}

	if h.WebSocket != nil {
		r.GET("/ws/presence", middleware.Auth(issuer), h.WebSocket.HandleWebSocket)
	}
	return r
}
