package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WebSocketHandler 看板在线状态推送
type WebSocketHandler struct {
	broadcaster *service.Broadcaster
	aggregator  *service.Aggregator
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewWebSocketHandler 创建 WebSocket 处理器，allowedOrigins 为空时不检查 Origin
func NewWebSocketHandler(broadcaster *service.Broadcaster, aggregator *service.Aggregator, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	allow := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allow[o] = true
	}
	return &WebSocketHandler{
		broadcaster: broadcaster,
		aggregator:  aggregator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allow) == 0 || origin == "" || allow[origin] || allow["*"]
			},
		},
		logger: logger,
	}
}

// HandleWebSocket 先推送快照，再持续推送增量事件
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("userId")

	// 先订阅再取快照，两者之间的事件由消费端按时间戳合并
	frames, unsubscribe := h.broadcaster.Subscribe()
	defer unsubscribe()

	snapshot, err := h.snapshot(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket 升级失败", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("看板连接建立", zap.String("userId", userID))

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	if err := h.write(conn, snapshot); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Info("看板连接断开", zap.String("userId", userID))
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := h.write(conn, frame); err != nil {
				h.logger.Debug("推送失败", zap.String("userId", userID), zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) snapshot(c *gin.Context) (model.DashboardFrame, error) {
	ctx := c.Request.Context()
	users, err := h.aggregator.OnlineUsers(ctx)
	if err != nil {
		return model.DashboardFrame{}, err
	}
	recs, err := h.aggregator.FreshRecords(ctx)
	if err != nil {
		return model.DashboardFrame{}, err
	}

	sessions := make([]model.PresenceEvent, 0, len(recs))
	for _, rec := range recs {
		profile := rec.Profile
		sessions = append(sessions, model.PresenceEvent{
			Type:      model.EventJoined,
			UserID:    rec.UserID,
			SessionID: rec.SessionID,
			Timestamp: rec.LastHeartbeat,
			Profile:   &profile,
		})
	}
	return model.DashboardFrame{
		Type:     model.EventSnapshot,
		Users:    users,
		Sessions: sessions,
		SentAt:   time.Now().UTC(),
	}, nil
}

// readPump 只处理 pong 和关闭，看板不向服务端发送业务消息
func (h *WebSocketHandler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket 读取错误", zap.Error(err))
			}
			return
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, frame model.DashboardFrame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
