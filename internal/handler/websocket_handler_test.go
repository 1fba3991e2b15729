package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/middleware"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/service"
	"github.com/anonchat/presence-go/internal/store"
)

func TestWebSocket_SnapshotThenEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	m := metrics.New("presence-test")
	st := store.NewMemoryStore(nil)
	threshold := 2 * time.Minute

	presence := service.NewPresenceService(st, m, logger)
	aggregator := service.NewAggregator(st, threshold)
	reaper := service.NewReaper(st, threshold, time.Minute, m, logger)
	broadcaster := service.NewBroadcaster(st, nil, 16, m, logger)
	issuer := middleware.NewTokenIssuer("test-secret", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broadcaster.Run(ctx)
	waitForFeed(t, broadcaster, presence)

	if _, err := presence.Join(ctx, "u1", "s1", model.Profile{Nickname: "heron"}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	router := NewRouter(Handlers{
		Presence:  NewPresenceHandler(presence, aggregator, reaper, issuer, "presence-test", logger),
		Admin:     NewAdminHandler(service.NewReconciler(st, broadcaster, logger), reaper, st, threshold, logger),
		WebSocket: NewWebSocketHandler(broadcaster, aggregator, nil, logger),
	}, issuer, nil, logger)
	srv := httptest.NewServer(router)
	defer srv.Close()

	token, _ := issuer.Issue("viewer", middleware.RoleUser)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snapshot model.DashboardFrame
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != model.EventSnapshot || len(snapshot.Users) != 1 || len(snapshot.Sessions) != 1 {
		t.Fatalf("Unexpected snapshot %+v", snapshot)
	}

	if _, err := presence.Join(ctx, "u2", "s2", model.Profile{Nickname: "crane"}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	for {
		var frame model.DashboardFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Presence != nil && frame.Presence.UserID == "u2" {
			if frame.Type != model.EventJoined {
				t.Errorf("Expected joined frame for u2, got %v", frame.Type)
			}
			return
		}
	}
}

// waitForFeed 确认 Run 已订阅变更流
func waitForFeed(t *testing.T, b *service.Broadcaster, presence *service.PresenceService) {
	t.Helper()
	frames, cancel := b.Subscribe()
	defer cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		presence.Join(context.Background(), "sentinel", "p", model.Profile{})
		select {
		case <-frames:
			presence.Leave(context.Background(), "sentinel", "p")
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("broadcaster never subscribed to the change feed")
}
