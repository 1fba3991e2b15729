package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/client"
	"github.com/anonchat/presence-go/internal/config"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/presenceclient"
	"github.com/anonchat/presence-go/internal/roster"
	"github.com/anonchat/presence-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/presence.yaml", "配置文件路径")
	nickname := flag.String("nickname", "guest", "展示昵称")
	duration := flag.Duration("duration", 0, "运行时长，0 表示直到收到信号")
	hideAfter := flag.Duration("hide-after", 0, "运行多久后模拟标签页隐藏")
	watch := flag.Bool("watch", false, "只订阅在线名单并打印变化")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	p := cfg.Presence
	api := client.NewPresenceAPI(cfg.Client.ServerURL, p.TransientRetries, zapLogger)
	profile := model.Profile{Nickname: *nickname}
	login, err := api.Login(ctx, profile)
	if err != nil {
		zapLogger.Fatal("匿名登录失败", zap.Error(err))
	}

	if *watch {
		if err := watchRoster(ctx, cfg.Client.ServerURL, login.Token, cfg.Presence.StaleThreshold, zapLogger); err != nil {
			zapLogger.Fatal("订阅在线名单失败", zap.Error(err))
		}
		return
	}

	beacon := client.NewBeaconQueue(api, 8, p.HeartbeatTimeout, zapLogger)
	async := client.NewAsyncTransport(api, p.HeartbeatTimeout, zapLogger)
	signaler := presenceclient.NewSignaler(zapLogger,
		client.NewSyncTransport(api, p.HeartbeatTimeout),
		beacon,
		async,
	)

	tab := presenceclient.New(api, signaler, login.UserID, profile, presenceclient.Options{
		HeartbeatInterval: p.HeartbeatInterval,
		HiddenInterval:    p.HiddenHeartbeatInterval,
		HeartbeatTimeout:  p.HeartbeatTimeout,
		CleanupInterval:   cfg.Client.CleanupInterval,
		FailureBudget:     p.FailureBudget,
	}, zapLogger)

	if err := tab.Start(ctx); err != nil {
		zapLogger.Fatal("加入失败", zap.Error(err))
	}

	if *hideAfter > 0 {
		time.AfterFunc(*hideAfter, func() { tab.SetVisible(false) })
	}

	<-ctx.Done()

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), p.HeartbeatTimeout)
	defer teardownCancel()
	via := tab.Teardown(teardownCtx)
	beacon.Close()
	async.Wait()
	zapLogger.Info("标签页已关闭",
		zap.String("sessionId", tab.SessionID()),
		zap.String("via", via))
}

// watchRoster 连接 /ws/presence，按 roster 规则合并事件并打印在线名单。
// 超过 staleAfter 没有更新的会话在本地过期，错过的 left 事件不会让用户一直在线。
func watchRoster(ctx context.Context, serverURL, token string, staleAfter time.Duration, logger *zap.Logger) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/presence"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	r := roster.New()
	report := func(reason string) {
		online := r.Online()
		logger.Debug("在线名单变化", zap.String("reason", reason), zap.Int("count", len(online)))
		fmt.Printf("%s online(%d): %s\n", time.Now().Format(time.TimeOnly), len(online), strings.Join(online, ", "))
	}

	go func() {
		ticker := time.NewTicker(staleAfter / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if r.Expire(now.UTC(), staleAfter) > 0 {
					r.Prune(now.UTC().Add(-2 * staleAfter))
					report("expired")
				}
			}
		}
	}()

	for {
		var frame model.DashboardFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if r.ApplyFrame(frame) {
			report(string(frame.Type))
		}
	}
}
