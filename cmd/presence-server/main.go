package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/bootstrap"
	"github.com/anonchat/presence-go/internal/bus"
	"github.com/anonchat/presence-go/internal/config"
	"github.com/anonchat/presence-go/internal/handler"
	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/middleware"
	"github.com/anonchat/presence-go/internal/service"
	"github.com/anonchat/presence-go/pkg/logger"
	"github.com/anonchat/presence-go/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/presence.yaml", "配置文件路径")
	issueAdmin := flag.String("issue-admin", "", "为指定 ID 签发管理员令牌后退出")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	issuer := middleware.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *issueAdmin != "" {
		token, err := issuer.Issue(*issueAdmin, middleware.RoleAdmin)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	// 初始化日志
	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zapLogger.Sync()

	instanceID := uuid.NewString()
	zapLogger.Info("presence 服务启动中...", zap.String("instance", instanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化存储与广播通道
	storage, err := bootstrap.OpenStorage(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("初始化存储失败", zap.Error(err))
	}
	defer storage.Close()

	publisher, err := bootstrap.NewPublisher(ctx, cfg, instanceID, zapLogger)
	if err != nil {
		zapLogger.Fatal("初始化广播通道失败", zap.Error(err))
	}
	defer publisher.Close()

	// 指标导出需在创建计数器之前安装
	otelShutdown, err := telemetry.Init(ctx, cfg.Server.Name, cfg.Telemetry)
	if err != nil {
		zapLogger.Fatal("初始化 OpenTelemetry 失败", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := otelShutdown(flushCtx); err != nil {
			zapLogger.Warn("关闭 OpenTelemetry 失败", zap.Error(err))
		}
	}()

	// 初始化服务
	m := metrics.New(cfg.Server.Name)
	p := cfg.Presence
	presence := service.NewPresenceService(storage.Store, m, zapLogger)
	aggregator := service.NewAggregator(storage.Store, p.StaleThreshold)
	reaper := service.NewReaper(storage.Store, p.StaleThreshold, p.SweepInterval, m, zapLogger)
	broadcaster := service.NewBroadcaster(storage.Feed, publisher, cfg.Broadcast.SubscriberSize, m, zapLogger)
	reconciler := service.NewReconciler(storage.Store, broadcaster, zapLogger)

	go reaper.Run(ctx, false)
	go func() {
		if err := broadcaster.Run(ctx); err != nil {
			zapLogger.Error("广播器退出", zap.Error(err))
		}
	}()

	// 其他副本的封禁/踢出事件
	if sub, ok := publisher.(bus.Subscriber); ok {
		if err := sub.Subscribe(ctx, bus.TopicStatusChanged, broadcaster.RelayStatus); err != nil {
			zapLogger.Warn("订阅状态事件失败，仅推送本实例的状态变化", zap.Error(err))
		}
	}

	// 初始化路由
	gin.SetMode(cfg.Server.Mode)
	router := handler.NewRouter(handler.Handlers{
		Presence:  handler.NewPresenceHandler(presence, aggregator, reaper, issuer, cfg.Server.Name, zapLogger),
		Admin:     handler.NewAdminHandler(reconciler, reaper, storage.Store, p.StaleThreshold, zapLogger),
		WebSocket: handler.NewWebSocketHandler(broadcaster, aggregator, cfg.Server.AllowedOrigins, zapLogger),
	}, issuer, cfg.Server.AllowedOrigins, zapLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zapLogger.Info("presence 服务启动成功", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("服务关闭失败", zap.Error(err))
	}
	cancel()
	zapLogger.Info("服务已关闭")
}
