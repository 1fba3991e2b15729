package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/bootstrap"
	"github.com/anonchat/presence-go/internal/config"
	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/service"
	"github.com/anonchat/presence-go/pkg/logger"
	"github.com/anonchat/presence-go/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/presence.yaml", "配置文件路径")
	once := flag.Bool("once", false, "执行一次计划清理后退出")
	emergency := flag.String("emergency", "", "以指定操作人清空全部在线记录后退出")
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

	storage, err := bootstrap.OpenStorage(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("初始化存储失败", zap.Error(err))
	}
	defer storage.Close()

	otelShutdown, err := telemetry.Init(context.Background(), "presence-reaper", cfg.Telemetry)
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

	p := cfg.Presence
	reaper := service.NewReaper(storage.Store, p.StaleThreshold, p.SweepInterval, metrics.New("presence-reaper"), zapLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *emergency != "":
		n, err := reaper.EmergencyClear(ctx, *emergency)
		if err != nil {
			zapLogger.Fatal("紧急清空失败", zap.Error(err))
		}
		zapLogger.Info("紧急清空完成", zap.Int64("records", n))

	case *once:
		n, err := reaper.ScheduledCleanup(ctx)
		if err != nil {
			zapLogger.Fatal("计划清理失败", zap.Error(err))
		}
		zapLogger.Info("计划清理完成", zap.Int64("reclaimed", n))

	default:
		reaper.Run(ctx, true)
	}
}
