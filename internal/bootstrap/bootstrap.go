// Package bootstrap 按配置组装存储、变更流和广播通道，供各个 cmd 共用。
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/bus"
	"github.com/anonchat/presence-go/internal/config"
	"github.com/anonchat/presence-go/internal/store"
	"github.com/anonchat/presence-go/pkg/postgres"
	"github.com/anonchat/presence-go/pkg/redis"
)

// Storage 存储层组件
type Storage struct {
	Store store.Store
	Feed  store.ChangeFeed
	Close func() error
}

// OpenStorage 根据 database.driver 打开存储
func OpenStorage(cfg *config.Config, logger *zap.Logger) (*Storage, error) {
	switch cfg.Database.Driver {
	case "memory":
		mem := store.NewMemoryStore(nil)
		logger.Warn("使用内存存储，数据不会持久化，也不会在副本间共享")
		return &Storage{Store: mem, Feed: mem, Close: func() error { return nil }}, nil

	case "postgres", "":
		db, err := postgres.Connect(cfg.Database, cfg.Log.Level == "debug")
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(db, cfg.Database.NotifyChannel); err != nil {
				return nil, fmt.Errorf("数据库迁移失败: %w", err)
			}
			logger.Info("数据库迁移完成")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return &Storage{
			Store: store.NewPostgresStore(db),
			Feed:  store.NewPGFeed(cfg.Database.DSN, cfg.Database.NotifyChannel, logger),
			Close: sqlDB.Close,
		}, nil

	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Database.Driver)
	}
}

// NewPublisher 根据 broadcast.driver 创建带外广播通道，origin 标识本实例
func NewPublisher(ctx context.Context, cfg *config.Config, origin string, logger *zap.Logger) (bus.Publisher, error) {
	switch cfg.Broadcast.Driver {
	case "redis":
		client, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		logger.Info("广播通道: redis", zap.String("prefix", cfg.Broadcast.Prefix))
		return bus.NewRedisPublisher(client, cfg.Broadcast.Prefix, origin, logger), nil

	case "nats":
		nc, err := bus.ConnectNATS(cfg.NATS.URL, cfg.NATS.User, cfg.NATS.Password, logger)
		if err != nil {
			return nil, fmt.Errorf("连接 NATS 失败: %w", err)
		}
		logger.Info("广播通道: nats", zap.String("prefix", cfg.Broadcast.Prefix))
		return bus.NewNATSPublisher(nc, cfg.Broadcast.Prefix, origin, logger), nil

	case "none", "":
		return bus.Noop{}, nil

	default:
		return nil, fmt.Errorf("未知的广播驱动: %s", cfg.Broadcast.Driver)
	}
}
