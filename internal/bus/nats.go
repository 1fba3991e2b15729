package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher 通过 NATS 主题广播
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	origin string
	logger *zap.Logger
}

// ConnectNATS 连接 NATS，断线自动重连
func ConnectNATS(url, user, password string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("presence-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS 连接断开", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重连", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if user != "" {
		opts = append(opts, nats.UserInfo(user, password))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher 创建 NATS 广播通道
func NewNATSPublisher(nc *nats.Conn, prefix, origin string, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, origin: origin, logger: logger}
}

func (p *NATSPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	data, err := encode(p.origin, topic, payload)
	if err != nil {
		return fmt.Errorf("序列化广播消息失败: %w", err)
	}
	if err := p.nc.Publish(subject(p.prefix, topic), data); err != nil {
		return fmt.Errorf("NATS 发布失败: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，跳过本实例发布的消息
func (p *NATSPublisher) Subscribe(ctx context.Context, topic string, handle func(Envelope)) error {
	sub, err := p.nc.Subscribe(subject(p.prefix, topic), func(msg *nats.Msg) {
		env, err := decode(msg.Data)
		if err != nil {
			p.logger.Warn("无法解析广播消息", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if env.Origin == p.origin {
			return
		}
		handle(env)
	})
	if err != nil {
		return fmt.Errorf("NATS 订阅失败: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
