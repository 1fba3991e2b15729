package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher 通过 Redis pub/sub 广播
type RedisPublisher struct {
	client *redis.Client
	prefix string
	origin string
	logger *zap.Logger
}

// NewRedisPublisher 创建 Redis 广播通道
func NewRedisPublisher(client *redis.Client, prefix, origin string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, origin: origin, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := encode(p.origin, topic, payload)
	if err != nil {
		return fmt.Errorf("序列化广播消息失败: %w", err)
	}
	if err := p.client.Publish(ctx, subject(p.prefix, topic), data).Err(); err != nil {
		return fmt.Errorf("Redis 发布失败: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，跳过本实例发布的消息
func (p *RedisPublisher) Subscribe(ctx context.Context, topic string, handle func(Envelope)) error {
	sub := p.client.Subscribe(ctx, subject(p.prefix, topic))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("Redis 订阅失败: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decode([]byte(msg.Payload))
				if err != nil {
					p.logger.Warn("无法解析广播消息", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if env.Origin == p.origin {
					continue
				}
				handle(env)
			}
		}
	}()
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
