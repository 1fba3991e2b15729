// Package bus 发布带外广播事件（presence_changed / status_changed），供其他副本和看板消费。
package bus

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TopicPresenceChanged = "presence_changed"
	TopicStatusChanged   = "status_changed"
)

// Envelope 广播消息外层，Origin 为发布方实例 ID
type Envelope struct {
	Topic   string          `json:"topic"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Decode 解析载荷
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher 带外广播通道
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Subscriber 订阅其他实例发布的消息，ctx 结束时退订
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handle func(Envelope)) error
}

func encode(origin, topic string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Topic: topic, Origin: origin, Payload: raw, SentAt: time.Now().UTC()})
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

func subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// Noop 不做任何发布
type Noop struct{}

func (Noop) Publish(context.Context, string, interface{}) error { return nil }
func (Noop) Close() error                                       { return nil }
