package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/bus"
	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/store"
)

// Broadcaster 将存储变更流翻译为 joined/left/updated 事件，
// 推给本进程的订阅者并发布到带外总线。
// 事件不保证按序到达，每个事件都携带记录时间戳，消费方按 roster 规则合并。
type Broadcaster struct {
	feed      store.ChangeFeed
	publisher bus.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.RWMutex
	subs    map[int]chan model.DashboardFrame
	nextSub int
	bufSize int
	dropped int64
}

// NewBroadcaster 创建广播器
func NewBroadcaster(feed store.ChangeFeed, publisher bus.Publisher, bufSize int, m *metrics.Metrics, logger *zap.Logger) *Broadcaster {
	if publisher == nil {
		publisher = bus.Noop{}
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		feed:      feed,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		subs:      make(map[int]chan model.DashboardFrame),
		bufSize:   bufSize,
	}
}

// Run 消费变更流直到 ctx 结束
func (b *Broadcaster) Run(ctx context.Context) error {
	changes, err := b.feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("广播器已启动")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("广播器已停止")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if evt, ok := Translate(change); ok {
				b.PublishPresence(ctx, evt)
			}
		}
	}
}

// Translate 将一条行变更转换为在线事件
func Translate(change model.ChangeEvent) (model.PresenceEvent, bool) {
	rec := change.Record
	if rec.UserID == "" || rec.SessionID == "" {
		return model.PresenceEvent{}, false
	}
	evt := model.PresenceEvent{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
	}

	switch {
	case change.Op == model.OpInsert:
		evt.Type = model.EventJoined
	case change.Op == model.OpUpdate && rec.Online:
		evt.Type = model.EventUpdated
	case change.Op == model.OpUpdate, change.Op == model.OpDelete:
		evt.Type = model.EventLeft
	default:
		return model.PresenceEvent{}, false
	}

	// 三种事件都使用记录自身的心跳时间，与 joined/updated 同一时钟；
	// 相同时间戳下 left 优先，因此删除总能覆盖最后一次心跳
	evt.Timestamp = rec.LastHeartbeat.UTC()
	if evt.Type != model.EventLeft {
		profile := rec.Profile
		evt.Profile = &profile
	}
	return evt, true
}

// PublishPresence 推送在线事件
func (b *Broadcaster) PublishPresence(ctx context.Context, evt model.PresenceEvent) {
	b.fanOut(model.DashboardFrame{Type: evt.Type, Presence: &evt, SentAt: time.Now().UTC()})
	b.metrics.Event(ctx, string(evt.Type))

	if err := b.publisher.Publish(ctx, bus.TopicPresenceChanged, evt); err != nil {
		b.logger.Warn("发布在线事件失败",
			zap.String("type", string(evt.Type)),
			zap.String("userId", evt.UserID),
			zap.Error(err))
	}
}

// PublishStatus 推送账号状态变化
func (b *Broadcaster) PublishStatus(ctx context.Context, evt model.StatusEvent) {
	evt.Type = model.EventStatusChanged
	b.fanOut(model.DashboardFrame{Type: evt.Type, Status: &evt, SentAt: time.Now().UTC()})
	b.metrics.Event(ctx, string(evt.Type))

	if err := b.publisher.Publish(ctx, bus.TopicStatusChanged, evt); err != nil {
		b.logger.Warn("发布状态事件失败",
			zap.String("userId", evt.UserID),
			zap.String("status", string(evt.Status)),
			zap.Error(err))
	}
}

// RelayStatus 转发其他实例发布的状态事件，只推给本地订阅者
func (b *Broadcaster) RelayStatus(env bus.Envelope) {
	var evt model.StatusEvent
	if err := env.Decode(&evt); err != nil {
		b.logger.Warn("无法解析远端状态事件", zap.String("origin", env.Origin), zap.Error(err))
		return
	}
	b.fanOut(model.DashboardFrame{Type: model.EventStatusChanged, Status: &evt, SentAt: time.Now().UTC()})
}

// Subscribe 注册一个本地订阅者，返回帧通道和取消函数
func (b *Broadcaster) Subscribe() (<-chan model.DashboardFrame, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan model.DashboardFrame, b.bufSize)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount 当前订阅者数量
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 因订阅者积压而丢弃的帧数
func (b *Broadcaster) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// fanOut 订阅者积压时丢弃该帧，慢消费者不会阻塞广播
func (b *Broadcaster) fanOut(frame model.DashboardFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			b.dropped++
			b.logger.Warn("订阅者积压，丢弃事件帧", zap.String("type", string(frame.Type)), zap.Int64("dropped", b.dropped))
		}
	}
}
