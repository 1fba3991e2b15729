// Package presenceclient 单个会话（标签页）的在线状态客户端。
//
// Client 在登录时构造、登出时销毁。心跳、可见性变化和客户端侧清理都在同一个
// 事件循环协程中执行，彼此不会并发。
package presenceclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/breaker"
	"github.com/anonchat/presence-go/internal/model"
)

// ErrClosed 客户端已经离开或销毁
var ErrClosed = errors.New("presence client 已关闭")

// API 客户端依赖的服务端接口
type API interface {
	Join(ctx context.Context, req model.JoinRequest) (model.PresenceRecord, error)
	Heartbeat(ctx context.Context, sessionID string) error
	Leave(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context) (int64, error)
}

// Options 心跳节奏与失败预算
type Options struct {
	HeartbeatInterval time.Duration
	HiddenInterval    time.Duration
	HeartbeatTimeout  time.Duration
	CleanupInterval   time.Duration // 0 表示不运行客户端侧清理
	FailureBudget     int
}

// Client 一个会话的在线状态客户端
type Client struct {
	api      API
	signaler *Signaler
	breaker  *breaker.CircuitBreaker
	opts     Options
	clock    clock
	logger   *zap.Logger

	userID    string
	sessionID string
	profile   model.Profile

	visibility chan bool
	stop       chan struct{}
	done       chan struct{}
	cancel     context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// New 创建客户端，会话 ID 在这里生成
func New(api API, signaler *Signaler, userID string, profile model.Profile, opts Options, logger *zap.Logger) *Client {
	if opts.HiddenInterval < opts.HeartbeatInterval {
		opts.HiddenInterval = opts.HeartbeatInterval
	}
	return &Client{
		api:        api,
		signaler:   signaler,
		breaker:    breaker.NewCircuitBreaker(opts.FailureBudget, 0),
		opts:       opts,
		clock:      realClock{},
		logger:     logger.With(zap.String("userId", userID)),
		userID:     userID,
		sessionID:  uuid.NewString(),
		profile:    profile,
		visibility: make(chan bool, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SessionID 当前会话 ID
func (c *Client) SessionID() string {
	return c.sessionID
}

// Tripped 熔断器是否已打开
func (c *Client) Tripped() bool {
	return c.breaker.State() == breaker.Open
}

// Start 注册会话并启动事件循环
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	if err := c.join(ctx); err != nil {
		return err
	}
	c.breaker.Reset()

	heartbeat := c.clock.NewTimer(c.opts.HeartbeatInterval)
	var cleanup clockTimer
	if c.opts.CleanupInterval > 0 {
		cleanup = c.clock.NewTicker(c.opts.CleanupInterval)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	go c.loop(loopCtx, heartbeat, cleanup)

	c.logger.Info("在线客户端已启动", zap.String("sessionId", c.sessionID))
	return nil
}

// SetVisible 报告标签页可见性，只保留最新一次
func (c *Client) SetVisible(visible bool) {
	for {
		select {
		case c.visibility <- visible:
			return
		default:
		}
		select {
		case <-c.visibility:
		default:
		}
	}
}

// Leave 主动离开：先同步停止事件循环，再删除服务端记录
func (c *Client) Leave(ctx context.Context) error {
	if !c.shutdown() {
		return ErrClosed
	}
	if err := c.api.Leave(ctx, c.sessionID); err != nil {
		c.logger.Warn("离开请求失败，等待清理任务回收", zap.String("sessionId", c.sessionID), zap.Error(err))
		return err
	}
	c.logger.Info("已离开", zap.String("sessionId", c.sessionID))
	return nil
}

// Teardown 标签页关闭：停止事件循环，通过断开信号器尽力通知服务端
func (c *Client) Teardown(ctx context.Context) string {
	if !c.shutdown() {
		return ""
	}
	return c.signaler.Teardown(ctx, model.DisconnectRequest{UserID: c.userID, SessionID: c.sessionID})
}

// shutdown 停止事件循环并等待退出，只有第一次调用返回 true
func (c *Client) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if started {
		close(c.stop)
		c.cancel()
		<-c.done
	}
	return true
}

func (c *Client) loop(ctx context.Context, timer, cleanup clockTimer) {
	defer close(c.done)
	defer timer.Stop()

	interval := c.opts.HeartbeatInterval
	visible := true

	var cleanupC <-chan time.Time
	if cleanup != nil {
		defer cleanup.Stop()
		cleanupC = cleanup.Chan()
	}

	for {
		select {
		case <-c.stop:
			return

		case v := <-c.visibility:
			if v == visible {
				continue
			}
			visible = v
			if visible {
				interval = c.opts.HeartbeatInterval
				c.beat(ctx)
			} else {
				interval = c.opts.HiddenInterval
				c.signaler.VisibilityLost(ctx, c.beat)
			}
			timer.Reset(interval)
			c.logger.Debug("心跳间隔已调整", zap.Bool("visible", visible), zap.Duration("interval", interval))

		case <-timer.Chan():
			c.beat(ctx)
			timer.Reset(interval)

		case <-cleanupC:
			c.sweep(ctx)
		}
	}
}

// beat 发送一次心跳，失败按类别处理
func (c *Client) beat(ctx context.Context) {
	if !c.breaker.Allow() {
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatTimeout)
	err := c.api.Heartbeat(hbCtx, c.sessionID)
	cancel()
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case apperror.Is(err, apperror.AuthInvalid):
		c.breaker.Trip()
		c.logger.Warn("会话已失效，停止发送心跳", zap.String("sessionId", c.sessionID), zap.Error(err))
	case apperror.Is(err, apperror.NotFound):
		// 记录已被清理（例如标签页休眠过久），用同一个会话 ID 重新加入
		joinCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatTimeout)
		err := c.join(joinCtx)
		cancel()
		switch {
		case err == nil:
			c.breaker.RecordSuccess()
			c.logger.Info("会话记录已重建", zap.String("sessionId", c.sessionID))
		case apperror.Is(err, apperror.AuthInvalid):
			c.breaker.Trip()
			c.logger.Warn("重新加入被拒绝，停止发送心跳", zap.Error(err))
		default:
			c.recordFailure(err)
		}
	default:
		c.recordFailure(err)
	}
}

func (c *Client) recordFailure(err error) {
	c.breaker.RecordFailure()
	if c.breaker.State() == breaker.Open {
		c.logger.Warn("心跳连续失败，熔断器已打开",
			zap.Int("failures", c.breaker.Failures()),
			zap.Error(err))
		return
	}
	c.logger.Debug("心跳失败", zap.Int("failures", c.breaker.Failures()), zap.Error(err))
}

// sweep 客户端侧的防御性清理
func (c *Client) sweep(ctx context.Context) {
	if !c.breaker.Allow() {
		return
	}
	sweepCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatTimeout)
	defer cancel()
	n, err := c.api.Cleanup(sweepCtx)
	if err != nil {
		c.logger.Debug("客户端侧清理失败", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("客户端侧清理完成", zap.Int64("reclaimed", n))
	}
}

func (c *Client) join(ctx context.Context) error {
	_, err := c.api.Join(ctx, model.JoinRequest{SessionID: c.sessionID, Profile: c.profile})
	return err
}
