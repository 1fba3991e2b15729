package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/model"
)

// ErrBeaconRejected 投递队列已满或已关闭
var ErrBeaconRejected = errors.New("beacon 队列拒绝投递")

// SyncTransport 在 teardown 中同步发送，短超时
type SyncTransport struct {
	api     *PresenceAPI
	timeout time.Duration
}

// NewSyncTransport 创建同步通道
func NewSyncTransport(api *PresenceAPI, timeout time.Duration) *SyncTransport {
	return &SyncTransport{api: api, timeout: timeout}
}

func (t *SyncTransport) Name() string { return "sync" }

func (t *SyncTransport) Send(ctx context.Context, req model.DisconnectRequest) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.Disconnect(ctx, req)
}

// BeaconQueue 进程级投递队列，发送方退出后仍由后台协程完成投递，不回报结果
type BeaconQueue struct {
	api     *PresenceAPI
	timeout time.Duration
	queue   chan model.DisconnectRequest
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBeaconQueue 创建并启动投递队列
func NewBeaconQueue(api *PresenceAPI, size int, timeout time.Duration, logger *zap.Logger) *BeaconQueue {
	q := &BeaconQueue{
		api:     api,
		timeout: timeout,
		queue:   make(chan model.DisconnectRequest, size),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *BeaconQueue) Name() string { return "beacon" }

// Send 非阻塞入队，只报告是否被接受
func (q *BeaconQueue) Send(_ context.Context, req model.DisconnectRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrBeaconRejected
	}
	select {
	case q.queue <- req:
		return nil
	default:
		return ErrBeaconRejected
	}
}

// Close 停止接收并等待队列投递完毕
func (q *BeaconQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *BeaconQueue) drain() {
	defer close(q.done)
	for req := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.api.Disconnect(ctx, req)
		cancel()
		if err != nil {
			q.logger.Debug("beacon 投递失败", zap.String("userId", req.UserID), zap.Error(err))
		}
	}
}

// AsyncTransport 普通异步请求，适用于标签页只是失去可见性的情况
type AsyncTransport struct {
	api     *PresenceAPI
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewAsyncTransport 创建异步通道
func NewAsyncTransport(api *PresenceAPI, timeout time.Duration, logger *zap.Logger) *AsyncTransport {
	return &AsyncTransport{api: api, timeout: timeout, logger: logger}
}

func (t *AsyncTransport) Name() string { return "async" }

func (t *AsyncTransport) Send(_ context.Context, req model.DisconnectRequest) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.api.Disconnect(ctx, req); err != nil {
			t.logger.Warn("异步断开请求失败", zap.String("userId", req.UserID), zap.Error(err))
		}
	}()
	return nil
}

// Wait 等待已发出的请求结束
func (t *AsyncTransport) Wait() {
	t.wg.Wait()
}
