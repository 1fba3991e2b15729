package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/store"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set 设置为 epoch 之后的偏移
func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	c.now = epoch.Add(offset)
	c.mu.Unlock()
}

type fixture struct {
	clock      *fakeClock
	store      *store.MemoryStore
	presence   *PresenceService
	reaper     *Reaper
	aggregator *Aggregator
}

func newFixture(threshold time.Duration) *fixture {
	clock := newFakeClock()
	st := store.NewMemoryStore(clock.Now)
	m := metrics.New("presence-test")
	logger := zap.NewNop()

	ps := NewPresenceService(st, m, logger)
	ps.SetClock(clock.Now)
	rp := NewReaper(st, threshold, 30*time.Second, m, logger)
	rp.SetClock(clock.Now)
	ag := NewAggregator(st, threshold)
	ag.SetClock(clock.Now)

	return &fixture{clock: clock, store: st, presence: ps, reaper: rp, aggregator: ag}
}

func (f *fixture) onlineIDs(ctx context.Context) []string {
	users, err := f.aggregator.OnlineUsers(ctx)
	if err != nil {
		panic(err)
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}

// flakyStore 在指定操作上注入失败
type flakyStore struct {
	store.Store
	failDeleteUser bool
}

var errInjected = errors.New("injected failure")

func (s *flakyStore) DeleteUserPresence(ctx context.Context, userID string) (int64, error) {
	if s.failDeleteUser {
		return 0, errInjected
	}
	return s.Store.DeleteUserPresence(ctx, userID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *recordingPublisher) PublishStatus(_ context.Context, evt model.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}
