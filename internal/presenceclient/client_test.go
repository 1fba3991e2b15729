package presenceclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
)

type fakeAPI struct {
	mu         sync.Mutex
	joins      int
	heartbeats int
	leaves     int
	cleanups   int
	hbErr      func(n int) error
}

func (f *fakeAPI) Join(_ context.Context, req model.JoinRequest) (model.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return model.PresenceRecord{SessionID: req.SessionID}, nil
}

func (f *fakeAPI) Heartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.hbErr != nil {
		return f.hbErr(f.heartbeats)
	}
	return nil
}

func (f *fakeAPI) Leave(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeAPI) Cleanup(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return 0, nil
}

func (f *fakeAPI) counts() (joins, heartbeats, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.heartbeats, f.leaves
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: 20 * time.Second,
		HiddenInterval:    time.Hour,
		HeartbeatTimeout:  time.Second,
		FailureBudget:     3,
	}
}

// manualClock 手动推进的时间源，计时器只在 Advance 时触发
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clk      *manualClock
	ch       chan time.Time
	period   time.Duration
	armed    time.Duration
	deadline time.Time
	active   bool
	fired    int
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *manualClock) NewTimer(d time.Duration) clockTimer  { return m.add(d, 0) }
func (m *manualClock) NewTicker(d time.Duration) clockTimer { return m.add(d, d) }

func (m *manualClock) add(d, period time.Duration) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{clk: m, ch: make(chan time.Time, 1), period: period, armed: d, deadline: m.now.Add(d), active: true}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Chan() <-chan time.Time { return t.ch }

func (t *manualTimer) Reset(d time.Duration) {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	select {
	case <-t.ch:
	default:
	}
	t.armed, t.deadline, t.active = d, t.clk.now.Add(d), true
}

func (t *manualTimer) Stop() {
	t.clk.mu.Lock()
	t.active = false
	t.clk.mu.Unlock()
}

// Advance 推进时间并触发所有到期的计时器
func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for _, t := range m.timers {
		if !t.active || t.deadline.After(m.now) {
			continue
		}
		select {
		case t.ch <- m.now:
		default:
		}
		t.fired++
		if t.period == 0 {
			t.active = false
			continue
		}
		for !t.deadline.After(m.now) {
			t.deadline = t.deadline.Add(t.period)
		}
	}
}

// fire 等第 i 个计时器重新就绪后推进到它的到期时间
func (m *manualClock) fire(t *testing.T, i int) {
	t.Helper()
	var wait time.Duration
	eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if i >= len(m.timers) || !m.timers[i].active {
			return false
		}
		wait = m.timers[i].deadline.Sub(m.now)
		return true
	})
	m.Advance(wait)
}

// state 第 i 个计时器当前的间隔、是否激活和触发次数
func (m *manualClock) state(i int) (armed time.Duration, active bool, fired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.timers[i]
	return t.armed, t.active, t.fired
}

const (
	heartbeatTimer = 0
	cleanupTimer   = 1
)

func newTestClient(api API, opts Options) (*Client, *manualClock) {
	clk := newManualClock()
	c := New(api, NewSignaler(zap.NewNop()), "u1", model.Profile{Nickname: "kit"}, opts, zap.NewNop())
	c.clock = clk
	return c, clk
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func heartbeats(api *fakeAPI) func() int {
	return func() int {
		_, hb, _ := api.counts()
		return hb
	}
}

// beatAndWait 触发一次心跳计时器并等待调用到达
func beatAndWait(t *testing.T, clk *manualClock, api *fakeAPI, want int) {
	t.Helper()
	clk.fire(t, heartbeatTimer)
	count := heartbeats(api)
	eventually(t, func() bool { return count() >= want })
}

func TestClient_HeartbeatsAfterStart(t *testing.T) {
	api := &fakeAPI{}
	c, clk := newTestClient(api, testOptions())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Leave(context.Background())

	if hb := heartbeats(api)(); hb != 0 {
		t.Fatalf("Expected no heartbeat before the first interval, got %d", hb)
	}
	for i := 1; i <= 3; i++ {
		beatAndWait(t, clk, api, i)
	}
	if armed, _, _ := clk.state(heartbeatTimer); armed != 20*time.Second {
		t.Errorf("Expected visible cadence of 20s, got %v", armed)
	}
}

func TestClient_LeaveStopsHeartbeats(t *testing.T) {
	api := &fakeAPI{}
	c, clk := newTestClient(api, testOptions())
	c.Start(context.Background())
	beatAndWait(t, clk, api, 1)

	if err := c.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	_, after, leaves := api.counts()
	if leaves != 1 {
		t.Fatalf("Expected 1 leave, got %d", leaves)
	}

	// Leave 返回前事件循环已退出并停止了计时器
	if _, active, _ := clk.state(heartbeatTimer); active {
		t.Error("Expected heartbeat timer stopped after leave")
	}
	clk.Advance(10 * time.Minute)
	if _, hb, _ := api.counts(); hb != after {
		t.Errorf("Expected no heartbeats after leave, got %d more", hb-after)
	}
	if err := c.Leave(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on second leave, got %v", err)
	}
}

func TestClient_AuthInvalidTripsBreaker(t *testing.T) {
	api := &fakeAPI{hbErr: func(int) error { return apperror.ErrUserRestricted }}
	c, clk := newTestClient(api, testOptions())
	c.Start(context.Background())

	beatAndWait(t, clk, api, 1)
	eventually(t, c.Tripped)
	for i := 0; i < 3; i++ {
		clk.fire(t, heartbeatTimer)
	}
	// 等事件循环退出，确认之后没有漏掉的心跳
	c.Leave(context.Background())
	if hb := heartbeats(api)(); hb != 1 {
		t.Errorf("Expected AuthInvalid to halt heartbeats after the first attempt, got %d", hb)
	}
}

func TestClient_TransientFailuresWithinBudget(t *testing.T) {
	transient := apperror.New(apperror.TransientNetwork, "heartbeat", errors.New("timeout"))
	api := &fakeAPI{hbErr: func(n int) error {
		if n%2 == 1 {
			return transient
		}
		return nil
	}}
	c, clk := newTestClient(api, testOptions())
	c.Start(context.Background())
	defer c.Leave(context.Background())

	for i := 1; i <= 8; i++ {
		beatAndWait(t, clk, api, i)
	}
	if c.Tripped() {
		t.Error("Expected alternating failures to stay within the budget")
	}
}

func TestClient_TransientFailuresExhaustBudget(t *testing.T) {
	api := &fakeAPI{hbErr: func(int) error {
		return apperror.New(apperror.TransientNetwork, "heartbeat", errors.New("down"))
	}}
	c, clk := newTestClient(api, testOptions())
	c.Start(context.Background())

	for i := 1; i <= 3; i++ {
		beatAndWait(t, clk, api, i)
	}
	eventually(t, c.Tripped)
	clk.fire(t, heartbeatTimer)
	c.Leave(context.Background())
	if hb := heartbeats(api)(); hb != 3 {
		t.Errorf("Expected breaker to open after 3 failures, got %d attempts", hb)
	}
}

func TestClient_NotFoundRejoins(t *testing.T) {
	api := &fakeAPI{hbErr: func(n int) error {
		if n == 1 {
			return apperror.ErrPresenceNotFound
		}
		return nil
	}}
	c, clk := newTestClient(api, testOptions())
	c.Start(context.Background())
	defer c.Leave(context.Background())

	beatAndWait(t, clk, api, 1)
	eventually(t, func() bool {
		joins, _, _ := api.counts()
		return joins == 2
	})
	if c.Tripped() {
		t.Error("Expected rejoin not to count as a failure")
	}
	beatAndWait(t, clk, api, 2)
}

func TestClient_HiddenWidensCadence(t *testing.T) {
	api := &fakeAPI{}
	c, clk := newTestClient(api, testOptions())
	c.Start(context.Background())
	defer c.Leave(context.Background())

	beatAndWait(t, clk, api, 1)
	_, _, firedBefore := clk.state(heartbeatTimer)

	// 失去可见性时立即刷新一次，之后按一小时的间隔
	c.SetVisible(false)
	eventually(t, func() bool {
		armed, active, _ := clk.state(heartbeatTimer)
		return armed == time.Hour && active && heartbeats(api)() == 2
	})
	clk.Advance(30 * time.Minute)
	if _, _, fired := clk.state(heartbeatTimer); fired != firedBefore {
		t.Errorf("Expected no timer fire while hidden, got %d more", fired-firedBefore)
	}
	if _, _, leaves := api.counts(); leaves != 0 {
		t.Error("Losing visibility must not leave")
	}

	c.SetVisible(true)
	eventually(t, func() bool {
		armed, active, _ := clk.state(heartbeatTimer)
		return armed == 20*time.Second && active && heartbeats(api)() == 3
	})
	beatAndWait(t, clk, api, 4)
}

func TestClient_CleanupLoop(t *testing.T) {
	api := &fakeAPI{}
	opts := testOptions()
	opts.CleanupInterval = time.Minute
	c, clk := newTestClient(api, opts)
	c.Start(context.Background())
	defer c.Leave(context.Background())

	cleanups := func() int {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.cleanups
	}
	for i := 1; i <= 2; i++ {
		clk.fire(t, cleanupTimer)
		eventually(t, func() bool { return cleanups() >= i })
	}
}

type stubTransport struct {
	name string
	err  error
	sent []model.DisconnectRequest
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Send(_ context.Context, req model.DisconnectRequest) error {
	s.sent = append(s.sent, req)
	return s.err
}

func TestSignaler_FallsBackInOrder(t *testing.T) {
	first := &stubTransport{name: "sync", err: errors.New("timeout")}
	beacon := &stubTransport{name: "beacon"}
	async := &stubTransport{name: "async"}
	s := NewSignaler(zap.NewNop(), first, beacon, async)

	got := s.Teardown(context.Background(), model.DisconnectRequest{UserID: "u1", SessionID: "s1"})
	if got != "beacon" {
		t.Errorf("Teardown() = %q, want beacon", got)
	}
	if len(first.sent) != 1 || len(beacon.sent) != 1 || len(async.sent) != 0 {
		t.Errorf("Unexpected attempts sync=%d beacon=%d async=%d", len(first.sent), len(beacon.sent), len(async.sent))
	}

	failing := NewSignaler(zap.NewNop(), &stubTransport{name: "sync", err: errors.New("x")})
	if got := failing.Teardown(context.Background(), model.DisconnectRequest{UserID: "u1"}); got != "" {
		t.Errorf("Expected empty result when every transport fails, got %q", got)
	}
}

func TestClient_TeardownUsesSignaler(t *testing.T) {
	api := &fakeAPI{}
	tr := &stubTransport{name: "sync"}
	c := New(api, NewSignaler(zap.NewNop(), tr), "u1", model.Profile{}, testOptions(), zap.NewNop())
	c.clock = newManualClock()
	c.Start(context.Background())

	if got := c.Teardown(context.Background()); got != "sync" {
		t.Fatalf("Teardown() = %q, want sync", got)
	}
	if len(tr.sent) != 1 || tr.sent[0].SessionID != c.SessionID() {
		t.Errorf("Expected disconnect for the client's session, got %+v", tr.sent)
	}
	if _, _, leaves := api.counts(); leaves != 0 {
		t.Error("Teardown must not call leave")
	}
	if got := c.Teardown(context.Background()); got != "" {
		t.Errorf("Expected second teardown to be a no-op, got %q", got)
	}
}
