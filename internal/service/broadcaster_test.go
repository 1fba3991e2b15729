package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/bus"
	"github.com/anonchat/presence-go/internal/metrics"
	"github.com/anonchat/presence-go/internal/model"
	"github.com/anonchat/presence-go/internal/roster"
)

func TestTranslate(t *testing.T) {
	hb := epoch.Add(30 * time.Second)
	at := epoch.Add(45 * time.Second)
	rec := model.PresenceRecord{UserID: "u1", SessionID: "s1", Online: true, LastHeartbeat: hb}
	offline := rec
	offline.Online = false

	tests := []struct {
		name     string
		change   model.ChangeEvent
		wantType model.EventType
		wantTS   time.Time
	}{
		{"insert", model.ChangeEvent{Op: model.OpInsert, At: at, Record: rec}, model.EventJoined, hb},
		{"heartbeat", model.ChangeEvent{Op: model.OpUpdate, At: at, Record: rec}, model.EventUpdated, hb},
		{"offline update", model.ChangeEvent{Op: model.OpUpdate, At: at, Record: offline}, model.EventLeft, hb},
		{"delete", model.ChangeEvent{Op: model.OpDelete, At: at, Record: rec}, model.EventLeft, hb},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := Translate(tt.change)
			if !ok {
				t.Fatal("Expected change to translate")
			}
			if evt.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", evt.Type, tt.wantType)
			}
			if !evt.Timestamp.Equal(tt.wantTS) {
				t.Errorf("Timestamp = %v, want %v", evt.Timestamp, tt.wantTS)
			}
		})
	}

	if _, ok := Translate(model.ChangeEvent{Op: "truncate", Record: rec}); ok {
		t.Error("Expected unknown op to be ignored")
	}
	if _, ok := Translate(model.ChangeEvent{Op: model.OpInsert}); ok {
		t.Error("Expected record without key to be ignored")
	}
}

// 数据库时钟落后于应用时钟时，删除事件仍然覆盖最后一次心跳
func TestTranslate_LeftIgnoresFeedClock(t *testing.T) {
	hb := epoch.Add(1000 * time.Second)
	rec := model.PresenceRecord{UserID: "u1", SessionID: "s1", Online: true, LastHeartbeat: hb}

	updated, _ := Translate(model.ChangeEvent{Op: model.OpUpdate, At: hb, Record: rec})
	left, _ := Translate(model.ChangeEvent{Op: model.OpDelete, At: hb.Add(-50 * time.Millisecond), Record: rec})

	for _, order := range [][]model.PresenceEvent{{updated, left}, {left, updated}} {
		r := roster.New()
		for _, evt := range order {
			r.Apply(evt)
		}
		if online := r.Online(); len(online) != 0 {
			t.Errorf("Expected u1 offline after delete, got %v (left.ts=%v updated.ts=%v)", online, left.Timestamp, updated.Timestamp)
		}
	}
}

func TestBroadcaster_RunForwardsStoreChanges(t *testing.T) {
	f := newFixture(2 * time.Minute)
	b := NewBroadcaster(f.store, nil, 16, metrics.New("presence-test"), zap.NewNop())

	frames, cancelSub := b.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Run 订阅变更流之前的写入不会被转发，重复 join 直到收到第一帧
	deadline := time.Now().Add(time.Second)
	for received := false; !received; {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for presence frame")
		}
		f.presence.Join(ctx, "u1", "s1", model.Profile{Nickname: "owl"})
		select {
		case frame := <-frames:
			if frame.Presence == nil || frame.Presence.UserID != "u1" {
				t.Fatalf("Unexpected frame %+v", frame)
			}
			received = true
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.presence.Leave(ctx, "u1", "s1")
	if !waitForFrame(frames, model.EventLeft, time.Second) {
		t.Fatal("Timed out waiting for left frame")
	}
}

func waitForFrame(frames <-chan model.DashboardFrame, typ model.EventType, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case frame := <-frames:
			if frame.Type == typ {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil, nil, 1, metrics.New("presence-test"), zap.NewNop())
	_, cancelSlow := b.Subscribe()
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.PublishPresence(ctx, model.PresenceEvent{Type: model.EventUpdated, UserID: "u1", SessionID: "s1"})
			<-fast
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publishing blocked on a slow subscriber")
	}
	if b.Dropped() != 4 {
		t.Errorf("Expected 4 frames dropped for the slow subscriber, got %d", b.Dropped())
	}
}

func TestBroadcaster_CancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil, nil, 4, metrics.New("presence-test"), zap.NewNop())
	ch, cancel := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", b.SubscriberCount())
	}
	cancel()
	cancel()
	if b.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}

	b.PublishStatus(context.Background(), model.StatusEvent{UserID: "u1", Status: model.StatusKicked})
}

func TestBroadcaster_RelayStatus(t *testing.T) {
	b := NewBroadcaster(nil, nil, 4, metrics.New("presence-test"), zap.NewNop())
	frames, cancel := b.Subscribe()
	defer cancel()

	b.RelayStatus(bus.Envelope{
		Topic:   bus.TopicStatusChanged,
		Origin:  "replica-b",
		Payload: json.RawMessage(`{"type":"status_changed","user_id":"u7","status":"banned"}`),
	})
	b.RelayStatus(bus.Envelope{Topic: bus.TopicStatusChanged, Payload: json.RawMessage(`not json`)})

	select {
	case frame := <-frames:
		if frame.Status == nil || frame.Status.UserID != "u7" || frame.Status.Status != model.StatusBanned {
			t.Errorf("Unexpected relayed frame %+v", frame)
		}
	default:
		t.Fatal("Expected relayed status frame")
	}
	select {
	case frame := <-frames:
		t.Errorf("Expected malformed payload to be dropped, got %+v", frame)
	default:
	}
}
