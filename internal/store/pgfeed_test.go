package store

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// 数据库暂时不可达时订阅仍然成功，由后台循环重连
func TestPGFeed_SubscribeRetriesUnreachableDatabase(t *testing.T) {
	feed := NewPGFeed("postgres://presence@127.0.0.1:1/presence?connect_timeout=1&sslmode=disable", "presence_changes", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := feed.Subscribe(ctx)
	if err != nil {
		cancel()
		t.Fatalf("Subscribe() error = %v, want nil while database is unreachable", err)
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("Expected no events from an unreachable database")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected channel to close after cancel")
	}
}

func TestPGFeed_SubscribeRejectsMalformedDSN(t *testing.T) {
	feed := NewPGFeed("postgres://%zz", "presence_changes", zap.NewNop())
	if _, err := feed.Subscribe(context.Background()); err == nil {
		t.Error("Expected error for malformed DSN")
	}
}
