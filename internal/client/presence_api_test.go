package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anonchat/presence-go/internal/apperror"
	"github.com/anonchat/presence-go/internal/model"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want apperror.Kind
	}{
		{401, apperror.AuthInvalid},
		{403, apperror.AuthInvalid},
		{404, apperror.NotFound},
		{400, apperror.ConstraintViolation},
		{409, apperror.ConstraintViolation},
		{429, apperror.TransientNetwork},
		{503, apperror.TransientNetwork},
		{302, apperror.Unknown},
	}
	for _, tt := range tests {
		if got := kindForStatus(tt.code); got != tt.want {
			t.Errorf("kindForStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestPresenceAPI_HeartbeatRetriesTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	api := NewPresenceAPI(srv.URL, 2, zap.NewNop())
	api.backoff = time.Millisecond
	api.SetToken("tok", "u1")

	if err := api.Heartbeat(context.Background(), "s1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestPresenceAPI_AuthErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	api := NewPresenceAPI(srv.URL, 5, zap.NewNop())
	api.SetToken("tok", "u1")

	err := api.Heartbeat(context.Background(), "s1")
	if !apperror.Is(err, apperror.AuthInvalid) {
		t.Fatalf("Expected AuthInvalid, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestPresenceAPI_LeaveNotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	api := NewPresenceAPI(srv.URL, 0, zap.NewNop())
	api.SetToken("tok", "u1")
	if err := api.Leave(context.Background(), "s1"); err != nil {
		t.Errorf("Expected NotFound leave to succeed, got %v", err)
	}
}

func TestPresenceAPI_RequiresToken(t *testing.T) {
	api := NewPresenceAPI("http://127.0.0.1:1", 0, zap.NewNop())
	if err := api.Heartbeat(context.Background(), "s1"); !apperror.Is(err, apperror.AuthInvalid) {
		t.Errorf("Expected AuthInvalid without token, got %v", err)
	}
}

func TestTransports_DeliverDisconnect(t *testing.T) {
	got := make(chan model.DisconnectRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user-disconnect" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Disconnect must not carry a token")
		}
		var req model.DisconnectRequest
		json.NewDecoder(r.Body).Decode(&req)
		got <- req
	}))
	defer srv.Close()

	api := NewPresenceAPI(srv.URL, 0, zap.NewNop())
	api.SetToken("tok", "u1")
	logger := zap.NewNop()
	ctx := context.Background()

	if err := NewSyncTransport(api, time.Second).Send(ctx, model.DisconnectRequest{UserID: "u1", SessionID: "sync"}); err != nil {
		t.Fatalf("sync Send() error = %v", err)
	}

	beacon := NewBeaconQueue(api, 4, time.Second, logger)
	if err := beacon.Send(ctx, model.DisconnectRequest{UserID: "u1", SessionID: "beacon"}); err != nil {
		t.Fatalf("beacon Send() error = %v", err)
	}
	beacon.Close()
	if err := beacon.Send(ctx, model.DisconnectRequest{UserID: "u1"}); err != ErrBeaconRejected {
		t.Errorf("Expected closed beacon to reject, got %v", err)
	}

	async := NewAsyncTransport(api, time.Second, logger)
	async.Send(ctx, model.DisconnectRequest{UserID: "u1", SessionID: "async"})
	async.Wait()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case req := <-got:
			seen[req.SessionID] = true
		case <-time.After(time.Second):
			t.Fatalf("Timed out, delivered so far: %v", seen)
		}
	}
	for _, name := range []string{"sync", "beacon", "async"} {
		if !seen[name] {
			t.Errorf("Expected %s transport to deliver", name)
		}
	}
}
