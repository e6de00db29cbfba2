package runtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/internal/push"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/internal/validate"
)

func openRuntime(t *testing.T, cfg cfgpkg.Config) *Runtime {
	t.Helper()
	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openRuntime(t, cfgpkg.Default())
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Queue() == nil || rt.Store() == nil || rt.DeadLetters() == nil || rt.Presence() == nil {
		t.Fatalf("components not wired")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Delivery.Workers = 0
	if _, err := Open(Options{DataDir: t.TempDir(), Config: cfg}); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestOpenRejectsBadPolicy(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Validation.RejectExpr = "body +"
	if _, err := Open(Options{DataDir: t.TempDir(), Config: cfg}); err == nil {
		t.Fatalf("expected policy compile error")
	}
}

func TestStartedRuntimePersistsOfflineMessage(t *testing.T) {
	rt := openRuntime(t, cfgpkg.Default())
	rt.Start()
	ctx := context.Background()

	m, err := rt.Validator().Validate(ctx, validate.Raw{SenderID: "u1", ReceiverID: "u2", Body: "hello"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := rt.Queue().Enqueue(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		page, err := rt.Store().FetchSince(ctx, "u2", store.Cursor(""), 10)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(page.Messages) == 1 {
			if page.Messages[0].ID != m.ID || page.Messages[0].State != message.StatePersisted {
				t.Fatalf("unexpected stored message %+v", page.Messages[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message was not persisted in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestZeroClockSkewReachesValidator(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Validation.MaxClockSkewMs = 0
	rt := openRuntime(t, cfg)
	ahead := time.Now().Add(time.Minute)
	m, err := rt.Validator().Validate(context.Background(), validate.Raw{SenderID: "u1", ReceiverID: "u2", Body: "hi", SentAt: &ahead})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !m.SentAt.Before(ahead.Add(-30 * time.Second)) {
		t.Fatalf("future sentAt should be replaced with server time, got %v", m.SentAt)
	}
}

func TestRelayDeliversAcrossInstances(t *testing.T) {
	bus := push.NewMemoryBus()
	shared := presence.NewMemoryTracker(time.Minute, nil)
	open := func() *Runtime {
		rt, err := Open(Options{DataDir: t.TempDir(), Config: cfgpkg.Default(), Presence: shared, Bus: bus})
		if err != nil {
			t.Fatalf("open runtime: %v", err)
		}
		t.Cleanup(func() { _ = rt.Close() })
		rt.Start()
		return rt
	}
	a, b := open(), open()
	if a.Relay() == nil || b.Relay() == nil {
		t.Fatalf("relay should be wired when a bus is configured")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !b.Relay().Listening() {
		if time.Now().After(deadline) {
			t.Fatalf("relay did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv := httptest.NewServer(b.Gateway())
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?userId=u2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	ctx := context.Background()
	for {
		if snap, _ := shared.Snapshot(ctx, "u2"); snap.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("u2 never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m, err := a.Validator().Validate(ctx, validate.Raw{SenderID: "u1", ReceiverID: "u2", Body: "across"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := a.Queue().Enqueue(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f push.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Message == nil || f.Message.ID != m.ID {
		t.Fatalf("unexpected frame %+v", f)
	}
	page, _ := a.Store().FetchSince(ctx, "u2", "", 10)
	if len(page.Messages) != 0 {
		t.Fatalf("a relayed message must not be persisted, got %d", len(page.Messages))
	}
}
