package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/id"
)

func startGateway(t *testing.T) (*Gateway, *presence.MemoryTracker, string) {
	t.Helper()
	tracker := presence.NewMemoryTracker(time.Minute, nil)
	g, base := serveGateway(t, tracker)
	return g, tracker, base
}

func serveGateway(t *testing.T, tracker presence.Tracker) (*Gateway, string) {
	t.Helper()
	g := NewGateway(tracker, GatewayOptions{PongWait: 2 * time.Second})
	srv := httptest.NewServer(g)
	t.Cleanup(func() {
		g.Close()
		srv.Close()
	})
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, userID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws?userId="+userID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func online(tr *presence.MemoryTracker, user string) bool {
	snap, _ := tr.Snapshot(context.Background(), user)
	return snap.Online
}

func testMessage(receiver string) message.ChatMessage {
	return message.ChatMessage{
		ID:         id.NewGenerator().Next(),
		SenderID:   "u1",
		ReceiverID: receiver,
		SentAt:     time.UnixMilli(1_700_000_000_000).UTC(),
		Body:       "hello",
	}
}

func TestPushToConnectedUser(t *testing.T) {
	g, tracker, base := startGateway(t)
	ws := dial(t, base, "u2")
	waitFor(t, func() bool { return online(tracker, "u2") })

	m := testMessage("u2")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if res := g.Push(ctx, "u2", m); res != ResultSuccess {
		t.Fatalf("push: got %v", res)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != FrameMessage || f.Message == nil || f.Message.ID != m.ID || f.Message.Body != "hello" {
		t.Fatalf("unexpected frame %s", data)
	}
	if g.Connections() != 1 {
		t.Fatalf("want 1 connection, got %d", g.Connections())
	}
}

func TestPushUnreachableAndTimeout(t *testing.T) {
	g, tracker, base := startGateway(t)
	if res := g.Push(context.Background(), "nobody", testMessage("nobody")); res != ResultUnreachable {
		t.Fatalf("want unreachable, got %v", res)
	}
	dial(t, base, "u2")
	waitFor(t, func() bool { return online(tracker, "u2") })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := g.Push(ctx, "u2", testMessage("u2")); res != ResultTimeout {
		t.Fatalf("want timeout for expired context, got %v", res)
	}
}

func TestDisconnectReleasesPresence(t *testing.T) {
	g, tracker, base := startGateway(t)
	ws := dial(t, base, "u2")
	waitFor(t, func() bool { return online(tracker, "u2") })

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()
	waitFor(t, func() bool { return !online(tracker, "u2") })
	waitFor(t, func() bool { return g.Connections() == 0 })
	if res := g.Push(context.Background(), "u2", testMessage("u2")); res != ResultUnreachable {
		t.Fatalf("want unreachable after disconnect, got %v", res)
	}
}

func TestHeartbeatFrameRefreshesPresence(t *testing.T) {
	_, tracker, base := startGateway(t)
	ws := dial(t, base, "u2")
	waitFor(t, func() bool { return online(tracker, "u2") })
	before, _ := tracker.Snapshot(context.Background(), "u2")

	time.Sleep(10 * time.Millisecond)
	if err := ws.WriteJSON(Frame{Type: FrameHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	waitFor(t, func() bool {
		snap, _ := tracker.Snapshot(context.Background(), "u2")
		return snap.LastSeenAt.After(before.LastSeenAt)
	})
}

func TestMissingUserIDRejected(t *testing.T) {
	_, _, base := startGateway(t)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("want 400, got %+v", resp)
	}
}

func TestExpiredHandleIsReplacedOnHeartbeat(t *testing.T) {
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	tracker := presence.NewMemoryTracker(time.Minute, clk)
	g, base := serveGateway(t, tracker)
	ws := dial(t, base, "u2")
	waitFor(t, func() bool { return online(tracker, "u2") })
	before, _ := tracker.Snapshot(context.Background(), "u2")

	clk.Advance(2 * time.Minute)
	if online(tracker, "u2") {
		t.Fatalf("handle should have expired")
	}
	if err := ws.WriteJSON(Frame{Type: FrameHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	waitFor(t, func() bool { return online(tracker, "u2") })

	snap, _ := tracker.Snapshot(context.Background(), "u2")
	if len(snap.Handles) != 1 || snap.Handles[0] == before.Handles[0] {
		t.Fatalf("want one fresh handle, got %v (was %v)", snap.Handles, before.Handles)
	}
	if g.Connections() != 1 {
		t.Fatalf("want 1 connection, got %d", g.Connections())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if res := g.Push(ctx, "u2", testMessage("u2")); res != ResultSuccess {
		t.Fatalf("push after reconnect: %v", res)
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitFor(t, func() bool { return !online(tracker, "u2") })
}

// flakyTracker forgets every handle on heartbeat and can refuse new ones.
type flakyTracker struct {
	*presence.MemoryTracker
	refuse atomic.Bool
}

func (f *flakyTracker) Heartbeat(context.Context, presence.Handle) error {
	return presence.ErrUnknownHandle
}

func (f *flakyTracker) Connect(ctx context.Context, userID string) (presence.Handle, error) {
	if f.refuse.Load() {
		return "", errors.New("presence down")
	}
	return f.MemoryTracker.Connect(ctx, userID)
}

func TestExpiredHandleClosesConnectionWhenReconnectFails(t *testing.T) {
	tracker := &flakyTracker{MemoryTracker: presence.NewMemoryTracker(time.Minute, nil)}
	g, base := serveGateway(t, tracker)
	ws := dial(t, base, "u2")
	waitFor(t, func() bool { return g.Connections() == 1 })

	tracker.refuse.Store(true)
	if err := ws.WriteJSON(Frame{Type: FrameHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed")
	}
	waitFor(t, func() bool { return g.Connections() == 0 })
}
