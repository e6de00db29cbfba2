package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/message"
)

type recordingPusher struct {
	mu     sync.Mutex
	result Result
	block  bool
	users  []string
}

func (p *recordingPusher) Push(ctx context.Context, userID string, _ message.ChatMessage) Result {
	p.mu.Lock()
	p.users = append(p.users, userID)
	res, block := p.result, p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ResultTimeout
	}
	return res
}

func (p *recordingPusher) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.users...)
}

func runRelay(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, r.Listening)
}

func pushWithin(r *Relay, d time.Duration) Result {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Push(ctx, "u2", testMessage("u2"))
}

func TestRelayLocalSuccessSkipsTheBus(t *testing.T) {
	bus := NewMemoryBus()
	watch, _ := bus.Subscribe(context.Background(), "courier:push")
	defer watch.Close()

	r := NewRelay(&recordingPusher{result: ResultSuccess}, bus, RelayOptions{})
	if res := pushWithin(r, time.Second); res != ResultSuccess {
		t.Fatalf("want success, got %v", res)
	}
	select {
	case <-watch.C():
		t.Fatalf("a local success must not be relayed")
	default:
	}
}

func TestRelayDeliversThroughAnotherInstance(t *testing.T) {
	bus := NewMemoryBus()
	remote := &recordingPusher{result: ResultSuccess}
	a := NewRelay(&recordingPusher{result: ResultUnreachable}, bus, RelayOptions{Instance: "a"})
	b := NewRelay(remote, bus, RelayOptions{Instance: "b"})
	runRelay(t, a)
	runRelay(t, b)

	if res := pushWithin(a, 2*time.Second); res != ResultSuccess {
		t.Fatalf("want success via instance b, got %v", res)
	}
	if got := remote.calls(); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("remote gateway should have been asked once for u2, got %v", got)
	}
}

func TestRelayReportsUnreachableWithoutWaitingOut(t *testing.T) {
	bus := NewMemoryBus()
	a := NewRelay(&recordingPusher{result: ResultUnreachable}, bus, RelayOptions{Instance: "a"})
	b := NewRelay(&recordingPusher{result: ResultUnreachable}, bus, RelayOptions{Instance: "b"})
	runRelay(t, b)

	start := time.Now()
	if res := pushWithin(a, 5*time.Second); res != ResultUnreachable {
		t.Fatalf("want unreachable, got %v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("every instance answered; the push should not wait for its deadline")
	}
}

func TestRelayTimeoutOnSlowInstance(t *testing.T) {
	bus := NewMemoryBus()
	a := NewRelay(&recordingPusher{result: ResultUnreachable}, bus, RelayOptions{Instance: "a"})
	b := NewRelay(&recordingPusher{block: true}, bus, RelayOptions{Instance: "b"})
	runRelay(t, b)

	if res := pushWithin(a, 100*time.Millisecond); res != ResultTimeout {
		t.Fatalf("want timeout, got %v", res)
	}
}

func TestRelayWithoutPeersKeepsLocalResult(t *testing.T) {
	r := NewRelay(&recordingPusher{result: ResultUnreachable}, NewMemoryBus(), RelayOptions{})
	runRelay(t, r)
	if res := pushWithin(r, time.Second); res != ResultUnreachable {
		t.Fatalf("want unreachable, got %v", res)
	}
}

func TestRelayBetweenGateways(t *testing.T) {
	bus := NewMemoryBus()
	gA, _, _ := startGateway(t)
	gB, trackerB, baseB := startGateway(t)
	a := NewRelay(gA, bus, RelayOptions{Instance: "a"})
	runRelay(t, NewRelay(gB, bus, RelayOptions{Instance: "b"}))

	ws := dial(t, baseB, "u2")
	waitFor(t, func() bool { return online(trackerB, "u2") })

	m := testMessage("u2")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if res := a.Push(ctx, "u2", m); res != ResultSuccess {
		t.Fatalf("push through relay: %v", res)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != FrameMessage || f.Message == nil || f.Message.ID != m.ID {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestMemoryBusCountsSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	s1, _ := bus.Subscribe(ctx, "c")
	s2, _ := bus.Subscribe(ctx, "c")
	if n, err := bus.Publish(ctx, "c", []byte("x")); err != nil || n != 2 {
		t.Fatalf("publish: %d %v", n, err)
	}
	if got := string(<-s1.C()); got != "x" {
		t.Fatalf("s1 got %q", got)
	}
	_ = s2.Close()
	if _, ok := <-s2.C(); ok {
		// buffered payload first, then closed
		if _, ok := <-s2.C(); ok {
			t.Fatalf("closed subscription should drain and close")
		}
	}
	if n, _ := bus.Publish(ctx, "c", []byte("y")); n != 1 {
		t.Fatalf("closed subscriber still counted: %d", n)
	}
	_ = s1.Close()
}
