package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/courier/pkg/clock"
)

// MemoryTracker keeps presence in process. Suitable for a single instance.
type MemoryTracker struct {
	ttl   time.Duration
	clock clock.Clock

	mu       sync.RWMutex
	byUser   map[string]map[Handle]time.Time
	byHandle map[Handle]string
}

// NewMemoryTracker returns an empty tracker. ttl <= 0 uses DefaultTTL.
func NewMemoryTracker(ttl time.Duration, clk clock.Clock) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryTracker{
		ttl:      ttl,
		clock:    clk,
		byUser:   make(map[string]map[Handle]time.Time),
		byHandle: make(map[Handle]string),
	}
}

func (t *MemoryTracker) Connect(_ context.Context, userID string) (Handle, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("presence: userID is required")
	}
	h := newHandle()
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := t.byUser[userID]
	if conns == nil {
		conns = make(map[Handle]time.Time)
		t.byUser[userID] = conns
	}
	conns[h] = now
	t.byHandle[h] = userID
	return h, nil
}

func (t *MemoryTracker) Disconnect(_ context.Context, h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	user, ok := t.byHandle[h]
	if !ok {
		return ErrUnknownHandle
	}
	t.removeLocked(user, h)
	return nil
}

func (t *MemoryTracker) Heartbeat(_ context.Context, h Handle) error {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	user, ok := t.byHandle[h]
	if !ok {
		return ErrUnknownHandle
	}
	if now.Sub(t.byUser[user][h]) >= t.ttl {
		t.removeLocked(user, h)
		return ErrUnknownHandle
	}
	t.byUser[user][h] = now
	return nil
}

func (t *MemoryTracker) Snapshot(_ context.Context, userID string) (Snapshot, error) {
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{UserID: userID}
	for h, seen := range t.byUser[userID] {
		if now.Sub(seen) >= t.ttl {
			continue
		}
		snap.Handles = append(snap.Handles, h)
		if seen.After(snap.LastSeenAt) {
			snap.LastSeenAt = seen
		}
	}
	sort.Slice(snap.Handles, func(i, j int) bool { return snap.Handles[i] < snap.Handles[j] })
	snap.Online = len(snap.Handles) > 0
	return snap, nil
}

func (t *MemoryTracker) SweepExpired(context.Context) (int, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for user, conns := range t.byUser {
		for h, seen := range conns {
			if now.Sub(seen) >= t.ttl {
				t.removeLocked(user, h)
				removed++
			}
		}
	}
	return removed, nil
}

func (t *MemoryTracker) removeLocked(user string, h Handle) {
	delete(t.byHandle, h)
	if conns := t.byUser[user]; conns != nil {
		delete(conns, h)
		if len(conns) == 0 {
			delete(t.byUser, user)
		}
	}
}
