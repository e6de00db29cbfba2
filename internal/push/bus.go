package push

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus carries relay traffic between courier instances.
type Bus interface {
	// Publish sends payload to every current subscriber of channel and
	// reports how many there were.
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	// Subscribe delivers channel's payloads until the subscription is closed.
	// The subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one Bus listener.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

const subscriptionBuffer = 64

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus uses rdb for both publishing and subscribing.
func NewRedisBus(rdb *redis.Client) *RedisBus { return &RedisBus{rdb: rdb} }

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	n, err := b.rdb.Publish(ctx, channel, payload).Result()
	return int(n), err
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSubscription{ps: ps, c: make(chan []byte, subscriptionBuffer), done: make(chan struct{})}
	go s.forward()
	return s, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	c    chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.c)
	for msg := range s.ps.Channel() {
		select {
		case s.c <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan []byte { return s.c }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// MemoryBus is an in-process Bus. It lets several gateways in one process
// relay to each other and stands in for Redis in tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish never blocks; a subscriber whose buffer is full misses the payload.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for s := range subs {
		select {
		case s.c <- append([]byte(nil), payload...):
		default:
		}
	}
	return len(subs), nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{bus: b, channel: channel, c: make(chan []byte, subscriptionBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	c       chan []byte
	once    sync.Once
}

func (s *memorySubscription) C() <-chan []byte { return s.c }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.channel], s)
		if len(s.bus.subs[s.channel]) == 0 {
			delete(s.bus.subs, s.channel)
		}
		close(s.c)
	})
	return nil
}
