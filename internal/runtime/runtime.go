package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/deadletter"
	"github.com/rzbill/courier/internal/delivery"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/internal/push"
	"github.com/rzbill/courier/internal/queue"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/internal/validate"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/id"
	"github.com/rzbill/courier/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  log.Logger
	Clock   clock.Clock

	// Presence and Store replace the configured backends when set.
	Presence presence.Tracker
	Store    store.Backend
	// Bus relays pushes between instances. Defaults to Redis pub/sub when
	// presence is on Redis; nil otherwise, keeping pushes local.
	Bus push.Bus
}

// Runtime wires storage, presence, the push gateway and the delivery
// workers for a single courier instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger
	clock  clock.Clock

	queue       *queue.Queue
	store       store.Backend
	deadLetters deadletter.Store
	presence    presence.Tracker
	gateway     *push.Gateway
	relay       *push.Relay
	validator   *validate.Validator
	router      *delivery.Router
	pool        *delivery.Pool
	redis       *redis.Client

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open initializes storage and every component. Background work begins with Start.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, logger: logger, clock: clk}
	if err := rt.wire(opts); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) wire(opts Options) error {
	cfg := r.config
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := queue.Open(r.db, queue.Options{Lease: cfg.Delivery.Lease(), Clock: r.clock, Logger: r.logger})
	if err != nil {
		return err
	}
	r.queue = q
	r.deadLetters = deadletter.NewPebbleStore(r.db)

	r.store = opts.Store
	if r.store == nil {
		switch cfg.Store.Backend {
		case "dynamodb":
			ds, err := store.OpenDynamoStore(ctx, store.DynamoOptions{
				Table:    cfg.Store.DynamoTable,
				Region:   cfg.Store.DynamoRegion,
				Endpoint: cfg.Store.DynamoEndpoint,
			}, r.clock)
			if err != nil {
				return err
			}
			r.store = ds
		default:
			r.store = store.NewPebbleStore(r.db, r.clock)
		}
	}

	r.presence = opts.Presence
	if r.presence == nil {
		switch cfg.Presence.Backend {
		case "redis":
			tr, rdb, err := presence.OpenRedisTracker(ctx, presence.RedisOptions{
				Addr:     cfg.Presence.RedisAddr,
				Password: cfg.Presence.RedisPassword,
				DB:       cfg.Presence.RedisDB,
				Prefix:   cfg.Presence.RedisPrefix,
				TTL:      cfg.Presence.TTL(),
				Clock:    r.clock,
			})
			if err != nil {
				return err
			}
			r.presence, r.redis = tr, rdb
		default:
			r.presence = presence.NewMemoryTracker(cfg.Presence.TTL(), r.clock)
		}
	}

	classifier := validate.AcceptAll
	if cfg.Validation.RejectExpr != "" || cfg.Validation.FlagExpr != "" {
		cc, err := validate.NewCELClassifier(cfg.Validation.RejectExpr, cfg.Validation.FlagExpr)
		if err != nil {
			return fmt.Errorf("runtime: content policy: %w", err)
		}
		classifier = cc
	}
	r.validator = validate.New(validate.Options{
		MaxBodyLength: cfg.Validation.MaxBodyLength,
		MaxClockSkew:  cfg.Validation.MaxClockSkew(),
		Classifier:    classifier,
		Clock:         r.clock,
		IDs:           id.NewGenerator(),
	})

	// A pong refreshes presence, so the ping cadence has to beat the TTL.
	r.gateway = push.NewGateway(r.presence, push.GatewayOptions{PongWait: cfg.Presence.TTL(), Logger: r.logger})
	var pusher push.Pusher = r.gateway
	bus := opts.Bus
	if bus == nil && r.redis != nil {
		bus = push.NewRedisBus(r.redis)
	}
	if bus != nil {
		r.relay = push.NewRelay(r.gateway, bus, push.RelayOptions{Prefix: cfg.Presence.RedisPrefix, Logger: r.logger})
		pusher = r.relay
	}
	coord := delivery.NewCoordinator(q, r.deadLetters, delivery.CoordinatorOptions{
		Policy: delivery.RetryPolicy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BackoffBase: cfg.Delivery.BackoffBase(),
			BackoffMax:  cfg.Delivery.BackoffMax(),
		},
		Clock:  r.clock,
		Logger: r.logger,
	})
	r.router = delivery.NewRouter(r.presence, pusher, r.store, q, coord, delivery.RouterOptions{
		PushTimeout: cfg.Delivery.PushTimeout(),
		Clock:       r.clock,
		Logger:      r.logger,
	})
	r.pool = delivery.NewPool(q, r.router, delivery.PoolOptions{Workers: cfg.Delivery.Workers, Logger: r.logger})
	return nil
}

// Start launches the delivery workers, the lease reclaim sweeper, the
// presence sweeper and, when configured, the push relay listener.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.queue.StartSweeper(r.config.Delivery.SweepInterval(), 256)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		presence.RunSweeper(ctx, r.presence, r.config.Presence.SweepInterval(), r.logger.With(log.Component("presence")))
	}()
	if r.relay != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.relay.Run(ctx); err != nil {
				r.logger.Error("push relay stopped", log.Err(err))
			}
		}()
	}
	r.pool.Start()
}

// Close stops background work and closes underlying resources.
func (r *Runtime) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.queue != nil {
		// Wakes blocked workers so the pool can stop.
		r.queue.Close()
	}
	if r.pool != nil {
		r.pool.Stop()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth verifies the database is readable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func (r *Runtime) Logger() log.Logger             { return r.logger }
func (r *Runtime) Clock() clock.Clock             { return r.clock }
func (r *Runtime) Queue() *queue.Queue            { return r.queue }
func (r *Runtime) Store() store.Backend           { return r.store }
func (r *Runtime) DeadLetters() deadletter.Store  { return r.deadLetters }
func (r *Runtime) Presence() presence.Tracker     { return r.presence }
func (r *Runtime) Gateway() *push.Gateway         { return r.gateway }
func (r *Runtime) Relay() *push.Relay             { return r.relay }
func (r *Runtime) Validator() *validate.Validator { return r.validator }
func (r *Runtime) Router() *delivery.Router       { return r.router }
