package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/runtime"
	grpcserver "github.com/rzbill/courier/internal/server/grpc"
	httpserver "github.com/rzbill/courier/internal/server/http"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	logpkg "github.com/rzbill/courier/pkg/log"
)

type Options struct {
	DataDir  string
	GRPCAddr string
	HTTPAddr string
	Fsync    pebblestore.FsyncMode
	Config   cfgpkg.Config
}

// storeDir resolves the pebble directory under the data dir.
func (o Options) storeDir() string {
	dir := o.DataDir
	if dir == "" {
		dir = cfgpkg.DefaultDataDir()
	}
	return filepath.Join(dir, "store")
}

// newLogger builds the process logger from cfg, falling back to text at info.
func newLogger(cfg logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(&cfg)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if parsed, e := logpkg.ParseLevel(cfg.Level); e == nil {
		lvl = parsed
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
}

// Run starts the delivery runtime with gRPC and HTTP servers and blocks until
// ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := opts.Config.Validate(); err != nil {
		return err
	}
	logger := newLogger(opts.Config.Log)
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(runtime.Options{
		DataDir: opts.storeDir(),
		Fsync:   opts.Fsync,
		Config:  opts.Config,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting courier",
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("store", opts.Config.Store.Backend),
		logpkg.Str("presence", opts.Config.Presence.Backend),
		logpkg.Int("workers", opts.Config.Delivery.Workers),
	)
	rt.Start()

	gsrv := grpcserver.New(rt, logger)
	hsrv := httpserver.New(rt, logger)

	var wg sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(sctx); err != nil && sctx.Err() == nil {
				logger.Error(name+" server stopped", logpkg.Err(err))
				stop()
			}
		}()
	}
	if opts.GRPCAddr != "" {
		serve("grpc", func(ctx context.Context) error { return gsrv.ListenAndServe(ctx, opts.GRPCAddr) })
	}
	if opts.HTTPAddr != "" {
		serve("http", func(ctx context.Context) error { return hsrv.ListenAndServe(ctx, opts.HTTPAddr) })
	}

	<-sctx.Done()
	// Stop accepting traffic before the runtime closes the DB.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	logger.Info("courier stopped")
	return nil
}
