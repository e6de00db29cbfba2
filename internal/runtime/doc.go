// Package runtime wires one courier instance: the shared pebble DB, the
// durable queue, the offline store and dead-letter archive, presence, the
// websocket gateway, and the delivery workers. Services and servers get
// their dependencies from a Runtime.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	rt.Start()
//	_ = rt.CheckHealth(context.Background())
package runtime
