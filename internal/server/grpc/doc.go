// Package grpcserver hosts courier's gRPC surface: the standard
// grpc.health.v1.Health service and courier.v1.Courier (Send, Fetch, Ack,
// ListDeadLetters, Stats). Courier methods exchange google.protobuf.Struct
// values shaped like the REST JSON bodies, so no generated stubs are
// needed; CourierClient is the matching client.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
