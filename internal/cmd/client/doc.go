// Package client provides the `courier` command-line client.
//
// The CLI talks to the courier gRPC endpoint for request/response
// operations and to the HTTP websocket gateway for live delivery. It is
// primarily intended for developers and operators.
//
// # Address configuration
//
// The gRPC address is read from COURIER_GRPC (default 127.0.0.1:50051).
// The HTTP base URL used by `messages watch` comes from the embedding
// application via a BaseURLFunc; the standalone binary reads COURIER_HTTP
// and defaults to http://127.0.0.1:8080.
//
// Usage
//
//	courier messages send --from alice --to bob --body "hi"
//	courier messages fetch --user bob --limit 20
//	courier messages fetch --user bob --ack        # commit the read position
//	courier messages ack --user bob --cursor CURSOR
//	courier messages watch --user bob --limit 1    # wait for one pushed message
//
//	courier deadletters list --limit 10
//	courier stats
//
// Notes
//
//   - fetch without --cursor resumes from the receiver's committed read
//     position, so repeated `fetch --ack` calls walk the backlog once.
//   - watch registers the user as online for as long as it runs; messages
//     sent to that user are pushed instead of stored.
package client
