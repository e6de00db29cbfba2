// Package push is the live delivery channel.
//
// A client opens GET /ws?userId=<id>. The Gateway registers the connection
// with the presence tracker, keeps it alive with ping/pong (any inbound frame
// also counts as a heartbeat) and releases presence when the read loop ends.
// The delivery router calls Push with a bounded context; a message is pushed
// as a single text frame:
//
//	{"type":"message","message":{"id":"...","senderId":"u1",...}}
//
// Push reports Success when any of the user's connections accepted the
// frame. Unreachable and Timeout are not errors; the router falls back to
// the durable store.
//
// With several instances behind shared presence, a Relay wraps the Gateway.
// Pushes that find no local connection are published on a Bus (Redis
// pub/sub in production, MemoryBus in process) and answered by the instance
// that holds the socket:
//
//	{prefix}:push          requests, every instance subscribes
//	{prefix}:reply:{reqId}  one result per answering instance
package push
