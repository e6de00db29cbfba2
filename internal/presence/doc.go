// Package presence tracks which users have live connections.
//
// Records are created on Connect, refreshed on Heartbeat, and removed on
// Disconnect or once their TTL passes without a heartbeat. Readers get a
// Snapshot that is eventually consistent: a user may connect right after a
// snapshot said offline, which the delivery path tolerates by persisting.
//
// MemoryTracker serves a single instance; RedisTracker shares state across
// instances through go-redis. Shared presence only says a user is online
// somewhere: reaching a socket held by another instance goes through
// push.Relay.
package presence
