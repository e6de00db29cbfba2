// Package delivery moves queued messages to their terminal state.
//
// Workers in a Pool dequeue leased entries and hand them to the Router:
//
//	receiver online  -> push (bounded by PushTimeout) -> ack, Delivered
//	offline / push failed -> store.Upsert -> ack, Persisted
//	upsert failed    -> Coordinator.Fail -> nack with Backoff, or
//	                    dead-letter + alert + remove once attempts > MaxAttempts
//
// Presence is only read here. Backoff is min(base*2^attempts, max).
package delivery
