// Package queue implements the durable delivery queue on Pebble.
//
// Entries are delivered at least once. Dequeue leases an entry to a single
// consumer; Ack deletes it, Nack returns it (immediately or after a backoff
// delay) with its attempt counter incremented, and a lease that expires
// without either is reclaimed by the sweeper and counted as an attempt.
// Exactly-once observation is left to downstream writes keyed on message id.
//
// # Message Lifecycle
//
//  1. Enqueue: record written with attempts=0, indexed as ready
//  2. Dequeue: oldest ready entry leased (lease + lease expiry index)
//  3. Ack/Remove: record, lease and index deleted
//  4. Nack: attempts+1, lease dropped, entry delayed or ready again
//  5. Expiry: sweeper reclaims the lease, attempts+1, entry ready again
package queue
