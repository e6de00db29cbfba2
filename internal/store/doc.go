// Package store persists messages for recipients that were not reachable
// live. The log is partitioned by receiver and ordered by (sentAt, id);
// upserts are idempotent on message id so queue redelivery never creates
// duplicate rows. Pages are addressed by opaque cursors.
//
// Acknowledgement is tracked per row rather than as a single position: every
// upsert takes the next per-receiver arrival sequence and leaves an unread
// marker. Committing a cursor clears the markers at or before its position
// whose arrival is covered by the cursor's snapshot, so a message stored late
// with an early sentAt is still returned by the next UnreadStart walk.
//
// Two backends are provided: PebbleStore, sharing the server's embedded
// Pebble DB, and DynamoStore, a single-table DynamoDB layout.
package store
