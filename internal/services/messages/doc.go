// Package messages is the service layer behind the HTTP and gRPC servers.
//
// Submit validates and enqueues; the delivery workers take it from there.
// Fetch and AckRead expose the receiver's offline log with an opaque cursor
// and per-message read markers. ListDeadLetters and GetDeadLetter are
// read-only views of messages that exhausted their retries.
//
// Errors carry a message.Kind: VALIDATION maps to a client error, anything
// else to a server error.
package messages
