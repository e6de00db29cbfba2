// Package message defines the chat message model shared by every stage of
// the delivery core, its lifecycle states, and the error taxonomy used to
// decide between rejecting, retrying, falling back, and dead-lettering.
package message
