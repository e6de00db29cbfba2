package message

import (
	"errors"
	"fmt"
)

// Kind classifies failures along the delivery path.
type Kind string

const (
	// KindValidation is the caller's fault. Surfaced synchronously, never retried.
	KindValidation Kind = "VALIDATION"
	// KindTransientInfra means the queue or store is momentarily unavailable.
	// Handled by nack and backoff.
	KindTransientInfra Kind = "TRANSIENT_INFRA"
	// KindPushUnavailable marks the fallback path to persistence. Not an outcome failure.
	KindPushUnavailable Kind = "PUSH_UNAVAILABLE"
	// KindPoison is a message that exhausted its retries and was dead-lettered.
	KindPoison Kind = "POISON_MESSAGE"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := "courier"
	if e.Op != "" {
		prefix = "courier: " + e.Op
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (%s)", prefix, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s): %v", prefix, e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Validation builds a KindValidation error.
func Validation(reason string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Reason: reason}
}

// Transient wraps an infrastructure failure from op.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransientInfra, Op: op, Reason: "infrastructure unavailable", Err: err}
}

// PushUnavailable records why a live push fell back to persistence.
func PushUnavailable(reason string) *Error {
	return &Error{Kind: KindPushUnavailable, Op: "push", Reason: reason}
}

// Poison marks a message as dead-lettered after attempts deliveries.
func Poison(attempts uint32, cause error) *Error {
	return &Error{Kind: KindPoison, Op: "route", Reason: fmt.Sprintf("exhausted after %d attempts", attempts), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
