package message

import "fmt"

// DeliveryState is the lifecycle position of a message.
type DeliveryState uint8

const (
	StateQueued DeliveryState = iota
	StateDelivered
	StatePersisted
	StateFailed
	StateRetrying
	StateDeadLettered
)

var stateNames = map[DeliveryState]string{
	StateQueued:       "Queued",
	StateDelivered:    "Delivered",
	StatePersisted:    "Persisted",
	StateFailed:       "Failed",
	StateRetrying:     "Retrying",
	StateDeadLettered: "DeadLettered",
}

func (s DeliveryState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("DeliveryState(%d)", uint8(s))
}

// Terminal reports whether no further transition is expected.
// Delivered and Persisted end the delivery attempt; DeadLettered ends the message.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StatePersisted || s == StateDeadLettered
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("message: unknown delivery state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("message: unknown delivery state %q", string(b))
}

var transitions = map[DeliveryState][]DeliveryState{
	StateQueued:   {StateDelivered, StatePersisted, StateFailed, StateDeadLettered},
	StateFailed:   {StateRetrying, StateDeadLettered},
	StateRetrying: {StateQueued},
}

// CanTransition reports whether from -> to is a legal step.
// Queued -> DeadLettered covers entries whose attempts were exhausted by
// lease reclaim before they could be routed again.
func CanTransition(from, to DeliveryState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
