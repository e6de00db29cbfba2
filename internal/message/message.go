package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/courier/pkg/id"
)

// ChatMessage is a validated message owned by the delivery core. ID is
// assigned at ingestion and never changes; every downstream write is keyed
// on it.
type ChatMessage struct {
	ID            id.ID         `json:"id"`
	SenderID      string        `json:"senderId"`
	ReceiverID    string        `json:"receiverId"`
	SentAt        time.Time     `json:"sentAt"`
	Body          string        `json:"body"`
	AttachmentRef string        `json:"attachmentRef,omitempty"`
	Flagged       bool          `json:"flagged,omitempty"`
	State         DeliveryState `json:"deliveryState"`
}

// SentAtMs returns SentAt in Unix milliseconds.
func (m ChatMessage) SentAtMs() int64 { return m.SentAt.UnixMilli() }

// WithState returns a copy of m in state s.
func (m ChatMessage) WithState(s DeliveryState) ChatMessage {
	m.State = s
	return m
}

// Compare orders messages within a receiver partition by (sentAt, id).
func Compare(a, b ChatMessage) int {
	am, bm := a.SentAtMs(), b.SentAtMs()
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	}
	return a.ID.Compare(b.ID)
}

// Encode serializes m for queue and store records.
func Encode(m ChatMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", m.ID, err)
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("message: decode: %w", err)
	}
	return m, nil
}
