package store

import (
	"context"
	"iter"
)

// Scan lazily walks a receiver's log from the given cursor, fetching pageSize
// messages at a time. Each yielded cursor resumes right after its message,
// so a consumer that stops early can restart from the last one it handled.
func Scan(ctx context.Context, s Store, receiverID string, from Cursor, pageSize int) iter.Seq2[StoredMessage, error] {
	return func(yield func(StoredMessage, error) bool) {
		cur := from
		for {
			page, err := s.FetchSince(ctx, receiverID, cur, pageSize)
			if err != nil {
				yield(StoredMessage{}, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if !page.HasMore || len(page.Messages) == 0 {
				return
			}
			cur = page.NextCursor
		}
	}
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m StoredMessage) Cursor { return cursorFor(m.ChatMessage) }
