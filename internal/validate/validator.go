package validate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/id"
)

const (
	DefaultMaxBodyLength   = 4096
	DefaultMaxClockSkew    = 5 * time.Minute
	maxUserIDLength        = 256
	maxAttachmentRefLength = 512
)

// Raw is the unvalidated ingress shape.
type Raw struct {
	SenderID      string     `json:"senderId"`
	ReceiverID    string     `json:"receiverId"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	Body          string     `json:"body"`
	AttachmentRef string     `json:"attachmentRef,omitempty"`
}

// Options configures a Validator. Zero values pick defaults, except
// MaxClockSkew where zero is a valid tolerance.
type Options struct {
	// MaxBodyLength bounds the body in runes.
	MaxBodyLength int
	// MaxClockSkew is how far ahead of server time a client sentAt may be.
	// Zero accepts no future timestamps; negative picks DefaultMaxClockSkew.
	MaxClockSkew time.Duration
	Classifier   Classifier
	Clock        clock.Clock
	IDs          *id.Generator
}

// Validator turns Raw input into a ChatMessage or a validation error.
type Validator struct {
	maxBody    int
	maxSkew    time.Duration
	classifier Classifier
	clock      clock.Clock
	ids        *id.Generator
}

func New(opts Options) *Validator {
	v := &Validator{
		maxBody:    opts.MaxBodyLength,
		maxSkew:    opts.MaxClockSkew,
		classifier: opts.Classifier,
		clock:      opts.Clock,
		ids:        opts.IDs,
	}
	if v.maxBody <= 0 {
		v.maxBody = DefaultMaxBodyLength
	}
	if v.maxSkew < 0 {
		v.maxSkew = DefaultMaxClockSkew
	}
	if v.classifier == nil {
		v.classifier = AcceptAll
	}
	if v.clock == nil {
		v.clock = clock.System{}
	}
	if v.ids == nil {
		v.ids = id.NewGenerator()
	}
	return v
}

// Validate checks raw, consults the content policy, and on success assigns
// the id and a trusted sentAt. The returned message is in state Queued.
func (v *Validator) Validate(ctx context.Context, raw Raw) (message.ChatMessage, error) {
	sender := strings.TrimSpace(raw.SenderID)
	receiver := strings.TrimSpace(raw.ReceiverID)
	switch {
	case sender == "":
		return message.ChatMessage{}, message.Validation("senderId is required")
	case receiver == "":
		return message.ChatMessage{}, message.Validation("receiverId is required")
	case len(sender) > maxUserIDLength || len(receiver) > maxUserIDLength:
		return message.ChatMessage{}, message.Validation("user id too long")
	case strings.TrimSpace(raw.Body) == "":
		return message.ChatMessage{}, message.Validation("body is required")
	}
	if n := utf8.RuneCountInString(raw.Body); n > v.maxBody {
		return message.ChatMessage{}, message.Validation(fmt.Sprintf("body has %d characters, limit is %d", n, v.maxBody))
	}
	if !utf8.ValidString(raw.Body) {
		return message.ChatMessage{}, message.Validation("body is not valid UTF-8")
	}
	ref := strings.TrimSpace(raw.AttachmentRef)
	if len(ref) > maxAttachmentRefLength {
		return message.ChatMessage{}, message.Validation("attachmentRef too long")
	}
	if strings.Contains(ref, "://") {
		return message.ChatMessage{}, message.Validation("attachmentRef must be an opaque reference, not a URL")
	}

	now := v.clock.Now()
	m := message.ChatMessage{
		SenderID:      sender,
		ReceiverID:    receiver,
		SentAt:        v.trustedSentAt(raw.SentAt, now),
		Body:          raw.Body,
		AttachmentRef: ref,
		State:         message.StateQueued,
	}

	verdict, err := v.classifier.Classify(ctx, m)
	if err != nil {
		// An unavailable policy tags instead of blocking.
		verdict = Flag
	}
	switch verdict {
	case Reject:
		return message.ChatMessage{}, message.Validation("rejected by content policy")
	case Flag:
		m.Flagged = true
	}

	m.ID = v.ids.Next()
	return m, nil
}

// trustedSentAt keeps the client timestamp unless it is absent, pre-epoch,
// or further in the future than the skew tolerance.
func (v *Validator) trustedSentAt(client *time.Time, now time.Time) time.Time {
	ts := now
	if client != nil && !client.IsZero() && client.UnixMilli() > 0 && !client.After(now.Add(v.maxSkew)) {
		ts = *client
	}
	return time.UnixMilli(ts.UnixMilli()).UTC()
}
