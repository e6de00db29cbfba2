package push

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/pkg/log"
)

const defaultRelayPrefix = "courier"

// RelayOptions configures a Relay. Zero values pick defaults.
type RelayOptions struct {
	// Instance names this server on the bus. Defaults to a random id.
	Instance string
	// Prefix namespaces the bus channels. Defaults to "courier".
	Prefix string
	Logger log.Logger
}

// Relay extends a local Pusher across instances. A push that finds no
// local connection is published on {prefix}:push; every other instance
// running Run tries its own connections and answers on a per-request reply
// channel, so the caller still learns whether anyone accepted the frame.
type Relay struct {
	local    Pusher
	bus      Bus
	instance string
	prefix   string
	logger   log.Logger

	listening atomic.Bool
}

type relayRequest struct {
	ID         string              `json:"id"`
	Origin     string              `json:"origin"`
	UserID     string              `json:"userId"`
	DeadlineMs int64               `json:"deadlineMs,omitempty"`
	Message    message.ChatMessage `json:"message"`
}

type relayReply struct {
	Instance string `json:"instance"`
	Result   Result `json:"result"`
}

// NewRelay wraps local, usually the instance's Gateway.
func NewRelay(local Pusher, bus Bus, opts RelayOptions) *Relay {
	r := &Relay{local: local, bus: bus, instance: opts.Instance, prefix: opts.Prefix, logger: opts.Logger}
	if r.instance == "" {
		r.instance = uuid.NewString()
	}
	if r.prefix == "" {
		r.prefix = defaultRelayPrefix
	}
	if r.logger == nil {
		r.logger = log.Nop()
	}
	r.logger = r.logger.With(log.Component("relay"), log.Str("instance", r.instance))
	return r
}

func (r *Relay) channel(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

// Instance returns the id this relay answers with.
func (r *Relay) Instance() string { return r.instance }

// Listening reports whether Run is subscribed and answering requests.
func (r *Relay) Listening() bool { return r.listening.Load() }

// Push tries local connections first, then the other instances.
func (r *Relay) Push(ctx context.Context, userID string, m message.ChatMessage) Result {
	res := r.local.Push(ctx, userID, m)
	if res == ResultSuccess || ctx.Err() != nil {
		return res
	}

	req := relayRequest{ID: uuid.NewString(), Origin: r.instance, UserID: userID, Message: m}
	if d, ok := ctx.Deadline(); ok {
		req.DeadlineMs = d.UnixMilli()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		r.logger.Error("encode relay request", log.Str("id", m.ID.String()), log.Err(err))
		return res
	}
	replies, err := r.bus.Subscribe(ctx, r.channel("reply", req.ID))
	if err != nil {
		r.logger.Warn("relay subscribe failed", log.Str("user", userID), log.Err(err))
		return res
	}
	defer replies.Close()

	n, err := r.bus.Publish(ctx, r.channel("push"), payload)
	if err != nil {
		r.logger.Warn("relay publish failed", log.Str("user", userID), log.Err(err))
		return res
	}
	if r.listening.Load() {
		// our own listener ignores the request
		n--
	}
	for ; n > 0; n-- {
		select {
		case <-ctx.Done():
			return ResultTimeout
		case raw, ok := <-replies.C():
			if !ok {
				return res
			}
			var rep relayReply
			if err := json.Unmarshal(raw, &rep); err != nil {
				r.logger.Debug("ignoring malformed relay reply", log.Err(err))
				continue
			}
			switch rep.Result {
			case ResultSuccess:
				r.logger.Debug("relayed push accepted", log.Str("user", userID), log.Str("by", rep.Instance))
				return ResultSuccess
			case ResultTimeout:
				res = ResultTimeout
			}
		}
	}
	return res
}

// Run answers other instances' relay requests until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, r.channel("push"))
	if err != nil {
		return err
	}
	defer sub.Close()
	r.listening.Store(true)
	defer r.listening.Store(false)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub.C():
			if !ok {
				return nil
			}
			var req relayRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				r.logger.Debug("ignoring malformed relay request", log.Err(err))
				continue
			}
			if req.Origin == r.instance {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.serve(ctx, req)
			}()
		}
	}
}

func (r *Relay) serve(ctx context.Context, req relayRequest) {
	pushCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.DeadlineMs > 0 {
		pushCtx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.DeadlineMs))
	}
	res := r.local.Push(pushCtx, req.UserID, req.Message)
	cancel()

	payload, err := json.Marshal(relayReply{Instance: r.instance, Result: res})
	if err != nil {
		return
	}
	// The push deadline may have just passed; the reply still has to go out.
	replyCtx, cancelReply := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancelReply()
	if _, err := r.bus.Publish(replyCtx, r.channel("reply", req.ID), payload); err != nil {
		r.logger.Warn("relay reply failed", log.Str("request", req.ID), log.Err(err))
	}
}
