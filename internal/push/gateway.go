package push

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/pkg/log"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	defaultReadLimit = 4 << 10
)

// GatewayOptions configures a Gateway. Zero values pick defaults.
type GatewayOptions struct {
	// WriteWait bounds a single frame write when the caller's context has no
	// earlier deadline.
	WriteWait time.Duration
	// PongWait is how long a connection may stay silent before it is closed.
	// Pings go out at 9/10 of it, and each pong refreshes presence, so it
	// should not exceed the presence TTL.
	PongWait  time.Duration
	ReadLimit int64
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(*http.Request) bool
	Logger      log.Logger
}

// Gateway is the live push channel. It upgrades GET /ws?userId= requests,
// reports connect/heartbeat/disconnect to the presence tracker and writes
// message frames to a user's open connections.
type Gateway struct {
	tracker   presence.Tracker
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
	readLimit int64
	logger    log.Logger

	mu     sync.RWMutex
	conns  map[string]map[presence.Handle]*conn
	closed bool
}

type conn struct {
	ws     *websocket.Conn
	userID string
	handle presence.Handle
	// sem serialises writers; acquiring it honours the caller's context.
	sem       chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewGateway returns a gateway that records presence in tracker.
func NewGateway(tracker presence.Tracker, opts GatewayOptions) *Gateway {
	g := &Gateway{
		tracker:   tracker,
		writeWait: opts.WriteWait,
		pongWait:  opts.PongWait,
		readLimit: opts.ReadLimit,
		logger:    opts.Logger,
		conns:     make(map[string]map[presence.Handle]*conn),
	}
	if g.writeWait <= 0 {
		g.writeWait = defaultWriteWait
	}
	if g.pongWait <= 0 {
		g.pongWait = defaultPongWait
	}
	if g.readLimit <= 0 {
		g.readLimit = defaultReadLimit
	}
	if g.logger == nil {
		g.logger = log.Nop()
	}
	g.logger = g.logger.With(log.Component("push"))
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	g.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: check}
	return g
}

// ServeHTTP handles the websocket handshake and runs the connection's read
// loop until the peer goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, `{"error":"userId is required"}`, http.StatusBadRequest)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", log.Str("user", userID), log.Err(err))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	h, err := g.tracker.Connect(ctx, userID)
	if err != nil {
		g.logger.Error("presence connect failed", log.Str("user", userID), log.Err(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	c := &conn{ws: ws, userID: userID, handle: h, sem: make(chan struct{}, 1), done: make(chan struct{})}
	if !g.register(c) {
		_ = g.tracker.Disconnect(ctx, h)
		_ = ws.Close()
		return
	}
	g.logger.Debug("connection opened", log.Str("user", userID), log.Str("handle", string(h)))

	go g.pingLoop(c)
	g.readLoop(ctx, c)

	g.unregister(c)
	c.close()
	// heartbeat may have swapped the handle
	h = c.handle
	if err := g.tracker.Disconnect(ctx, h); err != nil && !errors.Is(err, presence.ErrUnknownHandle) {
		g.logger.Warn("presence disconnect failed", log.Str("user", userID), log.Err(err))
	}
	g.logger.Debug("connection closed", log.Str("user", userID), log.Str("handle", string(h)))
}

func (g *Gateway) register(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	byHandle := g.conns[c.userID]
	if byHandle == nil {
		byHandle = make(map[presence.Handle]*conn)
		g.conns[c.userID] = byHandle
	}
	byHandle[c.handle] = c
	return true
}

func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if byHandle := g.conns[c.userID]; byHandle != nil {
		delete(byHandle, c.handle)
		if len(byHandle) == 0 {
			delete(g.conns, c.userID)
		}
	}
}

// readLoop refreshes presence on every pong and every inbound frame.
func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(g.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	c.ws.SetPongHandler(func(string) error {
		g.heartbeat(ctx, c)
		return c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("connection read failed", log.Str("user", c.userID), log.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.pongWait))
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameHeartbeat {
			g.logger.Debug("ignoring inbound frame", log.Str("user", c.userID))
		}
		g.heartbeat(ctx, c)
	}
}

// heartbeat refreshes c's presence. A handle the tracker no longer knows
// (expired or swept) is replaced with a fresh one so the still-open socket
// counts as online again; if that fails the connection is closed and the
// client has to reconnect.
func (g *Gateway) heartbeat(ctx context.Context, c *conn) {
	err := g.tracker.Heartbeat(ctx, c.handle)
	if err == nil {
		return
	}
	if !errors.Is(err, presence.ErrUnknownHandle) {
		g.logger.Warn("presence heartbeat failed", log.Str("user", c.userID), log.Err(err))
		return
	}
	h, err := g.tracker.Connect(ctx, c.userID)
	if err != nil {
		g.logger.Error("presence reconnect failed, closing connection", log.Str("user", c.userID), log.Err(err))
		c.close()
		return
	}
	g.mu.Lock()
	if byHandle := g.conns[c.userID]; byHandle != nil {
		delete(byHandle, c.handle)
		byHandle[h] = c
	}
	old := c.handle
	c.handle = h
	g.mu.Unlock()
	g.logger.Info("presence handle expired, reconnected",
		log.Str("user", c.userID), log.Str("old", string(old)), log.Str("handle", string(h)))
}

func (g *Gateway) pingLoop(c *conn) {
	ticker := time.NewTicker(g.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Push writes m to every live connection of userID.
func (g *Gateway) Push(ctx context.Context, userID string, m message.ChatMessage) Result {
	if ctx.Err() != nil {
		return ResultTimeout
	}
	g.mu.RLock()
	targets := make([]*conn, 0, len(g.conns[userID]))
	for _, c := range g.conns[userID] {
		targets = append(targets, c)
	}
	g.mu.RUnlock()
	if len(targets) == 0 {
		return ResultUnreachable
	}
	payload, err := json.Marshal(Frame{Type: FrameMessage, Message: &m})
	if err != nil {
		g.logger.Error("encode push frame", log.Str("id", m.ID.String()), log.Err(err))
		return ResultUnreachable
	}

	res := ResultUnreachable
	for _, c := range targets {
		switch g.write(ctx, c, payload) {
		case ResultSuccess:
			res = ResultSuccess
		case ResultTimeout:
			if res != ResultSuccess {
				res = ResultTimeout
			}
		}
	}
	return res
}

func (g *Gateway) write(ctx context.Context, c *conn, payload []byte) Result {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ResultTimeout
	case <-c.done:
		return ResultUnreachable
	}
	defer func() { <-c.sem }()

	deadline := time.Now().Add(g.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteMessage(websocket.TextMessage, payload)
	if err == nil {
		return ResultSuccess
	}
	// A failed or timed-out write leaves the connection unusable.
	c.close()
	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return ResultTimeout
	}
	return ResultUnreachable
}

// Connections reports the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, byHandle := range g.conns {
		n += len(byHandle)
	}
	return n
}

// Close sends a going-away close frame to every connection and rejects new
// ones. Read loops then exit and release presence.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	var all []*conn
	for _, byHandle := range g.conns {
		for _, c := range byHandle {
			all = append(all, c)
		}
	}
	g.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range all {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.close()
	}
}
