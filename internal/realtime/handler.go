// ABOUTME: WebSocket endpoint for realtime dashboard updates
// ABOUTME: Per-socket state machine Connecting -> Open -> Subscribed -> Closed with keepalive pings

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/parley-gateway/internal/metrics"
)

// State is the lifecycle of one realtime channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IdentityFunc resolves the email a socket request belongs to.
type IdentityFunc func(r *http.Request) (string, error)

// HandlerConfig tunes the websocket endpoint.
type HandlerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	ReadLimit      int64
	OriginPatterns []string
}

func (c *HandlerConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 8 << 10
	}
}

// Handler serves the realtime websocket.
type Handler struct {
	broadcaster *Broadcaster
	identify    IdentityFunc
	cfg         HandlerConfig
	logger      *slog.Logger

	mu       sync.Mutex
	channels map[*channel]struct{}
}

// NewHandler creates the websocket handler. Pass nil logger for default.
func NewHandler(b *Broadcaster, identify IdentityFunc, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Handler{
		broadcaster: b,
		identify:    identify,
		cfg:         cfg,
		logger:      logger.With("component", "realtime"),
		channels:    make(map[*channel]struct{}),
	}
}

// channel is one accepted socket.
type channel struct {
	h      *Handler
	conn   *websocket.Conn
	email  string
	send   chan *Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	subID string
}

func (c *channel) setState(s State) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.mu.Unlock()
	c.h.logger.Debug("channel state", "email", c.email, "from", from, "to", s)
}

// State returns the current state.
func (c *channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServeHTTP upgrades the request and runs the channel until the peer disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email, err := h.identify(r)
	if err != nil || email == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", "email", email, "error", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	// r.Context() is cancelled when ServeHTTP returns, which is after teardown
	ctx, cancel := context.WithCancel(context.Background())
	c := &channel{
		h:      h,
		conn:   conn,
		email:  email,
		send:   make(chan *Frame, h.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
	}
	c.setState(StateOpen)

	h.add(c)
	defer h.remove(c)

	metrics.RealtimeChannels.Inc()
	defer metrics.RealtimeChannels.Dec()

	h.logger.Info("realtime channel opened", "email", email)

	var wg sync.WaitGroup
	wg.Go(c.writePump)
	wg.Go(c.keepalive)
	c.readPump()

	c.cancel()
	wg.Wait()
	c.teardown()
}

func (h *Handler) add(c *channel) {
	h.mu.Lock()
	h.channels[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) remove(c *channel) {
	h.mu.Lock()
	delete(h.channels, c)
	h.mu.Unlock()
}

// Open returns the number of sockets currently served.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Close disconnects every open socket with StatusGoingAway.
func (h *Handler) Close() {
	h.mu.Lock()
	channels := make([]*channel, 0, len(h.channels))
	for c := range h.channels {
		channels = append(channels, c)
	}
	h.mu.Unlock()

	for _, c := range channels {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

func (c *channel) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.h.logger.Info("realtime channel closed", "email", c.email, "status", status)
			} else {
				c.h.logger.Info("realtime channel lost", "email", c.email, "status", status, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendError("binary frames are not supported")
			continue
		}
		c.handleText(data)
	}
}

func (c *channel) handleText(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError("invalid JSON")
		return
	}

	switch f.Type {
	case FrameSubscribeDashboard:
		c.subscribe()
	case FramePing:
		c.enqueue(&Frame{Type: FramePong})
	default:
		c.sendError("unknown frame type: " + f.Type)
	}
}

// subscribe attaches the channel to the broadcaster. Repeated subscribes are acknowledged
// without registering twice.
func (c *channel) subscribe() {
	c.mu.Lock()
	already := c.subID != ""
	c.mu.Unlock()

	if !already {
		frames, subID := c.h.broadcaster.Subscribe(c.ctx, c.email)
		c.mu.Lock()
		c.subID = subID
		c.mu.Unlock()
		c.setState(StateSubscribed)

		go c.forward(frames)
	}
	c.enqueue(&Frame{Type: FrameSubscribed})
}

// forward copies broadcaster frames into the socket's send queue.
func (c *channel) forward(frames <-chan *Frame) {
	for f := range frames {
		c.enqueue(f)
	}
}

func (c *channel) enqueue(f *Frame) {
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	default:
		c.h.logger.Warn("dropping frame for slow client", "email", c.email, "type", f.Type)
	}
}

func (c *channel) sendError(msg string) {
	c.enqueue(&Frame{Type: FrameError, Error: msg})
}

func (c *channel) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				c.h.logger.Error("failed to encode frame", "type", f.Type, "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.h.cfg.WriteTimeout)
			err = c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// keepalive pings the peer and closes the channel when a pong does not arrive in time.
func (c *channel) keepalive() {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.h.cfg.PongTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					// An unresponsive peer will not complete a close handshake.
					c.h.logger.Info("pong timeout, closing channel", "email", c.email, "error", err)
					_ = c.conn.CloseNow()
				}
				c.cancel()
				return
			}
		}
	}
}

func (c *channel) teardown() {
	c.mu.Lock()
	subID := c.subID
	c.mu.Unlock()

	if subID != "" {
		c.h.broadcaster.Unsubscribe(c.email, subID)
	}
	c.setState(StateClosed)
}
