// ABOUTME: Realtime websocket client: subscribes, keeps the channel alive and reconnects
// ABOUTME: Reconnects with capped exponential backoff and drops pushes already delivered

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/realtime"
)

// ErrDisconnected is returned by Run when every reconnect attempt failed.
var ErrDisconnected = errors.New("realtime channel disconnected")

// Reconnect defaults: 1s, 2s, 4s, 8s, 16s, never more than 30s apart.
const (
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultReconnectAttempts = 5
	DefaultKeepAlive         = 25 * time.Second

	defaultEventBuffer = 64
	dialTimeout        = 10 * time.Second
	readLimit          = 64 * 1024
)

// Status is the client's view of its realtime channel.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected // gave up after the last reconnect attempt
	StatusClosed       // stopped by the caller or a normal close
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Event is one decoded push. Exactly one of the payload fields is set.
type Event struct {
	Type             string
	NewMessage       *conversation.NewMessageEvent
	ConnectionUpdate *conversation.ConnectionUpdateEvent
}

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8080/ws?email=a@x.com.
	URL    string
	Header http.Header

	KeepAlive         time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	EventBuffer       int
	DedupeTTL         time.Duration
}

func (c *RealtimeConfig) applyDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
}

// RealtimeClient holds one subscribed realtime channel open and survives dropped sockets.
type RealtimeClient struct {
	cfg    RealtimeConfig
	events chan Event
	seen   *dedupe.Cache
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	watchers []func(Status)
}

// NewRealtimeClient creates a client. Call Run to connect.
func NewRealtimeClient(cfg RealtimeConfig, logger *slog.Logger) *RealtimeClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &RealtimeClient{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		seen:   dedupe.New(cfg.DedupeTTL, 0),
		logger: logger.With("component", "realtime_client"),
	}
}

// Events delivers decoded pushes. It is closed when Run returns.
func (c *RealtimeClient) Events() <-chan Event {
	return c.events
}

// Status returns the current channel status.
func (c *RealtimeClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers fn to be called on every status change. Callbacks run on the
// client's goroutine and must not block.
func (c *RealtimeClient) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

func (c *RealtimeClient) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	watchers := append([]func(Status){}, c.watchers...)
	c.mu.Unlock()

	c.logger.Debug("realtime status", "status", s.String())
	for _, fn := range watchers {
		fn(s)
	}
}

// newReconnectBackOff returns the wait schedule between reconnect attempts.
func newReconnectBackOff(cfg RealtimeConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBase
	b.Multiplier = 2
	b.MaxInterval = cfg.ReconnectMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(cfg.ReconnectAttempts))
}

// Run connects, subscribes and delivers events until ctx is cancelled, the server closes
// the channel normally, or reconnecting fails. It returns nil in the first two cases and an
// error wrapping ErrDisconnected in the last. The first dial is not retried.
func (c *RealtimeClient) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.seen.Close()

	c.setStatus(StatusConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}

	for {
		err := c.serve(ctx, conn)
		switch {
		case ctx.Err() != nil:
			c.setStatus(StatusClosed)
			return nil
		case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
			c.logger.Info("realtime channel closed by server")
			c.setStatus(StatusClosed)
			return nil
		}
		c.logger.Warn("realtime channel dropped", "error", err)

		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(StatusClosed)
				return nil
			}
			c.setStatus(StatusDisconnected)
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
}

func (c *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime channel: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dialing realtime channel: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// reconnect waits out the backoff schedule between dial attempts.
func (c *RealtimeClient) reconnect(ctx context.Context) (*websocket.Conn, error) {
	c.setStatus(StatusReconnecting)
	b := newReconnectBackOff(c.cfg)

	var lastErr error
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, lastErr
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.logger.Info("realtime channel reconnected", "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "next_wait", wait, "error", err)
	}
}

// serve subscribes on conn and reads until the socket fails or ctx ends.
func (c *RealtimeClient) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.write(sessionCtx, conn, realtime.Frame{Type: realtime.FrameSubscribeDashboard}); err != nil {
		return err
	}
	c.setStatus(StatusConnected)

	go c.keepalive(sessionCtx, conn)

	for {
		var f realtime.Frame
		if err := wsjson.Read(sessionCtx, conn, &f); err != nil {
			return err
		}
		c.handle(sessionCtx, &f)
	}
}

func (c *RealtimeClient) write(ctx context.Context, conn *websocket.Conn, f realtime.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, f)
}

// keepalive sends application pings; the server answers with pong frames.
func (c *RealtimeClient) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, conn, realtime.Frame{Type: realtime.FramePing}); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func (c *RealtimeClient) handle(ctx context.Context, f *realtime.Frame) {
	var ev Event
	var key string

	switch f.Type {
	case realtime.FrameNewMessage:
		var m conversation.NewMessageEvent
		if err := f.Decode(&m); err != nil {
			c.logger.Warn("dropping malformed frame", "type", f.Type, "error", err)
			return
		}
		ev = Event{Type: f.Type, NewMessage: &m}
		key = dedupe.Key(f.Type, m.MessageID)
	case realtime.FrameConnectionUpdate:
		var u conversation.ConnectionUpdateEvent
		if err := f.Decode(&u); err != nil {
			c.logger.Warn("dropping malformed frame", "type", f.Type, "error", err)
			return
		}
		ev = Event{Type: f.Type, ConnectionUpdate: &u}
		key = dedupe.Key(f.Type, u.ConnectionID+":"+u.Status)
	case realtime.FrameSubscribed, realtime.FramePong:
		return
	case realtime.FrameError:
		c.logger.Warn("gateway reported a channel error", "error", f.Error)
		return
	default:
		c.logger.Debug("ignoring unknown frame", "type", f.Type)
		return
	}

	if c.seen.Seen(key) {
		c.logger.Debug("dropping duplicate push", "key", key)
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
		c.seen.Forget(key)
	}
}
