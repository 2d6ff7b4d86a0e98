// ABOUTME: In-memory fan-out from identities to their open realtime channels
// ABOUTME: One identity may hold several channels (tabs, devices); delivery never blocks

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrChannelUnavailable is returned by Publish when no channel of the identity accepted the frame.
var ErrChannelUnavailable = errors.New("channel unavailable")

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster maps an identity (email) to the frame channels of its open sockets.
// It lives for the server's lifetime and is torn down with Close.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Frame // email -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Frame),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a channel for frames addressed to email.
// Returns the channel and a subscription ID for Unsubscribe. The subscription is
// removed automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, email string) (<-chan *Frame, string) {
	subID := uuid.New().String()
	ch := make(chan *Frame, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[email]; !ok {
		b.subscribers[email] = make(map[string]chan *Frame)
	}
	b.subscribers[email][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "email", email, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(email, subID)
	}()

	return ch, subID
}

// Publish offers frame to every channel of email and returns how many accepted it.
// Full channels drop the frame. ErrChannelUnavailable means nobody received it.
func (b *Broadcaster) Publish(email string, frame *Frame) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[email]
	if len(subs) == 0 {
		return 0, ErrChannelUnavailable
	}

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from closing
	// a channel mid-send.
	delivered := 0
	for subID, ch := range subs {
		select {
		case ch <- frame:
			delivered++
		default:
			b.logger.Debug("dropped frame for slow subscriber", "email", email, "sub_id", subID, "type", frame.Type)
		}
	}

	if delivered == 0 {
		return 0, ErrChannelUnavailable
	}
	return delivered, nil
}

// Connected returns the number of open channels for email.
func (b *Broadcaster) Connected(email string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[email])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(email, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[email]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, email)
	}

	b.logger.Debug("subscriber removed", "email", email, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for email, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, email)
	}

	b.logger.Debug("broadcaster closed")
}
