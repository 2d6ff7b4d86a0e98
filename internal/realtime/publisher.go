// ABOUTME: Adapter from conversation events to broadcaster frames
// ABOUTME: Records fan-out outcomes; failures are returned for logging only

package realtime

import (
	"errors"

	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/metrics"
)

// Publisher implements conversation.EventPublisher on top of a Broadcaster.
type Publisher struct {
	broadcaster *Broadcaster
}

// NewPublisher wraps b.
func NewPublisher(b *Broadcaster) *Publisher {
	return &Publisher{broadcaster: b}
}

func (p *Publisher) PublishNewMessage(recipient string, ev conversation.NewMessageEvent) error {
	return p.publish(recipient, FrameNewMessage, ev)
}

func (p *Publisher) PublishConnectionUpdate(recipient string, ev conversation.ConnectionUpdateEvent) error {
	return p.publish(recipient, FrameConnectionUpdate, ev)
}

func (p *Publisher) publish(recipient, frameType string, data any) error {
	frame, err := NewFrame(frameType, data)
	if err != nil {
		return err
	}

	_, err = p.broadcaster.Publish(recipient, frame)
	switch {
	case err == nil:
		metrics.RecordFanout(frameType, "delivered")
	case errors.Is(err, ErrChannelUnavailable):
		metrics.RecordFanout(frameType, "unavailable")
	default:
		metrics.RecordFanout(frameType, "error")
	}
	return err
}

var _ conversation.EventPublisher = (*Publisher)(nil)
