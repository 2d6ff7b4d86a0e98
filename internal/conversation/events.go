// ABOUTME: Outbound ports of the conversation layer: realtime publisher and notifier
// ABOUTME: Payload types here are the JSON bodies of realtime frames

package conversation

import (
	"github.com/2389/parley-gateway/internal/notify"
)

// NewMessageEvent is pushed to both participants after a message is accepted.
type NewMessageEvent struct {
	ConversationID   string `json:"conversationId"`
	ConnectionID     string `json:"connectionId"`
	MessageID        string `json:"messageId"`
	Seq              int    `json:"seq"`
	SenderEmail      string `json:"senderEmail"`
	SenderName       string `json:"senderName"`
	MessageType      string `json:"messageType"`
	RelationshipType string `json:"relationshipType"`
	CurrentTurn      string `json:"currentTurn"`
}

// ConnectionUpdateEvent is pushed when a connection is created, accepted or declined.
type ConnectionUpdateEvent struct {
	ConnectionID     string `json:"connectionId"`
	Status           string `json:"status"`
	InviterEmail     string `json:"inviterEmail"`
	InviteeEmail     string `json:"inviteeEmail"`
	RelationshipType string `json:"relationshipType"`
}

// EventPublisher pushes events to a user's realtime channels. Delivery is best effort;
// an error means the recipient had no open channel or it was full.
type EventPublisher interface {
	PublishNewMessage(recipient string, ev NewMessageEvent) error
	PublishConnectionUpdate(recipient string, ev ConnectionUpdateEvent) error
}

// Notifier accepts notification events without blocking.
type Notifier interface {
	Enqueue(ev notify.Event) error
}

type nopPublisher struct{}

func (nopPublisher) PublishNewMessage(string, NewMessageEvent) error             { return nil }
func (nopPublisher) PublishConnectionUpdate(string, ConnectionUpdateEvent) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Enqueue(notify.Event) error { return nil }
