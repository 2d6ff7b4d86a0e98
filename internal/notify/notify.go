// ABOUTME: Notification events handed to the external email/SMS service
// ABOUTME: Defines the Notifier port, the Event payload and markdown previews

package notify

import (
	"bytes"
	"context"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
)

// Kind identifies which state transition produced an event.
type Kind string

const (
	KindNewMessage       Kind = "new_message"
	KindInvitation       Kind = "invitation"
	KindConnectionUpdate Kind = "connection_update"
)

// previewLimit bounds the message text rendered into notification previews.
const previewLimit = 280

// Event is one notification request. ID is stable across redeliveries so the receiving
// service can drop duplicates.
type Event struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Recipient        string    `json:"recipient"`
	SenderEmail      string    `json:"senderEmail,omitempty"`
	ConnectionID     string    `json:"connectionId,omitempty"`
	ConversationID   string    `json:"conversationId,omitempty"`
	MessageType      string    `json:"messageType,omitempty"`
	RelationshipType string    `json:"relationshipType,omitempty"`
	Status           string    `json:"status,omitempty"`
	PreviewText      string    `json:"previewText,omitempty"`
	PreviewHTML      string    `json:"previewHtml,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Notifier delivers a single event. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

var md = goldmark.New()

// Preview truncates content and renders it to HTML for email templates.
// Rendering failures fall back to an empty HTML preview; the text preview is always set.
func Preview(content string) (text, html string) {
	text = truncate(content, previewLimit)
	if text == "" {
		return "", ""
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return text, ""
	}
	return text, buf.String()
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
