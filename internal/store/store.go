// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Connection, Conversation, Message and the atomic turn/thread callbacks

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrTransient wraps driver failures the caller may retry
var ErrTransient = errors.New("transient store failure")

// ErrStatusConflict is returned when a connection is not in the expected status
var ErrStatusConflict = errors.New("connection status conflict")

// ErrDuplicate is returned when an entity with the same ID already exists
var ErrDuplicate = errors.New("already exists")

// ConnectionStatus is the lifecycle state of a Connection
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionDeclined ConnectionStatus = "declined"
)

// MessageType is either a question or a response
type MessageType string

const (
	MessageTypeQuestion MessageType = "question"
	MessageTypeResponse MessageType = "response"
)

// MessageFormat distinguishes typed text from recorded voice
type MessageFormat string

const (
	FormatText  MessageFormat = "text"
	FormatVoice MessageFormat = "voice"
)

// Connection is the durable pairing between an inviter and an invitee.
// It is never deleted; conversations reference it by ID.
type Connection struct {
	ID               string
	InviterEmail     string
	InviteeEmail     string
	InviterUserID    string
	InviteeUserID    string
	RelationshipType string
	InviterRole      string // optional label, e.g. "parent"
	InviteeRole      string // optional label, e.g. "child"
	Status           ConnectionStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Involves reports whether email is one side of the connection.
func (c *Connection) Involves(email string) bool {
	return email == c.InviterEmail || email == c.InviteeEmail
}

// Counterpart returns the other side of the connection, or "" if email is not a member.
func (c *Connection) Counterpart(email string) string {
	switch email {
	case c.InviterEmail:
		return c.InviteeEmail
	case c.InviteeEmail:
		return c.InviterEmail
	}
	return ""
}

// Conversation is one thread of alternating messages under a Connection.
// CurrentTurn is the single source of truth for who may write next.
type Conversation struct {
	ID                string
	ConnectionID      string
	Participant1Email string // always asks first
	Participant2Email string
	CurrentTurn       string
	RelationshipType  string
	MessageCount      int
	LastMessageType   MessageType // empty when MessageCount == 0
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// Completed reports whether every question in the thread has been answered.
func (c *Conversation) Completed() bool {
	return c.MessageCount > 0 && c.MessageCount%2 == 0
}

// AwaitingResponse reports whether the thread has an unanswered question.
func (c *Conversation) AwaitingResponse() bool {
	return c.MessageCount%2 == 1
}

// nextCreatedAt returns the timestamp for the next message of conv: proposed, or now when
// proposed is zero, but never earlier than one nanosecond past the last activity so that
// created_at stays strictly increasing within a conversation when the wall clock steps back.
func nextCreatedAt(conv *Conversation, proposed time.Time) time.Time {
	if proposed.IsZero() {
		proposed = time.Now().UTC()
	}
	if floor := conv.LastActivityAt.Add(time.Nanosecond); proposed.Before(floor) {
		return floor.UTC()
	}
	return proposed
}

// Message is immutable once appended. Seq is the acceptance order within its conversation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int
	SenderEmail    string
	Type           MessageType
	Format         MessageFormat
	Content        string
	AudioFileURL   string // voice only
	Transcription  string // voice only, optional
	CreatedAt      time.Time
}

// TurnFunc inspects the freshly read conversation and returns the message to append and the
// email of the participant who holds the turn afterwards. Returning an error aborts the apply
// without writing anything.
type TurnFunc func(conv *Conversation) (msg *Message, nextTurn string, err error)

// ThreadFunc picks the conversation a send should target. threads are ordered by most recent
// activity first. Returning a conversation that is not in threads inserts it.
type ThreadFunc func(conn *Connection, threads []*Conversation) (*Conversation, error)

// Store defines the persistence operations of the dialogue core
type Store interface {
	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnectionsForUser(ctx context.Context, email string) ([]*Connection, error)
	// UpdateConnectionStatus moves id from one status to another, failing with ErrStatusConflict
	// when the stored status is not from. A non-empty inviteeUserID is recorded with the change.
	UpdateConnectionStatus(ctx context.Context, id string, from, to ConnectionStatus, inviteeUserID string) (*Connection, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, connectionID string) ([]*Conversation, error)

	// ResolveThread runs fn against the connection and its threads in one transaction and
	// inserts the returned conversation when it is new. created reports whether it was inserted.
	ResolveThread(ctx context.Context, connectionID string, fn ThreadFunc) (conv *Conversation, created bool, err error)

	// ApplyTurn runs fn against the conversation row and, if fn accepts, appends the message and
	// advances CurrentTurn atomically. Nothing is visible to other readers unless it commits.
	ApplyTurn(ctx context.Context, conversationID string, fn TurnFunc) (*Conversation, *Message, error)

	// ResolveAndApply combines ResolveThread and ApplyTurn in one transaction. A new thread
	// picked by pick is persisted only together with the message fn accepts.
	ResolveAndApply(ctx context.Context, connectionID string, pick ThreadFunc, fn TurnFunc) (conv *Conversation, msg *Message, created bool, err error)

	// Messages, in acceptance order. If limit is 0 or negative all messages are returned.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	Ping(ctx context.Context) error
	Close() error
}
