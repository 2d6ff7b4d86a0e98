// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same atomicity guarantees

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// A single mutex makes ResolveThread and ApplyTurn atomic, mirroring the SQLite transactions.
type MockStore struct {
	mu            sync.Mutex
	connections   map[string]*Connection
	conversations map[string]*Conversation
	convOrder     map[string]int // insertion order, breaks last_activity ties
	messages      map[string][]*Message

	// FailNextApply makes the next ApplyTurn or ResolveAndApply return this error without writing.
	FailNextApply error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connections:   make(map[string]*Connection),
		conversations: make(map[string]*Conversation),
		convOrder:     make(map[string]int),
		messages:      make(map[string][]*Message),
	}
}

// CreateConnection stores a new connection.
func (m *MockStore) CreateConnection(ctx context.Context, conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[conn.ID]; exists {
		return ErrDuplicate
	}
	c := *conn
	m.connections[c.ID] = &c
	return nil
}

// GetConnection retrieves a connection by ID.
func (m *MockStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConnectionsForUser returns connections involving email, most recently updated first.
func (m *MockStore) ListConnectionsForUser(ctx context.Context, email string) ([]*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conns []*Connection
	for _, c := range m.connections {
		if c.Involves(email) {
			cc := *c
			conns = append(conns, &cc)
		}
	}
	sort.SliceStable(conns, func(i, j int) bool {
		return conns[i].UpdatedAt.After(conns[j].UpdatedAt)
	})
	return conns, nil
}

// UpdateConnectionStatus moves a connection from one status to another.
func (m *MockStore) UpdateConnectionStatus(ctx context.Context, id string, from, to ConnectionStatus, inviteeUserID string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != from {
		result := *c
		return &result, ErrStatusConflict
	}
	c.Status = to
	if inviteeUserID != "" {
		c.InviteeUserID = inviteeUserID
	}
	c.UpdatedAt = time.Now().UTC()
	result := *c
	return &result, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertConversationLocked(conv)
}

func (m *MockStore) insertConversationLocked(conv *Conversation) error {
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	c := *conv
	m.conversations[c.ID] = &c
	m.convOrder[c.ID] = len(m.convOrder)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns a connection's threads, most recent activity first.
func (m *MockStore) ListConversations(ctx context.Context, connectionID string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listConversationsLocked(connectionID), nil
}

func (m *MockStore) listConversationsLocked(connectionID string) []*Conversation {
	var convs []*Conversation
	for _, c := range m.conversations {
		if c.ConnectionID == connectionID {
			cc := *c
			convs = append(convs, &cc)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastActivityAt.Equal(convs[j].LastActivityAt) {
			return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
		}
		return m.convOrder[convs[i].ID] > m.convOrder[convs[j].ID]
	})
	return convs
}

// ResolveThread runs fn under the store lock and inserts the result if it is new.
func (m *MockStore) ResolveThread(ctx context.Context, connectionID string, fn ThreadFunc) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return nil, false, ErrNotFound
	}
	conn := *c
	threads := m.listConversationsLocked(connectionID)

	target, err := fn(&conn, threads)
	if err != nil {
		return nil, false, err
	}
	if _, exists := m.conversations[target.ID]; exists {
		return target, false, nil
	}
	if err := m.insertConversationLocked(target); err != nil {
		return nil, false, err
	}
	return target, true, nil
}

// ApplyTurn runs fn under the store lock and appends the message on acceptance.
func (m *MockStore) ApplyTurn(ctx context.Context, conversationID string, fn TurnFunc) (*Conversation, *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, nil, err
	}

	stored, ok := m.conversations[conversationID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return m.applyLocked(stored, fn)
}

// ResolveAndApply picks and appends under the store lock. A new thread is inserted only
// after fn accepts the message.
func (m *MockStore) ResolveAndApply(ctx context.Context, connectionID string, pick ThreadFunc, fn TurnFunc) (*Conversation, *Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, nil, false, err
	}

	c, ok := m.connections[connectionID]
	if !ok {
		return nil, nil, false, ErrNotFound
	}
	conn := *c
	threads := m.listConversationsLocked(connectionID)

	target, err := pick(&conn, threads)
	if err != nil {
		return nil, nil, false, err
	}

	stored, exists := m.conversations[target.ID]
	if !exists {
		candidate := *target
		stored = &candidate
	}
	conv, msg, err := m.applyLocked(stored, fn)
	if err != nil {
		return nil, nil, false, err
	}
	if !exists {
		m.conversations[stored.ID] = stored
		m.convOrder[stored.ID] = len(m.convOrder)
	}
	return conv, msg, !exists, nil
}

func (m *MockStore) takeFailure() error {
	err := m.FailNextApply
	m.FailNextApply = nil
	return err
}

// applyLocked runs fn on a copy of stored and, on acceptance, advances stored and
// appends the message.
func (m *MockStore) applyLocked(stored *Conversation, fn TurnFunc) (*Conversation, *Message, error) {
	conv := *stored

	msg, nextTurn, err := fn(&conv)
	if err != nil {
		return nil, nil, err
	}

	msg.ConversationID = conv.ID
	msg.Seq = conv.MessageCount + 1
	msg.CreatedAt = nextCreatedAt(&conv, msg.CreatedAt)
	if msg.Format == "" {
		msg.Format = FormatText
	}

	stored.CurrentTurn = nextTurn
	stored.MessageCount = msg.Seq
	stored.LastMessageType = msg.Type
	stored.LastActivityAt = msg.CreatedAt

	saved := *msg
	m.messages[conv.ID] = append(m.messages[conv.ID], &saved)

	result := *stored
	return &result, msg, nil
}

// ListMessages returns messages in acceptance order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		mm := *msg
		result = append(result, &mm)
	}
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
