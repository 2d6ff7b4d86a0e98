// ABOUTME: Thread manager: lists a connection's threads and picks the one a send targets
// ABOUTME: Enforces one open exchange per pair while completed threads accumulate

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/turn"
)

// errGateRequired makes ResolveThread return so the gate can be asked outside the transaction.
var errGateRequired = errors.New("gate check required")

// ThreadSummary is the list view of one conversation.
type ThreadSummary struct {
	ID                string            `json:"id"`
	ConnectionID      string            `json:"connectionId"`
	Participant1Email string            `json:"participant1Email"`
	Participant2Email string            `json:"participant2Email"`
	CurrentTurn       string            `json:"currentTurn"`
	NextType          store.MessageType `json:"nextType"`
	MessageCount      int               `json:"messageCount"`
	LastMessageType   store.MessageType `json:"lastMessageType,omitempty"`
	Completed         bool              `json:"completed"`
	AwaitingResponse  bool              `json:"awaitingResponse"`
	CreatedAt         time.Time         `json:"createdAt"`
	LastActivityAt    time.Time         `json:"lastActivityAt"`
}

// Summarize builds the list view of a conversation.
func Summarize(c *store.Conversation) ThreadSummary {
	return ThreadSummary{
		ID:                c.ID,
		ConnectionID:      c.ConnectionID,
		Participant1Email: c.Participant1Email,
		Participant2Email: c.Participant2Email,
		CurrentTurn:       c.CurrentTurn,
		NextType:          turn.Expected(turn.FromConversation(c)),
		MessageCount:      c.MessageCount,
		LastMessageType:   c.LastMessageType,
		Completed:         c.Completed(),
		AwaitingResponse:  c.AwaitingResponse(),
		CreatedAt:         c.CreatedAt,
		LastActivityAt:    c.LastActivityAt,
	}
}

// ListThreads returns the threads of a connection, most recently active first.
// It reads storage on every call.
func (s *Service) ListThreads(ctx context.Context, connectionID string) ([]ThreadSummary, error) {
	if _, err := s.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}

	convs, err := s.store.ListConversations(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	summaries := make([]ThreadSummary, 0, len(convs))
	for _, c := range convs {
		summaries = append(summaries, Summarize(c))
	}
	return summaries, nil
}

// ResolveTargetConversation decides which thread a send from sender targets.
//
// With newQuestion false the most recently active thread is returned. With newQuestion
// true a new thread is opened, owned by sender, provided sender holds the turn in the
// latest thread, that thread is completed, no thread awaits a response and the gate
// allows it. The first thread of a connection is created lazily for the inviter.
// created reports whether a thread was inserted by this call.
func (s *Service) ResolveTargetConversation(ctx context.Context, connectionID, senderEmail string, newQuestion bool) (*store.Conversation, bool, error) {
	senderEmail = normalizeEmail(senderEmail)
	gateCleared := false
	var gateUser string
	var first bool

	for {
		conv, created, err := s.store.ResolveThread(ctx, connectionID, func(conn *store.Connection, threads []*store.Conversation) (*store.Conversation, error) {
			gateUser = userIDFor(conn, senderEmail)
			first = len(threads) == 0
			return pickThread(conn, threads, senderEmail, newQuestion, gateCleared)
		})

		if errors.Is(err, errGateRequired) && !gateCleared {
			if !s.allowThread(ctx, gateUser) {
				return nil, false, ErrThreadCreationDenied
			}
			gateCleared = true
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
		}
		if err != nil {
			return nil, false, err
		}

		if created {
			s.threadCreated(conv, first, newQuestion)
		}
		return conv, created, nil
	}
}

func (s *Service) threadCreated(conv *store.Conversation, first, newQuestion bool) {
	kind := "new_question"
	if first {
		kind = "first"
	}
	metrics.ThreadsCreated.WithLabelValues(kind).Inc()
	s.logger.Info("thread created",
		"conversation_id", conv.ID,
		"connection_id", conv.ConnectionID,
		"participant1", conv.Participant1Email,
		"new_question", newQuestion)
}

// pickThread runs inside the store transaction; it must not do I/O.
func pickThread(conn *store.Connection, threads []*store.Conversation, sender string, newQuestion, gateCleared bool) (*store.Conversation, error) {
	if !conn.Involves(sender) {
		return nil, ErrNotParticipant
	}
	if conn.Status != store.ConnectionAccepted {
		return nil, ErrConnectionNotAccepted
	}

	if len(threads) == 0 {
		// Only the inviter may open the first exchange
		if sender != conn.InviterEmail {
			return nil, turn.ErrNotYourTurn
		}
		return newThread(conn, sender), nil
	}

	latest := threads[0]
	if !newQuestion {
		return latest, nil
	}

	if latest.MessageCount == 0 {
		if latest.Participant1Email == sender {
			return latest, nil
		}
		return nil, turn.ErrNotYourTurn
	}

	for _, t := range threads {
		if t.AwaitingResponse() {
			return nil, ErrOpenExchange
		}
	}

	if latest.CurrentTurn != sender || !latest.Completed() {
		return nil, turn.ErrNotYourTurn
	}

	if !gateCleared {
		return nil, errGateRequired
	}
	return newThread(conn, sender), nil
}

func newThread(conn *store.Connection, owner string) *store.Conversation {
	now := time.Now().UTC()
	return &store.Conversation{
		ID:                uuid.New().String(),
		ConnectionID:      conn.ID,
		Participant1Email: owner,
		Participant2Email: conn.Counterpart(owner),
		CurrentTurn:       owner,
		RelationshipType:  conn.RelationshipType,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
}

// allowThread asks the gate. Gate failures deny.
func (s *Service) allowThread(ctx context.Context, userID string) bool {
	ok, err := s.gate.CanCreateThread(ctx, userID)
	if err != nil {
		metrics.GateDecisions.WithLabelValues("error").Inc()
		s.logger.Warn("access gate failed, denying", "user_id", userID, "error", err)
		return false
	}
	if !ok {
		metrics.GateDecisions.WithLabelValues("denied").Inc()
		s.logger.Info("access gate denied", "user_id", userID)
		return false
	}
	metrics.GateDecisions.WithLabelValues("allowed").Inc()
	return true
}

// userIDFor returns the user ID recorded for email on the connection, or the email
// itself when none was recorded.
func userIDFor(conn *store.Connection, email string) string {
	switch {
	case email == conn.InviterEmail && conn.InviterUserID != "":
		return conn.InviterUserID
	case email == conn.InviteeEmail && conn.InviteeUserID != "":
		return conn.InviteeUserID
	}
	return email
}
