// ABOUTME: Conversation service: the only path by which messages enter the store
// ABOUTME: Runs the turn engine inside the store transaction, then fans out and notifies

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/gate"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/notify"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/turn"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConnectionNotFound    = errors.New("connection not found")
	ErrConnectionNotAccepted = errors.New("connection not accepted")
	ErrConnectionNotPending  = errors.New("connection already answered")
	ErrNotParticipant        = errors.New("not a participant")
	ErrThreadCreationDenied  = errors.New("thread creation denied")
	ErrInviteDenied          = errors.New("invitation denied")
	ErrOpenExchange          = errors.New("an exchange is still awaiting a response")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrInvalidInvite         = errors.New("invalid invitation")
)

// Service is the central conversation layer. Every message is validated by the turn
// engine inside store.ApplyTurn before anything else sees it.
type Service struct {
	store     store.Store
	publisher EventPublisher
	gate      gate.Gate
	notifier  Notifier
	logger    *slog.Logger
}

// New creates a Service. Nil publisher, gate and notifier fall back to no-op, allow-all
// and no-op respectively; nil logger uses the default.
func New(st store.Store, publisher EventPublisher, g gate.Gate, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if g == nil {
		g = gate.AllowAll{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:     st,
		publisher: publisher,
		gate:      g,
		notifier:  notifier,
		logger:    logger.With("component", "conversation"),
	}
}

// SendRequest is one proposed message.
type SendRequest struct {
	ConversationID string
	SenderEmail    string
	Type           store.MessageType
	Format         store.MessageFormat
	Content        string
	AudioFileURL   string // voice only
	Transcription  string // voice only, optional
}

// SendResult carries the accepted message and the conversation after the turn flip.
type SendResult struct {
	Message      *store.Message
	Conversation *store.Conversation
}

// validate checks the request and normalizes the sender email.
func (r *SendRequest) validate() error {
	r.SenderEmail = normalizeEmail(r.SenderEmail)
	if r.SenderEmail == "" {
		return fmt.Errorf("%w: sender email is required", ErrInvalidMessage)
	}
	if r.Type != store.MessageTypeQuestion && r.Type != store.MessageTypeResponse {
		return fmt.Errorf("%w: type must be question or response", ErrInvalidMessage)
	}
	switch r.Format {
	case "", store.FormatText:
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidMessage)
		}
	case store.FormatVoice:
		if r.AudioFileURL == "" {
			return fmt.Errorf("%w: audio file url is required for voice messages", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidMessage, r.Format)
	}
	return nil
}

// Send validates and appends a message.
//
// The turn check and the current_turn flip happen in one store transaction, so two
// racing submissions from the same sender produce exactly one accepted message; the
// loser is evaluated against the new state and sees turn.ErrNotYourTurn.
// Fan-out and notification happen after commit and never fail the send.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	conv, msg, err := s.store.ApplyTurn(ctx, req.ConversationID, turnFor(req))
	if err != nil {
		return nil, s.sendError(ctx, req, err)
	}
	return s.accepted(ctx, conv, msg), nil
}

// turnFor evaluates req against the conversation read inside the store transaction.
func turnFor(req *SendRequest) store.TurnFunc {
	return func(conv *store.Conversation) (*store.Message, string, error) {
		d, err := turn.Evaluate(turn.FromConversation(conv), req.SenderEmail, req.Type)
		if err != nil {
			return nil, "", err
		}
		return &store.Message{
			ID:            uuid.New().String(),
			SenderEmail:   req.SenderEmail,
			Type:          req.Type,
			Format:        req.Format,
			Content:       req.Content,
			AudioFileURL:  req.AudioFileURL,
			Transcription: req.Transcription,
			CreatedAt:     time.Now().UTC(),
		}, d.NextTurn, nil
	}
}

func (s *Service) accepted(ctx context.Context, conv *store.Conversation, msg *store.Message) *SendResult {
	metrics.RecordAccepted(string(msg.Type))
	s.logger.Info("message accepted",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", msg.SenderEmail,
		"type", msg.Type,
		"seq", msg.Seq,
		"current_turn", conv.CurrentTurn)

	s.afterAccept(ctx, conv, msg)

	return &SendResult{Message: msg, Conversation: conv}
}

func (s *Service) sendError(ctx context.Context, req *SendRequest, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.RecordRejected("conversation_not_found")
		return fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	case errors.Is(err, turn.ErrNotYourTurn):
		metrics.RecordRejected("not_your_turn")
		s.logger.Debug("send rejected", "conversation_id", req.ConversationID, "sender", req.SenderEmail, "error", err)
		return err
	case errors.Is(err, turn.ErrWrongMessageType):
		metrics.RecordRejected("wrong_message_type")
		s.logger.Debug("send rejected", "conversation_id", req.ConversationID, "sender", req.SenderEmail, "error", err)
		return err
	case errors.Is(err, turn.ErrCorruptState):
		metrics.RecordRejected("corrupt_state")
		s.logReplayedState(ctx, req.ConversationID)
		return err
	case errors.Is(err, store.ErrTransient):
		metrics.RecordRejected("transient")
		s.logger.Warn("send failed, store unavailable", "conversation_id", req.ConversationID, "error", err)
		return err
	}
	return fmt.Errorf("sending message: %w", err)
}

// logReplayedState reports a conversation whose stored turn fields are unusable, together
// with the turn state its message history implies.
func (s *Service) logReplayedState(ctx context.Context, conversationID string) {
	logger := s.logger.With("conversation_id", conversationID)

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		logger.Error("conversation has corrupt turn state", "error", err)
		return
	}
	history, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		logger.Error("conversation has corrupt turn state", "stored_current_turn", conv.CurrentTurn, "error", err)
		return
	}

	replayed, err := turn.Replay(conv.Participant1Email, conv.Participant2Email, history)
	if err != nil {
		logger.Error("conversation history violates alternation", "stored_current_turn", conv.CurrentTurn, "error", err)
		return
	}
	logger.Error("conversation has corrupt turn state",
		"stored_current_turn", conv.CurrentTurn,
		"replayed_current_turn", replayed.CurrentTurn,
		"stored_message_count", conv.MessageCount,
		"replayed_message_count", replayed.MessageCount)
}

// afterAccept pushes new_message to both participants and queues a notification for the
// participant who now holds the turn.
func (s *Service) afterAccept(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	senderName := displayName(msg.SenderEmail)
	if conn, err := s.store.GetConnection(ctx, conv.ConnectionID); err == nil {
		senderName = roleName(conn, msg.SenderEmail)
	} else {
		s.logger.Warn("connection lookup failed after send", "connection_id", conv.ConnectionID, "error", err)
	}

	ev := NewMessageEvent{
		ConversationID:   conv.ID,
		ConnectionID:     conv.ConnectionID,
		MessageID:        msg.ID,
		Seq:              msg.Seq,
		SenderEmail:      msg.SenderEmail,
		SenderName:       senderName,
		MessageType:      string(msg.Type),
		RelationshipType: conv.RelationshipType,
		CurrentTurn:      conv.CurrentTurn,
	}
	for _, recipient := range []string{conv.Participant1Email, conv.Participant2Email} {
		if err := s.publisher.PublishNewMessage(recipient, ev); err != nil {
			s.logger.Debug("realtime push skipped", "recipient", recipient, "conversation_id", conv.ID, "error", err)
		}
	}

	previewSource := msg.Content
	if msg.Format == store.FormatVoice {
		previewSource = msg.Transcription
	}
	text, html := notify.Preview(previewSource)

	recipient := conv.Participant1Email
	if msg.SenderEmail == conv.Participant1Email {
		recipient = conv.Participant2Email
	}
	s.enqueue(notify.Event{
		ID:               msg.ID,
		Kind:             notify.KindNewMessage,
		Recipient:        recipient,
		SenderEmail:      msg.SenderEmail,
		ConnectionID:     conv.ConnectionID,
		ConversationID:   conv.ID,
		MessageType:      string(msg.Type),
		RelationshipType: conv.RelationshipType,
		PreviewText:      text,
		PreviewHTML:      html,
		CreatedAt:        msg.CreatedAt,
	})
}

func (s *Service) enqueue(ev notify.Event) {
	if err := s.notifier.Enqueue(ev); err != nil {
		s.logger.Warn("notification not queued", "event_id", ev.ID, "kind", ev.Kind, "error", err)
	}
}

// SendToConnection resolves the target thread of a connection and sends into it.
//
// Thread selection and the append share one store transaction: a thread opened for this
// send exists only if the message is accepted, so a rejected send leaves nothing behind.
// A new question must be a question; that is checked before the gate is asked.
func (s *Service) SendToConnection(ctx context.Context, connectionID string, newQuestion bool, req *SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	routed := *req
	req = &routed

	gateCleared := false
	var gateUser string
	var first bool

	for {
		conv, msg, created, err := s.store.ResolveAndApply(ctx, connectionID,
			func(conn *store.Connection, threads []*store.Conversation) (*store.Conversation, error) {
				gateUser = userIDFor(conn, req.SenderEmail)
				first = len(threads) == 0
				target, err := pickThread(conn, threads, req.SenderEmail, newQuestion, gateCleared)
				if errors.Is(err, errGateRequired) && req.Type != store.MessageTypeQuestion {
					return nil, fmt.Errorf("%w: expected %s, got %s", turn.ErrWrongMessageType, store.MessageTypeQuestion, req.Type)
				}
				if err == nil {
					req.ConversationID = target.ID
				}
				return target, err
			},
			turnFor(req))

		if errors.Is(err, errGateRequired) && !gateCleared {
			if !s.allowThread(ctx, gateUser) {
				return nil, ErrThreadCreationDenied
			}
			gateCleared = true
			continue
		}
		if err != nil {
			return nil, s.resolveError(ctx, connectionID, req, err)
		}

		if created {
			s.threadCreated(conv, first, newQuestion)
		}
		return s.accepted(ctx, conv, msg), nil
	}
}

// resolveError maps a failed ResolveAndApply. Errors raised while picking the thread are
// returned as they are; turn and store errors go through sendError.
func (s *Service) resolveError(ctx context.Context, connectionID string, req *SendRequest, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrConnectionNotAccepted), errors.Is(err, ErrOpenExchange):
		return err
	}
	return s.sendError(ctx, req, err)
}

// ListMessages returns a conversation's messages in acceptance order.
func (s *Service) ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	if _, err := s.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, limit)
}

// TurnState tells a viewer whose turn it is and what they may send.
type TurnState struct {
	ConversationID string            `json:"conversationId"`
	CurrentTurn    string            `json:"currentTurn"`
	ExpectedType   store.MessageType `json:"expectedType"`
	MessageCount   int               `json:"messageCount"`
	YourTurn       bool              `json:"yourTurn"`
	CanSend        store.MessageType `json:"canSend,omitempty"`
}

// GetTurnState reports the turn state of a conversation from viewer's perspective.
// An empty viewer returns the state without the per-viewer fields.
func (s *Service) GetTurnState(ctx context.Context, conversationID, viewer string) (*TurnState, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	state := turn.FromConversation(conv)
	ts := &TurnState{
		ConversationID: conv.ID,
		CurrentTurn:    conv.CurrentTurn,
		ExpectedType:   turn.Expected(state),
		MessageCount:   conv.MessageCount,
	}
	viewer = normalizeEmail(viewer)
	if viewer == "" {
		return ts, nil
	}
	if turn.Other(state, viewer) == "" {
		return nil, ErrNotParticipant
	}

	if _, err := turn.Evaluate(state, viewer, ts.ExpectedType); err == nil {
		ts.YourTurn = true
		ts.CanSend = ts.ExpectedType
	}
	return ts, nil
}

func (s *Service) getConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv, err
}

// displayName is the fallback sender name: the local part of the email.
func displayName(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// roleName prefers the role label of the sender's side of the connection.
func roleName(conn *store.Connection, email string) string {
	switch {
	case email == conn.InviterEmail && conn.InviterRole != "":
		return conn.InviterRole
	case email == conn.InviteeEmail && conn.InviteeRole != "":
		return conn.InviteeRole
	}
	return displayName(email)
}
