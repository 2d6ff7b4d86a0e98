// ABOUTME: Connection lifecycle: invite, accept, decline and lookups
// ABOUTME: Transitions publish connection_update to both sides and notify the counterpart

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/notify"
	"github.com/2389/parley-gateway/internal/store"
)

// InviteRequest creates a pending connection.
type InviteRequest struct {
	InviterEmail     string
	InviterUserID    string
	InviteeEmail     string
	RelationshipType string
	InviterRole      string
	InviteeRole      string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// Invite creates a pending connection after the gate approves the inviter.
func (s *Service) Invite(ctx context.Context, req *InviteRequest) (*store.Connection, error) {
	inviter := normalizeEmail(req.InviterEmail)
	invitee := normalizeEmail(req.InviteeEmail)

	switch {
	case !validEmail(inviter):
		return nil, fmt.Errorf("%w: invalid inviter email", ErrInvalidInvite)
	case !validEmail(invitee):
		return nil, fmt.Errorf("%w: invalid invitee email", ErrInvalidInvite)
	case inviter == invitee:
		return nil, fmt.Errorf("%w: cannot invite yourself", ErrInvalidInvite)
	case strings.TrimSpace(req.RelationshipType) == "":
		return nil, fmt.Errorf("%w: relationship type is required", ErrInvalidInvite)
	}

	userID := req.InviterUserID
	if userID == "" {
		userID = inviter
	}
	if !s.allowThread(ctx, userID) {
		return nil, ErrInviteDenied
	}

	now := time.Now().UTC()
	conn := &store.Connection{
		ID:               uuid.New().String(),
		InviterEmail:     inviter,
		InviteeEmail:     invitee,
		InviterUserID:    req.InviterUserID,
		RelationshipType: strings.TrimSpace(req.RelationshipType),
		InviterRole:      req.InviterRole,
		InviteeRole:      req.InviteeRole,
		Status:           store.ConnectionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}

	metrics.ConnectionTransitions.WithLabelValues(string(store.ConnectionPending)).Inc()
	s.logger.Info("invitation created", "connection_id", conn.ID, "inviter", inviter, "invitee", invitee)

	s.publishConnection(conn)
	s.enqueue(notify.Event{
		ID:               conn.ID + ":" + string(conn.Status),
		Kind:             notify.KindInvitation,
		Recipient:        invitee,
		SenderEmail:      inviter,
		ConnectionID:     conn.ID,
		RelationshipType: conn.RelationshipType,
		Status:           string(conn.Status),
		CreatedAt:        now,
	})
	return conn, nil
}

// RespondRequest answers a pending invitation.
type RespondRequest struct {
	ConnectionID   string
	ResponderEmail string
	// ResponderUserID is recorded as the invitee's user ID and later consulted by the gate.
	ResponderUserID string
	Accept          bool
}

// Respond accepts or declines a pending invitation. Only the invitee may respond.
func (s *Service) Respond(ctx context.Context, req *RespondRequest) (*store.Connection, error) {
	connectionID := req.ConnectionID
	conn, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if normalizeEmail(req.ResponderEmail) != conn.InviteeEmail {
		return nil, ErrNotParticipant
	}

	to := store.ConnectionDeclined
	if req.Accept {
		to = store.ConnectionAccepted
	}

	updated, err := s.store.UpdateConnectionStatus(ctx, connectionID, store.ConnectionPending, to, req.ResponderUserID)
	if errors.Is(err, store.ErrStatusConflict) {
		return updated, fmt.Errorf("%w: status is %s", ErrConnectionNotPending, updated.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("updating connection: %w", err)
	}

	metrics.ConnectionTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("invitation answered", "connection_id", connectionID, "status", to)

	s.publishConnection(updated)
	s.enqueue(notify.Event{
		ID:               updated.ID + ":" + string(updated.Status),
		Kind:             notify.KindConnectionUpdate,
		Recipient:        updated.InviterEmail,
		SenderEmail:      updated.InviteeEmail,
		ConnectionID:     updated.ID,
		RelationshipType: updated.RelationshipType,
		Status:           string(updated.Status),
		CreatedAt:        updated.UpdatedAt,
	})
	return updated, nil
}

func (s *Service) publishConnection(conn *store.Connection) {
	ev := ConnectionUpdateEvent{
		ConnectionID:     conn.ID,
		Status:           string(conn.Status),
		InviterEmail:     conn.InviterEmail,
		InviteeEmail:     conn.InviteeEmail,
		RelationshipType: conn.RelationshipType,
	}
	for _, recipient := range []string{conn.InviterEmail, conn.InviteeEmail} {
		if err := s.publisher.PublishConnectionUpdate(recipient, ev); err != nil {
			s.logger.Debug("realtime push skipped", "recipient", recipient, "connection_id", conn.ID, "error", err)
		}
	}
}

// GetConnection returns a connection by ID.
func (s *Service) GetConnection(ctx context.Context, id string) (*store.Connection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return conn, err
}

// ListConnections returns every connection involving email.
func (s *Service) ListConnections(ctx context.Context, email string) ([]*store.Connection, error) {
	return s.store.ListConnectionsForUser(ctx, normalizeEmail(email))
}
