// ABOUTME: HTTP API handlers for conversations, threads and connections
// ABOUTME: Maps request bodies onto the conversation service and errors onto the wire taxonomy

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/turn"
)

// maxBodyBytes bounds request bodies; transcriptions are the largest field.
const maxBodyBytes = 1 << 20

// Error names written in the "error" field of failed responses.
const (
	ErrNameNotYourTurn           = "NotYourTurn"
	ErrNameWrongMessageType      = "WrongMessageType"
	ErrNameConversationNotFound  = "ConversationNotFound"
	ErrNameConnectionNotFound    = "ConnectionNotFound"
	ErrNameConnectionNotAccepted = "ConnectionNotAccepted"
	ErrNameConnectionNotPending  = "ConnectionNotPending"
	ErrNameOpenExchange          = "OpenExchange"
	ErrNameThreadCreationDenied  = "ThreadCreationDenied"
	ErrNameInviteDenied          = "InviteDenied"
	ErrNameNotParticipant        = "NotParticipant"
	ErrNameIdentityMismatch      = "IdentityMismatch"
	ErrNameInvalidRequest        = "InvalidRequest"
	ErrNameTransientStoreFailure = "TransientStoreFailure"
	ErrNameCorruptState          = "CorruptState"
	ErrNameInternal              = "InternalError"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MessageView is the JSON form of an accepted message.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int       `json:"seq"`
	SenderEmail    string    `json:"senderEmail"`
	Type           string    `json:"type"`
	Format         string    `json:"format"`
	Content        string    `json:"content,omitempty"`
	AudioRef       string    `json:"audioRef,omitempty"`
	Transcription  string    `json:"transcription,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConnectionView is the JSON form of a connection.
type ConnectionView struct {
	ID               string    `json:"id"`
	InviterEmail     string    `json:"inviterEmail"`
	InviteeEmail     string    `json:"inviteeEmail"`
	RelationshipType string    `json:"relationshipType"`
	InviterRole      string    `json:"inviterRole,omitempty"`
	InviteeRole      string    `json:"inviteeRole,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SendMessageRequest is the JSON body for POST /conversations/{id}/messages and
// POST /connections/{id}/messages. NewQuestion only applies to the latter.
type SendMessageRequest struct {
	SenderEmail   string `json:"senderEmail"`
	Type          string `json:"type"`
	Format        string `json:"format,omitempty"`
	Content       string `json:"content,omitempty"`
	AudioRef      string `json:"audioRef,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	NewQuestion   bool   `json:"newQuestion,omitempty"`
}

// SendMessageResponse is returned with 201 when a message is accepted.
type SendMessageResponse struct {
	Message        MessageView `json:"message"`
	ConversationID string      `json:"conversationId"`
	CurrentTurn    string      `json:"currentTurn"`
}

// ListMessagesResponse is the JSON response for GET /conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID string        `json:"conversationId"`
	Messages       []MessageView `json:"messages"`
}

// ResolveThreadRequest is the JSON body for POST /connections/{id}/threads.
type ResolveThreadRequest struct {
	SenderEmail string `json:"senderEmail"`
	NewQuestion bool   `json:"newQuestion"`
}

// ResolveThreadResponse names the thread a send would target.
type ResolveThreadResponse struct {
	Thread  conversation.ThreadSummary `json:"thread"`
	Created bool                       `json:"created"`
}

// ListThreadsResponse is the JSON response for GET /connections/{id}/threads.
type ListThreadsResponse struct {
	ConnectionID string                       `json:"connectionId"`
	Threads      []conversation.ThreadSummary `json:"threads"`
}

// InviteRequest is the JSON body for POST /connections.
type InviteRequest struct {
	InviterEmail     string `json:"inviterEmail"`
	InviteeEmail     string `json:"inviteeEmail"`
	RelationshipType string `json:"relationshipType"`
	InviterRole      string `json:"inviterRole,omitempty"`
	InviteeRole      string `json:"inviteeRole,omitempty"`
}

// RespondRequest is the JSON body for POST /connections/{id}/accept and /decline.
type RespondRequest struct {
	Email string `json:"email"`
}

// ListConnectionsResponse is the JSON response for GET /connections.
type ListConnectionsResponse struct {
	Connections []ConnectionView `json:"connections"`
}

func messageView(m *store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderEmail:    m.SenderEmail,
		Type:           string(m.Type),
		Format:         string(m.Format),
		Content:        m.Content,
		AudioRef:       m.AudioFileURL,
		Transcription:  m.Transcription,
		CreatedAt:      m.CreatedAt,
	}
}

func connectionView(c *store.Connection) ConnectionView {
	return ConnectionView{
		ID:               c.ID,
		InviterEmail:     c.InviterEmail,
		InviteeEmail:     c.InviteeEmail,
		RelationshipType: c.RelationshipType,
		InviterRole:      c.InviterRole,
		InviteeRole:      c.InviteeRole,
		Status:           string(c.Status),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// registerAPIRoutes mounts the dialogue API behind the authenticator.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.auth.Middleware(h))
	}

	api("POST /conversations/{id}/messages", g.handleSendMessage)
	api("GET /conversations/{id}/messages", g.handleListMessages)
	api("GET /conversations/{id}", g.handleTurnState)

	api("POST /connections", g.handleInvite)
	api("GET /connections", g.handleListConnections)
	api("GET /connections/{id}", g.handleGetConnection)
	api("POST /connections/{id}/accept", g.handleRespond(true))
	api("POST /connections/{id}/decline", g.handleRespond(false))
	api("GET /connections/{id}/threads", g.handleListThreads)
	api("POST /connections/{id}/threads", g.handleResolveThread)
	api("POST /connections/{id}/messages", g.handleSendToConnection)
}

// handleSendMessage handles POST /conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	sendReq, ok := g.buildSendRequest(w, r, &req)
	if !ok {
		return
	}
	sendReq.ConversationID = r.PathValue("id")

	result, err := g.conversation.Send(r.Context(), sendReq)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeSendResult(w, result)
}

// handleSendToConnection handles POST /connections/{id}/messages: resolve the thread, then send.
func (g *Gateway) handleSendToConnection(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	sendReq, ok := g.buildSendRequest(w, r, &req)
	if !ok {
		return
	}

	result, err := g.conversation.SendToConnection(r.Context(), r.PathValue("id"), req.NewQuestion, sendReq)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeSendResult(w, result)
}

// buildSendRequest parses the wire fields and checks the sender against the caller.
func (g *Gateway) buildSendRequest(w http.ResponseWriter, r *http.Request, req *SendMessageRequest) (*conversation.SendRequest, bool) {
	sender, ok := g.actingEmail(w, r, req.SenderEmail)
	if !ok {
		return nil, false
	}

	msgType, err := turn.ParseMessageType(req.Type)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, ErrNameInvalidRequest, err.Error())
		return nil, false
	}
	format, err := turn.ParseFormat(req.Format)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, ErrNameInvalidRequest, err.Error())
		return nil, false
	}

	return &conversation.SendRequest{
		SenderEmail:   sender,
		Type:          msgType,
		Format:        format,
		Content:       req.Content,
		AudioFileURL:  req.AudioRef,
		Transcription: req.Transcription,
	}, true
}

func (g *Gateway) writeSendResult(w http.ResponseWriter, result *conversation.SendResult) {
	writeJSON(w, http.StatusCreated, SendMessageResponse{
		Message:        messageView(result.Message),
		ConversationID: result.Conversation.ID,
		CurrentTurn:    result.Conversation.CurrentTurn,
	})
}

// handleListMessages handles GET /conversations/{id}/messages[?limit=N].
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.writeError(w, http.StatusBadRequest, ErrNameInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	// Only participants may read a conversation when the caller is known.
	if caller := auth.FromContext(r.Context()); caller != nil {
		if _, err := g.conversation.GetTurnState(r.Context(), id, caller.Email); err != nil {
			g.writeServiceError(w, err)
			return
		}
	}

	msgs, err := g.conversation.ListMessages(r.Context(), id, limit)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	resp := ListMessagesResponse{ConversationID: id, Messages: make([]MessageView, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageView(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTurnState handles GET /conversations/{id}?viewer=email.
// The viewer defaults to the authenticated caller.
func (g *Gateway) handleTurnState(w http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer")
	if caller := auth.FromContext(r.Context()); caller != nil {
		var ok bool
		if viewer, ok = g.actingEmail(w, r, viewer); !ok {
			return
		}
	}

	state, err := g.conversation.GetTurnState(r.Context(), r.PathValue("id"), viewer)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleInvite handles POST /connections.
func (g *Gateway) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	inviter, ok := g.actingEmail(w, r, req.InviterEmail)
	if !ok {
		return
	}

	var userID string
	if caller := auth.FromContext(r.Context()); caller != nil {
		userID = caller.UserID
	}

	conn, err := g.conversation.Invite(r.Context(), &conversation.InviteRequest{
		InviterEmail:     inviter,
		InviterUserID:    userID,
		InviteeEmail:     req.InviteeEmail,
		RelationshipType: req.RelationshipType,
		InviterRole:      req.InviterRole,
		InviteeRole:      req.InviteeRole,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, connectionView(conn))
}

// handleListConnections handles GET /connections?email=.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	email, ok := g.actingEmail(w, r, r.URL.Query().Get("email"))
	if !ok {
		return
	}
	if email == "" {
		g.writeError(w, http.StatusBadRequest, ErrNameInvalidRequest, "email is required")
		return
	}

	conns, err := g.conversation.ListConnections(r.Context(), email)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	resp := ListConnectionsResponse{Connections: make([]ConnectionView, 0, len(conns))}
	for _, c := range conns {
		resp.Connections = append(resp.Connections, connectionView(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetConnection handles GET /connections/{id}.
func (g *Gateway) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := g.loadConnection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, connectionView(conn))
}

// handleRespond handles POST /connections/{id}/accept and /decline.
func (g *Gateway) handleRespond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RespondRequest
		if !g.decodeBody(w, r, &req) {
			return
		}
		email, ok := g.actingEmail(w, r, req.Email)
		if !ok {
			return
		}

		var userID string
		if caller := auth.FromContext(r.Context()); caller != nil {
			userID = caller.UserID
		}

		conn, err := g.conversation.Respond(r.Context(), &conversation.RespondRequest{
			ConnectionID:    r.PathValue("id"),
			ResponderEmail:  email,
			ResponderUserID: userID,
			Accept:          accept,
		})
		if err != nil {
			g.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, connectionView(conn))
	}
}

// handleListThreads handles GET /connections/{id}/threads.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	conn, ok := g.loadConnection(w, r)
	if !ok {
		return
	}

	threads, err := g.conversation.ListThreads(r.Context(), conn.ID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListThreadsResponse{ConnectionID: conn.ID, Threads: threads})
}

// handleResolveThread handles POST /connections/{id}/threads.
func (g *Gateway) handleResolveThread(w http.ResponseWriter, r *http.Request) {
	var req ResolveThreadRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	sender, ok := g.actingEmail(w, r, req.SenderEmail)
	if !ok {
		return
	}
	if sender == "" {
		g.writeError(w, http.StatusBadRequest, ErrNameInvalidRequest, "senderEmail is required")
		return
	}

	conv, created, err := g.conversation.ResolveTargetConversation(r.Context(), r.PathValue("id"), sender, req.NewQuestion)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ResolveThreadResponse{Thread: conversation.Summarize(conv), Created: created})
}

// loadConnection fetches the path's connection and, when the caller is known, checks they
// are one of its two sides.
func (g *Gateway) loadConnection(w http.ResponseWriter, r *http.Request) (*store.Connection, bool) {
	conn, err := g.conversation.GetConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return nil, false
	}
	if caller := auth.FromContext(r.Context()); caller != nil && !conn.Involves(caller.Email) {
		g.writeServiceError(w, conversation.ErrNotParticipant)
		return nil, false
	}
	return conn, true
}

// actingEmail returns the email a request acts for. An empty claim is filled from the
// caller's identity; a claim naming someone else is rejected with 403.
func (g *Gateway) actingEmail(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	caller := auth.FromContext(r.Context())
	if claimed == "" && caller != nil {
		return caller.Email, true
	}
	if err := auth.CheckEmail(r.Context(), claimed); err != nil {
		g.writeServiceError(w, err)
		return "", false
	}
	return auth.NormalizeEmail(claimed), true
}

// decodeBody reads a JSON body into v, writing 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		g.writeError(w, http.StatusBadRequest, ErrNameInvalidRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// classifyError maps a service error to its HTTP status and wire name.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, turn.ErrNotYourTurn):
		return http.StatusForbidden, ErrNameNotYourTurn
	case errors.Is(err, turn.ErrWrongMessageType):
		return http.StatusForbidden, ErrNameWrongMessageType
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound, ErrNameConversationNotFound
	case errors.Is(err, conversation.ErrConnectionNotFound):
		return http.StatusNotFound, ErrNameConnectionNotFound
	case errors.Is(err, conversation.ErrConnectionNotAccepted):
		return http.StatusConflict, ErrNameConnectionNotAccepted
	case errors.Is(err, conversation.ErrConnectionNotPending):
		return http.StatusConflict, ErrNameConnectionNotPending
	case errors.Is(err, conversation.ErrOpenExchange):
		return http.StatusConflict, ErrNameOpenExchange
	case errors.Is(err, conversation.ErrThreadCreationDenied):
		return http.StatusForbidden, ErrNameThreadCreationDenied
	case errors.Is(err, conversation.ErrInviteDenied):
		return http.StatusForbidden, ErrNameInviteDenied
	case errors.Is(err, conversation.ErrNotParticipant):
		return http.StatusForbidden, ErrNameNotParticipant
	case errors.Is(err, auth.ErrIdentityMismatch):
		return http.StatusForbidden, ErrNameIdentityMismatch
	case errors.Is(err, conversation.ErrInvalidMessage), errors.Is(err, conversation.ErrInvalidInvite):
		return http.StatusBadRequest, ErrNameInvalidRequest
	case errors.Is(err, store.ErrTransient):
		return http.StatusServiceUnavailable, ErrNameTransientStoreFailure
	case errors.Is(err, turn.ErrCorruptState):
		return http.StatusInternalServerError, ErrNameCorruptState
	}
	return http.StatusInternalServerError, ErrNameInternal
}

func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	status, name := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error_name", name, "error", err)
		if name == ErrNameInternal {
			msg = "internal error"
		}
	}
	g.writeError(w, status, name, msg)
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, name, msg string) {
	writeJSON(w, status, ErrorResponse{Error: name, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
