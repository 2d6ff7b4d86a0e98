// ABOUTME: HTTP client for the parley-gateway dialogue API
// ABOUTME: Decodes the {"error","message"} taxonomy back into the server's sentinel errors

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/gateway"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/turn"
)

const defaultAPITimeout = 10 * time.Second

// sentinels maps wire error names onto the errors the server raised.
var sentinels = map[string]error{
	gateway.ErrNameNotYourTurn:           turn.ErrNotYourTurn,
	gateway.ErrNameWrongMessageType:      turn.ErrWrongMessageType,
	gateway.ErrNameConversationNotFound:  conversation.ErrConversationNotFound,
	gateway.ErrNameConnectionNotFound:    conversation.ErrConnectionNotFound,
	gateway.ErrNameConnectionNotAccepted: conversation.ErrConnectionNotAccepted,
	gateway.ErrNameConnectionNotPending:  conversation.ErrConnectionNotPending,
	gateway.ErrNameOpenExchange:          conversation.ErrOpenExchange,
	gateway.ErrNameThreadCreationDenied:  conversation.ErrThreadCreationDenied,
	gateway.ErrNameInviteDenied:          conversation.ErrInviteDenied,
	gateway.ErrNameNotParticipant:        conversation.ErrNotParticipant,
	gateway.ErrNameIdentityMismatch:      auth.ErrIdentityMismatch,
	gateway.ErrNameTransientStoreFailure: store.ErrTransient,
	gateway.ErrNameCorruptState:          turn.ErrCorruptState,
	"Unauthenticated":                    auth.ErrUnauthenticated,
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Unwrap returns the sentinel for Name so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	return sentinels[e.Name]
}

// Retryable reports whether the request may succeed if repeated unchanged.
func (e *APIError) Retryable() bool {
	return errors.Is(e, store.ErrTransient) || e.StatusCode == http.StatusServiceUnavailable
}

// APIConfig configures an API client. Token takes precedence over Email.
type APIConfig struct {
	BaseURL string
	Token   string // bearer token when the gateway requires JWTs
	Email   string // caller identity in anonymous mode
	Timeout time.Duration
}

// API calls the gateway's HTTP endpoints.
type API struct {
	http *resty.Client
}

// NewAPI creates a client for the gateway at cfg.BaseURL.
func NewAPI(cfg APIConfig) *API {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("User-Agent", "parley-client/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	switch {
	case cfg.Token != "":
		c.SetAuthToken(cfg.Token)
	case cfg.Email != "":
		c.SetHeader(auth.HeaderEmail, cfg.Email)
	}

	return &API{http: c}
}

// do runs a request and converts failures into *APIError.
func (a *API) do(ctx context.Context, method, path string, body, result any) error {
	req := a.http.R().
		SetContext(ctx).
		SetError(&gateway.ErrorResponse{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !resp.IsError() {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	if e, ok := resp.Error().(*gateway.ErrorResponse); ok && e.Error != "" {
		apiErr.Name = e.Error
		apiErr.Message = e.Message
	}
	return apiErr
}

// Send posts a message into a conversation.
func (a *API) Send(ctx context.Context, conversationID string, req gateway.SendMessageRequest) (*gateway.SendMessageResponse, error) {
	var resp gateway.SendMessageResponse
	if err := a.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendToConnection posts a message into the thread the gateway resolves for the sender.
func (a *API) SendToConnection(ctx context.Context, connectionID string, req gateway.SendMessageRequest) (*gateway.SendMessageResponse, error) {
	var resp gateway.SendMessageResponse
	if err := a.do(ctx, http.MethodPost, "/connections/"+url.PathEscape(connectionID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListMessages returns a conversation's messages oldest first. A positive limit keeps only
// the most recent ones.
func (a *API) ListMessages(ctx context.Context, conversationID string, limit int) ([]gateway.MessageView, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp gateway.ListMessagesResponse
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// TurnState returns whose turn it is in a conversation from viewer's perspective.
func (a *API) TurnState(ctx context.Context, conversationID, viewer string) (*conversation.TurnState, error) {
	path := "/conversations/" + url.PathEscape(conversationID)
	if viewer != "" {
		path += "?viewer=" + url.QueryEscape(viewer)
	}
	var resp conversation.TurnState
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListThreads returns a connection's threads, most recently active first.
func (a *API) ListThreads(ctx context.Context, connectionID string) ([]conversation.ThreadSummary, error) {
	var resp gateway.ListThreadsResponse
	if err := a.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(connectionID)+"/threads", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// ResolveThread asks which thread a send from sender would target, opening one if needed.
func (a *API) ResolveThread(ctx context.Context, connectionID, sender string, newQuestion bool) (*gateway.ResolveThreadResponse, error) {
	var resp gateway.ResolveThreadResponse
	body := gateway.ResolveThreadRequest{SenderEmail: sender, NewQuestion: newQuestion}
	if err := a.do(ctx, http.MethodPost, "/connections/"+url.PathEscape(connectionID)+"/threads", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Invite creates a pending connection.
func (a *API) Invite(ctx context.Context, req gateway.InviteRequest) (*gateway.ConnectionView, error) {
	var resp gateway.ConnectionView
	if err := a.do(ctx, http.MethodPost, "/connections", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Respond accepts or declines an invitation as email.
func (a *API) Respond(ctx context.Context, connectionID, email string, accept bool) (*gateway.ConnectionView, error) {
	action := "decline"
	if accept {
		action = "accept"
	}
	var resp gateway.ConnectionView
	if err := a.do(ctx, http.MethodPost, "/connections/"+url.PathEscape(connectionID)+"/"+action, gateway.RespondRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConnection returns one connection.
func (a *API) GetConnection(ctx context.Context, connectionID string) (*gateway.ConnectionView, error) {
	var resp gateway.ConnectionView
	if err := a.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(connectionID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConnections returns every connection involving email.
func (a *API) ListConnections(ctx context.Context, email string) ([]gateway.ConnectionView, error) {
	var resp gateway.ListConnectionsResponse
	if err := a.do(ctx, http.MethodGet, "/connections?email="+url.QueryEscape(email), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// Ready probes /health/ready and returns the gateway's report.
func (a *API) Ready(ctx context.Context) (string, error) {
	resp, err := a.http.R().SetContext(ctx).Get("/health/ready")
	if err != nil {
		return "", fmt.Errorf("probing readiness: %w", err)
	}
	body := strings.TrimSpace(resp.String())
	if resp.IsError() {
		return body, &APIError{StatusCode: resp.StatusCode(), Message: body}
	}
	return body, nil
}
