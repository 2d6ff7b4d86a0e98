// ABOUTME: Tests for the HTTP API client against a real gateway handler
// ABOUTME: Covers the dialogue flow and decoding of the error taxonomy into sentinels

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/gateway"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/turn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newGatewayServer runs an in-memory gateway behind httptest.
func newGatewayServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := &config.Config{Database: config.DatabaseConfig{Path: ":memory:"}}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return srv
}

func acceptedConnection(t *testing.T, alice, bob *API) string {
	t.Helper()
	ctx := context.Background()

	conn, err := alice.Invite(ctx, gateway.InviteRequest{InviteeEmail: "b@x.com", RelationshipType: "siblings"})
	require.NoError(t, err)
	assert.Equal(t, "pending", conn.Status)

	conn, err = bob.Respond(ctx, conn.ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, "accepted", conn.Status)
	return conn.ID
}

func TestAPI_DialogueFlow(t *testing.T) {
	srv := newGatewayServer(t, nil)
	alice := NewAPI(APIConfig{BaseURL: srv.URL, Email: "a@x.com"})
	bob := NewAPI(APIConfig{BaseURL: srv.URL, Email: "b@x.com"})
	ctx := context.Background()

	connID := acceptedConnection(t, alice, bob)

	sent, err := alice.SendToConnection(ctx, connID, gateway.SendMessageRequest{Type: "question", Content: "Lunch?"})
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", sent.CurrentTurn)
	convID := sent.ConversationID

	state, err := bob.TurnState(ctx, convID, "")
	require.NoError(t, err)
	assert.True(t, state.YourTurn)
	assert.Equal(t, store.MessageTypeResponse, state.CanSend)

	_, err = bob.Send(ctx, convID, gateway.SendMessageRequest{Type: "response", Content: "Sure"})
	require.NoError(t, err)

	msgs, err := alice.ListMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Lunch?", msgs[0].Content)
	assert.Equal(t, "Sure", msgs[1].Content)

	latest, err := alice.ListMessages(ctx, convID, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 2, latest[0].Seq)

	resolved, err := alice.ResolveThread(ctx, connID, "a@x.com", true)
	require.NoError(t, err)
	assert.True(t, resolved.Created)
	assert.NotEqual(t, convID, resolved.Thread.ID)

	threads, err := bob.ListThreads(ctx, connID)
	require.NoError(t, err)
	assert.Len(t, threads, 2)

	conns, err := bob.ListConnections(ctx, "b@x.com")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, connID, conns[0].ID)

	conn, err := alice.GetConnection(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "siblings", conn.RelationshipType)
}

func TestAPI_ErrorsUnwrapToSentinels(t *testing.T) {
	srv := newGatewayServer(t, nil)
	alice := NewAPI(APIConfig{BaseURL: srv.URL, Email: "a@x.com"})
	bob := NewAPI(APIConfig{BaseURL: srv.URL, Email: "b@x.com"})
	ctx := context.Background()

	connID := acceptedConnection(t, alice, bob)

	_, err := bob.SendToConnection(ctx, connID, gateway.SendMessageRequest{Type: "question", Content: "me first"})
	assert.ErrorIs(t, err, turn.ErrNotYourTurn)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, gateway.ErrNameNotYourTurn, apiErr.Name)
	assert.False(t, apiErr.Retryable())

	sent, err := alice.SendToConnection(ctx, connID, gateway.SendMessageRequest{Type: "question", Content: "hi"})
	require.NoError(t, err)

	_, err = bob.Send(ctx, sent.ConversationID, gateway.SendMessageRequest{Type: "question", Content: "hi?"})
	assert.ErrorIs(t, err, turn.ErrWrongMessageType)

	_, err = alice.Send(ctx, "missing", gateway.SendMessageRequest{Type: "question", Content: "hi"})
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound)

	_, err = alice.Respond(ctx, connID, "", false)
	assert.ErrorIs(t, err, conversation.ErrNotParticipant)

	_, err = bob.Respond(ctx, connID, "", false)
	assert.ErrorIs(t, err, conversation.ErrConnectionNotPending)

	_, err = alice.ListConnections(ctx, "b@x.com")
	assert.ErrorIs(t, err, auth.ErrIdentityMismatch)
}

func TestAPI_BearerToken(t *testing.T) {
	secret := strings.Repeat("t", 32)
	srv := newGatewayServer(t, func(c *config.Config) { c.Auth.JWTSecret = secret })

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate(auth.Identity{UserID: "u-1", Email: "a@x.com"}, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()

	anonymous := NewAPI(APIConfig{BaseURL: srv.URL, Email: "a@x.com"})
	_, err = anonymous.ListConnections(ctx, "a@x.com")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	authed := NewAPI(APIConfig{BaseURL: srv.URL, Token: token})
	conns, err := authed.ListConnections(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestAPI_Ready(t *testing.T) {
	srv := newGatewayServer(t, nil)
	api := NewAPI(APIConfig{BaseURL: srv.URL + "/"})

	body, err := api.Ready(context.Background())
	require.NoError(t, err)
	assert.Contains(t, body, "ready")
}

func TestAPI_TransientIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"TransientStoreFailure","message":"database is locked"}`))
	}))
	defer srv.Close()

	api := NewAPI(APIConfig{BaseURL: srv.URL, Email: "a@x.com"})
	_, err := api.Send(context.Background(), "c-1", gateway.SendMessageRequest{Type: "question", Content: "x"})

	assert.ErrorIs(t, err, store.ErrTransient)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, "database is locked", apiErr.Message)
}

func TestAPI_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	api := NewAPI(APIConfig{BaseURL: srv.URL})
	_, err := api.ListThreads(context.Background(), "c-1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Name)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.Nil(t, errors.Unwrap(apiErr))
}
