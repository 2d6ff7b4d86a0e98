// ABOUTME: Contract tests for the HTTP API surface to detect breaking route changes.
// ABOUTME: Validates that every documented route is mounted and guarded by authentication.

package contract

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/gateway"
)

// expectedRoutes defines the contract for the dialogue API.
// Clients are built against these; removing or renaming one is a breaking change.
var expectedRoutes = []struct {
	method string
	path   string
}{
	{http.MethodPost, "/conversations/c1/messages"},
	{http.MethodGet, "/conversations/c1/messages"},
	{http.MethodGet, "/conversations/c1"},
	{http.MethodPost, "/connections"},
	{http.MethodGet, "/connections"},
	{http.MethodGet, "/connections/k1"},
	{http.MethodPost, "/connections/k1/accept"},
	{http.MethodPost, "/connections/k1/decline"},
	{http.MethodGet, "/connections/k1/threads"},
	{http.MethodPost, "/connections/k1/threads"},
	{http.MethodPost, "/connections/k1/messages"},
}

// expectedErrorNames are the wire names clients match on.
var expectedErrorNames = []string{
	"NotYourTurn",
	"WrongMessageType",
	"ConversationNotFound",
	"ConnectionNotFound",
	"ConnectionNotAccepted",
	"ConnectionNotPending",
	"OpenExchange",
	"ThreadCreationDenied",
	"InviteDenied",
	"NotParticipant",
	"IdentityMismatch",
	"InvalidRequest",
	"TransientStoreFailure",
	"CorruptState",
	"InternalError",
}

// setupTestGateway builds a gateway requiring bearer tokens, so every API
// route answers an anonymous request with 401 instead of running a handler.
func setupTestGateway(t *testing.T) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: "contract-test-secret-contract-test-secret"},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate(), "test config should be valid")

	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "failed to create gateway")
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return gw.Handler()
}

// TestRouteSurface verifies that every expected route is mounted behind the
// authenticator. An unmounted route would answer 404 or 405 instead.
func TestRouteSurface(t *testing.T) {
	handler := setupTestGateway(t)

	for _, rt := range expectedRoutes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code, "route should be mounted and authenticated")

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "Unauthenticated", body["error"])
		})
	}
}

// TestProbesAreOpen verifies that health probes do not require credentials.
func TestProbesAreOpen(t *testing.T) {
	handler := setupTestGateway(t)

	for _, path := range []string{"/health", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "%s should be reachable without a token", path)
	}
}

// TestErrorNames verifies that the exported error names have not drifted.
func TestErrorNames(t *testing.T) {
	actual := []string{
		gateway.ErrNameNotYourTurn,
		gateway.ErrNameWrongMessageType,
		gateway.ErrNameConversationNotFound,
		gateway.ErrNameConnectionNotFound,
		gateway.ErrNameConnectionNotAccepted,
		gateway.ErrNameConnectionNotPending,
		gateway.ErrNameOpenExchange,
		gateway.ErrNameThreadCreationDenied,
		gateway.ErrNameInviteDenied,
		gateway.ErrNameNotParticipant,
		gateway.ErrNameIdentityMismatch,
		gateway.ErrNameInvalidRequest,
		gateway.ErrNameTransientStoreFailure,
		gateway.ErrNameCorruptState,
		gateway.ErrNameInternal,
	}
	assert.Equal(t, expectedErrorNames, actual)
}
