// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Bearer header or access_token query; anonymous header identity when no secret is set

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Request identity errors.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrIdentityMismatch = errors.New("identity does not match sender")
)

// Request identity sources.
const (
	HeaderUserID  = "X-User-ID"
	HeaderEmail   = "X-User-Email"
	QueryUserID   = "user_id"
	QueryEmail    = "email"
	QueryToken    = "access_token"
	bearerPrefix  = "Bearer "
	errorBodyName = "Unauthenticated"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticator resolves request identities. With a nil verifier it runs in anonymous mode.
type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator. Pass a nil verifier for anonymous mode and a
// nil logger for default.
func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, logger: logger.With("component", "auth")}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil
}

// Identify extracts the identity of r. Browsers cannot set headers on websocket upgrades,
// so the token may also arrive in the access_token query parameter.
func (a *Authenticator) Identify(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return anonymousIdentity(r)
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		token = r.URL.Query().Get(QueryToken)
		if token == "" {
			return nil, errors.New(errMsg)
		}
	}

	id, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func anonymousIdentity(r *http.Request) (*Identity, error) {
	q := r.URL.Query()
	email := r.Header.Get(HeaderEmail)
	if email == "" {
		email = q.Get(QueryEmail)
	}
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrUnauthenticated
	}

	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		userID = q.Get(QueryUserID)
	}
	if userID == "" {
		userID = email
	}
	return &Identity{UserID: userID, Email: email}, nil
}

// Middleware attaches the caller's identity to the request context. When tokens are
// required, requests without a valid one are rejected with 401. In anonymous mode a
// request without identity headers passes through with no identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			if a.Enabled() {
				a.logger.Debug("rejecting unauthenticated request", "path", r.URL.Path, "error", err)
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// IdentifyEmail adapts Identify to the realtime handler's identity callback.
func (a *Authenticator) IdentifyEmail(r *http.Request) (string, error) {
	id, err := a.Identify(r)
	if err != nil {
		return "", err
	}
	return id.Email, nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorBodyName,
		"message": err.Error(),
	})
}
