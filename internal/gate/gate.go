// ABOUTME: Access gate deciding whether a user may open a thread or send an invite
// ABOUTME: Billing lives elsewhere; this package only asks and caches nothing

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrGateUnavailable wraps failures talking to the entitlement service.
var ErrGateUnavailable = errors.New("access gate unavailable")

// Gate answers yes/no before a new thread or invitation is created.
type Gate interface {
	CanCreateThread(ctx context.Context, userID string) (bool, error)
}

// AllowAll permits everything. Used when no entitlement service is configured.
type AllowAll struct{}

func (AllowAll) CanCreateThread(ctx context.Context, userID string) (bool, error) {
	return true, nil
}

// Static denies a fixed set of user IDs.
type Static struct {
	denied map[string]bool
}

// NewStatic creates a Static gate denying the given users.
func NewStatic(denied ...string) *Static {
	s := &Static{denied: make(map[string]bool)}
	for _, id := range denied {
		s.denied[id] = true
	}
	return s
}

func (s *Static) CanCreateThread(ctx context.Context, userID string) (bool, error) {
	return !s.denied[userID], nil
}

// HTTPGate asks an external entitlement service:
//
//	GET {base}/v1/entitlements/{userID}/threads -> {"allowed": true}
type HTTPGate struct {
	client *resty.Client
	logger *slog.Logger
}

type entitlementResponse struct {
	Allowed bool `json:"allowed"`
}

// NewHTTPGate creates a gate backed by the entitlement service at baseURL.
func NewHTTPGate(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPGate {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "parley-gateway/1.0").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &HTTPGate{
		client: client,
		logger: logger.With("component", "gate"),
	}
}

// CanCreateThread implements Gate. Any transport or decoding failure returns an error
// wrapping ErrGateUnavailable; callers treat that as a denial.
func (g *HTTPGate) CanCreateThread(ctx context.Context, userID string) (bool, error) {
	var result entitlementResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("userID", userID).
		SetResult(&result).
		Get("/v1/entitlements/{userID}/threads")
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrGateUnavailable, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		g.logger.Debug("entitlement checked", "user_id", userID, "allowed", result.Allowed)
		return result.Allowed, nil
	case http.StatusForbidden, http.StatusPaymentRequired, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: entitlement service returned %d", ErrGateUnavailable, resp.StatusCode())
	}
}

var (
	_ Gate = AllowAll{}
	_ Gate = (*Static)(nil)
	_ Gate = (*HTTPGate)(nil)
)
