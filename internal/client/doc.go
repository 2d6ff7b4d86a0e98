// Package client talks to a running parley-gateway.
//
// # API
//
// API wraps the HTTP endpoints with typed requests and responses. Failed calls return an
// *APIError whose Unwrap yields the server-side sentinel, so callers branch with errors.Is:
//
//	_, err := api.Send(ctx, convID, gateway.SendMessageRequest{Type: "response", Content: "Yes"})
//	if errors.Is(err, turn.ErrNotYourTurn) {
//	    // wait for the other participant
//	}
//
// # Realtime
//
// RealtimeClient holds a subscribed websocket open. When the socket drops for any reason
// other than a normal close it reconnects after 1s, 2s, 4s, 8s and 16s (capped at 30s) and
// reports StatusDisconnected once the fifth attempt fails. Pushes are keyed by type and ID
// in a dedupe window, so an event replayed around a reconnect is delivered once.
package client
