// Package gateway orchestrates the parley-gateway server components.
//
// # Overview
//
// The gateway package is the process-level coordinator. It owns the data store, the
// conversation service, the realtime broadcaster and websocket handler, the notification
// dispatcher and the HTTP server, and it stops them in dependency order on shutdown.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    conversation *conversation.Service
//	    auth         *auth.Authenticator
//	    httpServer   *http.Server
//	    broadcaster  *realtime.Broadcaster
//	    realtime     *realtime.Handler
//	    dispatcher   *notify.Dispatcher
//	    // ...
//	}
//
// # HTTP API
//
// Every API route runs behind the authenticator. With a JWT secret configured a bearer
// token is required; otherwise the caller may name itself with X-User-Email.
//
//	POST /conversations/{id}/messages   Send a question or response
//	GET  /conversations/{id}/messages   Messages in acceptance order (?limit=N)
//	GET  /conversations/{id}            Turn state (?viewer=email)
//
//	POST /connections                   Invite (201, pending)
//	GET  /connections?email=            Connections involving email
//	GET  /connections/{id}              One connection
//	POST /connections/{id}/accept       Invitee accepts
//	POST /connections/{id}/decline      Invitee declines
//	GET  /connections/{id}/threads      Thread summaries, most recent first
//	POST /connections/{id}/threads      Resolve the target thread (newQuestion)
//	POST /connections/{id}/messages     Resolve the target thread and send
//
//	GET  /ws                            Realtime channel
//	GET  /health                        Liveness
//	GET  /health/ready                  Store ping
//	GET  /metrics                       Prometheus metrics (path configurable)
//
// Failures carry {"error": "<Name>", "message": "..."} where Name is one of NotYourTurn,
// WrongMessageType, ConversationNotFound, ConnectionNotFound, ConnectionNotAccepted,
// ConnectionNotPending, OpenExchange, ThreadCreationDenied, InviteDenied, NotParticipant,
// IdentityMismatch, InvalidRequest, TransientStoreFailure, CorruptState or InternalError.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is cancelled, then shuts down
//
// Shutdown stops the HTTP server, closes realtime channels, drains queued notifications and
// closes the store.
package gateway
