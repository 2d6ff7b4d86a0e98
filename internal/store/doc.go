// Package store provides persistent storage for the dialogue core using SQLite.
//
// # Data Models
//
//   - Connection: durable pairing of an inviter and an invitee (pending, accepted, declined)
//   - Conversation: one thread of alternating messages under a connection; CurrentTurn
//     names the participant allowed to write next
//   - Message: immutable question or response, ordered by Seq (acceptance order)
//
// # Atomic Operations
//
// Three operations take callbacks and run them inside a single transaction:
//
//	store.ResolveThread(ctx, connectionID, func(conn, threads) (*Conversation, error) { ... })
//	store.ApplyTurn(ctx, conversationID, func(conv) (*Message, string, error) { ... })
//	store.ResolveAndApply(ctx, connectionID, pick, apply)
//
// ApplyTurn reads the conversation row, lets the caller decide, then appends the message and
// flips current_turn with a compare-and-set on (current_turn, message_count). A losing racer
// re-reads the row and is evaluated again against the new state, so double submissions
// produce exactly one accepted message. ResolveAndApply does both in one transaction, so a
// thread it opens is only persisted together with its first message. A message's CreatedAt
// is never earlier than the conversation's last activity, even if the wall clock steps back.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection. Timestamps are stored as fixed-width UTC text so
// ORDER BY on them matches time order.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrTransient: driver or I/O failure, safe for the caller to retry
//   - ErrStatusConflict: connection is not in the expected lifecycle status
//   - ErrDuplicate: entity ID already exists
//
// # Testing
//
// MockStore is an in-memory implementation with the same semantics, guarded by one mutex.
package store
