// Package conversation provides the dialogue services between the HTTP/WebSocket
// handlers and the store.
//
// # Service
//
//	svc := conversation.New(store, publisher, gate, dispatcher, logger)
//
// Key operations:
//
//   - Send(ctx, req): validate a message with the turn engine and append it atomically
//   - SendToConnection(ctx, connectionID, newQuestion, req): resolve the thread and send in one
//     store transaction; a rejected send opens no thread
//   - ListThreads(ctx, connectionID): thread summaries, most recently active first
//   - ResolveTargetConversation(ctx, connectionID, sender, newQuestion): pick or open a thread
//   - GetTurnState(ctx, conversationID, viewer): whose turn it is and what viewer may send
//   - Invite / Respond / GetConnection / ListConnections: connection lifecycle
//
// # Threads
//
// A connection owns many conversations (threads). Exactly one exchange may be open at a
// time: a new thread is only opened when the sender holds the turn in the latest thread,
// that thread is completed and no thread awaits a response. The first thread is opened
// lazily when the inviter first sends.
//
// # Side Effects
//
// After a message commits, new_message is pushed to both participants through the
// EventPublisher and a notification is queued for the participant who now holds the
// turn. Neither can fail the send; errors are logged.
//
// A conversation whose stored turn is not a participant is rejected with
// turn.ErrCorruptState and its history is replayed into the log for diagnosis.
package conversation
