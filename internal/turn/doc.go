// Package turn decides whose turn it is in a conversation and which message type is legal.
//
// Everything here is a pure function of (participant1, participant2, history). Evaluate
// checks, in order: state sanity, sender holds the turn, participant1 opens, and the
// proposed type matches the alternation question, response, question, ...
//
// Both rejections (ErrNotYourTurn, ErrWrongMessageType) are terminal. The engine never
// retries; store.ApplyTurn runs Evaluate inside the transaction that appends the message.
package turn
