// ABOUTME: Turn engine deciding who may write next and which message type is legal
// ABOUTME: Pure functions over conversation state; persistence applies the decisions

package turn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/parley-gateway/internal/store"
)

var (
	// ErrNotYourTurn is returned when the sender does not hold the turn.
	ErrNotYourTurn = errors.New("not your turn")

	// ErrWrongMessageType is returned when the sender holds the turn but proposes the wrong type.
	ErrWrongMessageType = errors.New("wrong message type")

	// ErrCorruptState is returned when CurrentTurn names neither participant.
	ErrCorruptState = errors.New("current turn does not name a participant")

	// ErrUnknownMessageType is returned by ParseMessageType for anything but question/response.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrUnknownFormat is returned by ParseFormat for anything but text/voice.
	ErrUnknownFormat = errors.New("unknown message format")
)

// State is the turn-relevant view of a conversation.
type State struct {
	Participant1 string
	Participant2 string
	CurrentTurn  string
	MessageCount int
	LastType     store.MessageType
}

// Decision is the outcome of an accepted evaluation.
type Decision struct {
	Expected store.MessageType
	NextTurn string
}

// FromConversation extracts the engine state from a stored conversation.
func FromConversation(c *store.Conversation) State {
	return State{
		Participant1: c.Participant1Email,
		Participant2: c.Participant2Email,
		CurrentTurn:  c.CurrentTurn,
		MessageCount: c.MessageCount,
		LastType:     c.LastMessageType,
	}
}

// Initial is the state of a brand-new conversation opened by p1.
func Initial(p1, p2 string) State {
	return State{Participant1: p1, Participant2: p2, CurrentTurn: p1}
}

// Other returns the participant that is not email, or "" when email is not a participant.
func Other(s State, email string) string {
	switch email {
	case s.Participant1:
		return s.Participant2
	case s.Participant2:
		return s.Participant1
	}
	return ""
}

// Expected returns the message type the turn holder must send next.
func Expected(s State) store.MessageType {
	if s.MessageCount == 0 || s.LastType == store.MessageTypeResponse {
		return store.MessageTypeQuestion
	}
	return store.MessageTypeResponse
}

// Evaluate validates a proposed message against the state.
// The turn check runs before the type check, so a wrong sender always sees ErrNotYourTurn.
func Evaluate(s State, sender string, proposed store.MessageType) (Decision, error) {
	if s.CurrentTurn == "" || Other(s, s.CurrentTurn) == "" {
		return Decision{}, ErrCorruptState
	}

	if sender != s.CurrentTurn {
		return Decision{}, ErrNotYourTurn
	}

	// Only participant1 may open a conversation
	if s.MessageCount == 0 && sender != s.Participant1 {
		return Decision{}, ErrNotYourTurn
	}

	expected := Expected(s)
	if proposed != expected {
		return Decision{}, fmt.Errorf("%w: expected %s, got %s", ErrWrongMessageType, expected, proposed)
	}

	return Decision{Expected: expected, NextTurn: Other(s, sender)}, nil
}

// Advance returns the state after the message described by d was appended.
func Advance(s State, d Decision) State {
	s.CurrentTurn = d.NextTurn
	s.MessageCount++
	s.LastType = d.Expected
	return s
}

// Replay derives the state from an ordered history, failing on the first message that
// could not have been accepted.
func Replay(p1, p2 string, history []*store.Message) (State, error) {
	s := Initial(p1, p2)
	for i, msg := range history {
		d, err := Evaluate(s, msg.SenderEmail, msg.Type)
		if err != nil {
			return s, fmt.Errorf("message %d (%s): %w", i+1, msg.ID, err)
		}
		s = Advance(s, d)
	}
	return s, nil
}

// ParseMessageType normalizes a wire value into a MessageType.
func ParseMessageType(v string) (store.MessageType, error) {
	switch store.MessageType(strings.ToLower(strings.TrimSpace(v))) {
	case store.MessageTypeQuestion:
		return store.MessageTypeQuestion, nil
	case store.MessageTypeResponse:
		return store.MessageTypeResponse, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, v)
}

// ParseFormat normalizes a wire value into a MessageFormat. Empty means text.
func ParseFormat(v string) (store.MessageFormat, error) {
	switch store.MessageFormat(strings.ToLower(strings.TrimSpace(v))) {
	case "", store.FormatText:
		return store.FormatText, nil
	case store.FormatVoice:
		return store.FormatVoice, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, v)
}
