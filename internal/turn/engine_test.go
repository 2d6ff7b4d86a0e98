// ABOUTME: Tests for the turn engine rules and history replay
// ABOUTME: Includes the alternation properties and the a@x.com / b@x.com scenarios

package turn

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/store"
)

const (
	alice = "a@x.com"
	bob   = "b@x.com"
)

var (
	question = store.MessageTypeQuestion
	response = store.MessageTypeResponse
)

func TestEvaluate_ScenarioA(t *testing.T) {
	s := Initial(alice, bob)

	d, err := Evaluate(s, alice, question)
	require.NoError(t, err)
	assert.Equal(t, bob, d.NextTurn)
	s = Advance(s, d)
	assert.Equal(t, bob, s.CurrentTurn)

	_, err = Evaluate(s, bob, question)
	assert.ErrorIs(t, err, ErrWrongMessageType)

	d, err = Evaluate(s, bob, response)
	require.NoError(t, err)
	s = Advance(s, d)
	assert.Equal(t, alice, s.CurrentTurn)
	assert.Equal(t, 2, s.MessageCount)
}

func TestEvaluate_ScenarioB(t *testing.T) {
	s := Initial(alice, bob)

	for _, proposed := range []store.MessageType{question, response} {
		_, err := Evaluate(s, bob, proposed)
		assert.ErrorIs(t, err, ErrNotYourTurn, "proposed %s", proposed)
	}
}

func TestEvaluate_TurnCheckedBeforeType(t *testing.T) {
	s := Initial(alice, bob)
	d, err := Evaluate(s, alice, question)
	require.NoError(t, err)
	s = Advance(s, d)

	// alice proposes the type that would be legal for bob
	_, err = Evaluate(s, alice, response)
	assert.ErrorIs(t, err, ErrNotYourTurn)
}

func TestEvaluate_Participant2MustNotOpen(t *testing.T) {
	// Even a state claiming participant2 holds the turn cannot open the conversation
	s := State{Participant1: alice, Participant2: bob, CurrentTurn: bob}

	_, err := Evaluate(s, bob, question)
	assert.ErrorIs(t, err, ErrNotYourTurn)
}

func TestEvaluate_CorruptState(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{"empty turn", State{Participant1: alice, Participant2: bob}},
		{"stranger turn", State{Participant1: alice, Participant2: bob, CurrentTurn: "c@x.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.state, alice, question)
			assert.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestEvaluate_NonParticipant(t *testing.T) {
	_, err := Evaluate(Initial(alice, bob), "mallory@x.com", question)
	assert.ErrorIs(t, err, ErrNotYourTurn)
}

func TestExpected(t *testing.T) {
	assert.Equal(t, question, Expected(State{}))
	assert.Equal(t, response, Expected(State{MessageCount: 1, LastType: question}))
	assert.Equal(t, question, Expected(State{MessageCount: 2, LastType: response}))
}

// Random submissions never break alternation, and the turn always belongs to the
// participant who did not send the last accepted message.
func TestEvaluate_AlternationProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	senders := []string{alice, bob}
	types := []store.MessageType{question, response}

	for run := range 50 {
		s := Initial(alice, bob)
		var history []*store.Message

		for range 40 {
			sender := senders[r.IntN(2)]
			proposed := types[r.IntN(2)]

			d, err := Evaluate(s, sender, proposed)
			if err != nil {
				continue
			}
			s = Advance(s, d)
			history = append(history, &store.Message{SenderEmail: sender, Type: proposed})

			assert.NotEqual(t, sender, s.CurrentTurn, "run %d", run)
		}

		for i, msg := range history {
			if i%2 == 0 {
				assert.Equal(t, question, msg.Type, "run %d message %d", run, i)
				assert.Equal(t, alice, msg.SenderEmail)
			} else {
				assert.Equal(t, response, msg.Type, "run %d message %d", run, i)
				assert.Equal(t, bob, msg.SenderEmail)
			}
		}

		replayed, err := Replay(alice, bob, history)
		require.NoError(t, err)
		assert.Equal(t, s, replayed)
	}
}

func TestReplay_RejectsBrokenHistory(t *testing.T) {
	history := []*store.Message{
		{ID: "m1", SenderEmail: alice, Type: question},
		{ID: "m2", SenderEmail: bob, Type: question},
	}

	s, err := Replay(alice, bob, history)
	assert.ErrorIs(t, err, ErrWrongMessageType)
	assert.Contains(t, err.Error(), "m2")
	assert.Equal(t, 1, s.MessageCount)
}

func TestFromConversation(t *testing.T) {
	conv := &store.Conversation{
		Participant1Email: alice,
		Participant2Email: bob,
		CurrentTurn:       bob,
		MessageCount:      1,
		LastMessageType:   question,
	}

	s := FromConversation(conv)
	d, err := Evaluate(s, bob, response)
	require.NoError(t, err)
	assert.Equal(t, alice, d.NextTurn)
}

func TestOther(t *testing.T) {
	s := Initial(alice, bob)
	assert.Equal(t, bob, Other(s, alice))
	assert.Equal(t, alice, Other(s, bob))
	assert.Empty(t, Other(s, "c@x.com"))
}

func TestParseMessageType(t *testing.T) {
	got, err := ParseMessageType(" Question ")
	require.NoError(t, err)
	assert.Equal(t, question, got)

	got, err = ParseMessageType("response")
	require.NoError(t, err)
	assert.Equal(t, response, got)

	_, err = ParseMessageType("statement")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestParseFormat(t *testing.T) {
	got, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, store.FormatText, got)

	got, err = ParseFormat("VOICE")
	require.NoError(t, err)
	assert.Equal(t, store.FormatVoice, got)

	_, err = ParseFormat("video")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
