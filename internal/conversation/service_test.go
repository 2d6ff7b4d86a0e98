// ABOUTME: Tests for the conversation service
// ABOUTME: Covers turn scenarios, thread resolution, connection lifecycle and side effects

package conversation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/gate"
	"github.com/2389/parley-gateway/internal/notify"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/turn"
)

const (
	alice = "a@x.com"
	bob   = "b@x.com"
)

// recordingPublisher captures realtime pushes.
type recordingPublisher struct {
	mu          sync.Mutex
	messages    map[string][]NewMessageEvent
	connections map[string][]ConnectionUpdateEvent
	err         error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		messages:    make(map[string][]NewMessageEvent),
		connections: make(map[string][]ConnectionUpdateEvent),
	}
}

func (p *recordingPublisher) PublishNewMessage(recipient string, ev NewMessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[recipient] = append(p.messages[recipient], ev)
	return p.err
}

func (p *recordingPublisher) PublishConnectionUpdate(recipient string, ev ConnectionUpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections[recipient] = append(p.connections[recipient], ev)
	return p.err
}

// recordingNotifier captures queued notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Enqueue(ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) last() notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type failingGate struct{}

func (failingGate) CanCreateThread(ctx context.Context, userID string) (bool, error) {
	return false, errors.New("entitlements timeout")
}

type testEnv struct {
	svc       *Service
	store     store.Store
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func newTestEnv(t *testing.T, st store.Store, g gate.Gate) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMockStore()
	}
	pub := newRecordingPublisher()
	n := &recordingNotifier{}
	return &testEnv{
		svc:       New(st, pub, g, n, nil),
		store:     st,
		publisher: pub,
		notifier:  n,
	}
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// acceptedConnection creates an invitation from alice to bob and accepts it.
func (e *testEnv) acceptedConnection(t *testing.T) *store.Connection {
	t.Helper()
	ctx := context.Background()

	conn, err := e.svc.Invite(ctx, &InviteRequest{
		InviterEmail:     alice,
		InviteeEmail:     bob,
		RelationshipType: "parent-child",
		InviterRole:      "Mom",
	})
	require.NoError(t, err)

	conn, err = e.svc.Respond(ctx, &RespondRequest{ConnectionID: conn.ID, ResponderEmail: bob, Accept: true})
	require.NoError(t, err)
	return conn
}

func text(sender string, msgType store.MessageType, content string) *SendRequest {
	return &SendRequest{SenderEmail: sender, Type: msgType, Content: content}
}

func TestService_ScenarioA(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	res, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "How was school?"))
	require.NoError(t, err)
	assert.Equal(t, bob, res.Conversation.CurrentTurn)
	assert.Equal(t, alice, res.Conversation.Participant1Email)
	convID := res.Conversation.ID

	_, err = env.svc.Send(ctx, &SendRequest{ConversationID: convID, SenderEmail: bob, Type: store.MessageTypeQuestion, Content: "?"})
	assert.ErrorIs(t, err, turn.ErrWrongMessageType)

	res, err = env.svc.Send(ctx, &SendRequest{ConversationID: convID, SenderEmail: bob, Type: store.MessageTypeResponse, Content: "Fine"})
	require.NoError(t, err)
	assert.Equal(t, alice, res.Conversation.CurrentTurn)

	messages, err := env.svc.ListMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.MessageTypeQuestion, messages[0].Type)
	assert.Equal(t, store.MessageTypeResponse, messages[1].Type)
}

func TestService_ScenarioB(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	for _, msgType := range []store.MessageType{store.MessageTypeQuestion, store.MessageTypeResponse} {
		_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(bob, msgType, "hi"))
		assert.ErrorIs(t, err, turn.ErrNotYourTurn)
	}

	threads, err := env.svc.ListThreads(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, threads, "invitee must not open the first thread")

	// Once alice has opened it, bob still cannot send first there either
	conv, _, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, false)
	require.NoError(t, err)
	_, err = env.svc.Send(ctx, &SendRequest{ConversationID: conv.ID, SenderEmail: bob, Type: store.MessageTypeQuestion, Content: "hi"})
	assert.ErrorIs(t, err, turn.ErrNotYourTurn)

	messages, err := env.svc.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestService_ScenarioC(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	first, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
	require.NoError(t, err)
	_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "r1"))
	require.NoError(t, err)

	conv, created, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.Conversation.ID, conv.ID)
	assert.Equal(t, alice, conv.Participant1Email)
	assert.Equal(t, bob, conv.Participant2Email)
	assert.Equal(t, alice, conv.CurrentTurn)

	res, err := env.svc.Send(ctx, &SendRequest{ConversationID: conv.ID, SenderEmail: alice, Type: store.MessageTypeQuestion, Content: "q2"})
	require.NoError(t, err)
	assert.Equal(t, bob, res.Conversation.CurrentTurn)

	threads, err := env.svc.ListThreads(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, conv.ID, threads[0].ID)
	assert.True(t, threads[0].AwaitingResponse)
	assert.Equal(t, store.MessageTypeResponse, threads[0].NextType)
	assert.True(t, threads[1].Completed)
}

func TestService_NewQuestionRules(t *testing.T) {
	ctx := context.Background()

	t.Run("open exchange blocks", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		conn := env.acceptedConnection(t)
		_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
		require.NoError(t, err)

		for _, sender := range []string{alice, bob} {
			_, _, err = env.svc.ResolveTargetConversation(ctx, conn.ID, sender, true)
			assert.ErrorIs(t, err, ErrOpenExchange, sender)
		}
	})

	t.Run("only the turn holder of a completed thread", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		conn := env.acceptedConnection(t)
		_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
		require.NoError(t, err)
		_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "r1"))
		require.NoError(t, err)

		_, _, err = env.svc.ResolveTargetConversation(ctx, conn.ID, bob, true)
		assert.ErrorIs(t, err, turn.ErrNotYourTurn)
	})

	t.Run("repeated request reuses the empty thread", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		conn := env.acceptedConnection(t)
		_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
		require.NoError(t, err)
		_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "r1"))
		require.NoError(t, err)

		first, created, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, true)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, true)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)

		threads, err := env.svc.ListThreads(ctx, conn.ID)
		require.NoError(t, err)
		assert.Len(t, threads, 2)
	})

	t.Run("first thread via new question", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		conn := env.acceptedConnection(t)

		conv, created, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, true)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, alice, conv.CurrentTurn)
	})
}

func TestService_GateDecisions(t *testing.T) {
	ctx := context.Background()

	for name, g := range map[string]gate.Gate{
		"denied": gate.NewStatic(alice),
		"error":  failingGate{},
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			conn := env.acceptedConnection(t)
			_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
			require.NoError(t, err)
			_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "r1"))
			require.NoError(t, err)

			env.svc.gate = g
			_, _, err = env.svc.ResolveTargetConversation(ctx, conn.ID, alice, true)
			assert.ErrorIs(t, err, ErrThreadCreationDenied)

			threads, err := env.svc.ListThreads(ctx, conn.ID)
			require.NoError(t, err)
			assert.Len(t, threads, 1)

			// Continuing the existing thread is not gated
			_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q2"))
			assert.NoError(t, err)
		})
	}
}

func TestService_ConnectionPreconditions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	pending, err := env.svc.Invite(ctx, &InviteRequest{InviterEmail: alice, InviteeEmail: bob, RelationshipType: "friends"})
	require.NoError(t, err)

	_, err = env.svc.SendToConnection(ctx, pending.ID, false, text(alice, store.MessageTypeQuestion, "hi"))
	assert.ErrorIs(t, err, ErrConnectionNotAccepted)

	_, err = env.svc.Respond(ctx, &RespondRequest{ConnectionID: pending.ID, ResponderEmail: bob, Accept: true})
	require.NoError(t, err)

	_, _, err = env.svc.ResolveTargetConversation(ctx, pending.ID, "mallory@x.com", false)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, _, err = env.svc.ResolveTargetConversation(ctx, "missing", alice, false)
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	_, err = env.svc.ListThreads(ctx, "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestService_SendErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	_, err := env.svc.Send(ctx, &SendRequest{ConversationID: "missing", SenderEmail: alice, Type: store.MessageTypeQuestion, Content: "hi"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	invalid := []*SendRequest{
		{ConversationID: "c", Type: store.MessageTypeQuestion, Content: "no sender"},
		{ConversationID: "c", SenderEmail: alice, Type: "statement", Content: "bad type"},
		{ConversationID: "c", SenderEmail: alice, Type: store.MessageTypeQuestion, Content: "   "},
		{ConversationID: "c", SenderEmail: alice, Type: store.MessageTypeQuestion, Format: store.FormatVoice},
		{ConversationID: "c", SenderEmail: alice, Type: store.MessageTypeQuestion, Format: "video", Content: "x"},
	}
	for _, req := range invalid {
		_, err := env.svc.Send(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidMessage, "%+v", req)
	}
}

func TestService_CorruptTurnStateIsReplayed(t *testing.T) {
	ctx := context.Background()
	mock := store.NewMockStore()
	now := time.Now().UTC()
	require.NoError(t, mock.CreateConversation(ctx, &store.Conversation{
		ID:                "conv-bad",
		ConnectionID:      "conn-1",
		Participant1Email: alice,
		Participant2Email: bob,
		CurrentTurn:       "mallory@x.com",
		CreatedAt:         now,
		LastActivityAt:    now,
	}))

	var logs bytes.Buffer
	svc := New(mock, nil, nil, nil, slog.New(slog.NewTextHandler(&logs, nil)))

	_, err := svc.Send(ctx, &SendRequest{ConversationID: "conv-bad", SenderEmail: alice, Type: store.MessageTypeQuestion, Content: "hi"})
	assert.ErrorIs(t, err, turn.ErrCorruptState)

	out := logs.String()
	assert.Contains(t, out, "conversation has corrupt turn state")
	assert.Contains(t, out, "stored_current_turn=mallory@x.com")
	assert.Contains(t, out, "replayed_current_turn="+alice)
}

func TestService_TransientFailureIsRetryable(t *testing.T) {
	mock := store.NewMockStore()
	env := newTestEnv(t, mock, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	conv, _, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, false)
	require.NoError(t, err)

	mock.FailNextApply = store.ErrTransient
	req := &SendRequest{ConversationID: conv.ID, SenderEmail: alice, Type: store.MessageTypeQuestion, Content: "hi"}
	_, err = env.svc.Send(ctx, req)
	assert.ErrorIs(t, err, store.ErrTransient)

	state, err := env.svc.GetTurnState(ctx, conv.ID, "")
	require.NoError(t, err)
	assert.Equal(t, alice, state.CurrentTurn, "turn must not flip on a failed append")
	assert.Empty(t, env.publisher.messages)

	// The same request succeeds on retry
	_, err = env.svc.Send(ctx, req)
	assert.NoError(t, err)
}

// countingGate allows everything and counts the questions it was asked.
type countingGate struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGate) CanCreateThread(ctx context.Context, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return true, nil
}

func (g *countingGate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestService_RejectedSendToConnectionLeavesNoThread(t *testing.T) {
	ctx := context.Background()
	stores := map[string]func(t *testing.T) store.Store{
		"mock":   func(t *testing.T) store.Store { return store.NewMockStore() },
		"sqlite": func(t *testing.T) store.Store { return createTestStore(t) },
	}

	for name, newStore := range stores {
		t.Run(name+"/new question typed as response", func(t *testing.T) {
			g := &countingGate{}
			env := newTestEnv(t, newStore(t), g)
			conn := env.acceptedConnection(t)
			_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
			require.NoError(t, err)
			_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "r1"))
			require.NoError(t, err)

			_, err = env.svc.SendToConnection(ctx, conn.ID, true, text(alice, store.MessageTypeResponse, "oops"))
			assert.ErrorIs(t, err, turn.ErrWrongMessageType)
			assert.Zero(t, g.Calls(), "a send that cannot be accepted must not consume a gate check")

			threads, err := env.svc.ListThreads(ctx, conn.ID)
			require.NoError(t, err)
			require.Len(t, threads, 1)
			assert.Equal(t, 2, threads[0].MessageCount)

			// The same new question typed correctly opens exactly one thread
			res, err := env.svc.SendToConnection(ctx, conn.ID, true, text(alice, store.MessageTypeQuestion, "q2"))
			require.NoError(t, err)
			assert.Equal(t, 1, g.Calls())
			assert.Equal(t, 1, res.Message.Seq)

			threads, err = env.svc.ListThreads(ctx, conn.ID)
			require.NoError(t, err)
			require.Len(t, threads, 2)
			assert.Equal(t, res.Conversation.ID, threads[0].ID)
			assert.Equal(t, 1, threads[0].MessageCount)
		})

		t.Run(name+"/first send typed as response", func(t *testing.T) {
			env := newTestEnv(t, newStore(t), nil)
			conn := env.acceptedConnection(t)

			_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeResponse, "r0"))
			assert.ErrorIs(t, err, turn.ErrWrongMessageType)

			threads, err := env.svc.ListThreads(ctx, conn.ID)
			require.NoError(t, err)
			assert.Empty(t, threads)
			assert.Empty(t, env.publisher.messages)
		})

		t.Run(name+"/first send from the invitee", func(t *testing.T) {
			env := newTestEnv(t, newStore(t), nil)
			conn := env.acceptedConnection(t)

			_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeQuestion, "q0"))
			assert.ErrorIs(t, err, turn.ErrNotYourTurn)

			threads, err := env.svc.ListThreads(ctx, conn.ID)
			require.NoError(t, err)
			assert.Empty(t, threads)
		})
	}

	t.Run("mock/transient failure opens no thread", func(t *testing.T) {
		mock := store.NewMockStore()
		env := newTestEnv(t, mock, nil)
		conn := env.acceptedConnection(t)

		mock.FailNextApply = store.ErrTransient
		_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
		assert.ErrorIs(t, err, store.ErrTransient)

		threads, err := env.svc.ListThreads(ctx, conn.ID)
		require.NoError(t, err)
		assert.Empty(t, threads)

		_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
		assert.NoError(t, err)
	})
}

func TestService_FanoutFailureDoesNotFailSend(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.publisher.err = errors.New("channel unavailable")
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	res, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "still stored"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Message.Seq)
}

func TestService_SideEffects(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	res, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "How was **school**?"))
	require.NoError(t, err)

	for _, who := range []string{alice, bob} {
		require.Len(t, env.publisher.messages[who], 1, who)
		ev := env.publisher.messages[who][0]
		assert.Equal(t, res.Conversation.ID, ev.ConversationID)
		assert.Equal(t, "Mom", ev.SenderName, "role label wins over email")
		assert.Equal(t, "question", ev.MessageType)
		assert.Equal(t, "parent-child", ev.RelationshipType)
		assert.Equal(t, bob, ev.CurrentTurn)
	}

	n := env.notifier.last()
	assert.Equal(t, notify.KindNewMessage, n.Kind)
	assert.Equal(t, bob, n.Recipient)
	assert.Equal(t, res.Message.ID, n.ID)
	assert.Contains(t, n.PreviewHTML, "<strong>school</strong>")

	// bob has no role label, so his name comes from the email
	_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "b", env.publisher.messages[alice][1].SenderName)
	assert.Equal(t, alice, env.notifier.last().Recipient)
}

func TestService_VoiceMessagePreviewUsesTranscription(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	_, err := env.svc.SendToConnection(ctx, conn.ID, false, &SendRequest{
		SenderEmail:   alice,
		Type:          store.MessageTypeQuestion,
		Format:        store.FormatVoice,
		AudioFileURL:  "https://files.example/voice-1.webm",
		Transcription: "what did you eat",
	})
	require.NoError(t, err)
	assert.Equal(t, "what did you eat", env.notifier.last().PreviewText)
}

func TestService_ConcurrentDoubleSubmit(t *testing.T) {
	env := newTestEnv(t, createTestStore(t), nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	conv, _, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, false)
	require.NoError(t, err)

	const attempts = 6
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Go(func() {
			_, errs[i] = env.svc.Send(ctx, &SendRequest{
				ConversationID: conv.ID,
				SenderEmail:    alice,
				Type:           store.MessageTypeQuestion,
				Content:        "double click",
			})
		})
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, turn.ErrNotYourTurn)
	}
	assert.Equal(t, 1, accepted)

	messages, err := env.svc.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestService_ConcurrentNewQuestionOpensOneThread(t *testing.T) {
	env := newTestEnv(t, createTestStore(t), nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	_, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
	require.NoError(t, err)
	_, err = env.svc.SendToConnection(ctx, conn.ID, false, text(bob, store.MessageTypeResponse, "r1"))
	require.NoError(t, err)

	ids := make([]string, 4)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Go(func() {
			conv, _, err := env.svc.ResolveTargetConversation(ctx, conn.ID, alice, true)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		})
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	threads, err := env.svc.ListThreads(ctx, conn.ID)
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestService_GetTurnState(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	conn := env.acceptedConnection(t)

	res, err := env.svc.SendToConnection(ctx, conn.ID, false, text(alice, store.MessageTypeQuestion, "q1"))
	require.NoError(t, err)
	convID := res.Conversation.ID

	ts, err := env.svc.GetTurnState(ctx, convID, bob)
	require.NoError(t, err)
	assert.True(t, ts.YourTurn)
	assert.Equal(t, store.MessageTypeResponse, ts.CanSend)

	ts, err = env.svc.GetTurnState(ctx, convID, alice)
	require.NoError(t, err)
	assert.False(t, ts.YourTurn)
	assert.Empty(t, ts.CanSend)
	assert.Equal(t, bob, ts.CurrentTurn)

	_, err = env.svc.GetTurnState(ctx, convID, "mallory@x.com")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = env.svc.GetTurnState(ctx, "missing", alice)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestService_InviteAndRespond(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	conn, err := env.svc.Invite(ctx, &InviteRequest{InviterEmail: " A@X.com ", InviteeEmail: bob, RelationshipType: "friends"})
	require.NoError(t, err)
	assert.Equal(t, alice, conn.InviterEmail)
	assert.Equal(t, store.ConnectionPending, conn.Status)
	assert.Equal(t, notify.KindInvitation, env.notifier.last().Kind)
	assert.Equal(t, bob, env.notifier.last().Recipient)

	_, err = env.svc.Respond(ctx, &RespondRequest{ConnectionID: conn.ID, ResponderEmail: alice, Accept: true})
	assert.ErrorIs(t, err, ErrNotParticipant, "the inviter cannot accept their own invitation")

	declined, err := env.svc.Respond(ctx, &RespondRequest{ConnectionID: conn.ID, ResponderEmail: bob})
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionDeclined, declined.Status)

	_, err = env.svc.Respond(ctx, &RespondRequest{ConnectionID: conn.ID, ResponderEmail: bob, Accept: true})
	assert.ErrorIs(t, err, ErrConnectionNotPending)

	for _, who := range []string{alice, bob} {
		updates := env.publisher.connections[who]
		require.Len(t, updates, 2, who)
		assert.Equal(t, "pending", updates[0].Status)
		assert.Equal(t, "declined", updates[1].Status)
	}
	assert.Equal(t, alice, env.notifier.last().Recipient)

	conns, err := env.svc.ListConnections(ctx, "B@x.com")
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestService_RespondRecordsInviteeUserID(t *testing.T) {
	for name, st := range map[string]func(t *testing.T) store.Store{
		"mock":   func(t *testing.T) store.Store { return store.NewMockStore() },
		"sqlite": func(t *testing.T) store.Store { return createTestStore(t) },
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, st(t), nil)
			ctx := context.Background()

			conn, err := env.svc.Invite(ctx, &InviteRequest{InviterEmail: alice, InviterUserID: "user-a", InviteeEmail: bob, RelationshipType: "friends"})
			require.NoError(t, err)
			assert.Empty(t, conn.InviteeUserID)

			accepted, err := env.svc.Respond(ctx, &RespondRequest{ConnectionID: conn.ID, ResponderEmail: bob, ResponderUserID: "user-b", Accept: true})
			require.NoError(t, err)
			assert.Equal(t, "user-b", accepted.InviteeUserID)

			stored, err := env.svc.GetConnection(ctx, conn.ID)
			require.NoError(t, err)
			assert.Equal(t, "user-a", userIDFor(stored, alice))
			assert.Equal(t, "user-b", userIDFor(stored, bob))
		})
	}
}

func TestService_InviteValidation(t *testing.T) {
	env := newTestEnv(t, nil, gate.NewStatic("blocked-user"))
	ctx := context.Background()

	bad := []*InviteRequest{
		{InviterEmail: "nope", InviteeEmail: bob, RelationshipType: "friends"},
		{InviterEmail: alice, InviteeEmail: "", RelationshipType: "friends"},
		{InviterEmail: alice, InviteeEmail: "A@x.com", RelationshipType: "friends"},
		{InviterEmail: alice, InviteeEmail: bob},
	}
	for _, req := range bad {
		_, err := env.svc.Invite(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInvite, "%+v", req)
	}

	_, err := env.svc.Invite(ctx, &InviteRequest{InviterEmail: alice, InviterUserID: "blocked-user", InviteeEmail: bob, RelationshipType: "friends"})
	assert.ErrorIs(t, err, ErrInviteDenied)
}
