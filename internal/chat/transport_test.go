package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/pollquiz/internal/quiz"
	"github.com/gokatarajesh/pollquiz/internal/session"
	ws "github.com/gokatarajesh/pollquiz/pkg/http/ws"
)

type answerCall struct {
	pollID        string
	participantID int64
	option        int
}

type fakeEngine struct {
	mu      sync.Mutex
	answers []answerCall
	closes  []string
}

func (f *fakeEngine) HandleAnswer(_ context.Context, pollID string, participantID int64, option int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answerCall{pollID, participantID, option})
}

func (f *fakeEngine) HandlePollUpdate(_ context.Context, pollID string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if closed {
		f.closes = append(f.closes, pollID)
	}
}

func (f *fakeEngine) StartSession(_ context.Context, participantID, quizID int64) (*session.Session, error) {
	if quizID == 404 {
		return nil, quiz.ErrQuizNotFound
	}
	return &session.Session{ID: 5, ParticipantID: participantID, QuizID: quizID, TotalQuestions: 3}, nil
}

func (f *fakeEngine) StopSession(context.Context, int64) (quiz.Stats, error) {
	return quiz.Stats{}, quiz.ErrNoActiveSession
}

func (f *fakeEngine) StartGroupLobby(_ context.Context, chatID, ownerID, quizID int64) (*quiz.Lobby, error) {
	return &quiz.Lobby{ChatID: chatID, OwnerID: ownerID, QuizID: quizID, Status: quiz.LobbyWaiting, MinPlayers: 2}, nil
}

func (f *fakeEngine) JoinLobby(context.Context, int64, int64) (quiz.JoinResult, error) {
	return quiz.JoinResult{Joined: 1, Needed: 2}, nil
}

func (f *fakeEngine) CancelLobby(context.Context, int64, int64) error { return nil }

func (f *fakeEngine) StopGroupQuiz(context.Context, int64, int64) (*quiz.Leaderboard, error) {
	return nil, quiz.ErrNotPermitted
}

func (f *fakeEngine) answerCalls() []answerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]answerCall(nil), f.answers...)
}

func (f *fakeEngine) closeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closes...)
}

type fixture struct {
	engine    *fakeEngine
	transport *Transport
	server    *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	hub := ws.NewHub(zerolog.Nop())
	engine := &fakeEngine{}
	transport := NewTransport(hub, opts, zerolog.Nop())
	transport.Bind(engine)
	handler := NewHandler(engine, transport, hub, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)
	t.Cleanup(transport.Close)
	return &fixture{engine: engine, transport: transport, server: srv}
}

func (f *fixture) dial(t *testing.T, participantID int64, name string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s?participant_id=%d&name=%s", strings.TrimPrefix(f.server.URL, "http"), participantID, name)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, requestID string, payload any) {
	t.Helper()
	msg, err := ws.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.RequestID = requestID
	require.NoError(t, conn.WriteJSON(msg))
}

// expect reads until a message of msgType arrives, skipping anything else.
func expect(t *testing.T, conn *websocket.Conn, msgType string) ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func payloadOf[T any](t *testing.T, msg ws.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

// register makes sure the hub knows the connection before the test sends to it.
func register(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, ws.TypeJoinChat, "hello", ws.JoinChatPayload{ChatID: 1 << 40})
	expect(t, conn, ws.TypeAck)
}

func TestChat_StartQuizAck(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, 42, "alice")

	send(t, conn, ws.TypeStartQuiz, "r1", ws.StartQuizPayload{QuizID: 1})
	ack := expect(t, conn, ws.TypeAck)
	assert.Equal(t, "r1", ack.RequestID)

	body := payloadOf[struct {
		Command string         `json:"command"`
		Result  map[string]any `json:"result"`
	}](t, ack)
	assert.Equal(t, ws.TypeStartQuiz, body.Command)
	assert.Equal(t, float64(5), body.Result["session_id"])
	assert.Equal(t, float64(3), body.Result["questions"])
}

func TestChat_PollVoteRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, 42, "alice")
	register(t, conn)

	ref, err := f.transport.SendPoll(context.Background(), quiz.Poll{
		ChatID:   42,
		Question: "1/1. Capital of France?",
		Options:  []string{"Paris", "Lyon"},
		OpenFor:  time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), ref.ChatID)

	poll := payloadOf[ws.PollPayload](t, expect(t, conn, ws.TypePoll))
	assert.Equal(t, ref.PollID, poll.PollID)
	assert.Equal(t, []string{"Paris", "Lyon"}, poll.Options)
	assert.Equal(t, 3600, poll.OpenForSeconds)

	send(t, conn, ws.TypeAnswer, "bad", ws.AnswerPayload{PollID: ref.PollID, Option: 5})
	assert.Equal(t, "invalid_option", payloadOf[ws.ErrorPayload](t, expect(t, conn, ws.TypeError)).Code)

	send(t, conn, ws.TypeAnswer, "ok", ws.AnswerPayload{PollID: ref.PollID, Option: 1})
	expect(t, conn, ws.TypeAck)
	assert.Equal(t, []answerCall{{ref.PollID, 42, 1}}, f.engine.answerCalls())

	send(t, conn, ws.TypeAnswer, "dup", ws.AnswerPayload{PollID: ref.PollID, Option: 0})
	assert.Equal(t, "already_voted", payloadOf[ws.ErrorPayload](t, expect(t, conn, ws.TypeError)).Code)
	assert.Len(t, f.engine.answerCalls(), 1)
}

func TestChat_PollExpiryReportsCloseOnce(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, 42, "alice")
	register(t, conn)

	ref, err := f.transport.SendPoll(context.Background(), quiz.Poll{ChatID: 42, Question: "q", Options: []string{"a", "b"}, OpenFor: 30 * time.Millisecond})
	require.NoError(t, err)

	closed := payloadOf[ws.PollClosedPayload](t, expect(t, conn, ws.TypePollClosed))
	assert.Equal(t, ref.PollID, closed.PollID)
	require.Eventually(t, func() bool { return len(f.engine.closeCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.transport.StopPoll(context.Background(), ref))
	send(t, conn, ws.TypeAnswer, "late", ws.AnswerPayload{PollID: ref.PollID, Option: 0})
	assert.Equal(t, "poll_closed", payloadOf[ws.ErrorPayload](t, expect(t, conn, ws.TypeError)).Code)
	assert.Equal(t, []string{ref.PollID}, f.engine.closeCalls())
}

func TestChat_StopPollIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, 42, "alice")
	register(t, conn)
	ctx := context.Background()

	ref, err := f.transport.SendPoll(ctx, quiz.Poll{ChatID: 42, Question: "q", Options: []string{"a", "b"}, OpenFor: time.Hour})
	require.NoError(t, err)

	require.NoError(t, f.transport.StopPoll(ctx, ref))
	require.NoError(t, f.transport.StopPoll(ctx, ref))
	require.NoError(t, f.transport.StopPoll(ctx, quiz.PollRef{PollID: "unknown"}))
	expect(t, conn, ws.TypePollClosed)

	assert.Empty(t, f.engine.closeCalls(), "an early stop is not reported back as a close")
}

func TestChat_GroupMembershipAdminAndNotices(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.dial(t, 1, "alice")
	bob := f.dial(t, 2, "bob")
	ctx := context.Background()

	send(t, alice, ws.TypeJoinChat, "a", ws.JoinChatPayload{ChatID: -100})
	assert.Equal(t, true, payloadOf[ws.AckPayload](t, expect(t, alice, ws.TypeAck)).Result.(map[string]any)["admin"])
	send(t, bob, ws.TypeJoinChat, "b", ws.JoinChatPayload{ChatID: -100})
	assert.Equal(t, false, payloadOf[ws.AckPayload](t, expect(t, bob, ws.TypeAck)).Result.(map[string]any)["admin"])

	admin, err := f.transport.IsChatAdmin(ctx, -100, 1)
	require.NoError(t, err)
	assert.True(t, admin)
	admin, err = f.transport.IsChatAdmin(ctx, -100, 2)
	require.NoError(t, err)
	assert.False(t, admin)

	assert.Equal(t, "alice", f.transport.DisplayName(ctx, 1))
	assert.Equal(t, "participant 9", f.transport.DisplayName(ctx, 9))

	require.NoError(t, f.transport.Notify(ctx, -100, quiz.Notice{Kind: quiz.NoticeCountdown, Text: "3...", Countdown: 3}))
	for _, conn := range []*websocket.Conn{alice, bob} {
		n := payloadOf[ws.NoticePayload](t, expect(t, conn, ws.TypeNotice))
		assert.Equal(t, "countdown", n.Kind)
		assert.Equal(t, 3, n.Countdown)
	}

	// outsiders cannot vote in the group's polls
	carol := f.dial(t, 3, "carol")
	register(t, carol)
	ref, err := f.transport.SendPoll(ctx, quiz.Poll{ChatID: -100, Question: "q", Options: []string{"a", "b"}, OpenFor: time.Hour})
	require.NoError(t, err)
	send(t, carol, ws.TypeAnswer, "c", ws.AnswerPayload{PollID: ref.PollID, Option: 0})
	assert.Equal(t, "not_a_member", payloadOf[ws.ErrorPayload](t, expect(t, carol, ws.TypeError)).Code)
}

func TestChat_ErrorsMapToCodes(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, 42, "alice")

	cases := []struct {
		msgType string
		payload any
		code    string
	}{
		{ws.TypeStopGroup, ws.ChatPayload{ChatID: -100}, "forbidden"},
		{ws.TypeStopQuiz, struct{}{}, "not_found"},
		{ws.TypeStartQuiz, ws.StartQuizPayload{QuizID: 404}, "not_found"},
		{ws.TypeStartQuiz, "not an object", "invalid_payload"},
		{"dance", struct{}{}, "unknown_message_type"},
	}
	for _, tc := range cases {
		send(t, conn, tc.msgType, tc.msgType, tc.payload)
		msg := expect(t, conn, ws.TypeError)
		assert.Equal(t, tc.msgType, msg.RequestID)
		assert.Equal(t, tc.code, payloadOf[ws.ErrorPayload](t, msg).Code, tc.msgType)
	}
}

func TestChat_RejectsMissingParticipant(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.server.URL + "?participant_id=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_SendPollWithoutRecipientsFails(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.transport.SendPoll(context.Background(), quiz.Poll{ChatID: 77, Question: "q", Options: []string{"a"}, OpenFor: time.Hour})
	assert.ErrorIs(t, err, ws.ErrNoRecipients)
}

func (f *fixture) openPolls() int {
	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	return len(f.transport.polls)
}

func TestChat_PollAcceptsVotesBeforeBroadcast(t *testing.T) {
	f := newFixture(t, Options{SendRate: 5, SendBurst: 1})
	conn := f.dial(t, 42, "alice")
	register(t, conn)
	require.NoError(t, f.transport.Notify(context.Background(), 42, quiz.Notice{Kind: quiz.NoticeNoAnswer, Text: "spent the burst"}))

	type sent struct {
		ref quiz.PollRef
		err error
	}
	done := make(chan sent, 1)
	go func() {
		ref, err := f.transport.SendPoll(context.Background(), quiz.Poll{ChatID: 42, Question: "q", Options: []string{"a", "b"}, OpenFor: time.Hour})
		done <- sent{ref, err}
	}()

	// the send is held by the throttle while the poll is already open
	require.Eventually(t, func() bool { return f.openPolls() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("poll was delivered before the throttle released it")
	default:
	}

	res := <-done
	require.NoError(t, res.err)
	poll := payloadOf[ws.PollPayload](t, expect(t, conn, ws.TypePoll))
	send(t, conn, ws.TypeAnswer, "fast", ws.AnswerPayload{PollID: poll.PollID, Option: 0})
	expect(t, conn, ws.TypeAck)
	assert.Equal(t, []answerCall{{res.ref.PollID, 42, 0}}, f.engine.answerCalls())
}

func TestChat_FailedPollSendLeavesNothingOpen(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.transport.SendPoll(context.Background(), quiz.Poll{ChatID: 77, Question: "q", Options: []string{"a"}, OpenFor: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Zero(t, f.openPolls())
	assert.Never(t, func() bool { return len(f.engine.closeCalls()) > 0 }, 80*time.Millisecond, 5*time.Millisecond)
}

func TestChat_SendsAreThrottledPerChat(t *testing.T) {
	f := newFixture(t, Options{SendRate: 1, SendBurst: 1})
	conn := f.dial(t, 42, "alice")
	register(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	notice := quiz.Notice{Kind: quiz.NoticeNoAnswer, Text: "Time is up."}

	require.NoError(t, f.transport.Notify(ctx, 42, notice))
	assert.Error(t, f.transport.Notify(ctx, 42, notice), "second send inside one second exceeds the burst")
	assert.NoError(t, f.transport.Notify(ctx, 43, notice), "other chats have their own budget")
}
