// Package chat is the websocket chat front end of the quiz engine. It plays
// the role of a messaging platform: it renders polls and notices into chats,
// closes polls when their time is up and feeds votes back to the engine.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gokatarajesh/pollquiz/internal/quiz"
	ws "github.com/gokatarajesh/pollquiz/pkg/http/ws"
)

// PollEvents receives votes and close notifications for sent polls.
type PollEvents interface {
	HandleAnswer(ctx context.Context, pollID string, participantID int64, option int)
	HandlePollUpdate(ctx context.Context, pollID string, closed bool)
}

// Options tunes outgoing traffic.
type Options struct {
	// SendRate and SendBurst bound messages per second into one chat.
	SendRate  float64
	SendBurst int
}

type openPoll struct {
	chatID  int64
	options int
	timer   *time.Timer
	closed  bool
	voters  map[int64]struct{}
}

// Transport implements quiz.PollTransport, quiz.Notifier and quiz.Directory
// on top of the websocket hub.
type Transport struct {
	hub    *ws.Hub
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	polls    map[string]*openPoll
	limiters map[int64]*rate.Limiter
	events   PollEvents
	closed   bool
}

var (
	_ quiz.PollTransport = (*Transport)(nil)
	_ quiz.Notifier      = (*Transport)(nil)
	_ quiz.Directory     = (*Transport)(nil)
)

// NewTransport creates a transport over hub. Bind must be called before
// polls can report back.
func NewTransport(hub *ws.Hub, opts Options, logger zerolog.Logger) *Transport {
	if opts.SendRate <= 0 {
		opts.SendRate = 20
	}
	if opts.SendBurst < 1 {
		opts.SendBurst = 5
	}
	return &Transport{
		hub:      hub,
		opts:     opts,
		logger:   logger.With().Str("component", "chat-transport").Logger(),
		polls:    make(map[string]*openPoll),
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Bind sets the receiver of poll events.
func (t *Transport) Bind(events PollEvents) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
}

func (t *Transport) limiter(chatID int64) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.opts.SendRate), t.opts.SendBurst)
		t.limiters[chatID] = l
	}
	return l
}

func (t *Transport) deliver(ctx context.Context, chatID int64, msgType string, payload any) error {
	if err := t.limiter(chatID).Wait(ctx); err != nil {
		return fmt.Errorf("throttle chat %d: %w", chatID, err)
	}
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return t.hub.BroadcastToChat(chatID, msg)
}

// SendPoll posts a poll into the chat and arms its close timer. The poll
// accepts votes as soon as members can see it.
func (t *Transport) SendPoll(ctx context.Context, p quiz.Poll) (quiz.PollRef, error) {
	pollID := uuid.NewString()
	op := &openPoll{chatID: p.ChatID, options: len(p.Options), voters: make(map[int64]struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return quiz.PollRef{}, fmt.Errorf("send poll: transport closed")
	}
	t.polls[pollID] = op
	t.mu.Unlock()

	err := t.deliver(ctx, p.ChatID, ws.TypePoll, ws.PollPayload{
		PollID:         pollID,
		ChatID:         p.ChatID,
		Question:       p.Question,
		Options:        p.Options,
		OpenForSeconds: int(p.OpenFor.Seconds()),
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		delete(t.polls, pollID)
		return quiz.PollRef{}, fmt.Errorf("send poll: %w", err)
	}
	if !op.closed && !t.closed {
		op.timer = time.AfterFunc(p.OpenFor, func() { t.expire(pollID) })
	}

	t.logger.Debug().Int64("chat_id", p.ChatID).Str("poll_id", pollID).Msg("poll sent")
	return quiz.PollRef{ChatID: p.ChatID, PollID: pollID}, nil
}

// expire closes a poll whose time ran out and reports the close.
func (t *Transport) expire(pollID string) {
	t.mu.Lock()
	shutdown := t.closed
	t.mu.Unlock()
	if shutdown {
		return
	}

	op, ok := t.markClosed(pollID)
	if !ok {
		return
	}
	ctx := context.Background()
	t.announceClosed(ctx, pollID, op.chatID)

	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	if events != nil {
		events.HandlePollUpdate(ctx, pollID, true)
	}
}

// StopPoll closes a poll early. Unknown and already closed polls are fine.
func (t *Transport) StopPoll(ctx context.Context, ref quiz.PollRef) error {
	op, ok := t.markClosed(ref.PollID)
	if !ok {
		return nil
	}
	t.announceClosed(ctx, ref.PollID, op.chatID)
	return nil
}

func (t *Transport) markClosed(pollID string) (*openPoll, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.polls[pollID]
	if !ok || op.closed {
		return nil, false
	}
	op.closed = true
	if op.timer != nil {
		op.timer.Stop()
	}
	// closed polls linger only long enough to reject late votes
	time.AfterFunc(time.Minute, func() { t.forget(pollID) })
	return op, true
}

func (t *Transport) forget(pollID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.polls, pollID)
}

func (t *Transport) announceClosed(ctx context.Context, pollID string, chatID int64) {
	msg, err := ws.NewMessage(ws.TypePollClosed, ws.PollClosedPayload{PollID: pollID, ChatID: chatID})
	if err == nil {
		err = t.hub.BroadcastToChat(chatID, msg)
	}
	if err != nil && err != ws.ErrNoRecipients {
		t.logger.Warn().Err(err).Str("poll_id", pollID).Msg("poll close not delivered")
	}
}

// vote records one vote per participant and forwards it to the engine.
func (t *Transport) vote(ctx context.Context, pollID string, participantID int64, option int) error {
	t.mu.Lock()
	op, ok := t.polls[pollID]
	switch {
	case !ok:
		t.mu.Unlock()
		return errPollNotFound
	case op.closed:
		t.mu.Unlock()
		return errPollClosed
	case option < 0 || option >= op.options:
		t.mu.Unlock()
		return errBadOption
	}
	if !t.memberOf(op.chatID, participantID) {
		t.mu.Unlock()
		return errNotMember
	}
	if _, dup := op.voters[participantID]; dup {
		t.mu.Unlock()
		return errAlreadyVoted
	}
	op.voters[participantID] = struct{}{}
	events := t.events
	t.mu.Unlock()

	if events != nil {
		events.HandleAnswer(ctx, pollID, participantID, option)
	}
	return nil
}

func (t *Transport) memberOf(chatID, participantID int64) bool {
	for _, id := range t.hub.Members(chatID) {
		if id == participantID {
			return true
		}
	}
	return false
}

// Notify renders an engine notice into the chat.
func (t *Transport) Notify(ctx context.Context, chatID int64, n quiz.Notice) error {
	payload := ws.NoticePayload{
		ChatID:    chatID,
		Kind:      string(n.Kind),
		Text:      n.Text,
		Countdown: n.Countdown,
	}
	switch {
	case n.Stats != nil:
		payload.Details = n.Stats
	case n.Leaderboard != nil:
		payload.Details = n.Leaderboard
	}
	err := t.deliver(ctx, chatID, ws.TypeNotice, payload)
	if err == ws.ErrNoRecipients {
		return nil
	}
	return err
}

// DisplayName returns the name a participant connected with.
func (t *Transport) DisplayName(_ context.Context, participantID int64) string {
	if name, ok := t.hub.Name(participantID); ok {
		return name
	}
	return fmt.Sprintf("participant %d", participantID)
}

// IsChatAdmin treats the first member of a chat as its admin.
func (t *Transport) IsChatAdmin(_ context.Context, chatID, participantID int64) (bool, error) {
	return t.hub.IsFounder(chatID, participantID), nil
}

// Close stops every poll timer. Polls left open are never reported closed;
// the engine's monitor picks those sessions up.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	for _, op := range t.polls {
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	t.mu.Unlock()
}
