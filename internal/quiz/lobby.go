package quiz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gokatarajesh/pollquiz/internal/kv"
)

// LobbyStatus is the pre-game state of a group chat.
type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyStarting LobbyStatus = "starting"
)

// Lobby collects players until enough have joined to start a group quiz.
type Lobby struct {
	ChatID     int64       `json:"chatId"`
	QuizID     int64       `json:"quizId"`
	OwnerID    int64       `json:"ownerId"`
	Title      string      `json:"title"`
	Status     LobbyStatus `json:"status"`
	MinPlayers int         `json:"minPlayers"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// JoinResult tells a joiner what their join did.
type JoinResult struct {
	AlreadyJoined bool
	Joined        int
	Needed        int
	// Starting is true only for the join that flipped the lobby to starting.
	Starting bool
}

// StartGroupLobby opens a lobby for quizID in chatID.
func (e *Engine) StartGroupLobby(ctx context.Context, chatID, ownerID, quizID int64) (*Lobby, error) {
	q, err := e.loadQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}

	g, err := e.GroupSession(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if g != nil && g.IsActive {
		return nil, ErrGroupQuizActive
	}

	l := &Lobby{
		ChatID:     chatID,
		QuizID:     q.ID,
		OwnerID:    ownerID,
		Title:      q.Title,
		Status:     LobbyWaiting,
		MinPlayers: e.settings.MinLobbyPlayers(),
		CreatedAt:  e.now(),
	}
	if l.MinPlayers < 1 {
		l.MinPlayers = 1
	}

	created, err := kv.SetJSONIfAbsent(ctx, e.store, lobbyKey(chatID), l, e.opts.LobbyTTL)
	if err != nil {
		return nil, fmt.Errorf("create lobby: %w", err)
	}
	if !created {
		return nil, ErrLobbyExists
	}
	// a members set can outlive a cancelled lobby by a few moments
	if err := e.store.Delete(ctx, lobbyMembersKey(chatID)); err != nil {
		return nil, fmt.Errorf("reset lobby members: %w", err)
	}

	e.logger.Info().Int64("chat_id", chatID).Int64("quiz_id", q.ID).Int("min_players", l.MinPlayers).Msg("lobby opened")
	e.notify(ctx, chatID, lobbyOpenedNotice(q.Title, l.MinPlayers))
	return l, nil
}

// Lobby returns the chat's open lobby, or nil.
func (e *Engine) Lobby(ctx context.Context, chatID int64) (*Lobby, error) {
	return kv.GetJSON[Lobby](ctx, e.store, lobbyKey(chatID))
}

// JoinLobby adds a participant. Exactly one join, the one that brings the
// count to the lobby minimum, flips it to starting and kicks off the countdown.
func (e *Engine) JoinLobby(ctx context.Context, chatID, participantID int64) (JoinResult, error) {
	l, err := e.Lobby(ctx, chatID)
	if err != nil {
		return JoinResult{}, err
	}
	if l == nil {
		return JoinResult{}, ErrNoLobby
	}
	if l.Status != LobbyWaiting {
		return JoinResult{}, ErrLobbyClosed
	}

	added, size, err := e.store.AddToSet(ctx, lobbyMembersKey(chatID), strconv.FormatInt(participantID, 10), e.opts.LobbyTTL)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join lobby: %w", err)
	}
	res := JoinResult{AlreadyJoined: !added, Joined: int(size), Needed: l.MinPlayers}
	if !added {
		return res, nil
	}

	name := e.directory.DisplayName(ctx, participantID)
	e.notify(ctx, chatID, lobbyJoinedNotice(name, res.Joined, res.Needed))

	if res.Joined < l.MinPlayers {
		return res, nil
	}

	flipped, err := e.flipLobby(ctx, chatID)
	if err != nil {
		return res, err
	}
	if flipped != nil {
		res.Starting = true
		e.logger.Info().Int64("chat_id", chatID).Int("players", res.Joined).Msg("lobby full, starting countdown")
		e.countdown(ctx, flipped, e.settings.CountdownFrom())
	}
	return res, nil
}

// flipLobby moves the lobby from waiting to starting. It returns nil when
// another caller got there first.
func (e *Engine) flipLobby(ctx context.Context, chatID int64) (*Lobby, error) {
	l, err := kv.UpdateJSON(ctx, e.store, lobbyKey(chatID), e.opts.LobbyTTL, func(l *Lobby) error {
		if l == nil || l.Status != LobbyWaiting {
			return errStale
		}
		l.Status = LobbyStarting
		return nil
	})
	if errors.Is(err, errStale) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flip lobby: %w", err)
	}
	return l, nil
}

// countdown renders n and schedules n-1 one step later; at zero the quiz starts.
func (e *Engine) countdown(ctx context.Context, l *Lobby, n int) {
	if n <= 0 {
		e.launchLobby(ctx, l)
		return
	}
	e.notify(ctx, l.ChatID, Notice{Kind: NoticeCountdown, Text: strconv.Itoa(n) + "...", Countdown: n})
	e.tasks.Schedule(groupTaskKey(l.ChatID), e.opts.CountdownStep, func(ctx context.Context) {
		current, err := e.Lobby(ctx, l.ChatID)
		if err != nil {
			e.logger.Warn().Err(err).Int64("chat_id", l.ChatID).Msg("countdown lobby check failed")
			return
		}
		if current == nil || current.Status != LobbyStarting {
			e.logger.Debug().Int64("chat_id", l.ChatID).Msg("countdown abandoned, lobby gone")
			return
		}
		e.countdown(ctx, current, n-1)
	})
}

func (e *Engine) launchLobby(ctx context.Context, l *Lobby) {
	if err := e.store.Delete(ctx, lobbyKey(l.ChatID), lobbyMembersKey(l.ChatID)); err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", l.ChatID).Msg("lobby cleanup failed")
	}
	if err := e.startGroupQuiz(ctx, l.ChatID, l.OwnerID, l.QuizID); err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", l.ChatID).Msg("group quiz did not start")
	}
}

// CancelLobby drops an unfilled lobby, or one still counting down.
func (e *Engine) CancelLobby(ctx context.Context, chatID, requesterID int64) error {
	l, err := e.Lobby(ctx, chatID)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNoLobby
	}
	if err := e.authorize(ctx, chatID, l.OwnerID, requesterID); err != nil {
		return err
	}

	e.tasks.Cancel(groupTaskKey(chatID))
	if err := e.store.Delete(ctx, lobbyKey(chatID), lobbyMembersKey(chatID)); err != nil {
		return fmt.Errorf("cancel lobby: %w", err)
	}
	e.logger.Info().Int64("chat_id", chatID).Int64("requester_id", requesterID).Msg("lobby cancelled")
	e.notify(ctx, chatID, Notice{Kind: NoticeLobbyCancelled, Text: "Lobby cancelled."})
	return nil
}
