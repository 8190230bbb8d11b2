package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/pollquiz/internal/kv"
	"github.com/gokatarajesh/pollquiz/internal/quiz/scoring"
	"github.com/gokatarajesh/pollquiz/internal/session"
)

// ParticipantScore is one player's running tally in a group quiz.
type ParticipantScore struct {
	Correct          int     `json:"correct"`
	Answered         int     `json:"answered"`
	TotalTimeSeconds float64 `json:"totalTimeSeconds"`
	Points           int     `json:"points"`
}

// GroupSession is the whole state of a group quiz, stored as one blob per chat.
type GroupSession struct {
	// Generation changes whenever a new quiz starts in the chat, so work
	// scheduled for an older run can tell it was replaced.
	Generation               string                      `json:"generation"`
	QuizID                   int64                       `json:"quizId"`
	OwnerID                  int64                       `json:"ownerId"`
	ChatID                   int64                       `json:"chatId"`
	Title                    string                      `json:"title"`
	CurrentIndex             int                         `json:"currentIndex"`
	TotalQuestions           int                         `json:"totalQuestions"`
	Questions                []session.Question          `json:"questions"`
	Participants             map[int64]*ParticipantScore `json:"participants"`
	IsActive                 bool                        `json:"isActive"`
	Stopped                  bool                        `json:"stopped,omitempty"`
	ActivePoll               *PollRef                    `json:"activePoll,omitempty"`
	CurrentQuestionVoteCount int                         `json:"currentQuestionVoteCount"`
	QuestionStartTime        time.Time                   `json:"questionStartTime"`
	StartTime                time.Time                   `json:"startTime"`
	FinishedAt               *time.Time                  `json:"finishedAt,omitempty"`
}

func (g *GroupSession) matches(generation string, index int) bool {
	if generation != "" && g.Generation != generation {
		return false
	}
	return g.IsActive && g.CurrentIndex == index
}

// GroupSession returns the chat's group quiz state, active or recently finished.
func (e *Engine) GroupSession(ctx context.Context, chatID int64) (*GroupSession, error) {
	return kv.GetJSON[GroupSession](ctx, e.store, groupSessionKey(chatID))
}

// updateGroup runs fn on the stored group session under the store's
// compare-and-swap. A missing session reads as stale.
func (e *Engine) updateGroup(ctx context.Context, chatID int64, ttl time.Duration, fn func(g *GroupSession) error) (*GroupSession, error) {
	g, err := kv.UpdateJSON(ctx, e.store, groupSessionKey(chatID), ttl, func(g *GroupSession) error {
		if g == nil {
			return errStale
		}
		return fn(g)
	})
	if errors.Is(err, errStale) {
		return nil, e.staleErr(kindGroup, "lost_race")
	}
	return g, err
}

// startGroupQuiz installs a fresh group session for the chat unless one is
// still running, then sends the first question.
func (e *Engine) startGroupQuiz(ctx context.Context, chatID, ownerID, quizID int64) error {
	q, err := e.loadQuiz(ctx, quizID)
	if err != nil {
		return err
	}

	now := e.now()
	questions := prepareQuestions(q, e.shuffle)
	g := &GroupSession{
		Generation:        uuid.NewString(),
		QuizID:            q.ID,
		OwnerID:           ownerID,
		ChatID:            chatID,
		Title:             q.Title,
		TotalQuestions:    len(questions),
		Questions:         questions,
		Participants:      make(map[int64]*ParticipantScore),
		IsActive:          true,
		QuestionStartTime: now,
		StartTime:         now,
	}

	err = e.store.Update(ctx, groupSessionKey(chatID), e.opts.GroupSessionTTL, func(current []byte) ([]byte, error) {
		if current != nil {
			var existing GroupSession
			if err := json.Unmarshal(current, &existing); err == nil && existing.IsActive {
				return nil, ErrGroupQuizActive
			}
		}
		return json.Marshal(g)
	})
	if err != nil {
		return err
	}

	e.logger.Info().
		Int64("chat_id", chatID).
		Int64("quiz_id", q.ID).
		Str("generation", g.Generation).
		Int("questions", g.TotalQuestions).
		Msg("group quiz started")

	e.notify(ctx, chatID, startedNotice(q.Title, g.TotalQuestions))
	if err := e.sendGroupQuestion(ctx, chatID, g.Generation, 0); err != nil {
		e.settle(kindGroup, "send", "", err)
	}
	return nil
}

// sendGroupQuestion sends question index if the chat's session is still the
// same run and still waiting on that index.
func (e *Engine) sendGroupQuestion(ctx context.Context, chatID int64, generation string, index int) error {
	g, err := e.GroupSession(ctx, chatID)
	if err != nil {
		return err
	}
	if g == nil || !g.matches(generation, index) {
		return e.staleErr(kindGroup, "not_live")
	}

	poll, ok := buildPoll(chatID, index, g.Questions, e.opts.PollDuration)
	if !ok {
		return e.staleErr(kindGroup, "index_out_of_range")
	}
	ref, err := e.transport.SendPoll(ctx, poll)
	if err != nil {
		e.metrics.transportFailures.WithLabelValues("send_poll").Inc()
		return fmt.Errorf("send poll: %w", err)
	}

	if err := e.recordPoll(ctx, ref.PollID, pollMapping{
		Kind:          kindGroup,
		ChatID:        chatID,
		QuizID:        g.QuizID,
		QuestionIndex: index,
		Generation:    g.Generation,
	}); err != nil {
		return err
	}

	_, err = e.updateGroup(ctx, chatID, e.opts.GroupSessionTTL, func(g *GroupSession) error {
		if !g.matches(generation, index) {
			return errStale
		}
		g.ActivePoll = &ref
		g.CurrentQuestionVoteCount = 0
		g.QuestionStartTime = e.now()
		return nil
	})
	if errors.Is(err, errStale) {
		e.stopPoll(ctx, &ref)
		return err
	}
	if err != nil {
		return fmt.Errorf("remember poll: %w", err)
	}

	e.tasks.Schedule(groupTaskKey(chatID), e.opts.stallAfter(), func(ctx context.Context) {
		e.settle(kindGroup, "failsafe", ref.PollID, e.advanceGroup(ctx, chatID, generation, index, "failsafe"))
	})

	e.logger.Debug().Int64("chat_id", chatID).Int("index", index).Str("poll_id", ref.PollID).Msg("group question sent")
	return nil
}

// handleGroupAnswer only accumulates. Group play advances on poll close.
func (e *Engine) handleGroupAnswer(ctx context.Context, pollID string, m *pollMapping, participantID int64, option int) error {
	g, err := e.GroupSession(ctx, m.ChatID)
	if err != nil {
		return err
	}
	if g == nil || !g.matches(m.Generation, m.QuestionIndex) {
		return e.staleErr(kindGroup, "not_live")
	}

	fresh, err := e.markAnswered(ctx, kindGroup, pollID, participantID)
	if err != nil {
		return err
	}
	if !fresh {
		return e.staleErr(kindGroup, "duplicate_answer")
	}

	now := e.now()
	var (
		correct   bool
		timeTaken time.Duration
	)
	_, err = e.updateGroup(ctx, m.ChatID, e.opts.GroupSessionTTL, func(g *GroupSession) error {
		if !g.matches(m.Generation, m.QuestionIndex) {
			return errStale
		}
		correct = option == g.Questions[m.QuestionIndex].CorrectIndex
		timeTaken = e.capTaken(now.Sub(g.QuestionStartTime))

		if g.Participants == nil {
			g.Participants = make(map[int64]*ParticipantScore)
		}
		p, ok := g.Participants[participantID]
		if !ok {
			p = &ParticipantScore{}
			g.Participants[participantID] = p
		}
		p.Answered++
		if correct {
			p.Correct++
		}
		p.TotalTimeSeconds += timeTaken.Seconds()
		g.CurrentQuestionVoteCount++
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.answerSeconds.WithLabelValues(kindGroup).Observe(timeTaken.Seconds())

	outcome := scoring.OutcomeIncorrect
	if correct {
		outcome = scoring.OutcomeCorrect
	}
	chatID := m.ChatID
	delta, err := e.scorer.Record(ctx, participantID, &chatID, outcome, timeTaken)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("participant_id", participantID).Msg("scoring failed")
	}
	if delta != 0 {
		_, err := e.updateGroup(ctx, chatID, e.opts.GroupSessionTTL, func(g *GroupSession) error {
			if g.Generation != m.Generation {
				return errStale
			}
			if p, ok := g.Participants[participantID]; ok {
				p.Points += delta
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStale) {
			e.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("points not saved")
		}
	}

	e.logger.Debug().
		Int64("chat_id", chatID).
		Int64("participant_id", participantID).
		Int("index", m.QuestionIndex).
		Bool("correct", correct).
		Msg("group answer counted")
	return nil
}

// advanceGroup is the single advance path for group play: poll close,
// failsafe timer and monitor all end up here.
func (e *Engine) advanceGroup(ctx context.Context, chatID int64, generation string, index int, trigger string) error {
	g, err := e.GroupSession(ctx, chatID)
	if err != nil {
		return err
	}
	if g == nil || !g.matches(generation, index) {
		return e.staleErr(kindGroup, "not_live")
	}

	won, err := e.tryAdvanceLock(ctx, kindGroup, groupRunRef(chatID, g.Generation), index)
	if err != nil || !won {
		return err
	}

	ttl := e.opts.GroupSessionTTL
	if index+1 >= g.TotalQuestions {
		ttl = e.opts.FinishedRetention
	}

	now := e.now()
	var noVotes bool
	updated, err := e.updateGroup(ctx, chatID, ttl, func(cur *GroupSession) error {
		if cur.Generation != g.Generation || !cur.matches("", index) {
			return errStale
		}
		noVotes = cur.CurrentQuestionVoteCount == 0
		cur.CurrentIndex++
		cur.QuestionStartTime = now
		if cur.CurrentIndex >= cur.TotalQuestions {
			cur.IsActive = false
			cur.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.stopPoll(ctx, updated.ActivePoll)
	e.metrics.advances.WithLabelValues(kindGroup, trigger).Inc()
	e.logger.Info().
		Int64("chat_id", chatID).
		Int("index", updated.CurrentIndex).
		Str("trigger", trigger).
		Bool("no_votes", noVotes).
		Msg("group quiz advanced")

	if noVotes {
		e.notify(ctx, chatID, Notice{Kind: NoticeNoOneAnswered, Text: "Nobody answered this question."})
	}

	if !updated.IsActive {
		e.finalizeGroup(ctx, updated, "completed")
		return nil
	}

	next, gen := updated.CurrentIndex, updated.Generation
	e.tasks.Schedule(groupTaskKey(chatID), e.opts.GroupGrace, func(ctx context.Context) {
		if err := e.sendGroupQuestion(ctx, chatID, gen, next); err != nil {
			e.settle(kindGroup, "resume", "", err)
		}
	})
	return nil
}

// StopGroupQuiz ends the chat's group quiz early. Only the owner or a chat
// admin may do it.
func (e *Engine) StopGroupQuiz(ctx context.Context, chatID, requesterID int64) (*Leaderboard, error) {
	g, err := e.GroupSession(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if g == nil || !g.IsActive {
		return nil, ErrNoActiveSession
	}
	if err := e.authorize(ctx, chatID, g.OwnerID, requesterID); err != nil {
		return nil, err
	}

	e.tasks.Cancel(groupTaskKey(chatID))
	now := e.now()
	stopped, err := e.updateGroup(ctx, chatID, e.opts.FinishedRetention, func(cur *GroupSession) error {
		if !cur.IsActive || cur.Generation != g.Generation {
			return errStale
		}
		cur.IsActive = false
		cur.Stopped = true
		cur.FinishedAt = &now
		return nil
	})
	if errors.Is(err, errStale) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("stop group quiz: %w", err)
	}

	e.stopPoll(ctx, stopped.ActivePoll)
	return e.finalizeGroup(ctx, stopped, "stopped"), nil
}

func (e *Engine) authorize(ctx context.Context, chatID, ownerID, requesterID int64) error {
	if requesterID == ownerID {
		return nil
	}
	admin, err := e.directory.IsChatAdmin(ctx, chatID, requesterID)
	if err != nil {
		return fmt.Errorf("check chat admin: %w", err)
	}
	if !admin {
		return ErrNotPermitted
	}
	return nil
}

func (e *Engine) finalizeGroup(ctx context.Context, g *GroupSession, reason string) *Leaderboard {
	e.tasks.Cancel(groupTaskKey(g.ChatID))
	lb := e.buildLeaderboard(ctx, g)
	e.metrics.finished.WithLabelValues(kindGroup, reason).Inc()
	e.logger.Info().
		Int64("chat_id", g.ChatID).
		Int("participants", lb.Participants).
		Str("reason", reason).
		Msg("group quiz finished")
	e.notify(ctx, g.ChatID, leaderboardNotice(lb))
	return lb
}
