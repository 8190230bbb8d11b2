package quiz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gokatarajesh/pollquiz/internal/kv"
	"github.com/gokatarajesh/pollquiz/internal/quiz/scoring"
	"github.com/gokatarajesh/pollquiz/internal/session"
)

// StartSession replaces any active session of the participant with a fresh
// run of quizID and sends its first question.
func (e *Engine) StartSession(ctx context.Context, participantID, quizID int64) (*session.Session, error) {
	q, err := e.loadQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}

	// a new run must not be suppressed by the previous run's stop, and the
	// previous run's pending send must not fire into it
	e.tasks.Cancel(privateTaskKey(participantID))
	if err := e.store.Delete(ctx, hardStopKey(participantID)); err != nil {
		return nil, fmt.Errorf("clear hard stop: %w", err)
	}

	questions := prepareQuestions(q, e.shuffle)
	s, err := e.sessions.Create(ctx, &session.Session{
		ParticipantID:  participantID,
		QuizID:         q.ID,
		TotalQuestions: len(questions),
		StartTime:      e.now(),
		IsActive:       true,
		Payload: session.Payload{
			Title:     q.Title,
			Questions: questions,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e.logger.Info().
		Int64("session_id", s.ID).
		Int64("participant_id", participantID).
		Int64("quiz_id", q.ID).
		Int("questions", s.TotalQuestions).
		Msg("private session started")

	e.notify(ctx, participantID, startedNotice(q.Title, s.TotalQuestions))
	if err := e.sendPrivateQuestion(ctx, s); err != nil && !errors.Is(err, errStale) {
		// the session stays active; the monitor retries through the forced path
		e.logger.Warn().Err(err).Int64("session_id", s.ID).Msg("first question not sent")
	}
	return s, nil
}

// StopSession ends the participant's active session and reports its stats.
func (e *Engine) StopSession(ctx context.Context, participantID int64) (Stats, error) {
	if err := e.store.Set(ctx, hardStopKey(participantID), []byte("1"), e.opts.HardStopTTL); err != nil {
		e.logger.Warn().Err(err).Int64("participant_id", participantID).Msg("hard stop flag not set")
	}
	e.tasks.Cancel(privateTaskKey(participantID))

	active, err := e.sessions.GetActive(ctx, participantID)
	if errors.Is(err, session.ErrNotFound) {
		return Stats{}, ErrNoActiveSession
	}
	if err != nil {
		return Stats{}, fmt.Errorf("load active session: %w", err)
	}

	now := e.now()
	stopped, err := e.sessions.UpdateLocked(ctx, active.ID, func(s *session.Session) error {
		if !s.IsActive {
			return errStale
		}
		s.Stop(now)
		return nil
	})
	if errors.Is(err, errStale) {
		return Stats{}, ErrNoActiveSession
	}
	if err != nil {
		return Stats{}, fmt.Errorf("stop session: %w", err)
	}

	e.stopPoll(ctx, stopped.Payload.LastPoll)

	st := computeStats(stopped, now)
	e.metrics.finished.WithLabelValues(kindPrivate, "stopped").Inc()
	e.logger.Info().Int64("session_id", stopped.ID).Int("index", stopped.CurrentIndex).Msg("private session stopped")
	e.notify(ctx, participantID, statsNotice(st))
	return st, nil
}

func (e *Engine) loadQuiz(ctx context.Context, quizID int64) (*session.Quiz, error) {
	q, err := e.quizzes.GetQuiz(ctx, quizID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quiz: %w", err)
	}
	if len(q.Questions) == 0 {
		return nil, ErrEmptyQuiz
	}
	return q, nil
}

// sendPrivateQuestion sends the session's current question, maps the poll
// back to it and arms the failsafe timer.
func (e *Engine) sendPrivateQuestion(ctx context.Context, s *session.Session) error {
	index := s.CurrentIndex
	poll, ok := buildPoll(s.ParticipantID, index, s.Payload.Questions, e.opts.PollDuration)
	if !ok {
		return e.staleErr(kindPrivate, "index_out_of_range")
	}

	ref, err := e.transport.SendPoll(ctx, poll)
	if err != nil {
		e.metrics.transportFailures.WithLabelValues("send_poll").Inc()
		return fmt.Errorf("send poll: %w", err)
	}

	if err := e.recordPoll(ctx, ref.PollID, pollMapping{
		Kind:          kindPrivate,
		SessionID:     s.ID,
		ChatID:        s.ParticipantID,
		QuizID:        s.QuizID,
		QuestionIndex: index,
	}); err != nil {
		return err
	}

	sentAt := e.now()
	_, err = e.sessions.UpdateLocked(ctx, s.ID, func(cur *session.Session) error {
		if !cur.IsActive || cur.CurrentIndex != index {
			return errStale
		}
		cur.Payload.LastPoll = &ref
		cur.Payload.QuestionSentAt = &sentAt
		return nil
	})
	if errors.Is(err, errStale) {
		// stopped or replaced while the poll was in flight
		e.stopPoll(ctx, &ref)
		return e.staleErr(kindPrivate, "stopped_during_send")
	}
	if err != nil {
		return fmt.Errorf("remember poll: %w", err)
	}

	sessionID := s.ID
	e.tasks.Schedule(privateTaskKey(s.ParticipantID), e.opts.stallAfter(), func(ctx context.Context) {
		e.settle(kindPrivate, "failsafe", ref.PollID, e.advancePrivateTimeout(ctx, sessionID, index, "failsafe"))
	})

	e.logger.Debug().Int64("session_id", s.ID).Int("index", index).Str("poll_id", ref.PollID).Msg("private question sent")
	return nil
}

// precheckPrivate is the unlocked read that lets obviously stale events
// return before touching the advance lock.
func (e *Engine) precheckPrivate(ctx context.Context, sessionID int64, index int) (*session.Session, error) {
	s, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, e.staleErr(kindPrivate, "session_missing")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !s.IsActive {
		return nil, e.staleErr(kindPrivate, "inactive")
	}
	if s.CurrentIndex != index {
		return nil, e.staleErr(kindPrivate, "index_mismatch")
	}
	return s, nil
}

func (e *Engine) handlePrivateAnswer(ctx context.Context, pollID string, m *pollMapping, participantID int64, option int) error {
	s, err := e.precheckPrivate(ctx, m.SessionID, m.QuestionIndex)
	if err != nil {
		return err
	}
	if s.ParticipantID != participantID {
		return e.staleErr(kindPrivate, "foreign_participant")
	}

	fresh, err := e.markAnswered(ctx, kindPrivate, pollID, participantID)
	if err != nil {
		return err
	}
	if !fresh {
		return e.staleErr(kindPrivate, "duplicate_answer")
	}

	won, err := e.tryAdvanceLock(ctx, kindPrivate, sessionRef(s.ID), m.QuestionIndex)
	if err != nil || !won {
		return err
	}

	now := e.now()
	var (
		correct   bool
		timeTaken time.Duration
		finished  bool
	)
	updated, err := e.sessions.UpdateLocked(ctx, s.ID, func(cur *session.Session) error {
		if !cur.IsActive || cur.CurrentIndex != m.QuestionIndex {
			return errStale
		}
		q, _ := cur.CurrentQuestion()
		correct = option == q.CorrectIndex
		if cur.Payload.QuestionSentAt != nil {
			timeTaken = e.capTaken(now.Sub(*cur.Payload.QuestionSentAt))
		}
		cur.AnsweredCount++
		if correct {
			cur.CorrectCount++
		}
		finished = cur.Advance(now)
		return nil
	})
	if errors.Is(err, errStale) {
		return e.staleErr(kindPrivate, "lost_race")
	}
	if err != nil {
		return fmt.Errorf("advance on answer: %w", err)
	}

	outcome := scoring.OutcomeIncorrect
	if correct {
		outcome = scoring.OutcomeCorrect
	}
	e.metrics.answerSeconds.WithLabelValues(kindPrivate).Observe(timeTaken.Seconds())
	updated = e.addPrivatePoints(ctx, updated, outcome, timeTaken)

	e.metrics.advances.WithLabelValues(kindPrivate, "answer").Inc()
	e.logger.Info().
		Int64("session_id", updated.ID).
		Int("index", updated.CurrentIndex).
		Bool("correct", correct).
		Msg("private session advanced")

	e.stopPoll(ctx, updated.Payload.LastPoll)
	return e.afterPrivateAdvance(ctx, updated, finished)
}

// advancePrivateTimeout is the shared poll-closed, failsafe and monitor path.
func (e *Engine) advancePrivateTimeout(ctx context.Context, sessionID int64, index int, trigger string) error {
	s, err := e.precheckPrivate(ctx, sessionID, index)
	if err != nil {
		return err
	}

	won, err := e.tryAdvanceLock(ctx, kindPrivate, sessionRef(s.ID), index)
	if err != nil || !won {
		return err
	}

	now := e.now()
	var finished bool
	updated, err := e.sessions.UpdateLocked(ctx, s.ID, func(cur *session.Session) error {
		if !cur.IsActive || cur.CurrentIndex != index {
			return errStale
		}
		// a timeout is an answered, incorrect question
		cur.AnsweredCount++
		cur.Payload.TimedOut++
		finished = cur.Advance(now)
		return nil
	})
	if errors.Is(err, errStale) {
		return e.staleErr(kindPrivate, "lost_race")
	}
	if err != nil {
		return fmt.Errorf("advance on timeout: %w", err)
	}

	updated = e.addPrivatePoints(ctx, updated, scoring.OutcomeTimeout, e.opts.PollDuration)

	e.metrics.advances.WithLabelValues(kindPrivate, trigger).Inc()
	e.logger.Info().
		Int64("session_id", updated.ID).
		Int("index", updated.CurrentIndex).
		Str("trigger", trigger).
		Msg("private session advanced without answer")

	e.stopPoll(ctx, updated.Payload.LastPoll)
	e.notify(ctx, updated.ParticipantID, Notice{Kind: NoticeNoAnswer, Text: "Time is up, no answer given."})
	return e.afterPrivateAdvance(ctx, updated, finished)
}

// addPrivatePoints forwards the outcome to the scorer and folds the delta
// into the session payload. Scoring failures only cost the points.
func (e *Engine) addPrivatePoints(ctx context.Context, s *session.Session, outcome scoring.Outcome, timeTaken time.Duration) *session.Session {
	delta, err := e.scorer.Record(ctx, s.ParticipantID, nil, outcome, timeTaken)
	if err != nil {
		e.logger.Warn().Err(err).Int64("session_id", s.ID).Msg("scoring failed")
	}
	if delta == 0 {
		return s
	}
	updated, err := e.sessions.UpdateLocked(ctx, s.ID, func(cur *session.Session) error {
		cur.Payload.Points += delta
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Int64("session_id", s.ID).Msg("points not saved")
		return s
	}
	return updated
}

func (e *Engine) afterPrivateAdvance(ctx context.Context, s *session.Session, finished bool) error {
	if finished {
		e.finalizePrivate(ctx, s)
		return nil
	}

	sessionID, participantID, next := s.ID, s.ParticipantID, s.CurrentIndex
	e.tasks.Schedule(privateTaskKey(participantID), e.opts.PrivateGrace, func(ctx context.Context) {
		if err := e.resumePrivate(ctx, sessionID, participantID, next); err != nil {
			e.settle(kindPrivate, "resume", "", err)
		}
	})
	return nil
}

// resumePrivate runs after the grace delay. A stop or a replacement session
// that arrived during the delay wins over the send.
func (e *Engine) resumePrivate(ctx context.Context, sessionID, participantID int64, index int) error {
	_, err := e.store.Get(ctx, hardStopKey(participantID))
	if err == nil {
		return e.staleErr(kindPrivate, "hard_stop")
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("check hard stop: %w", err)
	}

	active, err := e.sessions.GetActive(ctx, participantID)
	if errors.Is(err, session.ErrNotFound) {
		return e.staleErr(kindPrivate, "inactive")
	}
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if active.ID != sessionID {
		return e.staleErr(kindPrivate, "replaced")
	}
	if active.CurrentIndex != index {
		return e.staleErr(kindPrivate, "index_mismatch")
	}
	return e.sendPrivateQuestion(ctx, active)
}

func (e *Engine) finalizePrivate(ctx context.Context, s *session.Session) {
	e.tasks.Cancel(privateTaskKey(s.ParticipantID))
	st := computeStats(s, e.now())
	e.metrics.finished.WithLabelValues(kindPrivate, "completed").Inc()
	e.logger.Info().
		Int64("session_id", s.ID).
		Int("correct", st.Correct).
		Int("total", st.Total).
		Msg("private session finished")
	e.notify(ctx, s.ParticipantID, statsNotice(st))
}
