package quiz

import (
	"context"
	"fmt"

	"github.com/gokatarajesh/pollquiz/internal/kv"
)

// pollMapping ties an outstanding poll to the session question it asked.
type pollMapping struct {
	Kind          string `json:"kind"`
	SessionID     int64  `json:"sessionId,omitempty"`
	ChatID        int64  `json:"chatId"`
	QuizID        int64  `json:"quizId"`
	QuestionIndex int    `json:"questionIndex"`
	Generation    string `json:"generation,omitempty"`
}

func (e *Engine) recordPoll(ctx context.Context, pollID string, m pollMapping) error {
	if err := kv.SetJSON(ctx, e.store, pollMapKey(pollID), m, e.opts.PollMappingTTL); err != nil {
		return fmt.Errorf("record poll mapping: %w", err)
	}
	return nil
}

// lookupPoll returns nil, nil when the mapping expired or never existed.
func (e *Engine) lookupPoll(ctx context.Context, pollID string) (*pollMapping, error) {
	return kv.GetJSON[pollMapping](ctx, e.store, pollMapKey(pollID))
}

// markAnswered claims the (poll, participant) idempotency marker. It
// returns false when the answer was already counted.
func (e *Engine) markAnswered(ctx context.Context, kind, pollID string, participantID int64) (bool, error) {
	ok, err := e.store.SetIfAbsent(ctx, answeredKey(pollID, participantID), []byte("1"), e.opts.PollMappingTTL)
	if err != nil {
		return false, fmt.Errorf("mark answered: %w", err)
	}
	if !ok {
		e.metrics.duplicateAnswers.WithLabelValues(kind).Inc()
	}
	return ok, nil
}

// tryAdvanceLock claims the single advance for (ref, index). Losing is not
// an error: someone else is advancing or already advanced this question.
func (e *Engine) tryAdvanceLock(ctx context.Context, kind, ref string, index int) (bool, error) {
	ok, err := e.mutex.TryAcquire(ctx, advanceLockKey(ref, index), e.opts.AdvanceLockTTL)
	if err != nil {
		return false, fmt.Errorf("advance lock: %w", err)
	}
	if !ok {
		e.metrics.lockContention.WithLabelValues(kind).Inc()
		e.logger.Debug().Str("ref", ref).Int("index", index).Msg("advance already claimed")
	}
	return ok, nil
}

// staleErr counts a discarded event and returns the sentinel handlers bubble up.
func (e *Engine) staleErr(kind, reason string) error {
	e.metrics.staleEvents.WithLabelValues(kind, reason).Inc()
	return fmt.Errorf("%w: %s", errStale, reason)
}
