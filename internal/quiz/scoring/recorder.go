package scoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokatarajesh/pollquiz/internal/kv"
)

// Recorder applies the engine to a participant's running streak and keeps
// point totals in the ephemeral store.
type Recorder struct {
	engine *Engine
	store  kv.Store
	logger zerolog.Logger
}

// NewRecorder wires a scoring engine to a store.
func NewRecorder(engine *Engine, store kv.Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		engine: engine,
		store:  store,
		logger: logger.With().Str("component", "scoring").Logger(),
	}
}

func streakKey(participantID int64) string { return "streak:" + strconv.FormatInt(participantID, 10) }

func pointsKey(participantID int64) string { return "points:" + strconv.FormatInt(participantID, 10) }

func groupPointsKey(chatID int64) string { return "group-points:" + strconv.FormatInt(chatID, 10) }

// Record scores one outcome and returns the point delta.
func (r *Recorder) Record(ctx context.Context, participantID int64, chatID *int64, outcome Outcome, timeTaken time.Duration) (int, error) {
	streak := 0
	if outcome == OutcomeCorrect {
		n, err := r.store.IncrBy(ctx, streakKey(participantID), 1, 0)
		if err != nil {
			return 0, fmt.Errorf("bump streak: %w", err)
		}
		streak = int(n)
	} else if err := r.store.Delete(ctx, streakKey(participantID)); err != nil {
		return 0, fmt.Errorf("reset streak: %w", err)
	}

	delta := r.engine.CalculateScore(outcome, timeTaken, streak).Total()
	if delta == 0 {
		return 0, nil
	}

	if _, err := r.store.IncrBy(ctx, pointsKey(participantID), int64(delta), 0); err != nil {
		return delta, fmt.Errorf("add points: %w", err)
	}
	if chatID != nil {
		if _, err := r.store.IncrBy(ctx, groupPointsKey(*chatID), int64(delta), 0); err != nil {
			return delta, fmt.Errorf("add group points: %w", err)
		}
	}

	r.logger.Debug().
		Int64("participant_id", participantID).
		Str("outcome", string(outcome)).
		Int("streak", streak).
		Int("delta", delta).
		Msg("points recorded")
	return delta, nil
}

// Total returns the participant's accumulated points.
func (r *Recorder) Total(ctx context.Context, participantID int64) (int64, error) {
	raw, err := r.store.Get(ctx, pointsKey(participantID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
