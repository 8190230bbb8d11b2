package quiz

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MonitorInterval is how often the monitor sweeps for stalled sessions.
const MonitorInterval = 30 * time.Second

// Monitor periodically force-advances sessions whose poll-closed event
// never arrived.
type Monitor struct {
	engine *Engine
	logger zerolog.Logger
}

// NewMonitor creates a monitor for the engine's sessions.
func NewMonitor(engine *Engine, logger zerolog.Logger) *Monitor {
	return &Monitor{
		engine: engine,
		logger: logger.With().Str("component", "quiz-monitor").Logger(),
	}
}

// Run sweeps immediately and then every MonitorInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()

	m.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	if err := m.Sweep(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("monitor sweep incomplete")
	}
}

// Sweep runs one pass over private and group sessions.
func (m *Monitor) Sweep(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.sweepPrivate(gctx) })
	g.Go(func() error { return m.sweepGroup(gctx) })
	return g.Wait()
}

func (m *Monitor) sweepPrivate(ctx context.Context) error {
	e := m.engine
	before := e.now().Add(-e.opts.stallAfter())
	stalled, err := e.sessions.ListStalled(ctx, before)
	if err != nil {
		return fmt.Errorf("list stalled private sessions: %w", err)
	}
	e.metrics.stalledSessions.WithLabelValues(kindPrivate).Set(float64(len(stalled)))

	for _, s := range stalled {
		m.logger.Info().
			Int64("session_id", s.ID).
			Int("index", s.CurrentIndex).
			Time("updated_at", s.UpdatedAt).
			Msg("forcing stalled private session")
		e.metrics.monitorRepairs.WithLabelValues(kindPrivate).Inc()
		e.ForceAdvancePrivate(ctx, s.ID, s.CurrentIndex)
	}
	return nil
}

func (m *Monitor) sweepGroup(ctx context.Context) error {
	e := m.engine
	keys, err := e.store.Keys(ctx, groupSessionPrefix)
	if err != nil {
		return fmt.Errorf("list group sessions: %w", err)
	}

	threshold := e.opts.stallAfter()
	now := e.now()
	stalled := 0
	for _, key := range keys {
		chatID, ok := chatIDFromGroupKey(key)
		if !ok {
			continue
		}
		g, err := e.GroupSession(ctx, chatID)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("group session unreadable")
			continue
		}
		if g == nil || !g.IsActive || now.Sub(g.QuestionStartTime) <= threshold {
			continue
		}

		stalled++
		m.logger.Info().
			Int64("chat_id", chatID).
			Int64("quiz_id", g.QuizID).
			Int("index", g.CurrentIndex).
			Time("question_start", g.QuestionStartTime).
			Msg("forcing stalled group session")
		e.metrics.monitorRepairs.WithLabelValues(kindGroup).Inc()
		e.ForceAdvanceGroup(ctx, chatID, g.CurrentIndex)
	}
	e.metrics.stalledSessions.WithLabelValues(kindGroup).Set(float64(stalled))
	return nil
}
