package quiz

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokatarajesh/pollquiz/internal/kv"
	"github.com/gokatarajesh/pollquiz/internal/lock"
)

// Options holds the timing knobs of the engine. Zero values fall back to
// the defaults below.
type Options struct {
	PollDuration      time.Duration // how long a poll stays open
	PollMargin        time.Duration // slack on top of PollDuration before a question counts as stalled
	PollMappingTTL    time.Duration
	PrivateGrace      time.Duration
	GroupGrace        time.Duration
	AdvanceLockTTL    time.Duration
	GroupSessionTTL   time.Duration
	FinishedRetention time.Duration
	LobbyTTL          time.Duration
	HardStopTTL       time.Duration
	CountdownStep     time.Duration
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.PollDuration, 30*time.Second)
	def(&o.PollMargin, 5*time.Second)
	def(&o.PollMappingTTL, 4*time.Hour)
	def(&o.PrivateGrace, 3*time.Second)
	def(&o.GroupGrace, 2*time.Second)
	def(&o.AdvanceLockTTL, 10*time.Second)
	def(&o.GroupSessionTTL, 4*time.Hour)
	def(&o.FinishedRetention, 10*time.Minute)
	def(&o.LobbyTTL, time.Hour)
	def(&o.HardStopTTL, time.Minute)
	def(&o.CountdownStep, time.Second)
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// stallAfter is how long a question may stay open before it is force-advanced.
func (o Options) stallAfter() time.Duration {
	return o.PollDuration + o.PollMargin
}

// Deps are the engine's collaborators.
type Deps struct {
	Store     kv.Store
	Mutex     lock.Mutex
	Sessions  SessionStore
	Quizzes   QuizSource
	Transport PollTransport
	Notifier  Notifier
	Directory Directory
	Scorer    Scorer
	Settings  Settings
	Metrics   *Metrics
}

// Engine runs private and group quiz sessions over a poll transport.
type Engine struct {
	opts      Options
	store     kv.Store
	mutex     lock.Mutex
	sessions  SessionStore
	quizzes   QuizSource
	transport PollTransport
	notifier  Notifier
	directory Directory
	scorer    Scorer
	settings  Settings
	metrics   *Metrics
	tasks     *taskRegistry
	shuffle   func(n int, swap func(i, j int))
	logger    zerolog.Logger
}

// NewEngine builds an engine. Call Close on shutdown to drop pending tasks.
func NewEngine(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	logger = logger.With().Str("component", "quiz-engine").Logger()
	return &Engine{
		opts:      opts.withDefaults(),
		store:     deps.Store,
		mutex:     deps.Mutex,
		sessions:  deps.Sessions,
		quizzes:   deps.Quizzes,
		transport: deps.Transport,
		notifier:  deps.Notifier,
		directory: deps.Directory,
		scorer:    deps.Scorer,
		settings:  deps.Settings,
		metrics:   deps.Metrics,
		tasks:     newTaskRegistry(logger),
		shuffle:   defaultShuffle,
		logger:    logger,
	}
}

// Close cancels deferred sends and failsafe timers.
func (e *Engine) Close() {
	e.tasks.Close()
}

// HandleAnswer processes a participant's vote on a poll. Errors never leave
// this boundary; they are logged and the monitor repairs whatever was missed.
func (e *Engine) HandleAnswer(ctx context.Context, pollID string, participantID int64, option int) {
	defer e.recoverEvent("answer", pollID)

	m, err := e.lookupPoll(ctx, pollID)
	if err != nil {
		e.logger.Warn().Err(err).Str("poll_id", pollID).Msg("poll mapping lookup failed")
		return
	}
	if m == nil {
		e.stale("unknown", "mapping_expired", pollID)
		return
	}

	switch m.Kind {
	case kindPrivate:
		err = e.handlePrivateAnswer(ctx, pollID, m, participantID, option)
	case kindGroup:
		err = e.handleGroupAnswer(ctx, pollID, m, participantID, option)
	}
	e.settle(m.Kind, "answer", pollID, err)
}

// HandlePollUpdate processes a poll state change. Only closes matter.
func (e *Engine) HandlePollUpdate(ctx context.Context, pollID string, closed bool) {
	if !closed {
		return
	}
	e.HandlePollClosed(ctx, pollID)
}

// HandlePollClosed treats a closed poll as the question's timeout.
func (e *Engine) HandlePollClosed(ctx context.Context, pollID string) {
	defer e.recoverEvent("poll_closed", pollID)

	m, err := e.lookupPoll(ctx, pollID)
	if err != nil {
		e.logger.Warn().Err(err).Str("poll_id", pollID).Msg("poll mapping lookup failed")
		return
	}
	if m == nil {
		e.stale("unknown", "mapping_expired", pollID)
		return
	}

	switch m.Kind {
	case kindPrivate:
		err = e.advancePrivateTimeout(ctx, m.SessionID, m.QuestionIndex, "poll_closed")
	case kindGroup:
		err = e.advanceGroup(ctx, m.ChatID, m.Generation, m.QuestionIndex, "poll_closed")
	}
	e.settle(m.Kind, "poll_closed", pollID, err)
}

// ForceAdvancePrivate advances a private session stuck on index as if its
// poll had closed. It is a no-op when the session already moved on.
func (e *Engine) ForceAdvancePrivate(ctx context.Context, sessionID int64, index int) {
	defer e.recoverEvent("force_private", "")
	err := e.advancePrivateTimeout(ctx, sessionID, index, "forced")
	e.settle(kindPrivate, "force", "", err)
}

// ForceAdvanceGroup is ForceAdvancePrivate for a group chat.
func (e *Engine) ForceAdvanceGroup(ctx context.Context, chatID int64, index int) {
	defer e.recoverEvent("force_group", "")
	err := e.advanceGroup(ctx, chatID, "", index, "forced")
	e.settle(kindGroup, "force", "", err)
}

func (e *Engine) settle(kind, event, pollID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errStale):
		e.logger.Debug().Str("kind", kind).Str("event", event).Str("poll_id", pollID).Msg("stale event discarded")
	default:
		e.logger.Warn().Err(err).Str("kind", kind).Str("event", event).Str("poll_id", pollID).Msg("event handling abandoned")
	}
}

func (e *Engine) stale(kind, reason, pollID string) {
	e.metrics.staleEvents.WithLabelValues(kind, reason).Inc()
	e.logger.Debug().Str("kind", kind).Str("reason", reason).Str("poll_id", pollID).Msg("stale event")
}

func (e *Engine) recoverEvent(event, pollID string) {
	if rec := recover(); rec != nil {
		e.logger.Error().Interface("panic", rec).Str("event", event).Str("poll_id", pollID).Msg("event handler panicked")
	}
}

func (e *Engine) notify(ctx context.Context, chatID int64, n Notice) {
	if err := e.notifier.Notify(ctx, chatID, n); err != nil {
		e.metrics.transportFailures.WithLabelValues("notify").Inc()
		e.logger.Warn().Err(err).Int64("chat_id", chatID).Str("notice", string(n.Kind)).Msg("notify failed")
	}
}

func (e *Engine) stopPoll(ctx context.Context, ref *PollRef) {
	if ref == nil {
		return
	}
	if err := e.transport.StopPoll(ctx, *ref); err != nil {
		e.metrics.transportFailures.WithLabelValues("stop_poll").Inc()
		e.logger.Warn().Err(err).Str("poll_id", ref.PollID).Msg("stop poll failed")
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

// capTaken bounds an answer time to the question's open window.
func (e *Engine) capTaken(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if limit := e.opts.stallAfter(); d > limit {
		return limit
	}
	return d
}
