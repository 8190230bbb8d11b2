package quiz

import (
	"context"
	"time"

	"github.com/gokatarajesh/pollquiz/internal/quiz/scoring"
	"github.com/gokatarajesh/pollquiz/internal/session"
)

// PollRef identifies a sent poll; transports fill in whatever they need to stop it later.
type PollRef = session.PollRef

// Poll is one question as handed to the transport.
type Poll struct {
	ChatID       int64
	Question     string
	Options      []string
	CorrectIndex int
	OpenFor      time.Duration
}

// PollTransport sends and closes polls. Answers and close notifications come
// back through Engine.HandleAnswer and Engine.HandlePollUpdate.
type PollTransport interface {
	SendPoll(ctx context.Context, p Poll) (PollRef, error)
	// StopPoll must treat an already closed poll as success.
	StopPoll(ctx context.Context, ref PollRef) error
}

// Notifier delivers engine notices to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, n Notice) error
}

// Directory resolves participant identity at render time.
type Directory interface {
	DisplayName(ctx context.Context, participantID int64) string
	IsChatAdmin(ctx context.Context, chatID, participantID int64) (bool, error)
}

// Scorer records a point delta for one outcome.
type Scorer interface {
	Record(ctx context.Context, participantID int64, chatID *int64, outcome scoring.Outcome, timeTaken time.Duration) (int, error)
}

// QuizSource loads question sets.
type QuizSource interface {
	GetQuiz(ctx context.Context, quizID int64) (*session.Quiz, error)
}

// SessionStore is the durable private-session repository.
type SessionStore interface {
	Create(ctx context.Context, s *session.Session) (*session.Session, error)
	GetActive(ctx context.Context, participantID int64) (*session.Session, error)
	Get(ctx context.Context, id int64) (*session.Session, error)
	UpdateLocked(ctx context.Context, id int64, fn func(*session.Session) error) (*session.Session, error)
	ListStalled(ctx context.Context, before time.Time) ([]session.Session, error)
}

// Settings exposes the runtime-tunable values the engine reads on every use.
type Settings interface {
	MinLobbyPlayers() int
	LeaderboardSize() int
	CountdownFrom() int
}
