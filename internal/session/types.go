package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session or quiz row does not exist.
var ErrNotFound = errors.New("session: not found")

// Question is one frozen multiple-choice question.
type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

// Quiz is an ordered question set as stored in the quizzes table.
type Quiz struct {
	ID        int64
	Title     string
	Questions []Question
	Shuffle   bool
}

// PollRef identifies a poll that was sent to a chat.
type PollRef struct {
	ChatID    int64  `json:"chatId"`
	PollID    string `json:"pollId"`
	MessageID string `json:"messageId,omitempty"`
}

// Payload is the JSONB column of a private session.
type Payload struct {
	Title          string     `json:"title,omitempty"`
	Questions      []Question `json:"questions"`
	LastPoll       *PollRef   `json:"lastPoll,omitempty"`
	QuestionSentAt *time.Time `json:"questionSentAt,omitempty"`
	Points         int        `json:"points"`
	TimedOut       int        `json:"timedOut,omitempty"`
	Stopped        bool       `json:"stopped,omitempty"`
}

// Session is a single participant's run through a quiz.
type Session struct {
	ID             int64
	ParticipantID  int64
	QuizID         int64
	CurrentIndex   int
	CorrectCount   int
	AnsweredCount  int
	TotalQuestions int
	StartTime      time.Time
	IsActive       bool
	Payload        Payload
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Finished reports whether every question has been advanced past.
func (s *Session) Finished() bool {
	return s.CurrentIndex >= s.TotalQuestions
}

// CurrentQuestion returns the question at CurrentIndex, or false when the
// session is past its last question.
func (s *Session) CurrentQuestion() (Question, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Payload.Questions) {
		return Question{}, false
	}
	return s.Payload.Questions[s.CurrentIndex], true
}

// Advance moves to the next question and deactivates the session once the
// last one has been passed. It reports whether the session finished.
func (s *Session) Advance(now time.Time) bool {
	if !s.IsActive || s.Finished() {
		return false
	}
	s.CurrentIndex++
	if s.Finished() {
		s.deactivate(now)
		return true
	}
	return false
}

// Stop deactivates the session without touching its progress.
func (s *Session) Stop(now time.Time) {
	if !s.IsActive {
		return
	}
	s.Payload.Stopped = true
	s.deactivate(now)
}

func (s *Session) deactivate(now time.Time) {
	s.IsActive = false
	finished := now
	s.FinishedAt = &finished
}
