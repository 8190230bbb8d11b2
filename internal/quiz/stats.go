package quiz

import (
	"time"

	"github.com/gokatarajesh/pollquiz/internal/session"
)

// Stats is the private-session summary shown on finish or stop.
type Stats struct {
	SessionID      int64
	Title          string
	Total          int
	Reached        int
	Answered       int
	Correct        int
	Wrong          int
	TimedOut       int
	Points         int
	Duration       time.Duration
	AvgPerQuestion time.Duration
	Percent        float64
	Stopped        bool
}

func computeStats(s *session.Session, now time.Time) Stats {
	end := now
	if !s.IsActive && s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	duration := end.Sub(s.StartTime)
	if duration < time.Second {
		duration = time.Second
	}

	st := Stats{
		SessionID:  s.ID,
		Title:      s.Payload.Title,
		Total:      s.TotalQuestions,
		Reached:    s.CurrentIndex,
		Answered:   s.AnsweredCount,
		Correct:    s.CorrectCount,
		Wrong:      s.AnsweredCount - s.CorrectCount,
		TimedOut:   s.Payload.TimedOut,
		Points:     s.Payload.Points,
		Duration:   duration.Truncate(time.Second),
		Stopped:    s.Payload.Stopped,
	}
	if s.AnsweredCount > 0 {
		st.AvgPerQuestion = (duration / time.Duration(s.AnsweredCount)).Truncate(100 * time.Millisecond)
	}
	if s.TotalQuestions > 0 {
		st.Percent = float64(s.CorrectCount) / float64(s.TotalQuestions) * 100
	}
	return st
}
