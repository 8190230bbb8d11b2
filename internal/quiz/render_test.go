package quiz

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/pollquiz/internal/session"
)

// reverse is a deterministic stand-in for a random shuffle.
func reverse(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func TestPollText(t *testing.T) {
	assert.Equal(t, "2/5. Who?", pollText(1, 5, "Who?"))

	long := pollText(0, 10, strings.Repeat("é", 400))
	assert.Equal(t, maxPollQuestionRunes, utf8.RuneCountInString(long))
	assert.True(t, strings.HasPrefix(long, "1/10. "))
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestPrepareQuestions_ShuffleKeepsCorrectAnswer(t *testing.T) {
	q := testQuizzes()[quizCapitals]
	q.Shuffle = true

	got := prepareQuestions(q, reverse)
	require.Len(t, got, 3)
	assert.Equal(t, "Capital of Spain?", got[0].Text)
	assert.Equal(t, "Capital of France?", got[2].Text)

	assert.Equal(t, []string{"Nice", "Lyon", "Paris"}, got[2].Options)
	assert.Equal(t, 2, got[2].CorrectIndex)
	answers := map[string]string{
		"Capital of France?": "Paris",
		"Capital of Italy?":  "Rome",
		"Capital of Spain?":  "Madrid",
	}
	for _, question := range got {
		assert.Equal(t, answers[question.Text], question.Options[question.CorrectIndex])
	}

	// the stored quiz is untouched
	assert.Equal(t, []string{"Paris", "Lyon", "Nice"}, q.Questions[0].Options)
}

func TestPrepareQuestions_WithoutShuffleKeepsOrder(t *testing.T) {
	q := testQuizzes()[quizCapitals]
	got := prepareQuestions(q, func(int, func(i, j int)) { t.Fatal("shuffle called") })
	assert.Equal(t, q.Questions, got)
}

func TestPrepareQuestions_CapsOptions(t *testing.T) {
	options := make([]string, 12)
	for i := range options {
		options[i] = string(rune('A' + i))
	}
	q := &session.Quiz{Questions: []session.Question{
		{Text: "kept", Options: options, CorrectIndex: 3},
		{Text: "cut", Options: options, CorrectIndex: 11},
	}}

	got := prepareQuestions(q, reverse)
	require.Len(t, got, 2)
	assert.Len(t, got[0].Options, maxPollOptions)
	assert.Equal(t, 3, got[0].CorrectIndex)
	assert.Equal(t, -1, got[1].CorrectIndex)
}

func TestBuildPoll(t *testing.T) {
	questions := testQuizzes()[quizCapitals].Questions

	p, ok := buildPoll(7, 1, questions, time.Minute)
	require.True(t, ok)
	assert.Equal(t, Poll{
		ChatID:       7,
		Question:     "2/3. Capital of Italy?",
		Options:      []string{"Milan", "Rome", "Turin"},
		CorrectIndex: 1,
		OpenFor:      time.Minute,
	}, p)

	_, ok = buildPoll(7, 3, questions, time.Minute)
	assert.False(t, ok)
}

func TestComputeStats(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	finished := start.Add(90 * time.Second)
	s := &session.Session{
		ID:             3,
		CurrentIndex:   4,
		CorrectCount:   2,
		AnsweredCount:  3,
		TotalQuestions: 5,
		StartTime:      start,
		FinishedAt:     &finished,
		Payload:        session.Payload{Title: "Capitals", Points: 17, Stopped: true, TimedOut: 1},
	}

	st := computeStats(s, start.Add(time.Hour))
	assert.Equal(t, 90*time.Second, st.Duration)
	assert.Equal(t, 30*time.Second, st.AvgPerQuestion)
	assert.Equal(t, 1, st.Wrong)
	assert.Equal(t, 1, st.TimedOut)
	assert.Equal(t, 4, st.Reached)
	assert.InDelta(t, 40.0, st.Percent, 0.001)
	assert.True(t, st.Stopped)
	assert.Equal(t, 17, st.Points)

	s.StartTime = finished
	assert.Equal(t, time.Second, computeStats(s, finished).Duration, "duration never reads as zero")
}
