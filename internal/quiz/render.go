package quiz

import (
	"fmt"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/gokatarajesh/pollquiz/internal/session"
)

const (
	maxPollQuestionRunes = 300
	maxPollOptions       = 10
)

// prepareQuestions freezes the quiz for one run: options capped at the poll
// limit, and when the quiz asks for it, questions and options shuffled with
// the correct index following its option.
func prepareQuestions(q *session.Quiz, shuffle func(n int, swap func(i, j int))) []session.Question {
	out := make([]session.Question, 0, len(q.Questions))
	for _, src := range q.Questions {
		question := session.Question{
			Text:         src.Text,
			Options:      append([]string(nil), src.Options...),
			CorrectIndex: src.CorrectIndex,
		}
		if len(question.Options) > maxPollOptions {
			question.Options = question.Options[:maxPollOptions]
		}
		if question.CorrectIndex < 0 || question.CorrectIndex >= len(question.Options) {
			// the correct option was cut off or never existed; nobody can score here
			question.CorrectIndex = -1
		}
		if q.Shuffle {
			shuffleOptions(&question, shuffle)
		}
		out = append(out, question)
	}
	if q.Shuffle {
		shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

func shuffleOptions(q *session.Question, shuffle func(n int, swap func(i, j int))) {
	order := make([]int, len(q.Options))
	for i := range order {
		order[i] = i
	}
	shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	options := make([]string, len(order))
	correct := -1
	for newIdx, oldIdx := range order {
		options[newIdx] = q.Options[oldIdx]
		if oldIdx == q.CorrectIndex {
			correct = newIdx
		}
	}
	q.Options = options
	q.CorrectIndex = correct
}

func defaultShuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// pollText renders "3/10. question", truncated to what the poll primitive accepts.
func pollText(index, total int, text string) string {
	s := fmt.Sprintf("%d/%d. %s", index+1, total, text)
	if utf8.RuneCountInString(s) <= maxPollQuestionRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxPollQuestionRunes-1]) + "…"
}

func buildPoll(chatID int64, index int, questions []session.Question, openFor time.Duration) (Poll, bool) {
	if index < 0 || index >= len(questions) {
		return Poll{}, false
	}
	q := questions[index]
	return Poll{
		ChatID:       chatID,
		Question:     pollText(index, len(questions), q.Text),
		Options:      q.Options,
		CorrectIndex: q.CorrectIndex,
		OpenFor:      openFor,
	}, true
}
