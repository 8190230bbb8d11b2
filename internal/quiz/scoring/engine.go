package scoring

import (
	"time"
)

// Outcome classifies how a participant finished a question.
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeTimeout   Outcome = "timeout"
)

// SpeedTier awards Bonus when the answer arrived within Within.
type SpeedTier struct {
	Within time.Duration
	Bonus  int
}

// ScoringConfig holds configurable scoring constants (defaults match the bot's rules).
type ScoringConfig struct {
	CorrectPoints    int
	IncorrectPenalty int
	TimeoutPenalty   int
	SpeedTiers       []SpeedTier // ordered fastest first
	StreakBonuses    map[int]int // streak length -> one-off bonus
}

// DefaultScoringConfig returns production defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		CorrectPoints:    10,
		IncorrectPenalty: 5,
		TimeoutPenalty:   2,
		SpeedTiers: []SpeedTier{
			{Within: 5 * time.Second, Bonus: 15},
			{Within: 10 * time.Second, Bonus: 10},
			{Within: 20 * time.Second, Bonus: 5},
		},
		StreakBonuses: map[int]int{3: 5, 5: 15},
	}
}

// Engine computes point deltas with configurable constants.
type Engine struct {
	config ScoringConfig
}

// NewEngine creates a scoring engine with the provided config.
func NewEngine(config ScoringConfig) *Engine {
	return &Engine{config: config}
}

// Breakdown explains a delta.
type Breakdown struct {
	Base   int
	Speed  int
	Streak int
}

// Total sums the parts.
func (b Breakdown) Total() int {
	return b.Base + b.Speed + b.Streak
}

// CalculateScore computes points for a single outcome.
// streak is the participant's consecutive-correct count including this answer.
// - correct: base + speed tier bonus + streak milestone bonus
// - incorrect / timeout: flat penalty
func (e *Engine) CalculateScore(outcome Outcome, timeTaken time.Duration, streak int) Breakdown {
	switch outcome {
	case OutcomeCorrect:
		b := Breakdown{Base: e.config.CorrectPoints}
		for _, tier := range e.config.SpeedTiers {
			if timeTaken <= tier.Within {
				b.Speed = tier.Bonus
				break
			}
		}
		b.Streak = e.config.StreakBonuses[streak]
		return b
	case OutcomeIncorrect:
		return Breakdown{Base: -e.config.IncorrectPenalty}
	case OutcomeTimeout:
		return Breakdown{Base: -e.config.TimeoutPenalty}
	default:
		return Breakdown{}
	}
}
