package quiz

import (
	"context"
	"sort"
	"time"
)

// LeaderboardRow is one ranked participant.
type LeaderboardRow struct {
	Rank          int
	ParticipantID int64
	Name          string
	Correct       int
	Answered      int
	TotalTime     time.Duration
	Points        int
}

// Leaderboard is the group summary shown when a group quiz ends.
type Leaderboard struct {
	Title        string
	Participants int
	// AverageAccuracy is total correct over total answered across everyone, in percent.
	AverageAccuracy float64
	Rows            []LeaderboardRow
	Stopped         bool
}

// rankParticipants orders by correct descending, then total time ascending.
// Participant id is the final tie-break so the order is deterministic.
func rankParticipants(participants map[int64]*ParticipantScore) []LeaderboardRow {
	rows := make([]LeaderboardRow, 0, len(participants))
	for id, p := range participants {
		rows = append(rows, LeaderboardRow{
			ParticipantID: id,
			Correct:       p.Correct,
			Answered:      p.Answered,
			TotalTime:     time.Duration(p.TotalTimeSeconds * float64(time.Second)),
			Points:        p.Points,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Correct != b.Correct {
			return a.Correct > b.Correct
		}
		if a.TotalTime != b.TotalTime {
			return a.TotalTime < b.TotalTime
		}
		return a.ParticipantID < b.ParticipantID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

func (e *Engine) buildLeaderboard(ctx context.Context, g *GroupSession) *Leaderboard {
	lb := &Leaderboard{
		Title:        g.Title,
		Participants: len(g.Participants),
		Stopped:      g.Stopped,
	}

	var correct, answered int
	for _, p := range g.Participants {
		correct += p.Correct
		answered += p.Answered
	}
	if answered > 0 {
		lb.AverageAccuracy = float64(correct) / float64(answered) * 100
	}

	rows := rankParticipants(g.Participants)
	if n := e.settings.LeaderboardSize(); n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	for i := range rows {
		rows[i].Name = e.directory.DisplayName(ctx, rows[i].ParticipantID)
	}
	lb.Rows = rows
	return lb
}
