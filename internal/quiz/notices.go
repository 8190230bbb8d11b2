package quiz

import (
	"fmt"
	"strings"
)

// NoticeKind tells the transport what a notice is about.
type NoticeKind string

const (
	NoticeQuizStarted    NoticeKind = "quiz_started"
	NoticeNoAnswer       NoticeKind = "no_answer"
	NoticeNoOneAnswered  NoticeKind = "no_one_answered"
	NoticeQuizFinished   NoticeKind = "quiz_finished"
	NoticeQuizStopped    NoticeKind = "quiz_stopped"
	NoticeLobbyOpened    NoticeKind = "lobby_opened"
	NoticeLobbyJoined    NoticeKind = "lobby_joined"
	NoticeLobbyCancelled NoticeKind = "lobby_cancelled"
	NoticeCountdown      NoticeKind = "countdown"
	NoticeLeaderboard    NoticeKind = "leaderboard"
)

// Notice is a message for a chat. Text is a plain rendering; structured
// fields are set for transports that want to draw their own.
type Notice struct {
	Kind        NoticeKind   `json:"kind"`
	Text        string       `json:"text"`
	Stats       *Stats       `json:"stats,omitempty"`
	Leaderboard *Leaderboard `json:"leaderboard,omitempty"`
	Countdown   int          `json:"countdown,omitempty"`
}

func startedNotice(title string, total int) Notice {
	return Notice{Kind: NoticeQuizStarted, Text: fmt.Sprintf("Quiz %q started: %d questions.", title, total)}
}

func statsNotice(st Stats) Notice {
	kind, head := NoticeQuizFinished, "Quiz finished!"
	if st.Stopped {
		kind, head = NoticeQuizStopped, "Quiz stopped."
	}
	text := fmt.Sprintf("%s\nQuestions: %d\nCorrect: %d\nWrong: %d\nTimed out: %d\nAvg time: %.1fs\nScore: %.1f%%\nPoints: %d",
		head, st.Total, st.Correct, st.Wrong, st.TimedOut, st.AvgPerQuestion.Seconds(), st.Percent, st.Points)
	return Notice{Kind: kind, Text: text, Stats: &st}
}

func leaderboardNotice(lb *Leaderboard) Notice {
	var b strings.Builder
	if lb.Stopped {
		fmt.Fprintf(&b, "Quiz %q stopped.\n", lb.Title)
	} else {
		fmt.Fprintf(&b, "Quiz %q finished!\n", lb.Title)
	}
	if len(lb.Rows) == 0 {
		b.WriteString("Nobody answered.")
		return Notice{Kind: NoticeLeaderboard, Text: b.String(), Leaderboard: lb}
	}
	fmt.Fprintf(&b, "Participants: %d, average accuracy %.1f%%\n", lb.Participants, lb.AverageAccuracy)
	for _, row := range lb.Rows {
		fmt.Fprintf(&b, "%d. %s: %d correct, %.1fs\n", row.Rank, row.Name, row.Correct, row.TotalTime.Seconds())
	}
	return Notice{Kind: NoticeLeaderboard, Text: strings.TrimRight(b.String(), "\n"), Leaderboard: lb}
}

func lobbyOpenedNotice(title string, minPlayers int) Notice {
	return Notice{Kind: NoticeLobbyOpened, Text: fmt.Sprintf("Lobby for %q is open. %d players needed to start.", title, minPlayers)}
}

func lobbyJoinedNotice(name string, joined, needed int) Notice {
	return Notice{Kind: NoticeLobbyJoined, Text: fmt.Sprintf("%s joined (%d/%d).", name, joined, needed)}
}
