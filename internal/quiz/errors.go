package quiz

import "errors"

var (
	ErrQuizNotFound    = errors.New("quiz not found")
	ErrEmptyQuiz       = errors.New("quiz has no questions")
	ErrNoActiveSession = errors.New("no active quiz session")
	ErrLobbyExists     = errors.New("a lobby is already open in this chat")
	ErrNoLobby         = errors.New("no lobby is open in this chat")
	ErrLobbyClosed     = errors.New("lobby is no longer accepting players")
	ErrGroupQuizActive = errors.New("a group quiz is already running in this chat")
	ErrNotPermitted    = errors.New("only the quiz owner or a chat admin can do that")
)

// errStale marks an event that lost a race: expired mapping, inactive
// session, index mismatch or duplicate answer. It never leaves the package.
var errStale = errors.New("stale event")
