package quiz

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	groupSessionPrefix = "group-session:"
	kindPrivate        = "private"
	kindGroup          = "group"
)

func groupSessionKey(chatID int64) string { return groupSessionPrefix + strconv.FormatInt(chatID, 10) }

func pollMapKey(pollID string) string { return "poll-map:" + pollID }

func answeredKey(pollID string, participantID int64) string {
	return fmt.Sprintf("answered:%s:%d", pollID, participantID)
}

func lobbyKey(chatID int64) string { return "lobby:" + strconv.FormatInt(chatID, 10) }

func lobbyMembersKey(chatID int64) string { return "lobby-members:" + strconv.FormatInt(chatID, 10) }

func hardStopKey(participantID int64) string { return "hard-stop:" + strconv.FormatInt(participantID, 10) }

func chatRef(chatID int64) string { return "chat-" + strconv.FormatInt(chatID, 10) }

// groupRunRef scopes group advance locks to one run of a chat's quiz.
func groupRunRef(chatID int64, generation string) string { return chatRef(chatID) + ":" + generation }

func sessionRef(sessionID int64) string { return "session-" + strconv.FormatInt(sessionID, 10) }

func advanceLockKey(ref string, index int) string { return fmt.Sprintf("advance-lock:%s:%d", ref, index) }

// Task registry keys. One key per session identity so scheduling the next
// step always replaces the previous one.
func privateTaskKey(participantID int64) string { return "private:" + strconv.FormatInt(participantID, 10) }

func groupTaskKey(chatID int64) string { return "group:" + strconv.FormatInt(chatID, 10) }

func chatIDFromGroupKey(key string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(key, groupSessionPrefix), 10, 64)
	return id, err == nil
}
