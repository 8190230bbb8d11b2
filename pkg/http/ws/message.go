package ws

import "encoding/json"

// MessageType constants for the chat WebSocket protocol.
const (
	// Client -> Server
	TypeJoinChat    = "join_chat"
	TypeStartQuiz   = "start_quiz"
	TypeStopQuiz    = "stop_quiz"
	TypeStartGroup  = "start_group"
	TypeJoinLobby   = "join_lobby"
	TypeStopGroup   = "stop_group"
	TypeCancelLobby = "cancel_lobby"
	TypeAnswer      = "answer"

	// Server -> Client
	TypePoll       = "poll"
	TypePollClosed = "poll_closed"
	TypeNotice     = "notice"
	TypeAck        = "ack"
	TypeError      = "error"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage marshals payload into a typed message.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// Client Messages (incoming)

type JoinChatPayload struct {
	ChatID int64 `json:"chat_id"`
}

type StartQuizPayload struct {
	QuizID int64 `json:"quiz_id"`
}

type StartGroupPayload struct {
	ChatID int64 `json:"chat_id"`
	QuizID int64 `json:"quiz_id"`
}

// ChatPayload addresses a command at a group chat.
type ChatPayload struct {
	ChatID int64 `json:"chat_id"`
}

type AnswerPayload struct {
	PollID string `json:"poll_id"`
	Option int    `json:"option"`
}

// Server Messages (outgoing)

type PollPayload struct {
	PollID         string   `json:"poll_id"`
	ChatID         int64    `json:"chat_id"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	OpenForSeconds int      `json:"open_for_seconds"`
}

type PollClosedPayload struct {
	PollID string `json:"poll_id"`
	ChatID int64  `json:"chat_id"`
}

type NoticePayload struct {
	ChatID    int64  `json:"chat_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	Countdown int    `json:"countdown,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type AckPayload struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
