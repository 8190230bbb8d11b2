package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/pollquiz/internal/quiz"
	"github.com/gokatarajesh/pollquiz/internal/session"
	httperrors "github.com/gokatarajesh/pollquiz/pkg/http/errors"
	ws "github.com/gokatarajesh/pollquiz/pkg/http/ws"
)

// Engine is the slice of the quiz engine that chat commands drive.
type Engine interface {
	PollEvents
	StartSession(ctx context.Context, participantID, quizID int64) (*session.Session, error)
	StopSession(ctx context.Context, participantID int64) (quiz.Stats, error)
	StartGroupLobby(ctx context.Context, chatID, ownerID, quizID int64) (*quiz.Lobby, error)
	JoinLobby(ctx context.Context, chatID, participantID int64) (quiz.JoinResult, error)
	CancelLobby(ctx context.Context, chatID, requesterID int64) error
	StopGroupQuiz(ctx context.Context, chatID, requesterID int64) (*quiz.Leaderboard, error)
}

var (
	errPollNotFound = &ws.Error{Code: "poll_not_found", Message: "Poll not found"}
	errPollClosed   = &ws.Error{Code: "poll_closed", Message: "Poll is closed"}
	errBadOption    = &ws.Error{Code: "invalid_option", Message: "Option out of range"}
	errNotMember    = &ws.Error{Code: "not_a_member", Message: "Join the chat first"}
	errAlreadyVoted = &ws.Error{Code: "already_voted", Message: "You already voted in this poll"}
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler upgrades chat clients and routes their commands.
type Handler struct {
	engine    Engine
	transport *Transport
	hub       *ws.Hub
	logger    zerolog.Logger
}

// NewHandler creates the websocket endpoint for chat clients.
func NewHandler(engine Engine, transport *Transport, hub *ws.Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		transport: transport,
		hub:       hub,
		logger:    logger.With().Str("component", "chat-handler").Logger(),
	}
}

// HandleWebSocket serves /ws/chat?participant_id=N&name=S. Participants are
// trusted to say who they are.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	participantID, err := strconv.ParseInt(r.URL.Query().Get("participant_id"), 10, 64)
	if err != nil || participantID <= 0 {
		httperrors.RespondValidationError(w, "participant_id must be a positive integer", "participant_id")
		return
	}
	name := r.URL.Query().Get("name")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := h.logger.With().Int64("participant_id", participantID).Logger()
	c := ws.NewConnection(conn, logger)
	h.hub.RegisterConnection(participantID, name, c)
	go c.WritePump()

	ctx := context.WithoutCancel(r.Context())
	c.ReadPump(func(msg ws.Message) error {
		return h.dispatch(ctx, c, participantID, msg)
	})
	h.hub.UnregisterConnection(participantID, c)
}

func (h *Handler) dispatch(ctx context.Context, c *ws.Connection, participantID int64, msg ws.Message) error {
	result, err := h.route(ctx, participantID, msg)
	if err != nil {
		return c.Send(errorMessage(msg, err))
	}
	reply, err := ws.NewMessage(ws.TypeAck, ws.AckPayload{Command: msg.Type, Result: result})
	if err != nil {
		return err
	}
	reply.RequestID = msg.RequestID
	return c.Send(reply)
}

func (h *Handler) route(ctx context.Context, participantID int64, msg ws.Message) (any, error) {
	switch msg.Type {
	case ws.TypeJoinChat:
		var p ws.JoinChatPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		admin := h.hub.JoinChat(p.ChatID, participantID)
		return map[string]any{"chat_id": p.ChatID, "admin": admin}, nil

	case ws.TypeStartQuiz:
		var p ws.StartQuizPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		s, err := h.engine.StartSession(ctx, participantID, p.QuizID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": s.ID, "questions": s.TotalQuestions}, nil

	case ws.TypeStopQuiz:
		return h.engine.StopSession(ctx, participantID)

	case ws.TypeStartGroup:
		var p ws.StartGroupPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return h.engine.StartGroupLobby(ctx, p.ChatID, participantID, p.QuizID)

	case ws.TypeJoinLobby:
		var p ws.ChatPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		h.hub.JoinChat(p.ChatID, participantID)
		return h.engine.JoinLobby(ctx, p.ChatID, participantID)

	case ws.TypeStopGroup:
		var p ws.ChatPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return h.engine.StopGroupQuiz(ctx, p.ChatID, participantID)

	case ws.TypeCancelLobby:
		var p ws.ChatPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return nil, h.engine.CancelLobby(ctx, p.ChatID, participantID)

	case ws.TypeAnswer:
		var p ws.AnswerPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return nil, h.transport.vote(ctx, p.PollID, participantID, p.Option)

	default:
		return nil, &ws.Error{Code: httperrors.ErrCodeUnknownMessageType, Message: "unknown message type " + msg.Type}
	}
}

func decode(msg ws.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return &ws.Error{Code: httperrors.ErrCodeInvalidPayload, Message: "invalid payload: " + err.Error()}
	}
	return nil
}

// errorCode maps engine and protocol errors onto wire codes.
func errorCode(err error) string {
	var wsErr *ws.Error
	switch {
	case errors.As(err, &wsErr):
		return wsErr.Code
	case errors.Is(err, quiz.ErrQuizNotFound), errors.Is(err, quiz.ErrNoActiveSession), errors.Is(err, quiz.ErrNoLobby):
		return httperrors.ErrCodeNotFound
	case errors.Is(err, quiz.ErrEmptyQuiz):
		return httperrors.ErrCodeInvalidRequest
	case errors.Is(err, quiz.ErrLobbyExists), errors.Is(err, quiz.ErrLobbyClosed), errors.Is(err, quiz.ErrGroupQuizActive):
		return httperrors.ErrCodeConflict
	case errors.Is(err, quiz.ErrNotPermitted):
		return httperrors.ErrCodeForbidden
	default:
		return httperrors.ErrCodeInternalError
	}
}

func errorMessage(req ws.Message, err error) ws.Message {
	code := errorCode(err)
	msg, _ := ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: code, Message: httperrors.Masked(code, err.Error())})
	msg.RequestID = req.RequestID
	return msg
}
