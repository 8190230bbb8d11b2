package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error body of HTTP responses. Websocket error frames
// carry the same codes.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

var statusByCode = map[string]int{
	ErrCodeInvalidRequest:     http.StatusBadRequest,
	ErrCodeInvalidPayload:     http.StatusBadRequest,
	ErrCodeUnknownMessageType: http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeUpstreamError:      http.StatusBadGateway,
}

// StatusFor returns the HTTP status of an error code. Unknown codes are 500.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Masked hides the message of internal errors from clients.
func Masked(code, message string) string {
	if StatusFor(code) == http.StatusInternalServerError {
		return "internal error"
	}
	return message
}

// Respond writes resp with the status its code maps to.
func Respond(w http.ResponseWriter, resp ErrorResponse) {
	resp.Message = Masked(resp.Error, resp.Message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(resp.Error))
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondValidationError rejects a request because of one bad field.
func RespondValidationError(w http.ResponseWriter, message, field string) {
	Respond(w, ErrorResponse{Error: ErrCodeInvalidRequest, Message: message, Field: field})
}
