package errors

// Codes sent in ErrorResponse.Error and in websocket error frames.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeForbidden      = "forbidden"

	// websocket protocol
	ErrCodeInvalidPayload     = "invalid_payload"
	ErrCodeUnknownMessageType = "unknown_message_type"

	ErrCodeInternalError = "internal_error"
	ErrCodeUpstreamError = "upstream_error"
)
