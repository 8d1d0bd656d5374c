package relay

import "net/http"

// Kind classifies request-level failures.
type Kind int

const (
	KindInvalid Kind = iota + 1
	KindNotFound
	KindForbidden
	KindStoreUnavailable
)

// Error codes for forbidden sub-kinds.
const (
	CodeNotMember    = "not_member"
	CodeNotConnected = "not_connected"
)

const (
	msgGroupNotFound = "Group not found."
	msgNotMember     = "User is not a member of the group."
	msgNotConnected  = "User is not connected to the chat."
	msgStoreFailure  = "Failed to record message."
	msgSent          = "Message sent."
)

// Error carries a kind, an optional sub-code and a human-readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func relayError(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}
