package domain

import (
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a hand-off error.
type ErrorKind string

const (
	// KindValidation indicates malformed input, rejected before any state change.
	KindValidation ErrorKind = "invalid_request"

	// KindNotFound indicates the conversation or tenant does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidTransition indicates the requested status change is not allowed
	// from the conversation's current state.
	KindInvalidTransition ErrorKind = "invalid_transition"

	// KindConflict indicates a conditional store update lost to a concurrent writer.
	KindConflict ErrorKind = "conflict"

	// KindResponderUnavailable indicates the AI responder failed or timed out.
	KindResponderUnavailable ErrorKind = "responder_unavailable"

	// KindAuthentication indicates missing or invalid credentials.
	KindAuthentication ErrorKind = "authentication"

	// KindPermission indicates the caller may not act on the resource.
	KindPermission ErrorKind = "permission"

	// KindServer indicates an unexpected internal failure.
	KindServer ErrorKind = "server"
)

// Error codes narrow a kind.
const (
	CodeConversationNotFound = "conversation_not_found"
	CodeTenantNotFound       = "tenant_not_found"
	CodeAlreadyAssigned      = "already_assigned"
	CodeNotAssigned          = "not_assigned"
	CodeResponderTimeout     = "responder_timeout"
	CodeMalformedResult      = "malformed_result"
)

// Error is the typed error returned by the controller and stores.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`

	// Cause is the underlying failure, if any. It is never serialized.
	Cause error `json:"-"`
}

// Sentinels for errors.Is matching. Matching compares Kind, and Code when
// the target carries one.
var (
	ErrConversationNotFound = &Error{Kind: KindNotFound, Code: CodeConversationNotFound, Message: "conversation not found"}
	ErrTenantNotFound       = &Error{Kind: KindNotFound, Code: CodeTenantNotFound, Message: "tenant not found"}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrConflict             = &Error{Kind: KindConflict, Message: "conditional update rejected"}
	ErrResponderUnavailable = &Error{Kind: KindResponderUnavailable, Message: "AI responder unavailable"}
	ErrValidation           = &Error{Kind: KindValidation, Message: "invalid request"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error of the same kind (and code, if set).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// HTTPStatusCode returns the HTTP status a transport should use for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindResponderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithCause attaches the underlying failure.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Convenience constructors

// ConversationNotFound reports a missing conversation id.
func ConversationNotFound(id string) *Error {
	return NewError(KindNotFound, "conversation %s not found", id).WithCode(CodeConversationNotFound)
}

// TenantNotFound reports an unknown client id.
func TenantNotFound(id string) *Error {
	return NewError(KindNotFound, "client %s not found", id).WithCode(CodeTenantNotFound)
}

// InvalidTransition reports a disallowed status change.
func InvalidTransition(format string, args ...any) *Error {
	return NewError(KindInvalidTransition, format, args...)
}

// Validation reports rejected input.
func Validation(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

// Conflict reports a lost conditional update.
func Conflict(format string, args ...any) *Error {
	return NewError(KindConflict, format, args...)
}

// ResponderUnavailable wraps a responder failure.
func ResponderUnavailable(code string, cause error) *Error {
	return NewError(KindResponderUnavailable, "AI responder unavailable").WithCode(code).WithCause(cause)
}
