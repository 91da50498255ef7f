package ipc

import (
	"errors"
	"fmt"
)

// Error codes for transport operations
const (
	// Configuration and hardware
	CodeDeviceInvalid = "DEVICE_INVALID"
	CodeNoRoute       = "NO_ROUTE"

	// Resource exhaustion (retryable)
	CodeBusy = "BUSY"

	// Protocol
	CodeRemote    = "REMOTE_ERROR"
	CodeMalformed = "MALFORMED"

	// Liveness
	CodeTimeout = "TIMEOUT"
	CodeRestart = "RESTART"

	// Usage
	CodePermission        = "PERMISSION"
	CodeInvalidTicket     = "INVALID_TICKET"
	CodeAlreadyRegistered = "ALREADY_REGISTERED"
	CodeNotRegistered     = "NOT_REGISTERED"
	CodeClosed            = "CLOSED"

	// Process exit
	CodeReleased = "RELEASED"
)

// Error is a transport error with a code for programmatic handling.
type Error struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so errors.Is(err, ErrBusy) works on
// errors carrying context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is. Never returned directly; every call site builds its own
// error so context can be attached.
var (
	ErrDeviceInvalid     = newError(CodeDeviceInvalid, "")
	ErrNoRoute           = newError(CodeNoRoute, "")
	ErrBusy              = newError(CodeBusy, "")
	ErrRemote            = newError(CodeRemote, "")
	ErrMalformed         = newError(CodeMalformed, "")
	ErrTimeout           = newError(CodeTimeout, "")
	ErrRestart           = newError(CodeRestart, "")
	ErrPermission        = newError(CodePermission, "")
	ErrInvalidTicket     = newError(CodeInvalidTicket, "")
	ErrAlreadyRegistered = newError(CodeAlreadyRegistered, "")
	ErrNotRegistered     = newError(CodeNotRegistered, "")
	ErrClosed            = newError(CodeClosed, "")
	ErrReleased          = newError(CodeReleased, "")
)

// IsRetryable reports whether the caller may retry the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func errBusy(instance int, cause error) *Error {
	return wrapError(CodeBusy, "no free mailbox", cause).
		WithContext("instance", instance)
}

func errNoRoute(cores uint32, cause error) *Error {
	return wrapError(CodeNoRoute, "destination unreachable", cause).
		WithContext("cores", fmt.Sprintf("0x%x", cores))
}

func errDeviceInvalid(instance int, cause error) *Error {
	return wrapError(CodeDeviceInvalid, "instance disabled", cause).
		WithContext("instance", instance)
}

func errTimeout(instance int, ticket uint16) *Error {
	return newError(CodeTimeout, "no acknowledgment").
		WithContext("instance", instance).
		WithContext("ticket", ticket)
}

func errRemote(instance int, ticket uint16) *Error {
	return newError(CodeRemote, "remote reported failure").
		WithContext("instance", instance).
		WithContext("ticket", ticket)
}

func errRestart(cause error, tickets ...uint16) *Error {
	return wrapError(CodeRestart, "wait interrupted, resume with the same ticket", cause).
		WithContext("tickets", tickets)
}

func errMalformed(message string, cause error) *Error {
	return wrapError(CodeMalformed, message, cause)
}

func errPermission(message string) *Error {
	return newError(CodePermission, message)
}

func errInvalidTicket(ticket uint16) *Error {
	return newError(CodeInvalidTicket, "ticket not held").
		WithContext("ticket", ticket)
}

func errReleased(ticket uint16) *Error {
	return newError(CodeReleased, "mailbox force-released").
		WithContext("ticket", ticket)
}

func errClosed() *Error {
	return newError(CodeClosed, "transport closed")
}
