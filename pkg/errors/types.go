package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Transport family
	ErrCodeTransport      ErrorCode = "TRANSPORT"
	ErrCodeConnectionLost ErrorCode = "CONNECTION_LOST"

	// Payload and remote errors
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeAPI              ErrorCode = "API"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeEndOfStream      ErrorCode = "UNEXPECTED_END_OF_STREAM"

	// Operation bounds
	ErrCodeTimeout  ErrorCode = "TIMEOUT"
	ErrCodeCanceled ErrorCode = "CANCELED"

	// Local preconditions, never contact the network
	ErrCodeNotConnected   ErrorCode = "NOT_CONNECTED"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeAlreadyEnded   ErrorCode = "ALREADY_ENDED"

	// Configuration
	ErrCodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
)

// Error is the single caller-visible error shape. Values are built by the
// constructors in this package; other packages produce raw failures and pass
// them through Normalize.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

func newError(code ErrorCode, message string, underlying error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, e.Context[k]))
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// NotConnected reports an operation attempted before connect.
func NotConnected(op string) *Error {
	return newError(ErrCodeNotConnected, "session is not connected", nil).WithContext("operation", op)
}

// NotStarted reports a data operation attempted before start.
func NotStarted(op string) *Error {
	return newError(ErrCodeNotStarted, "session has not been started", nil).WithContext("operation", op)
}

// AlreadyStarted reports a second start on the same session.
func AlreadyStarted() *Error {
	return newError(ErrCodeAlreadyStarted, "session was already started", nil)
}

// AlreadyEnded reports any call after end.
func AlreadyEnded(op string) *Error {
	return newError(ErrCodeAlreadyEnded, "session has ended", nil).WithContext("operation", op)
}

// MissingCredential reports a required configuration value that is absent.
func MissingCredential(name string) *Error {
	return newError(ErrCodeMissingCredential, "missing credential "+name, nil).WithContext("name", name)
}

// InvalidInput reports a caller argument rejected before any I/O.
func InvalidInput(message string) *Error {
	return newError(ErrCodeInvalidInput, message, nil)
}

// UnexpectedEndOfStream reports a stream that closed before a terminal event.
func UnexpectedEndOfStream(op string) *Error {
	return newError(ErrCodeEndOfStream, "stream closed before a terminal event", ErrEndOfStream).WithContext("operation", op)
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return ErrCodeTransport
	}
	return e.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable
}

// IsTransport reports whether err belongs to the Transport family.
func IsTransport(err error) bool {
	code := GetCode(err)
	return code == ErrCodeTransport || code == ErrCodeConnectionLost
}

// IsTimeout reports whether err is a Timeout.
func IsTimeout(err error) bool {
	return IsCode(err, ErrCodeTimeout)
}

// IsPrecondition reports whether err is a local precondition violation.
func IsPrecondition(err error) bool {
	switch GetCode(err) {
	case ErrCodeNotConnected, ErrCodeNotStarted, ErrCodeAlreadyStarted, ErrCodeAlreadyEnded:
		return true
	}
	return false
}
