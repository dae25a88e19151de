package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Raw failures produced below the normalizer. They carry transport-specific
// detail and are never handed to callers as-is.
var (
	ErrConnectionLost = errors.New("connection lost")
	ErrEndOfStream    = errors.New("end of stream")
)

// maxRawDiagnostic bounds how much of an offending payload is kept.
const maxRawDiagnostic = 256

// MalformedError reports a frame or event the codec could not parse.
// Fatal marks framing damage the decoder cannot recover from.
type MalformedError struct {
	Raw    []byte
	Reason string
	Fatal  bool
	Err    error
}

// NewMalformed records the offending bytes, truncated for diagnostics.
func NewMalformed(raw []byte, reason string, err error) *MalformedError {
	return &MalformedError{Raw: TruncateRaw(raw), Reason: reason, Err: err}
}

// NewFatalMalformed is NewMalformed for unrecoverable framing.
func NewFatalMalformed(raw []byte, reason string, err error) *MalformedError {
	m := NewMalformed(raw, reason, err)
	m.Fatal = true
	return m
}

func (e *MalformedError) Error() string {
	msg := "malformed payload: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s (raw %q)", msg, e.Raw)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// RequestError reports an operation the transport could not turn into a
// request, such as a missing session identity or an unencodable body.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("building %s request: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-success HTTP response from the REST endpoint.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// RemoteError is a structured application failure reported inside a stream.
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "remote error: " + e.Message
	}
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

func (e *RemoteError) unauthorized() bool {
	switch strings.ToLower(e.Code) {
	case "401", "403", "unauthorized", "unauthenticated", "forbidden", "permission_denied":
		return true
	}
	return false
}

// TruncateRaw copies at most maxRawDiagnostic bytes of raw.
func TruncateRaw(raw []byte) []byte {
	n := len(raw)
	if n > maxRawDiagnostic {
		n = maxRawDiagnostic
	}
	out := make([]byte, n)
	copy(out, raw[:n])
	return out
}
