package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Normalize collapses a raw failure from either transport into the unified
// taxonomy. It performs no I/O and returns the same classification for the
// same input. An *Error passes through unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrCodeTimeout, "operation exceeded its time bound", err)
	case errors.Is(err, context.Canceled):
		return newError(ErrCodeCanceled, "operation canceled", err)
	case errors.Is(err, ErrEndOfStream):
		return newError(ErrCodeEndOfStream, "stream closed before a terminal event", err)
	case errors.Is(err, ErrConnectionLost):
		return newError(ErrCodeConnectionLost, "connection lost", err).WithRetryable(true)
	}

	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return newError(ErrCodeMalformedPayload, malformed.Reason, err).
			WithContext("raw", string(malformed.Raw)).
			WithContext("fatal", malformed.Fatal)
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return newError(ErrCodeInvalidInput, reqErr.Error(), err)
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return fromHTTPStatus(httpErr)
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.unauthorized() {
			return newError(ErrCodeUnauthorized, remote.Message, err)
		}
		return newError(ErrCodeAPI, remote.Message, err)
	}

	if st, ok := status.FromError(err); ok {
		return fromStatus(st, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrCodeTimeout, "network timeout", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return newError(ErrCodeConnectionLost, "connection lost", err).WithRetryable(true)
	}

	return newError(ErrCodeTransport, "transport failure", err).WithRetryable(true)
}

func fromHTTPStatus(httpErr *HTTPStatusError) *Error {
	code := httpErr.StatusCode
	var out *Error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		out = newError(ErrCodeUnauthorized, "credential rejected", httpErr)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		out = newError(ErrCodeTimeout, "remote timed out", httpErr)
	case code == http.StatusTooManyRequests || code >= 500:
		out = newError(ErrCodeAPI, "remote service error", httpErr).WithRetryable(true)
	default:
		out = newError(ErrCodeAPI, "remote rejected request", httpErr)
	}
	return out.WithContext("status", code)
}

func fromStatus(st *status.Status, err error) *Error {
	msg := st.Message()
	if msg == "" {
		msg = st.Code().String()
	}
	var out *Error
	switch st.Code() {
	case codes.DeadlineExceeded:
		out = newError(ErrCodeTimeout, msg, err)
	case codes.Canceled:
		out = newError(ErrCodeCanceled, msg, err)
	case codes.Unavailable:
		out = newError(ErrCodeTransport, msg, err).WithRetryable(true)
	case codes.Unauthenticated, codes.PermissionDenied:
		out = newError(ErrCodeUnauthorized, msg, err)
	case codes.DataLoss:
		out = newError(ErrCodeMalformedPayload, msg, err)
	case codes.ResourceExhausted, codes.Aborted:
		out = newError(ErrCodeAPI, msg, err).WithRetryable(true)
	default:
		out = newError(ErrCodeAPI, msg, err)
	}
	return out.WithContext("grpc_code", st.Code().String())
}
