package main

import (
	"errors"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
)

const (
	exitConfig       = 2
	exitPrecondition = 3
	exitTransport    = 4
	exitTimeout      = 5
	exitRemote       = 6
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return 1
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit code, then derives one from the
// client error taxonomy.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	var clientErr *sherrors.Error
	if !errors.As(err, &clientErr) {
		return 1
	}
	switch {
	case sherrors.IsPrecondition(err):
		return exitPrecondition
	case sherrors.IsTimeout(err):
		return exitTimeout
	case sherrors.IsTransport(err):
		return exitTransport
	}
	switch sherrors.GetCode(err) {
	case sherrors.ErrCodeMissingCredential, sherrors.ErrCodeInvalidInput:
		return exitConfig
	case sherrors.ErrCodeAPI, sherrors.ErrCodeUnauthorized, sherrors.ErrCodeMalformedPayload, sherrors.ErrCodeEndOfStream:
		return exitRemote
	}
	return 1
}
