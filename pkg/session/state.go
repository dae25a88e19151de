// Package session holds the lifecycle graph of one remote automation session.
// It performs no I/O: the facade consults it before touching the network and
// applies transitions after the network says so.
package session

import (
	"fmt"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
)

// State is the lifecycle position of a session.
type State int

const (
	Disconnected State = iota
	Connected
	Started
	Ended
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Started:
		return "started"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is exclusively owned by one facade and is not safe for concurrent
// mutation.
type Session struct {
	state       State
	id          string
	destination string
}

// New returns a disconnected session.
func New() *Session {
	return &Session{state: Disconnected}
}

func (s *Session) State() State { return s.state }

// ID returns the remote-assigned identity; empty until started.
func (s *Session) ID() string { return s.id }

// Destination returns the address bound by Connect.
func (s *Session) Destination() string { return s.destination }

// Check validates that kind may run in the current state. It never mutates.
func (s *Session) Check(kind wire.OpKind) error {
	op := string(kind)
	if s.state == Ended {
		return sherrors.AlreadyEnded(op)
	}
	switch kind {
	case wire.OpStart:
		switch s.state {
		case Disconnected:
			return sherrors.NotConnected(op)
		case Started:
			return sherrors.AlreadyStarted()
		}
		return nil
	case wire.OpEnd:
		if s.state == Disconnected {
			return sherrors.NotConnected(op)
		}
		return nil
	default:
		switch s.state {
		case Disconnected:
			return sherrors.NotConnected(op)
		case Connected:
			return sherrors.NotStarted(op)
		}
		return nil
	}
}

// Connect binds the destination. The destination is immutable afterwards.
func (s *Session) Connect(destination string) error {
	switch s.state {
	case Disconnected:
		s.state = Connected
		s.destination = destination
		return nil
	case Ended:
		return sherrors.AlreadyEnded("connect")
	default:
		return sherrors.InvalidInput("session is already connected")
	}
}

// MarkStarted records the identity returned by a successful start.
func (s *Session) MarkStarted(id string) error {
	if err := s.Check(wire.OpStart); err != nil {
		return err
	}
	s.state = Started
	s.id = id
	return nil
}

// MarkEnded moves any connected session to Ended. Ending twice is reported.
func (s *Session) MarkEnded() error {
	if err := s.Check(wire.OpEnd); err != nil {
		return err
	}
	s.state = Ended
	return nil
}
