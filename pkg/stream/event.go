// Package stream turns the raw envelopes of one operation into the typed,
// ordered event sequence callers consume.
package stream

import (
	"fmt"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
)

// EventType tags an Event.
type EventType int

const (
	EventLog EventType = iota
	EventProgress
	EventStarted
	EventSuccess
	EventData
	EventElements
	EventResult
	EventAck
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventLog:
		return "log"
	case EventProgress:
		return "progress"
	case EventStarted:
		return "started"
	case EventSuccess:
		return "success"
	case EventData:
		return "data"
	case EventElements:
		return "elements"
	case EventResult:
		return "result"
	case EventAck:
		return "ack"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// UnrecognizedCategory labels log events synthesized from envelopes that
// have no entry in the operation's decoding table.
const UnrecognizedCategory = "stagehand.unrecognized"

// Event is one item of an operation's response sequence. Exactly one
// terminal event ends every sequence.
type Event struct {
	Type EventType

	Log       *wire.LogLine // EventLog
	Message   string        // EventProgress
	SessionID string        // EventStarted
	Success   bool          // EventSuccess
	JSON      string        // EventData, EventElements, EventResult
	Err       *sherrors.Error
}

// Terminal reports whether e closes its sequence.
func (e Event) Terminal() bool {
	return e.Type != EventLog && e.Type != EventProgress
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Err: sherrors.Normalize(err)}
}
