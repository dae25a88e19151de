package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
)

// decodeFunc converts one envelope into an event.
type decodeFunc func(env wire.Envelope) (Event, error)

// table is the set of envelope kinds an operation accepts. Kinds outside it
// become diagnostic log events.
type table map[wire.Kind]decodeFunc

func decodeLog(env wire.Envelope) (Event, error) {
	line, err := wire.DecodeLog(env.Payload)
	if err != nil {
		return Event{}, sherrors.NewMalformed(env.Payload, "log payload", err)
	}
	return Event{Type: EventLog, Log: &line}, nil
}

func decodeFailed(env wire.Envelope) (Event, error) {
	f := wire.DecodeFailure(env.Payload)
	return errorEvent(&sherrors.RemoteError{Message: f.Message, Code: f.Code}), nil
}

func decodeSuccess(env wire.Envelope) (Event, error) {
	ok, err := strconv.ParseBool(string(env.Payload))
	if err != nil {
		return Event{}, sherrors.NewMalformed(env.Payload, "success payload", err)
	}
	return Event{Type: EventSuccess, Success: ok}, nil
}

// decodeFinishedSuccess reads {"success":bool}. A result without the field
// counts as success.
func decodeFinishedSuccess(env wire.Envelope) (Event, error) {
	payload := bytes.TrimSpace(env.Payload)
	if ok, err := strconv.ParseBool(string(payload)); err == nil {
		return Event{Type: EventSuccess, Success: ok}, nil
	}
	var result struct {
		Success *bool `json:"success"`
	}
	if len(payload) > 0 && payload[0] == '{' {
		if err := json.Unmarshal(payload, &result); err != nil {
			return Event{}, sherrors.NewMalformed(env.Payload, "finished payload", err)
		}
	}
	success := result.Success == nil || *result.Success
	return Event{Type: EventSuccess, Success: success}, nil
}

func text(typ EventType) decodeFunc {
	return func(env wire.Envelope) (Event, error) {
		return Event{Type: typ, JSON: string(env.Payload)}, nil
	}
}

func decodeProgress(env wire.Envelope) (Event, error) {
	return Event{Type: EventProgress, Message: string(env.Payload)}, nil
}

func decodeSession(env wire.Envelope) (Event, error) {
	id := string(bytes.TrimSpace(env.Payload))
	if id == "" {
		return errorEvent(&sherrors.RemoteError{Message: "start returned an empty session id"}), nil
	}
	return Event{Type: EventStarted, SessionID: id}, nil
}

// decodeFinishedSession accepts the session id under any of the spellings
// the service has used.
func decodeFinishedSession(env wire.Envelope) (Event, error) {
	var result map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		return Event{}, sherrors.NewMalformed(env.Payload, "start result", err)
	}
	for _, key := range []string{"sessionId", "session_id", "id"} {
		raw, ok := result[key]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return Event{Type: EventStarted, SessionID: id}, nil
		}
	}
	return errorEvent(&sherrors.RemoteError{Message: "start finished without a session id"}), nil
}

func decodeAck(wire.Envelope) (Event, error) {
	return Event{Type: EventAck}, nil
}

var tables = map[wire.OpKind]table{
	wire.OpStart: {
		wire.KindLog:      decodeLog,
		wire.KindSession:  decodeSession,
		wire.KindFinished: decodeFinishedSession,
		wire.KindFailed:   decodeFailed,
	},
	wire.OpAct: {
		wire.KindLog:      decodeLog,
		wire.KindSuccess:  decodeSuccess,
		wire.KindFinished: decodeFinishedSuccess,
		wire.KindFailed:   decodeFailed,
	},
	wire.OpNavigate: {
		wire.KindLog:      decodeLog,
		wire.KindSuccess:  decodeSuccess,
		wire.KindFinished: decodeFinishedSuccess,
		wire.KindFailed:   decodeFailed,
	},
	wire.OpExtract: {
		wire.KindLog:      decodeLog,
		wire.KindData:     text(EventData),
		wire.KindFinished: text(EventData),
		wire.KindFailed:   decodeFailed,
	},
	wire.OpObserve: {
		wire.KindLog:      decodeLog,
		wire.KindElements: text(EventElements),
		wire.KindFinished: text(EventElements),
		wire.KindFailed:   decodeFailed,
	},
	wire.OpExecute: {
		wire.KindLog:      decodeLog,
		wire.KindProgress: decodeProgress,
		wire.KindResult:   text(EventResult),
		wire.KindFinished: text(EventResult),
		wire.KindFailed:   decodeFailed,
	},
	wire.OpEnd: {
		wire.KindLog:      decodeLog,
		wire.KindAck:      decodeAck,
		wire.KindFinished: decodeAck,
		wire.KindFailed:   decodeFailed,
	},
}

// Decode maps one envelope of an operation to its event. Envelope kinds the
// operation does not accept come back as an UnrecognizedCategory log event.
func Decode(kind wire.OpKind, env wire.Envelope) (Event, error) {
	t, ok := tables[kind]
	if !ok {
		return Event{}, fmt.Errorf("no decoding table for operation %q", kind)
	}
	decode, ok := t[env.Kind]
	if !ok {
		return unrecognized(env), nil
	}
	return decode(env)
}

func unrecognized(env wire.Envelope) Event {
	return Event{Type: EventLog, Log: &wire.LogLine{
		Category:  UnrecognizedCategory,
		Message:   fmt.Sprintf("unrecognized envelope kind %q", env.Kind),
		Auxiliary: string(sherrors.TruncateRaw(env.Payload)),
	}}
}
