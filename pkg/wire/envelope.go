package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindLog      Kind = "log"
	KindSuccess  Kind = "success"
	KindData     Kind = "data"
	KindElements Kind = "elements"
	KindResult   Kind = "result"
	KindProgress Kind = "progress"
	KindSession  Kind = "session"
	KindFinished Kind = "finished"
	KindFailed   Kind = "failed"
	KindAck      Kind = "ack"
)

// Envelope is the normalized unit of wire data. Payload encoding depends on
// Kind: JSON LogLine for log, "true"/"false" for success, UTF-8 text for
// data/elements/result/progress/session, raw result JSON for finished,
// JSON Failure for failed.
type Envelope struct {
	OpID        string
	Kind        Kind
	Payload     []byte
	EndOfStream bool
}

// EOS returns the end-of-stream marker for an operation.
func EOS(opID string) Envelope {
	return Envelope{OpID: opID, EndOfStream: true}
}

// LogLine is a remote log record.
type LogLine struct {
	Category  string `json:"category"`
	Message   string `json:"message"`
	Auxiliary string `json:"auxiliary,omitempty"`
}

// UnmarshalJSON tolerates structured auxiliary data by keeping its JSON text.
func (l *LogLine) UnmarshalJSON(data []byte) error {
	var raw struct {
		Category  string          `json:"category"`
		Message   string          `json:"message"`
		Auxiliary json.RawMessage `json:"auxiliary"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Category = raw.Category
	l.Message = raw.Message
	l.Auxiliary = ""
	if len(raw.Auxiliary) > 0 && string(raw.Auxiliary) != "null" {
		var s string
		if err := json.Unmarshal(raw.Auxiliary, &s); err == nil {
			l.Auxiliary = s
		} else {
			l.Auxiliary = string(raw.Auxiliary)
		}
	}
	return nil
}

// Failure is a structured remote error.
type Failure struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// LogEnvelope builds a log envelope.
func LogEnvelope(opID string, line LogLine) Envelope {
	payload, _ := json.Marshal(line)
	return Envelope{OpID: opID, Kind: KindLog, Payload: payload}
}

// SuccessEnvelope builds a success envelope.
func SuccessEnvelope(opID string, ok bool) Envelope {
	return Envelope{OpID: opID, Kind: KindSuccess, Payload: []byte(strconv.FormatBool(ok))}
}

// TextEnvelope builds an envelope whose payload is plain text.
func TextEnvelope(opID string, kind Kind, text string) Envelope {
	return Envelope{OpID: opID, Kind: kind, Payload: []byte(text)}
}

// FailureEnvelope builds a failed envelope.
func FailureEnvelope(opID string, f Failure) Envelope {
	payload, _ := json.Marshal(f)
	return Envelope{OpID: opID, Kind: KindFailed, Payload: payload}
}

// DecodeLog parses a log payload.
func DecodeLog(payload []byte) (LogLine, error) {
	var line LogLine
	if err := json.Unmarshal(payload, &line); err != nil {
		return LogLine{}, fmt.Errorf("log payload: %w", err)
	}
	return line, nil
}

// DecodeFailure parses a failed payload. Plain text is accepted as the message.
func DecodeFailure(payload []byte) Failure {
	var f Failure
	if err := json.Unmarshal(payload, &f); err != nil || f.Message == "" {
		return Failure{Message: string(payload)}
	}
	return f
}
