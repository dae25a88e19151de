package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
)

// MaxEventSize bounds the buffered bytes of one event: its accumulated data
// lines plus any unterminated line.
const MaxEventSize = 8 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// SSEDecoder reassembles server-sent events from arbitrary byte ranges.
// Feeding the same stream in any chunking yields the same events.
type SSEDecoder struct {
	buf       []byte
	bomDone   bool
	data      strings.Builder
	hasData   bool
	eventType string
	lastID    string
	retry     int
	err       error
}

// NewSSEDecoder returns an empty decoder.
func NewSSEDecoder() *SSEDecoder {
	return &SSEDecoder{}
}

// Feed appends chunk and returns every event completed by it. An event
// larger than MaxEventSize poisons the decoder.
func (d *SSEDecoder) Feed(chunk []byte) ([]SSEEvent, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)
	return d.drain(false)
}

// Close flushes a trailing line terminator at end of input. An event that
// was not terminated by a blank line is discarded.
func (d *SSEDecoder) Close() ([]SSEEvent, error) {
	if d.err != nil {
		return nil, d.err
	}
	events, err := d.drain(true)
	d.buf = nil
	d.resetEvent()
	return events, err
}

// Pending reports whether bytes of an incomplete event are buffered.
func (d *SSEDecoder) Pending() bool {
	return len(d.buf) > 0 || d.hasData || d.eventType != ""
}

func (d *SSEDecoder) drain(atEOF bool) ([]SSEEvent, error) {
	if !d.bomDone {
		if len(d.buf) < len(utf8BOM) && bytes.HasPrefix(utf8BOM, d.buf) && !atEOF {
			return nil, nil
		}
		d.buf = bytes.TrimPrefix(d.buf, utf8BOM)
		d.bomDone = true
	}

	var events []SSEEvent
	for {
		idx := bytes.IndexAny(d.buf, "\r\n")
		if idx < 0 {
			if d.oversized() {
				return events, d.poison()
			}
			return events, nil
		}
		advance := idx + 1
		if d.buf[idx] == '\r' {
			if idx+1 == len(d.buf) && !atEOF {
				// a CRLF may be split across chunks
				return events, nil
			}
			if idx+1 < len(d.buf) && d.buf[idx+1] == '\n' {
				advance++
			}
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[advance:]
		if ev, ok := d.processLine(line); ok {
			events = append(events, ev)
		}
		if d.oversized() {
			return events, d.poison()
		}
	}
}

func (d *SSEDecoder) oversized() bool {
	return d.data.Len()+len(d.buf) > MaxEventSize
}

func (d *SSEDecoder) poison() error {
	raw := d.buf
	if len(raw) == 0 {
		head := d.data.String()
		raw = []byte(head[:min(len(head), 256)])
	}
	d.err = sherrors.NewFatalMalformed(raw, "event stream event exceeds limit", nil)
	return d.err
}

func (d *SSEDecoder) processLine(line string) (SSEEvent, bool) {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return SSEEvent{}, false
	}
	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "data":
		d.data.WriteString(value)
		d.data.WriteByte('\n')
		d.hasData = true
	case "event":
		d.eventType = value
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.lastID = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			d.retry = n
		}
	}
	return SSEEvent{}, false
}

func (d *SSEDecoder) dispatch() (SSEEvent, bool) {
	if !d.hasData {
		d.resetEvent()
		return SSEEvent{}, false
	}
	data := strings.TrimSuffix(d.data.String(), "\n")
	eventType := d.eventType
	if eventType == "" {
		eventType = "message"
	}
	ev := SSEEvent{ID: d.lastID, Event: eventType, Data: data, Retry: d.retry}
	d.resetEvent()
	return ev, true
}

func (d *SSEDecoder) resetEvent() {
	d.data.Reset()
	d.hasData = false
	d.eventType = ""
}

// streamEvent is the JSON carried in each event's data field.
type streamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type systemData struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DecodeStreamEvent converts one server-sent event into an Envelope. A data
// field that is not valid JSON is a recoverable malformed unit.
func DecodeStreamEvent(opID string, ev SSEEvent) (Envelope, error) {
	var se streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return Envelope{}, sherrors.NewMalformed([]byte(ev.Data), "event data is not JSON", err)
	}
	switch se.Type {
	case "log":
		var line LogLine
		if err := json.Unmarshal(se.Data, &line); err != nil {
			return Envelope{}, sherrors.NewMalformed([]byte(ev.Data), "log event", err)
		}
		return LogEnvelope(opID, line), nil
	case "system":
		var sys systemData
		if err := json.Unmarshal(se.Data, &sys); err != nil {
			return Envelope{}, sherrors.NewMalformed([]byte(ev.Data), "system event", err)
		}
		switch sys.Status {
		case "finished":
			result := []byte(sys.Result)
			if len(result) == 0 {
				result = []byte("null")
			}
			return Envelope{OpID: opID, Kind: KindFinished, Payload: result}, nil
		case "error":
			msg := sys.Error
			if msg == "" {
				msg = sys.Message
			}
			if msg == "" {
				msg = "unknown server error"
			}
			return FailureEnvelope(opID, Failure{Message: msg, Code: sys.Code}), nil
		default:
			return Envelope{OpID: opID, Kind: Kind("system." + sys.Status), Payload: []byte(se.Data)}, nil
		}
	case "progress":
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(se.Data, &p); err != nil {
			return Envelope{}, sherrors.NewMalformed([]byte(ev.Data), "progress event", err)
		}
		return TextEnvelope(opID, KindProgress, p.Message), nil
	case "":
		return Envelope{OpID: opID, Kind: Kind("event." + ev.Event), Payload: []byte(ev.Data)}, nil
	default:
		return Envelope{OpID: opID, Kind: Kind(se.Type), Payload: []byte(se.Data)}, nil
	}
}

// EncodeStreamEnvelope renders an Envelope as a server-sent event. Terminal
// kinds are folded into a "system/finished" event the way the REST service
// reports results.
func EncodeStreamEnvelope(env Envelope) ([]byte, error) {
	var se any
	switch env.Kind {
	case KindLog:
		se = streamEvent{Type: "log", Data: env.Payload}
	case KindProgress:
		data, _ := json.Marshal(map[string]string{"message": string(env.Payload)})
		se = streamEvent{Type: "progress", Data: data}
	case KindFailed:
		f := DecodeFailure(env.Payload)
		se = map[string]any{"type": "system", "data": systemData{Status: "error", Error: f.Message, Code: f.Code}}
	case KindFinished:
		se = map[string]any{"type": "system", "data": systemData{Status: "finished", Result: env.Payload}}
	case KindSuccess:
		ok, err := strconv.ParseBool(string(env.Payload))
		if err != nil {
			return nil, fmt.Errorf("success payload: %w", err)
		}
		result, _ := json.Marshal(map[string]bool{"success": ok})
		se = map[string]any{"type": "system", "data": systemData{Status: "finished", Result: result}}
	case KindData, KindElements, KindResult:
		result := env.Payload
		if !json.Valid(result) {
			result, _ = json.Marshal(string(env.Payload))
		}
		se = map[string]any{"type": "system", "data": systemData{Status: "finished", Result: result}}
	case KindSession:
		result, _ := json.Marshal(map[string]string{"sessionId": string(env.Payload)})
		se = map[string]any{"type": "system", "data": systemData{Status: "finished", Result: result}}
	case KindAck:
		se = map[string]any{"type": "system", "data": systemData{Status: "finished", Result: json.RawMessage("null")}}
	default:
		data := env.Payload
		if !json.Valid(data) {
			data, _ = json.Marshal(string(env.Payload))
		}
		se = streamEvent{Type: string(env.Kind), Data: data}
	}
	body, err := json.Marshal(se)
	if err != nil {
		return nil, fmt.Errorf("encode stream event: %w", err)
	}
	var out bytes.Buffer
	out.WriteString("data: ")
	out.Write(body)
	out.WriteString("\n\n")
	return out.Bytes(), nil
}
