package wire

import (
	"strings"
	"testing"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "\xEF\xBB\xBF: keepalive\r\n" +
	"event: update\r\n" +
	"id: 7\r\n" +
	"data: {\"type\":\"log\",\r\n" +
	"data: \"data\":{\"category\":\"act\",\"message\":\"clicking\"}}\r\n" +
	"\r\n" +
	"data: {\"type\":\"system\",\"data\":{\"status\":\"finished\",\"result\":{\"success\":true}}}\r" +
	"\r" +
	"retry: 500\n" +
	"data: tail\n" +
	"\n"

func decodeAll(t *testing.T, chunks [][]byte) []SSEEvent {
	t.Helper()
	dec := NewSSEDecoder()
	var events []SSEEvent
	for _, chunk := range chunks {
		evs, err := dec.Feed(chunk)
		require.NoError(t, err)
		events = append(events, evs...)
	}
	evs, err := dec.Close()
	require.NoError(t, err)
	return append(events, evs...)
}

func TestSSEDecoderEvents(t *testing.T) {
	events := decodeAll(t, [][]byte{[]byte(sampleStream)})
	require.Len(t, events, 3)

	assert.Equal(t, "update", events[0].Event)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "{\"type\":\"log\",\n\"data\":{\"category\":\"act\",\"message\":\"clicking\"}}", events[0].Data)

	assert.Equal(t, "message", events[1].Event)
	assert.Equal(t, "7", events[1].ID)

	assert.Equal(t, "tail", events[2].Data)
	assert.Equal(t, 500, events[2].Retry)
}

func TestSSEDecoderChunkBoundaryInvariance(t *testing.T) {
	want := decodeAll(t, [][]byte{[]byte(sampleStream)})

	raw := []byte(sampleStream)
	for split := 0; split <= len(raw); split++ {
		got := decodeAll(t, [][]byte{raw[:split], raw[split:]})
		require.Equal(t, want, got, "split at %d", split)
	}

	var bytewise [][]byte
	for i := range raw {
		bytewise = append(bytewise, raw[i:i+1])
	}
	assert.Equal(t, want, decodeAll(t, bytewise))
}

func TestSSEDecoderDiscardsUnterminatedEvent(t *testing.T) {
	dec := NewSSEDecoder()
	evs, err := dec.Feed([]byte("data: partial"))
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.True(t, dec.Pending())

	evs, err = dec.Close()
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.False(t, dec.Pending())
}

func TestSSEDecoderOversizedLine(t *testing.T) {
	dec := NewSSEDecoder()
	big := make([]byte, MaxEventSize+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := dec.Feed(big)
	require.Error(t, err)

	var malformed *sherrors.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.True(t, malformed.Fatal)

	_, err = dec.Feed([]byte("\n\n"))
	assert.Error(t, err, "decoder stays poisoned")
}

func TestSSEDecoderOversizedMultiLineEvent(t *testing.T) {
	dec := NewSSEDecoder()
	line := []byte("data: " + strings.Repeat("b", 1<<20) + "\n")

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = dec.Feed(line)
	}
	require.Error(t, err, "data lines without a blank line must not grow forever")

	var malformed *sherrors.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.True(t, malformed.Fatal)
	assert.NotEmpty(t, malformed.Raw)
}

func TestDecodeStreamEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   SSEEvent
		kind    Kind
		payload string
		wantErr bool
	}{
		{
			name:    "log",
			event:   SSEEvent{Event: "message", Data: `{"type":"log","data":{"category":"init","message":"ready"}}`},
			kind:    KindLog,
			payload: `{"category":"init","message":"ready"}`,
		},
		{
			name:    "finished",
			event:   SSEEvent{Event: "message", Data: `{"type":"system","data":{"status":"finished","result":{"success":true}}}`},
			kind:    KindFinished,
			payload: `{"success":true}`,
		},
		{
			name:    "finished without result",
			event:   SSEEvent{Event: "message", Data: `{"type":"system","data":{"status":"finished"}}`},
			kind:    KindFinished,
			payload: `null`,
		},
		{
			name:    "error",
			event:   SSEEvent{Event: "message", Data: `{"type":"system","data":{"status":"error","error":"boom"}}`},
			kind:    KindFailed,
			payload: `{"message":"boom"}`,
		},
		{
			name:    "other status",
			event:   SSEEvent{Event: "message", Data: `{"type":"system","data":{"status":"starting"}}`},
			kind:    Kind("system.starting"),
			payload: `{"status":"starting"}`,
		},
		{
			name:    "progress",
			event:   SSEEvent{Event: "message", Data: `{"type":"progress","data":{"message":"step 1"}}`},
			kind:    KindProgress,
			payload: `step 1`,
		},
		{
			name:    "unknown type",
			event:   SSEEvent{Event: "message", Data: `{"type":"telemetry","data":{"x":1}}`},
			kind:    Kind("telemetry"),
			payload: `{"x":1}`,
		},
		{
			name:    "untyped",
			event:   SSEEvent{Event: "ping", Data: `{}`},
			kind:    Kind("event.ping"),
			payload: `{}`,
		},
		{
			name:    "not json",
			event:   SSEEvent{Event: "message", Data: `hello`},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeStreamEvent("op-1", tt.event)
			if tt.wantErr {
				var malformed *sherrors.MalformedError
				require.ErrorAs(t, err, &malformed)
				assert.False(t, malformed.Fatal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "op-1", env.OpID)
			assert.Equal(t, tt.kind, env.Kind)
			assert.Equal(t, tt.payload, string(env.Payload))
		})
	}
}

func TestEncodeStreamEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		kind    Kind
		payload string
	}{
		{"log", LogEnvelope("op", LogLine{Category: "c", Message: "m"}), KindLog, `{"category":"c","message":"m"}`},
		{"success", SuccessEnvelope("op", false), KindFinished, `{"success":false}`},
		{"data", TextEnvelope("op", KindData, `{"title":"x"}`), KindFinished, `{"title":"x"}`},
		{"session", TextEnvelope("op", KindSession, "sess-1"), KindFinished, `{"sessionId":"sess-1"}`},
		{"failed", FailureEnvelope("op", Failure{Message: "bad", Code: "401"}), KindFailed, `{"message":"bad","code":"401"}`},
		{"progress", TextEnvelope("op", KindProgress, "halfway"), KindProgress, "halfway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeStreamEnvelope(tt.env)
			require.NoError(t, err)

			events := decodeAll(t, [][]byte{raw})
			require.Len(t, events, 1)
			env, err := DecodeStreamEvent("op", events[0])
			require.NoError(t, err)
			assert.Equal(t, tt.kind, env.Kind)
			assert.JSONEq(t, jsonOrQuoted(tt.payload), jsonOrQuoted(string(env.Payload)))
		})
	}
}

func jsonOrQuoted(s string) string {
	if len(s) > 0 && (s[0] == '{' || s[0] == '[') {
		return s
	}
	return `"` + s + `"`
}
