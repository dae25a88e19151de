package mockserver

import (
	"github.com/odvcencio/stagehand/pkg/wire"
	"github.com/oklog/ulid/v2"
)

// DefaultHandler answers every operation with a short, successful script.
func DefaultHandler(call Call) Reply {
	switch call.Kind {
	case wire.OpStart:
		return Reply{Envelopes: []wire.Envelope{
			Log("init", "session created"),
			{Kind: wire.KindSession, Payload: []byte(ulid.Make().String())},
		}}
	case wire.OpAct:
		return Reply{Envelopes: []wire.Envelope{
			Log("action", "performing action"),
			wire.SuccessEnvelope("", true),
		}}
	case wire.OpNavigate:
		return Reply{Envelopes: []wire.Envelope{wire.SuccessEnvelope("", true)}}
	case wire.OpExtract:
		return Reply{Envelopes: []wire.Envelope{
			Log("extraction", "extracting"),
			wire.TextEnvelope("", wire.KindData, `{"extraction":"mock"}`),
		}}
	case wire.OpObserve:
		return Reply{Envelopes: []wire.Envelope{
			wire.TextEnvelope("", wire.KindElements, `[{"selector":"xpath=/html/body/button","description":"mock button"}]`),
		}}
	case wire.OpExecute:
		return Reply{Envelopes: []wire.Envelope{
			wire.TextEnvelope("", wire.KindProgress, "step 1"),
			wire.TextEnvelope("", wire.KindResult, `{"success":true,"completed":true,"actions":[]}`),
		}}
	case wire.OpEnd:
		return Reply{Envelopes: []wire.Envelope{{Kind: wire.KindAck}}}
	}
	return Reply{Status: 404, Message: "unknown operation"}
}

// Log builds a log envelope for scripts.
func Log(category, message string) wire.Envelope {
	return wire.LogEnvelope("", wire.LogLine{Category: category, Message: message})
}

// Fail builds a failed envelope for scripts.
func Fail(message, code string) wire.Envelope {
	return wire.FailureEnvelope("", wire.Failure{Message: message, Code: code})
}

// Script returns a handler that answers kind with reply and defers to
// DefaultHandler for everything else.
func Script(replies map[wire.OpKind]Reply) Handler {
	return func(call Call) Reply {
		if r, ok := replies[call.Kind]; ok {
			return r
		}
		return DefaultHandler(call)
	}
}
