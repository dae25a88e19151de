package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// RPCService is the fully qualified gRPC service name.
const RPCService = "stagehand.v1.StagehandService"

var rpcMethods = map[OpKind]string{
	OpStart:    "Init",
	OpAct:      "Act",
	OpExtract:  "Extract",
	OpObserve:  "Observe",
	OpExecute:  "Execute",
	OpNavigate: "Navigate",
	OpEnd:      "Close",
}

// RPCMethodName returns the bare method name for an operation kind.
func RPCMethodName(kind OpKind) string {
	return rpcMethods[kind]
}

// RPCMethod returns the full method path for an operation kind.
func RPCMethod(kind OpKind) string {
	return "/" + RPCService + "/" + rpcMethods[kind]
}

// RawCodec passes pre-encoded protobuf bytes straight through gRPC. It is
// applied per call and never registered globally.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	default:
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (RawCodec) Name() string { return "proto" }

// EncodeRPCRequest serializes the operation's request message. Session ids
// ride inside the message for every call after Init.
func EncodeRPCRequest(op *Operation) ([]byte, error) {
	var b []byte
	switch req := op.Request.(type) {
	case *StartRequest:
		b = appendString(b, 1, req.Env)
		b = appendString(b, 2, req.APIKey)
		b = appendString(b, 3, req.ProjectID)
		b = appendString(b, 4, req.CloudSessionID)
		b = appendString(b, 5, string(req.CloudSessionCreateParams))
		if req.LocalBrowser != nil {
			b = appendMessage(b, 6, encodeLocalBrowser(req.LocalBrowser))
		}
		if req.Model != nil {
			b = appendMessage(b, 7, encodeModel(req.Model))
		}
		b = appendString(b, 8, req.SystemPrompt)
		b = appendOptBool(b, 9, req.SelfHeal)
		b = appendOptBool(b, 10, req.Experimental)
		b = appendInt32(b, 11, req.DOMSettleTimeoutMs)
		b = appendInt32(b, 12, req.Verbose)
		b = appendOptBool(b, 13, req.WaitForCaptchaSolves)
		b = appendInt32(b, 14, req.ActTimeoutMs)
	case *ActRequest:
		b = appendString(b, 1, req.Instruction)
		if req.Model != nil {
			b = appendMessage(b, 2, encodeModel(req.Model))
		}
		keys := make([]string, 0, len(req.Variables))
		for k := range req.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = appendString(entry, 1, k)
			entry = appendString(entry, 2, req.Variables[k])
			b = appendMessage(b, 3, entry)
		}
		b = appendInt32(b, 4, req.TimeoutMs)
		b = appendString(b, 5, req.FrameID)
		b = appendString(b, 6, op.SessionID)
	case *ExtractRequest:
		b = appendString(b, 1, req.Instruction)
		b = appendString(b, 2, string(req.Schema))
		if req.Model != nil {
			b = appendMessage(b, 3, encodeModel(req.Model))
		}
		b = appendInt32(b, 4, req.TimeoutMs)
		b = appendString(b, 5, req.Selector)
		b = appendString(b, 6, req.FrameID)
		b = appendString(b, 7, op.SessionID)
	case *ObserveRequest:
		b = appendString(b, 1, req.Instruction)
		if req.Model != nil {
			b = appendMessage(b, 2, encodeModel(req.Model))
		}
		b = appendInt32(b, 3, req.TimeoutMs)
		b = appendString(b, 4, req.Selector)
		b = appendRepeatedString(b, 5, req.OnlySelectors)
		b = appendString(b, 6, req.FrameID)
		b = appendString(b, 7, op.SessionID)
	case *ExecuteRequest:
		agentConfig, err := json.Marshal(req.AgentConfig)
		if err != nil {
			return nil, fmt.Errorf("agent config: %w", err)
		}
		execOptions, err := json.Marshal(req.ExecuteOptions)
		if err != nil {
			return nil, fmt.Errorf("execute options: %w", err)
		}
		b = appendString(b, 1, op.SessionID)
		b = appendString(b, 2, req.ExecuteOptions.Instruction)
		b = appendString(b, 3, req.FrameID)
		b = appendString(b, 4, string(agentConfig))
		b = appendString(b, 5, string(execOptions))
	case *NavigateRequest:
		b = appendString(b, 1, req.URL)
		b = appendInt32(b, 2, req.TimeoutMs)
		b = appendString(b, 3, req.FrameID)
		b = appendString(b, 4, op.SessionID)
	case *EndRequest:
		if req.Force {
			b = appendBool(b, 1, true)
		}
		b = appendString(b, 2, op.SessionID)
	default:
		return nil, fmt.Errorf("rpc: unsupported request %T", op.Request)
	}
	return b, nil
}

// DecodeRPCRequest parses a request message. It returns the request and the
// session id carried inside it.
func DecodeRPCRequest(kind OpKind, raw []byte) (any, string, error) {
	fields, err := parseFields(raw)
	if err != nil {
		return nil, "", fmt.Errorf("rpc %s request: %w", kind, err)
	}
	var sessionID string
	switch kind {
	case OpStart:
		req := &StartRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				req.Env = string(f.bytes)
			case 2:
				req.APIKey = string(f.bytes)
			case 3:
				req.ProjectID = string(f.bytes)
			case 4:
				req.CloudSessionID = string(f.bytes)
			case 5:
				req.CloudSessionCreateParams = json.RawMessage(append([]byte(nil), f.bytes...))
			case 6:
				if req.LocalBrowser, err = decodeLocalBrowser(f.bytes); err != nil {
					return nil, "", err
				}
			case 7:
				if req.Model, err = decodeModel(f.bytes); err != nil {
					return nil, "", err
				}
			case 8:
				req.SystemPrompt = string(f.bytes)
			case 9:
				req.SelfHeal = boolPtr(f)
			case 10:
				req.Experimental = boolPtr(f)
			case 11:
				req.DOMSettleTimeoutMs = int32Value(f)
			case 12:
				req.Verbose = int32Value(f)
			case 13:
				req.WaitForCaptchaSolves = boolPtr(f)
			case 14:
				req.ActTimeoutMs = int32Value(f)
			}
		}
		return req, "", nil
	case OpAct:
		req := &ActRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				req.Instruction = string(f.bytes)
			case 2:
				if req.Model, err = decodeModel(f.bytes); err != nil {
					return nil, "", err
				}
			case 3:
				entry, err := parseFields(f.bytes)
				if err != nil {
					return nil, "", err
				}
				var k, v string
				for _, g := range entry {
					switch g.num {
					case 1:
						k = string(g.bytes)
					case 2:
						v = string(g.bytes)
					}
				}
				if req.Variables == nil {
					req.Variables = make(map[string]string)
				}
				req.Variables[k] = v
			case 4:
				req.TimeoutMs = int32Value(f)
			case 5:
				req.FrameID = string(f.bytes)
			case 6:
				sessionID = string(f.bytes)
			}
		}
		return req, sessionID, nil
	case OpExtract:
		req := &ExtractRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				req.Instruction = string(f.bytes)
			case 2:
				req.Schema = json.RawMessage(append([]byte(nil), f.bytes...))
			case 3:
				if req.Model, err = decodeModel(f.bytes); err != nil {
					return nil, "", err
				}
			case 4:
				req.TimeoutMs = int32Value(f)
			case 5:
				req.Selector = string(f.bytes)
			case 6:
				req.FrameID = string(f.bytes)
			case 7:
				sessionID = string(f.bytes)
			}
		}
		return req, sessionID, nil
	case OpObserve:
		req := &ObserveRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				req.Instruction = string(f.bytes)
			case 2:
				if req.Model, err = decodeModel(f.bytes); err != nil {
					return nil, "", err
				}
			case 3:
				req.TimeoutMs = int32Value(f)
			case 4:
				req.Selector = string(f.bytes)
			case 5:
				req.OnlySelectors = append(req.OnlySelectors, string(f.bytes))
			case 6:
				req.FrameID = string(f.bytes)
			case 7:
				sessionID = string(f.bytes)
			}
		}
		return req, sessionID, nil
	case OpExecute:
		req := &ExecuteRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				sessionID = string(f.bytes)
			case 2:
				req.ExecuteOptions.Instruction = string(f.bytes)
			case 3:
				req.FrameID = string(f.bytes)
			case 4:
				if err := json.Unmarshal(f.bytes, &req.AgentConfig); err != nil {
					return nil, "", fmt.Errorf("agent config: %w", err)
				}
			case 5:
				instruction := req.ExecuteOptions.Instruction
				if err := json.Unmarshal(f.bytes, &req.ExecuteOptions); err != nil {
					return nil, "", fmt.Errorf("execute options: %w", err)
				}
				if req.ExecuteOptions.Instruction == "" {
					req.ExecuteOptions.Instruction = instruction
				}
			}
		}
		return req, sessionID, nil
	case OpNavigate:
		req := &NavigateRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				req.URL = string(f.bytes)
			case 2:
				req.TimeoutMs = int32Value(f)
			case 3:
				req.FrameID = string(f.bytes)
			case 4:
				sessionID = string(f.bytes)
			}
		}
		return req, sessionID, nil
	case OpEnd:
		req := &EndRequest{}
		for _, f := range fields {
			switch f.num {
			case 1:
				req.Force = protowire.DecodeBool(f.varint)
			case 2:
				sessionID = string(f.bytes)
			}
		}
		return req, sessionID, nil
	}
	return nil, "", fmt.Errorf("rpc: unknown operation kind %q", kind)
}

// Response fields shared by every streaming response message.
const (
	respFieldLog      protowire.Number = 1
	respFieldResult   protowire.Number = 2
	respFieldProgress protowire.Number = 3
	respFieldFailure  protowire.Number = 4
)

// resultKind maps the op-specific response field 2 to its envelope kind.
func resultKind(kind OpKind) Kind {
	switch kind {
	case OpAct, OpNavigate:
		return KindSuccess
	case OpExtract:
		return KindData
	case OpObserve:
		return KindElements
	case OpExecute:
		return KindResult
	case OpStart:
		return KindSession
	case OpEnd:
		return KindAck
	}
	return ""
}

// DecodeRPCResponse converts one response message into envelopes. A response
// may set several fields; each becomes its own envelope in field order. A
// field whose wire type does not match its schema is a recoverable
// malformed unit.
func DecodeRPCResponse(kind OpKind, opID string, raw []byte) ([]Envelope, error) {
	if kind == OpEnd {
		return []Envelope{{OpID: opID, Kind: KindAck}}, nil
	}
	fields, err := parseFields(raw)
	if err != nil {
		return nil, sherrors.NewMalformed(raw, "rpc response", err)
	}
	var out []Envelope
	for _, f := range fields {
		switch f.num {
		case respFieldLog:
			if f.typ != protowire.BytesType {
				return out, sherrors.NewMalformed(raw, "log field wire type", nil)
			}
			line, err := decodeLogLine(f.bytes)
			if err != nil {
				return out, sherrors.NewMalformed(raw, "log line", err)
			}
			out = append(out, LogEnvelope(opID, line))
		case respFieldResult:
			env, err := decodeResultField(kind, opID, f)
			if err != nil {
				return out, sherrors.NewMalformed(raw, "result field", err)
			}
			out = append(out, env)
		case respFieldProgress:
			if f.typ != protowire.BytesType {
				return out, sherrors.NewMalformed(raw, "progress field wire type", nil)
			}
			out = append(out, TextEnvelope(opID, KindProgress, string(f.bytes)))
		case respFieldFailure:
			if f.typ != protowire.BytesType {
				return out, sherrors.NewMalformed(raw, "failure field wire type", nil)
			}
			inner, err := parseFields(f.bytes)
			if err != nil {
				return out, sherrors.NewMalformed(raw, "failure", err)
			}
			var fail Failure
			for _, g := range inner {
				switch g.num {
				case 1:
					fail.Message = string(g.bytes)
				case 2:
					fail.Code = string(g.bytes)
				}
			}
			out = append(out, FailureEnvelope(opID, fail))
		default:
			payload := f.bytes
			if f.typ == protowire.VarintType {
				payload = []byte(strconv.FormatUint(f.varint, 10))
			}
			out = append(out, Envelope{
				OpID:    opID,
				Kind:    Kind("rpc.field." + strconv.Itoa(int(f.num))),
				Payload: append([]byte(nil), payload...),
			})
		}
	}
	return out, nil
}

func decodeResultField(kind OpKind, opID string, f pbField) (Envelope, error) {
	switch kind {
	case OpAct, OpNavigate:
		if f.typ != protowire.VarintType {
			return Envelope{}, fmt.Errorf("expected varint, got wire type %d", f.typ)
		}
		return SuccessEnvelope(opID, protowire.DecodeBool(f.varint)), nil
	case OpStart:
		if f.typ != protowire.BytesType {
			return Envelope{}, fmt.Errorf("expected message, got wire type %d", f.typ)
		}
		inner, err := parseFields(f.bytes)
		if err != nil {
			return Envelope{}, err
		}
		var sessionID string
		for _, g := range inner {
			if g.num == 1 {
				sessionID = string(g.bytes)
			}
		}
		return TextEnvelope(opID, KindSession, sessionID), nil
	default:
		if f.typ != protowire.BytesType {
			return Envelope{}, fmt.Errorf("expected bytes, got wire type %d", f.typ)
		}
		return TextEnvelope(opID, resultKind(kind), string(f.bytes)), nil
	}
}

// EncodeRPCResponse renders one envelope as a response message for kind.
func EncodeRPCResponse(kind OpKind, env Envelope) ([]byte, error) {
	var b []byte
	switch env.Kind {
	case KindLog:
		line, err := DecodeLog(env.Payload)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, respFieldLog, encodeLogLine(line))
	case KindProgress:
		b = appendMessage(b, respFieldProgress, env.Payload)
	case KindFailed:
		fail := DecodeFailure(env.Payload)
		var inner []byte
		inner = appendString(inner, 1, fail.Message)
		inner = appendString(inner, 2, fail.Code)
		b = appendMessage(b, respFieldFailure, inner)
	case KindSuccess:
		ok, err := strconv.ParseBool(string(env.Payload))
		if err != nil {
			return nil, fmt.Errorf("success payload: %w", err)
		}
		b = appendBool(b, respFieldResult, ok)
	case KindSession:
		b = appendMessage(b, respFieldResult, appendString(nil, 1, string(env.Payload)))
	case KindData, KindElements, KindResult:
		b = appendMessage(b, respFieldResult, env.Payload)
	case KindAck:
		// Close responses are empty.
	default:
		return nil, fmt.Errorf("rpc %s: no field for kind %q", kind, env.Kind)
	}
	return b, nil
}
