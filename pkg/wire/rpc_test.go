package wire

import (
	"encoding/json"
	"testing"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func boolp(v bool) *bool { return &v }

func TestRPCRequestRoundTrip(t *testing.T) {
	tests := []struct {
		kind OpKind
		req  any
	}{
		{OpStart, &StartRequest{
			Env:                      "LOCAL",
			APIKey:                   "bb-key",
			ProjectID:                "proj",
			CloudSessionID:           "cloud-1",
			CloudSessionCreateParams: json.RawMessage(`{"region":"us-west-2"}`),
			LocalBrowser: &LocalBrowserOptions{
				Headless: boolp(true),
				Args:     []string{"--no-sandbox", "--mute-audio"},
				Viewport: &Viewport{Width: 1280, Height: 720},
				CDPURL:   "ws://localhost:9222",
			},
			Model:                &Model{Name: "openai/gpt-4o", APIKey: "sk", BaseURL: "https://proxy"},
			SystemPrompt:         "be careful",
			SelfHeal:             boolp(false),
			Experimental:         boolp(true),
			WaitForCaptchaSolves: boolp(true),
			DOMSettleTimeoutMs:   3000,
			ActTimeoutMs:         -1,
			Verbose:              2,
		}},
		{OpAct, &ActRequest{
			Instruction: "click %target%",
			Model:       ModelName("anthropic/claude"),
			Variables:   map[string]string{"target": "login", "user": "alice"},
			TimeoutMs:   5000,
			FrameID:     "frame-2",
		}},
		{OpExtract, &ExtractRequest{
			Instruction: "get title",
			Schema:      json.RawMessage(`{"type":"object"}`),
			TimeoutMs:   1000,
			Selector:    "#main",
		}},
		{OpObserve, &ObserveRequest{
			Instruction:   "buttons",
			OnlySelectors: []string{"button", "a"},
		}},
		{OpExecute, &ExecuteRequest{
			AgentConfig:    AgentConfig{Provider: "openai", Model: ModelName("openai/computer-use"), CUA: boolp(true), Options: json.RawMessage(`{"k":1}`)},
			ExecuteOptions: ExecuteOptions{Instruction: "book a flight", MaxSteps: 20},
			FrameID:        "frame-1",
		}},
		{OpNavigate, &NavigateRequest{URL: "https://example.com", TimeoutMs: 2000}},
		{OpEnd, &EndRequest{Force: true}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			op := &Operation{ID: "op-1", Kind: tt.kind, SessionID: "sess-9", Request: tt.req}
			raw, err := EncodeRPCRequest(op)
			require.NoError(t, err)

			got, sessionID, err := DecodeRPCRequest(tt.kind, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.req, got)
			if tt.kind != OpStart {
				assert.Equal(t, "sess-9", sessionID)
			}
		})
	}
}

func TestRPCResponseRoundTrip(t *testing.T) {
	tests := []struct {
		kind OpKind
		env  Envelope
	}{
		{OpAct, LogEnvelope("op", LogLine{Category: "act", Message: "m", Auxiliary: "x"})},
		{OpAct, SuccessEnvelope("op", true)},
		{OpNavigate, SuccessEnvelope("op", false)},
		{OpExtract, TextEnvelope("op", KindData, `{"title":"t"}`)},
		{OpObserve, TextEnvelope("op", KindElements, `[{"selector":"#a"}]`)},
		{OpExecute, TextEnvelope("op", KindResult, `{"completed":true}`)},
		{OpExecute, TextEnvelope("op", KindProgress, "step 2")},
		{OpStart, TextEnvelope("op", KindSession, "sess-1")},
		{OpExtract, FailureEnvelope("op", Failure{Message: "denied", Code: "403"})},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.env.Kind), func(t *testing.T) {
			raw, err := EncodeRPCResponse(tt.kind, tt.env)
			require.NoError(t, err)

			envs, err := DecodeRPCResponse(tt.kind, "op", raw)
			require.NoError(t, err)
			require.Len(t, envs, 1)
			assert.Equal(t, tt.env, envs[0])
		})
	}
}

func TestRPCResponseCloseIsAck(t *testing.T) {
	envs, err := DecodeRPCResponse(OpEnd, "op", nil)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, KindAck, envs[0].Kind)
}

func TestRPCResponseWireTypeMismatch(t *testing.T) {
	raw := appendString(nil, respFieldResult, "yes")

	_, err := DecodeRPCResponse(OpAct, "op", raw)
	var malformed *sherrors.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.False(t, malformed.Fatal)
	assert.Equal(t, raw, malformed.Raw)
}

func TestRPCResponseUnknownField(t *testing.T) {
	raw := protowire.AppendTag(nil, 9, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 42)

	envs, err := DecodeRPCResponse(OpAct, "op", raw)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, Kind("rpc.field.9"), envs[0].Kind)
	assert.Equal(t, "42", string(envs[0].Payload))
}

func TestRawCodec(t *testing.T) {
	var c RawCodec
	assert.Equal(t, "proto", c.Name())

	data, err := c.Marshal([]byte{1, 2, 3})
	require.NoError(t, err)

	var out []byte
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, []byte{1, 2, 3}, out)

	_, err = c.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(data, &struct{}{}))
}

func TestRPCMethod(t *testing.T) {
	assert.Equal(t, "/stagehand.v1.StagehandService/Init", RPCMethod(OpStart))
	assert.Equal(t, "/stagehand.v1.StagehandService/Close", RPCMethod(OpEnd))
	assert.Equal(t, "Execute", RPCMethodName(OpExecute))
}
