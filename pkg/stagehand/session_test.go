package stagehand

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/odvcencio/stagehand/pkg/credentials"
	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/session"
	"github.com/odvcencio/stagehand/pkg/transport"
	"github.com/odvcencio/stagehand/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func quietLogger() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newMockTransport(t *testing.T) (*gomock.Controller, *MockTransport) {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	tr.EXPECT().Kind().Return(transport.KindRPC).AnyTimes()
	return ctrl, tr
}

func connectMock(t *testing.T, tr *MockTransport, src credentials.Source) *Session {
	t.Helper()
	if src == nil {
		src = credentials.MapSource{}
	}
	s, err := Connect(context.Background(), transport.RPCDestination("http://stub:1"),
		WithTransport(tr), WithCredentialSource(src), quietLogger())
	require.NoError(t, err)
	return s
}

// scripted returns a stream that yields envs in order and tolerates any
// number of closes.
func scripted(ctrl *gomock.Controller, envs ...wire.Envelope) *MockStream {
	st := NewMockStream(ctrl)
	calls := make([]any, 0, len(envs))
	for _, env := range envs {
		calls = append(calls, st.EXPECT().Next().Return(env, nil))
	}
	gomock.InOrder(calls...)
	st.EXPECT().Close().Return(nil).AnyTimes()
	return st
}

func startEnvelopes(id string) []wire.Envelope {
	return []wire.Envelope{
		wire.LogEnvelope("", wire.LogLine{Category: "init", Message: "booting"}),
		{Kind: wire.KindSession, Payload: []byte(id)},
	}
}

func started(t *testing.T, ctrl *gomock.Controller, tr *MockTransport, cfg Config) *Session {
	t.Helper()
	tr.EXPECT().Open(gomock.Any(), gomock.Any()).Return(scripted(ctrl, startEnvelopes("sess-1")...), nil)
	s := connectMock(t, tr, nil)
	require.NoError(t, s.Start(context.Background(), cfg))
	return s
}

func TestStartTwiceIsRejectedLocally(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	tr.EXPECT().Open(gomock.Any(), gomock.Any()).
		Return(scripted(ctrl, startEnvelopes("sess-1")...), nil).
		Times(1)

	s := connectMock(t, tr, nil)
	require.NoError(t, s.Start(context.Background(), Config{Model: ModelName("openai/gpt-4o")}))
	assert.Equal(t, "sess-1", s.SessionID())
	assert.Equal(t, session.Started, s.State())

	err := s.Start(context.Background(), Config{})
	assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeAlreadyStarted), "got %v", err)
}

func TestOperationsBeforeStartNeverOpen(t *testing.T) {
	_, tr := newMockTransport(t)
	s := connectMock(t, tr, nil)
	ctx := context.Background()

	ops := map[string]func() (*Sequence, error){
		"act":      func() (*Sequence, error) { return s.Act(ctx, ActParams{Instruction: "click"}) },
		"extract":  func() (*Sequence, error) { return s.Extract(ctx, ExtractParams{Instruction: "title"}) },
		"observe":  func() (*Sequence, error) { return s.Observe(ctx, ObserveParams{}) },
		"execute":  func() (*Sequence, error) { return s.Execute(ctx, ExecuteParams{Options: ExecuteOptions{Instruction: "go"}}) },
		"navigate": func() (*Sequence, error) { return s.Navigate(ctx, NavigateParams{URL: "https://example.com"}) },
	}
	for name, call := range ops {
		t.Run(name, func(t *testing.T) {
			seq, err := call()
			assert.Nil(t, seq)
			assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeNotStarted), "got %v", err)
		})
	}
	_, err := s.CDPURL()
	assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeNotStarted))
}

func TestEndWithoutStartSkipsNetwork(t *testing.T) {
	_, tr := newMockTransport(t)
	tr.EXPECT().Close().Return(nil).Times(1)
	s := connectMock(t, tr, nil)

	require.NoError(t, s.End(context.Background(), false))
	assert.Equal(t, session.Ended, s.State())

	tests := []struct {
		name string
		call func() error
	}{
		{"end again", func() error { return s.End(context.Background(), true) }},
		{"start", func() error { return s.Start(context.Background(), Config{}) }},
		{"act", func() error {
			_, err := s.Act(context.Background(), ActParams{Instruction: "click"})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, sherrors.IsCode(tt.call(), sherrors.ErrCodeAlreadyEnded))
		})
	}
}

func TestActScenario(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	s := started(t, ctrl, tr, Config{Model: ModelName("openai/gpt-4o")})

	var got *wire.Operation
	tr.EXPECT().Open(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, op *wire.Operation) (transport.Stream, error) {
			got = op
			return scripted(ctrl,
				wire.LogEnvelope(op.ID, wire.LogLine{Category: "nav", Message: "navigating"}),
				wire.SuccessEnvelope(op.ID, true),
			), nil
		})

	seq, err := s.Act(context.Background(), ActParams{Instruction: "go to example.com", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, s.InFlight())

	var events []Event
	for ev := range seq.All() {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, EventLog, events[0].Type)
	assert.Equal(t, "navigating", events[0].Log.Message)
	assert.Equal(t, EventSuccess, events[1].Type)
	assert.True(t, events[1].Success)
	assert.Zero(t, s.InFlight())

	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, 5*time.Second, got.Timeout)
	req := got.Request.(*wire.ActRequest)
	assert.Equal(t, 5000, req.TimeoutMs)
	assert.Equal(t, "go to example.com", req.Instruction)
}

func TestInvalidInputIsLocal(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	s := started(t, ctrl, tr, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (*Sequence, error)
	}{
		{"empty act", func() (*Sequence, error) { return s.Act(ctx, ActParams{}) }},
		{"bad schema", func() (*Sequence, error) {
			return s.Extract(ctx, ExtractParams{Instruction: "x", Schema: json.RawMessage(`{"type":`)})
		}},
		{"empty execute", func() (*Sequence, error) { return s.Execute(ctx, ExecuteParams{}) }},
		{"empty url", func() (*Sequence, error) { return s.Navigate(ctx, NavigateParams{}) }},
		{"negative timeout", func() (*Sequence, error) {
			return s.Act(ctx, ActParams{Instruction: "click", Timeout: -time.Second})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := tt.call()
			assert.Nil(t, seq)
			assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"zero", Config{}, true},
		{"cloud", Config{Env: EnvCloud, Verbose: 2}, true},
		{"unknown env", Config{Env: "MARS"}, false},
		{"verbose", Config{Verbose: 3}, false},
		{"negative settle", Config{DOMSettleTimeout: -1}, false},
		{"bad create params", Config{CloudSessionCreateParams: json.RawMessage(`{`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeInvalidInput))
		})
	}
}

func TestCloudStartRequiresCredentials(t *testing.T) {
	_, tr := newMockTransport(t)
	s := connectMock(t, tr, credentials.MapSource{credentials.EnvAPIKey: "bb-key"})

	err := s.Start(context.Background(), Config{Env: EnvCloud})
	assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeMissingCredential), "got %v", err)
	assert.Equal(t, session.Connected, s.State())
}

func TestStartForwardsCredentials(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	var got *wire.Operation
	tr.EXPECT().Open(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, op *wire.Operation) (transport.Stream, error) {
			got = op
			return scripted(ctrl, startEnvelopes("sess-9")...), nil
		})

	s := connectMock(t, tr, credentials.MapSource{
		credentials.EnvAPIKey:    "bb-key",
		credentials.EnvProjectID: "proj",
		"OPENAI_API_KEY":         "sk-openai",
	})
	require.NoError(t, s.Start(context.Background(), Config{
		Env:              EnvCloud,
		Model:            ModelName("openai/gpt-4o"),
		DOMSettleTimeout: 1500 * time.Millisecond,
	}))

	require.NotNil(t, got)
	assert.Equal(t, wire.Credentials{APIKey: "bb-key", ProjectID: "proj", ModelAPIKey: "sk-openai"}, got.Credentials)
	req := got.Request.(*wire.StartRequest)
	assert.Equal(t, "BROWSERBASE", req.Env)
	assert.Equal(t, 1500, req.DOMSettleTimeoutMs)

	url, err := s.CDPURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://connect.browserbase.com?apiKey=bb-key&sessionId=sess-9", url)
}

func TestCDPURLNeedsAPIKey(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	s := started(t, ctrl, tr, Config{})

	_, err := s.CDPURL()
	assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeMissingCredential))
}

func TestStartFailureLeavesSessionConnected(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	tr.EXPECT().Open(gomock.Any(), gomock.Any()).Return(scripted(ctrl,
		wire.FailureEnvelope("", wire.Failure{Message: "invalid api key", Code: "401"}),
	), nil)

	s := connectMock(t, tr, nil)
	err := s.Start(context.Background(), Config{})
	require.Error(t, err)
	assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeUnauthorized), "got %v", err)
	assert.Equal(t, session.Connected, s.State())
	assert.Empty(t, s.SessionID())
}

func TestOpenFailureSurfacesOnSequence(t *testing.T) {
	ctrl, tr := newMockTransport(t)
	s := started(t, ctrl, tr, Config{})
	tr.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil, sherrors.ErrConnectionLost)

	seq, err := s.Observe(context.Background(), ObserveParams{Instruction: "buttons"})
	require.NoError(t, err)
	ev, err := seq.Recv()
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, sherrors.ErrCodeConnectionLost, ev.Err.Code)
	_, err = seq.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
