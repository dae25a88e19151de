package stagehand

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/mockserver"
	"github.com/odvcencio/stagehand/pkg/session"
	"github.com/odvcencio/stagehand/pkg/transport"
	"github.com/odvcencio/stagehand/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// service is a mock remote reachable over both wire protocols.
type service struct {
	srv  *mockserver.Server
	lis  *bufconn.Listener
	rest string
}

func newService(t *testing.T, h mockserver.Handler) *service {
	t.Helper()
	srv := mockserver.New(mockserver.WithHandler(h))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPC().Serve(lis) }()
	t.Cleanup(srv.GRPC().Stop)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)
	return &service{srv: srv, lis: lis, rest: hs.URL}
}

func (svc *service) connect(t *testing.T, kind transport.Kind, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{quietLogger()}, opts...)
	dest := transport.RESTDestination(svc.rest)
	if kind == transport.KindRPC {
		dest = transport.RPCDestination("passthrough:///bufnet")
		opts = append(opts, WithDialOptions(grpc.WithContextDialer(
			func(ctx context.Context, _ string) (net.Conn, error) { return svc.lis.DialContext(ctx) },
		)))
	}
	s, err := Connect(context.Background(), dest, opts...)
	require.NoError(t, err)
	return s
}

func eachTransport(t *testing.T, fn func(t *testing.T, kind transport.Kind)) {
	for _, kind := range []transport.Kind{transport.KindRPC, transport.KindREST} {
		t.Run(string(kind), func(t *testing.T) { fn(t, kind) })
	}
}

func startConfig() Config {
	return Config{
		APIKey:    "bb-key",
		ProjectID: "proj",
		Model:     &Model{Name: "openai/gpt-4o", APIKey: "sk-model"},
		Verbose:   1,
	}
}

func drain(t *testing.T, seq *Sequence) []Event {
	t.Helper()
	var out []Event
	for ev := range seq.All() {
		out = append(out, ev)
	}
	return out
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	eachTransport(t, func(t *testing.T, kind transport.Kind) {
		svc := newService(t, mockserver.DefaultHandler)
		s := svc.connect(t, kind)
		ctx := context.Background()

		require.NoError(t, s.Start(ctx, startConfig()))
		id := s.SessionID()
		require.Len(t, id, 26)

		seq, err := s.Act(ctx, ActParams{Instruction: "click the button", Variables: map[string]string{"user": "ada"}})
		require.NoError(t, err)
		assert.Equal(t, []EventType{EventLog, EventSuccess}, types(drain(t, seq)))

		seq, err = s.Extract(ctx, ExtractParams{Instruction: "title", Schema: []byte(`{"type":"object"}`)})
		require.NoError(t, err)
		events := drain(t, seq)
		assert.Equal(t, []EventType{EventLog, EventData}, types(events))
		assert.JSONEq(t, `{"extraction":"mock"}`, events[1].JSON)

		seq, err = s.Observe(ctx, ObserveParams{Instruction: "buttons", OnlySelectors: []string{"button"}})
		require.NoError(t, err)
		events = drain(t, seq)
		require.Len(t, events, 1)
		assert.Equal(t, EventElements, events[0].Type)
		assert.Contains(t, events[0].JSON, "mock button")

		seq, err = s.Execute(ctx, ExecuteParams{Options: ExecuteOptions{Instruction: "buy socks", MaxSteps: 3}})
		require.NoError(t, err)
		assert.Equal(t, []EventType{EventProgress, EventResult}, types(drain(t, seq)))

		seq, err = s.Navigate(ctx, NavigateParams{URL: "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, []EventType{EventSuccess}, types(drain(t, seq)))

		require.NoError(t, s.End(ctx, false))
		assert.Equal(t, session.Ended, s.State())

		for _, call := range svc.srv.Calls() {
			assert.Equal(t, "bb-key", call.Header(transport.HeaderAPIKey), call.Kind)
			assert.Equal(t, "sk-model", call.Header(transport.HeaderModelAPIKey), call.Kind)
			if call.Kind != wire.OpStart {
				assert.Equal(t, id, call.SessionID, call.Kind)
			}
		}
		act := svc.srv.CallsOf(wire.OpAct)[0].Request.(*wire.ActRequest)
		assert.Equal(t, map[string]string{"user": "ada"}, act.Variables)
		end := svc.srv.CallsOf(wire.OpEnd)[0].Request.(*wire.EndRequest)
		assert.False(t, end.Force)
	})
}

func TestExtractTimeout(t *testing.T) {
	eachTransport(t, func(t *testing.T, kind transport.Kind) {
		svc := newService(t, mockserver.Script(map[wire.OpKind]mockserver.Reply{
			wire.OpExtract: {Hang: true},
		}))
		s := svc.connect(t, kind)
		require.NoError(t, s.Start(context.Background(), startConfig()))

		begin := time.Now()
		seq, err := s.Extract(context.Background(), ExtractParams{
			Instruction: "prices",
			Schema:      []byte(`{"type":"array"}`),
			Timeout:     time.Second,
		})
		require.NoError(t, err)
		events := drain(t, seq)
		elapsed := time.Since(begin)

		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Equal(t, sherrors.ErrCodeTimeout, events[0].Err.Code)
		assert.GreaterOrEqual(t, elapsed, time.Second)
		assert.Less(t, elapsed, 1500*time.Millisecond)
	})
}

func TestObserveClosedWithoutBytes(t *testing.T) {
	eachTransport(t, func(t *testing.T, kind transport.Kind) {
		svc := newService(t, mockserver.Script(map[wire.OpKind]mockserver.Reply{
			wire.OpObserve: {},
		}))
		s := svc.connect(t, kind)
		require.NoError(t, s.Start(context.Background(), startConfig()))

		seq, err := s.Observe(context.Background(), ObserveParams{})
		require.NoError(t, err)
		events := drain(t, seq)
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Equal(t, sherrors.ErrCodeEndOfStream, events[0].Err.Code)
	})
}

func TestForcedEndCancelsInFlight(t *testing.T) {
	eachTransport(t, func(t *testing.T, kind transport.Kind) {
		svc := newService(t, mockserver.Script(map[wire.OpKind]mockserver.Reply{
			wire.OpAct: {Hang: true},
		}))
		s := svc.connect(t, kind)
		require.NoError(t, s.Start(context.Background(), startConfig()))

		seq, err := s.Act(context.Background(), ActParams{Instruction: "wait forever"})
		require.NoError(t, err)

		received := make(chan error, 1)
		go func() {
			_, err := seq.Recv()
			received <- err
		}()
		require.Eventually(t, func() bool { return len(svc.srv.CallsOf(wire.OpAct)) == 1 }, 2*time.Second, 10*time.Millisecond)

		begin := time.Now()
		require.NoError(t, s.End(context.Background(), true))
		assert.Less(t, time.Since(begin), forcedEndBound)

		select {
		case err := <-received:
			assert.ErrorIs(t, err, io.EOF)
		case <-time.After(2 * time.Second):
			t.Fatal("in-flight act was not released")
		}
		assert.True(t, seq.Done())
		assert.Zero(t, s.InFlight())

		ends := svc.srv.CallsOf(wire.OpEnd)
		require.Len(t, ends, 1)
		assert.True(t, ends[0].Request.(*wire.EndRequest).Force)
	})
}

func TestGracefulEndIsBounded(t *testing.T) {
	eachTransport(t, func(t *testing.T, kind transport.Kind) {
		svc := newService(t, mockserver.Script(map[wire.OpKind]mockserver.Reply{
			wire.OpEnd: {Hang: true},
		}))
		s := svc.connect(t, kind, WithEndGrace(200*time.Millisecond))
		require.NoError(t, s.Start(context.Background(), startConfig()))

		begin := time.Now()
		err := s.End(context.Background(), false)
		assert.True(t, sherrors.IsTimeout(err), "got %v", err)
		assert.Less(t, time.Since(begin), time.Second)
		assert.Equal(t, session.Ended, s.State())
	})
}

func TestRemoteEndFailureIsReported(t *testing.T) {
	eachTransport(t, func(t *testing.T, kind transport.Kind) {
		svc := newService(t, mockserver.Script(map[wire.OpKind]mockserver.Reply{
			wire.OpEnd: {Envelopes: []wire.Envelope{mockserver.Fail("browser already gone", "")}},
		}))
		s := svc.connect(t, kind)
		require.NoError(t, s.Start(context.Background(), startConfig()))

		err := s.End(context.Background(), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser already gone")
		assert.Equal(t, session.Ended, s.State())
	})
}

func TestConnectFailures(t *testing.T) {
	_, err := Connect(context.Background(), transport.RPCDestination("http://127.0.0.1:1"),
		WithConnectTimeout(300*time.Millisecond), quietLogger())
	assert.True(t, sherrors.IsTransport(err), "got %v", err)

	_, err = Connect(context.Background(), transport.RESTDestination("ftp://example.com"), quietLogger())
	assert.True(t, sherrors.IsCode(err, sherrors.ErrCodeInvalidInput), "got %v", err)

	s, err := Connect(context.Background(), transport.RESTDestination("http://127.0.0.1:1"), quietLogger())
	require.NoError(t, err, "rest connect makes no network call")
	err = s.Start(context.Background(), Config{})
	assert.True(t, sherrors.IsTransport(err), "got %v", err)
}

func TestRecordThenReplay(t *testing.T) {
	svc := newService(t, mockserver.DefaultHandler)
	var transcript bytes.Buffer
	live := svc.connect(t, transport.KindREST, WithRecorder(&transcript))
	ctx := context.Background()

	require.NoError(t, live.Start(ctx, startConfig()))
	seq, err := live.Act(ctx, ActParams{Instruction: "click"})
	require.NoError(t, err)
	want := drain(t, seq)
	require.NoError(t, live.End(ctx, false))
	require.NotZero(t, transcript.Len())

	replayed, err := Connect(ctx, transport.Destination{}, WithTransport(transport.NewReplay(&transcript)), quietLogger())
	require.NoError(t, err)
	require.NoError(t, replayed.Start(ctx, startConfig()))
	assert.Equal(t, live.SessionID(), replayed.SessionID())

	seq, err = replayed.Act(ctx, ActParams{Instruction: "click"})
	require.NoError(t, err)
	assert.Equal(t, types(want), types(drain(t, seq)))

	// The transcript is exhausted after the end acknowledgement.
	require.NoError(t, replayed.End(ctx, false))
	assert.Zero(t, transcript.Len())
}
