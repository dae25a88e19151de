// Package stagehand drives a remote browser-automation session. A Session
// connects to the service over binary RPC or REST event streams, starts a
// browser, runs natural-language operations as cancellable event sequences
// and ends the session.
package stagehand

//go:generate mockgen -package=stagehand -destination=mock_transport_test.go github.com/odvcencio/stagehand/pkg/transport Transport,Stream

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/odvcencio/stagehand/pkg/credentials"
	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/observability"
	"github.com/odvcencio/stagehand/pkg/session"
	"github.com/odvcencio/stagehand/pkg/stream"
	"github.com/odvcencio/stagehand/pkg/transport"
	"github.com/odvcencio/stagehand/pkg/wire"
	"go.opentelemetry.io/otel/trace"
)

// Session is one remote automation session. Lifecycle calls are expected
// from a single owner; sequences returned by data operations may be consumed
// and closed from other goroutines.
type Session struct {
	opts      options
	transport transport.Transport
	dest      transport.Destination
	logger    *observability.Logger
	level     *slog.LevelVar

	mu       sync.Mutex
	state    *session.Session
	starting bool
	creds    wire.Credentials
	cloud    credentials.Cloud

	// flightMu is separate from mu: closing a sequence untracks it.
	flightMu sync.Mutex
	inflight map[*stream.Sequence]struct{}
}

// Connect binds a session to dest. For RPC the channel is established here
// and an unreachable endpoint fails with a Transport error; for REST no
// network call is made.
func Connect(ctx context.Context, dest transport.Destination, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	base := o.logger
	if base == nil {
		base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	s := &Session{
		opts:     o,
		dest:     dest,
		logger:   observability.Wrap(base, "stagehand"),
		level:    level,
		state:    session.New(),
		inflight: make(map[*stream.Sequence]struct{}),
	}

	ctx, span := observability.StartSpan(ctx, "stagehand.connect", trace.WithAttributes(
		observability.AttrDestination.String(dest.String()),
	))
	t, err := s.dial(ctx)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	if o.recorder != nil {
		t = transport.NewRecorder(t, o.recorder)
	}
	s.transport = t
	if err := s.state.Connect(dest.String()); err != nil {
		_ = t.Close()
		observability.EndSpan(span, err)
		return nil, err
	}
	span.SetAttributes(observability.AttrTransport.String(string(t.Kind())))
	observability.EndSpan(span, nil)
	s.logger.WithContext(ctx).Connected(string(t.Kind()), dest.Address)
	return s, nil
}

func (s *Session) dial(ctx context.Context) (transport.Transport, error) {
	if s.opts.transport != nil {
		return s.opts.transport, nil
	}
	if err := s.dest.Validate(); err != nil {
		return nil, sherrors.InvalidInput(err.Error())
	}
	switch s.dest.Kind {
	case transport.KindRPC:
		t, err := transport.DialRPC(ctx, s.dest.Address, transport.RPCConfig{
			ConnectTimeout: s.opts.connectTimeout,
			DialOptions:    s.opts.dialOptions,
			Limiter:        s.opts.limiter,
		})
		if err != nil {
			return nil, sherrors.Normalize(err)
		}
		return t, nil
	default:
		client := s.opts.httpClient
		if client == nil {
			client = &http.Client{Transport: transport.DefaultHTTPTransport()}
		}
		logged := *client
		logged.Transport = transport.NewLoggingRoundTripper(client.Transport, s.logger.Logger)
		return transport.NewEventStream(s.dest.Address, transport.EventStreamConfig{
			Client:  &logged,
			Limiter: s.opts.limiter,
		}), nil
	}
}

// Start launches the browser and records the session identity. It blocks
// until the remote reports the identity or fails. Remote log lines received
// meanwhile go to the session logger. mu is not held while waiting, so End
// can abort a slow launch.
func (s *Session) Start(ctx context.Context, cfg Config) error {
	seq, pending, err := s.beginStart(ctx, cfg)
	if err != nil {
		return err
	}
	seq.Start()
	ev, err := stream.Collect(seq, func(ev Event) {
		if ev.Type == EventLog && ev.Log != nil {
			pending.remote.RemoteLog(pending.level, ev.Log.Category, ev.Log.Message, ev.Log.Auxiliary)
		}
	})
	return s.finishStart(ctx, ev, pending, err)
}

// pendingStart carries what a start in flight resolved before its request.
type pendingStart struct {
	creds  wire.Credentials
	cloud  credentials.Cloud
	remote *observability.Logger
	level  slog.Level
}

func (s *Session) beginStart(ctx context.Context, cfg Config) (*stream.Sequence, pendingStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Check(wire.OpStart); err != nil {
		return nil, pendingStart{}, err
	}
	if s.starting {
		return nil, pendingStart{}, sherrors.AlreadyStarted()
	}
	if err := cfg.Validate(); err != nil {
		return nil, pendingStart{}, err
	}
	if s.opts.logger == nil {
		s.level.Set(observability.LevelForVerbose(cfg.Verbose))
	}

	cloud := credentials.Cloud{APIKey: cfg.APIKey, ProjectID: cfg.ProjectID}
	if cfg.env() == EnvCloud {
		var err error
		if cloud, err = credentials.RequireCloud(s.opts.source, cloud); err != nil {
			return nil, pendingStart{}, err
		}
	} else {
		if cloud.APIKey == "" {
			cloud.APIKey, _ = credentials.Resolve(s.opts.source, credentials.EnvAPIKey)
		}
		if cloud.ProjectID == "" {
			cloud.ProjectID, _ = credentials.Resolve(s.opts.source, credentials.EnvProjectID)
		}
	}
	creds := wire.Credentials{
		APIKey:      cloud.APIKey,
		ProjectID:   cloud.ProjectID,
		ModelAPIKey: credentials.ModelAPIKey(s.opts.source, cfg.Model),
	}

	op, err := wire.NewOperation(wire.OpStart, cfg.startRequest(cloud.APIKey, cloud.ProjectID))
	if err != nil {
		return nil, pendingStart{}, sherrors.InvalidInput(err.Error())
	}
	op.Credentials = creds

	var seq *stream.Sequence
	seq = stream.New(ctx, s.transport, op, stream.Options{
		IdleTimeout: s.opts.idleTimeout,
		Logger:      s.logger,
		OnClose:     func() { s.untrack(seq) },
	})
	s.track(seq)
	s.starting = true
	return seq, pendingStart{
		creds:  creds,
		cloud:  cloud,
		remote: s.logger.WithOperation(op.ID, string(op.Kind)),
		level:  observability.LevelForVerbose(cfg.Verbose),
	}, nil
}

func (s *Session) finishStart(ctx context.Context, ev Event, p pendingStart, startErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.starting = false
	if s.state.State() == session.Ended {
		// End ran while the launch was in flight.
		return sherrors.AlreadyEnded(string(wire.OpStart))
	}
	if startErr != nil {
		return startErr
	}
	if err := s.state.MarkStarted(ev.SessionID); err != nil {
		return err
	}
	s.creds = p.creds
	s.cloud = p.cloud
	observability.SessionsStarted.WithLabelValues(string(s.transport.Kind())).Inc()
	s.logger.WithContext(ctx).SessionStarted(ev.SessionID)
	return nil
}

// End tears the session down. A graceful end asks the remote to clean up
// and waits at most the end grace period for its acknowledgement, then
// closes whatever is still in flight. A forced end closes every in-flight
// sequence first and sends a best-effort end request. Either way the
// session is Ended when End returns; a failed remote end is returned.
func (s *Session) End(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Check(wire.OpEnd); err != nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "stagehand.end", trace.WithAttributes(
		observability.AttrSessionID.String(s.state.ID()),
		observability.AttrEndForced.Bool(force),
	))

	var remoteErr error
	switch {
	case s.state.State() != session.Started:
		// Nothing to end remotely; a start may still be in flight.
		s.closeInflight()
	case force:
		s.closeInflight()
		remoteErr = s.sendEnd(ctx, true, forcedEndBound)
	default:
		remoteErr = s.sendEnd(ctx, false, s.opts.endGrace)
		s.closeInflight()
	}

	id := s.state.ID()
	_ = s.state.MarkEnded()
	_ = s.transport.Close()
	observability.SessionsEnded.WithLabelValues(strconv.FormatBool(force)).Inc()
	observability.EndSpan(span, remoteErr)
	s.logger.WithContext(ctx).SessionEnded(id, force, remoteErr)
	return remoteErr
}

func (s *Session) sendEnd(ctx context.Context, force bool, bound time.Duration) error {
	op, err := s.operation(wire.OpEnd, &wire.EndRequest{Force: force}, bound)
	if err != nil {
		return err
	}
	// The end request must be sent even when the caller's context is done.
	ctx = context.WithoutCancel(ctx)
	seq := stream.Open(ctx, s.transport, op, stream.Options{
		IdleTimeout: -1,
		Logger:      s.logger,
	})
	_, err = stream.Collect(seq, nil)
	return err
}

func (s *Session) closeInflight() {
	s.flightMu.Lock()
	seqs := make([]*stream.Sequence, 0, len(s.inflight))
	for seq := range s.inflight {
		seqs = append(seqs, seq)
	}
	s.flightMu.Unlock()
	for _, seq := range seqs {
		_ = seq.Close()
	}
}

// SessionID returns the remote-assigned identity, empty until Start succeeds.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ID()
}

// State returns the lifecycle position.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State()
}

// CDPURL returns the remote-control websocket URL of the started browser.
func (s *Session) CDPURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.ID() == "" {
		return "", sherrors.NotStarted("cdp url")
	}
	if s.cloud.APIKey == "" {
		return "", sherrors.MissingCredential(credentials.EnvAPIKey)
	}
	u, err := url.Parse(s.opts.cdpBaseURL)
	if err != nil {
		return "", sherrors.InvalidInput("cdp base url: " + err.Error())
	}
	q := url.Values{}
	q.Set("apiKey", s.cloud.APIKey)
	q.Set("sessionId", s.state.ID())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
