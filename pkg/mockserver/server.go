// Package mockserver is a scripted stand-in for the remote automation
// service. One script drives both wire protocols, so the RPC and REST
// transports can be exercised against identical behavior.
package mockserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/stagehand/pkg/observability"
	"github.com/odvcencio/stagehand/pkg/wire"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Call is one request as the server saw it.
type Call struct {
	Kind      wire.OpKind
	Transport string
	SessionID string
	Request   any
	Headers   map[string]string
}

// Header returns a recorded header value by case-insensitive name.
func (c Call) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// Reply scripts the server's answer to a call.
type Reply struct {
	Envelopes []wire.Envelope
	// Delay is slept before each envelope.
	Delay time.Duration
	// Hang keeps the call open after the envelopes until the client leaves.
	Hang bool
	// Drop severs the connection after the envelopes.
	Drop bool
	// Status rejects the call outright: an HTTP status for REST, mapped to
	// a gRPC code for RPC.
	Status  int
	Message string
	// PlainAck answers a REST end with a plain JSON body instead of events.
	PlainAck bool
}

// Handler decides the reply for each call.
type Handler func(Call) Reply

// Option configures a Server.
type Option func(*Server)

// WithHandler replaces the default script.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithLogger sets the server logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server serves the mock service over gRPC and HTTP.
type Server struct {
	handler Handler
	logger  *observability.Logger

	mu    sync.Mutex
	calls []Call

	grpc *grpc.Server
	http *http.Server
}

// New constructs a Server running DefaultHandler unless told otherwise.
func New(opts ...Option) *Server {
	s := &Server{handler: DefaultHandler}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.Wrap(nil, "mockserver")
	}
	s.grpc = grpc.NewServer(grpc.ForceServerCodec(wire.RawCodec{}))
	RegisterService(s.grpc, s)
	s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// GRPC returns the gRPC server with the service registered.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Calls returns a copy of every call received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsOf returns the recorded calls of one kind.
func (s *Server) CallsOf(kind wire.OpKind) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) record(call Call) Reply {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	s.logger.Debug("mock call",
		"op", string(call.Kind),
		"transport", call.Transport,
		"session_id", call.SessionID,
	)
	return s.handler(call)
}

// Serve runs whichever listeners are non-nil until ctx is done or one of
// them fails.
func (s *Server) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Connected("rpc", grpcLis.Addr().String())
			return s.grpc.Serve(grpcLis)
		})
	}
	if httpLis != nil {
		g.Go(func() error {
			s.logger.Connected("rest", httpLis.Addr().String())
			if err := s.http.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return nil
	})
	return g.Wait()
}

// Stop closes both servers and any open calls.
func (s *Server) Stop() {
	s.grpc.Stop()
	_ = s.http.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
