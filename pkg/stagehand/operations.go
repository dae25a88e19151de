package stagehand

import (
	"context"
	"time"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/stream"
	"github.com/odvcencio/stagehand/pkg/wire"
)

// Act performs one natural-language action on the page. The sequence
// yields Log events and ends with Success or an error.
func (s *Session) Act(ctx context.Context, p ActParams) (*Sequence, error) {
	return s.run(ctx, wire.OpAct, p.Timeout, func() (any, error) { return p.request() })
}

// Extract pulls structured data shaped by p.Schema. The sequence ends with
// Data carrying the extracted JSON.
func (s *Session) Extract(ctx context.Context, p ExtractParams) (*Sequence, error) {
	return s.run(ctx, wire.OpExtract, p.Timeout, func() (any, error) { return p.request() })
}

// Observe lists candidate elements. The sequence ends with Elements.
func (s *Session) Observe(ctx context.Context, p ObserveParams) (*Sequence, error) {
	return s.run(ctx, wire.OpObserve, p.Timeout, func() (any, error) { return p.request() })
}

// Execute runs a multi-step agent. Progress events precede the final Result.
func (s *Session) Execute(ctx context.Context, p ExecuteParams) (*Sequence, error) {
	return s.run(ctx, wire.OpExecute, p.Timeout, func() (any, error) { return p.request() })
}

// Navigate loads p.URL in the page. The sequence ends with Success.
func (s *Session) Navigate(ctx context.Context, p NavigateParams) (*Sequence, error) {
	return s.run(ctx, wire.OpNavigate, p.Timeout, func() (any, error) { return p.request() })
}

// run checks preconditions and input before anything reaches the transport.
// The sequence is tracked before its stream opens and mu is released for
// the open itself, so a forced End can cut a slow open short.
func (s *Session) run(ctx context.Context, kind wire.OpKind, timeout time.Duration, build func() (any, error)) (*Sequence, error) {
	seq, err := s.prepare(ctx, kind, timeout, build)
	if err != nil {
		return nil, err
	}
	seq.Start()
	return seq, nil
}

func (s *Session) prepare(ctx context.Context, kind wire.OpKind, timeout time.Duration, build func() (any, error)) (*stream.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Check(kind); err != nil {
		return nil, err
	}
	if timeout < 0 {
		return nil, sherrors.InvalidInput(string(kind) + " timeout must not be negative")
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	op, err := s.operation(kind, req, timeout)
	if err != nil {
		return nil, err
	}

	var seq *stream.Sequence
	seq = stream.New(ctx, s.transport, op, stream.Options{
		IdleTimeout: s.opts.idleTimeout,
		Logger:      s.logger.WithSession(op.SessionID),
		OnClose:     func() { s.untrack(seq) },
	})
	s.track(seq)
	return seq, nil
}

// operation builds op with the session identity and credentials attached.
// Callers hold mu.
func (s *Session) operation(kind wire.OpKind, req any, timeout time.Duration) (*wire.Operation, error) {
	op, err := wire.NewOperation(kind, req)
	if err != nil {
		return nil, sherrors.InvalidInput(err.Error())
	}
	op.SessionID = s.state.ID()
	op.Credentials = s.creds
	op.Timeout = timeout
	return op, nil
}

func (s *Session) track(seq *stream.Sequence) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if !seq.Done() {
		s.inflight[seq] = struct{}{}
	}
}

func (s *Session) untrack(seq *stream.Sequence) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	delete(s.inflight, seq)
}

// InFlight reports how many sequences are still open.
func (s *Session) InFlight() int {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return len(s.inflight)
}
