package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/observability"
	"github.com/odvcencio/stagehand/pkg/transport"
	"github.com/odvcencio/stagehand/pkg/wire"
	"go.opentelemetry.io/otel/trace"
)

// DefaultIdleTimeout bounds the silence between two envelopes.
const DefaultIdleTimeout = 60 * time.Second

// Options tune one sequence.
type Options struct {
	// Timeout bounds the whole operation. Zero means op.Timeout, and a zero
	// op.Timeout means no bound.
	Timeout time.Duration
	// IdleTimeout bounds the gap between envelopes. Negative disables it;
	// zero uses DefaultIdleTimeout.
	IdleTimeout time.Duration
	Logger      *observability.Logger
	// OnClose runs exactly once when the sequence finishes for any reason.
	OnClose func()
}

// Sequence is the pull-based event sequence of one operation. Recv is meant
// for a single consumer; Close may be called from any goroutine.
type Sequence struct {
	op     *wire.Operation
	t      transport.Transport
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	logger *observability.Logger
	span   trace.Span

	// mu guards stream against a release racing the open.
	mu       sync.Mutex
	stream   transport.Stream
	released bool

	idle     time.Duration
	idleStop *time.Timer

	started   time.Time
	envelopes atomic.Int64
	pending   *Event
	done      atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

// Open starts op on t and returns its sequence. Failures to open surface as
// the sequence's single terminal error event.
func Open(ctx context.Context, t transport.Transport, op *wire.Operation, opts Options) *Sequence {
	s := New(ctx, t, op, opts)
	s.Start()
	return s
}

// New prepares the sequence of op without touching the network. The
// sequence can be closed before Start, and Close during Start aborts the
// pending open.
func New(ctx context.Context, t transport.Transport, op *wire.Operation, opts Options) *Sequence {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = op.Timeout
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Wrap(nil, "stream")
	}

	ctx, span := observability.StartSpan(ctx, "stagehand."+string(op.Kind), trace.WithAttributes(
		observability.AttrOpID.String(op.ID),
		observability.AttrOpKind.String(string(op.Kind)),
		observability.AttrSessionID.String(op.SessionID),
		observability.AttrTransport.String(string(t.Kind())),
	))

	stop := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, timeout,
			fmt.Errorf("%s exceeded %s: %w", op.Kind, timeout, context.DeadlineExceeded))
	}
	ctx, cancel := context.WithCancelCause(ctx)

	s := &Sequence{
		op:      op,
		t:       t,
		ctx:     ctx,
		cancel:  cancel,
		stop:    stop,
		logger:  logger.WithContext(ctx).WithOperation(op.ID, string(op.Kind)),
		span:    span,
		idle:    idle,
		started: time.Now(),
		onClose: opts.OnClose,
	}
	if idle > 0 {
		s.idleStop = time.AfterFunc(idle, func() {
			cancel(fmt.Errorf("no envelope for %s: %w", idle, context.DeadlineExceeded))
		})
		s.idleStop.Stop()
	}
	observability.ActiveSequences.Inc()
	s.logger.OperationOpened(timeout)
	return s
}

// Start opens the transport stream. It blocks for as long as the transport
// does, which includes rate limiting and waiting for response headers; Close
// from another goroutine cuts it short. Call it once, before Recv.
func (s *Sequence) Start() {
	if s.done.Load() {
		return
	}
	stream, err := s.t.Open(s.ctx, s.op)
	if err != nil {
		ev := errorEvent(s.cause(err))
		s.pending = &ev
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.stream = stream
	s.mu.Unlock()
	context.AfterFunc(s.ctx, func() { _ = stream.Close() })
}

// Op returns the operation this sequence belongs to.
func (s *Sequence) Op() *wire.Operation { return s.op }

// Recv returns the next event. After the terminal event, or after Close,
// it returns io.EOF.
func (s *Sequence) Recv() (Event, error) {
	if s.done.Load() {
		return Event{}, io.EOF
	}
	if s.pending != nil {
		ev := *s.pending
		s.pending = nil
		s.finish(ev)
		return ev, nil
	}

	s.arm()
	env, err := s.stream.Next()
	s.disarm()
	if s.done.Load() {
		return Event{}, io.EOF
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return s.terminate(errorEvent(sherrors.UnexpectedEndOfStream(string(s.op.Kind)))), nil
		}
		return s.terminate(errorEvent(s.cause(err))), nil
	}

	if env.EndOfStream {
		return s.terminate(errorEvent(sherrors.UnexpectedEndOfStream(string(s.op.Kind)))), nil
	}
	s.envelopes.Add(1)
	observability.EnvelopesReceived.WithLabelValues(string(s.op.Kind), string(env.Kind)).Inc()

	ev, err := Decode(s.op.Kind, env)
	if err != nil {
		return s.terminate(errorEvent(err)), nil
	}
	if ev.Type == EventLog && ev.Log != nil && ev.Log.Category == UnrecognizedCategory {
		s.logger.UnrecognizedEnvelope(string(env.Kind), len(env.Payload))
	}
	if ev.Terminal() {
		return s.terminate(ev), nil
	}
	return ev, nil
}

// All adapts the sequence to a range-over-func iterator. Breaking out of the
// loop closes the sequence.
func (s *Sequence) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		defer s.Close()
		for {
			ev, err := s.Recv()
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Close abandons the sequence and releases the underlying request. It is
// safe to call more than once and after the terminal event.
func (s *Sequence) Close() error {
	if s.done.CompareAndSwap(false, true) {
		s.release("canceled", sherrors.Normalize(context.Canceled))
	}
	return nil
}

// Done reports whether the sequence has finished.
func (s *Sequence) Done() bool { return s.done.Load() }

// cause prefers the context's reason over the transport's view of it, so an
// elapsed bound reads as a timeout rather than a broken stream.
func (s *Sequence) cause(err error) error {
	if s.ctx.Err() != nil {
		if cause := context.Cause(s.ctx); cause != nil {
			return cause
		}
	}
	return err
}

// arm starts the idle clock while a read is pending. The clock does not run
// while the consumer holds an event.
func (s *Sequence) arm() {
	if s.idleStop != nil {
		s.idleStop.Reset(s.idle)
	}
}

func (s *Sequence) disarm() {
	if s.idleStop != nil {
		s.idleStop.Stop()
	}
}

func (s *Sequence) terminate(ev Event) Event {
	s.finish(ev)
	return ev
}

func (s *Sequence) finish(ev Event) {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	outcome := "success"
	if ev.Type == EventError {
		outcome = "error"
		if ev.Err.Code == sherrors.ErrCodeCanceled {
			outcome = "canceled"
		}
	}
	s.release(outcome, ev.Err)
}

func (s *Sequence) release(outcome string, err *sherrors.Error) {
	s.closeOnce.Do(func() {
		if s.idleStop != nil {
			s.idleStop.Stop()
		}
		s.mu.Lock()
		s.released = true
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		s.cancel(context.Canceled)
		s.stop()

		elapsed := time.Since(s.started)
		observability.ActiveSequences.Dec()
		observability.RecordOperation(string(s.op.Kind), outcome, elapsed)
		var spanErr error
		if err != nil {
			spanErr = err
			observability.RecordError(string(s.op.Kind), string(err.Code))
			s.span.SetAttributes(observability.AttrErrorCode.String(string(err.Code)))
		}
		s.span.SetAttributes(
			observability.AttrOutcome.String(outcome),
			observability.AttrEnvelopes.Int64(s.envelopes.Load()),
		)
		observability.EndSpan(s.span, spanErr)
		s.logger.OperationClosed(outcome, elapsed, spanErr)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Collect drains the sequence. It returns the terminal event, and the
// terminal error when the operation failed. Non-terminal events are passed
// to onEvent when it is set.
func Collect(s *Sequence, onEvent func(Event)) (Event, error) {
	defer s.Close()
	for {
		ev, err := s.Recv()
		if err != nil {
			// Closed from elsewhere before a terminal event.
			return Event{}, sherrors.Normalize(context.Canceled)
		}
		if !ev.Terminal() {
			if onEvent != nil {
				onEvent(ev)
			}
			continue
		}
		if ev.Type == EventError {
			return ev, ev.Err
		}
		return ev, nil
	}
}
