package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
)

// Recorder tees every envelope produced by the wrapped transport into a
// transcript of length-prefixed frames. Write failures never affect the
// operation; the first one is kept for Err.
type Recorder struct {
	inner Transport
	mu    sync.Mutex
	w     io.Writer
	err   error
}

// NewRecorder wraps inner and writes frames to w.
func NewRecorder(inner Transport, w io.Writer) *Recorder {
	return &Recorder{inner: inner, w: w}
}

func (r *Recorder) Kind() Kind   { return r.inner.Kind() }
func (r *Recorder) Close() error { return r.inner.Close() }

// Err returns the first transcript write failure.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) Open(ctx context.Context, op *wire.Operation) (Stream, error) {
	s, err := r.inner.Open(ctx, op)
	if err != nil {
		return nil, err
	}
	return &recordingStream{Stream: s, rec: r}, nil
}

func (r *Recorder) write(env wire.Envelope) {
	frame := wire.EncodeFrame(env)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if _, err := r.w.Write(frame); err != nil {
		r.err = err
	}
}

type recordingStream struct {
	Stream
	rec *Recorder
}

func (s *recordingStream) Next() (wire.Envelope, error) {
	env, err := s.Stream.Next()
	if err == nil {
		s.rec.write(env)
	}
	return env, err
}

// replayChunkSize bounds each transcript read.
const replayChunkSize = 512

// Replay serves operations from a recorded transcript. Each opened stream
// consumes frames up to and including the next end-of-stream frame; the
// recorded operation ids are replaced by the live ones. An exhausted
// transcript ends every further stream immediately.
type Replay struct {
	mu       sync.Mutex
	r        io.Reader
	dec      *wire.FrameDecoder
	chunk    []byte
	pending  []wire.Envelope
	deferred error
	fatal    error
	eof      bool
}

// NewReplay reads the transcript from r lazily.
func NewReplay(r io.Reader) *Replay {
	return &Replay{r: r, dec: wire.NewFrameDecoder(), chunk: make([]byte, replayChunkSize)}
}

func (t *Replay) Kind() Kind   { return KindReplay }
func (t *Replay) Close() error { return nil }

func (t *Replay) Open(ctx context.Context, op *wire.Operation) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &replayStream{ctx: ctx, replay: t, op: op}, nil
}

func (t *Replay) next() (wire.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if len(t.pending) > 0 {
			env := t.pending[0]
			t.pending = t.pending[1:]
			return env, nil
		}
		if t.deferred != nil {
			err := t.deferred
			t.deferred = nil
			return wire.Envelope{}, err
		}
		if t.fatal != nil {
			return wire.Envelope{}, t.fatal
		}
		if t.eof {
			envs, err := t.dec.Feed(nil)
			t.pending = append(t.pending, envs...)
			if err != nil {
				t.fail(err)
				continue
			}
			if len(envs) > 0 {
				continue
			}
			if err := t.dec.Close(); err != nil {
				t.fail(err)
				continue
			}
			return wire.EOS(""), nil
		}

		n, readErr := t.r.Read(t.chunk)
		if n > 0 {
			envs, err := t.dec.Feed(t.chunk[:n])
			t.pending = append(t.pending, envs...)
			if err != nil {
				t.fail(err)
			}
		}
		switch {
		case errors.Is(readErr, io.EOF):
			t.eof = true
		case readErr != nil:
			t.fatal = readErr
		}
	}
}

func (t *Replay) fail(err error) {
	var malformed *sherrors.MalformedError
	if errors.As(err, &malformed) && !malformed.Fatal {
		t.deferred = err
		return
	}
	t.fatal = err
}

type replayStream struct {
	ctx    context.Context
	replay *Replay
	op     *wire.Operation
	done   bool
	mu     sync.Mutex
}

func (s *replayStream) Next() (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return wire.Envelope{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		return wire.Envelope{}, err
	}
	env, err := s.replay.next()
	if err != nil {
		return wire.Envelope{}, err
	}
	env.OpID = s.op.ID
	if env.EndOfStream {
		s.done = true
	}
	return env, nil
}

func (s *replayStream) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	return nil
}
