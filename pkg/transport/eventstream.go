package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
	"golang.org/x/time/rate"
)

const (
	readChunkSize   = 32 * 1024
	maxErrorBodyLen = 4 * 1024
)

// DefaultHTTPTransport returns a pooled http.Transport tuned for long-lived
// event streams.
func DefaultHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// EventStreamConfig tunes the REST transport.
type EventStreamConfig struct {
	Client  *http.Client
	Limiter *rate.Limiter
}

// EventStream issues one HTTP request per operation and reads the response
// body as a server-sent event stream. A dropped connection is reported, never
// retried.
type EventStream struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewEventStream performs no network I/O; an unreachable base URL surfaces
// on the first operation.
func NewEventStream(baseURL string, cfg EventStreamConfig) *EventStream {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: DefaultHTTPTransport()}
	}
	return &EventStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: cfg.Limiter,
	}
}

func (t *EventStream) Kind() Kind { return KindREST }

func (t *EventStream) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *EventStream) Open(ctx context.Context, op *wire.Operation) (Stream, error) {
	path, err := wire.RESTPath(op)
	if err != nil {
		return nil, &sherrors.RequestError{Op: string(op.Kind), Err: err}
	}
	body, err := wire.EncodeRESTRequest(op)
	if err != nil {
		return nil, &sherrors.RequestError{Op: string(op.Kind), Err: err}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(HeaderStream, "true")
	for _, h := range callHeaders(op) {
		req.Header.Set(h[0], h[1])
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, &sherrors.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	s := &sseStream{
		ctx:    ctx,
		op:     op,
		body:   resp.Body,
		cancel: cancel,
		dec:    wire.NewSSEDecoder(),
		buf:    make([]byte, readChunkSize),
	}
	if op.Kind.Unary() && !isEventStream(resp.Header.Get("Content-Type")) {
		// A plain acknowledgement body.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyLen))
		s.q.push(wire.Envelope{OpID: op.ID, Kind: wire.KindAck}, wire.EOS(op.ID))
		s.done = true
		s.closeBody()
	}
	return s, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

type sseStream struct {
	ctx    context.Context
	op     *wire.Operation
	body   io.ReadCloser
	cancel context.CancelFunc
	dec    *wire.SSEDecoder
	buf    []byte
	q      queue
	done   bool
	mu     sync.Mutex
	once   sync.Once
}

func (s *sseStream) Next() (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if env, ok := s.q.pop(); ok {
			return env, nil
		}
		if err := s.q.takeErr(); err != nil {
			return wire.Envelope{}, err
		}
		if s.done {
			return wire.Envelope{}, io.EOF
		}

		n, readErr := s.body.Read(s.buf)
		if n > 0 {
			events, err := s.dec.Feed(s.buf[:n])
			s.enqueue(events, err)
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			events, err := s.dec.Close()
			s.enqueue(events, err)
			s.done = true
			if s.q.err == nil {
				s.q.push(wire.EOS(s.op.ID))
			}
			s.closeBody()
			continue
		}
		s.done = true
		s.closeBody()
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			s.q.err = ctxErr
		} else {
			s.q.err = fmt.Errorf("%w: %v", sherrors.ErrConnectionLost, readErr)
		}
	}
}

// enqueue converts decoded events to envelopes. The first decoding failure
// is kept and reported after the envelopes that preceded it.
func (s *sseStream) enqueue(events []wire.SSEEvent, err error) {
	for _, ev := range events {
		if s.q.err != nil {
			return
		}
		env, decErr := wire.DecodeStreamEvent(s.op.ID, ev)
		if decErr != nil {
			s.q.err = decErr
			return
		}
		s.q.push(env)
	}
	if err != nil && s.q.err == nil {
		s.q.err = err
	}
}

func (s *sseStream) closeBody() {
	s.once.Do(func() {
		_ = s.body.Close()
		s.cancel()
	})
}

// Close aborts the request; a Next blocked in Read returns promptly.
func (s *sseStream) Close() error {
	s.cancel()
	s.closeBody()
	return nil
}
