package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultConnectTimeout bounds channel setup for the RPC transport.
const DefaultConnectTimeout = 5 * time.Second

// RPCConfig tunes the RPC transport.
type RPCConfig struct {
	ConnectTimeout time.Duration
	DialOptions    []grpc.DialOption
	Limiter        *rate.Limiter
}

func (c RPCConfig) withDefaults() RPCConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// RPC speaks the binary streaming protocol over a single gRPC channel.
// Concurrent operations multiplex over the channel.
type RPC struct {
	conn    *grpc.ClientConn
	limiter *rate.Limiter
}

// DialRPC establishes the channel and waits until it is ready, so an
// unreachable endpoint fails here rather than on the first operation.
func DialRPC(ctx context.Context, address string, cfg RPCConfig) (*RPC, error) {
	cfg = cfg.withDefaults()
	target, creds, err := rpcTarget(address)
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, cfg.DialOptions...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("rpc dial %s: %w", address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		// %v keeps context errors out of the chain; this is not an operation timeout.
		return nil, fmt.Errorf("rpc endpoint %s unreachable: %v", address, err)
	}
	return &RPC{conn: conn, limiter: cfg.Limiter}, nil
}

// NewRPC wraps an existing channel.
func NewRPC(conn *grpc.ClientConn, limiter *rate.Limiter) *RPC {
	return &RPC{conn: conn, limiter: limiter}
}

func rpcTarget(address string) (string, credentials.TransportCredentials, error) {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		// Bare host:port or a resolver target such as passthrough:///bufnet.
		return address, insecure.NewCredentials(), nil
	}
	switch u.Scheme {
	case "http", "grpc":
		return u.Host, insecure.NewCredentials(), nil
	case "https", "grpcs":
		return u.Host, credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	default:
		return address, insecure.NewCredentials(), nil
	}
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("channel %s", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (t *RPC) Kind() Kind { return KindRPC }

func (t *RPC) Close() error {
	if t == nil || t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// Open starts the call for op. Streaming methods return as soon as the
// request is sent; the unary Close method completes before Open returns.
func (t *RPC) Open(ctx context.Context, op *wire.Operation) (Stream, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	payload, err := wire.EncodeRPCRequest(op)
	if err != nil {
		return nil, &sherrors.RequestError{Op: string(op.Kind), Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.NewOutgoingContext(ctx, rpcMetadata(op))
	method := wire.RPCMethod(op.Kind)

	if op.Kind.Unary() {
		var resp []byte
		err := t.conn.Invoke(ctx, method, payload, &resp, grpc.ForceCodec(wire.RawCodec{}))
		cancel()
		if err != nil {
			return nil, err
		}
		envs, err := wire.DecodeRPCResponse(op.Kind, op.ID, resp)
		s := &rpcStream{op: op, cancel: func() {}, done: true}
		s.q.push(envs...)
		if err != nil {
			s.q.err = err
		} else {
			s.q.push(wire.EOS(op.ID))
		}
		return s, nil
	}

	desc := &grpc.StreamDesc{StreamName: wire.RPCMethodName(op.Kind), ServerStreams: true}
	cs, err := t.conn.NewStream(ctx, desc, method, grpc.ForceCodec(wire.RawCodec{}))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(payload); err != nil {
		cancel()
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &rpcStream{op: op, cs: cs, cancel: cancel}, nil
}

func rpcMetadata(op *wire.Operation) metadata.MD {
	md := metadata.MD{}
	for _, h := range callHeaders(op) {
		md.Append(h[0], h[1])
	}
	return md
}

type rpcStream struct {
	op       *wire.Operation
	cs       grpc.ClientStream
	cancel   context.CancelFunc
	q        queue
	received bool
	done     bool
	closed   atomic.Bool
	mu       sync.Mutex
}

func (s *rpcStream) Next() (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if env, ok := s.q.pop(); ok {
			return env, nil
		}
		if err := s.q.takeErr(); err != nil {
			return wire.Envelope{}, err
		}
		if s.done || s.closed.Load() {
			return wire.Envelope{}, io.EOF
		}

		var msg []byte
		err := s.cs.RecvMsg(&msg)
		if errors.Is(err, io.EOF) {
			s.done = true
			s.q.push(wire.EOS(s.op.ID))
			continue
		}
		if err != nil {
			s.done = true
			if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable && s.received {
				return wire.Envelope{}, fmt.Errorf("%w: %v", sherrors.ErrConnectionLost, err)
			}
			return wire.Envelope{}, err
		}
		s.received = true
		envs, err := wire.DecodeRPCResponse(s.op.Kind, s.op.ID, msg)
		s.q.push(envs...)
		s.q.err = err
	}
}

// Close cancels the call; a Next blocked in RecvMsg returns promptly.
func (s *rpcStream) Close() error {
	s.closed.Store(true)
	s.cancel()
	return nil
}
