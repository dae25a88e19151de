// Package transport moves operations to the remote automation service and
// yields raw envelopes back. Transports never interpret envelope kinds and
// never build caller-visible errors; they return raw failures for the
// normalizer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/odvcencio/stagehand/pkg/wire"
)

// SDKVersion is reported to the remote service with every call.
const SDKVersion = "0.4.0"

// Kind identifies a transport implementation.
type Kind string

const (
	KindRPC    Kind = "rpc"
	KindREST   Kind = "rest"
	KindReplay Kind = "replay"
)

// Destination names where a session connects. It is immutable once a
// session is connected.
type Destination struct {
	Kind    Kind
	Address string
}

// RPCDestination targets a binary-RPC endpoint such as http://127.0.0.1:50051.
func RPCDestination(address string) Destination {
	return Destination{Kind: KindRPC, Address: address}
}

// RESTDestination targets a REST base URL.
func RESTDestination(baseURL string) Destination {
	return Destination{Kind: KindREST, Address: baseURL}
}

// Validate checks the destination shape without touching the network.
func (d Destination) Validate() error {
	if d.Address == "" {
		return errors.New("destination address is required")
	}
	switch d.Kind {
	case KindRPC, KindREST:
	default:
		return fmt.Errorf("unsupported destination kind %q", d.Kind)
	}
	u, err := url.Parse(d.Address)
	if err != nil {
		return fmt.Errorf("destination address: %w", err)
	}
	if d.Kind == KindREST && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("rest destination must be http(s), got %q", d.Address)
	}
	return nil
}

func (d Destination) String() string {
	return string(d.Kind) + "+" + d.Address
}

// Stream yields the raw envelopes of one operation. Next returns an envelope
// with EndOfStream set when the remote closes cleanly, and io.EOF after that.
// Close releases the underlying request and is safe to call more than once.
type Stream interface {
	Next() (wire.Envelope, error)
	Close() error
}

// Transport opens one stream per operation.
type Transport interface {
	Open(ctx context.Context, op *wire.Operation) (Stream, error)
	Kind() Kind
	Close() error
}

// Header names shared by the REST headers and the RPC call metadata.
const (
	HeaderAPIKey      = "x-bb-api-key"
	HeaderProjectID   = "x-bb-project-id"
	HeaderSessionID   = "x-bb-session-id"
	HeaderModelAPIKey = "x-model-api-key"
	HeaderStream      = "x-stream-response"
	HeaderLanguage    = "x-language"
	HeaderSDKVersion  = "x-sdk-version"
)

// callHeaders lists the credential and client headers for op. Empty values
// are skipped.
func callHeaders(op *wire.Operation) [][2]string {
	headers := [][2]string{
		{HeaderLanguage, "go"},
		{HeaderSDKVersion, SDKVersion},
	}
	add := func(name, value string) {
		if value != "" {
			headers = append(headers, [2]string{name, value})
		}
	}
	add(HeaderAPIKey, op.Credentials.APIKey)
	add(HeaderProjectID, op.Credentials.ProjectID)
	add(HeaderModelAPIKey, op.Credentials.ModelAPIKey)
	add(HeaderSessionID, op.SessionID)
	return headers
}

// redactHeader reports whether a header carries a secret.
func redactHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", HeaderAPIKey, HeaderModelAPIKey:
		return true
	}
	return false
}

// queue is a FIFO of decoded envelopes with an optional deferred error.
type queue struct {
	items []wire.Envelope
	err   error
}

func (q *queue) push(envs ...wire.Envelope) {
	q.items = append(q.items, envs...)
}

func (q *queue) pop() (wire.Envelope, bool) {
	if len(q.items) == 0 {
		return wire.Envelope{}, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

// takeErr returns and clears the deferred error once the queue is drained.
func (q *queue) takeErr() error {
	if len(q.items) > 0 {
		return nil
	}
	err := q.err
	q.err = nil
	return err
}
