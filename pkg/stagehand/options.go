package stagehand

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/odvcencio/stagehand/pkg/credentials"
	"github.com/odvcencio/stagehand/pkg/transport"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

const (
	DefaultEndGrace   = 10 * time.Second
	forcedEndBound    = 2 * time.Second
	DefaultCDPBaseURL = "wss://connect.browserbase.com"
)

// Option configures Connect.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	source         credentials.Source
	httpClient     *http.Client
	dialOptions    []grpc.DialOption
	connectTimeout time.Duration
	endGrace       time.Duration
	idleTimeout    time.Duration
	limiter        *rate.Limiter
	recorder       io.Writer
	cdpBaseURL     string
	transport      transport.Transport
}

func defaultOptions() options {
	return options{
		source:     credentials.EnvSource{},
		endGrace:   DefaultEndGrace,
		cdpBaseURL: DefaultCDPBaseURL,
	}
}

// WithLogger routes client logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCredentialSource replaces the process environment as the source of
// credentials that the configuration leaves empty.
func WithCredentialSource(src credentials.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithHTTPClient sets the client used by the REST transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithDialOptions appends gRPC dial options for the RPC transport.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithConnectTimeout bounds RPC channel setup.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithEndGrace bounds how long a graceful End waits for the remote.
func WithEndGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.endGrace = d
		}
	}
}

// WithIdleTimeout bounds the silence between two envelopes of an operation.
// A negative value disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithRateLimit spaces outgoing requests.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// WithRecorder writes a frame transcript of every envelope received to w.
func WithRecorder(w io.Writer) Option {
	return func(o *options) {
		o.recorder = w
	}
}

// WithCDPBaseURL overrides the remote-control endpoint used by CDPURL.
func WithCDPBaseURL(base string) Option {
	return func(o *options) {
		o.cdpBaseURL = base
	}
}

// WithTransport uses t instead of dialing the destination. The transport is
// closed by End.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}
