package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/stagehand/pkg/config"
	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/observability"
	"github.com/odvcencio/stagehand/pkg/stagehand"
	"github.com/odvcencio/stagehand/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var runLoadConfigFn = loadConfig

// step is one data operation requested on the command line.
type step struct {
	name string
	open func(ctx context.Context, s *stagehand.Session) (*stagehand.Sequence, error)
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint(*l) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func runRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (default: standard locations)")
	transportFlag := fs.String("transport", "", "rpc or rest (overrides config)")
	address := fs.String("address", "", "endpoint for the selected transport (overrides config)")
	navigate := fs.String("navigate", "", "URL to load first")
	var acts stringList
	fs.Var(&acts, "act", "natural-language action (repeatable)")
	observe := fs.String("observe", "", "observe instruction")
	extract := fs.String("extract", "", "extract instruction")
	schema := fs.String("schema", "", "JSON schema for --extract")
	agent := fs.String("agent", "", "instruction for a multi-step agent run")
	maxSteps := fs.Int("max-steps", 0, "step limit for --agent")
	timeout := fs.Duration("timeout", 0, "per-operation timeout (0 means none)")
	forceEnd := fs.Bool("force-end", false, "end the session without waiting for remote cleanup")
	trace := fs.Bool("trace", false, "write spans to stderr")
	transcript := fs.String("transcript", "", "record every envelope to this file")
	replay := fs.String("replay", "", "serve the session from a recorded transcript instead of the network")
	metricsAddr := fs.String("metrics-addr", "", "serve client metrics on this address while running")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitConfig)
	}

	cfg, err := runLoadConfigFn(*configFile)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	if *transportFlag != "" {
		cfg.Destination.Transport = *transportFlag
	}
	if *address != "" {
		if cfg.Destination.Transport == "rest" {
			cfg.Destination.RESTBaseURL = *address
		} else {
			cfg.Destination.RPCAddress = *address
		}
	}
	if *transcript != "" {
		cfg.Client.TranscriptPath = *transcript
	}
	if *trace {
		cfg.Client.Trace = true
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(err, exitConfig)
	}

	steps := buildSteps(*navigate, acts, *observe, *extract, *schema, *agent, *maxSteps, *timeout)
	if len(steps) == 0 {
		return withExitCode(errors.New("nothing to do: pass --navigate, --act, --observe, --extract or --agent"), exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: observability.LevelForVerbose(cfg.Session.Verbose),
	}))

	if cfg.Client.Trace {
		tp, err := observability.NewTracerProvider("stagehand", version, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	opts := append(cfg.ClientOptions(), stagehand.WithLogger(logger))
	if cfg.Client.TranscriptPath != "" {
		f, err := os.Create(cfg.Client.TranscriptPath)
		if err != nil {
			return withExitCode(fmt.Errorf("open transcript: %w", err), exitConfig)
		}
		defer f.Close()
		opts = append(opts, stagehand.WithRecorder(f))
	}
	if *replay != "" {
		f, err := os.Open(*replay)
		if err != nil {
			return withExitCode(fmt.Errorf("open replay: %w", err), exitConfig)
		}
		defer f.Close()
		opts = append(opts, stagehand.WithTransport(transport.NewReplay(f)))
	}

	return runSession(ctx, os.Stdout, cfg, steps, *forceEnd, opts...)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func buildSteps(navigate string, acts []string, observe, extract, schema, agent string, maxSteps int, timeout time.Duration) []step {
	var steps []step
	if navigate != "" {
		steps = append(steps, step{"navigate", func(ctx context.Context, s *stagehand.Session) (*stagehand.Sequence, error) {
			return s.Navigate(ctx, stagehand.NavigateParams{URL: navigate, Timeout: timeout})
		}})
	}
	for _, instruction := range acts {
		steps = append(steps, step{"act", func(ctx context.Context, s *stagehand.Session) (*stagehand.Sequence, error) {
			return s.Act(ctx, stagehand.ActParams{Instruction: instruction, Timeout: timeout})
		}})
	}
	if observe != "" {
		steps = append(steps, step{"observe", func(ctx context.Context, s *stagehand.Session) (*stagehand.Sequence, error) {
			return s.Observe(ctx, stagehand.ObserveParams{Instruction: observe, Timeout: timeout})
		}})
	}
	if extract != "" {
		steps = append(steps, step{"extract", func(ctx context.Context, s *stagehand.Session) (*stagehand.Sequence, error) {
			return s.Extract(ctx, stagehand.ExtractParams{Instruction: extract, Schema: json.RawMessage(schema), Timeout: timeout})
		}})
	}
	if agent != "" {
		steps = append(steps, step{"execute", func(ctx context.Context, s *stagehand.Session) (*stagehand.Sequence, error) {
			return s.Execute(ctx, stagehand.ExecuteParams{
				Options: stagehand.ExecuteOptions{Instruction: agent, MaxSteps: maxSteps},
				Timeout: timeout,
			})
		}})
	}
	return steps
}

// runSession connects, starts, runs steps in order and always ends the
// session it started. The first failing step stops the run.
func runSession(ctx context.Context, out io.Writer, cfg *config.Config, steps []step, forceEnd bool, opts ...stagehand.Option) error {
	s, err := stagehand.Connect(ctx, cfg.Target(), opts...)
	if err != nil {
		return err
	}
	if err := s.Start(ctx, cfg.StartConfig()); err != nil {
		_ = s.End(context.Background(), true)
		return err
	}
	enc := json.NewEncoder(out)
	_ = enc.Encode(eventLine{Op: "start", Type: "started", SessionID: s.SessionID()})

	var runErr error
	for _, st := range steps {
		if runErr = runStep(ctx, enc, s, st); runErr != nil {
			break
		}
	}

	force := forceEnd || ctx.Err() != nil
	if err := s.End(context.Background(), force); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runStep(ctx context.Context, enc *json.Encoder, s *stagehand.Session, st step) error {
	seq, err := st.open(ctx, s)
	if err != nil {
		return err
	}
	defer seq.Close()
	for ev := range seq.All() {
		_ = enc.Encode(newEventLine(st.name, ev))
		if ev.Type == stagehand.EventError && ev.Err != nil {
			return ev.Err
		}
		if ev.Terminal() {
			return nil
		}
	}
	// Closed elsewhere, for instance by a forced end, before any outcome.
	return sherrors.Normalize(context.Canceled)
}

// eventLine is the JSON line printed for each event.
type eventLine struct {
	Op        string          `json:"op"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Category  string          `json:"category,omitempty"`
	Message   string          `json:"message,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

func newEventLine(op string, ev stagehand.Event) eventLine {
	line := eventLine{Op: op, Type: ev.Type.String()}
	switch ev.Type {
	case stagehand.EventLog:
		if ev.Log != nil {
			line.Category = ev.Log.Category
			line.Message = ev.Log.Message
		}
	case stagehand.EventProgress:
		line.Message = ev.Message
	case stagehand.EventSuccess:
		ok := ev.Success
		line.Success = &ok
	case stagehand.EventData, stagehand.EventElements, stagehand.EventResult:
		if json.Valid([]byte(ev.JSON)) {
			line.Result = json.RawMessage(ev.JSON)
		} else {
			line.Message = ev.JSON
		}
	case stagehand.EventError:
		if ev.Err != nil {
			line.Error = ev.Err.Message
			line.Code = string(ev.Err.Code)
		}
	}
	return line
}
