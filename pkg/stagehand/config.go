package stagehand

import (
	"encoding/json"
	"fmt"
	"time"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/stream"
	"github.com/odvcencio/stagehand/pkg/wire"
)

// Env selects where the browser runs.
type Env string

const (
	EnvLocal Env = "LOCAL"
	EnvCloud Env = "BROWSERBASE"
)

type (
	Model               = wire.Model
	LocalBrowserOptions = wire.LocalBrowserOptions
	Viewport            = wire.Viewport
	AgentConfig         = wire.AgentConfig
	ExecuteOptions      = wire.ExecuteOptions
	LogLine             = wire.LogLine
	Event               = stream.Event
	EventType           = stream.EventType
	Sequence            = stream.Sequence
	Error               = sherrors.Error
)

// Event types re-exported for callers switching on Event.Type.
const (
	EventLog      = stream.EventLog
	EventProgress = stream.EventProgress
	EventStarted  = stream.EventStarted
	EventSuccess  = stream.EventSuccess
	EventData     = stream.EventData
	EventElements = stream.EventElements
	EventResult   = stream.EventResult
	EventAck      = stream.EventAck
	EventError    = stream.EventError
)

// ModelName selects a model by its "provider/name" string.
func ModelName(name string) *Model { return wire.ModelName(name) }

// Config is the session configuration handed to Start. Fields left empty
// are omitted from the request and the remote default applies.
type Config struct {
	Env       Env
	APIKey    string
	ProjectID string
	Model     *Model

	SystemPrompt         string
	SelfHeal             *bool
	Experimental         *bool
	WaitForCaptchaSolves *bool
	DOMSettleTimeout     time.Duration
	ActTimeout           time.Duration
	// Verbose is 0, 1 or 2.
	Verbose int

	CloudSessionID           string
	CloudSessionCreateParams json.RawMessage
	LocalBrowser             *LocalBrowserOptions
}

// Validate checks the configuration without resolving credentials.
func (c Config) Validate() error {
	switch c.Env {
	case "", EnvLocal, EnvCloud:
	default:
		return sherrors.InvalidInput(fmt.Sprintf("unknown environment %q", c.Env))
	}
	if c.Verbose < 0 || c.Verbose > 2 {
		return sherrors.InvalidInput(fmt.Sprintf("verbose must be 0, 1 or 2, got %d", c.Verbose))
	}
	if c.DOMSettleTimeout < 0 || c.ActTimeout < 0 {
		return sherrors.InvalidInput("timeouts must not be negative")
	}
	if len(c.CloudSessionCreateParams) > 0 && !json.Valid(c.CloudSessionCreateParams) {
		return sherrors.InvalidInput("cloud session create params must be JSON")
	}
	return nil
}

func (c Config) env() Env {
	if c.Env == "" {
		return EnvLocal
	}
	return c.Env
}

func (c Config) startRequest(apiKey, projectID string) *wire.StartRequest {
	return &wire.StartRequest{
		Env:                      string(c.env()),
		APIKey:                   apiKey,
		ProjectID:                projectID,
		CloudSessionID:           c.CloudSessionID,
		CloudSessionCreateParams: c.CloudSessionCreateParams,
		LocalBrowser:             c.LocalBrowser,
		Model:                    c.Model,
		SystemPrompt:             c.SystemPrompt,
		SelfHeal:                 c.SelfHeal,
		Experimental:             c.Experimental,
		WaitForCaptchaSolves:     c.WaitForCaptchaSolves,
		DOMSettleTimeoutMs:       millis(c.DOMSettleTimeout),
		ActTimeoutMs:             millis(c.ActTimeout),
		Verbose:                  c.Verbose,
	}
}

func millis(d time.Duration) int {
	return int(d / time.Millisecond)
}

// ActParams describe one natural-language action.
type ActParams struct {
	Instruction string
	Model       *Model
	Variables   map[string]string
	Timeout     time.Duration
	FrameID     string
}

// ExtractParams describe a structured extraction. Schema is forwarded as is.
type ExtractParams struct {
	Instruction string
	Schema      json.RawMessage
	Model       *Model
	Timeout     time.Duration
	Selector    string
	FrameID     string
}

// ObserveParams describe an observation of candidate elements.
type ObserveParams struct {
	Instruction   string
	Model         *Model
	Timeout       time.Duration
	Selector      string
	OnlySelectors []string
	FrameID       string
}

// ExecuteParams describe a multi-step agent run.
type ExecuteParams struct {
	Agent   AgentConfig
	Options ExecuteOptions
	Timeout time.Duration
	FrameID string
}

// NavigateParams describe a page load.
type NavigateParams struct {
	URL     string
	Timeout time.Duration
	FrameID string
}

func (p ActParams) request() (*wire.ActRequest, error) {
	if p.Instruction == "" {
		return nil, sherrors.InvalidInput("act instruction is required")
	}
	return &wire.ActRequest{
		Instruction: p.Instruction,
		Model:       p.Model,
		Variables:   p.Variables,
		TimeoutMs:   millis(p.Timeout),
		FrameID:     p.FrameID,
	}, nil
}

func (p ExtractParams) request() (*wire.ExtractRequest, error) {
	if len(p.Schema) > 0 && !json.Valid(p.Schema) {
		return nil, sherrors.InvalidInput("extract schema must be JSON")
	}
	return &wire.ExtractRequest{
		Instruction: p.Instruction,
		Schema:      p.Schema,
		Model:       p.Model,
		TimeoutMs:   millis(p.Timeout),
		Selector:    p.Selector,
		FrameID:     p.FrameID,
	}, nil
}

func (p ObserveParams) request() (*wire.ObserveRequest, error) {
	return &wire.ObserveRequest{
		Instruction:   p.Instruction,
		Model:         p.Model,
		TimeoutMs:     millis(p.Timeout),
		Selector:      p.Selector,
		OnlySelectors: p.OnlySelectors,
		FrameID:       p.FrameID,
	}, nil
}

func (p ExecuteParams) request() (*wire.ExecuteRequest, error) {
	if p.Options.Instruction == "" {
		return nil, sherrors.InvalidInput("execute instruction is required")
	}
	if len(p.Agent.Options) > 0 && !json.Valid(p.Agent.Options) {
		return nil, sherrors.InvalidInput("agent options must be JSON")
	}
	return &wire.ExecuteRequest{
		AgentConfig:    p.Agent,
		ExecuteOptions: p.Options,
		FrameID:        p.FrameID,
	}, nil
}

func (p NavigateParams) request() (*wire.NavigateRequest, error) {
	if p.URL == "" {
		return nil, sherrors.InvalidInput("navigate url is required")
	}
	return &wire.NavigateRequest{
		URL:       p.URL,
		TimeoutMs: millis(p.Timeout),
		FrameID:   p.FrameID,
	}, nil
}
