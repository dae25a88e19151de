package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpKind names a logical call against the remote service.
type OpKind string

const (
	OpStart    OpKind = "start"
	OpAct      OpKind = "act"
	OpExtract  OpKind = "extract"
	OpObserve  OpKind = "observe"
	OpExecute  OpKind = "execute"
	OpNavigate OpKind = "navigate"
	OpEnd      OpKind = "end"
)

// Unary reports whether the call yields exactly one response.
func (k OpKind) Unary() bool {
	return k == OpEnd
}

// Credentials travel with every operation as headers or call metadata.
type Credentials struct {
	APIKey      string
	ProjectID   string
	ModelAPIKey string
}

// Operation is a single logical call. It lives until its response sequence
// is drained or canceled.
type Operation struct {
	ID          string
	Kind        OpKind
	SessionID   string
	Credentials Credentials
	Request     any
	Timeout     time.Duration
}

// NewOperation assigns a correlation id and validates the request shape.
func NewOperation(kind OpKind, req any) (*Operation, error) {
	if err := checkRequestShape(kind, req); err != nil {
		return nil, err
	}
	return &Operation{
		ID:      uuid.NewString(),
		Kind:    kind,
		Request: req,
	}, nil
}

func checkRequestShape(kind OpKind, req any) error {
	var ok bool
	switch kind {
	case OpStart:
		_, ok = req.(*StartRequest)
	case OpAct:
		_, ok = req.(*ActRequest)
	case OpExtract:
		_, ok = req.(*ExtractRequest)
	case OpObserve:
		_, ok = req.(*ObserveRequest)
	case OpExecute:
		_, ok = req.(*ExecuteRequest)
	case OpNavigate:
		_, ok = req.(*NavigateRequest)
	case OpEnd:
		_, ok = req.(*EndRequest)
	default:
		return fmt.Errorf("unknown operation kind %q", kind)
	}
	if !ok {
		return fmt.Errorf("operation %s: unexpected request type %T", kind, req)
	}
	return nil
}

// Model selects the inference model, either as a plain "provider/name"
// string or as a structured configuration with overrides.
type Model struct {
	Name    string
	APIKey  string
	BaseURL string
}

// ModelName returns a plain model selector.
func ModelName(name string) *Model {
	return &Model{Name: name}
}

// Structured reports whether the model carries overrides.
func (m *Model) Structured() bool {
	return m != nil && (m.APIKey != "" || m.BaseURL != "")
}

// Provider returns the "provider" prefix of the model name, if any.
func (m *Model) Provider() string {
	if m == nil {
		return ""
	}
	provider, _, ok := strings.Cut(m.Name, "/")
	if !ok {
		return ""
	}
	return strings.ToLower(provider)
}

type modelObject struct {
	ModelName string `json:"modelName"`
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty"`
}

// MarshalJSON encodes plain models as a string and structured ones as an object.
func (m Model) MarshalJSON() ([]byte, error) {
	if !m.Structured() {
		return json.Marshal(m.Name)
	}
	return json.Marshal(modelObject{ModelName: m.Name, APIKey: m.APIKey, BaseURL: m.BaseURL})
}

// UnmarshalJSON accepts either encoding.
func (m *Model) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*m = Model{Name: name}
		return nil
	}
	var obj modelObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	*m = Model{Name: obj.ModelName, APIKey: obj.APIKey, BaseURL: obj.BaseURL}
	return nil
}

// Viewport is a browser window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LocalBrowserOptions configures a browser launched next to the remote service.
type LocalBrowserOptions struct {
	Headless          *bool     `json:"headless,omitempty"`
	ExecutablePath    string    `json:"executablePath,omitempty"`
	Args              []string  `json:"args,omitempty"`
	UserDataDir       string    `json:"userDataDir,omitempty"`
	Viewport          *Viewport `json:"viewport,omitempty"`
	Devtools          *bool     `json:"devtools,omitempty"`
	IgnoreHTTPSErrors *bool     `json:"ignoreHTTPSErrors,omitempty"`
	CDPURL            string    `json:"cdpUrl,omitempty"`
}

// StartRequest carries the negotiated session configuration.
type StartRequest struct {
	Env                      string
	APIKey                   string
	ProjectID                string
	CloudSessionID           string
	CloudSessionCreateParams json.RawMessage
	LocalBrowser             *LocalBrowserOptions
	Model                    *Model
	SystemPrompt             string
	SelfHeal                 *bool
	Experimental             *bool
	WaitForCaptchaSolves     *bool
	DOMSettleTimeoutMs       int
	ActTimeoutMs             int
	Verbose                  int
}

// ActRequest asks the remote to perform a natural-language action.
type ActRequest struct {
	Instruction string
	Model       *Model
	Variables   map[string]string
	TimeoutMs   int
	FrameID     string
}

// ExtractRequest asks for structured data. Schema is forwarded untouched.
type ExtractRequest struct {
	Instruction string
	Schema      json.RawMessage
	Model       *Model
	TimeoutMs   int
	Selector    string
	FrameID     string
}

// ObserveRequest asks for candidate elements on the page.
type ObserveRequest struct {
	Instruction   string
	Model         *Model
	TimeoutMs     int
	Selector      string
	OnlySelectors []string
	FrameID       string
}

// AgentConfig configures the remote agent for execute.
type AgentConfig struct {
	Provider     string          `json:"provider,omitempty"`
	Model        *Model          `json:"model,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	CUA          *bool           `json:"cua,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// ExecuteOptions are the per-run agent options.
type ExecuteOptions struct {
	Instruction     string `json:"instruction"`
	MaxSteps        int    `json:"maxSteps,omitempty"`
	HighlightCursor *bool  `json:"highlightCursor,omitempty"`
}

// ExecuteRequest runs a multi-step agent task.
type ExecuteRequest struct {
	AgentConfig    AgentConfig
	ExecuteOptions ExecuteOptions
	FrameID        string
}

// NavigateRequest loads a URL in the session's page.
type NavigateRequest struct {
	URL       string
	TimeoutMs int
	FrameID   string
}

// EndRequest tears the remote session down.
type EndRequest struct {
	Force bool
}
