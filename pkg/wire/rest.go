package wire

import (
	"encoding/json"
	"fmt"
	"net/url"
)

var restActions = map[OpKind]string{
	OpAct:      "act",
	OpExtract:  "extract",
	OpObserve:  "observe",
	OpExecute:  "agentExecute",
	OpNavigate: "navigate",
	OpEnd:      "end",
}

// RESTAction returns the path segment naming an operation on a session.
func RESTAction(kind OpKind) string {
	return restActions[kind]
}

// RESTKind is the inverse of RESTAction.
func RESTKind(action string) (OpKind, bool) {
	for kind, a := range restActions {
		if a == action {
			return kind, true
		}
	}
	return "", false
}

// RESTPath returns the request path for op, relative to the REST base URL.
func RESTPath(op *Operation) (string, error) {
	if op.Kind == OpStart {
		return "/sessions/start", nil
	}
	action, ok := restActions[op.Kind]
	if !ok {
		return "", fmt.Errorf("rest: unknown operation kind %q", op.Kind)
	}
	if op.SessionID == "" {
		return "", fmt.Errorf("rest %s: session id is required", op.Kind)
	}
	return "/sessions/" + url.PathEscape(op.SessionID) + "/" + action, nil
}

type restStart struct {
	ModelName                      string               `json:"modelName,omitempty"`
	ModelBaseURL                   string               `json:"modelBaseURL,omitempty"`
	DOMSettleTimeoutMs             int                  `json:"domSettleTimeoutMs,omitempty"`
	ActTimeoutMs                   int                  `json:"actTimeoutMs,omitempty"`
	Verbose                        int                  `json:"verbose,omitempty"`
	SystemPrompt                   string               `json:"systemPrompt,omitempty"`
	SelfHeal                       *bool                `json:"selfHeal,omitempty"`
	Experimental                   *bool                `json:"experimental,omitempty"`
	WaitForCaptchaSolves           *bool                `json:"waitForCaptchaSolves,omitempty"`
	BrowserbaseSessionCreateParams json.RawMessage      `json:"browserbaseSessionCreateParams,omitempty"`
	BrowserbaseSessionID           string               `json:"browserbaseSessionID,omitempty"`
	LocalBrowserLaunchOptions      *LocalBrowserOptions `json:"localBrowserLaunchOptions,omitempty"`
}

type restActOptions struct {
	Model     *Model            `json:"model,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

type restAct struct {
	Input   string         `json:"input"`
	FrameID string         `json:"frameId,omitempty"`
	Options restActOptions `json:"options"`
}

type restExtractOptions struct {
	Model     *Model `json:"model,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	Selector  string `json:"selector,omitempty"`
}

type restExtract struct {
	Instruction string             `json:"instruction"`
	Schema      json.RawMessage    `json:"schema,omitempty"`
	FrameID     string             `json:"frameId,omitempty"`
	Options     restExtractOptions `json:"options"`
}

type restObserveOptions struct {
	Model         *Model   `json:"model,omitempty"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
	Selector      string   `json:"selector,omitempty"`
	OnlySelectors []string `json:"onlySelectors,omitempty"`
}

type restObserve struct {
	Instruction string             `json:"instruction,omitempty"`
	FrameID     string             `json:"frameId,omitempty"`
	Options     restObserveOptions `json:"options"`
}

type restExecute struct {
	AgentConfig    AgentConfig    `json:"agentConfig"`
	ExecuteOptions ExecuteOptions `json:"executeOptions"`
	FrameID        string         `json:"frameId,omitempty"`
}

type restNavigateOptions struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

type restNavigate struct {
	URL     string              `json:"url"`
	FrameID string              `json:"frameId,omitempty"`
	Options restNavigateOptions `json:"options"`
}

type restEnd struct {
	Force bool `json:"force,omitempty"`
}

// EncodeRESTRequest renders the JSON body for op. Credentials are not part
// of the body; they travel as headers.
func EncodeRESTRequest(op *Operation) ([]byte, error) {
	var body any
	switch req := op.Request.(type) {
	case *StartRequest:
		start := restStart{
			DOMSettleTimeoutMs:             req.DOMSettleTimeoutMs,
			ActTimeoutMs:                   req.ActTimeoutMs,
			Verbose:                        req.Verbose,
			SystemPrompt:                   req.SystemPrompt,
			SelfHeal:                       req.SelfHeal,
			Experimental:                   req.Experimental,
			WaitForCaptchaSolves:           req.WaitForCaptchaSolves,
			BrowserbaseSessionCreateParams: req.CloudSessionCreateParams,
			BrowserbaseSessionID:           req.CloudSessionID,
			LocalBrowserLaunchOptions:      req.LocalBrowser,
		}
		if req.Model != nil {
			start.ModelName = req.Model.Name
			start.ModelBaseURL = req.Model.BaseURL
		}
		body = start
	case *ActRequest:
		body = restAct{
			Input:   req.Instruction,
			FrameID: req.FrameID,
			Options: restActOptions{Model: req.Model, Variables: req.Variables, TimeoutMs: req.TimeoutMs},
		}
	case *ExtractRequest:
		body = restExtract{
			Instruction: req.Instruction,
			Schema:      req.Schema,
			FrameID:     req.FrameID,
			Options:     restExtractOptions{Model: req.Model, TimeoutMs: req.TimeoutMs, Selector: req.Selector},
		}
	case *ObserveRequest:
		body = restObserve{
			Instruction: req.Instruction,
			FrameID:     req.FrameID,
			Options: restObserveOptions{
				Model:         req.Model,
				TimeoutMs:     req.TimeoutMs,
				Selector:      req.Selector,
				OnlySelectors: req.OnlySelectors,
			},
		}
	case *ExecuteRequest:
		body = restExecute{AgentConfig: req.AgentConfig, ExecuteOptions: req.ExecuteOptions, FrameID: req.FrameID}
	case *NavigateRequest:
		body = restNavigate{URL: req.URL, FrameID: req.FrameID, Options: restNavigateOptions{TimeoutMs: req.TimeoutMs}}
	case *EndRequest:
		body = restEnd{Force: req.Force}
	default:
		return nil, fmt.Errorf("rest: unsupported request %T", op.Request)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rest %s body: %w", op.Kind, err)
	}
	return data, nil
}

// DecodeRESTRequest parses a request body back into its request type.
func DecodeRESTRequest(kind OpKind, body []byte) (any, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	wrap := func(err error) error {
		return fmt.Errorf("rest %s body: %w", kind, err)
	}
	switch kind {
	case OpStart:
		var in restStart
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		req := &StartRequest{
			CloudSessionID:           in.BrowserbaseSessionID,
			CloudSessionCreateParams: in.BrowserbaseSessionCreateParams,
			LocalBrowser:             in.LocalBrowserLaunchOptions,
			SystemPrompt:             in.SystemPrompt,
			SelfHeal:                 in.SelfHeal,
			Experimental:             in.Experimental,
			WaitForCaptchaSolves:     in.WaitForCaptchaSolves,
			DOMSettleTimeoutMs:       in.DOMSettleTimeoutMs,
			ActTimeoutMs:             in.ActTimeoutMs,
			Verbose:                  in.Verbose,
		}
		if in.ModelName != "" {
			req.Model = &Model{Name: in.ModelName, BaseURL: in.ModelBaseURL}
		}
		return req, nil
	case OpAct:
		var in restAct
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		return &ActRequest{
			Instruction: in.Input,
			Model:       in.Options.Model,
			Variables:   in.Options.Variables,
			TimeoutMs:   in.Options.TimeoutMs,
			FrameID:     in.FrameID,
		}, nil
	case OpExtract:
		var in restExtract
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		return &ExtractRequest{
			Instruction: in.Instruction,
			Schema:      in.Schema,
			Model:       in.Options.Model,
			TimeoutMs:   in.Options.TimeoutMs,
			Selector:    in.Options.Selector,
			FrameID:     in.FrameID,
		}, nil
	case OpObserve:
		var in restObserve
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		return &ObserveRequest{
			Instruction:   in.Instruction,
			Model:         in.Options.Model,
			TimeoutMs:     in.Options.TimeoutMs,
			Selector:      in.Options.Selector,
			OnlySelectors: in.Options.OnlySelectors,
			FrameID:       in.FrameID,
		}, nil
	case OpExecute:
		var in restExecute
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		return &ExecuteRequest{AgentConfig: in.AgentConfig, ExecuteOptions: in.ExecuteOptions, FrameID: in.FrameID}, nil
	case OpNavigate:
		var in restNavigate
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		return &NavigateRequest{URL: in.URL, TimeoutMs: in.Options.TimeoutMs, FrameID: in.FrameID}, nil
	case OpEnd:
		var in restEnd
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, wrap(err)
		}
		return &EndRequest{Force: in.Force}, nil
	}
	return nil, fmt.Errorf("rest: unknown operation kind %q", kind)
}
