package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/stagehand/pkg/stagehand"
	"github.com/odvcencio/stagehand/pkg/transport"
	"golang.org/x/time/rate"
)

// Default configuration values exported for documentation and validation
const (
	DefaultTransport      = "rpc"
	DefaultRPCAddress     = "http://127.0.0.1:50051"
	DefaultRESTBaseURL    = "https://api.stagehand.browserbase.com/v1"
	DefaultEnv            = "LOCAL"
	DefaultModel          = "openai/gpt-4o"
	DefaultConnectTimeout = transport.DefaultConnectTimeout
	DefaultEndGrace       = stagehand.DefaultEndGrace
	DefaultMockGRPCListen = "127.0.0.1:50051"
	DefaultMockHTTPListen = "127.0.0.1:8080"
)

// Config is the CLI configuration.
type Config struct {
	Destination DestinationConfig `yaml:"destination"`
	Session     SessionConfig     `yaml:"session"`
	Client      ClientConfig      `yaml:"client"`
	Mock        MockConfig        `yaml:"mock"`
}

// DestinationConfig selects the wire protocol and endpoint.
type DestinationConfig struct {
	Transport   string `yaml:"transport"`
	RPCAddress  string `yaml:"rpc_address"`
	RESTBaseURL string `yaml:"rest_base_url"`
}

// SessionConfig is handed to Start. Credentials left empty here are resolved
// from the environment when the session starts.
type SessionConfig struct {
	Env                  string        `yaml:"env"`
	APIKey               string        `yaml:"api_key"`
	ProjectID            string        `yaml:"project_id"`
	Model                string        `yaml:"model"`
	ModelAPIKey          string        `yaml:"model_api_key"`
	ModelBaseURL         string        `yaml:"model_base_url"`
	SystemPrompt         string        `yaml:"system_prompt"`
	SelfHeal             bool          `yaml:"self_heal"`
	Experimental         bool          `yaml:"experimental"`
	WaitForCaptchaSolves bool          `yaml:"wait_for_captcha_solves"`
	DOMSettleTimeout     time.Duration `yaml:"dom_settle_timeout"`
	ActTimeout           time.Duration `yaml:"act_timeout"`
	Verbose              int           `yaml:"verbose"`
	Headless             bool          `yaml:"headless"`
	CloudSessionID       string        `yaml:"cloud_session_id"`
}

// ClientConfig tunes the client side of every operation.
type ClientConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	EndGrace       time.Duration `yaml:"end_grace"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	TranscriptPath string        `yaml:"transcript_path"`
	Trace          bool          `yaml:"trace"`
}

// MockConfig sets the listeners of the mock service.
type MockConfig struct {
	GRPCListen string `yaml:"grpc_listen"`
	HTTPListen string `yaml:"http_listen"`
}

// DefaultConfig returns the configuration used when no file or override
// says otherwise.
func DefaultConfig() *Config {
	return &Config{
		Destination: DestinationConfig{
			Transport:   DefaultTransport,
			RPCAddress:  DefaultRPCAddress,
			RESTBaseURL: DefaultRESTBaseURL,
		},
		Session: SessionConfig{
			Env:      DefaultEnv,
			Model:    DefaultModel,
			SelfHeal: true,
			Headless: true,
		},
		Client: ClientConfig{
			ConnectTimeout: DefaultConnectTimeout,
			EndGrace:       DefaultEndGrace,
			RateBurst:      1,
		},
		Mock: MockConfig{
			GRPCListen: DefaultMockGRPCListen,
			HTTPListen: DefaultMockHTTPListen,
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.stagehand/config.yaml, then ./.stagehand/config.yaml,
// then STAGEHAND_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".stagehand", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".stagehand", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGEHAND_TRANSPORT"); v != "" {
		cfg.Destination.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("STAGEHAND_RPC_ADDRESS"); v != "" {
		cfg.Destination.RPCAddress = v
	}
	if v := os.Getenv("STAGEHAND_REST_URL"); v != "" {
		cfg.Destination.RESTBaseURL = v
	}

	if v := os.Getenv("STAGEHAND_ENV"); v != "" {
		cfg.Session.Env = v
	}
	if v := os.Getenv("STAGEHAND_MODEL"); v != "" {
		cfg.Session.Model = v
	}
	if v := os.Getenv("STAGEHAND_MODEL_BASE_URL"); v != "" {
		cfg.Session.ModelBaseURL = v
	}
	if v, ok := envInt("STAGEHAND_VERBOSE"); ok {
		cfg.Session.Verbose = v
	}
	if v, ok := envBool("STAGEHAND_HEADLESS"); ok {
		cfg.Session.Headless = v
	}
	if v, ok := envBool("STAGEHAND_SELF_HEAL"); ok {
		cfg.Session.SelfHeal = v
	}
	if v, ok := envDuration("STAGEHAND_ACT_TIMEOUT"); ok {
		cfg.Session.ActTimeout = v
	}

	if v, ok := envDuration("STAGEHAND_CONNECT_TIMEOUT"); ok {
		cfg.Client.ConnectTimeout = v
	}
	if v, ok := envDuration("STAGEHAND_IDLE_TIMEOUT"); ok {
		cfg.Client.IdleTimeout = v
	}
	if v, ok := envDuration("STAGEHAND_END_GRACE"); ok {
		cfg.Client.EndGrace = v
	}
	if v := os.Getenv("STAGEHAND_TRANSCRIPT"); v != "" {
		cfg.Client.TranscriptPath = v
	}
	if v, ok := envBool("STAGEHAND_TRACE"); ok {
		cfg.Client.Trace = v
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Destination.Transport {
	case "rpc":
		if strings.TrimSpace(c.Destination.RPCAddress) == "" {
			return fmt.Errorf("destination.rpc_address is required for the rpc transport")
		}
	case "rest":
		if strings.TrimSpace(c.Destination.RESTBaseURL) == "" {
			return fmt.Errorf("destination.rest_base_url is required for the rest transport")
		}
	default:
		return fmt.Errorf("invalid transport: %s (valid: rpc, rest)", c.Destination.Transport)
	}
	if err := c.Target().Validate(); err != nil {
		return err
	}

	switch strings.ToUpper(c.Session.Env) {
	case "LOCAL", "BROWSERBASE":
	default:
		return fmt.Errorf("invalid env: %s (valid: LOCAL, BROWSERBASE)", c.Session.Env)
	}
	if c.Session.Verbose < 0 || c.Session.Verbose > 2 {
		return fmt.Errorf("invalid verbose level: %d (valid: 0, 1, 2)", c.Session.Verbose)
	}
	if c.Session.DOMSettleTimeout < 0 || c.Session.ActTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}

	if c.Client.ConnectTimeout < 0 || c.Client.EndGrace < 0 {
		return fmt.Errorf("client timeouts must not be negative")
	}
	if c.Client.RateLimit < 0 {
		return fmt.Errorf("client.rate_limit must not be negative")
	}
	if c.Client.RateLimit > 0 && c.Client.RateBurst < 1 {
		return fmt.Errorf("client.rate_burst must be at least 1 when rate_limit is set")
	}
	return nil
}

// Target returns the configured endpoint.
func (c *Config) Target() transport.Destination {
	if c.Destination.Transport == "rest" {
		return transport.RESTDestination(c.Destination.RESTBaseURL)
	}
	return transport.RPCDestination(c.Destination.RPCAddress)
}

// StartConfig converts the session section for Start.
func (c *Config) StartConfig() stagehand.Config {
	s := c.Session
	cfg := stagehand.Config{
		Env:                  stagehand.Env(strings.ToUpper(s.Env)),
		APIKey:               s.APIKey,
		ProjectID:            s.ProjectID,
		SystemPrompt:         s.SystemPrompt,
		SelfHeal:             &s.SelfHeal,
		Experimental:         &s.Experimental,
		WaitForCaptchaSolves: &s.WaitForCaptchaSolves,
		DOMSettleTimeout:     s.DOMSettleTimeout,
		ActTimeout:           s.ActTimeout,
		Verbose:              s.Verbose,
		CloudSessionID:       s.CloudSessionID,
	}
	if s.Model != "" {
		cfg.Model = &stagehand.Model{Name: s.Model, APIKey: s.ModelAPIKey, BaseURL: s.ModelBaseURL}
	}
	if cfg.Env == stagehand.EnvLocal {
		cfg.LocalBrowser = &stagehand.LocalBrowserOptions{Headless: &s.Headless}
	}
	return cfg
}

// ClientOptions converts the client section into Connect options. The
// transcript is opened by the caller.
func (c *Config) ClientOptions() []stagehand.Option {
	opts := []stagehand.Option{
		stagehand.WithConnectTimeout(c.Client.ConnectTimeout),
		stagehand.WithEndGrace(c.Client.EndGrace),
	}
	if c.Client.IdleTimeout != 0 {
		opts = append(opts, stagehand.WithIdleTimeout(c.Client.IdleTimeout))
	}
	if c.Client.RateLimit > 0 {
		opts = append(opts, stagehand.WithRateLimit(rate.Limit(c.Client.RateLimit), c.Client.RateBurst))
	}
	return opts
}
