package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/stagehand/pkg/config"
	"github.com/odvcencio/stagehand/pkg/stagehand"
	"github.com/odvcencio/stagehand/pkg/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if got := cfg.Target(); got != transport.RPCDestination(config.DefaultRPCAddress) {
		t.Fatalf("unexpected default destination: %+v", got)
	}
	if cfg.Client.EndGrace != 10*time.Second {
		t.Fatalf("unexpected end grace: %s", cfg.Client.EndGrace)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	cfgDir := filepath.Join(dir, ".stagehand")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeConfig(t, home, `
destination:
  transport: rest
  rest_base_url: https://user.example.com/v1
session:
  model: user/model
  dom_settle_timeout: 2s
`)
	writeConfig(t, project, `
session:
  model: project/model
  verbose: 2
client:
  rate_limit: 5
  rate_burst: 2
`)
	chdir(t, project)
	t.Setenv("STAGEHAND_END_GRACE", "3s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Target() != transport.RESTDestination("https://user.example.com/v1") {
		t.Fatalf("expected user destination, got %+v", cfg.Target())
	}
	if cfg.Session.Model != "project/model" {
		t.Fatalf("expected project model override, got %s", cfg.Session.Model)
	}
	if cfg.Session.DOMSettleTimeout != 2*time.Second {
		t.Fatalf("expected user settle timeout, got %s", cfg.Session.DOMSettleTimeout)
	}
	if cfg.Session.Verbose != 2 {
		t.Fatalf("expected project verbose, got %d", cfg.Session.Verbose)
	}
	if cfg.Client.EndGrace != 3*time.Second {
		t.Fatalf("expected env end grace, got %s", cfg.Client.EndGrace)
	}
	if cfg.Client.RateLimit != 5 || cfg.Client.RateBurst != 2 {
		t.Fatalf("unexpected rate limit: %v/%d", cfg.Client.RateLimit, cfg.Client.RateBurst)
	}
}

func TestInvalidTransportFailsValidation(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())
	t.Setenv("STAGEHAND_TRANSPORT", "carrier-pigeon")

	if _, err := config.Load(); err == nil {
		t.Fatalf("expected config.Load to fail for invalid transport")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad env", func(c *config.Config) { c.Session.Env = "MARS" }},
		{"verbose", func(c *config.Config) { c.Session.Verbose = 5 }},
		{"negative act timeout", func(c *config.Config) { c.Session.ActTimeout = -time.Second }},
		{"negative rate", func(c *config.Config) { c.Client.RateLimit = -1 }},
		{"zero burst", func(c *config.Config) { c.Client.RateLimit = 1; c.Client.RateBurst = 0 }},
		{"rest needs http", func(c *config.Config) {
			c.Destination.Transport = "rest"
			c.Destination.RESTBaseURL = "ws://example.com"
		}},
		{"empty rpc address", func(c *config.Config) { c.Destination.RPCAddress = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation to fail")
			}
		})
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := config.LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestStartConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.ModelAPIKey = "sk-test"
	cfg.Session.Verbose = 1
	cfg.Session.Headless = false

	start := cfg.StartConfig()
	if err := start.Validate(); err != nil {
		t.Fatalf("converted config should validate: %v", err)
	}
	if start.Env != stagehand.EnvLocal {
		t.Fatalf("unexpected env: %s", start.Env)
	}
	if start.Model == nil || start.Model.Name != config.DefaultModel || start.Model.APIKey != "sk-test" {
		t.Fatalf("unexpected model: %+v", start.Model)
	}
	if start.LocalBrowser == nil || start.LocalBrowser.Headless == nil || *start.LocalBrowser.Headless {
		t.Fatalf("expected headless=false launch options, got %+v", start.LocalBrowser)
	}
	if start.SelfHeal == nil || !*start.SelfHeal {
		t.Fatalf("self heal should default to true")
	}

	cfg.Session.Env = "browserbase"
	if start := cfg.StartConfig(); start.Env != stagehand.EnvCloud || start.LocalBrowser != nil {
		t.Fatalf("cloud sessions carry no local launch options: %+v", start)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	if got := len(cfg.ClientOptions()); got != 2 {
		t.Fatalf("expected connect timeout and end grace only, got %d options", got)
	}
	cfg.Client.IdleTimeout = time.Minute
	cfg.Client.RateLimit = 2
	if got := len(cfg.ClientOptions()); got != 4 {
		t.Fatalf("expected idle timeout and rate limit options, got %d", got)
	}
}
