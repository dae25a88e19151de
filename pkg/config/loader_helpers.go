package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Strings and durations win when
// non-zero; booleans and numbers win only when the file sets them, so an
// explicit false or 0 can replace a default.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Destination.Transport != "" {
		base.Destination.Transport = strings.ToLower(override.Destination.Transport)
	}
	if override.Destination.RPCAddress != "" {
		base.Destination.RPCAddress = override.Destination.RPCAddress
	}
	if override.Destination.RESTBaseURL != "" {
		base.Destination.RESTBaseURL = override.Destination.RESTBaseURL
	}

	s, o := &base.Session, override.Session
	mergeString(&s.Env, o.Env)
	mergeString(&s.APIKey, o.APIKey)
	mergeString(&s.ProjectID, o.ProjectID)
	mergeString(&s.Model, o.Model)
	mergeString(&s.ModelAPIKey, o.ModelAPIKey)
	mergeString(&s.ModelBaseURL, o.ModelBaseURL)
	mergeString(&s.SystemPrompt, o.SystemPrompt)
	mergeString(&s.CloudSessionID, o.CloudSessionID)
	if o.DOMSettleTimeout != 0 {
		s.DOMSettleTimeout = o.DOMSettleTimeout
	}
	if o.ActTimeout != 0 {
		s.ActTimeout = o.ActTimeout
	}
	if fieldSet(raw, "session", "verbose") {
		s.Verbose = o.Verbose
	}
	if fieldSet(raw, "session", "self_heal") {
		s.SelfHeal = o.SelfHeal
	}
	if fieldSet(raw, "session", "experimental") {
		s.Experimental = o.Experimental
	}
	if fieldSet(raw, "session", "wait_for_captcha_solves") {
		s.WaitForCaptchaSolves = o.WaitForCaptchaSolves
	}
	if fieldSet(raw, "session", "headless") {
		s.Headless = o.Headless
	}

	c, oc := &base.Client, override.Client
	if oc.ConnectTimeout != 0 {
		c.ConnectTimeout = oc.ConnectTimeout
	}
	if fieldSet(raw, "client", "idle_timeout") {
		c.IdleTimeout = oc.IdleTimeout
	}
	if oc.EndGrace != 0 {
		c.EndGrace = oc.EndGrace
	}
	if fieldSet(raw, "client", "rate_limit") {
		c.RateLimit = oc.RateLimit
	}
	if oc.RateBurst != 0 {
		c.RateBurst = oc.RateBurst
	}
	if oc.TranscriptPath != "" {
		c.TranscriptPath = expandHomeDir(oc.TranscriptPath)
	}
	if fieldSet(raw, "client", "trace") {
		c.Trace = oc.Trace
	}

	mergeString(&base.Mock.GRPCListen, override.Mock.GRPCListen)
	mergeString(&base.Mock.HTTPListen, override.Mock.HTTPListen)
}

func mergeString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
