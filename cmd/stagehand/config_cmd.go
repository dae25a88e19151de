package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/odvcencio/stagehand/pkg/config"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

func runConfigCommand(args []string) error {
	if len(args) == 0 {
		return withExitCode(errors.New("usage: stagehand config show|check [--config path]"), exitConfig)
	}
	sub := args[0]
	fs := flag.NewFlagSet("config "+sub, flag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (default: standard locations)")
	if err := fs.Parse(args[1:]); err != nil {
		return withExitCode(err, exitConfig)
	}

	switch sub {
	case "show":
		cfg, err := runLoadConfigFn(*configFile)
		if err != nil {
			return withExitCode(err, exitConfig)
		}
		return showConfig(os.Stdout, cfg)
	case "check":
		if _, err := runLoadConfigFn(*configFile); err != nil {
			return withExitCode(err, exitConfig)
		}
		fmt.Println("configuration ok")
		return nil
	default:
		return withExitCode(fmt.Errorf("unknown config subcommand: %s", sub), exitConfig)
	}
}

// showConfig prints the effective configuration with secrets masked.
func showConfig(w io.Writer, cfg *config.Config) error {
	masked := *cfg
	if masked.Session.APIKey != "" {
		masked.Session.APIKey = redacted
	}
	if masked.Session.ModelAPIKey != "" {
		masked.Session.ModelAPIKey = redacted
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
