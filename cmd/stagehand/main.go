package main

import (
	"fmt"
	"os"
	"strings"
)

// Version information - set via ldflags during build
var (
	version   = "0.4.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 1
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return 0
	case "--help", "-h", "help":
		printHelp()
		return 0
	case "run":
		return runCommand(runRunCommand, args[1:])
	case "mock":
		return runCommand(runMockCommand, args[1:])
	case "config":
		return runCommand(runConfigCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(os.Stderr, "Run 'stagehand --help' for usage.")
		return 1
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion() {
	fmt.Printf("stagehand %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printHelp() {
	fmt.Print(`stagehand - drive a remote browser-automation session

Usage:
  stagehand run [flags]       start a session, run steps, end it
  stagehand mock [flags]      serve the scripted mock service (gRPC + REST)
  stagehand config show|check print or validate the effective configuration
  stagehand version

Configuration is read from ~/.stagehand/config.yaml, ./.stagehand/config.yaml
and STAGEHAND_* environment variables. Credentials default to
BROWSERBASE_API_KEY, BROWSERBASE_PROJECT_ID and the model provider's key.

Run 'stagehand <command> -h' for command flags.
`)
}
