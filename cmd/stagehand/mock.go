package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/stagehand/pkg/mockserver"
	"github.com/odvcencio/stagehand/pkg/observability"
)

func runMockCommand(args []string) error {
	fs := flag.NewFlagSet("mock", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (default: standard locations)")
	grpcAddr := fs.String("grpc", "", "gRPC listen address (empty disables; default from config)")
	httpAddr := fs.String("http", "", "HTTP listen address (empty disables; default from config)")
	verbose := fs.Int("verbose", 1, "log verbosity 0-2")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitConfig)
	}

	cfg, err := runLoadConfigFn(*configFile)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["grpc"] {
		*grpcAddr = cfg.Mock.GRPCListen
	}
	if !set["http"] {
		*httpAddr = cfg.Mock.HTTPListen
	}
	if *grpcAddr == "" && *httpAddr == "" {
		return withExitCode(fmt.Errorf("mock: both listeners disabled"), exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("mockserver", observability.LevelForVerbose(*verbose))
	srv := mockserver.New(mockserver.WithLogger(logger))

	grpcLis, httpLis, err := listenBoth(*grpcAddr, *httpAddr)
	if err != nil {
		return withExitCode(err, exitTransport)
	}
	return srv.Serve(ctx, grpcLis, httpLis)
}

// listenBoth opens the requested listeners. An empty address yields a nil
// listener, which Serve skips.
func listenBoth(grpcAddr, httpAddr string) (net.Listener, net.Listener, error) {
	var grpcLis, httpLis net.Listener
	var err error
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			return nil, nil, fmt.Errorf("listen grpc %s: %w", grpcAddr, err)
		}
	}
	if httpAddr != "" {
		if httpLis, err = net.Listen("tcp", httpAddr); err != nil {
			if grpcLis != nil {
				_ = grpcLis.Close()
			}
			return nil, nil, fmt.Errorf("listen http %s: %w", httpAddr, err)
		}
	}
	return grpcLis, httpLis, nil
}
