// Package main is the entry point for the SharpLens analysis server.
//
// The same executable runs in two modes: the default host mode serves MCP
// over stdio and supervises a worker subprocess; the -worker sentinel flag
// selects worker mode, in which the process runs the analysis engine behind
// the line-delimited worker protocol on its own stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/config"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/engine"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/mcpserver"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/supervisor"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/worker"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		workerMode  bool
		logLevel    string
		showVersion bool
	)

	flag.BoolVar(&workerMode, "worker", false, "Run as an analysis worker (internal)")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "SharpLens - code analysis MCP server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sharplens [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("SharpLens %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return 0
	}

	env := config.FromEnviron()
	if logLevel != "" {
		switch logLevel {
		case "debug", "info", "warn", "error":
			env.LogLevel = logLevel
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", logLevel)
			return 1
		}
	}

	// Stdout carries the wire protocol in both modes; all diagnostics go to
	// stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: env.SlogLevel(),
	}))

	if workerMode {
		return runWorker(env, logger)
	}
	return runHost(env, logger)
}

func runWorker(env config.WorkerEnv, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	eng := engine.NewDefault(env)

	// Ambient auto-load applies only to a directly launched worker; the
	// supervisor strips this variable so spawned workers start empty.
	if root, ok := config.AutoLoadWorkspace(); ok {
		params, _ := json.Marshal(map[string]string{"root": root})
		if _, err := eng.Invoke(ctx, "load_workspace", params); err != nil {
			logger.Warn("auto-load workspace failed", "root", root, "error", err)
		}
	}

	loop := worker.New(eng, os.Stdin, os.Stdout, logger,
		worker.WithOperationTimeout(env.OpTimeout))

	if err := loop.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runHost(env config.WorkerEnv, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(supervisor.Config{
		Env:    env,
		Logger: logger,
	})
	defer sup.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	srv := mcpserver.New(sup, env, version, logger)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
