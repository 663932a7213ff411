// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/config"
	"github.com/bureau-foundation/cowork/lib/version"
	"github.com/bureau-foundation/cowork/relay"
	"github.com/bureau-foundation/cowork/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		listen      string
		debug       bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("cowork-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to cowork.yaml (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&listen, "listen", "", "listen address, overriding relay.listen_address")
	flagSet.BoolVar(&debug, "debug", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("cowork-relay %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Relay.ListenAddress = listen
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := relay.NewHub(relay.HubConfig{
		Clock:          clock.Real(),
		Logger:         logger,
		Metrics:        relay.NewMetrics(registry),
		JoinTimeout:    cfg.Relay.JoinTimeout,
		ReconnectGrace: cfg.Relay.ReconnectGrace,
	})
	defer hub.Close()

	listener, err := transport.Listen(cfg.Relay.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Relay.ListenAddress, err)
	}
	publicURL := cfg.Relay.PublicURL
	if publicURL == "" {
		publicURL = "http://" + listener.Address()
	}
	logger.Info("relay listening",
		"address", listener.Address(),
		"public_url", publicURL,
		"environment", cfg.Environment,
		"version", version.Info(),
	)

	handler := relay.NewHandler(relay.HandlerConfig{
		Hub:          hub,
		Logger:       logger,
		MaxFrameSize: cfg.Relay.MaxFrameSize,
		MetricsPath:  cfg.Relay.MetricsPath,
		Gatherer:     registry,
	})
	if err := listener.Serve(ctx, handler); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}

// loadConfig reads the file named by --config or $COWORK_CONFIG, or
// falls back to the defaults when neither is set.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvironmentVariable) != "" {
		return config.Load()
	}
	return config.Default(), nil
}
