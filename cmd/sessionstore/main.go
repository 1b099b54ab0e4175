// Package main is the entry point for the sessionstore server and tools.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/sessionstore/internal/cleanup"
	"github.com/szaher/sessionstore/internal/config"
	"github.com/szaher/sessionstore/internal/events"
	"github.com/szaher/sessionstore/internal/store"
	"github.com/szaher/sessionstore/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile string
	logLevel   string
	eventsFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sessionstore",
		Short: "Conversation session and cross-session memory store",
		Long: `sessionstore keeps conversation sessions and long-lived user, agent and
knowledge memory in a durable key-value backend (etcd, PostgreSQL or
BadgerDB), falling back to process memory when the backend is unavailable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file (overrides SESSIONSTORE_CONFIG)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&eventsFile, "events-file", "", "Append lifecycle events (demotions, flags, sweeps) as JSON lines to this file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newProbeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// env is what every subcommand needs.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	events  events.Emitter
	closers []io.Closer
}

func loadEnv(stderr io.Writer) (*env, error) {
	if configFile != "" {
		if err := os.Setenv("SESSIONSTORE_CONFIG", configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(stderr, level, cfg.Log.Format, cfg.Secrets()...)
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics(), events: events.NoopEmitter{}}
	if eventsFile != "" {
		f, err := os.OpenFile(eventsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		e.events = events.NewWriterEmitter(f, logger)
		e.closers = append(e.closers, f)
	}
	return e, nil
}

func (e *env) close() {
	for _, c := range e.closers {
		_ = c.Close()
	}
}

func (e *env) cleanupOptions() cleanup.Options {
	opts := e.cfg.CleanupOptions()
	opts.Logger = e.logger
	opts.Metrics = e.metrics
	opts.Events = e.events
	return opts
}

// buildFacade connects to the configured backend, degrading to memory if it
// is unreachable.
func (e *env) buildFacade(ctx context.Context) (*store.Facade, error) {
	dc := e.cfg.DriverConfig()
	dc.Badger.Logger = e.logger
	dialer, err := store.NewDialer(dc)
	if err != nil {
		return nil, err
	}
	return store.NewFactory(e.cfg.StoreConfig(),
		store.WithDialer(dialer),
		store.WithLogger(e.logger),
		store.WithMetrics(e.metrics),
		store.WithEmitter(e.events),
	).Build(ctx)
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
