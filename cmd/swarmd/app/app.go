// Package app wires the swarm daemon together: configuration, persistence,
// the supervisor and the chosen serving surface.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/SpideXD/mcp-swarm/pkg/config"
	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/server"
	"github.com/SpideXD/mcp-swarm/pkg/store/sqlite"
	"github.com/SpideXD/mcp-swarm/pkg/supervisor"
	workerclient "github.com/SpideXD/mcp-swarm/pkg/workers/client"
)

// shutdownDeadline is how long a graceful shutdown may take before the
// process force-exits.
const shutdownDeadline = 10 * time.Second

// NewRootCmd builds the swarmd command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "swarmd",
		Short:        "Supervisor for MCP tool servers",
		Long:         "swarmd manages a pool of MCP tool servers and exposes them to multiple client agents through one stable meta-tool surface.",
		SilenceUsage: true,
	}

	var (
		port int
		host string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the multi-client HTTP daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, host, port, config.ModeHTTP)
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "listen port (overrides SWARM_PORT)")
	serveCmd.Flags().StringVar(&host, "host", "", "bind host (overrides SWARM_HOST)")

	stdioCmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single client over the standard streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, "", 0, config.ModeStdio)
		},
	}

	root.AddCommand(serveCmd, stdioCmd)
	return root
}

func run(cmd *cobra.Command, hostFlag string, portFlag int, mode config.Mode) error {
	logger.Initialize()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Mode = mode
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// One daemon per data directory; a second instance would fight over the
	// database and the managed processes.
	lock := flock.New(filepath.Join(cfg.DataDir, "swarm.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("another swarmd instance is already running against %s", cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	bus := events.NewMemBus(events.MemBusConfig{})
	factory := workerclient.NewFactory(cfg.ToolCallTimeout)
	sup := supervisor.New(st, bus, factory, supervisor.Options{
		MaxPool:        cfg.MaxPoolSize,
		ScaleUpWait:    cfg.ScaleUpWait,
		IdleKill:       cfg.IdleKill,
		QueueTTL:       cfg.QueueTTL,
		HealthInterval: cfg.HealthInterval,
		HealthTimeout:  cfg.HealthTimeout,
	})
	sup.Start(ctx)

	if err := sup.Restore(ctx); err != nil {
		logger.Warnw("startup restore incomplete", "error", err)
	}

	shutdown := func() {
		sup.StopAll()
		if err := st.Close(); err != nil {
			logger.Warnw("failed to close store", "error", err)
		}
		_ = bus.Close()
	}

	installSignalHandler(cancel)

	switch cfg.Mode {
	case config.ModeStdio:
		err = server.ServeStdio(ctx, sup, st)
	default:
		srv := server.New(cfg, sup, st, bus)
		err = srv.Start(ctx)
	}

	done := make(chan struct{})
	go func() {
		shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		logger.Error("shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// installSignalHandler cancels the run context on the first SIGINT/SIGTERM
// and force-exits on the second.
func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		<-sigCh
		logger.Error("second signal, forcing exit")
		os.Exit(1)
	}()
}
