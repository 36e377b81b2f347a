package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/regiongate/internal/agent"
	"github.com/kuuji/regiongate/internal/control"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the regiongate daemon",
	Long: `Run the regiongate daemon in the foreground.

The daemon syncs the tailnet inventory, keeps one WireGuard tunnel per region
in use, routes every enabled device through its region and repairs drift on
a timer. CLI subcommands talk to it over a Unix control socket.

Requires root or CAP_NET_ADMIN.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := globalLogger

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if globalSocketPath != "" {
		cfg.Control.SocketPath = globalSocketPath
	}

	if os.Geteuid() != 0 {
		logger.Warn("not running as root; routing changes will likely fail")
	}

	deps, closeDeps, err := agent.DefaultDeps(cfg, logger)
	if err != nil {
		return fmt.Errorf("building dependencies: %w", err)
	}
	defer func() {
		if err := closeDeps(); err != nil {
			logger.Warn("closing dependencies", "error", err)
		}
	}()

	a := agent.New(cfg, deps, logger)

	srv := control.NewServer(cfg.Control.SocketPath, a, deps.Metrics.Handler(), logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	defer srv.Stop() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("regiongate started", "version", version, "config", resolvedConfigPath())
	return a.Run(ctx)
}
