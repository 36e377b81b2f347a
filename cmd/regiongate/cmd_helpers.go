package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kuuji/regiongate/internal/config"
	"github.com/kuuji/regiongate/internal/control"
)

// requestTimeout bounds one CLI request to the daemon.
const requestTimeout = control.DefaultClientTimeout

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// socketPath picks the control socket: the --socket flag, then the config
// file, then the runtime-directory default.
func socketPath() string {
	if globalSocketPath != "" {
		return globalSocketPath
	}
	if cfg, err := config.LoadOrDefault(resolvedConfigPath()); err == nil && cfg.Control.SocketPath != "" {
		return cfg.Control.SocketPath
	}
	return control.ResolveSocketPath()
}

// newClient returns a control client and a context bounded by
// requestTimeout.
func newClient() (*control.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	return control.NewClient(socketPath()), ctx, cancel
}

// daemonError adds a hint when the daemon could not be reached.
func daemonError(err error) error {
	var apiErr *control.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("is regiongate running? %w", err)
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 48*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}

// orDash returns s, or "-" when s is empty.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
