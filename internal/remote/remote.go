// Package remote points tailnet devices at an exit node by running the
// tailscale CLI on them over SSH.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/kuuji/regiongate/internal/hostcmd"
	"github.com/kuuji/regiongate/internal/tailscale"
)

// Per-operation command timeouts.
const (
	SetTimeout          = 30 * time.Second
	GetTimeout          = 10 * time.Second
	ConnectivityTimeout = 5 * time.Second
)

// Shell runs a command on a remote device.
type Shell interface {
	Run(ctx context.Context, target, command string) (hostcmd.Result, error)
}

// Result is the outcome of a command that changes device state.
type Result struct {
	Success bool
	Output  string
	Err     error
}

// ExitNode is a device's exit node as last observed. Known is false when
// the device could not be queried; IP is empty when no exit node is set.
type ExitNode struct {
	Known bool
	IP    string
}

// Configurator sets and reads exit nodes on remote devices.
type Configurator struct {
	shell Shell
	log   *slog.Logger
}

// New creates a Configurator.
func New(shell Shell, logger *slog.Logger) *Configurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{shell: shell, log: logger.With("component", "remote")}
}

// SetExitNodeCommand is the command that points a device at exitNodeIP,
// keeping its LAN reachable.
func SetExitNodeCommand(exitNodeIP string) string {
	return fmt.Sprintf("tailscale set --exit-node=%s --exit-node-allow-lan-access", exitNodeIP)
}

// ClearExitNodeCommand is the command that removes a device's exit node.
const ClearExitNodeCommand = "tailscale set --exit-node="

// SetExitNode points target at exitNodeIP.
func (c *Configurator) SetExitNode(ctx context.Context, target, exitNodeIP string) Result {
	if _, err := netip.ParseAddr(exitNodeIP); err != nil {
		return Result{Err: fmt.Errorf("invalid exit node address %q: %w", exitNodeIP, err)}
	}
	res := c.run(ctx, target, SetExitNodeCommand(exitNodeIP), SetTimeout)
	if res.Success {
		c.log.Info("exit node set", "target", target, "exit_node", exitNodeIP)
	}
	return res
}

// ClearExitNode removes target's exit node.
func (c *Configurator) ClearExitNode(ctx context.Context, target string) Result {
	res := c.run(ctx, target, ClearExitNodeCommand, SetTimeout)
	if res.Success {
		c.log.Info("exit node cleared", "target", target)
	}
	return res
}

// GetExitNode reads target's current exit node.
func (c *Configurator) GetExitNode(ctx context.Context, target string) ExitNode {
	ctx, cancel := context.WithTimeout(ctx, GetTimeout)
	defer cancel()

	out, err := c.shell.Run(ctx, target, "tailscale status --json")
	if err != nil {
		c.log.Debug("querying exit node", "target", target, "error", err)
		return ExitNode{}
	}
	st, err := tailscale.ParseStatus([]byte(out.Stdout))
	if err != nil {
		c.log.Debug("parsing remote status", "target", target, "error", err)
		return ExitNode{}
	}
	return ExitNode{Known: true, IP: st.ExitNodeIP()}
}

// CheckConnectivity reports whether target accepts commands.
func (c *Configurator) CheckConnectivity(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, ConnectivityTimeout)
	defer cancel()

	out, err := c.shell.Run(ctx, target, "echo ok")
	return err == nil && strings.TrimSpace(out.Stdout) == "ok"
}

func (c *Configurator) run(ctx context.Context, target, command string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.shell.Run(ctx, target, command)
	output := strings.TrimSpace(out.Stdout + out.Stderr)
	if err != nil {
		c.log.Warn("remote command failed", "target", target, "command", command, "error", err)
		return Result{Output: output, Err: err}
	}
	return Result{Success: true, Output: output}
}
