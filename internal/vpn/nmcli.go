package vpn

import (
	"context"
	"fmt"
	"strings"

	"github.com/kuuji/regiongate/internal/hostcmd"
)

// nmcli exits with 10 when the named connection or device does not exist.
const nmcliNotFound = 10

// ActiveConnection is one row of `nmcli connection show --active`.
type ActiveConnection struct {
	Name   string
	Type   string
	Device string
}

// NetworkManager is the NetworkManager surface the Manager drives.
type NetworkManager interface {
	Up(ctx context.Context, name string) error
	Down(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Reload(ctx context.Context) error
	ActiveConnections(ctx context.Context) ([]ActiveConnection, error)
}

// NMCLI implements NetworkManager with the nmcli command.
type NMCLI struct {
	Runner hostcmd.Runner
}

// Up activates the named connection.
func (n *NMCLI) Up(ctx context.Context, name string) error {
	if _, err := n.Runner.Run(ctx, "nmcli", "connection", "up", name); err != nil {
		return fmt.Errorf("bringing up %s: %w", name, err)
	}
	return nil
}

// Down deactivates the named connection. A connection that is not active
// is not an error.
func (n *NMCLI) Down(ctx context.Context, name string) error {
	_, err := n.Runner.Run(ctx, "nmcli", "connection", "down", name)
	if err == nil || isNotActive(err) {
		return nil
	}
	return fmt.Errorf("bringing down %s: %w", name, err)
}

// Delete removes the named connection profile. A missing profile is not an
// error.
func (n *NMCLI) Delete(ctx context.Context, name string) error {
	_, err := n.Runner.Run(ctx, "nmcli", "connection", "delete", name)
	if err == nil || isNotActive(err) {
		return nil
	}
	return fmt.Errorf("deleting connection %s: %w", name, err)
}

// Reload makes NetworkManager re-read connection profiles from disk.
func (n *NMCLI) Reload(ctx context.Context) error {
	if _, err := n.Runner.Run(ctx, "nmcli", "connection", "reload"); err != nil {
		return fmt.Errorf("reloading connections: %w", err)
	}
	return nil
}

// ActiveConnections lists active connections.
func (n *NMCLI) ActiveConnections(ctx context.Context) ([]ActiveConnection, error) {
	res, err := n.Runner.Run(ctx, "nmcli", "-t", "-f", "NAME,TYPE,DEVICE", "connection", "show", "--active")
	if err != nil {
		return nil, fmt.Errorf("listing active connections: %w", err)
	}
	return parseActive(res.Stdout), nil
}

func parseActive(out string) []ActiveConnection {
	var conns []ActiveConnection
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := splitTerse(line)
		for len(f) < 3 {
			f = append(f, "")
		}
		conns = append(conns, ActiveConnection{Name: f[0], Type: f[1], Device: f[2]})
	}
	return conns
}

// splitTerse splits one line of nmcli terse output on unescaped colons.
func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
		escape bool
	)
	for _, r := range line {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(fields, cur.String())
}

func isNotActive(err error) bool {
	if code, ok := hostcmd.ExitCode(err); ok && code == nmcliNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not an active connection") ||
		strings.Contains(msg, "no active connection") ||
		strings.Contains(msg, "unknown connection")
}
