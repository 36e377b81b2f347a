package routing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	ipv4ForwardPath = "sys/net/ipv4/ip_forward"
	ipv6ForwardPath = "sys/net/ipv6/conf/all/forwarding"
)

// Forwarding reads and writes the kernel's global forwarding switches
// under a proc root ("/proc" in production).
type Forwarding struct {
	Root string
}

func (f Forwarding) path(rel string) string {
	root := f.Root
	if root == "" {
		root = "/proc"
	}
	return filepath.Join(root, rel)
}

// IsIPForwardingEnabled reports whether IPv4 forwarding is on.
func (f Forwarding) IsIPForwardingEnabled() (bool, error) {
	data, err := os.ReadFile(f.path(ipv4ForwardPath))
	if err != nil {
		return false, fmt.Errorf("reading IPv4 forwarding state: %w", err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// EnableIPForwarding turns on IPv4 and IPv6 forwarding. Hosts without IPv6
// only get IPv4 forwarding.
func (f Forwarding) EnableIPForwarding() error {
	if err := os.WriteFile(f.path(ipv4ForwardPath), []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("enabling IPv4 forwarding: %w", err)
	}
	err := os.WriteFile(f.path(ipv6ForwardPath), []byte("1\n"), 0o644)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("enabling IPv6 forwarding: %w", err)
	}
	return nil
}
