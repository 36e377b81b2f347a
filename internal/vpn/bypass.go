package vpn

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/kuuji/regiongate/internal/kernel"
)

// Bypass rules send traffic for a tunnel server through the main table so
// the tunnel's own packets are never captured by a device's
// default-via-tunnel table.
const (
	BypassPriorityMin = 50
	BypassPriorityMax = 99
)

// ErrNoBypassPriority is returned when every priority in the bypass range
// is taken.
var ErrNoBypassPriority = errors.New("no free bypass rule priority in 50-99")

func isBypassRule(r kernel.Rule, server netip.Addr) bool {
	return r.Priority >= BypassPriorityMin && r.Priority <= BypassPriorityMax &&
		r.Table == kernel.MainTable && !r.Src.IsValid() &&
		r.Dst == kernel.HostPrefix(server)
}

// ensureBypass installs `to server lookup main` at the first free priority
// in the bypass range and returns that priority. An existing bypass rule
// for the same server is reused.
func ensureBypass(k kernel.Client, server netip.Addr) (int, error) {
	rules, err := k.Rules()
	if err != nil {
		return 0, err
	}

	used := make(map[int]bool)
	for _, r := range rules {
		if isBypassRule(r, server) {
			return r.Priority, nil
		}
		used[r.Priority] = true
	}

	for p := BypassPriorityMin; p <= BypassPriorityMax; p++ {
		if used[p] {
			continue
		}
		rule := kernel.Rule{Priority: p, Dst: kernel.HostPrefix(server), Table: kernel.MainTable}
		if err := k.AddRule(rule); err != nil {
			return 0, fmt.Errorf("installing bypass rule: %w", err)
		}
		return p, nil
	}
	return 0, ErrNoBypassPriority
}

// removeBypass deletes every bypass rule for server.
func removeBypass(k kernel.Client, server netip.Addr) error {
	rules, err := k.Rules()
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range rules {
		if isBypassRule(r, server) {
			if err := k.DeleteRule(r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
