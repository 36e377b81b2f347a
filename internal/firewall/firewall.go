// Package firewall wraps the iptables rules regiongate installs for
// per-device forwarding, masquerade, and DNS interception.
package firewall

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// Table and chain names used by regiongate.
const (
	TableNAT    = "nat"
	TableFilter = "filter"

	ChainPostrouting = "POSTROUTING"
	ChainPrerouting  = "PREROUTING"
	ChainForward     = "FORWARD"
)

// IPTables is the subset of *iptables.IPTables that regiongate uses.
type IPTables interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// New returns an IPv4 iptables client.
func New() (*iptables.IPTables, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("initializing iptables: %w", err)
	}
	return ipt, nil
}

// Ensure appends rulespec to table/chain unless an identical rule exists.
// It reports whether a rule was added.
func Ensure(ipt IPTables, table, chain string, rulespec ...string) (bool, error) {
	ok, err := ipt.Exists(table, chain, rulespec...)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s rule %q: %w", table, chain, strings.Join(rulespec, " "), err)
	}
	if ok {
		return false, nil
	}
	if err := ipt.Append(table, chain, rulespec...); err != nil {
		return false, fmt.Errorf("adding %s/%s rule %q: %w", table, chain, strings.Join(rulespec, " "), err)
	}
	return true, nil
}

// Remove deletes rulespec from table/chain if present.
func Remove(ipt IPTables, table, chain string, rulespec ...string) error {
	ok, err := ipt.Exists(table, chain, rulespec...)
	if err != nil {
		return fmt.Errorf("checking %s/%s rule %q: %w", table, chain, strings.Join(rulespec, " "), err)
	}
	if !ok {
		return nil
	}
	if err := ipt.Delete(table, chain, rulespec...); err != nil {
		return fmt.Errorf("deleting %s/%s rule %q: %w", table, chain, strings.Join(rulespec, " "), err)
	}
	return nil
}

// RemoveMatching deletes every rule in table/chain for which match returns
// true. The chain is re-listed after each delete so that a rule is always
// removed by its full spec as it currently appears. It returns the number
// of rules removed.
func RemoveMatching(ipt IPTables, table, chain string, match func(spec []string) bool) (int, error) {
	removed := 0
	for {
		lines, err := ipt.List(table, chain)
		if err != nil {
			return removed, fmt.Errorf("listing %s/%s: %w", table, chain, err)
		}

		var target []string
		for _, line := range lines {
			spec, ok := ParseRule(line, chain)
			if ok && match(spec) {
				target = spec
				break
			}
		}
		if target == nil {
			return removed, nil
		}

		if err := ipt.Delete(table, chain, target...); err != nil {
			return removed, fmt.Errorf("deleting %s/%s rule %q: %w", table, chain, strings.Join(target, " "), err)
		}
		removed++
	}
}

// ParseRule converts one line of `iptables -S` output for chain into a
// rulespec suitable for Exists or Delete. Policy lines (-P) and rules for
// other chains report false.
func ParseRule(line, chain string) ([]string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "-A" || fields[1] != chain {
		return nil, false
	}
	spec := make([]string, 0, len(fields)-2)
	for _, f := range fields[2:] {
		spec = append(spec, strings.Trim(f, `"`))
	}
	return spec, true
}

// References reports whether spec names addr as a source, destination, or
// DNAT target address.
func References(spec []string, addr netip.Addr) bool {
	ip := addr.String()
	host := ip + "/32"
	for i, f := range spec {
		switch f {
		case ip, host:
			return true
		}
		if i > 0 && spec[i-1] == "--to-destination" {
			if h, _, ok := strings.Cut(f, ":"); ok && h == ip {
				return true
			}
		}
	}
	return false
}

// Masquerade returns the NAT rulespec masquerading traffic leaving iface.
func Masquerade(iface string) []string {
	return []string{"-o", iface, "-j", "MASQUERADE"}
}

// ForwardOut returns the rulespec accepting forwarded traffic from the
// device at ip on the overlay toward iface.
func ForwardOut(overlay, iface string, ip netip.Addr) []string {
	return []string{"-i", overlay, "-o", iface, "-s", ip.String(), "-j", "ACCEPT"}
}

// ForwardIn returns the rulespec accepting established return traffic from
// iface back to the device at ip on the overlay.
func ForwardIn(overlay, iface string, ip netip.Addr) []string {
	return []string{"-i", iface, "-o", overlay, "-d", ip.String(), "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}
}

// DNSRedirect returns the NAT PREROUTING rulespec that sends the device's
// DNS queries on proto ("udp" or "tcp") to dns.
func DNSRedirect(overlay string, ip netip.Addr, proto string, dns netip.Addr) []string {
	return []string{"-i", overlay, "-s", ip.String(), "-p", proto, "-m", proto, "--dport", "53", "-j", "DNAT", "--to-destination", dns.String()}
}

// Equivalent reports whether two rulespecs describe the same rule.
// `iptables -S` reorders matches and prints host addresses with a /32
// suffix, so specs are compared as normalized, unordered token sets.
func Equivalent(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.Equal(normalize(a), normalize(b))
}

func normalize(spec []string) []string {
	out := make([]string, len(spec))
	for i, f := range spec {
		out[i] = strings.TrimSuffix(f, "/32")
	}
	slices.Sort(out)
	return out
}
