// Package kernel is a small typed client for the Linux routing state that
// regiongate manages: policy rules, routes in numbered tables, and links.
//
// Callers work with Rule and Route values rather than `ip` command output,
// which keeps the idempotence logic in the routing and vpn packages testable
// with an in-memory fake.
package kernel

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// MainTable is the kernel's main routing table id.
const MainTable = 254

// ErrNoDefaultRoute is returned by DefaultRoute when the main table has no
// IPv4 default route.
var ErrNoDefaultRoute = errors.New("no default route in main table")

// Rule is an IPv4 policy routing rule. A zero Src or Dst matches any address.
type Rule struct {
	Priority int
	Src      netip.Prefix
	Dst      netip.Prefix
	Table    int
}

// String renders the rule the way `ip rule` would print it.
func (r Rule) String() string {
	var b strings.Builder
	if r.Priority > 0 {
		fmt.Fprintf(&b, "%d: ", r.Priority)
	}
	b.WriteString("from ")
	if r.Src.IsValid() {
		b.WriteString(prefixString(r.Src))
	} else {
		b.WriteString("all")
	}
	if r.Dst.IsValid() {
		b.WriteString(" to ")
		b.WriteString(prefixString(r.Dst))
	}
	if r.Table == MainTable {
		b.WriteString(" lookup main")
	} else {
		fmt.Fprintf(&b, " lookup %d", r.Table)
	}
	return b.String()
}

// Route is an IPv4 route in a specific table. An invalid Dst is the default
// route.
type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr
	Dev     string
	Table   int
}

// IsDefault reports whether the route is a default route.
func (r Route) IsDefault() bool {
	return !r.Dst.IsValid() || r.Dst.Bits() == 0
}

func (r Route) String() string {
	var b strings.Builder
	if r.IsDefault() {
		b.WriteString("default")
	} else {
		b.WriteString(r.Dst.String())
	}
	if r.Gateway.IsValid() {
		b.WriteString(" via ")
		b.WriteString(r.Gateway.String())
	}
	if r.Dev != "" {
		b.WriteString(" dev ")
		b.WriteString(r.Dev)
	}
	fmt.Fprintf(&b, " table %d", r.Table)
	return b.String()
}

// Client manipulates kernel routing state. Adds are idempotent (an existing
// identical entry is not an error) and deletes of missing entries succeed.
type Client interface {
	Rules() ([]Rule, error)
	AddRule(r Rule) error
	DeleteRule(r Rule) error

	Routes(table int) ([]Route, error)
	AddRoute(r Route) error
	FlushTable(table int) error
	DefaultRoute() (Route, error)

	LinkExists(name string) (bool, error)
	Links() ([]string, error)
}

// Lookup returns the route the kernel would pick for addr within a single
// table: the longest matching prefix, with the default route matching last.
func Lookup(routes []Route, addr netip.Addr) (Route, bool) {
	var (
		best  Route
		found bool
		bits  = -1
	)
	for _, r := range routes {
		if r.IsDefault() {
			if bits < 0 {
				best, found, bits = r, true, 0
			}
			continue
		}
		if r.Dst.Contains(addr) && r.Dst.Bits() > bits {
			best, found, bits = r, true, r.Dst.Bits()
		}
	}
	return best, found
}

// HostPrefix returns the /32 (or /128) prefix for addr.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

func prefixString(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().String()
	}
	return p.String()
}
