//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlink is the production Client backed by rtnetlink.
// Requires CAP_NET_ADMIN for mutations.
type Netlink struct{}

// NewNetlink returns a netlink-backed Client.
func NewNetlink() *Netlink {
	return &Netlink{}
}

// Rules lists IPv4 policy rules.
func (n *Netlink) Rules() ([]Rule, error) {
	rules, err := netlink.RuleList(unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{
			Priority: r.Priority,
			Src:      prefixFromIPNet(r.Src),
			Dst:      prefixFromIPNet(r.Dst),
			Table:    r.Table,
		})
	}
	return out, nil
}

// AddRule installs r. An identical existing rule is not an error.
func (n *Netlink) AddRule(r Rule) error {
	if err := netlink.RuleAdd(toNetlinkRule(r)); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("adding rule %s: %w", r, err)
	}
	return nil
}

// DeleteRule removes r. A missing rule is not an error.
func (n *Netlink) DeleteRule(r Rule) error {
	if err := netlink.RuleDel(toNetlinkRule(r)); err != nil && !isMissing(err) {
		return fmt.Errorf("deleting rule %s: %w", r, err)
	}
	return nil
}

// Routes lists the IPv4 routes in table.
func (n *Netlink) Routes(table int) ([]Route, error) {
	routes, err := netlink.RouteListFiltered(unix.AF_INET, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("listing routes in table %d: %w", table, err)
	}

	names := linkNames()
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		out = append(out, fromNetlinkRoute(r, names))
	}
	return out, nil
}

// AddRoute installs r, replacing any route with the same destination in the
// same table.
func (n *Netlink) AddRoute(r Route) error {
	nr, err := toNetlinkRoute(r)
	if err != nil {
		return err
	}
	if err := netlink.RouteReplace(nr); err != nil {
		return fmt.Errorf("adding route %s: %w", r, err)
	}
	return nil
}

// FlushTable deletes every IPv4 route in table.
func (n *Netlink) FlushTable(table int) error {
	routes, err := netlink.RouteListFiltered(unix.AF_INET, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return fmt.Errorf("listing routes in table %d: %w", table, err)
	}
	for i := range routes {
		if err := netlink.RouteDel(&routes[i]); err != nil && !isMissing(err) {
			return fmt.Errorf("flushing table %d: %w", table, err)
		}
	}
	return nil
}

// DefaultRoute returns the IPv4 default route of the main table.
func (n *Netlink) DefaultRoute() (Route, error) {
	routes, err := n.Routes(unix.RT_TABLE_MAIN)
	if err != nil {
		return Route{}, err
	}
	for _, r := range routes {
		if r.IsDefault() && r.Gateway.IsValid() {
			return r, nil
		}
	}
	return Route{}, ErrNoDefaultRoute
}

// LinkExists reports whether a link named name exists.
func (n *Netlink) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("looking up link %s: %w", name, err)
}

// Links returns the names of all links.
func (n *Netlink) Links() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Attrs().Name)
	}
	return out, nil
}

func toNetlinkRule(r Rule) *netlink.Rule {
	nr := netlink.NewRule()
	nr.Family = unix.AF_INET
	nr.Table = r.Table
	if r.Priority > 0 {
		nr.Priority = r.Priority
	}
	if r.Src.IsValid() {
		nr.Src = ipNetFromPrefix(r.Src)
	}
	if r.Dst.IsValid() {
		nr.Dst = ipNetFromPrefix(r.Dst)
	}
	return nr
}

func toNetlinkRoute(r Route) (*netlink.Route, error) {
	nr := &netlink.Route{
		Table: r.Table,
		Scope: netlink.SCOPE_UNIVERSE,
	}
	if r.IsDefault() {
		nr.Dst = &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
	} else {
		nr.Dst = ipNetFromPrefix(r.Dst)
	}
	if r.Gateway.IsValid() {
		nr.Gw = net.IP(r.Gateway.AsSlice())
	} else {
		nr.Scope = netlink.SCOPE_LINK
	}
	if r.Dev != "" {
		link, err := netlink.LinkByName(r.Dev)
		if err != nil {
			return nil, fmt.Errorf("looking up link %s: %w", r.Dev, err)
		}
		nr.LinkIndex = link.Attrs().Index
	}
	return nr, nil
}

func fromNetlinkRoute(r netlink.Route, names map[int]string) Route {
	out := Route{
		Dst:   prefixFromIPNet(r.Dst),
		Table: r.Table,
		Dev:   names[r.LinkIndex],
	}
	if r.Gw != nil {
		if addr, ok := netip.AddrFromSlice(r.Gw); ok {
			out.Gateway = addr.Unmap()
		}
	}
	return out
}

func linkNames() map[int]string {
	names := make(map[int]string)
	links, err := netlink.LinkList()
	if err != nil {
		return names
	}
	for _, l := range links {
		names[l.Attrs().Index] = l.Attrs().Name
	}
	return names
}

func prefixFromIPNet(n *net.IPNet) netip.Prefix {
	if n == nil {
		return netip.Prefix{}
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}
	}
	bits, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), bits)
}

func ipNetFromPrefix(p netip.Prefix) *net.IPNet {
	p = p.Masked()
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func isMissing(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH)
}
