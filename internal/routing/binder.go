// Package routing binds individual tailnet devices to region tunnels with
// source-based policy routing.
//
// Each bound device gets its own routing table holding three routes: the
// overlay CIDR back through the overlay interface, the host's LAN through the
// main-table gateway, and a default route through the region tunnel. A
// `from <device> lookup <table>` rule steers the device's traffic into it,
// and iptables rules masquerade, forward, and intercept DNS for the device.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/kuuji/regiongate/internal/firewall"
	"github.com/kuuji/regiongate/internal/kernel"
	"github.com/kuuji/regiongate/internal/keylock"
)

// Defaults for Config.
const (
	DefaultOverlayInterface = "tailscale0"
	DefaultRulePriorityBase = 1000
	DefaultTunnelPrefix     = "pia-"
)

// DefaultOverlayCIDR is the tailnet CGNAT range.
var DefaultOverlayCIDR = netip.MustParsePrefix("100.64.0.0/10")

// Config controls how the Binder lays out tables and rules.
type Config struct {
	OverlayInterface string
	OverlayCIDR      netip.Prefix

	// LocalCIDR is the host LAN kept reachable from bound devices. When
	// zero it is discovered from the host's physical interfaces.
	LocalCIDR netip.Prefix

	TableBase        int
	RulePriorityBase int

	// TunnelPrefix identifies region tunnel interfaces.
	TunnelPrefix string

	// ProcRoot is where forwarding switches are read and written.
	ProcRoot string
}

func (c *Config) setDefaults() {
	if c.OverlayInterface == "" {
		c.OverlayInterface = DefaultOverlayInterface
	}
	if !c.OverlayCIDR.IsValid() {
		c.OverlayCIDR = DefaultOverlayCIDR
	}
	if c.TableBase <= 0 {
		c.TableBase = DefaultTableBase
	}
	if c.RulePriorityBase <= 0 {
		c.RulePriorityBase = DefaultRulePriorityBase
	}
	if c.TunnelPrefix == "" {
		c.TunnelPrefix = DefaultTunnelPrefix
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
}

// DNSSource reports the resolvers handed out for a tunnel interface.
type DNSSource interface {
	DNSServers(iface string) []string
}

// BaseRules installs the single-tunnel nftables rules.
type BaseRules interface {
	Setup(overlay, tunnel string) error
	Cleanup() error
}

// Binder installs and removes per-device routing state.
type Binder struct {
	cfg    Config
	kernel kernel.Client
	ipt    firewall.IPTables
	dns    DNSSource
	base   BaseRules
	fwd    Forwarding
	log    *slog.Logger

	alloc *Allocator
	locks keylock.Map

	// discover finds local subnets when Config.LocalCIDR is unset.
	discover func(exclude netip.Prefix) ([]SubnetInfo, error)

	mu    sync.Mutex
	bound map[netip.Addr]string
}

// NewBinder creates a Binder. dns and base may be nil.
func NewBinder(cfg Config, k kernel.Client, ipt firewall.IPTables, dns DNSSource, base BaseRules, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Binder{
		cfg:      cfg,
		kernel:   k,
		ipt:      ipt,
		dns:      dns,
		base:     base,
		fwd:      Forwarding{Root: cfg.ProcRoot},
		log:      logger.With("component", "routing"),
		alloc:    NewAllocator(cfg.TableBase),
		discover: DiscoverLocalSubnets,
		bound:    make(map[netip.Addr]string),
	}
}

// EnableDeviceRouting routes all traffic from ip through the tunnel iface.
// It is idempotent and also moves a device bound to another tunnel.
func (b *Binder) EnableDeviceRouting(ctx context.Context, ip netip.Addr, iface string) error {
	if !ip.Is4() {
		return fmt.Errorf("device address %s is not IPv4", ip)
	}
	if iface == "" {
		return errors.New("tunnel interface is required")
	}

	unlock := b.locks.Lock(ip.String())
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	host := kernel.HostPrefix(ip)
	table := b.alloc.Allocate(ip)

	if err := b.ensureRule(host, table); err != nil {
		return err
	}
	if err := b.populateTable(table, iface); err != nil {
		return err
	}

	prev, err := b.claimInterface(ip, iface)
	if err != nil {
		return err
	}
	if prev != "" && prev != iface {
		b.releaseMasquerade(prev)
	}

	if err := b.ensureForward(ip, iface); err != nil {
		return err
	}
	if err := b.ensureDNS(ip, iface); err != nil {
		return err
	}

	b.log.Info("device routing enabled", "ip", ip, "iface", iface, "table", table)
	return nil
}

// ensureRule leaves exactly one policy rule for host, pointing at table.
func (b *Binder) ensureRule(host netip.Prefix, table int) error {
	rules, err := b.kernel.Rules()
	if err != nil {
		return fmt.Errorf("listing policy rules: %w", err)
	}

	present := false
	for _, r := range rules {
		if r.Src != host || r.Dst.IsValid() {
			continue
		}
		if r.Table == table {
			present = true
			continue
		}
		if err := b.kernel.DeleteRule(r); err != nil {
			return fmt.Errorf("deleting stale rule %s: %w", r, err)
		}
		b.log.Debug("removed stale policy rule", "rule", r.String())
	}
	if present {
		return nil
	}

	rule := kernel.Rule{
		Priority: b.cfg.RulePriorityBase + table - b.cfg.TableBase,
		Src:      host,
		Table:    table,
	}
	if err := b.kernel.AddRule(rule); err != nil {
		return fmt.Errorf("adding policy rule %s: %w", rule, err)
	}
	return nil
}

// populateTable rebuilds table so that overlay and LAN destinations keep
// their normal paths and everything else leaves through iface.
func (b *Binder) populateTable(table int, iface string) error {
	if err := b.kernel.FlushTable(table); err != nil {
		return fmt.Errorf("flushing table %d: %w", table, err)
	}

	overlay := kernel.Route{Dst: b.cfg.OverlayCIDR, Dev: b.cfg.OverlayInterface, Table: table}
	if err := b.kernel.AddRoute(overlay); err != nil {
		return fmt.Errorf("adding overlay route: %w", err)
	}

	if local, ok := b.localRoute(table); ok {
		if err := b.kernel.AddRoute(local); err != nil {
			return fmt.Errorf("adding local route: %w", err)
		}
	}

	def := kernel.Route{Dev: iface, Table: table}
	if err := b.kernel.AddRoute(def); err != nil {
		return fmt.Errorf("adding default route via %s: %w", iface, err)
	}
	return nil
}

func (b *Binder) localRoute(table int) (kernel.Route, bool) {
	gw, err := b.kernel.DefaultRoute()
	if err != nil || !gw.Gateway.IsValid() {
		b.log.Warn("no default gateway, skipping local subnet route", "table", table, "error", err)
		return kernel.Route{}, false
	}

	cidr := b.cfg.LocalCIDR
	if !cidr.IsValid() {
		subnets, err := b.discover(b.cfg.OverlayCIDR)
		if err != nil {
			b.log.Warn("discovering local subnets", "error", err)
		}
		var ok bool
		if cidr, ok = pickLocalSubnet(subnets, gw.Dev); !ok {
			b.log.Warn("no local subnet found, skipping local subnet route", "table", table)
			return kernel.Route{}, false
		}
	}

	return kernel.Route{Dst: cidr, Gateway: gw.Gateway, Dev: gw.Dev, Table: table}, true
}

func (b *Binder) ensureForward(ip netip.Addr, iface string) error {
	out := firewall.ForwardOut(b.cfg.OverlayInterface, iface, ip)
	in := firewall.ForwardIn(b.cfg.OverlayInterface, iface, ip)

	_, err := firewall.RemoveMatching(b.ipt, firewall.TableFilter, firewall.ChainForward, func(spec []string) bool {
		return b.deviceForwardRule(spec, ip) && !firewall.Equivalent(spec, out) && !firewall.Equivalent(spec, in)
	})
	if err != nil {
		return fmt.Errorf("removing stale forward rules for %s: %w", ip, err)
	}

	for _, spec := range [][]string{out, in} {
		if _, err := firewall.Ensure(b.ipt, firewall.TableFilter, firewall.ChainForward, spec...); err != nil {
			return fmt.Errorf("ensuring forward rule for %s: %w", ip, err)
		}
	}
	return nil
}

func (b *Binder) ensureDNS(ip netip.Addr, iface string) error {
	var want [][]string
	if dns, ok := b.tunnelDNS(iface); ok {
		for _, proto := range []string{"udp", "tcp"} {
			want = append(want, firewall.DNSRedirect(b.cfg.OverlayInterface, ip, proto, dns))
		}
	} else {
		b.log.Warn("no DNS server known for tunnel, skipping DNS interception", "ip", ip, "iface", iface)
	}

	_, err := firewall.RemoveMatching(b.ipt, firewall.TableNAT, firewall.ChainPrerouting, func(spec []string) bool {
		if !firewall.References(spec, ip) {
			return false
		}
		return !slices.ContainsFunc(want, func(w []string) bool { return firewall.Equivalent(w, spec) })
	})
	if err != nil {
		return fmt.Errorf("removing stale DNS rules for %s: %w", ip, err)
	}

	for _, spec := range want {
		if _, err := firewall.Ensure(b.ipt, firewall.TableNAT, firewall.ChainPrerouting, spec...); err != nil {
			return fmt.Errorf("ensuring DNS interception for %s: %w", ip, err)
		}
	}
	return nil
}

// tunnelDNS returns the first IPv4 resolver for iface.
func (b *Binder) tunnelDNS(iface string) (netip.Addr, bool) {
	if b.dns == nil {
		return netip.Addr{}, false
	}
	for _, s := range b.dns.DNSServers(iface) {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err == nil && addr.Is4() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// deviceForwardRule reports whether spec is a FORWARD rule this package
// would have installed for ip.
func (b *Binder) deviceForwardRule(spec []string, ip netip.Addr) bool {
	return firewall.References(spec, ip) && slices.Contains(spec, b.cfg.OverlayInterface)
}

// DisableDeviceRouting removes every piece of routing state for ip. Missing
// state is not an error, so it is safe to call for devices that were never
// bound or whose state was lost in a restart.
func (b *Binder) DisableDeviceRouting(ctx context.Context, ip netip.Addr) error {
	unlock := b.locks.Lock(ip.String())
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	host := kernel.HostPrefix(ip)
	var errs []error

	rules, err := b.kernel.Rules()
	if err != nil {
		errs = append(errs, fmt.Errorf("listing policy rules: %w", err))
	}
	for _, r := range rules {
		if r.Src != host || r.Dst.IsValid() {
			continue
		}
		if err := b.kernel.DeleteRule(r); err != nil {
			errs = append(errs, fmt.Errorf("deleting rule %s: %w", r, err))
			continue
		}
		if r.Table >= b.cfg.TableBase && r.Table != kernel.MainTable {
			if err := b.kernel.FlushTable(r.Table); err != nil {
				errs = append(errs, fmt.Errorf("flushing table %d: %w", r.Table, err))
			}
		}
	}
	if table, ok := b.alloc.Lookup(ip); ok {
		if err := b.kernel.FlushTable(table); err != nil {
			errs = append(errs, fmt.Errorf("flushing table %d: %w", table, err))
		}
	}

	refs := func(spec []string) bool { return firewall.References(spec, ip) }
	for _, chain := range []string{firewall.ChainPostrouting, firewall.ChainPrerouting} {
		if _, err := firewall.RemoveMatching(b.ipt, firewall.TableNAT, chain, refs); err != nil {
			errs = append(errs, fmt.Errorf("removing NAT rules for %s: %w", ip, err))
		}
	}

	tunnels, err := b.tunnelLinks()
	if err != nil {
		errs = append(errs, err)
	}
	for _, iface := range tunnels {
		for _, spec := range [][]string{
			firewall.ForwardOut(b.cfg.OverlayInterface, iface, ip),
			firewall.ForwardIn(b.cfg.OverlayInterface, iface, ip),
		} {
			if err := firewall.Remove(b.ipt, firewall.TableFilter, firewall.ChainForward, spec...); err != nil {
				errs = append(errs, err)
			}
		}
	}
	// Rules for tunnels whose link is already gone.
	_, err = firewall.RemoveMatching(b.ipt, firewall.TableFilter, firewall.ChainForward, func(spec []string) bool {
		return b.deviceForwardRule(spec, ip)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("removing forward rules for %s: %w", ip, err))
	}

	b.mu.Lock()
	iface := b.bound[ip]
	delete(b.bound, ip)
	b.mu.Unlock()

	if iface != "" {
		b.releaseMasquerade(iface)
	}
	b.alloc.Release(ip)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("disabling routing for %s: %w", ip, err)
	}

	b.log.Info("device routing disabled", "ip", ip, "iface", iface)
	return nil
}

// claimInterface ensures the masquerade rule on iface and records ip as
// bound to it, returning the interface ip was bound to before.
func (b *Binder) claimInterface(ip netip.Addr, iface string) (string, error) {
	unlock := b.locks.Lock(ifaceKey(iface))
	defer unlock()

	if _, err := firewall.Ensure(b.ipt, firewall.TableNAT, firewall.ChainPostrouting, firewall.Masquerade(iface)...); err != nil {
		return "", fmt.Errorf("ensuring masquerade on %s: %w", iface, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.bound[ip]
	b.bound[ip] = iface
	return prev, nil
}

// releaseMasquerade removes the masquerade rule on iface unless another
// bound device still uses it.
func (b *Binder) releaseMasquerade(iface string) {
	unlock := b.locks.Lock(ifaceKey(iface))
	defer unlock()

	b.mu.Lock()
	inUse := false
	for _, other := range b.bound {
		if other == iface {
			inUse = true
			break
		}
	}
	b.mu.Unlock()

	if inUse {
		return
	}
	if err := firewall.Remove(b.ipt, firewall.TableNAT, firewall.ChainPostrouting, firewall.Masquerade(iface)...); err != nil {
		b.log.Warn("removing masquerade rule", "iface", iface, "error", err)
	}
}

// RemoveInterfaceRules deletes the masquerade and forward rules that mention
// iface. Used after a tunnel has been torn down.
func (b *Binder) RemoveInterfaceRules(iface string) error {
	unlock := b.locks.Lock(ifaceKey(iface))
	defer unlock()

	var errs []error
	if err := firewall.Remove(b.ipt, firewall.TableNAT, firewall.ChainPostrouting, firewall.Masquerade(iface)...); err != nil {
		errs = append(errs, err)
	}
	_, err := firewall.RemoveMatching(b.ipt, firewall.TableFilter, firewall.ChainForward, func(spec []string) bool {
		return slices.Contains(spec, iface) && slices.Contains(spec, b.cfg.OverlayInterface)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("removing forward rules for %s: %w", iface, err))
	}
	return errors.Join(errs...)
}

// ifaceKey keeps interface locks apart from per-device locks.
func ifaceKey(iface string) string { return "iface/" + iface }

func (b *Binder) tunnelLinks() ([]string, error) {
	links, err := b.kernel.Links()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	var out []string
	for _, l := range links {
		if strings.HasPrefix(l, b.cfg.TunnelPrefix) {
			out = append(out, l)
		}
	}
	return out, nil
}

// TableFor returns the routing table allocated to ip.
func (b *Binder) TableFor(ip netip.Addr) (int, bool) {
	return b.alloc.Lookup(ip)
}

// RoutingInstalled reports whether ip is fully routed through iface: the
// policy rule points at its allocated table, the table's default route
// leaves through iface, and the masquerade and forward rules for iface
// exist. Deleting a link makes the kernel drop the routes through it while
// the policy rule survives, so the rule alone says nothing about the path.
func (b *Binder) RoutingInstalled(ctx context.Context, ip netip.Addr, iface string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	table, ok := b.alloc.Lookup(ip)
	if !ok {
		return false, nil
	}

	rules, err := b.kernel.Rules()
	if err != nil {
		return false, fmt.Errorf("listing policy rules: %w", err)
	}
	host := kernel.HostPrefix(ip)
	if !slices.ContainsFunc(rules, func(r kernel.Rule) bool {
		return r.Src == host && !r.Dst.IsValid() && r.Table == table
	}) {
		return false, nil
	}

	routes, err := b.kernel.Routes(table)
	if err != nil {
		return false, fmt.Errorf("listing routes in table %d: %w", table, err)
	}
	if !slices.ContainsFunc(routes, func(r kernel.Route) bool {
		return r.IsDefault() && r.Dev == iface
	}) {
		return false, nil
	}

	for _, rule := range []struct {
		table, chain string
		spec         []string
	}{
		{firewall.TableNAT, firewall.ChainPostrouting, firewall.Masquerade(iface)},
		{firewall.TableFilter, firewall.ChainForward, firewall.ForwardOut(b.cfg.OverlayInterface, iface, ip)},
		{firewall.TableFilter, firewall.ChainForward, firewall.ForwardIn(b.cfg.OverlayInterface, iface, ip)},
	} {
		ok, err := b.ipt.Exists(rule.table, rule.chain, rule.spec...)
		if err != nil {
			return false, fmt.Errorf("checking %s/%s rule: %w", rule.table, rule.chain, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Bound returns the tunnel interface of every bound device.
func (b *Binder) Bound() map[netip.Addr]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[netip.Addr]string, len(b.bound))
	for ip, iface := range b.bound {
		out[ip] = iface
	}
	return out
}

// IsIPForwardingEnabled reports whether IPv4 forwarding is on.
func (b *Binder) IsIPForwardingEnabled() (bool, error) {
	return b.fwd.IsIPForwardingEnabled()
}

// EnableIPForwarding turns on kernel packet forwarding.
func (b *Binder) EnableIPForwarding() error {
	return b.fwd.EnableIPForwarding()
}

// SetupBaseRules installs the single-tunnel masquerade and forward rules
// between overlay and tunnel.
func (b *Binder) SetupBaseRules(overlay, tunnel string) error {
	if b.base == nil {
		return errors.New("base rules are not configured")
	}
	if overlay == "" {
		overlay = b.cfg.OverlayInterface
	}
	if err := b.base.Setup(overlay, tunnel); err != nil {
		return fmt.Errorf("setting up base rules: %w", err)
	}
	return nil
}

// CleanupBaseRules removes the single-tunnel rules.
func (b *Binder) CleanupBaseRules() error {
	if b.base == nil {
		return nil
	}
	if err := b.base.Cleanup(); err != nil {
		return fmt.Errorf("cleaning up base rules: %w", err)
	}
	return nil
}
