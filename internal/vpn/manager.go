// Package vpn manages one NetworkManager WireGuard connection per VPN
// region: creating, verifying, and tearing down the tunnel interfaces that
// devices are routed through.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/kuuji/regiongate/internal/kernel"
	"github.com/kuuji/regiongate/internal/keylock"
	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/store"
)

const persistentKeepalive = 25

// Registrar registers a WireGuard public key with a region's server.
// *pia.Client satisfies it.
type Registrar interface {
	Register(ctx context.Context, server pia.Server, creds pia.Credentials, pubKey string) (*pia.Registration, error)
}

// Forwarder enables kernel IP forwarding.
type Forwarder interface {
	EnableIPForwarding() error
}

// DesiredRegions lists regions referenced by enabled bindings.
// *store.Store satisfies it.
type DesiredRegions interface {
	ActiveRegionIDs() ([]string, error)
}

// Connection is a region whose tunnel is both desired and live.
type Connection struct {
	RegionID  string `json:"region_id"`
	Interface string `json:"interface"`
	Connected bool   `json:"connected"`
}

// Config configures a Manager.
type Config struct {
	// Prefix for interface names; DefaultPrefix when empty.
	Prefix string
	// ProfileDir holds NetworkManager keyfiles; DefaultProfileDir when empty.
	ProfileDir string
	// DefaultDNS is used when the provider hands out no DNS servers.
	DefaultDNS []string
}

// Manager owns the lifecycle of the per-region tunnel interfaces.
type Manager struct {
	nm        NetworkManager
	kernel    kernel.Client
	registrar Registrar
	forwarder Forwarder
	desired   DesiredRegions
	stats     WireGuardStats

	prefix     string
	profileDir string
	defaultDNS []string

	locks keylock.Map

	mu  sync.Mutex
	dns map[string][]string // iface -> DNS servers of the live tunnel

	log *slog.Logger
	now func() time.Time
}

// NewManager creates a Manager. stats may be nil, in which case telemetry
// always reports "N/A". If logger is nil, slog.Default() is used.
func NewManager(cfg Config, nm NetworkManager, k kernel.Client, reg Registrar, fwd Forwarder, desired DesiredRegions, stats WireGuardStats, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = DefaultProfileDir
	}
	return &Manager{
		nm:         nm,
		kernel:     k,
		registrar:  reg,
		forwarder:  fwd,
		desired:    desired,
		stats:      stats,
		prefix:     cfg.Prefix,
		profileDir: cfg.ProfileDir,
		defaultDNS: cfg.DefaultDNS,
		dns:        make(map[string][]string),
		log:        logger.With("component", "vpn"),
		now:        time.Now,
	}
}

// InterfaceName returns the tunnel interface name for regionID.
func (m *Manager) InterfaceName(regionID string) string {
	return InterfaceNameWithPrefix(m.prefix, regionID)
}

// IsLive reports whether iface is active in NetworkManager and present in
// the kernel.
func (m *Manager) IsLive(ctx context.Context, iface string) (bool, error) {
	live, err := m.LiveInterfaces(ctx)
	if err != nil {
		return false, err
	}
	return live[iface], nil
}

// LiveInterfaces returns the managed tunnel interfaces that NetworkManager
// reports active and whose kernel link exists.
func (m *Manager) LiveInterfaces(ctx context.Context) (map[string]bool, error) {
	names, err := m.activeNames(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(names))
	for _, name := range names {
		ok, err := m.kernel.LinkExists(name)
		if err != nil {
			return nil, err
		}
		if ok {
			live[name] = true
		}
	}
	return live, nil
}

// activeNames returns managed connection names NetworkManager reports
// active, regardless of whether the link exists.
func (m *Manager) activeNames(ctx context.Context) ([]string, error) {
	conns, err := m.nm.ActiveConnections(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, c := range conns {
		name := c.Device
		if name == "" {
			name = c.Name
		}
		if strings.HasPrefix(name, m.prefix) && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// EnsureRegionConnection makes the tunnel for region live. If it already
// is, nothing is done. Otherwise a fresh key is registered with the
// region's server, a profile is written, NetworkManager is reloaded, and
// the connection is brought up.
func (m *Manager) EnsureRegionConnection(ctx context.Context, region *store.Region, creds pia.Credentials) error {
	iface := m.InterfaceName(region.ID)
	unlock := m.locks.Lock(iface)
	defer unlock()

	log := m.log.With("region", region.ID, "iface", iface)

	live, err := m.IsLive(ctx, iface)
	if err != nil {
		return fmt.Errorf("checking %s: %w", iface, err)
	}
	if live {
		return nil
	}

	servers, err := pia.DecodeServers(region.Servers)
	if err != nil {
		return fmt.Errorf("region %s: %w", region.ID, err)
	}
	server, err := servers.WireGuard()
	if err != nil {
		return fmt.Errorf("region %s: %w", region.ID, err)
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating WireGuard key: %w", err)
	}

	reg, err := m.registrar.Register(ctx, server, creds, key.PublicKey().String())
	if err != nil {
		return fmt.Errorf("registering with %s: %w", server.CN, err)
	}

	dns := reg.DNSServers
	if len(dns) == 0 {
		dns = m.defaultDNS
	}

	profile := Profile{
		Name:          iface,
		UUID:          uuid.NewString(),
		PrivateKey:    key.String(),
		Address:       hostAddress(reg.PeerIP),
		DNS:           dns,
		PeerPublicKey: reg.ServerKey,
		Endpoint:      reg.Endpoint(),
		AllowedIPs:    "0.0.0.0/0",
		Keepalive:     persistentKeepalive,
	}
	path, err := WriteProfile(m.profileDir, profile)
	if err != nil {
		return err
	}
	log.Debug("wrote connection profile", "path", path)

	if err := m.nm.Reload(ctx); err != nil {
		return err
	}

	if err := m.connect(ctx, iface); err != nil {
		return err
	}

	m.mu.Lock()
	m.dns[iface] = dns
	m.mu.Unlock()

	log.Info("region connected", "endpoint", reg.Endpoint(), "peer_ip", reg.PeerIP)
	return nil
}

// ConnectRegion brings up an existing profile for regionID, enables IP
// forwarding, and installs the server bypass rule.
func (m *Manager) ConnectRegion(ctx context.Context, regionID string) error {
	iface := m.InterfaceName(regionID)
	unlock := m.locks.Lock(iface)
	defer unlock()
	return m.connect(ctx, iface)
}

func (m *Manager) connect(ctx context.Context, iface string) error {
	if err := m.nm.Up(ctx, iface); err != nil {
		return err
	}
	if err := m.forwarder.EnableIPForwarding(); err != nil {
		return fmt.Errorf("enabling IP forwarding: %w", err)
	}

	server, ok := m.serverIP(iface)
	if !ok {
		m.log.Warn("no server endpoint in profile, skipping bypass rule", "iface", iface)
		return nil
	}
	prio, err := ensureBypass(m.kernel, server)
	if err != nil {
		return fmt.Errorf("bypass rule for %s: %w", server, err)
	}
	m.log.Debug("server bypass rule installed", "iface", iface, "server", server, "priority", prio)
	return nil
}

// DisconnectRegion brings the region's connection down, deletes its
// profile, and removes its server bypass rule.
func (m *Manager) DisconnectRegion(ctx context.Context, regionID string) error {
	return m.disconnectInterface(ctx, m.InterfaceName(regionID))
}

func (m *Manager) disconnectInterface(ctx context.Context, iface string) error {
	unlock := m.locks.Lock(iface)
	defer unlock()

	// The endpoint is read before the profile is removed.
	server, hasServer := m.serverIP(iface)

	var errs []error
	if err := m.nm.Down(ctx, iface); err != nil {
		errs = append(errs, err)
	}
	if err := m.nm.Delete(ctx, iface); err != nil {
		errs = append(errs, err)
	}
	if err := RemoveProfile(m.profileDir, iface); err != nil {
		errs = append(errs, err)
	}
	if hasServer {
		if err := removeBypass(m.kernel, server); err != nil {
			errs = append(errs, fmt.Errorf("removing bypass rule for %s: %w", server, err))
		}
	}

	m.mu.Lock()
	delete(m.dns, iface)
	m.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("disconnecting %s: %w", iface, err)
	}
	m.log.Info("region disconnected", "iface", iface)
	return nil
}

// ActiveConnections returns regions that are referenced by an enabled
// binding and whose tunnel is live.
func (m *Manager) ActiveConnections(ctx context.Context) ([]Connection, error) {
	ids, err := m.desired.ActiveRegionIDs()
	if err != nil {
		return nil, err
	}
	live, err := m.LiveInterfaces(ctx)
	if err != nil {
		return nil, err
	}

	var conns []Connection
	for _, id := range ids {
		iface := m.InterfaceName(id)
		if live[iface] {
			conns = append(conns, Connection{RegionID: id, Interface: iface, Connected: true})
		}
	}
	return conns, nil
}

// CleanupUnusedConnections tears down every managed connection whose
// interface does not belong to one of keepRegionIDs. It returns the
// interfaces that were torn down.
func (m *Manager) CleanupUnusedConnections(ctx context.Context, keepRegionIDs []string) ([]string, error) {
	keep := make(map[string]bool, len(keepRegionIDs))
	for _, id := range keepRegionIDs {
		keep[m.InterfaceName(id)] = true
	}

	names, err := m.activeNames(ctx)
	if err != nil {
		return nil, err
	}

	var (
		removed []string
		errs    []error
	)
	for _, iface := range names {
		if keep[iface] {
			continue
		}
		if err := m.disconnectInterface(ctx, iface); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, iface)
	}
	return removed, errors.Join(errs...)
}

// InterfaceDetails returns telemetry for iface, or "N/A" defaults.
func (m *Manager) InterfaceDetails(iface string) InterfaceDetails {
	return readDetails(m.stats, iface, m.now())
}

// DNSServers returns the DNS servers handed out for iface's tunnel. After
// a restart they are recovered from the profile on disk.
func (m *Manager) DNSServers(iface string) []string {
	m.mu.Lock()
	dns, ok := m.dns[iface]
	m.mu.Unlock()
	if ok {
		return dns
	}

	p, err := ReadProfile(m.profileDir, iface)
	if err != nil || len(p.DNS) == 0 {
		return m.defaultDNS
	}
	m.mu.Lock()
	m.dns[iface] = p.DNS
	m.mu.Unlock()
	return p.DNS
}

// serverIP returns the tunnel server address from iface's profile.
func (m *Manager) serverIP(iface string) (netip.Addr, bool) {
	p, err := ReadProfile(m.profileDir, iface)
	if err != nil || p.Endpoint == "" {
		return netip.Addr{}, false
	}
	host, _, err := net.SplitHostPort(p.Endpoint)
	if err != nil {
		host = p.Endpoint
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func hostAddress(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	return ip + "/32"
}
