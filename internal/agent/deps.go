package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/kuuji/regiongate/internal/config"
	"github.com/kuuji/regiongate/internal/firewall"
	"github.com/kuuji/regiongate/internal/hostcmd"
	"github.com/kuuji/regiongate/internal/kernel"
	"github.com/kuuji/regiongate/internal/metrics"
	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/reconcile"
	"github.com/kuuji/regiongate/internal/remote"
	"github.com/kuuji/regiongate/internal/routing"
	"github.com/kuuji/regiongate/internal/store"
	"github.com/kuuji/regiongate/internal/tailscale"
	"github.com/kuuji/regiongate/internal/vpn"
)

// Store is the desired-state store. *store.Store satisfies it.
type Store interface {
	reconcile.Store

	Binding(deviceID string) (*store.DeviceBinding, error)
	AllBindings() ([]store.DeviceBinding, error)
	SetEnabled(deviceID string, enabled bool, regionID *string) error
	SetRegion(deviceID string, regionID *string) error
	ClearBinding(deviceID string) error
	DevicesByRegion(regionID string) ([]store.DeviceBinding, error)

	Devices() ([]store.Device, error)
	UpsertDevice(d store.Device) error
	Regions() ([]store.Region, error)
	UpsertRegion(r store.Region) error

	RecentLog(limit, offset int) ([]store.ConnectionLog, error)
	LogCount() (int64, error)
	SetPIACredentials(creds store.Credentials) error
	TailscaleAPIKey() (string, error)
	SetTailscaleAPIKey(key string) error
}

// Catalog is the VPN provider's region catalog and account API.
// *pia.Client satisfies it.
type Catalog interface {
	FetchRegions(ctx context.Context) ([]pia.Region, error)
	Token(ctx context.Context, creds pia.Credentials) (string, error)
}

// Inventory lists tailnet devices. *tailscale.Client satisfies it.
type Inventory interface {
	Devices(ctx context.Context) ([]tailscale.Device, error)
	Self(ctx context.Context) (tailscale.Self, error)
	ValidateAPIKey(ctx context.Context, apiKey string) error
}

// Connections manages region tunnels. *vpn.Manager satisfies it.
type Connections interface {
	reconcile.Connections

	ConnectRegion(ctx context.Context, regionID string) error
	DisconnectRegion(ctx context.Context, regionID string) error
	ActiveConnections(ctx context.Context) ([]vpn.Connection, error)
	InterfaceDetails(iface string) vpn.InterfaceDetails
}

// Router manages per-device policy routing. *routing.Binder satisfies it.
type Router interface {
	reconcile.Router

	DisableDeviceRouting(ctx context.Context, ip netip.Addr) error
	TableFor(ip netip.Addr) (int, bool)
	Bound() map[netip.Addr]string
	IsIPForwardingEnabled() (bool, error)
}

// ExitNodes configures exit nodes on remote devices.
// *remote.Configurator satisfies it.
type ExitNodes interface {
	reconcile.ExitNodes

	ClearExitNode(ctx context.Context, target string) remote.Result
	CheckConnectivity(ctx context.Context, target string) bool
}

// Deps holds every external dependency the Agent needs. Tests inject fakes
// for the components that require root privileges, a tailnet, or network
// access. Production code uses DefaultDeps.
type Deps struct {
	Store       Store
	Catalog     Catalog
	Inventory   Inventory
	Connections Connections
	Router      Router
	ExitNodes   ExitNodes
	Metrics     *metrics.Metrics
}

// DefaultDeps builds the production stack from cfg. The returned function
// releases the store and the WireGuard control handle.
func DefaultDeps(cfg *config.Config, logger *slog.Logger) (Deps, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return Deps{}, nil, err
	}
	closers := []func() error{st.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	piaClient, err := pia.New(pia.Config{
		ServerListURL: cfg.PIA.ServerListURL,
		TokenURL:      cfg.PIA.TokenURL,
		CAFile:        cfg.PIA.CAFile,
		Timeout:       cfg.PIA.Timeout.Duration,
	}, logger)
	if err != nil {
		closeAll()
		return Deps{}, nil, fmt.Errorf("creating provider client: %w", err)
	}
	closers = append(closers, func() error {
		piaClient.CloseIdleConnections()
		return nil
	})

	ipt, err := firewall.New()
	if err != nil {
		closeAll()
		return Deps{}, nil, err
	}

	runner := hostcmd.ExecRunner{}

	// Without the WireGuard control socket, telemetry comes from `wg show`.
	var stats vpn.WireGuardStats
	if wg, err := wgctrl.New(); err != nil {
		logger.Warn("WireGuard control socket unavailable, reading telemetry from wg show", "error", err)
		stats = &vpn.WGShow{Runner: runner}
	} else {
		stats = wg
		closers = append(closers, wg.Close)
	}

	k := kernel.NewNetlink()
	fwd := routing.Forwarding{}

	mgr := vpn.NewManager(vpn.Config{
		Prefix:     cfg.VPN.InterfacePrefix,
		ProfileDir: cfg.VPN.ProfileDir,
		DefaultDNS: cfg.VPN.DefaultDNS,
	}, &vpn.NMCLI{Runner: runner}, k, piaClient, fwd, st, stats, logger)

	routingCfg, err := RoutingConfig(cfg)
	if err != nil {
		closeAll()
		return Deps{}, nil, err
	}
	binder := routing.NewBinder(routingCfg, k, ipt, mgr, routing.NewNFTBaseRules(logger), logger)

	ssh := remote.NewSSH(remote.SSHConfig{
		User:                  cfg.Remote.User,
		KeyFile:               cfg.Remote.KeyFile,
		KnownHostsFile:        cfg.Remote.KnownHostsFile,
		TrustOnFirstUse:       cfg.Remote.TrustOnFirstUse,
		InsecureIgnoreHostKey: cfg.Remote.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.Remote.ConnectTimeout.Duration,
	}, logger)

	// A key stored through the control socket wins over the config file.
	apiKey := func() (string, error) {
		key, err := st.TailscaleAPIKey()
		if err != nil || key != "" {
			return key, err
		}
		return cfg.Overlay.APIKey, nil
	}
	inventory := tailscale.New(runner, logger).
		WithAPI(tailscale.NewAPI(cfg.Overlay.APIURL, cfg.Overlay.Tailnet, nil), apiKey)

	return Deps{
		Store:       st,
		Catalog:     piaClient,
		Inventory:   inventory,
		Connections: mgr,
		Router:      binder,
		ExitNodes:   remote.New(ssh, logger),
		Metrics:     metrics.New(),
	}, closeAll, nil
}

// RoutingConfig translates the routing-related config sections.
func RoutingConfig(cfg *config.Config) (routing.Config, error) {
	rc := routing.Config{
		OverlayInterface: cfg.Overlay.Interface,
		TableBase:        cfg.Routing.TableBase,
		RulePriorityBase: cfg.Routing.RulePriorityBase,
		TunnelPrefix:     cfg.VPN.InterfacePrefix,
	}
	if cfg.Overlay.CIDR != "" {
		p, err := netip.ParsePrefix(cfg.Overlay.CIDR)
		if err != nil {
			return routing.Config{}, fmt.Errorf("parsing overlay cidr %q: %w", cfg.Overlay.CIDR, err)
		}
		rc.OverlayCIDR = p.Masked()
	}
	if cfg.Routing.LocalCIDR != "" {
		p, err := netip.ParsePrefix(cfg.Routing.LocalCIDR)
		if err != nil {
			return routing.Config{}, fmt.Errorf("parsing local cidr %q: %w", cfg.Routing.LocalCIDR, err)
		}
		rc.LocalCIDR = p.Masked()
	}
	return rc, nil
}
