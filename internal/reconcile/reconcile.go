// Package reconcile periodically converges kernel, tunnel, and remote
// device state toward the bindings recorded in the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuuji/regiongate/internal/metrics"
	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/remote"
	"github.com/kuuji/regiongate/internal/store"
	"github.com/kuuji/regiongate/internal/tailscale"
)

// Defaults for Config.
const (
	DefaultInterval         = 5 * time.Second
	DefaultDriftConcurrency = 8
)

// Store is the persisted desired state.
type Store interface {
	EnabledBindings() ([]store.DeviceBinding, error)
	Device(id string) (*store.Device, error)
	Region(id string) (*store.Region, error)
	PIACredentials() (store.Credentials, bool, error)
	ActiveRegionIDs() ([]string, error)
	Append(eventType, status, regionID, message string)
}

// Connections manages region tunnels.
type Connections interface {
	InterfaceName(regionID string) string
	IsLive(ctx context.Context, iface string) (bool, error)
	EnsureRegionConnection(ctx context.Context, region *store.Region, creds pia.Credentials) error
	CleanupUnusedConnections(ctx context.Context, keepRegionIDs []string) ([]string, error)
}

// Router manages per-device policy routing.
type Router interface {
	RoutingInstalled(ctx context.Context, ip netip.Addr, iface string) (bool, error)
	EnableDeviceRouting(ctx context.Context, ip netip.Addr, iface string) error
	RemoveInterfaceRules(iface string) error
}

// ExitNodes reads and sets exit nodes on remote devices.
type ExitNodes interface {
	GetExitNode(ctx context.Context, target string) remote.ExitNode
	SetExitNode(ctx context.Context, target, exitNodeIP string) remote.Result
}

// Host describes the local tailnet node.
type Host interface {
	Self(ctx context.Context) (tailscale.Self, error)
}

// Config tunes the loop.
type Config struct {
	Interval         time.Duration
	DriftConcurrency int
	// DriftCheck enables remote exit-node verification.
	DriftCheck bool
}

// Loop is the reconciliation loop.
type Loop struct {
	cfg     Config
	store   Store
	conns   Connections
	router  Router
	exits   ExitNodes
	host    Host
	metrics *metrics.Metrics
	log     *slog.Logger

	// gcMu is held exclusively while collecting unused tunnels and shared by
	// binding changes in flight (see HoldCollection).
	gcMu sync.RWMutex
}

// New creates a Loop. exits and host may be nil, which disables drift
// checks; m may be nil.
func New(cfg Config, st Store, conns Connections, router Router, exits ExitNodes, host Host, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DriftConcurrency <= 0 {
		cfg.DriftConcurrency = DefaultDriftConcurrency
	}
	return &Loop{
		cfg:     cfg,
		store:   st,
		conns:   conns,
		router:  router,
		exits:   exits,
		host:    host,
		metrics: m,
		log:     logger.With("component", "reconcile"),
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged and never stop
// the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("reconciliation loop started", "interval", l.cfg.Interval)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciliation loop stopped")
			return nil
		case <-ticker.C:
			l.safeTick(ctx)
		}
	}
}

func (l *Loop) safeTick(ctx context.Context) {
	start := time.Now()
	result := metrics.TickOK

	defer func() {
		if r := recover(); r != nil {
			l.log.Error("reconcile tick panicked", "panic", r, "stack", string(debug.Stack()))
			result = metrics.TickError
		}
		l.metrics.ObserveTick(result, time.Since(start))
	}()

	ran, err := l.Tick(ctx)
	switch {
	case err != nil:
		result = metrics.TickError
		if ctx.Err() == nil {
			l.log.Error("reconcile tick failed", "error", err)
		}
	case !ran:
		result = metrics.TickSkipped
	}
}

// target is one enabled binding resolved to a device IP and tunnel.
type target struct {
	device *store.Device
	ip     netip.Addr
	region string
	iface  string
}

// Tick runs one reconciliation pass. It reports false when the pass was
// skipped because no provider credentials are configured. Failures for
// individual devices and regions are logged and audited; only failures to
// read desired state are returned.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	creds, ok, err := l.store.PIACredentials()
	if err != nil {
		return false, fmt.Errorf("loading credentials: %w", err)
	}
	if !ok {
		l.log.Debug("no PIA credentials configured, skipping tick")
		return false, nil
	}

	bindings, err := l.store.EnabledBindings()
	if err != nil {
		return false, fmt.Errorf("loading bindings: %w", err)
	}
	l.metrics.SetBound(len(bindings))

	targets := l.resolve(bindings)
	failed, restored := l.ensureTunnels(ctx, targets, pia.Credentials(creds))

	for _, t := range targets {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		if failed[t.region] {
			continue
		}
		l.ensureRoute(ctx, t, restored[t.region])
	}

	l.checkDrift(ctx, targets, failed)
	l.CollectGarbage(ctx)

	return true, nil
}

// resolve turns bindings into targets, skipping stale references.
func (l *Loop) resolve(bindings []store.DeviceBinding) []target {
	var out []target
	for _, b := range bindings {
		regionID := b.Region()
		if regionID == "" {
			continue
		}
		dev, err := l.store.Device(b.DeviceID)
		if err != nil {
			l.log.Debug("skipping binding for unknown device", "device", b.DeviceID, "error", err)
			continue
		}
		ip, ok := dev.PrimaryIP()
		if !ok {
			l.log.Debug("skipping device without address", "device", b.DeviceID)
			continue
		}
		out = append(out, target{
			device: dev,
			ip:     ip,
			region: regionID,
			iface:  l.conns.InterfaceName(regionID),
		})
	}
	return out
}

// ensureTunnels brings up every region's tunnel once. It returns the
// regions whose tunnel could not be made live and the regions whose tunnel
// was reconnected.
func (l *Loop) ensureTunnels(ctx context.Context, targets []target, creds pia.Credentials) (failed, restored map[string]bool) {
	failed = make(map[string]bool)
	restored = make(map[string]bool)
	done := make(map[string]bool)
	up := 0

	for _, t := range targets {
		if done[t.region] {
			continue
		}
		done[t.region] = true

		live, err := l.conns.IsLive(ctx, t.iface)
		if err != nil {
			l.log.Warn("checking tunnel", "region", t.region, "iface", t.iface, "error", err)
		}
		if live {
			up++
			continue
		}

		region, err := l.store.Region(t.region)
		if err != nil {
			l.log.Debug("skipping unknown region", "region", t.region, "error", err)
			failed[t.region] = true
			continue
		}

		l.log.Info("tunnel down, reconnecting", "region", t.region, "iface", t.iface)
		if err := l.conns.EnsureRegionConnection(ctx, region, creds); err != nil {
			l.log.Error("reconnecting region", "region", t.region, "error", err)
			l.store.Append(store.EventReconcile, store.StatusError, t.region, fmt.Sprintf("reconnect failed: %v", err))
			failed[t.region] = true
			continue
		}
		up++
		restored[t.region] = true
		l.metrics.Repair(metrics.RepairTunnel)
		l.store.Append(store.EventReconcile, store.StatusSuccess, t.region, "tunnel reconnected")
	}

	l.metrics.SetTunnels(up)
	return failed, restored
}

// ensureRoute reinstalls t's routing when any part of it is missing. A
// reconnected tunnel always gets its devices rebuilt: the routes through the
// old link died with it.
func (l *Loop) ensureRoute(ctx context.Context, t target, reconnected bool) {
	if !reconnected {
		installed, err := l.router.RoutingInstalled(ctx, t.ip, t.iface)
		if err != nil {
			l.log.Warn("checking device routing", "device", t.device.ID, "ip", t.ip, "error", err)
		}
		if installed {
			return
		}
	}

	if err := l.router.EnableDeviceRouting(ctx, t.ip, t.iface); err != nil {
		l.log.Error("restoring device routing", "device", t.device.ID, "ip", t.ip, "error", err)
		l.store.Append(store.EventReconcile, store.StatusError, t.region,
			fmt.Sprintf("routing for %s failed: %v", t.device.Hostname, err))
		return
	}
	l.metrics.Repair(metrics.RepairRoute)
	l.log.Info("device routing restored", "device", t.device.ID, "ip", t.ip, "iface", t.iface)
}

// checkDrift verifies each eligible device still uses this host as its
// exit node. Checks run concurrently and are isolated from each other.
func (l *Loop) checkDrift(ctx context.Context, targets []target, failed map[string]bool) {
	if !l.cfg.DriftCheck || l.exits == nil || l.host == nil {
		return
	}

	self, err := l.host.Self(ctx)
	if err != nil {
		l.log.Debug("reading local tailscale status", "error", err)
		return
	}
	exitIP := self.IP()
	if !self.ExitNode || exitIP == "" {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.DriftConcurrency)
	for _, t := range targets {
		if failed[t.region] || !strings.EqualFold(t.device.OS, "linux") {
			continue
		}
		g.Go(func() error {
			l.checkDevice(gctx, t, exitIP)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loop) checkDevice(ctx context.Context, t target, exitIP string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("exit node check panicked", "device", t.device.ID, "panic", r)
		}
	}()

	addr := t.ip.String()
	current := l.exits.GetExitNode(ctx, addr)
	if !current.Known || current.IP == exitIP {
		return
	}

	l.log.Info("exit node drift detected", "device", t.device.ID, "current", current.IP, "want", exitIP)
	res := l.exits.SetExitNode(ctx, addr, exitIP)
	if !res.Success {
		l.log.Warn("restoring exit node", "device", t.device.ID, "error", res.Err)
		l.store.Append(store.EventExitNode, store.StatusError, t.region,
			fmt.Sprintf("restoring exit node on %s failed: %v", t.device.Hostname, res.Err))
		return
	}
	l.metrics.Repair(metrics.RepairExitNode)
	l.store.Append(store.EventExitNode, store.StatusSuccess, t.region,
		fmt.Sprintf("exit node restored on %s", t.device.Hostname))
}

// HoldCollection keeps CollectGarbage from running until release is
// called. Binding changes hold it from bringing a tunnel up until the
// binding is stored, so the tunnel is never collected in between.
func (l *Loop) HoldCollection() (release func()) {
	l.gcMu.RLock()
	return l.gcMu.RUnlock
}

// CollectGarbage tears down tunnels for regions nothing is bound to and
// returns the interfaces it removed.
func (l *Loop) CollectGarbage(ctx context.Context) []string {
	l.gcMu.Lock()
	defer l.gcMu.Unlock()

	keep, err := l.store.ActiveRegionIDs()
	if err != nil {
		l.log.Warn("loading active regions", "error", err)
		return nil
	}

	removed, err := l.conns.CleanupUnusedConnections(ctx, keep)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn("cleaning up unused tunnels", "error", err)
	}
	for _, iface := range removed {
		if err := l.router.RemoveInterfaceRules(iface); err != nil {
			l.log.Warn("removing rules for torn down tunnel", "iface", iface, "error", err)
		}
		l.metrics.Repair(metrics.RepairGC)
		l.log.Info("tore down unused tunnel", "iface", iface)
		l.store.Append(store.EventDisconnect, store.StatusSuccess, "", "unused tunnel "+iface+" removed")
	}
	return removed
}
