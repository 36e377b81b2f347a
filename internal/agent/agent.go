// Package agent is the top-level orchestrator that ties together the
// desired-state store, region tunnels, per-device routing, and remote
// exit-node configuration.
//
// The agent manages the full lifecycle:
//  1. Seed provider credentials from the config file if none are stored
//  2. Refresh the device inventory and, on first start, the region catalog
//  3. Run the reconciliation loop until the context is cancelled
//  4. Serve the operations behind the control socket (bind, unbind, region
//     selection, device checks, region reconnects, inventory and catalog
//     refresh, settings, status, audit log)
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/kuuji/regiongate/internal/config"
	"github.com/kuuji/regiongate/internal/control"
	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/reconcile"
	"github.com/kuuji/regiongate/internal/remote"
	"github.com/kuuji/regiongate/internal/store"
)

// ShutdownGrace bounds how long Run waits for the reconciliation loop to
// finish its current tick after cancellation.
const ShutdownGrace = 10 * time.Second

// Errors returned by device operations. They wrap the control error classes
// so the control socket maps them to 400/404.
var (
	ErrDeviceNotFound = fmt.Errorf("device %w", control.ErrNotFound)
	ErrRegionNotFound = fmt.Errorf("region %w", control.ErrNotFound)
	ErrNoRegion       = fmt.Errorf("%w: select a region for this device first", control.ErrInvalid)
	ErrNoCredentials  = fmt.Errorf("%w: PIA credentials not configured", control.ErrInvalid)
	ErrNoIP           = fmt.Errorf("%w: device has no IP addresses", control.ErrInvalid)
	ErrAutoManaged    = fmt.Errorf("%w: routing for this device is managed automatically", control.ErrInvalid)
	ErrRegionInUse    = fmt.Errorf("%w: disable routing before clearing the region", control.ErrInvalid)
)

// maskedKey stands in for a stored secret in responses.
const maskedKey = "********"

// autoManagedOS lists device platforms whose exit node is chosen in the
// Tailscale app rather than through per-device bindings.
var autoManagedOS = []string{"macos", "ios"}

// Agent serves device operations and owns the reconciliation loop.
type Agent struct {
	cfg  *config.Config
	deps Deps
	loop *reconcile.Loop
	log  *slog.Logger

	now     func() time.Time
	started time.Time // set once in New; read concurrently by Status
	grace   time.Duration
}

var _ control.Backend = (*Agent)(nil)

// New creates a new Agent with the given configuration and dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var (
		exits reconcile.ExitNodes
		host  reconcile.Host
	)
	if deps.ExitNodes != nil {
		exits = deps.ExitNodes
	}
	if deps.Inventory != nil {
		host = deps.Inventory
	}

	loop := reconcile.New(reconcile.Config{
		Interval:         cfg.Reconcile.Interval.Duration,
		DriftConcurrency: cfg.Reconcile.DriftConcurrency,
		DriftCheck:       cfg.Reconcile.DriftCheck,
	}, deps.Store, deps.Connections, deps.Router, exits, host, deps.Metrics, logger)

	a := &Agent{
		cfg:   cfg,
		deps:  deps,
		loop:  loop,
		log:   logger.With("component", "agent"),
		now:   time.Now,
		grace: ShutdownGrace,
	}
	a.started = a.now()
	return a
}

// Run prepares the store and blocks running the reconciliation loop until
// ctx is cancelled. Startup refresh failures are logged, not returned: the
// loop converges whatever state is already stored.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.seedCredentials(); err != nil {
		a.log.Warn("seeding credentials from config", "error", err)
	}
	if _, err := a.SyncDevices(ctx); err != nil {
		a.log.Warn("initial device sync failed", "error", err)
	}
	if regions, err := a.deps.Store.Regions(); err == nil && len(regions) == 0 {
		if _, err := a.RefreshRegions(ctx); err != nil {
			a.log.Warn("initial region refresh failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.loop.Run(ctx)
	}()

	a.log.Info("agent started",
		"overlay", a.cfg.Overlay.Interface,
		"interval", a.cfg.Reconcile.Interval.Duration,
	)

	<-ctx.Done()
	a.log.Info("shutting down agent")

	timer := time.NewTimer(a.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.log.Warn("reconciliation loop did not stop in time", "grace", a.grace)
	}
	return nil
}

// seedCredentials stores the config file's provider credentials when the
// store has none.
func (a *Agent) seedCredentials() error {
	if a.cfg.PIA.Username == "" || a.cfg.PIA.Password == "" {
		return nil
	}
	_, ok, err := a.deps.Store.PIACredentials()
	if err != nil || ok {
		return err
	}
	a.log.Info("storing provider credentials from config", "username", a.cfg.PIA.Username)
	return a.deps.Store.SetPIACredentials(store.Credentials{
		Username: a.cfg.PIA.Username,
		Password: a.cfg.PIA.Password,
	})
}

// BindDevice brings up region's tunnel and routes ip through it. It returns
// the tunnel interface.
func (a *Agent) BindDevice(ctx context.Context, ip netip.Addr, region *store.Region, creds pia.Credentials) (string, error) {
	if err := a.deps.Connections.EnsureRegionConnection(ctx, region, creds); err != nil {
		return "", fmt.Errorf("connecting to region %s: %w", region.Name, err)
	}
	iface := a.deps.Connections.InterfaceName(region.ID)
	if err := a.deps.Router.EnableDeviceRouting(ctx, ip, iface); err != nil {
		return "", fmt.Errorf("routing %s through %s: %w", ip, iface, err)
	}
	return iface, nil
}

// storeAndBind records a binding change with save and then applies it with
// BindDevice. Tunnel collection is held off for the whole exchange so a tick
// never sees the new tunnel without the binding that keeps it. If binding
// fails, undo restores the previous binding.
func (a *Agent) storeAndBind(ctx context.Context, ip netip.Addr, region *store.Region, creds pia.Credentials, save, undo func() error) error {
	release := a.loop.HoldCollection()
	defer release()

	if err := save(); err != nil {
		return err
	}
	if _, err := a.BindDevice(ctx, ip, region, creds); err != nil {
		if uerr := undo(); uerr != nil {
			a.log.Error("restoring binding after failed bind", "ip", ip, "region", region.ID, "error", uerr)
		}
		return err
	}
	return nil
}

// releaseRegion tears down regionID's tunnel right away when no enabled
// device uses it any more, instead of waiting for the next tick.
func (a *Agent) releaseRegion(ctx context.Context, regionID string) {
	if regionID == "" {
		return
	}
	users, err := a.deps.Store.DevicesByRegion(regionID)
	if err != nil {
		a.log.Warn("listing region users", "region", regionID, "error", err)
		return
	}
	if len(users) > 0 {
		return
	}
	if removed := a.loop.CollectGarbage(ctx); len(removed) > 0 {
		a.log.Info("released unused tunnels", "region", regionID, "interfaces", removed)
	}
}

// EnableDevice routes a device through its selected region and, for Linux
// devices, points the device's exit node at this host over SSH.
func (a *Agent) EnableDevice(ctx context.Context, deviceID string) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("enable_device", err) }()

	dev, ip, err := a.routableDevice(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}

	regionID, err := a.bindingRegion(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	if regionID == "" {
		return control.ActionResult{}, ErrNoRegion
	}
	region, err := a.region(regionID)
	if err != nil {
		return control.ActionResult{}, err
	}
	creds, err := a.credentials()
	if err != nil {
		return control.ActionResult{}, err
	}

	wasEnabled, err := a.enabled(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	err = a.storeAndBind(ctx, ip, region, creds,
		func() error { return a.deps.Store.SetEnabled(deviceID, true, nil) },
		func() error {
			if wasEnabled {
				return nil
			}
			return a.deps.Store.SetEnabled(deviceID, false, nil)
		})
	if err != nil {
		a.deps.Store.Append(store.EventDeviceRouting, store.StatusError, region.ID,
			fmt.Sprintf("Failed to enable routing for device %s: %v", dev.Hostname, err))
		return control.ActionResult{}, err
	}

	a.deps.Store.Append(store.EventDeviceRouting, store.StatusSuccess, region.ID,
		fmt.Sprintf("Routing enabled for device %s (%s)", dev.Hostname, ip))
	a.log.Info("routing enabled", "device", dev.Hostname, "ip", ip, "region", region.ID)

	msg := a.pushExitNode(ctx, dev, ip)
	view, err := a.device(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	return control.ActionResult{Success: true, Message: msg, Device: &view}, nil
}

// pushExitNode points a Linux device at this host and returns the message
// for the user, including the manual command when automation is not
// possible.
func (a *Agent) pushExitNode(ctx context.Context, dev *store.Device, ip netip.Addr) string {
	msg := "Routing enabled for device " + dev.Hostname

	hostIP, ok := a.exitNodeIP(ctx)
	if !ok {
		return msg + ". Warning: this host is not advertising as an exit node"
	}
	manual := remote.SetExitNodeCommand(hostIP)

	if dev.OS != "linux" || a.deps.ExitNodes == nil {
		return fmt.Sprintf("%s. Run this command on %s: %s", msg, dev.Hostname, manual)
	}

	r := a.deps.ExitNodes.SetExitNode(ctx, ip.String(), hostIP)
	if !r.Success {
		a.log.Warn("setting exit node over SSH failed", "device", dev.Hostname, "error", r.Err)
		a.deps.Store.Append(store.EventExitNode, store.StatusError, "",
			fmt.Sprintf("Failed to set exit node on %s: %v", dev.Hostname, r.Err))
		return fmt.Sprintf("%s. SSH failed (%v). Run manually on %s: %s", msg, r.Err, dev.Hostname, manual)
	}
	a.deps.Store.Append(store.EventExitNode, store.StatusSuccess, "",
		fmt.Sprintf("Exit node set to %s on %s", hostIP, dev.Hostname))
	return "Routing enabled and exit node configured automatically for " + dev.Hostname
}

// DisableDevice removes a device's routing and, for Linux devices, clears
// its exit node over SSH.
func (a *Agent) DisableDevice(ctx context.Context, deviceID string) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("disable_device", err) }()

	dev, ip, err := a.routableDevice(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	wasEnabled, err := a.enabled(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	regionID, err := a.bindingRegion(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}

	// The binding is cleared first so a tick cannot restore the routing
	// being removed.
	if err := a.deps.Store.SetEnabled(deviceID, false, nil); err != nil {
		return control.ActionResult{}, err
	}
	if err := a.deps.Router.DisableDeviceRouting(ctx, ip); err != nil {
		if wasEnabled {
			if uerr := a.deps.Store.SetEnabled(deviceID, true, nil); uerr != nil {
				a.log.Error("restoring binding after failed disable", "device", dev.Hostname, "error", uerr)
			}
		}
		a.deps.Store.Append(store.EventDeviceRouting, store.StatusError, "",
			fmt.Sprintf("Failed to disable routing for device %s: %v", dev.Hostname, err))
		return control.ActionResult{}, fmt.Errorf("disabling routing for %s: %w", ip, err)
	}
	a.releaseRegion(ctx, regionID)

	a.deps.Store.Append(store.EventDeviceRouting, store.StatusSuccess, "",
		fmt.Sprintf("Routing disabled for device %s (%s)", dev.Hostname, ip))
	a.log.Info("routing disabled", "device", dev.Hostname, "ip", ip)

	msg := "Routing disabled for device " + dev.Hostname
	if _, ok := a.exitNodeIP(ctx); ok && dev.OS == "linux" {
		r := remote.Result{}
		if a.deps.ExitNodes != nil {
			r = a.deps.ExitNodes.ClearExitNode(ctx, ip.String())
		}
		if r.Success {
			msg = "Routing disabled and exit node cleared for " + dev.Hostname
		} else {
			msg += fmt.Sprintf(". Run this on %s to clear exit node: %s", dev.Hostname, remote.ClearExitNodeCommand)
		}
	}

	view, err := a.device(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	return control.ActionResult{Success: true, Message: msg, Device: &view}, nil
}

// SetDeviceRegion selects the region a device routes through. When routing
// is already enabled the device is moved to the new region's tunnel and the
// old tunnel is torn down if nothing else uses it. An empty regionID clears
// the selection of a disabled device.
func (a *Agent) SetDeviceRegion(ctx context.Context, deviceID, regionID string) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("set_region", err) }()

	dev, err := a.managedDevice(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	enabled, err := a.enabled(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}

	if regionID == "" {
		if enabled {
			return control.ActionResult{}, ErrRegionInUse
		}
		if err := a.deps.Store.ClearBinding(deviceID); err != nil {
			return control.ActionResult{}, err
		}
		a.deps.Store.Append(store.EventDeviceRegion, store.StatusSuccess, "",
			"Region cleared for device "+dev.Hostname)
		view, err := a.device(deviceID)
		if err != nil {
			return control.ActionResult{}, err
		}
		return control.ActionResult{Success: true, Message: "Region cleared for device " + dev.Hostname, Device: &view}, nil
	}

	region, err := a.region(regionID)
	if err != nil {
		return control.ActionResult{}, err
	}

	if enabled {
		creds, err := a.credentials()
		if err != nil {
			return control.ActionResult{}, err
		}
		ip, ok := dev.PrimaryIP()
		if !ok {
			return control.ActionResult{}, ErrNoIP
		}
		oldRegion, err := a.bindingRegion(deviceID)
		if err != nil {
			return control.ActionResult{}, err
		}
		err = a.storeAndBind(ctx, ip, region, creds,
			func() error { return a.deps.Store.SetRegion(deviceID, &region.ID) },
			func() error {
				if oldRegion == "" {
					return a.deps.Store.SetRegion(deviceID, nil)
				}
				return a.deps.Store.SetRegion(deviceID, &oldRegion)
			})
		if err != nil {
			a.deps.Store.Append(store.EventDeviceRegion, store.StatusError, region.ID,
				fmt.Sprintf("Failed to move device %s to %s: %v", dev.Hostname, region.Name, err))
			return control.ActionResult{}, err
		}
		a.log.Info("device moved to region", "device", dev.Hostname, "from", oldRegion, "region", region.ID)
		if oldRegion != region.ID {
			a.releaseRegion(ctx, oldRegion)
		}
	} else if err := a.deps.Store.SetRegion(deviceID, &region.ID); err != nil {
		return control.ActionResult{}, err
	}

	msg := fmt.Sprintf("Region set to %s for device %s", region.Name, dev.Hostname)
	a.deps.Store.Append(store.EventDeviceRegion, store.StatusSuccess, region.ID, msg)

	view, err := a.device(deviceID)
	if err != nil {
		return control.ActionResult{}, err
	}
	return control.ActionResult{Success: true, Message: msg, Device: &view}, nil
}

// CheckDevice reports whether a device accepts remote commands and which
// exit node it currently uses.
func (a *Agent) CheckDevice(ctx context.Context, deviceID string) (check control.DeviceCheck, err error) {
	defer func() { a.deps.Metrics.Operation("check_device", err) }()

	dev, ip, err := a.routableDevice(deviceID)
	if err != nil {
		return control.DeviceCheck{}, err
	}
	check = control.DeviceCheck{DeviceID: dev.ID, Hostname: dev.Hostname}
	if want, ok := a.exitNodeIP(ctx); ok {
		check.WantExitNode = want
	}
	if a.deps.ExitNodes == nil {
		check.Message = "Remote configuration is not available"
		return check, nil
	}

	check.Reachable = a.deps.ExitNodes.CheckConnectivity(ctx, ip.String())
	if check.Reachable {
		current := a.deps.ExitNodes.GetExitNode(ctx, ip.String())
		check.ExitNodeKnown = current.Known
		check.ExitNode = current.IP
	}

	switch {
	case !check.Reachable:
		check.Message = fmt.Sprintf("%s is not reachable over SSH", dev.Hostname)
	case !check.ExitNodeKnown:
		check.Message = fmt.Sprintf("Could not read the exit node of %s", dev.Hostname)
	case check.ExitNode == "":
		check.Message = fmt.Sprintf("%s has no exit node set", dev.Hostname)
	case check.WantExitNode == "":
		check.Message = fmt.Sprintf("%s uses exit node %s; this host is not advertising as an exit node", dev.Hostname, check.ExitNode)
	case check.ExitNode == check.WantExitNode:
		check.Message = fmt.Sprintf("%s uses this host as its exit node", dev.Hostname)
	default:
		check.Message = fmt.Sprintf("%s uses exit node %s, not this host (%s)", dev.Hostname, check.ExitNode, check.WantExitNode)
	}
	return check, nil
}

// ReconnectRegion restarts a region's tunnel and rebuilds the routing of
// every enabled device that uses it. The existing profile is reactivated
// first; if that fails the tunnel is torn down and registered again with a
// fresh key.
func (a *Agent) ReconnectRegion(ctx context.Context, regionID string) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("reconnect_region", err) }()

	region, err := a.region(regionID)
	if err != nil {
		return control.ActionResult{}, err
	}
	users, err := a.deps.Store.DevicesByRegion(region.ID)
	if err != nil {
		return control.ActionResult{}, err
	}
	if len(users) == 0 {
		return control.ActionResult{}, fmt.Errorf("%w: no enabled device uses region %s", control.ErrInvalid, region.ID)
	}
	creds, err := a.credentials()
	if err != nil {
		return control.ActionResult{}, err
	}

	release := a.loop.HoldCollection()
	defer release()

	iface := a.deps.Connections.InterfaceName(region.ID)
	if err := a.deps.Connections.ConnectRegion(ctx, region.ID); err != nil {
		a.log.Warn("reactivating tunnel failed, registering again", "region", region.ID, "error", err)
		if err := a.deps.Connections.DisconnectRegion(ctx, region.ID); err != nil {
			a.log.Debug("tearing down tunnel", "region", region.ID, "error", err)
		}
		if err := a.deps.Router.RemoveInterfaceRules(iface); err != nil {
			a.log.Debug("removing interface rules", "iface", iface, "error", err)
		}
		if err := a.deps.Connections.EnsureRegionConnection(ctx, region, creds); err != nil {
			a.deps.Store.Append(store.EventConnect, store.StatusError, region.ID,
				fmt.Sprintf("Failed to reconnect %s: %v", region.Name, err))
			return control.ActionResult{}, fmt.Errorf("reconnecting region %s: %w", region.Name, err)
		}
	}

	var failed []string
	for _, b := range users {
		dev, err := a.deps.Store.Device(b.DeviceID)
		if err != nil {
			failed = append(failed, b.DeviceID)
			continue
		}
		ip, ok := dev.PrimaryIP()
		if !ok {
			failed = append(failed, dev.Hostname)
			continue
		}
		if err := a.deps.Router.EnableDeviceRouting(ctx, ip, iface); err != nil {
			a.log.Error("restoring device routing", "device", dev.Hostname, "iface", iface, "error", err)
			failed = append(failed, dev.Hostname)
		}
	}

	msg := fmt.Sprintf("Reconnected %s for %d devices", region.Name, len(users)-len(failed))
	status := store.StatusSuccess
	if len(failed) > 0 {
		msg += fmt.Sprintf("; routing failed for %s", strings.Join(failed, ", "))
		status = store.StatusError
	}
	a.deps.Store.Append(store.EventConnect, status, region.ID, msg)
	a.log.Info("region reconnected", "region", region.ID, "devices", len(users), "failed", len(failed))
	return control.ActionResult{Success: len(failed) == 0, Message: msg}, nil
}

// SyncDevices refreshes the stored inventory from the tailnet.
func (a *Agent) SyncDevices(ctx context.Context) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("sync_devices", err) }()

	devices, err := a.deps.Inventory.Devices(ctx)
	if err != nil {
		a.deps.Store.Append(store.EventDevicesSync, store.StatusError, "", err.Error())
		return control.ActionResult{}, fmt.Errorf("listing tailnet devices: %w", err)
	}

	for _, d := range devices {
		row := store.Device{
			ID:          d.ID,
			Hostname:    d.Hostname,
			IPAddresses: store.EncodeIPs(d.IPs),
			OS:          d.OS,
			Online:      d.Online,
		}
		if !d.LastSeen.IsZero() {
			seen := d.LastSeen
			row.LastSeen = &seen
		}
		if err := a.deps.Store.UpsertDevice(row); err != nil {
			return control.ActionResult{}, err
		}
	}

	msg := fmt.Sprintf("Synced %d devices", len(devices))
	a.deps.Store.Append(store.EventDevicesSync, store.StatusSuccess, "", msg)
	a.log.Info("device inventory synced", "count", len(devices))
	return control.ActionResult{Success: true, Message: msg}, nil
}

// RefreshRegions replaces the stored catalog entries with the provider's
// current WireGuard regions.
func (a *Agent) RefreshRegions(ctx context.Context) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("refresh_regions", err) }()

	regions, err := a.deps.Catalog.FetchRegions(ctx)
	if err != nil {
		a.deps.Store.Append(store.EventRegionsSync, store.StatusError, "", err.Error())
		return control.ActionResult{}, fmt.Errorf("fetching region catalog: %w", err)
	}

	for _, r := range regions {
		if err := a.deps.Store.UpsertRegion(store.Region{
			ID:          r.ID,
			Name:        r.Name,
			Country:     r.Country,
			DNS:         r.DNS,
			PortForward: r.PortForward,
			Geo:         r.Geo,
			Servers:     string(r.Servers),
		}); err != nil {
			return control.ActionResult{}, err
		}
	}

	msg := fmt.Sprintf("Refreshed %d regions", len(regions))
	a.deps.Store.Append(store.EventRegionsSync, store.StatusSuccess, "", msg)
	a.log.Info("region catalog refreshed", "count", len(regions))
	return control.ActionResult{Success: true, Message: msg}, nil
}

// SetCredentials validates provider credentials by requesting a token and
// stores them.
func (a *Agent) SetCredentials(ctx context.Context, creds control.Credentials) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("set_credentials", err) }()

	if creds.Username == "" || creds.Password == "" {
		return control.ActionResult{}, fmt.Errorf("%w: username and password are required", control.ErrInvalid)
	}
	if _, err := a.deps.Catalog.Token(ctx, pia.Credentials{Username: creds.Username, Password: creds.Password}); err != nil {
		return control.ActionResult{}, fmt.Errorf("%w: validating credentials: %w", control.ErrInvalid, err)
	}
	if err := a.deps.Store.SetPIACredentials(store.Credentials{Username: creds.Username, Password: creds.Password}); err != nil {
		return control.ActionResult{}, err
	}
	a.log.Info("provider credentials updated", "username", creds.Username)
	return control.ActionResult{Success: true, Message: "Credentials saved"}, nil
}

// TailscaleSettings reports whether a Tailscale API key is configured,
// either stored or from the config file.
func (a *Agent) TailscaleSettings(ctx context.Context) (control.TailscaleSettings, error) {
	key, err := a.deps.Store.TailscaleAPIKey()
	if err != nil {
		return control.TailscaleSettings{}, err
	}
	if key == "" {
		key = a.cfg.Overlay.APIKey
	}
	if key == "" {
		return control.TailscaleSettings{}, nil
	}
	return control.TailscaleSettings{Configured: true, APIKey: maskedKey}, nil
}

// SetTailscaleAPIKey validates apiKey against the Tailscale API and stores
// it. Later inventory syncs use the API instead of the local CLI.
func (a *Agent) SetTailscaleAPIKey(ctx context.Context, apiKey string) (res control.ActionResult, err error) {
	defer func() { a.deps.Metrics.Operation("set_tailscale_key", err) }()

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return control.ActionResult{}, fmt.Errorf("%w: api key is required", control.ErrInvalid)
	}
	if err := a.deps.Inventory.ValidateAPIKey(ctx, apiKey); err != nil {
		a.deps.Store.Append(store.EventConfig, store.StatusError, "",
			fmt.Sprintf("Failed to save Tailscale API key: %v", err))
		return control.ActionResult{}, fmt.Errorf("%w: validating API key: %w", control.ErrInvalid, err)
	}
	if err := a.deps.Store.SetTailscaleAPIKey(apiKey); err != nil {
		return control.ActionResult{}, err
	}
	a.deps.Store.Append(store.EventConfig, store.StatusSuccess, "", "Tailscale API key saved")
	a.log.Info("tailscale API key updated")
	return control.ActionResult{Success: true, Message: "Tailscale API key saved"}, nil
}

// Devices lists the stored inventory with each device's binding.
func (a *Agent) Devices(ctx context.Context) ([]control.Device, error) {
	devices, err := a.deps.Store.Devices()
	if err != nil {
		return nil, err
	}
	bindings, err := a.deps.Store.AllBindings()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.DeviceBinding, len(bindings))
	for _, b := range bindings {
		byID[b.DeviceID] = b
	}

	out := make([]control.Device, 0, len(devices))
	for _, d := range devices {
		var b *store.DeviceBinding
		if bb, ok := byID[d.ID]; ok {
			b = &bb
		}
		out = append(out, a.view(d, b))
	}
	return out, nil
}

// Regions lists the stored catalog, marking regions whose tunnel is up.
func (a *Agent) Regions(ctx context.Context) ([]control.Region, error) {
	regions, err := a.deps.Store.Regions()
	if err != nil {
		return nil, err
	}

	connected := make(map[string]bool)
	if conns, err := a.deps.Connections.ActiveConnections(ctx); err != nil {
		a.log.Debug("listing active connections", "error", err)
	} else {
		for _, c := range conns {
			connected[c.RegionID] = c.Connected
		}
	}

	out := make([]control.Region, 0, len(regions))
	for _, r := range regions {
		out = append(out, control.Region{
			ID:          r.ID,
			Name:        r.Name,
			Country:     r.Country,
			PortForward: r.PortForward,
			Geo:         r.Geo,
			Connected:   connected[r.ID],
		})
	}
	return out, nil
}

// Status summarizes the host, its live tunnels, and bound devices.
func (a *Agent) Status(ctx context.Context) (control.Status, error) {
	conns, err := a.deps.Connections.ActiveConnections(ctx)
	if err != nil {
		return control.Status{}, fmt.Errorf("listing active connections: %w", err)
	}

	bound := a.deps.Router.Bound()
	perIface := make(map[string]int, len(bound))
	for _, iface := range bound {
		perIface[iface]++
	}

	st := control.Status{
		UptimeSeconds: a.now().Sub(a.started).Seconds(),
		BoundDevices:  len(bound),
		Connections:   make([]control.Connection, 0, len(conns)),
	}

	if self, err := a.deps.Inventory.Self(ctx); err != nil {
		a.log.Debug("querying tailnet self", "error", err)
	} else {
		st.Hostname = self.Hostname
		st.TailnetIP = self.IP()
		st.ExitNode = self.ExitNode
		st.Tailscale = self.Online
	}
	if fwd, err := a.deps.Router.IsIPForwardingEnabled(); err != nil {
		a.log.Debug("reading forwarding state", "error", err)
	} else {
		st.IPForwarding = fwd
	}
	if _, ok, err := a.deps.Store.PIACredentials(); err == nil {
		st.Credentials = ok
	}

	for _, c := range conns {
		details := a.deps.Connections.InterfaceDetails(c.Interface)
		conn := control.Connection{
			RegionID:      c.RegionID,
			Interface:     c.Interface,
			Connected:     c.Connected,
			Devices:       perIface[c.Interface],
			LastHandshake: details.LastHandshake,
			TransferRx:    details.Rx,
			TransferTx:    details.Tx,
		}
		if r, err := a.deps.Store.Region(c.RegionID); err == nil {
			conn.RegionName = r.Name
		}
		st.Connections = append(st.Connections, conn)
	}

	st.Healthy, st.Messages = health(st)

	a.deps.Metrics.SetTunnels(len(conns))
	a.deps.Metrics.SetBound(len(bound))
	return st, nil
}

// health summarizes st into a verdict and the conditions behind it. A
// missing tunnel is reported but is not unhealthy: no device may be bound.
// Disabled forwarding only matters once a tunnel is up.
func health(st control.Status) (bool, []string) {
	healthy := true
	var msgs []string

	if !st.Credentials {
		msgs = append(msgs, "PIA credentials not configured")
		healthy = false
	}
	connected := slices.ContainsFunc(st.Connections, func(c control.Connection) bool { return c.Connected })
	if !connected {
		msgs = append(msgs, "PIA VPN not connected")
	}
	if !st.Tailscale {
		msgs = append(msgs, "Tailscale not running")
		healthy = false
	}
	if !st.IPForwarding {
		msgs = append(msgs, "IP forwarding not enabled")
		if connected {
			healthy = false
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "All systems operational")
	}
	return healthy, msgs
}

// Log returns a page of the audit log, newest first.
func (a *Agent) Log(ctx context.Context, limit, offset int) (control.LogPage, error) {
	if limit <= 0 {
		limit = control.DefaultLogLimit
	}
	entries, err := a.deps.Store.RecentLog(limit, offset)
	if err != nil {
		return control.LogPage{}, err
	}
	total, err := a.deps.Store.LogCount()
	if err != nil {
		return control.LogPage{}, err
	}

	page := control.LogPage{
		Entries: make([]control.LogEntry, 0, len(entries)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}
	for _, e := range entries {
		entry := control.LogEntry{
			ID:        e.ID,
			EventType: e.EventType,
			Status:    e.Status,
			Message:   e.Message,
			Timestamp: e.Timestamp,
		}
		if e.RegionID != nil {
			entry.RegionID = *e.RegionID
		}
		page.Entries = append(page.Entries, entry)
	}
	return page, nil
}

// managedDevice loads a device that accepts manual bindings.
func (a *Agent) managedDevice(deviceID string) (*store.Device, error) {
	dev, err := a.deps.Store.Device(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if isAutoManaged(dev.OS) {
		return nil, fmt.Errorf("%w (%s)", ErrAutoManaged, dev.OS)
	}
	return dev, nil
}

// routableDevice is managedDevice plus the device's routing IP.
func (a *Agent) routableDevice(deviceID string) (*store.Device, netip.Addr, error) {
	dev, err := a.managedDevice(deviceID)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	ip, ok := dev.PrimaryIP()
	if !ok {
		return nil, netip.Addr{}, ErrNoIP
	}
	return dev, ip, nil
}

func (a *Agent) region(regionID string) (*store.Region, error) {
	r, err := a.deps.Store.Region(regionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRegionNotFound
	}
	return r, err
}

func (a *Agent) bindingRegion(deviceID string) (string, error) {
	b, err := a.deps.Store.Binding(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return b.Region(), nil
}

func (a *Agent) enabled(deviceID string) (bool, error) {
	b, err := a.deps.Store.Binding(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.Enabled, nil
}

func (a *Agent) credentials() (pia.Credentials, error) {
	creds, ok, err := a.deps.Store.PIACredentials()
	if err != nil {
		return pia.Credentials{}, err
	}
	if !ok {
		return pia.Credentials{}, ErrNoCredentials
	}
	return pia.Credentials(creds), nil
}

// exitNodeIP returns this host's tailnet IP when it advertises as an exit
// node.
func (a *Agent) exitNodeIP(ctx context.Context) (string, bool) {
	if a.deps.Inventory == nil {
		return "", false
	}
	self, err := a.deps.Inventory.Self(ctx)
	if err != nil {
		a.log.Debug("querying tailnet self", "error", err)
		return "", false
	}
	if !self.ExitNode || self.IP() == "" {
		return "", false
	}
	return self.IP(), true
}

func (a *Agent) device(deviceID string) (control.Device, error) {
	d, err := a.deps.Store.Device(deviceID)
	if err != nil {
		return control.Device{}, err
	}
	b, err := a.deps.Store.Binding(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		b = nil
	} else if err != nil {
		return control.Device{}, err
	}
	return a.view(*d, b), nil
}

func (a *Agent) view(d store.Device, b *store.DeviceBinding) control.Device {
	v := control.Device{
		ID:          d.ID,
		Hostname:    d.Hostname,
		IPs:         d.IPs(),
		OS:          d.OS,
		Online:      d.Online,
		LastSeen:    d.LastSeen,
		AutoManaged: isAutoManaged(d.OS),
	}
	if b != nil {
		v.Enabled = b.Enabled
		v.RegionID = b.Region()
	}
	if ip, ok := d.PrimaryIP(); ok && v.Enabled {
		if table, ok := a.deps.Router.TableFor(ip); ok {
			v.Table = table
		}
	}
	return v
}

func isAutoManaged(os string) bool {
	return slices.Contains(autoManagedOS, strings.ToLower(os))
}
