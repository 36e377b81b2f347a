package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/regiongate/internal/config"
	"github.com/kuuji/regiongate/internal/metrics"
	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/remote"
	"github.com/kuuji/regiongate/internal/store"
	"github.com/kuuji/regiongate/internal/tailscale"
	"github.com/kuuji/regiongate/internal/vpn"
)

// --- Fake provider catalog ---

type fakeCatalog struct {
	regions  []pia.Region
	err      error
	tokenErr error

	mu     sync.Mutex
	tokens []pia.Credentials
}

func (f *fakeCatalog) FetchRegions(context.Context) ([]pia.Region, error) {
	return f.regions, f.err
}

func (f *fakeCatalog) Token(_ context.Context, creds pia.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, creds)
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "token", nil
}

// --- Fake tailnet inventory ---

type fakeInventory struct {
	devices []tailscale.Device
	self    tailscale.Self
	err     error

	validKey string
}

func (f *fakeInventory) Devices(context.Context) ([]tailscale.Device, error) {
	return f.devices, f.err
}

func (f *fakeInventory) Self(context.Context) (tailscale.Self, error) {
	return f.self, f.err
}

func (f *fakeInventory) ValidateAPIKey(_ context.Context, key string) error {
	if key != f.validKey {
		return tailscale.ErrUnauthorized
	}
	return nil
}

// --- Fake connection manager ---

type fakeConns struct {
	mu           sync.Mutex
	live         map[string]bool
	ensured      []string
	connected    []string
	disconnected []string
	removed      []string
	err          error
	connectErr   error

	// afterEnsure runs once a tunnel is up, without the lock held.
	afterEnsure func(regionID string)
}

func newFakeConns() *fakeConns {
	return &fakeConns{live: make(map[string]bool)}
}

func (f *fakeConns) InterfaceName(regionID string) string {
	return vpn.InterfaceName(regionID)
}

func (f *fakeConns) IsLive(_ context.Context, iface string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[iface], nil
}

func (f *fakeConns) EnsureRegionConnection(_ context.Context, region *store.Region, _ pia.Credentials) error {
	f.mu.Lock()
	f.ensured = append(f.ensured, region.ID)
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.live[vpn.InterfaceName(region.ID)] = true
	hook := f.afterEnsure
	f.mu.Unlock()

	if hook != nil {
		hook(region.ID)
	}
	return nil
}

func (f *fakeConns) Live(iface string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[iface]
}

func (f *fakeConns) ConnectRegion(_ context.Context, regionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, regionID)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.live[vpn.InterfaceName(regionID)] = true
	return nil
}

func (f *fakeConns) DisconnectRegion(_ context.Context, regionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, regionID)
	delete(f.live, vpn.InterfaceName(regionID))
	return nil
}

func (f *fakeConns) CleanupUnusedConnections(_ context.Context, keep []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []string
	for iface, up := range f.live {
		if up && !slices.Contains(keep, iface[len(vpn.DefaultPrefix):]) {
			delete(f.live, iface)
			removed = append(removed, iface)
		}
	}
	slices.Sort(removed)
	f.removed = append(f.removed, removed...)
	return removed, nil
}

func (f *fakeConns) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeConns) ActiveConnections(context.Context) ([]vpn.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conns []vpn.Connection
	for iface, up := range f.live {
		if up {
			conns = append(conns, vpn.Connection{RegionID: iface[len(vpn.DefaultPrefix):], Interface: iface, Connected: true})
		}
	}
	return conns, nil
}

func (f *fakeConns) InterfaceDetails(string) vpn.InterfaceDetails {
	return vpn.InterfaceDetails{LastHandshake: "3 seconds ago", Rx: "1.2 MB", Tx: "300 kB"}
}

// --- Fake route binder ---

type fakeRouter struct {
	mu           sync.Mutex
	bound        map[netip.Addr]string
	tables       map[netip.Addr]int
	next         int
	enabled      []netip.Addr
	disabled     []netip.Addr
	ifaceRemoved []string
	err          error
	enableErr    error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		bound:  make(map[netip.Addr]string),
		tables: make(map[netip.Addr]int),
		next:   100,
	}
}

func (f *fakeRouter) RoutingInstalled(_ context.Context, ip netip.Addr, iface string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[ip] == iface, nil
}

func (f *fakeRouter) EnableDeviceRouting(_ context.Context, ip netip.Addr, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, ip)
	if f.err != nil {
		return f.err
	}
	if f.enableErr != nil {
		return f.enableErr
	}
	if _, ok := f.tables[ip]; !ok {
		f.tables[ip] = f.next
		f.next++
	}
	f.bound[ip] = iface
	return nil
}

func (f *fakeRouter) RemoveInterfaceRules(iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaceRemoved = append(f.ifaceRemoved, iface)
	return nil
}

func (f *fakeRouter) Enabled() []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Addr(nil), f.enabled...)
}

func (f *fakeRouter) DisableDeviceRouting(_ context.Context, ip netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.disabled = append(f.disabled, ip)
	delete(f.bound, ip)
	delete(f.tables, ip)
	return nil
}

func (f *fakeRouter) TableFor(ip netip.Addr) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[ip]
	return t, ok
}

func (f *fakeRouter) Bound() map[netip.Addr]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[netip.Addr]string, len(f.bound))
	for k, v := range f.bound {
		out[k] = v
	}
	return out
}

func (f *fakeRouter) IsIPForwardingEnabled() (bool, error) { return true, nil }

// --- Fake remote exit-node configurator ---

type exitCall struct {
	op, target, exitNode string
}

type fakeExits struct {
	mu          sync.Mutex
	calls       []exitCall
	fail        error
	unreachable bool
	current     remote.ExitNode
}

func (f *fakeExits) GetExitNode(_ context.Context, target string) remote.ExitNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, exitCall{op: "get", target: target})
	return f.current
}

func (f *fakeExits) CheckConnectivity(_ context.Context, target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, exitCall{op: "check", target: target})
	return !f.unreachable
}

func (f *fakeExits) SetExitNode(_ context.Context, target, exitNodeIP string) remote.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, exitCall{op: "set", target: target, exitNode: exitNodeIP})
	if f.fail != nil {
		return remote.Result{Err: f.fail}
	}
	return remote.Result{Success: true}
}

func (f *fakeExits) ClearExitNode(_ context.Context, target string) remote.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, exitCall{op: "clear", target: target})
	if f.fail != nil {
		return remote.Result{Err: f.fail}
	}
	return remote.Result{Success: true}
}

func (f *fakeExits) Calls() []exitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exitCall(nil), f.calls...)
}

// --- Harness ---

type harness struct {
	agent   *Agent
	store   *store.Store
	catalog *fakeCatalog
	inv     *fakeInventory
	conns   *fakeConns
	router  *fakeRouter
	exits   *fakeExits
	metrics *metrics.Metrics
}

var errSSH = errors.New("ssh: handshake failed")

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(store.DriverSQLite, ":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:   st,
		catalog: &fakeCatalog{},
		inv: &fakeInventory{self: tailscale.Self{
			Hostname: "gateway",
			IPs:      []string{"100.64.0.1"},
			Online:   true,
			ExitNode: true,
		}},
		conns:   newFakeConns(),
		router:  newFakeRouter(),
		exits:   &fakeExits{},
		metrics: metrics.New(),
	}

	cfg := config.DefaultConfig()
	cfg.Reconcile.Interval.Duration = 10 * time.Millisecond

	h.agent = New(cfg, Deps{
		Store:       st,
		Catalog:     h.catalog,
		Inventory:   h.inv,
		Connections: h.conns,
		Router:      h.router,
		ExitNodes:   h.exits,
		Metrics:     h.metrics,
	}, nil)
	return h
}

// addDevice stores a device and, when region is non-empty, a region and a
// disabled binding selecting it.
func (h *harness) addDevice(t *testing.T, id, hostname, os, ip, region string) {
	t.Helper()
	var ips []string
	if ip != "" {
		ips = []string{ip}
	}
	if err := h.store.UpsertDevice(store.Device{ID: id, Hostname: hostname, OS: os, IPAddresses: store.EncodeIPs(ips), Online: true}); err != nil {
		t.Fatal(err)
	}
	if region == "" {
		return
	}
	h.addRegion(t, region)
	if err := h.store.SetRegion(id, &region); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) addRegion(t *testing.T, id string) {
	t.Helper()
	servers, _ := json.Marshal(pia.Servers{WG: []pia.Server{{IP: "10.1.2.3", CN: id + "401"}}})
	err := h.store.UpsertRegion(store.Region{ID: id, Name: fmt.Sprintf("%s region", id), Country: id, Servers: string(servers)})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) setCredentials(t *testing.T) {
	t.Helper()
	if err := h.store.SetPIACredentials(store.Credentials{Username: "p1234567", Password: "hunter2"}); err != nil {
		t.Fatal(err)
	}
}
