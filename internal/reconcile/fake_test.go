package reconcile

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"

	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/remote"
	"github.com/kuuji/regiongate/internal/store"
	"github.com/kuuji/regiongate/internal/tailscale"
)

type auditEntry struct {
	event, status, region, message string
}

type fakeStore struct {
	mu       sync.Mutex
	creds    *store.Credentials
	bindings []store.DeviceBinding
	devices  map[string]*store.Device
	regions  map[string]*store.Region
	audit    []auditEntry
	panicOn  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		creds:   &store.Credentials{Username: "p1234567", Password: "hunter2"},
		devices: make(map[string]*store.Device),
		regions: make(map[string]*store.Region),
	}
}

func (s *fakeStore) bind(deviceID, hostname, os, ip, region string) {
	s.devices[deviceID] = &store.Device{
		ID:          deviceID,
		Hostname:    hostname,
		OS:          os,
		IPAddresses: store.EncodeIPs([]string{ip}),
	}
	if _, ok := s.regions[region]; !ok {
		s.regions[region] = &store.Region{ID: region, Name: region}
	}
	r := region
	s.bindings = append(s.bindings, store.DeviceBinding{DeviceID: deviceID, Enabled: true, RegionID: &r})
}

func (s *fakeStore) EnabledBindings() ([]store.DeviceBinding, error) {
	if s.panicOn {
		panic("store exploded")
	}
	return slices.Clone(s.bindings), nil
}

func (s *fakeStore) Device(id string) (*store.Device, error) {
	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) Region(id string) (*store.Region, error) {
	if r, ok := s.regions[id]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) PIACredentials() (store.Credentials, bool, error) {
	if s.creds == nil {
		return store.Credentials{}, false, nil
	}
	return *s.creds, true, nil
}

func (s *fakeStore) ActiveRegionIDs() ([]string, error) {
	var ids []string
	for _, b := range s.bindings {
		if r := b.Region(); r != "" && !slices.Contains(ids, r) {
			ids = append(ids, r)
		}
	}
	return ids, nil
}

func (s *fakeStore) Append(event, status, region, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, auditEntry{event, status, region, message})
}

func (s *fakeStore) entries(event, status string) []auditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auditEntry
	for _, e := range s.audit {
		if e.event == event && e.status == status {
			out = append(out, e)
		}
	}
	return out
}

type fakeConns struct {
	router   *fakeRouter
	live     map[string]bool
	failFor  map[string]bool
	ensured  []string
	keep     [][]string
	toRemove []string
}

func newFakeConns() *fakeConns {
	return &fakeConns{live: make(map[string]bool), failFor: make(map[string]bool)}
}

func (c *fakeConns) InterfaceName(regionID string) string { return "pia-" + regionID }

func (c *fakeConns) IsLive(_ context.Context, iface string) (bool, error) {
	return c.live[iface], nil
}

func (c *fakeConns) EnsureRegionConnection(_ context.Context, region *store.Region, _ pia.Credentials) error {
	c.ensured = append(c.ensured, region.ID)
	if c.failFor[region.ID] {
		return errors.New("registration failed")
	}
	c.live[c.InterfaceName(region.ID)] = true
	return nil
}

// deleteLink takes a tunnel down out of band. The kernel drops every route
// through the link, so devices routed through it lose their path.
func (c *fakeConns) deleteLink(iface string) {
	c.live[iface] = false
	if c.router != nil {
		c.router.linkDeleted(iface)
	}
}

func (c *fakeConns) CleanupUnusedConnections(_ context.Context, keep []string) ([]string, error) {
	c.keep = append(c.keep, slices.Clone(keep))
	removed := c.toRemove
	c.toRemove = nil
	return removed, nil
}

// fakeRouter tracks, per device, the policy rule and the tunnel its
// routes and rules lead through.
type fakeRouter struct {
	rules     map[netip.Addr]bool
	installed map[netip.Addr]string
	enabled   map[netip.Addr]string
	calls     int
	removed   []string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		rules:     make(map[netip.Addr]bool),
		installed: make(map[netip.Addr]string),
		enabled:   make(map[netip.Addr]string),
	}
}

// install marks ip as fully routed through iface.
func (r *fakeRouter) install(ip, iface string) {
	addr := netip.MustParseAddr(ip)
	r.rules[addr] = true
	r.installed[addr] = iface
}

func (r *fakeRouter) RoutingInstalled(_ context.Context, ip netip.Addr, iface string) (bool, error) {
	return r.rules[ip] && r.installed[ip] == iface, nil
}

func (r *fakeRouter) EnableDeviceRouting(_ context.Context, ip netip.Addr, iface string) error {
	r.calls++
	r.enabled[ip] = iface
	r.rules[ip] = true
	r.installed[ip] = iface
	return nil
}

// linkDeleted drops the routes through iface; policy rules survive.
func (r *fakeRouter) linkDeleted(iface string) {
	for ip, dev := range r.installed {
		if dev == iface {
			delete(r.installed, ip)
		}
	}
}

func (r *fakeRouter) RemoveInterfaceRules(iface string) error {
	r.removed = append(r.removed, iface)
	r.linkDeleted(iface)
	return nil
}

type fakeExits struct {
	mu      sync.Mutex
	current map[string]remote.ExitNode
	panics  map[string]bool
	queried []string
	set     map[string]string
}

func newFakeExits() *fakeExits {
	return &fakeExits{
		current: make(map[string]remote.ExitNode),
		panics:  make(map[string]bool),
		set:     make(map[string]string),
	}
}

func (e *fakeExits) GetExitNode(_ context.Context, target string) remote.ExitNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queried = append(e.queried, target)
	if e.panics[target] {
		panic("ssh session exploded")
	}
	return e.current[target]
}

func (e *fakeExits) SetExitNode(_ context.Context, target, ip string) remote.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set[target] = ip
	return remote.Result{Success: true}
}

type fakeHost struct {
	self tailscale.Self
	err  error
}

func (h fakeHost) Self(context.Context) (tailscale.Self, error) { return h.self, h.err }
