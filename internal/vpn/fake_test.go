package vpn

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/kuuji/regiongate/internal/kernel"
	"github.com/kuuji/regiongate/internal/pia"
)

// --- Fake kernel ---

// fakeKernel keeps rules and links in memory. Routes are not used by the
// vpn package.
type fakeKernel struct {
	mu    sync.Mutex
	rules []kernel.Rule
	links map[string]bool
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{links: make(map[string]bool)}
}

func (f *fakeKernel) Rules() ([]kernel.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.rules), nil
}

func (f *fakeKernel) AddRule(r kernel.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.rules, r) {
		f.rules = append(f.rules, r)
	}
	return nil
}

func (f *fakeKernel) DeleteRule(r kernel.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = slices.DeleteFunc(f.rules, func(x kernel.Rule) bool { return x == r })
	return nil
}

func (f *fakeKernel) Routes(int) ([]kernel.Route, error) { return nil, nil }
func (f *fakeKernel) AddRoute(kernel.Route) error         { return nil }
func (f *fakeKernel) FlushTable(int) error                { return nil }
func (f *fakeKernel) DefaultRoute() (kernel.Route, error) { return kernel.Route{}, kernel.ErrNoDefaultRoute }

func (f *fakeKernel) LinkExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[name], nil
}

func (f *fakeKernel) Links() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.links {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeKernel) setLink(name string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up {
		f.links[name] = true
	} else {
		delete(f.links, name)
	}
}

// --- Fake NetworkManager ---

// fakeNM records calls. Bringing a connection up creates its kernel link.
type fakeNM struct {
	mu      sync.Mutex
	kernel  *fakeKernel
	active  map[string]bool
	calls   []string
	upErr   error
	listErr error
}

func newFakeNM(k *fakeKernel) *fakeNM {
	return &fakeNM{kernel: k, active: make(map[string]bool)}
}

func (f *fakeNM) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeNM) Up(_ context.Context, name string) error {
	f.record("up " + name)
	if f.upErr != nil {
		return f.upErr
	}
	f.mu.Lock()
	f.active[name] = true
	f.mu.Unlock()
	f.kernel.setLink(name, true)
	return nil
}

func (f *fakeNM) Down(_ context.Context, name string) error {
	f.record("down " + name)
	f.mu.Lock()
	delete(f.active, name)
	f.mu.Unlock()
	f.kernel.setLink(name, false)
	return nil
}

func (f *fakeNM) Delete(_ context.Context, name string) error {
	f.record("delete " + name)
	return nil
}

func (f *fakeNM) Reload(context.Context) error {
	f.record("reload")
	return nil
}

func (f *fakeNM) ActiveConnections(context.Context) ([]ActiveConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	conns := []ActiveConnection{{Name: "Wired connection 1", Type: "ethernet", Device: "eth0"}}
	for _, name := range slices.Sorted(maps.Keys(f.active)) {
		conns = append(conns, ActiveConnection{Name: name, Type: "wireguard", Device: name})
	}
	return conns, nil
}

func (f *fakeNM) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// --- Fake registrar ---

type fakeRegistrar struct {
	mu    sync.Mutex
	calls int
	err   error
	dns   []string
	keys  []string
}

func (f *fakeRegistrar) Register(_ context.Context, server pia.Server, _ pia.Credentials, pubKey string) (*pia.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, pubKey)
	if f.err != nil {
		return nil, f.err
	}
	return &pia.Registration{
		ServerKey:  "c2VydmVya2V5c2VydmVya2V5c2VydmVya2V5MDA9",
		PeerIP:     "10.13.128.5",
		ServerIP:   server.IP,
		ServerPort: 1337,
		DNSServers: f.dns,
	}, nil
}

// --- Fake forwarder / desired regions / stats ---

type fakeForwarder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeForwarder) EnableIPForwarding() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeDesired struct {
	ids []string
}

func (f *fakeDesired) ActiveRegionIDs() ([]string, error) { return f.ids, nil }

type fakeStats struct {
	devices map[string]*wgtypes.Device
}

func (f *fakeStats) Device(name string) (*wgtypes.Device, error) {
	d, ok := f.devices[name]
	if !ok {
		return nil, errors.New("no such device")
	}
	return d, nil
}
