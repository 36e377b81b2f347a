package routing

import (
	"errors"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/kuuji/regiongate/internal/kernel"
)

// fakeKernel is an in-memory kernel.Client.
type fakeKernel struct {
	mu     sync.Mutex
	rules  []kernel.Rule
	routes map[int][]kernel.Route
	gw     kernel.Route
	links  []string
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		routes: make(map[int][]kernel.Route),
		gw: kernel.Route{
			Gateway: netip.MustParseAddr("192.168.1.1"),
			Dev:     "eth0",
			Table:   kernel.MainTable,
		},
		links: []string{"lo", "eth0", "tailscale0"},
	}
}

func (k *fakeKernel) Rules() ([]kernel.Rule, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.rules), nil
}

func (k *fakeKernel) AddRule(r kernel.Rule) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !slices.Contains(k.rules, r) {
		k.rules = append(k.rules, r)
	}
	return nil
}

func (k *fakeKernel) DeleteRule(r kernel.Rule) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rules = slices.DeleteFunc(k.rules, func(x kernel.Rule) bool { return x == r })
	return nil
}

func (k *fakeKernel) Routes(table int) ([]kernel.Route, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.routes[table]), nil
}

// AddRoute replaces a route with the same destination, like RouteReplace.
func (k *fakeKernel) AddRoute(r kernel.Route) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	rs := slices.DeleteFunc(k.routes[r.Table], func(x kernel.Route) bool {
		return x.IsDefault() == r.IsDefault() && (r.IsDefault() || x.Dst == r.Dst)
	})
	k.routes[r.Table] = append(rs, r)
	return nil
}

func (k *fakeKernel) FlushTable(table int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.routes, table)
	return nil
}

func (k *fakeKernel) DefaultRoute() (kernel.Route, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.gw.Gateway.IsValid() {
		return kernel.Route{}, kernel.ErrNoDefaultRoute
	}
	return k.gw, nil
}

func (k *fakeKernel) LinkExists(name string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Contains(k.links, name), nil
}

func (k *fakeKernel) Links() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.links), nil
}

// deleteLink removes a link and, like the kernel, every route through it.
// Policy rules are left alone.
func (k *fakeKernel) deleteLink(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.links = slices.DeleteFunc(k.links, func(l string) bool { return l == name })
	for table, rs := range k.routes {
		k.routes[table] = slices.DeleteFunc(rs, func(r kernel.Route) bool { return r.Dev == name })
	}
}

// rulesFor returns the policy rules with source ip.
func (k *fakeKernel) rulesFor(ip netip.Addr) []kernel.Rule {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []kernel.Rule
	for _, r := range k.rules {
		if r.Src == kernel.HostPrefix(ip) {
			out = append(out, r)
		}
	}
	return out
}

// memTables is an in-memory firewall.IPTables keyed by "table/chain".
type memTables struct {
	mu    sync.Mutex
	rules map[string][][]string
}

func newMemTables() *memTables {
	return &memTables{rules: make(map[string][][]string)}
}

func (m *memTables) Exists(table, chain string, spec ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.ContainsFunc(m.rules[table+"/"+chain], func(r []string) bool {
		return slices.Equal(r, spec)
	}), nil
}

func (m *memTables) Append(table, chain string, spec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := table + "/" + chain
	m.rules[key] = append(m.rules[key], slices.Clone(spec))
	return nil
}

func (m *memTables) Delete(table, chain string, spec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := table + "/" + chain
	for i, r := range m.rules[key] {
		if slices.Equal(r, spec) {
			m.rules[key] = slices.Delete(m.rules[key], i, i+1)
			return nil
		}
	}
	return errors.New("no such rule")
}

func (m *memTables) List(table, chain string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := []string{"-P " + chain + " ACCEPT"}
	for _, r := range m.rules[table+"/"+chain] {
		lines = append(lines, "-A "+chain+" "+strings.Join(r, " "))
	}
	return lines, nil
}

func (m *memTables) chain(table, chain string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rules[table+"/"+chain])
}

func (m *memTables) has(table, chain string, spec []string) bool {
	ok, _ := m.Exists(table, chain, spec...)
	return ok
}

type fakeDNS map[string][]string

func (d fakeDNS) DNSServers(iface string) []string { return d[iface] }

type fakeBase struct {
	setups   [][2]string
	cleanups int
	err      error
}

func (f *fakeBase) Setup(overlay, tunnel string) error {
	if f.err != nil {
		return f.err
	}
	f.setups = append(f.setups, [2]string{overlay, tunnel})
	return nil
}

func (f *fakeBase) Cleanup() error {
	f.cleanups++
	return f.err
}
