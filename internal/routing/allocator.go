package routing

import (
	"net/netip"
	"sync"
)

// DefaultTableBase is the first routing table id handed out.
const DefaultTableBase = 100

// Allocator hands out one routing table id per device IP. Ids grow
// monotonically and are never handed out again within the process, even
// after release, so a table flushed for one device can never be picked
// up by another while stale routes might still be draining.
//
// Allocation state is in memory only; after a restart the reconciliation
// loop re-binds every enabled device and may assign different ids.
type Allocator struct {
	mu     sync.Mutex
	next   int
	tables map[netip.Addr]int
}

// NewAllocator returns an Allocator starting at base.
func NewAllocator(base int) *Allocator {
	if base <= 0 {
		base = DefaultTableBase
	}
	return &Allocator{next: base, tables: make(map[netip.Addr]int)}
}

// Allocate returns the table for ip, allocating a new one if ip has none.
func (a *Allocator) Allocate(ip netip.Addr) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tables[ip]; ok {
		return t
	}
	t := a.next
	a.next++
	a.tables[ip] = t
	return t
}

// Lookup returns the table allocated to ip.
func (a *Allocator) Lookup(ip netip.Addr) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tables[ip]
	return t, ok
}

// Release forgets ip's allocation. Its id is not reused.
func (a *Allocator) Release(ip netip.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tables, ip)
}
