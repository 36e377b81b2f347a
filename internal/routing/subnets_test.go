package routing

import (
	"net"
	"net/netip"
	"testing"
)

func TestShouldSkipInterface(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		iface  net.Interface
		expect bool
	}{
		{"loopback", net.Interface{Name: "lo", Flags: net.FlagLoopback | net.FlagUp}, true},
		{"down interface", net.Interface{Name: "eth0"}, true},
		{"docker bridge", net.Interface{Name: "docker0", Flags: net.FlagUp}, true},
		{"veth pair", net.Interface{Name: "veth1234abc", Flags: net.FlagUp}, true},
		{"wireguard", net.Interface{Name: "wg0", Flags: net.FlagUp}, true},
		{"tailscale", net.Interface{Name: "tailscale0", Flags: net.FlagUp}, true},
		{"region tunnel", net.Interface{Name: "pia-de-frankfur", Flags: net.FlagUp}, true},
		{"physical ethernet", net.Interface{Name: "eth0", Flags: net.FlagUp}, false},
		{"wifi", net.Interface{Name: "wlan0", Flags: net.FlagUp}, false},
		{"enp physical", net.Interface{Name: "enp0s3", Flags: net.FlagUp}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldSkipInterface(tc.iface); got != tc.expect {
				t.Errorf("shouldSkipInterface(%q, flags=%v) = %v, want %v",
					tc.iface.Name, tc.iface.Flags, got, tc.expect)
			}
		})
	}
}

func TestDiscoverLocalSubnets_ExcludesCIDR(t *testing.T) {
	t.Parallel()

	// Results depend on the host; only the exclude filter is checked.
	all, err := DiscoverLocalSubnets(netip.Prefix{})
	if err != nil {
		t.Fatalf("DiscoverLocalSubnets: %v", err)
	}
	if len(all) == 0 {
		t.Skip("no non-virtual subnets found on this host")
	}

	exclude := all[0].CIDR
	filtered, err := DiscoverLocalSubnets(exclude)
	if err != nil {
		t.Fatalf("DiscoverLocalSubnets(%s): %v", exclude, err)
	}
	for _, s := range filtered {
		if s.CIDR.Overlaps(exclude) {
			t.Errorf("excluded CIDR %s still present as %s", exclude, s.CIDR)
		}
	}

	seen := make(map[netip.Prefix]bool)
	for _, s := range all {
		if seen[s.CIDR] {
			t.Errorf("duplicate CIDR %s in results", s.CIDR)
		}
		seen[s.CIDR] = true
	}
}
