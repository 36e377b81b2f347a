package routing

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// SubnetInfo describes a local network subnet discovered on a host interface.
type SubnetInfo struct {
	CIDR      netip.Prefix
	Interface string
}

// virtualPrefixes are interface name prefixes for virtual, container, and
// tunnel interfaces that never carry the host's LAN.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "lxc", "lxd",
	"cni", "flannel", "calico", "weave",
	"tun", "wg", "tailscale", "utun", "pia-",
	"podman", "cali", "vxlan",
}

// DiscoverLocalSubnets returns the IPv4 subnets of the host's physical
// interfaces. Loopback, down, and virtual interfaces, link-local addresses,
// host routes, and anything inside exclude are skipped.
func DiscoverLocalSubnets(exclude netip.Prefix) ([]SubnetInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	seen := make(map[netip.Prefix]bool)
	var results []SubnetInfo

	for _, iface := range ifaces {
		if shouldSkipInterface(iface) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			p, err := netip.ParsePrefix(addr.String())
			if err != nil {
				continue
			}
			ip := p.Addr()
			if !ip.Is4() || ip.IsLinkLocalUnicast() || p.Bits() == 32 {
				continue
			}

			network := p.Masked()
			if exclude.IsValid() && exclude.Overlaps(network) {
				continue
			}
			if seen[network] {
				continue
			}
			seen[network] = true

			results = append(results, SubnetInfo{CIDR: network, Interface: iface.Name})
		}
	}

	return results, nil
}

func shouldSkipInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 {
		return true
	}
	if iface.Flags&net.FlagUp == 0 {
		return true
	}

	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

// pickLocalSubnet prefers the subnet on the default route's interface.
func pickLocalSubnet(subnets []SubnetInfo, dev string) (netip.Prefix, bool) {
	for _, s := range subnets {
		if s.Interface == dev {
			return s.CIDR, true
		}
	}
	if len(subnets) > 0 {
		return subnets[0].CIDR, true
	}
	return netip.Prefix{}, false
}
