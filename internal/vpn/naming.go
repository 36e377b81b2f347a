package vpn

import "strings"

// DefaultPrefix is prepended to every tunnel interface name.
const DefaultPrefix = "pia-"

// MaxInterfaceName is the kernel's interface name limit (IFNAMSIZ - 1).
const MaxInterfaceName = 15

// InterfaceName returns the tunnel interface name for regionID using
// DefaultPrefix.
func InterfaceName(regionID string) string {
	return InterfaceNameWithPrefix(DefaultPrefix, regionID)
}

// InterfaceNameWithPrefix lowercases regionID, replaces underscores with
// dashes, and truncates it so that prefix plus region fits in
// MaxInterfaceName characters. The prefix is never truncated.
func InterfaceNameWithPrefix(prefix, regionID string) string {
	region := strings.ReplaceAll(strings.ToLower(regionID), "_", "-")
	room := MaxInterfaceName - len(prefix)
	if room < 0 {
		room = 0
	}
	if len(region) > room {
		region = region[:room]
	}
	return prefix + region
}
