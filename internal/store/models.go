package store

import (
	"encoding/json"
	"net/netip"
	"time"
)

// Setting is a key/value pair. Values are opaque strings, usually JSON.
type Setting struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (Setting) TableName() string { return "settings" }

// Region is one entry of the VPN provider's region catalog.
type Region struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"not null"`
	Country     string `gorm:"not null"`
	DNS         string
	PortForward bool
	Geo         bool
	// Servers is the provider's server pool for the region, as JSON.
	Servers   string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (Region) TableName() string { return "pia_regions" }

// Device is a tailnet peer as last seen by an inventory sync.
type Device struct {
	ID       string `gorm:"primaryKey;size:64"`
	Hostname string `gorm:"not null"`
	// IPAddresses is a JSON-encoded list of tailnet addresses.
	IPAddresses string `gorm:"type:text;not null"`
	OS          string
	LastSeen    *time.Time
	Online      bool
	UpdatedAt   time.Time
}

func (Device) TableName() string { return "tailscale_devices" }

// IPs decodes IPAddresses. Malformed JSON yields nil.
func (d Device) IPs() []string {
	var ips []string
	if err := json.Unmarshal([]byte(d.IPAddresses), &ips); err != nil {
		return nil
	}
	return ips
}

// PrimaryIP returns the first tailnet address, which is the one used for
// policy routing.
func (d Device) PrimaryIP() (netip.Addr, bool) {
	ips := d.IPs()
	if len(ips) == 0 {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(ips[0])
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// DeviceBinding records whether a device should route through a region.
type DeviceBinding struct {
	DeviceID  string  `gorm:"primaryKey;size:64"`
	Enabled   bool    `gorm:"not null"`
	RegionID  *string `gorm:"size:64;index"`
	UpdatedAt time.Time
}

func (DeviceBinding) TableName() string { return "device_routing" }

// Region returns the bound region id, or "" when unset.
func (b DeviceBinding) Region() string {
	if b.RegionID == nil {
		return ""
	}
	return *b.RegionID
}

// ConnectionLog is one audit entry.
type ConnectionLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventType string    `gorm:"size:64;not null;index" json:"event_type"`
	RegionID  *string   `gorm:"size:64" json:"region_id,omitempty"`
	Status    string    `gorm:"size:32;not null" json:"status"`
	Message   string    `gorm:"type:text" json:"message"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

func (ConnectionLog) TableName() string { return "connection_log" }

// EncodeIPs encodes a list of addresses for Device.IPAddresses.
func EncodeIPs(ips []string) string {
	if ips == nil {
		ips = []string{}
	}
	b, _ := json.Marshal(ips)
	return string(b)
}
