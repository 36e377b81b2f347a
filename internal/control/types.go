package control

import (
	"context"
	"errors"
	"time"
)

// Error classes a Backend wraps so the server can pick a status code.
var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid request")
)

// Backend performs the operations exposed on the control socket.
// *agent.Agent implements it.
type Backend interface {
	Status(ctx context.Context) (Status, error)
	Devices(ctx context.Context) ([]Device, error)
	SyncDevices(ctx context.Context) (ActionResult, error)
	EnableDevice(ctx context.Context, deviceID string) (ActionResult, error)
	DisableDevice(ctx context.Context, deviceID string) (ActionResult, error)
	SetDeviceRegion(ctx context.Context, deviceID, regionID string) (ActionResult, error)
	CheckDevice(ctx context.Context, deviceID string) (DeviceCheck, error)
	Regions(ctx context.Context) ([]Region, error)
	RefreshRegions(ctx context.Context) (ActionResult, error)
	ReconnectRegion(ctx context.Context, regionID string) (ActionResult, error)
	Log(ctx context.Context, limit, offset int) (LogPage, error)
	SetCredentials(ctx context.Context, creds Credentials) (ActionResult, error)
	TailscaleSettings(ctx context.Context) (TailscaleSettings, error)
	SetTailscaleAPIKey(ctx context.Context, apiKey string) (ActionResult, error)
}

// Status is the overall daemon status returned by GET /status.
type Status struct {
	Hostname      string       `json:"hostname"`
	TailnetIP     string       `json:"tailnet_ip"`
	ExitNode      bool         `json:"exit_node"`
	IPForwarding  bool         `json:"ip_forwarding"`
	Credentials   bool         `json:"credentials"`
	Tailscale     bool         `json:"tailscale_running"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	BoundDevices  int          `json:"bound_devices"`
	Connections   []Connection `json:"connections"`

	// Healthy is false when a condition in Messages stops routing from
	// working. Messages always has at least one entry.
	Healthy  bool     `json:"healthy"`
	Messages []string `json:"messages"`
}

// Connection is a live region tunnel with its telemetry.
type Connection struct {
	RegionID      string `json:"region_id"`
	RegionName    string `json:"region_name,omitempty"`
	Interface     string `json:"interface"`
	Connected     bool   `json:"connected"`
	Devices       int    `json:"devices"`
	LastHandshake string `json:"last_handshake"`
	TransferRx    string `json:"transfer_rx"`
	TransferTx    string `json:"transfer_tx"`
}

// Device is a tailnet peer together with its binding.
type Device struct {
	ID          string     `json:"id"`
	Hostname    string     `json:"hostname"`
	IPs         []string   `json:"ips"`
	OS          string     `json:"os"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Enabled     bool       `json:"enabled"`
	RegionID    string     `json:"region_id,omitempty"`
	Table       int        `json:"table,omitempty"`
	AutoManaged bool       `json:"auto_managed"`
}

// DeviceCheck is the result of POST /devices/{id}/check: whether the device
// accepts remote commands and which exit node it uses.
type DeviceCheck struct {
	DeviceID  string `json:"device_id"`
	Hostname  string `json:"hostname"`
	Reachable bool   `json:"reachable"`
	// ExitNodeKnown is false when the device's exit node could not be read.
	ExitNodeKnown bool   `json:"exit_node_known"`
	ExitNode      string `json:"exit_node,omitempty"`
	// WantExitNode is this host's tailnet address when it is advertising
	// as an exit node.
	WantExitNode string `json:"want_exit_node,omitempty"`
	Message      string `json:"message"`
}

// Region is a catalog entry.
type Region struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	PortForward bool   `json:"port_forward"`
	Geo         bool   `json:"geo"`
	Connected   bool   `json:"connected"`
}

// LogEntry is one audit record.
type LogEntry struct {
	ID        uint      `json:"id"`
	EventType string    `json:"event_type"`
	RegionID  string    `json:"region_id,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogPage is a window of the audit log, newest first.
type LogPage struct {
	Entries []LogEntry `json:"entries"`
	Total   int64      `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
}

// ActionResult reports the outcome of a mutating request. Message may carry
// a follow-up the user has to perform by hand.
type ActionResult struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Device  *Device `json:"device,omitempty"`
}

// Credentials are the VPN provider account credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TailscaleSettings reports whether a Tailscale API key is stored. The key
// itself is never returned.
type TailscaleSettings struct {
	Configured bool   `json:"configured"`
	APIKey     string `json:"api_key,omitempty"`
}

// TailscaleKeyRequest is the body of PUT /settings/tailscale.
type TailscaleKeyRequest struct {
	APIKey string `json:"api_key"`
}

// RegionRequest is the body of PUT /devices/{id}/region. An empty RegionID
// clears the selection.
type RegionRequest struct {
	RegionID string `json:"region_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}
