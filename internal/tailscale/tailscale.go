// Package tailscale reads tailnet inventory and exit-node state from the
// local tailscale CLI and, when an API key is configured, the Tailscale
// HTTP API.
package tailscale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/kuuji/regiongate/internal/hostcmd"
)

// PeerStatus is the subset of a tailscale peer record regiongate reads.
type PeerStatus struct {
	ID             string    `json:"ID"`
	HostName       string    `json:"HostName"`
	DNSName        string    `json:"DNSName"`
	OS             string    `json:"OS"`
	TailscaleIPs   []string  `json:"TailscaleIPs"`
	AllowedIPs     []string  `json:"AllowedIPs"`
	Online         bool      `json:"Online"`
	LastSeen       time.Time `json:"LastSeen"`
	ExitNode       bool      `json:"ExitNode"`
	ExitNodeOption bool      `json:"ExitNodeOption"`
}

// ExitNodeStatus describes the exit node a host is currently using.
type ExitNodeStatus struct {
	ID           string   `json:"ID"`
	Online       bool     `json:"Online"`
	TailscaleIPs []string `json:"TailscaleIPs"`
}

// Status is the decoded output of `tailscale status --json`.
type Status struct {
	BackendState   string                 `json:"BackendState"`
	MagicDNSSuffix string                 `json:"MagicDNSSuffix"`
	Self           *PeerStatus            `json:"Self"`
	Peer           map[string]*PeerStatus `json:"Peer"`
	ExitNodeStatus *ExitNodeStatus        `json:"ExitNodeStatus"`
}

// ParseStatus decodes `tailscale status --json` output.
func ParseStatus(b []byte) (*Status, error) {
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decoding tailscale status: %w", err)
	}
	return &st, nil
}

// ExitNodeIP returns the address of the exit node in use, or "" when none
// is configured. Prefix lengths are stripped.
func (s *Status) ExitNodeIP() string {
	if s.ExitNodeStatus == nil || len(s.ExitNodeStatus.TailscaleIPs) == 0 {
		return ""
	}
	ip := s.ExitNodeStatus.TailscaleIPs[0]
	if p, err := netip.ParsePrefix(ip); err == nil {
		return p.Addr().String()
	}
	return ip
}

// Device is a tailnet peer eligible for per-device routing.
type Device struct {
	ID       string
	Hostname string
	IPs      []string
	OS       string
	Online   bool
	LastSeen time.Time
}

// Self describes the local node.
type Self struct {
	Hostname string
	IPs      []string
	Online   bool
	// ExitNode reports whether this host advertises itself as an exit node.
	ExitNode bool
}

// IP returns the first tailnet address of the local node, or "".
func (s Self) IP() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return s.IPs[0]
}

// KeyFunc returns the current Tailscale API key, or "" when none is set.
type KeyFunc func() (string, error)

// Client queries the local tailscale daemon through its CLI.
type Client struct {
	runner hostcmd.Runner
	binary string
	api    *API
	apiKey KeyFunc
	log    *slog.Logger
}

// New creates a Client. If logger is nil, slog.Default() is used.
func New(runner hostcmd.Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		runner: runner,
		binary: "tailscale",
		log:    logger.With("component", "tailscale"),
	}
}

// Status runs `tailscale status --json`.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	res, err := c.runner.Run(ctx, c.binary, "status", "--json")
	if err != nil {
		return nil, fmt.Errorf("querying tailscale status: %w", err)
	}
	return ParseStatus([]byte(res.Stdout))
}

// WithAPI makes Devices list the tailnet through api whenever key returns
// a non-empty key. The CLI stays the fallback.
func (c *Client) WithAPI(api *API, key KeyFunc) *Client {
	c.api = api
	c.apiKey = key
	return c
}

// ValidateAPIKey checks that apiKey can list the tailnet's devices.
func (c *Client) ValidateAPIKey(ctx context.Context, apiKey string) error {
	if c.api == nil {
		return errors.New("tailscale API not configured")
	}
	_, err := c.api.Devices(ctx, apiKey)
	return err
}

// Devices returns tailnet peers that can be bound to a region: everything
// except the local node and peers that are themselves exit nodes. The
// HTTP API is used when a key is configured; on any API failure the local
// CLI's view is returned instead.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	if key := c.key(); key != "" {
		devices, err := c.apiDevices(ctx, key)
		if err == nil {
			return devices, nil
		}
		c.log.Warn("tailscale API inventory failed, using local CLI", "error", err)
	}
	return c.cliDevices(ctx)
}

func (c *Client) key() string {
	if c.api == nil || c.apiKey == nil {
		return ""
	}
	key, err := c.apiKey()
	if err != nil {
		c.log.Debug("loading tailscale API key", "error", err)
		return ""
	}
	return key
}

func (c *Client) apiDevices(ctx context.Context, key string) ([]Device, error) {
	records, err := c.api.Devices(ctx, key)
	if err != nil {
		return nil, err
	}

	// The API lists this host too; its name comes from the local daemon.
	var selfHost string
	if st, err := c.Status(ctx); err == nil && st.Self != nil {
		selfHost = st.Self.HostName
	}

	devices := make([]Device, 0, len(records))
	for _, d := range records {
		if selfHost != "" && strings.EqualFold(d.Hostname, selfHost) {
			continue
		}
		if d.AdvertisesExitNode {
			c.log.Debug("skipping exit node device", "host", d.Hostname)
			continue
		}
		id := d.NodeID
		if id == "" {
			id = d.ID
		}
		devices = append(devices, Device{
			ID:       id,
			Hostname: d.Hostname,
			IPs:      d.Addresses,
			OS:       strings.ToLower(d.OS),
			Online:   d.Online(),
			LastSeen: d.LastSeen,
		})
	}
	c.log.Debug("listed tailnet devices from API", "count", len(devices))
	return devices, nil
}

func (c *Client) cliDevices(ctx context.Context) ([]Device, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}

	var selfID, selfHost string
	if st.Self != nil {
		selfID, selfHost = st.Self.ID, st.Self.HostName
	}

	devices := make([]Device, 0, len(st.Peer))
	for _, key := range slices.Sorted(maps.Keys(st.Peer)) {
		p := st.Peer[key]
		if p == nil {
			continue
		}
		if p.ExitNode || p.ExitNodeOption {
			c.log.Debug("skipping exit node peer", "host", p.HostName)
			continue
		}
		if (selfID != "" && p.ID == selfID) || (selfHost != "" && p.HostName == selfHost) {
			continue
		}
		devices = append(devices, Device{
			ID:       p.ID,
			Hostname: p.HostName,
			IPs:      p.TailscaleIPs,
			OS:       strings.ToLower(p.OS),
			Online:   p.Online,
			LastSeen: p.LastSeen,
		})
	}
	return devices, nil
}

// Self returns the local node's identity and exit-node advertisement.
func (c *Client) Self(ctx context.Context) (Self, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return Self{}, err
	}
	if st.Self == nil {
		return Self{}, fmt.Errorf("tailscale status has no Self entry (backend %s)", st.BackendState)
	}
	return Self{
		Hostname: st.Self.HostName,
		IPs:      st.Self.TailscaleIPs,
		Online:   st.Self.Online,
		ExitNode: st.Self.ExitNodeOption || slices.Contains(st.Self.AllowedIPs, "0.0.0.0/0"),
	}, nil
}
