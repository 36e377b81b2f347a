package vpn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/kuuji/regiongate/internal/hostcmd"
)

// wgShowTimeout bounds one `wg show` call.
const wgShowTimeout = 5 * time.Second

// WGShow reads tunnel telemetry from `wg show <iface>`. It stands in for
// wgctrl when the WireGuard netlink family cannot be opened. Peers are
// reported with their transfer counters and handshake time; keys are not
// parsed.
type WGShow struct {
	Runner hostcmd.Runner
	Now    func() time.Time
}

// Device runs `wg show name` and summarizes its peers.
func (w *WGShow) Device(name string) (*wgtypes.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), wgShowTimeout)
	defer cancel()

	res, err := w.Runner.Run(ctx, "wg", "show", name)
	if err != nil {
		return nil, fmt.Errorf("reading %s telemetry: %w", name, err)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return parseWGShow(name, res.Stdout, now()), nil
}

// parseWGShow turns the human `wg show` output into a Device. Each "peer:"
// line starts a peer; "latest handshake:" and "transfer:" fill it in.
func parseWGShow(name, out string, now time.Time) *wgtypes.Device {
	dev := &wgtypes.Device{Name: name, Type: wgtypes.LinuxKernel}
	var peer *wgtypes.Peer

	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "peer":
			dev.Peers = append(dev.Peers, wgtypes.Peer{})
			peer = &dev.Peers[len(dev.Peers)-1]
		case "latest handshake":
			if peer != nil {
				if age, ok := parseHandshakeAge(value); ok {
					peer.LastHandshakeTime = now.Add(-age)
				}
			}
		case "transfer":
			if peer != nil {
				rx, tx := ParseTransferLine(value)
				peer.ReceiveBytes = int64(rx)
				peer.TransmitBytes = int64(tx)
			}
		}
	}
	return dev
}

// parseHandshakeAge parses "1 minute, 3 seconds ago". "Now" is zero.
func parseHandshakeAge(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "Now" || s == "now" {
		return 0, true
	}
	s, ok := strings.CutSuffix(s, " ago")
	if !ok {
		return 0, false
	}

	var age time.Duration
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return 0, false
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, false
		}
		unit, ok := handshakeUnits[strings.TrimSuffix(fields[1], "s")]
		if !ok {
			return 0, false
		}
		age += time.Duration(n) * unit
	}
	return age, true
}

var handshakeUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}
