package vpn

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// NotAvailable is reported for telemetry that could not be read.
const NotAvailable = "N/A"

// WireGuardStats reads kernel WireGuard device state. *wgctrl.Client
// satisfies it.
type WireGuardStats interface {
	Device(name string) (*wgtypes.Device, error)
}

// InterfaceDetails is tunnel telemetry for one interface.
type InterfaceDetails struct {
	LastHandshake string `json:"last_handshake"`
	Rx            string `json:"transfer_rx"`
	Tx            string `json:"transfer_tx"`
	RxBytes       uint64 `json:"transfer_rx_bytes"`
	TxBytes       uint64 `json:"transfer_tx_bytes"`
}

func emptyDetails() InterfaceDetails {
	return InterfaceDetails{LastHandshake: NotAvailable, Rx: NotAvailable, Tx: NotAvailable}
}

// readDetails summarizes a WireGuard device. Any failure yields the
// "N/A" defaults.
func readDetails(stats WireGuardStats, iface string, now time.Time) InterfaceDetails {
	if stats == nil {
		return emptyDetails()
	}
	dev, err := stats.Device(iface)
	if err != nil || dev == nil {
		return emptyDetails()
	}

	d := emptyDetails()
	var latest time.Time
	for _, p := range dev.Peers {
		d.RxBytes += uint64(p.ReceiveBytes)
		d.TxBytes += uint64(p.TransmitBytes)
		if p.LastHandshakeTime.After(latest) {
			latest = p.LastHandshakeTime
		}
	}
	if !latest.IsZero() {
		d.LastHandshake = humanize.RelTime(latest, now, "ago", "from now")
	}
	d.Rx = humanize.IBytes(d.RxBytes)
	d.Tx = humanize.IBytes(d.TxBytes)
	return d
}

// ParseTransfer converts a wg-style transfer amount such as "1.5 MiB" or
// "12 KB" to bytes. Decimal units are powers of 1000 and binary units
// powers of 1024. Unparsable input yields 0.
func ParseTransfer(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return n
}

// ParseTransferLine parses the `wg show` form "<rx> received, <tx> sent".
func ParseTransferLine(line string) (rx, tx uint64) {
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutSuffix(part, " received"); ok {
			rx = ParseTransfer(v)
		} else if v, ok := strings.CutSuffix(part, " sent"); ok {
			tx = ParseTransfer(v)
		}
	}
	return rx, tx
}
