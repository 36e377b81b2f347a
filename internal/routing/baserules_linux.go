//go:build linux

package routing

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// nftTableName is the nftables table holding the single-tunnel base rules.
// Everything lives in this table so cleanup never touches other rules.
const nftTableName = "regiongate"

// NFTBaseRules installs the single-tunnel NAT and forwarding rules in a
// dedicated nftables table:
//
//	nft add table ip regiongate
//	nft add chain ip regiongate postrouting { type nat hook postrouting priority srcnat; }
//	nft add rule ip regiongate postrouting oifname <tunnel> masquerade
//	nft add chain ip regiongate forward { type filter hook forward priority filter; }
//	nft add rule ip regiongate forward iifname <overlay> oifname <tunnel> accept
//	nft add rule ip regiongate forward iifname <tunnel> oifname <overlay> ct state related,established accept
//
// Requires CAP_NET_ADMIN.
type NFTBaseRules struct {
	log *slog.Logger
}

// NewNFTBaseRules creates an NFTBaseRules.
func NewNFTBaseRules(logger *slog.Logger) *NFTBaseRules {
	if logger == nil {
		logger = slog.Default()
	}
	return &NFTBaseRules{log: logger.With("component", "nft")}
}

// Setup replaces the regiongate table with rules for overlay and tunnel.
func (n *NFTBaseRules) Setup(overlay, tunnel string) error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	table := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName}

	// Start from an empty table so repeated setups do not stack rules.
	c.AddTable(table)
	c.DelTable(table)
	table = c.AddTable(table)

	post := c.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	c.AddRule(&nftables.Rule{
		Table: table,
		Chain: post,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(tunnel)},
			&expr.Masq{},
		},
	})

	fwd := c.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	c.AddRule(&nftables.Rule{
		Table: table,
		Chain: fwd,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(overlay)},
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(tunnel)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})

	state := make([]byte, 4)
	binary.NativeEndian.PutUint32(state, expr.CtStateBitESTABLISHED|expr.CtStateBitRELATED)
	c.AddRule(&nftables.Rule{
		Table: table,
		Chain: fwd,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(tunnel)},
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(overlay)},
			&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           state,
				Xor:            []byte{0, 0, 0, 0},
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})

	if err := c.Flush(); err != nil {
		return fmt.Errorf("applying nftables rules: %w", err)
	}

	n.log.Info("nftables base rules installed",
		"table", nftTableName,
		"overlay", overlay,
		"tunnel", tunnel,
	)
	return nil
}

// Cleanup deletes the regiongate table. A missing table is not an error.
func (n *NFTBaseRules) Cleanup() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	c.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName})
	if err := c.Flush(); err != nil {
		n.log.Debug("nftables cleanup (table may not have existed)", "error", err)
		return nil
	}

	n.log.Info("nftables regiongate table removed")
	return nil
}

// ifname pads name to IFNAMSIZ with null bytes for nftables comparison.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}
