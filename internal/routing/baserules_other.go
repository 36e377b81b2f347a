//go:build !linux

package routing

import (
	"errors"
	"log/slog"
	"runtime"
)

// NFTBaseRules is unavailable outside Linux.
type NFTBaseRules struct{}

// NewNFTBaseRules returns base rules whose methods fail on this platform.
func NewNFTBaseRules(*slog.Logger) *NFTBaseRules {
	return &NFTBaseRules{}
}

func (n *NFTBaseRules) Setup(string, string) error {
	return errors.New("nftables is not supported on " + runtime.GOOS)
}

func (n *NFTBaseRules) Cleanup() error { return nil }
