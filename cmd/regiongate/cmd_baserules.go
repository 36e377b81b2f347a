package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/regiongate/internal/agent"
	"github.com/kuuji/regiongate/internal/firewall"
	"github.com/kuuji/regiongate/internal/kernel"
	"github.com/kuuji/regiongate/internal/routing"
)

var baseRulesOverlay string

var baseRulesCmd = &cobra.Command{
	Use:   "base-rules",
	Short: "Manage single-tunnel NAT and forwarding rules",
	Long: `Manage the single-tunnel base rules: masquerade on one tunnel and
forwarding between the overlay interface and that tunnel, kept in a
dedicated nftables table. This is for hosts that route the whole exit node
through one tunnel instead of binding devices per region.

Requires root or CAP_NET_ADMIN.`,
}

var baseRulesUpCmd = &cobra.Command{
	Use:   "up <tunnel-interface>",
	Short: "Install base rules for a tunnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBaseRulesBinder()
		if err != nil {
			return err
		}
		if err := b.SetupBaseRules(baseRulesOverlay, args[0]); err != nil {
			return err
		}
		fmt.Printf("Base rules installed for %s\n", args[0])
		return nil
	},
}

var baseRulesDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Remove base rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBaseRulesBinder()
		if err != nil {
			return err
		}
		if err := b.CleanupBaseRules(); err != nil {
			return err
		}
		fmt.Println("Base rules removed")
		return nil
	},
}

func init() {
	baseRulesUpCmd.Flags().StringVar(&baseRulesOverlay, "overlay", "", "overlay interface (default: from config)")
	baseRulesCmd.AddCommand(baseRulesUpCmd)
	baseRulesCmd.AddCommand(baseRulesDownCmd)
}

// newBaseRulesBinder builds a Binder with only what base rules need.
func newBaseRulesBinder() (*routing.Binder, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rc, err := agent.RoutingConfig(cfg)
	if err != nil {
		return nil, err
	}
	ipt, err := firewall.New()
	if err != nil {
		return nil, err
	}
	return routing.NewBinder(rc, kernel.NewNetlink(), ipt, nil, routing.NewNFTBaseRules(globalLogger), globalLogger), nil
}
