package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List the provider's regions",
	RunE:  runRegionsList,
}

var regionsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-fetch the region catalog from the provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel := newClient()
		defer cancel()
		return printResult(client.RefreshRegions(ctx))
	},
}

var regionsReconnectCmd = &cobra.Command{
	Use:   "reconnect <region-id>",
	Short: "Restart a region's tunnel and rebuild its devices' routing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel := newClient()
		defer cancel()
		return printResult(client.ReconnectRegion(ctx, args[0]))
	},
}

var regionsConnectedOnly bool

func init() {
	regionsCmd.Flags().BoolVar(&regionsConnectedOnly, "connected", false, "only show regions with a live tunnel")
	regionsCmd.AddCommand(regionsRefreshCmd)
	regionsCmd.AddCommand(regionsReconnectCmd)
}

func runRegionsList(cmd *cobra.Command, args []string) error {
	client, ctx, cancel := newClient()
	defer cancel()

	regions, err := client.Regions(ctx)
	if err != nil {
		return daemonError(err)
	}
	if len(regions) == 0 {
		fmt.Println("No regions. Run 'regiongate regions refresh' to fetch the catalog.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOUNTRY\tPF\tGEO\tTUNNEL")
	for _, r := range regions {
		if regionsConnectedOnly && !r.Connected {
			continue
		}
		tunnel := "-"
		if r.Connected {
			tunnel = "up"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Name, r.Country, flag(r.PortForward), flag(r.Geo), tunnel)
	}
	return w.Flush()
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
