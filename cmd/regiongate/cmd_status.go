package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/regiongate/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon status and live region tunnels",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, ctx, cancel := newClient()
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		return daemonError(err)
	}
	printStatus(st)
	return nil
}

func printStatus(st control.Status) {
	fmt.Println(styleHeader.Render("regiongate " + version))
	fmt.Printf("%s %s\n", styleKey.Render("Health:"), yesNo(st.Healthy, "healthy", "unhealthy"))
	for _, msg := range st.Messages {
		fmt.Println("  " + styleDim.Render(msg))
	}
	fmt.Printf("%s %s (%s)\n", styleKey.Render("Host:"), st.Hostname, orDash(st.TailnetIP))
	fmt.Printf("%s %s\n", styleKey.Render("Tailscale:"), yesNo(st.Tailscale, "running", "not running"))
	fmt.Printf("%s %s\n", styleKey.Render("Exit node:"), yesNo(st.ExitNode, "advertised", "not advertised"))
	fmt.Printf("%s %s\n", styleKey.Render("IP forwarding:"), yesNo(st.IPForwarding, "enabled", "disabled"))
	fmt.Printf("%s %s\n", styleKey.Render("Credentials:"), yesNo(st.Credentials, "configured", "missing (run regiongate setup)"))
	fmt.Printf("%s %s\n", styleKey.Render("Uptime:"), formatDuration(time.Duration(st.UptimeSeconds*float64(time.Second))))
	fmt.Printf("%s %d\n", styleKey.Render("Bound devices:"), st.BoundDevices)

	if len(st.Connections) == 0 {
		fmt.Println()
		fmt.Println(styleDim.Render("No region tunnels."))
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGION\tINTERFACE\tSTATE\tDEVICES\tHANDSHAKE\tRX\tTX")
	for _, c := range st.Connections {
		name := c.RegionID
		if c.RegionName != "" {
			name = c.RegionName
		}
		state := "down"
		if c.Connected {
			state = "up"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			name, c.Interface, state, c.Devices, orDash(c.LastHandshake), orDash(c.TransferRx), orDash(c.TransferTx))
	}
	w.Flush() //nolint:errcheck
}
