package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kuuji/regiongate/internal/control"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List and route tailnet devices",
	RunE:  runDevicesList,
}

var devicesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the device inventory from the tailnet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel := newClient()
		defer cancel()
		return printResult(client.SyncDevices(ctx))
	},
}

var devicesEnableCmd = &cobra.Command{
	Use:   "enable <device-id>",
	Short: "Route a device through its selected region",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel := newClient()
		defer cancel()
		return printResult(client.EnableDevice(ctx, args[0]))
	},
}

var devicesDisableCmd = &cobra.Command{
	Use:   "disable <device-id>",
	Short: "Stop routing a device through a region",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel := newClient()
		defer cancel()
		return printResult(client.DisableDevice(ctx, args[0]))
	},
}

var devicesRegionCmd = &cobra.Command{
	Use:   "region <device-id> [region-id]",
	Short: "Select a device's region; omit region-id to clear it",
	Long: `Select the region a device is routed through. If the device is already
enabled it is moved to the new region's tunnel right away. Omitting
region-id clears the selection, which is only allowed while the device is
disabled.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		region := ""
		if len(args) == 2 {
			region = args[1]
		}
		client, ctx, cancel := newClient()
		defer cancel()
		return printResult(client.SetDeviceRegion(ctx, args[0], region))
	},
}

var devicesCheckCmd = &cobra.Command{
	Use:   "check <device-id>",
	Short: "Check SSH reachability and the exit node a device uses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel := newClient()
		defer cancel()
		check, err := client.CheckDevice(ctx, args[0])
		if err != nil {
			return daemonError(err)
		}
		printCheck(check)
		return nil
	},
}

func init() {
	devicesCmd.AddCommand(devicesSyncCmd)
	devicesCmd.AddCommand(devicesEnableCmd)
	devicesCmd.AddCommand(devicesDisableCmd)
	devicesCmd.AddCommand(devicesRegionCmd)
	devicesCmd.AddCommand(devicesCheckCmd)
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	client, ctx, cancel := newClient()
	defer cancel()

	devices, err := client.Devices(ctx)
	if err != nil {
		return daemonError(err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices. Run 'regiongate devices sync' to fetch them from the tailnet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tIP\tOS\tSEEN\tREGION\tROUTING")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Hostname, orDash(strings.Join(d.IPs, ",")), orDash(d.OS),
			lastSeen(d, time.Now()), orDash(d.RegionID), routingState(d))
	}
	return w.Flush()
}

// lastSeen renders a device's presence: "online", a relative time, or "-".
func lastSeen(d control.Device, now time.Time) string {
	if d.Online {
		return "online"
	}
	if d.LastSeen == nil || d.LastSeen.IsZero() {
		return "-"
	}
	return humanize.RelTime(*d.LastSeen, now, "ago", "from now")
}

func routingState(d control.Device) string {
	switch {
	case d.AutoManaged:
		return "auto"
	case d.Enabled && d.Table != 0:
		return fmt.Sprintf("enabled (table %d)", d.Table)
	case d.Enabled:
		return "enabled"
	default:
		return "disabled"
	}
}

func printCheck(c control.DeviceCheck) {
	inSync := c.Reachable && c.ExitNodeKnown && c.ExitNode != "" && c.ExitNode == c.WantExitNode
	mark := styleBad.Render("✗")
	if inSync {
		mark = styleOK.Render("✓")
	}
	fmt.Println(mark, c.Message)
	fmt.Printf("%s %s\n", styleKey.Render("SSH:"), yesNo(c.Reachable, "reachable", "unreachable"))
	if c.ExitNodeKnown {
		fmt.Printf("%s %s\n", styleKey.Render("Exit node:"), orDash(c.ExitNode))
	}
}

// printResult prints an ActionResult message, or returns the request error.
func printResult(res control.ActionResult, err error) error {
	if err != nil {
		return daemonError(err)
	}
	if res.Success {
		fmt.Println(styleOK.Render("✓"), res.Message)
	} else {
		fmt.Println(styleBad.Render("✗"), res.Message)
	}
	return nil
}
