package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kuuji/regiongate/internal/control"
)

var (
	logLimit  int
	logOffset int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the connection and routing audit log, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

func init() {
	logCmd.Flags().IntVar(&logLimit, "limit", control.DefaultLogLimit, "number of entries to show")
	logCmd.Flags().IntVar(&logOffset, "offset", 0, "number of newest entries to skip")
}

func runLog(cmd *cobra.Command, args []string) error {
	client, ctx, cancel := newClient()
	defer cancel()

	page, err := client.Log(ctx, logLimit, logOffset)
	if err != nil {
		return daemonError(err)
	}
	if len(page.Entries) == 0 {
		fmt.Println("No log entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tREGION\tSTATUS\tMESSAGE")
	for _, e := range page.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType, orDash(e.RegionID), e.Status, e.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	shown := page.Offset + len(page.Entries)
	fmt.Println(styleDim.Render(fmt.Sprintf("%s-%s of %s entries",
		humanize.Comma(int64(page.Offset+1)), humanize.Comma(int64(shown)), humanize.Comma(page.Total))))
	return nil
}
