// Command regiongate routes individual tailnet devices through per-region
// PIA WireGuard tunnels, turning one exit node into many.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalSocketPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "regiongate",
	Short: "Per-device PIA region routing for a Tailscale exit node",
	Long: `regiongate turns a Tailscale exit node into a multi-region gateway.
Each tailnet device can be bound to its own PIA region; regiongate keeps one
WireGuard tunnel per region in use and policy-routes every bound device
through its region's tunnel.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(globalLogger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/regiongate/config.toml)")
	rootCmd.PersistentFlags().StringVar(&globalSocketPath, "socket", "", "control socket path (default: from config)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(regionsCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(baseRulesCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the regiongate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
