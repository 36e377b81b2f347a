package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/regiongate/internal/config"
	"github.com/kuuji/regiongate/internal/control"
)

var (
	setupUsername    string
	setupPassword    string
	setupWriteConfig bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Store PIA account credentials",
	Long: `Store PIA account credentials with the running daemon.

The daemon validates them by requesting an access token before saving.
Missing values are prompted for interactively. With --write-config the
credentials are also written to the config file so they seed a fresh
database on the next start.`,
	Args: cobra.NoArgs,
	RunE: runSetup,
}

var setupTailscaleKey string

var setupTailscaleCmd = &cobra.Command{
	Use:   "tailscale",
	Short: "Store a Tailscale API key for device inventory",
	Long: `Store a Tailscale API key with the running daemon.

With a key, 'devices sync' lists the tailnet through the Tailscale API,
which also sees devices the local node has no peer entry for. The daemon
validates the key before saving it. Without --api-key it is prompted for.`,
	Args: cobra.NoArgs,
	RunE: runSetupTailscale,
}

func init() {
	setupCmd.Flags().StringVar(&setupUsername, "username", "", "PIA username (p1234567)")
	setupCmd.Flags().StringVar(&setupPassword, "password", "", "PIA password")
	setupCmd.Flags().BoolVar(&setupWriteConfig, "write-config", false, "also save the credentials to the config file")

	setupTailscaleCmd.Flags().StringVar(&setupTailscaleKey, "api-key", "", "Tailscale API key (tskey-api-...)")
	setupCmd.AddCommand(setupTailscaleCmd)
}

func runSetupTailscale(cmd *cobra.Command, args []string) error {
	key := setupTailscaleKey
	if key == "" {
		err := huh.NewForm(huh.NewGroup(huh.NewInput().
			Title("Tailscale API key").
			Placeholder("tskey-api-...").
			EchoMode(huh.EchoModePassword).
			Value(&key).
			Validate(notBlank("API key")))).
			WithTheme(customHuhTheme()).
			Run()
		if err != nil {
			return fmt.Errorf("reading API key: %w", err)
		}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key is required")
	}

	client, ctx, cancel := newClient()
	defer cancel()
	return printResult(client.SetTailscaleAPIKey(ctx, key))
}

func runSetup(cmd *cobra.Command, args []string) error {
	creds := control.Credentials{Username: setupUsername, Password: setupPassword}
	if err := promptCredentials(&creds); err != nil {
		return err
	}

	client, ctx, cancel := newClient()
	defer cancel()
	if err := printResult(client.SetCredentials(ctx, creds)); err != nil {
		return err
	}

	if setupWriteConfig {
		return writeCredentials(resolvedConfigPath(), creds)
	}
	return nil
}

// promptCredentials asks for whichever of username and password is empty.
func promptCredentials(creds *control.Credentials) error {
	var fields []huh.Field
	if creds.Username == "" {
		fields = append(fields, huh.NewInput().
			Title("PIA username").
			Placeholder("p1234567").
			Value(&creds.Username).
			Validate(notBlank("username")))
	}
	if creds.Password == "" {
		fields = append(fields, huh.NewInput().
			Title("PIA password").
			EchoMode(huh.EchoModePassword).
			Value(&creds.Password).
			Validate(notBlank("password")))
	}
	if len(fields) > 0 {
		form := huh.NewForm(huh.NewGroup(fields...)).WithTheme(customHuhTheme())
		if err := form.Run(); err != nil {
			return fmt.Errorf("reading credentials: %w", err)
		}
	}

	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		return errors.New("username and password are required")
	}
	return nil
}

func notBlank(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

// writeCredentials stores creds in the config file at path, creating it
// from defaults when missing.
func writeCredentials(path string, creds control.Credentials) error {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.PIA.Username = creds.Username
	cfg.PIA.Password = creds.Password
	if err := config.SaveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Credentials saved to %s\n", path)
	return nil
}
