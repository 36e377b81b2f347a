// Package config loads and saves the regiongate TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultConfigPath is where the daemon looks for its config file.
const DefaultConfigPath = "/etc/regiongate/config.toml"

// Environment variables that override file settings.
const (
	EnvStoreDSN    = "REGIONGATE_STORE_DSN"
	EnvPIAUsername = "REGIONGATE_PIA_USERNAME"
	EnvPIAPassword = "REGIONGATE_PIA_PASSWORD"

	EnvTailscaleAPIKey = "REGIONGATE_TAILSCALE_API_KEY"
)

// Defaults applied to unset fields.
const (
	DefaultStoreDriver      = "sqlite"
	DefaultStoreDSN         = "/var/lib/regiongate/regiongate.db"
	DefaultOverlayInterface = "tailscale0"
	DefaultOverlayCIDR      = "100.64.0.0/10"
	DefaultTableBase        = 100
	DefaultRulePriorityBase = 1000
	DefaultInterfacePrefix  = "pia-"
	DefaultProfileDir       = "/etc/NetworkManager/system-connections"
	DefaultDriftConcurrency = 8
	DefaultRemoteUser       = "root"
	DefaultSocketPath       = "/run/regiongate/control.sock"
)

// DefaultDNS is used for tunnels whose provider hands out no resolvers.
var DefaultDNS = []string{"10.0.0.243"}

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level configuration for regiongate.
// It is persisted as a TOML file at DefaultConfigPath.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	PIA       PIAConfig       `toml:"pia"`
	Overlay   OverlayConfig   `toml:"overlay"`
	Routing   RoutingConfig   `toml:"routing"`
	VPN       VPNConfig       `toml:"vpn"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Remote    RemoteConfig    `toml:"remote"`
	Control   ControlConfig   `toml:"control"`
}

// StoreConfig selects the desired-state database.
type StoreConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver string `toml:"driver"`

	// DSN is a file path for sqlite or a go-sql-driver DSN for mysql.
	DSN string `toml:"dsn"`
}

// PIAConfig configures the VPN provider client.
type PIAConfig struct {
	ServerListURL string `toml:"server_list_url,omitempty"`
	TokenURL      string `toml:"token_url,omitempty"`

	// CAFile verifies the provider's WireGuard API certificates. When empty
	// certificate verification is skipped for those servers.
	CAFile string `toml:"ca_file,omitempty"`

	// Username and Password seed the stored credentials on first start.
	// `regiongate setup` stores credentials in the database instead.
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`

	Timeout Duration `toml:"timeout,omitempty"`
}

// OverlayConfig describes the tailnet side of the host.
type OverlayConfig struct {
	Interface string `toml:"interface"`
	CIDR      string `toml:"cidr"`

	// APIKey lets the device inventory come from the Tailscale HTTP API
	// instead of the local CLI. A key stored with `regiongate setup
	// tailscale` takes precedence.
	APIKey  string `toml:"api_key,omitempty"`
	Tailnet string `toml:"tailnet,omitempty"`
	APIURL  string `toml:"api_url,omitempty"`
}

// RoutingConfig controls per-device policy routing.
type RoutingConfig struct {
	// LocalCIDR is the LAN kept reachable from bound devices. Detected from
	// the host's interfaces when empty.
	LocalCIDR string `toml:"local_cidr,omitempty"`

	TableBase        int `toml:"table_base"`
	RulePriorityBase int `toml:"rule_priority_base"`
}

// VPNConfig controls region tunnels.
type VPNConfig struct {
	InterfacePrefix string   `toml:"interface_prefix"`
	ProfileDir      string   `toml:"profile_dir"`
	DefaultDNS      []string `toml:"default_dns"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Interval         Duration `toml:"interval"`
	DriftConcurrency int      `toml:"drift_concurrency"`

	// DriftCheck verifies over SSH that bound Linux devices still use this
	// host as their exit node.
	DriftCheck bool `toml:"drift_check"`
}

// RemoteConfig configures SSH access to tailnet devices.
type RemoteConfig struct {
	User           string `toml:"user"`
	KeyFile        string `toml:"key_file,omitempty"`
	KnownHostsFile string `toml:"known_hosts_file,omitempty"`

	// TrustOnFirstUse records the host key of a device missing from
	// KnownHostsFile and accepts it. Keys already recorded are still
	// enforced. Without it, unknown devices fail every SSH command.
	TrustOnFirstUse       bool     `toml:"trust_on_first_use"`
	InsecureIgnoreHostKey bool     `toml:"insecure_ignore_host_key,omitempty"`
	ConnectTimeout        Duration `toml:"connect_timeout"`
}

// ControlConfig locates the control socket.
type ControlConfig struct {
	SocketPath string `toml:"socket_path"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Reconcile: ReconcileConfig{DriftCheck: true},
		Remote:    RemoteConfig{TrustOnFirstUse: true},
	}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// A .env file next to the config is loaded into the environment before
// environment overrides are applied.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// LoadOrDefault is LoadConfig, except that a missing file yields the
// defaults with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = DefaultConfig()
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 since it may contain credentials.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// loadDotEnv loads path into the process environment if it exists.
// Variables already set are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvPIAUsername); v != "" {
		cfg.PIA.Username = v
	}
	if v := os.Getenv(EnvPIAPassword); v != "" {
		cfg.PIA.Password = v
	}
	if v := os.Getenv(EnvTailscaleAPIKey); v != "" {
		cfg.Overlay.APIKey = v
	}
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == DefaultStoreDriver {
		cfg.Store.DSN = DefaultStoreDSN
	}
	if cfg.PIA.Timeout.Duration == 0 {
		cfg.PIA.Timeout.Duration = 30 * time.Second
	}
	if cfg.Overlay.Interface == "" {
		cfg.Overlay.Interface = DefaultOverlayInterface
	}
	if cfg.Overlay.CIDR == "" {
		cfg.Overlay.CIDR = DefaultOverlayCIDR
	}
	if cfg.Routing.TableBase == 0 {
		cfg.Routing.TableBase = DefaultTableBase
	}
	if cfg.Routing.RulePriorityBase == 0 {
		cfg.Routing.RulePriorityBase = DefaultRulePriorityBase
	}
	if cfg.VPN.InterfacePrefix == "" {
		cfg.VPN.InterfacePrefix = DefaultInterfacePrefix
	}
	if cfg.VPN.ProfileDir == "" {
		cfg.VPN.ProfileDir = DefaultProfileDir
	}
	if len(cfg.VPN.DefaultDNS) == 0 {
		cfg.VPN.DefaultDNS = append([]string(nil), DefaultDNS...)
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = 5 * time.Second
	}
	if cfg.Reconcile.DriftConcurrency == 0 {
		cfg.Reconcile.DriftConcurrency = DefaultDriftConcurrency
	}
	if cfg.Remote.User == "" {
		cfg.Remote.User = DefaultRemoteUser
	}
	if cfg.Remote.ConnectTimeout.Duration == 0 {
		cfg.Remote.ConnectTimeout.Duration = 10 * time.Second
	}
	if cfg.Control.SocketPath == "" {
		cfg.Control.SocketPath = DefaultSocketPath
	}
}
