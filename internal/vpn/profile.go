package vpn

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultProfileDir is where NetworkManager reads keyfile profiles.
const DefaultProfileDir = "/etc/NetworkManager/system-connections"

// Profile is a NetworkManager WireGuard connection profile.
type Profile struct {
	Name          string
	UUID          string
	PrivateKey    string
	Address       string
	DNS           []string
	PeerPublicKey string
	Endpoint      string
	AllowedIPs    string
	Keepalive     int
}

// Render returns the profile in NetworkManager keyfile format. The
// connection never becomes a default route; traffic reaches it only
// through per-device policy routing.
func (p Profile) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[connection]\nid=%s\nuuid=%s\ntype=wireguard\ninterface-name=%s\n\n", p.Name, p.UUID, p.Name)
	fmt.Fprintf(&b, "[wireguard]\nprivate-key=%s\n\n", p.PrivateKey)
	fmt.Fprintf(&b, "[wireguard-peer.%s]\nendpoint=%s\nallowed-ips=%s;\n", p.PeerPublicKey, p.Endpoint, p.AllowedIPs)
	if p.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent-keepalive=%d\n", p.Keepalive)
	}
	b.WriteString("\n[ipv4]\n")
	fmt.Fprintf(&b, "address1=%s\n", p.Address)
	if len(p.DNS) > 0 {
		fmt.Fprintf(&b, "dns=%s;\nignore-auto-dns=true\n", strings.Join(p.DNS, ";"))
	}
	b.WriteString("method=manual\nnever-default=true\n\n")
	b.WriteString("[ipv6]\naddr-gen-mode=default\nmethod=disabled\n\n[proxy]\n")
	return b.String()
}

// ProfilePath returns the keyfile path for a connection named name.
func ProfilePath(dir, name string) string {
	return filepath.Join(dir, name+".nmconnection")
}

// WriteProfile writes p into dir with mode 0600, which NetworkManager
// requires for keyfiles holding secrets.
func WriteProfile(dir string, p Profile) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating profile directory: %w", err)
	}
	path := ProfilePath(dir, p.Name)
	if err := os.WriteFile(path, []byte(p.Render()), 0o600); err != nil {
		return "", fmt.Errorf("writing profile %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("setting profile permissions: %w", err)
	}
	return path, nil
}

// RemoveProfile deletes the keyfile for name. A missing file is not an
// error.
func RemoveProfile(dir, name string) error {
	err := os.Remove(ProfilePath(dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing profile %s: %w", name, err)
	}
	return nil
}

// ReadProfile parses the fields regiongate needs back out of a keyfile
// written by WriteProfile.
func ReadProfile(dir, name string) (*Profile, error) {
	f, err := os.Open(ProfilePath(dir, name))
	if err != nil {
		return nil, fmt.Errorf("opening profile %s: %w", name, err)
	}
	defer f.Close() //nolint:errcheck

	p := &Profile{}
	section := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			if peer, ok := strings.CutPrefix(section, "wireguard-peer."); ok {
				p.PeerPublicKey = peer
				section = "wireguard-peer"
			}
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch section + "." + key {
		case "connection.id":
			p.Name = val
		case "connection.uuid":
			p.UUID = val
		case "wireguard.private-key":
			p.PrivateKey = val
		case "wireguard-peer.endpoint":
			p.Endpoint = val
		case "wireguard-peer.allowed-ips":
			p.AllowedIPs = strings.TrimSuffix(val, ";")
		case "wireguard-peer.persistent-keepalive":
			p.Keepalive, _ = strconv.Atoi(val)
		case "ipv4.address1":
			p.Address = val
		case "ipv4.dns":
			for _, d := range strings.Split(val, ";") {
				if d = strings.TrimSpace(d); d != "" {
					p.DNS = append(p.DNS, d)
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", name, err)
	}
	return p, nil
}
