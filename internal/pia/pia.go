// Package pia is a client for the Private Internet Access WireGuard API:
// the public region catalog, account token issuance, and per-server key
// registration.
package pia

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Default endpoints.
const (
	DefaultServerListURL = "https://serverlist.piaservers.net/vpninfo/servers/v6"
	DefaultTokenURL      = "https://www.privateinternetaccess.com/api/client/v2/token"

	// DefaultAPIPort is the port WireGuard servers serve /addKey on, and
	// the tunnel port when the server does not report one.
	DefaultAPIPort = 1337
)

const (
	defaultTimeout    = 30 * time.Second
	serverIdleTimeout = 90 * time.Second
)

// Credentials are the account username and password.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Server is one WireGuard server in a region's pool.
type Server struct {
	IP string `json:"ip"`
	CN string `json:"cn"`
}

// Servers is the per-protocol server pool of a region. Only the WireGuard
// pool is interpreted; the raw JSON is kept for storage.
type Servers struct {
	WG []Server `json:"wg"`
}

// WireGuard returns the first usable WireGuard server.
func (s Servers) WireGuard() (Server, error) {
	for _, srv := range s.WG {
		if srv.IP != "" && srv.CN != "" {
			return srv, nil
		}
	}
	return Server{}, errors.New("no WireGuard server with ip and cn")
}

// DecodeServers parses a stored server pool.
func DecodeServers(raw string) (Servers, error) {
	var s Servers
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Servers{}, fmt.Errorf("decoding server pool: %w", err)
	}
	return s, nil
}

// Region is a catalog entry with at least one WireGuard server.
type Region struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Country     string          `json:"country"`
	DNS         string          `json:"dns"`
	PortForward bool            `json:"port_forward"`
	Geo         bool            `json:"geo"`
	Servers     json.RawMessage `json:"servers"`
}

// Registration is the result of registering a public key with a server.
type Registration struct {
	ServerKey  string
	PeerIP     string
	ServerIP   string
	ServerPort int
	DNSServers []string
}

// Endpoint returns the WireGuard endpoint as host:port.
func (r *Registration) Endpoint() string {
	return net.JoinHostPort(r.ServerIP, strconv.Itoa(r.ServerPort))
}

// AuthError is returned by Register when both token and basic
// authentication were rejected.
type AuthError struct {
	TokenErr error
	BasicErr error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token auth failed: %v; basic auth failed: %v", e.TokenErr, e.BasicErr)
}

func (e *AuthError) Unwrap() []error {
	return []error{e.TokenErr, e.BasicErr}
}

// Config configures a Client.
type Config struct {
	ServerListURL string
	TokenURL      string
	// CAFile is a PEM bundle used to verify WireGuard servers' API
	// certificates. When empty, server certificates are not verified.
	CAFile string
	// APIPort overrides DefaultAPIPort.
	APIPort int
	Timeout time.Duration
}

// Client talks to the PIA APIs.
type Client struct {
	serverListURL string
	tokenURL      string
	apiPort       int
	timeout       time.Duration
	roots         *x509.CertPool

	http *http.Client
	log  *slog.Logger

	mu      sync.Mutex
	servers map[string]*http.Client // by server common name
}

// New creates a Client. If logger is nil, slog.Default() is used.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		serverListURL: cfg.ServerListURL,
		tokenURL:      cfg.TokenURL,
		apiPort:       cfg.APIPort,
		timeout:       cfg.Timeout,
		log:           logger.With("component", "pia"),
		servers:       make(map[string]*http.Client),
	}
	if c.serverListURL == "" {
		c.serverListURL = DefaultServerListURL
	}
	if c.tokenURL == "" {
		c.tokenURL = DefaultTokenURL
	}
	if c.apiPort == 0 {
		c.apiPort = DefaultAPIPort
	}
	if c.timeout == 0 {
		c.timeout = defaultTimeout
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		c.roots = x509.NewCertPool()
		if !c.roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
	}
	c.http = &http.Client{Timeout: c.timeout}
	return c, nil
}

// FetchRegions downloads the region catalog and returns the regions that
// offer WireGuard. The response body carries JSON on its first line
// followed by a signature, which is ignored.
func (c *Client) FetchRegions(ctx context.Context) ([]Region, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverListURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building server list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching server list: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching server list: unexpected status %s", resp.Status)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading server list: %w", err)
	}

	var list struct {
		Regions []Region `json:"regions"`
	}
	if err := json.Unmarshal(line, &list); err != nil {
		return nil, fmt.Errorf("decoding server list: %w", err)
	}

	out := make([]Region, 0, len(list.Regions))
	for _, region := range list.Regions {
		var servers Servers
		if err := json.Unmarshal(region.Servers, &servers); err != nil || len(servers.WG) == 0 {
			c.log.Debug("skipping region without WireGuard servers", "region", region.ID)
			continue
		}
		out = append(out, region)
	}

	c.log.Info("fetched region catalog", "regions", len(out))
	return out, nil
}

// Token exchanges account credentials for an API token. It doubles as a
// credential check.
func (c *Client) Token(ctx context.Context, creds Credentials) (string, error) {
	body, contentType, err := multipartForm(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, body)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("requesting token: unexpected status %s", resp.Status)
	}

	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.Token == "" {
		return "", errors.New("token response has no token")
	}
	return tok.Token, nil
}

// Register adds pubKey to server. Token authentication is tried first;
// if it fails, HTTP basic authentication with the account credentials is
// tried directly against the server. When both fail an *AuthError carrying
// both causes is returned.
func (c *Client) Register(ctx context.Context, server Server, creds Credentials, pubKey string) (*Registration, error) {
	log := c.log.With("server", server.CN, "ip", server.IP)

	reg, tokenErr := c.registerWithToken(ctx, server, creds, pubKey)
	if tokenErr == nil {
		log.Info("registered key", "auth", "token", "peer_ip", reg.PeerIP)
		return reg, nil
	}
	log.Warn("token auth failed, falling back to basic auth", "error", tokenErr)

	reg, basicErr := c.addKey(ctx, server, pubKey, "", &creds)
	if basicErr != nil {
		return nil, &AuthError{TokenErr: tokenErr, BasicErr: basicErr}
	}
	log.Info("registered key", "auth", "basic", "peer_ip", reg.PeerIP)
	return reg, nil
}

func (c *Client) registerWithToken(ctx context.Context, server Server, creds Credentials, pubKey string) (*Registration, error) {
	token, err := c.Token(ctx, creds)
	if err != nil {
		return nil, err
	}
	return c.addKey(ctx, server, pubKey, token, nil)
}

type addKeyResponse struct {
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	ServerKey  string   `json:"server_key"`
	ServerPort int      `json:"server_port"`
	ServerIP   string   `json:"server_ip"`
	PeerIP     string   `json:"peer_ip"`
	DNSServers []string `json:"dns_servers"`
}

// addKey calls GET https://<ip>:<port>/addKey. The connection goes to the
// server's IP while TLS and the Host header use its common name, so no DNS
// lookup is needed for the server.
func (c *Client) addKey(ctx context.Context, server Server, pubKey, token string, basic *Credentials) (*Registration, error) {
	port := strconv.Itoa(c.apiPort)
	q := url.Values{"pubkey": {pubKey}}
	if token != "" {
		q.Set("pt", token)
	}
	u := url.URL{
		Scheme:   "https",
		Host:     net.JoinHostPort(server.IP, port),
		Path:     "/addKey",
		RawQuery: q.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building addKey request: %w", err)
	}
	req.Host = net.JoinHostPort(server.CN, port)
	if basic != nil {
		req.SetBasicAuth(basic.Username, basic.Password)
	}

	resp, err := c.serverClient(server.CN).Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling addKey: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calling addKey: unexpected status %s", resp.Status)
	}

	var ak addKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ak); err != nil {
		return nil, fmt.Errorf("decoding addKey response: %w", err)
	}
	if ak.Status != "OK" {
		return nil, fmt.Errorf("addKey returned status %q: %s", ak.Status, ak.Message)
	}
	if ak.ServerKey == "" {
		return nil, errors.New("addKey response has no server_key")
	}
	if ak.PeerIP == "" {
		return nil, errors.New("addKey response has no peer_ip")
	}

	reg := &Registration{
		ServerKey:  ak.ServerKey,
		PeerIP:     ak.PeerIP,
		ServerIP:   server.IP,
		ServerPort: ak.ServerPort,
		DNSServers: ak.DNSServers,
	}
	if reg.ServerPort == 0 {
		reg.ServerPort = DefaultAPIPort
	}
	return reg, nil
}

// serverClient returns the HTTP client for the server named cn. It verifies
// the server certificate against cn using the configured CA bundle. Clients
// are cached so reconnects to one server share its idle connections.
func (c *Client) serverClient(cn string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.servers[cn]; ok {
		return hc
	}

	tlsCfg := &tls.Config{
		ServerName: cn,
		MinVersion: tls.VersionTLS12,
	}
	if c.roots != nil {
		tlsCfg.RootCAs = c.roots
	} else {
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // no CA bundle configured
	}
	hc := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsCfg,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     serverIdleTimeout,
		},
	}
	c.servers[cn] = hc
	return hc
}

// CloseIdleConnections closes idle connections to the catalog, token, and
// WireGuard API servers.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hc := range c.servers {
		hc.CloseIdleConnections()
	}
}

func multipartForm(fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
