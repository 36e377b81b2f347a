package tailscale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIURL is the Tailscale control-plane API.
const DefaultAPIURL = "https://api.tailscale.com/api/v2"

// DefaultTailnet selects the tailnet the API key belongs to.
const DefaultTailnet = "-"

// ErrUnauthorized is returned when the API rejects the key.
var ErrUnauthorized = errors.New("tailscale API key rejected")

// APIDevice is the subset of a device record from the tailnet devices
// endpoint that regiongate reads.
type APIDevice struct {
	ID                 string    `json:"id"`
	NodeID             string    `json:"nodeId"`
	Name               string    `json:"name"`
	Hostname           string    `json:"hostname"`
	Addresses          []string  `json:"addresses"`
	OS                 string    `json:"os"`
	LastSeen           time.Time `json:"lastSeen"`
	Expires            time.Time `json:"expires"`
	KeyExpiryDisabled  bool      `json:"keyExpiryDisabled"`
	AdvertisesExitNode bool      `json:"advertisesExitNode"`
	ConnectedToControl *bool     `json:"connectedToControl,omitempty"`
}

// Online reports the device's reachability. Records that carry
// connectedToControl use it; older records fall back to whether the node
// key has an expiry set.
func (d APIDevice) Online() bool {
	if d.ConnectedToControl != nil {
		return *d.ConnectedToControl
	}
	return d.Expires.IsZero()
}

// API lists tailnet devices through the Tailscale HTTP API.
type API struct {
	baseURL string
	tailnet string
	http    *http.Client
}

// NewAPI creates an API client. Empty baseURL and tailnet select
// DefaultAPIURL and DefaultTailnet; a nil httpClient uses a client with a
// 30 second timeout.
func NewAPI(baseURL, tailnet string, httpClient *http.Client) *API {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if tailnet == "" {
		tailnet = DefaultTailnet
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		tailnet: tailnet,
		http:    httpClient,
	}
}

// Devices fetches every device in the tailnet using apiKey.
func (a *API) Devices(ctx context.Context, apiKey string) ([]APIDevice, error) {
	endpoint := a.baseURL + "/tailnet/" + url.PathEscape(a.tailnet) + "/devices"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building devices request: %w", err)
	}
	req.SetBasicAuth(apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tailnet devices: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (%s)", ErrUnauthorized, resp.Status)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching tailnet devices: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Devices []APIDevice `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding tailnet devices: %w", err)
	}
	return out.Devices, nil
}
