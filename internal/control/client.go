package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultClientTimeout bounds one request. Enabling a device registers a
// key with the provider and brings a tunnel up, so it is generous.
const DefaultClientTimeout = 90 * time.Second

// APIError is a non-2xx response from the control server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Unwrap maps the status code back to ErrNotFound or ErrInvalid.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrInvalid
	default:
		return nil
	}
}

// Client talks to a control server over its Unix socket. It implements
// Backend.
type Client struct {
	http *http.Client
}

var _ Backend = (*Client)(nil)

// NewClient returns a Client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: DefaultClientTimeout,
		},
	}
}

// FetchStatus connects to a running control server and returns the status.
func FetchStatus(socketPath string) (*Status, error) {
	st, err := NewClient(socketPath).Status(context.Background())
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var ds []Device
	err := c.do(ctx, http.MethodGet, "/devices", nil, &ds)
	return ds, err
}

func (c *Client) SyncDevices(ctx context.Context) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/devices/sync", nil)
}

func (c *Client) EnableDevice(ctx context.Context, deviceID string) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/enable", nil)
}

func (c *Client) DisableDevice(ctx context.Context, deviceID string) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/disable", nil)
}

func (c *Client) SetDeviceRegion(ctx context.Context, deviceID, regionID string) (ActionResult, error) {
	return c.action(ctx, http.MethodPut, "/devices/"+url.PathEscape(deviceID)+"/region", RegionRequest{RegionID: regionID})
}

func (c *Client) CheckDevice(ctx context.Context, deviceID string) (DeviceCheck, error) {
	var check DeviceCheck
	err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/check", nil, &check)
	return check, err
}

func (c *Client) Regions(ctx context.Context) ([]Region, error) {
	var rs []Region
	err := c.do(ctx, http.MethodGet, "/regions", nil, &rs)
	return rs, err
}

func (c *Client) RefreshRegions(ctx context.Context) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/regions/refresh", nil)
}

func (c *Client) ReconnectRegion(ctx context.Context, regionID string) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/regions/"+url.PathEscape(regionID)+"/reconnect", nil)
}

func (c *Client) Log(ctx context.Context, limit, offset int) (LogPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var page LogPage
	err := c.do(ctx, http.MethodGet, "/log?"+q.Encode(), nil, &page)
	return page, err
}

func (c *Client) SetCredentials(ctx context.Context, creds Credentials) (ActionResult, error) {
	return c.action(ctx, http.MethodPut, "/setup", creds)
}

func (c *Client) TailscaleSettings(ctx context.Context) (TailscaleSettings, error) {
	var ts TailscaleSettings
	err := c.do(ctx, http.MethodGet, "/settings/tailscale", nil, &ts)
	return ts, err
}

func (c *Client) SetTailscaleAPIKey(ctx context.Context, apiKey string) (ActionResult, error) {
	return c.action(ctx, http.MethodPut, "/settings/tailscale", TailscaleKeyRequest{APIKey: apiKey})
}

func (c *Client) action(ctx context.Context, method, path string, body any) (ActionResult, error) {
	var res ActionResult
	err := c.do(ctx, method, path, body, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://regiongate"+path, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to control socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
