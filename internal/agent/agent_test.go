package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/kuuji/regiongate/internal/control"
	"github.com/kuuji/regiongate/internal/pia"
	"github.com/kuuji/regiongate/internal/remote"
	"github.com/kuuji/regiongate/internal/store"
	"github.com/kuuji/regiongate/internal/tailscale"
)

var laptopIP = netip.MustParseAddr("100.64.0.5")

func hasAudit(t *testing.T, st *store.Store, event, status string) bool {
	t.Helper()
	entries, err := st.RecentLog(100, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.EventType == event && e.Status == status {
			return true
		}
	}
	return false
}

func TestAgent_EnableDevice_linuxPushesExitNode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")

	res, err := h.agent.EnableDevice(context.Background(), "n1")
	if err != nil {
		t.Fatalf("EnableDevice() error: %v", err)
	}

	if !res.Success {
		t.Error("Success = false")
	}
	if want := "Routing enabled and exit node configured automatically for laptop"; res.Message != want {
		t.Errorf("Message = %q, want %q", res.Message, want)
	}
	if res.Device == nil || !res.Device.Enabled || res.Device.RegionID != "de" || res.Device.Table != 100 {
		t.Errorf("Device = %+v, want enabled in de with table 100", res.Device)
	}

	if len(h.conns.ensured) != 1 || h.conns.ensured[0] != "de" {
		t.Errorf("ensured = %v, want [de]", h.conns.ensured)
	}
	if iface := h.router.Bound()[laptopIP]; iface != "pia-de" {
		t.Errorf("bound iface = %q, want pia-de", iface)
	}

	calls := h.exits.Calls()
	if len(calls) != 1 || calls[0] != (exitCall{op: "set", target: "100.64.0.5", exitNode: "100.64.0.1"}) {
		t.Errorf("exit node calls = %+v", calls)
	}

	enabled, err := h.store.IsEnabled("n1")
	if err != nil || !enabled {
		t.Errorf("IsEnabled = %v, %v; want true", enabled, err)
	}
	if !hasAudit(t, h.store, store.EventDeviceRouting, store.StatusSuccess) {
		t.Error("missing device_routing success audit entry")
	}
}

func TestAgent_EnableDevice_exitNodeMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		os       string
		sshErr   error
		exitNode bool
		want     string
		wantSSH  bool
	}{
		{
			name:     "ssh failure",
			os:       "linux",
			sshErr:   errSSH,
			exitNode: true,
			want:     "SSH failed (ssh: handshake failed). Run manually on laptop: tailscale set --exit-node=100.64.0.1",
			wantSSH:  true,
		},
		{
			name:     "non-linux device",
			os:       "windows",
			exitNode: true,
			want:     "Run this command on laptop: tailscale set --exit-node=100.64.0.1",
		},
		{
			name: "host not an exit node",
			os:   "linux",
			want: "Warning: this host is not advertising as an exit node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.setCredentials(t)
			h.addDevice(t, "n1", "laptop", tt.os, "100.64.0.5", "de")
			h.exits.fail = tt.sshErr
			h.inv.self.ExitNode = tt.exitNode

			res, err := h.agent.EnableDevice(context.Background(), "n1")
			if err != nil {
				t.Fatalf("EnableDevice() error: %v", err)
			}
			if !res.Success {
				t.Error("routing succeeded, Success should be true")
			}
			if !strings.Contains(res.Message, tt.want) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.want)
			}
			if got := len(h.exits.Calls()) > 0; got != tt.wantSSH {
				t.Errorf("ssh attempted = %v, want %v", got, tt.wantSSH)
			}
		})
	}
}

func TestAgent_EnableDevice_rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		want    error
		wantErr error
	}{
		{
			name:    "unknown device",
			setup:   func(t *testing.T, h *harness) { h.setCredentials(t) },
			want:    ErrDeviceNotFound,
			wantErr: control.ErrNotFound,
		},
		{
			name: "auto-managed device",
			setup: func(t *testing.T, h *harness) {
				h.setCredentials(t)
				h.addDevice(t, "n1", "phone", "iOS", "100.64.0.5", "de")
			},
			want:    ErrAutoManaged,
			wantErr: control.ErrInvalid,
		},
		{
			name: "no ip",
			setup: func(t *testing.T, h *harness) {
				h.setCredentials(t)
				h.addDevice(t, "n1", "laptop", "linux", "", "de")
			},
			want:    ErrNoIP,
			wantErr: control.ErrInvalid,
		},
		{
			name: "no region selected",
			setup: func(t *testing.T, h *harness) {
				h.setCredentials(t)
				h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "")
			},
			want:    ErrNoRegion,
			wantErr: control.ErrInvalid,
		},
		{
			name: "selected region gone",
			setup: func(t *testing.T, h *harness) {
				h.setCredentials(t)
				h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "")
				gone := "zz"
				if err := h.store.SetRegion("n1", &gone); err != nil {
					t.Fatal(err)
				}
			},
			want:    ErrRegionNotFound,
			wantErr: control.ErrNotFound,
		},
		{
			name: "no credentials",
			setup: func(t *testing.T, h *harness) {
				h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
			},
			want:    ErrNoCredentials,
			wantErr: control.ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			tt.setup(t, h)

			_, err := h.agent.EnableDevice(context.Background(), "n1")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want class %v", err, tt.wantErr)
			}
			if len(h.conns.ensured) != 0 {
				t.Errorf("tunnel touched on rejected request: %v", h.conns.ensured)
			}
		})
	}
}

func TestAgent_EnableDevice_connectionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.conns.err = &pia.AuthError{TokenErr: errors.New("401"), BasicErr: errors.New("403")}

	_, err := h.agent.EnableDevice(context.Background(), "n1")
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *pia.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("error = %v, want *pia.AuthError in chain", err)
	}

	if enabled, _ := h.store.IsEnabled("n1"); enabled {
		t.Error("binding enabled after failed connect")
	}
	if len(h.router.Bound()) != 0 {
		t.Errorf("device routed after failed connect: %v", h.router.Bound())
	}
	if !hasAudit(t, h.store, store.EventDeviceRouting, store.StatusError) {
		t.Error("missing device_routing error audit entry")
	}
}

func TestAgent_DisableDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}

	res, err := h.agent.DisableDevice(ctx, "n1")
	if err != nil {
		t.Fatalf("DisableDevice() error: %v", err)
	}
	if want := "Routing disabled and exit node cleared for laptop"; res.Message != want {
		t.Errorf("Message = %q, want %q", res.Message, want)
	}
	if res.Device == nil || res.Device.Enabled || res.Device.Table != 0 {
		t.Errorf("Device = %+v, want disabled without table", res.Device)
	}
	if res.Device.RegionID != "de" {
		t.Errorf("RegionID = %q, region selection should survive disable", res.Device.RegionID)
	}

	if len(h.router.disabled) != 1 || h.router.disabled[0] != laptopIP {
		t.Errorf("disabled = %v, want [%s]", h.router.disabled, laptopIP)
	}
	calls := h.exits.Calls()
	if last := calls[len(calls)-1]; last.op != "clear" || last.target != "100.64.0.5" {
		t.Errorf("last exit node call = %+v, want clear on device", last)
	}
	if enabled, _ := h.store.IsEnabled("n1"); enabled {
		t.Error("binding still enabled")
	}
}

func TestAgent_DisableDevice_clearFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	h.exits.fail = errSSH

	res, err := h.agent.DisableDevice(ctx, "n1")
	if err != nil {
		t.Fatalf("DisableDevice() error: %v", err)
	}
	want := "Routing disabled for device laptop. Run this on laptop to clear exit node: tailscale set --exit-node="
	if res.Message != want {
		t.Errorf("Message = %q, want %q", res.Message, want)
	}
}

func TestAgent_DisableDevice_routerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.router.err = errors.New("netlink: operation not permitted")

	if _, err := h.agent.DisableDevice(context.Background(), "n1"); err == nil {
		t.Fatal("expected error")
	}
	if !hasAudit(t, h.store, store.EventDeviceRouting, store.StatusError) {
		t.Error("missing device_routing error audit entry")
	}
}

func TestAgent_SetDeviceRegion_disabledOnlyRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "")
	h.addRegion(t, "us")

	res, err := h.agent.SetDeviceRegion(context.Background(), "n1", "us")
	if err != nil {
		t.Fatalf("SetDeviceRegion() error: %v", err)
	}
	if want := "Region set to us region for device laptop"; res.Message != want {
		t.Errorf("Message = %q, want %q", res.Message, want)
	}
	if len(h.conns.ensured) != 0 {
		t.Errorf("tunnel started for disabled device: %v", h.conns.ensured)
	}
	if region, _ := h.store.BindingRegion("n1"); region != "us" {
		t.Errorf("region = %q, want us", region)
	}
	if !hasAudit(t, h.store, store.EventDeviceRegion, store.StatusSuccess) {
		t.Error("missing device_region audit entry")
	}
}

func TestAgent_SetDeviceRegion_enabledMovesDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.addRegion(t, "us")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	res, err := h.agent.SetDeviceRegion(ctx, "n1", "us")
	if err != nil {
		t.Fatalf("SetDeviceRegion() error: %v", err)
	}

	if got := strings.Join(h.conns.ensured, ","); got != "de,us" {
		t.Errorf("ensured = %s, want de,us", got)
	}
	if iface := h.router.Bound()[laptopIP]; iface != "pia-us" {
		t.Errorf("bound iface = %q, want pia-us", iface)
	}
	if !res.Device.Enabled || res.Device.RegionID != "us" {
		t.Errorf("Device = %+v", res.Device)
	}
	if got := h.conns.Removed(); len(got) != 1 || got[0] != "pia-de" {
		t.Errorf("removed tunnels = %v, want the old region's pia-de", got)
	}
}

func TestAgent_SetDeviceRegion_rejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.addDevice(t, "n2", "mac", "macOS", "100.64.0.6", "")
	ctx := context.Background()

	if _, err := h.agent.SetDeviceRegion(ctx, "n1", "zz"); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("unknown region error = %v, want ErrRegionNotFound", err)
	}
	if _, err := h.agent.SetDeviceRegion(ctx, "n2", "de"); !errors.Is(err, ErrAutoManaged) {
		t.Errorf("auto-managed error = %v, want ErrAutoManaged", err)
	}

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.agent.SetDeviceRegion(ctx, "n1", ""); !errors.Is(err, ErrRegionInUse) {
		t.Errorf("clear while enabled error = %v, want ErrRegionInUse", err)
	}

	if _, err := h.agent.DisableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	res, err := h.agent.SetDeviceRegion(ctx, "n1", "")
	if err != nil {
		t.Fatalf("clearing region: %v", err)
	}
	if res.Device.RegionID != "" || res.Device.Enabled {
		t.Errorf("Device = %+v, want cleared and disabled", res.Device)
	}
}

func TestAgent_SyncDevices(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seen := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	h.inv.devices = []tailscale.Device{
		{ID: "n1", Hostname: "laptop", IPs: []string{"100.64.0.5", "fd7a:115c:a1e0::5"}, OS: "linux", Online: true, LastSeen: seen},
		{ID: "n2", Hostname: "phone", IPs: []string{"100.64.0.6"}, OS: "ios"},
	}
	ctx := context.Background()

	res, err := h.agent.SyncDevices(ctx)
	if err != nil {
		t.Fatalf("SyncDevices() error: %v", err)
	}
	if res.Message != "Synced 2 devices" {
		t.Errorf("Message = %q", res.Message)
	}

	devices, err := h.agent.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}
	byID := map[string]control.Device{}
	for _, d := range devices {
		byID[d.ID] = d
	}
	if d := byID["n1"]; len(d.IPs) != 2 || d.IPs[0] != "100.64.0.5" || d.LastSeen == nil || !d.LastSeen.Equal(seen) {
		t.Errorf("n1 = %+v", d)
	}
	if d := byID["n2"]; !d.AutoManaged || d.LastSeen != nil {
		t.Errorf("n2 = %+v, want auto-managed without last seen", d)
	}
	if !hasAudit(t, h.store, store.EventDevicesSync, store.StatusSuccess) {
		t.Error("missing devices_sync audit entry")
	}
}

func TestAgent_RefreshRegions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.catalog.regions = []pia.Region{
		{ID: "de", Name: "DE Berlin", Country: "DE", Servers: json.RawMessage(`{"wg":[{"ip":"1.2.3.4","cn":"berlin401"}]}`)},
		{ID: "us_chicago", Name: "US Chicago", Country: "US", PortForward: true, Servers: json.RawMessage(`{"wg":[]}`)},
	}
	h.conns.live["pia-de"] = true
	ctx := context.Background()

	if _, err := h.agent.RefreshRegions(ctx); err != nil {
		t.Fatalf("RefreshRegions() error: %v", err)
	}

	stored, err := h.store.Region("de")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stored.Servers, "berlin401") {
		t.Errorf("Servers = %q, want raw server pool", stored.Servers)
	}

	regions, err := h.agent.Regions(ctx)
	if err != nil {
		t.Fatalf("Regions() error: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("len(regions) = %d, want 2", len(regions))
	}
	for _, r := range regions {
		if want := r.ID == "de"; r.Connected != want {
			t.Errorf("%s Connected = %v, want %v", r.ID, r.Connected, want)
		}
	}
}

func TestAgent_RefreshRegions_error(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.catalog.err = errors.New("server list: 503")

	if _, err := h.agent.RefreshRegions(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !hasAudit(t, h.store, store.EventRegionsSync, store.StatusError) {
		t.Error("missing regions_sync error audit entry")
	}
}

func TestAgent_SetCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	creds := control.Credentials{Username: "p7654321", Password: "swordfish"}

	h.catalog.tokenErr = errors.New("token request: 401 Unauthorized")
	if _, err := h.agent.SetCredentials(ctx, creds); !errors.Is(err, control.ErrInvalid) {
		t.Errorf("rejected credentials error = %v, want ErrInvalid", err)
	}
	if _, ok, _ := h.store.PIACredentials(); ok {
		t.Error("rejected credentials were stored")
	}

	h.catalog.tokenErr = nil
	if _, err := h.agent.SetCredentials(ctx, creds); err != nil {
		t.Fatalf("SetCredentials() error: %v", err)
	}
	got, ok, err := h.store.PIACredentials()
	if err != nil || !ok || got.Username != "p7654321" {
		t.Errorf("stored = %+v, %v, %v", got, ok, err)
	}
}

func TestAgent_Status(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}

	st, err := h.agent.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.Hostname != "gateway" || st.TailnetIP != "100.64.0.1" || !st.ExitNode {
		t.Errorf("host = %q %q %v", st.Hostname, st.TailnetIP, st.ExitNode)
	}
	if !st.IPForwarding || !st.Credentials {
		t.Errorf("IPForwarding = %v, Credentials = %v", st.IPForwarding, st.Credentials)
	}
	if st.BoundDevices != 1 {
		t.Errorf("BoundDevices = %d, want 1", st.BoundDevices)
	}
	if len(st.Connections) != 1 {
		t.Fatalf("Connections = %+v, want one", st.Connections)
	}
	c := st.Connections[0]
	if c.RegionID != "de" || c.RegionName != "de region" || c.Devices != 1 || c.TransferRx != "1.2 MB" {
		t.Errorf("connection = %+v", c)
	}
	if !st.Healthy || !st.Tailscale || len(st.Messages) != 1 || st.Messages[0] != "All systems operational" {
		t.Errorf("health = %v %v %q", st.Healthy, st.Tailscale, st.Messages)
	}
}

func TestAgent_Log(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, msg := range []string{"one", "two", "three"} {
		h.store.Append(store.EventReconcile, store.StatusSuccess, "de", msg)
	}

	page, err := h.agent.Log(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("Log() error: %v", err)
	}
	if page.Total != 3 || page.Limit != 2 || len(page.Entries) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Entries[0].Message != "three" || page.Entries[0].RegionID != "de" {
		t.Errorf("newest entry = %+v", page.Entries[0])
	}

	page, err = h.agent.Log(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Limit != control.DefaultLogLimit {
		t.Errorf("Limit = %d, want default", page.Limit)
	}
}

func TestAgent_Run(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.agent.cfg.PIA.Username = "p1234567"
	h.agent.cfg.PIA.Password = "from-config"
	h.inv.devices = []tailscale.Device{{ID: "n1", Hostname: "laptop", IPs: []string{"100.64.0.5"}, OS: "linux"}}
	h.catalog.regions = []pia.Region{{ID: "de", Name: "DE Berlin", Servers: json.RawMessage(`{}`)}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	creds, ok, err := h.store.PIACredentials()
	if err != nil || !ok || creds.Password != "from-config" {
		t.Errorf("seeded credentials = %+v, %v, %v", creds, ok, err)
	}
	if _, err := h.store.Device("n1"); err != nil {
		t.Errorf("inventory not synced at startup: %v", err)
	}
	if _, err := h.store.Region("de"); err != nil {
		t.Errorf("catalog not refreshed at startup: %v", err)
	}
}

func TestAgent_EnableDevice_bindingStoredBeforeTunnel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	ctx := context.Background()

	var enabledDuringBind bool
	gcDone := make(chan []string, 1)
	h.conns.afterEnsure = func(string) {
		enabledDuringBind, _ = h.store.IsEnabled("n1")
		go func() { gcDone <- h.agent.loop.CollectGarbage(ctx) }()
		select {
		case <-gcDone:
			t.Error("tunnel collection ran while a bind was in flight")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatalf("EnableDevice() error: %v", err)
	}
	if !enabledDuringBind {
		t.Error("binding not stored before the tunnel came up")
	}

	select {
	case removed := <-gcDone:
		if len(removed) != 0 {
			t.Errorf("collection removed %v, want nothing", removed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel collection never ran")
	}
	if !h.conns.Live("pia-de") {
		t.Error("new tunnel was torn down")
	}
}

func TestAgent_EnableDevice_routingFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.router.enableErr = errors.New("netlink: file exists")

	if _, err := h.agent.EnableDevice(context.Background(), "n1"); err == nil {
		t.Fatal("expected error")
	}
	b, err := h.store.Binding("n1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Enabled || b.Region() != "de" {
		t.Errorf("binding = %+v, want disabled on de", b)
	}
}

func TestAgent_SetDeviceRegion_failedMoveRestoresRegion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.addRegion(t, "us")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	h.conns.err = errors.New("nmcli: activation failed")

	if _, err := h.agent.SetDeviceRegion(ctx, "n1", "us"); err == nil {
		t.Fatal("expected error")
	}
	b, err := h.store.Binding("n1")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Enabled || b.Region() != "de" {
		t.Errorf("binding = %+v, want still enabled on de", b)
	}
	if iface := h.router.Bound()[laptopIP]; iface != "pia-de" {
		t.Errorf("bound iface = %q, want pia-de", iface)
	}
	if len(h.conns.Removed()) != 0 {
		t.Errorf("tunnels removed after failed move: %v", h.conns.Removed())
	}
}

func TestAgent_DisableDevice_tearsDownLastUsersTunnel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	h.addDevice(t, "n2", "server", "linux", "100.64.0.9", "de")
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		if _, err := h.agent.EnableDevice(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := h.agent.DisableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if !h.conns.Live("pia-de") || len(h.conns.Removed()) != 0 {
		t.Fatalf("tunnel torn down while n2 still uses it: removed %v", h.conns.Removed())
	}

	if _, err := h.agent.DisableDevice(ctx, "n2"); err != nil {
		t.Fatal(err)
	}
	if got := h.conns.Removed(); len(got) != 1 || got[0] != "pia-de" {
		t.Errorf("removed = %v, want [pia-de]", got)
	}
	if h.conns.Live("pia-de") {
		t.Error("pia-de still live after its last device was disabled")
	}
	if got := h.router.ifaceRemoved; len(got) != 1 || got[0] != "pia-de" {
		t.Errorf("interface rules removed for %v, want [pia-de]", got)
	}
}

func TestAgent_ReconnectRegion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	before := len(h.router.Enabled())

	res, err := h.agent.ReconnectRegion(ctx, "de")
	if err != nil {
		t.Fatalf("ReconnectRegion() error: %v", err)
	}
	if want := "Reconnected de region for 1 devices"; !res.Success || res.Message != want {
		t.Errorf("result = %+v, want %q", res, want)
	}
	if len(h.conns.connected) != 1 || len(h.conns.disconnected) != 0 {
		t.Errorf("connected = %v, disconnected = %v; want reactivation only", h.conns.connected, h.conns.disconnected)
	}
	if got := h.router.Enabled()[before:]; len(got) != 1 || got[0] != laptopIP {
		t.Errorf("routing rebuilt for %v, want [%s]", got, laptopIP)
	}
	if !hasAudit(t, h.store, store.EventConnect, store.StatusSuccess) {
		t.Error("missing connect audit entry")
	}
}

func TestAgent_ReconnectRegion_registersAgainWhenReactivationFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "de")
	ctx := context.Background()

	if _, err := h.agent.EnableDevice(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	h.conns.connectErr = errors.New("Error: unknown connection 'pia-de'")

	if _, err := h.agent.ReconnectRegion(ctx, "de"); err != nil {
		t.Fatalf("ReconnectRegion() error: %v", err)
	}
	if got := strings.Join(h.conns.disconnected, ","); got != "de" {
		t.Errorf("disconnected = %s, want de", got)
	}
	if got := strings.Join(h.conns.ensured, ","); got != "de,de" {
		t.Errorf("ensured = %s, want de,de", got)
	}
	if got := h.router.ifaceRemoved; len(got) != 1 || got[0] != "pia-de" {
		t.Errorf("interface rules removed for %v, want [pia-de]", got)
	}
	if !h.conns.Live("pia-de") {
		t.Error("tunnel not live after reconnect")
	}
}

func TestAgent_ReconnectRegion_rejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setCredentials(t)
	h.addRegion(t, "de")
	ctx := context.Background()

	if _, err := h.agent.ReconnectRegion(ctx, "zz"); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("unknown region error = %v, want ErrRegionNotFound", err)
	}
	if _, err := h.agent.ReconnectRegion(ctx, "de"); !errors.Is(err, control.ErrInvalid) {
		t.Errorf("unused region error = %v, want ErrInvalid", err)
	}
	if len(h.conns.connected) != 0 {
		t.Errorf("tunnel touched for rejected reconnect: %v", h.conns.connected)
	}
}

func TestAgent_CheckDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		unreachable bool
		current     remote.ExitNode
		notExitNode bool
		want        string
	}{
		{"uses this host", false, remote.ExitNode{Known: true, IP: "100.64.0.1"}, false, "laptop uses this host as its exit node"},
		{"unreachable", true, remote.ExitNode{}, false, "laptop is not reachable over SSH"},
		{"unreadable", false, remote.ExitNode{}, false, "Could not read the exit node of laptop"},
		{"no exit node", false, remote.ExitNode{Known: true}, false, "laptop has no exit node set"},
		{"other exit node", false, remote.ExitNode{Known: true, IP: "100.64.0.7"}, false, "laptop uses exit node 100.64.0.7, not this host (100.64.0.1)"},
		{"host not advertising", false, remote.ExitNode{Known: true, IP: "100.64.0.7"}, true, "laptop uses exit node 100.64.0.7; this host is not advertising as an exit node"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.addDevice(t, "n1", "laptop", "linux", "100.64.0.5", "")
			h.exits.unreachable = tt.unreachable
			h.exits.current = tt.current
			h.inv.self.ExitNode = !tt.notExitNode

			check, err := h.agent.CheckDevice(context.Background(), "n1")
			if err != nil {
				t.Fatalf("CheckDevice() error: %v", err)
			}
			if check.Message != tt.want {
				t.Errorf("Message = %q, want %q", check.Message, tt.want)
			}
			if check.Reachable == tt.unreachable {
				t.Errorf("Reachable = %v", check.Reachable)
			}
			if tt.unreachable {
				for _, c := range h.exits.Calls() {
					if c.op == "get" {
						t.Error("exit node read from an unreachable device")
					}
				}
			}
		})
	}
}

func TestAgent_CheckDevice_autoManaged(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addDevice(t, "n2", "phone", "iOS", "100.64.0.6", "")

	if _, err := h.agent.CheckDevice(context.Background(), "n2"); !errors.Is(err, ErrAutoManaged) {
		t.Errorf("error = %v, want ErrAutoManaged", err)
	}
	if len(h.exits.Calls()) != 0 {
		t.Errorf("SSH used for auto-managed device: %v", h.exits.Calls())
	}
}

func TestAgent_TailscaleAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.inv.validKey = "tskey-api-good"
	ctx := context.Background()

	ts, err := h.agent.TailscaleSettings(ctx)
	if err != nil || ts.Configured {
		t.Fatalf("settings on fresh store = %+v, %v; want unconfigured", ts, err)
	}

	if _, err := h.agent.SetTailscaleAPIKey(ctx, "tskey-api-bad"); !errors.Is(err, control.ErrInvalid) {
		t.Errorf("bad key error = %v, want ErrInvalid", err)
	}
	if !hasAudit(t, h.store, store.EventConfig, store.StatusError) {
		t.Error("missing config error audit entry")
	}
	if key, _ := h.store.TailscaleAPIKey(); key != "" {
		t.Errorf("rejected key stored: %q", key)
	}

	if _, err := h.agent.SetTailscaleAPIKey(ctx, " tskey-api-good\n"); err != nil {
		t.Fatalf("SetTailscaleAPIKey() error: %v", err)
	}
	if key, _ := h.store.TailscaleAPIKey(); key != "tskey-api-good" {
		t.Errorf("stored key = %q", key)
	}
	ts, err = h.agent.TailscaleSettings(ctx)
	if err != nil || !ts.Configured || ts.APIKey != "********" {
		t.Errorf("settings = %+v, %v; want configured and masked", ts, err)
	}
}

func TestAgent_TailscaleSettings_fromConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.agent.cfg.Overlay.APIKey = "tskey-api-file"

	ts, err := h.agent.TailscaleSettings(context.Background())
	if err != nil || !ts.Configured {
		t.Errorf("settings = %+v, %v; want configured from config file", ts, err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	up := []control.Connection{{RegionID: "de", Connected: true}}
	tests := []struct {
		name        string
		st          control.Status
		wantHealthy bool
		want        []string
	}{
		{
			name:        "all good",
			st:          control.Status{Credentials: true, Tailscale: true, IPForwarding: true, Connections: up},
			wantHealthy: true,
			want:        []string{"All systems operational"},
		},
		{
			name:        "no tunnel yet",
			st:          control.Status{Credentials: true, Tailscale: true},
			wantHealthy: true,
			want:        []string{"PIA VPN not connected", "IP forwarding not enabled"},
		},
		{
			name:        "forwarding off with a tunnel",
			st:          control.Status{Credentials: true, Tailscale: true, Connections: up},
			wantHealthy: false,
			want:        []string{"IP forwarding not enabled"},
		},
		{
			name:        "nothing configured",
			st:          control.Status{IPForwarding: true},
			wantHealthy: false,
			want:        []string{"PIA credentials not configured", "PIA VPN not connected", "Tailscale not running"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			healthy, msgs := health(tt.st)
			if healthy != tt.wantHealthy {
				t.Errorf("healthy = %v, want %v", healthy, tt.wantHealthy)
			}
			if strings.Join(msgs, "|") != strings.Join(tt.want, "|") {
				t.Errorf("messages = %q, want %q", msgs, tt.want)
			}
		})
	}
}

func TestAgent_Run_keepsStartTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	start := h.agent.started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	// Status is served while Run starts up.
	for range 20 {
		if _, err := h.agent.Status(context.Background()); err != nil {
			t.Fatalf("Status() error: %v", err)
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !h.agent.started.Equal(start) {
		t.Errorf("started = %v after Run, want %v from New", h.agent.started, start)
	}
}
