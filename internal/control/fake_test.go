package control

import (
	"context"
	"sync"
)

// fakeBackend records calls and returns canned results.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	status  Status
	devices []Device
	regions []Region
	page    LogPage
	check   DeviceCheck
	ts      TailscaleSettings
	result  ActionResult
	err     error

	lastRegion string
	lastAPIKey string
	lastCreds  Credentials
	lastLimit  int
	lastOffset int
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) Status(context.Context) (Status, error) {
	f.record("status")
	return f.status, f.err
}

func (f *fakeBackend) Devices(context.Context) ([]Device, error) {
	f.record("devices")
	return f.devices, f.err
}

func (f *fakeBackend) SyncDevices(context.Context) (ActionResult, error) {
	f.record("sync")
	return f.result, f.err
}

func (f *fakeBackend) EnableDevice(_ context.Context, id string) (ActionResult, error) {
	f.record("enable " + id)
	return f.result, f.err
}

func (f *fakeBackend) DisableDevice(_ context.Context, id string) (ActionResult, error) {
	f.record("disable " + id)
	return f.result, f.err
}

func (f *fakeBackend) SetDeviceRegion(_ context.Context, id, regionID string) (ActionResult, error) {
	f.record("region " + id)
	f.mu.Lock()
	f.lastRegion = regionID
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeBackend) Regions(context.Context) ([]Region, error) {
	f.record("regions")
	return f.regions, f.err
}

func (f *fakeBackend) RefreshRegions(context.Context) (ActionResult, error) {
	f.record("refresh")
	return f.result, f.err
}

func (f *fakeBackend) Log(_ context.Context, limit, offset int) (LogPage, error) {
	f.record("log")
	f.mu.Lock()
	f.lastLimit, f.lastOffset = limit, offset
	f.mu.Unlock()
	return f.page, f.err
}

func (f *fakeBackend) SetCredentials(_ context.Context, creds Credentials) (ActionResult, error) {
	f.record("setup")
	f.mu.Lock()
	f.lastCreds = creds
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeBackend) CheckDevice(_ context.Context, id string) (DeviceCheck, error) {
	f.record("check " + id)
	return f.check, f.err
}

func (f *fakeBackend) ReconnectRegion(_ context.Context, id string) (ActionResult, error) {
	f.record("reconnect " + id)
	return f.result, f.err
}

func (f *fakeBackend) TailscaleSettings(context.Context) (TailscaleSettings, error) {
	f.record("tailscale")
	return f.ts, f.err
}

func (f *fakeBackend) SetTailscaleAPIKey(_ context.Context, apiKey string) (ActionResult, error) {
	f.record("tailscale-key")
	f.mu.Lock()
	f.lastAPIKey = apiKey
	f.mu.Unlock()
	return f.result, f.err
}
