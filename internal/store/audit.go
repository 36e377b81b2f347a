package store

import (
	"fmt"
	"time"
)

// Audit event types.
const (
	EventDeviceRouting = "device_routing"
	EventDeviceRegion  = "device_region"
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventReconcile     = "reconcile"
	EventExitNode      = "exit_node"
	EventRegionsSync   = "regions_sync"
	EventDevicesSync   = "devices_sync"
	EventConfig        = "config"
)

// Audit statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Append writes an audit entry. Failures are logged, never returned: audit
// writes must not fail the operation being recorded.
func (s *Store) Append(eventType, status, regionID, message string) {
	entry := ConnectionLog{
		EventType: eventType,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if regionID != "" {
		entry.RegionID = &regionID
	}
	if err := s.db.Create(&entry).Error; err != nil {
		s.log.Warn("writing audit entry failed", "event", eventType, "error", err)
	}
}

// RecentLog returns audit entries newest first. Entries are append-only, so
// insertion order is chronological order.
func (s *Store) RecentLog(limit, offset int) ([]ConnectionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []ConnectionLog
	err := s.db.Order("id DESC").Limit(limit).Offset(offset).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return entries, nil
}

// LogCount returns the number of audit entries.
func (s *Store) LogCount() (int64, error) {
	var n int64
	if err := s.db.Model(&ConnectionLog{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting audit log: %w", err)
	}
	return n, nil
}
