package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AllBindings returns every binding row.
func (s *Store) AllBindings() ([]DeviceBinding, error) {
	var bs []DeviceBinding
	if err := s.db.Order("device_id").Find(&bs).Error; err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}
	return bs, nil
}

// EnabledBindings returns bindings that are enabled and name a region.
func (s *Store) EnabledBindings() ([]DeviceBinding, error) {
	var bs []DeviceBinding
	err := s.db.Where("enabled = ? AND region_id IS NOT NULL AND region_id <> ''", true).
		Order("device_id").Find(&bs).Error
	if err != nil {
		return nil, fmt.Errorf("listing enabled bindings: %w", err)
	}
	return bs, nil
}

// Binding returns the binding for deviceID, or ErrNotFound.
func (s *Store) Binding(deviceID string) (*DeviceBinding, error) {
	var b DeviceBinding
	if err := s.db.Where("device_id = ?", deviceID).First(&b).Error; err != nil {
		return nil, fmt.Errorf("getting binding %s: %w", deviceID, notFound(err))
	}
	return &b, nil
}

// SetEnabled sets the enabled flag for deviceID, creating the binding if
// needed. A nil regionID leaves an existing region untouched.
func (s *Store) SetEnabled(deviceID string, enabled bool, regionID *string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var b DeviceBinding
		err := tx.Where("device_id = ?", deviceID).First(&b).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			b = DeviceBinding{DeviceID: deviceID, Enabled: enabled, RegionID: regionID}
			if err := tx.Create(&b).Error; err != nil {
				return fmt.Errorf("creating binding %s: %w", deviceID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("getting binding %s: %w", deviceID, err)
		}

		updates := map[string]any{"enabled": enabled, "updated_at": time.Now()}
		if regionID != nil {
			updates["region_id"] = *regionID
		}
		if err := tx.Model(&DeviceBinding{}).Where("device_id = ?", deviceID).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating binding %s: %w", deviceID, err)
		}
		return nil
	})
}

// SetRegion sets (or, with nil, clears) the region for deviceID, creating a
// disabled binding if none exists. The enabled flag is preserved.
func (s *Store) SetRegion(deviceID string, regionID *string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var b DeviceBinding
		err := tx.Where("device_id = ?", deviceID).First(&b).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			b = DeviceBinding{DeviceID: deviceID, RegionID: regionID}
			if err := tx.Create(&b).Error; err != nil {
				return fmt.Errorf("creating binding %s: %w", deviceID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("getting binding %s: %w", deviceID, err)
		}

		updates := map[string]any{"region_id": nil, "updated_at": time.Now()}
		if regionID != nil {
			updates["region_id"] = *regionID
		}
		if err := tx.Model(&DeviceBinding{}).Where("device_id = ?", deviceID).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating binding %s: %w", deviceID, err)
		}
		return nil
	})
}

// ClearBinding disables deviceID and forgets its region.
func (s *Store) ClearBinding(deviceID string) error {
	err := s.db.Model(&DeviceBinding{}).Where("device_id = ?", deviceID).
		Updates(map[string]any{"enabled": false, "region_id": nil, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("clearing binding %s: %w", deviceID, err)
	}
	return nil
}

// BindingRegion returns the region selected for deviceID, or "" if none.
func (s *Store) BindingRegion(deviceID string) (string, error) {
	b, err := s.Binding(deviceID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return b.Region(), nil
}

// IsEnabled reports whether routing is enabled for deviceID.
func (s *Store) IsEnabled(deviceID string) (bool, error) {
	b, err := s.Binding(deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.Enabled, nil
}

// DevicesByRegion returns the enabled bindings that use regionID.
func (s *Store) DevicesByRegion(regionID string) ([]DeviceBinding, error) {
	var bs []DeviceBinding
	if err := s.db.Where("region_id = ? AND enabled = ?", regionID, true).Find(&bs).Error; err != nil {
		return nil, fmt.Errorf("listing bindings for region %s: %w", regionID, err)
	}
	return bs, nil
}

// ActiveRegionIDs returns the distinct regions referenced by enabled
// bindings.
func (s *Store) ActiveRegionIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&DeviceBinding{}).
		Where("enabled = ? AND region_id IS NOT NULL AND region_id <> ''", true).
		Distinct().Order("region_id").Pluck("region_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing active regions: %w", err)
	}
	return ids, nil
}
