package store

import (
	"fmt"

	"gorm.io/gorm/clause"
)

// Device returns the device with id, or ErrNotFound.
func (s *Store) Device(id string) (*Device, error) {
	var d Device
	if err := s.db.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, fmt.Errorf("getting device %s: %w", id, notFound(err))
	}
	return &d, nil
}

// Devices returns all devices ordered by hostname.
func (s *Store) Devices() ([]Device, error) {
	var ds []Device
	if err := s.db.Order("hostname").Find(&ds).Error; err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return ds, nil
}

// UpsertDevice inserts d or replaces the stored copy.
func (s *Store) UpsertDevice(d Device) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&d).Error
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.ID, err)
	}
	return nil
}
