package store

import (
	"fmt"

	"gorm.io/gorm/clause"
)

// Region returns the region with id, or ErrNotFound.
func (s *Store) Region(id string) (*Region, error) {
	var r Region
	if err := s.db.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, fmt.Errorf("getting region %s: %w", id, notFound(err))
	}
	return &r, nil
}

// Regions returns all regions ordered by name.
func (s *Store) Regions() ([]Region, error) {
	var rs []Region
	if err := s.db.Order("name").Find(&rs).Error; err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}
	return rs, nil
}

// UpsertRegion inserts r or replaces the stored copy.
func (s *Store) UpsertRegion(r Region) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&r).Error
	if err != nil {
		return fmt.Errorf("upserting region %s: %w", r.ID, err)
	}
	return nil
}
