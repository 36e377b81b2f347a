package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm/clause"
)

// Settings keys.
const (
	SettingPIACredentials  = "pia_credentials"
	SettingTailscaleAPIKey = "tailscale_api_key"
)

// Credentials are the VPN provider account credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	var st Setting
	if err := s.db.Where(&Setting{Key: key}).First(&st).Error; err != nil {
		return "", fmt.Errorf("getting setting %s: %w", key, notFound(err))
	}
	return st.Value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	st := Setting{Key: key, Value: value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the value under key into v.
func (s *Store) GetJSON(key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding setting %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func (s *Store) SetJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding setting %s: %w", key, err)
	}
	return s.Set(key, string(b))
}

// PIACredentials returns the stored provider credentials. ok is false when
// none are configured.
func (s *Store) PIACredentials() (creds Credentials, ok bool, err error) {
	err = s.GetJSON(SettingPIACredentials, &creds)
	if errors.Is(err, ErrNotFound) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}
	return creds, creds.Username != "" && creds.Password != "", nil
}

// SetPIACredentials stores provider credentials.
func (s *Store) SetPIACredentials(creds Credentials) error {
	return s.SetJSON(SettingPIACredentials, creds)
}

// TailscaleAPIKey returns the stored Tailscale API key, or "" when none is
// set.
func (s *Store) TailscaleAPIKey() (string, error) {
	key, err := s.Get(SettingTailscaleAPIKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return key, err
}

// SetTailscaleAPIKey stores the Tailscale API key.
func (s *Store) SetTailscaleAPIKey(key string) error {
	return s.Set(SettingTailscaleAPIKey, key)
}
