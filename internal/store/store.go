// Package store persists regiongate's desired state: the region catalog,
// the device inventory, per-device bindings, settings, and the audit log.
//
// It is backed by gorm. SQLite (pure Go) is the default driver; MySQL is
// supported for deployments that already run one.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the gorm-backed desired-state store. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects to the database described by driver and dsn and migrates
// the schema. For sqlite, dsn is a file path (or ":memory:"). If logger is
// nil, slog.Default() is used.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing sql handle: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY
		// and keeps ":memory:" databases from splitting per connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
	}

	if err := db.AutoMigrate(&Setting{}, &Region{}, &Device{}, &DeviceBinding{}, &ConnectionLog{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger.With("component", "store")}, nil
}

// Close releases the underlying database connections.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite, "":
		if dsn != ":memory:" && dsn != "" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqlite.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func gormlogger() logger.Interface {
	return logger.Default.LogMode(logger.Silent)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
