package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// timeLayout is a fixed-width ISO-8601 layout with microseconds and a
// numeric zone offset. Unlike RFC3339Nano it never trims trailing zeros,
// so TEXT timestamp columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000-07:00"

// NowISO returns the current UTC time in the canonical column format.
func NowISO() string {
	return time.Now().UTC().Format(timeLayout)
}

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// NewStorage initializes the SQLite database connection at path
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	// busy_timeout and foreign_keys are per-connection pragmas, so they
	// ride on the DSN and reach every pooled connection.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)", path)

	// Open SQLite with Glebarez (Pure Go, no CGO)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	// Auto-migrate tables
	err = db.AutoMigrate(
		&Download{},
		&DownloadAttempt{},
		&probeRow{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}
