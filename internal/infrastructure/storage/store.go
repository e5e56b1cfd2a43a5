// Package storage implements the host side of provider.ConfigStore on
// SQLite: every named blob (device settings, revocation list) lives in a
// single key/value table, written synchronously so a power cut never
// loses a committed transaction.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/weavekit/weave-core/settings"
)

// Storage configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is how long an idle database connection is kept.
	connectionTimeout = 5 * time.Second
)

// Config contains storage configuration options.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// BusyTimeout is the maximum time to wait for a database lock
	// (seconds).
	BusyTimeout int
}

// Logger is the logging interface used by the store.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is a SQLite-backed config store. It implements
// provider.ConfigStore.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	defaults settings.Settings
	logger   Logger
}

// Open creates the blob table if needed and returns a ready store. The
// defaults are handed to the library verbatim through LoadDefaults.
func Open(cfg Config, defaults settings.Settings, logger Logger) (*Store, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	connStr := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=FULL",
		cfg.Path, cfg.BusyTimeout*msPerSecond)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	db.SetConnMaxIdleTime(connectionTimeout)

	const schema = `CREATE TABLE IF NOT EXISTS blobs (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blob table: %w", err)
	}

	return &Store{db: db, defaults: defaults, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadDefaults fills in the host-fixed settings.
func (s *Store) LoadDefaults(out *settings.Settings) bool {
	*out = s.defaults
	return true
}

// LoadSettings returns the blob stored under name, or "" when absent.
func (s *Store) LoadSettings(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRow("SELECT value FROM blobs WHERE name = ?", name).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Error("loading blob failed", "name", name, "error", err)
		}
		return ""
	}
	return value
}

// SaveSettings durably replaces the blob stored under name.
func (s *Store) SaveSettings(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO blobs (name, value) VALUES (?, ?) "+
			"ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, value)
	if err != nil {
		s.logger.Error("saving blob failed", "name", name, "error", err)
	}
}
