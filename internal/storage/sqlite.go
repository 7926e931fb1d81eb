// Package storage persists the relay audit log in SQLite.
//
// The audit log is an operator record of relay activity. Nothing is restored
// from it on restart: tokens, connections and ownership live in memory only.
package storage

import (
	"database/sql"
	"log/slog"
	"sync"

	apperrors "github.com/servermint/relay/internal/errors"

	// Pure-Go SQLite driver, registered as "sqlite". No CGO required.
	_ "modernc.org/sqlite"
)

// SQLiteStore records relay events in a SQLite database.
// It implements events.Sink.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex

	// recordForwarded controls whether frame_forwarded events are stored.
	// They are by far the most frequent kind.
	recordForwarded bool
}

// NewSQLiteStore opens or creates the database at path and applies
// migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	slog.Info("storage: opening database", "path", path)

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}
	// Each :memory: connection is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping database", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	slog.Info("storage: database ready", "schema_version", currentSchemaVersion)
	return store, nil
}

// SetRecordForwarded enables storing one row per forwarded frame.
func (s *SQLiteStore) SetRecordForwarded(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordForwarded = enabled
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	slog.Info("storage: closing database")
	return s.db.Close()
}
