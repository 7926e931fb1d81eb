package storage

import (
	"fmt"
	"log/slog"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add a migration.
const currentSchemaVersion = 1

// initSchema creates the schema_version table and applies pending migrations.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates the relay_events table.
func (s *SQLiteStore) migrateToV1() error {
	slog.Info("storage: applying migration", "version", 1)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	const eventsTable = `
		CREATE TABLE IF NOT EXISTS relay_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			connection_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			recipients INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_relay_events_recorded_at ON relay_events(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_relay_events_node ON relay_events(node_id);
	`
	if _, err := tx.Exec(eventsTable); err != nil {
		return fmt.Errorf("create relay_events table: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
