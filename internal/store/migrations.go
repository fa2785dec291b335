package store

import (
	"fmt"
)

// migration is one forward-only schema change
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE install_runs (
				id TEXT PRIMARY KEY,
				artifact_key TEXT NOT NULL,
				source TEXT NOT NULL,
				start_time DATETIME NOT NULL,
				end_time DATETIME NOT NULL,
				state TEXT NOT NULL DEFAULT 'not_installed',
				reason TEXT NOT NULL DEFAULT '',
				artifact_name TEXT NOT NULL DEFAULT '',
				path TEXT NOT NULL DEFAULT '',
				bytes INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				sha256 TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_install_runs_key ON install_runs(artifact_key, start_time);
		`,
	},
	{
		version: 2,
		sql: `
			CREATE TABLE installed_artifacts (
				artifact_key TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				path TEXT NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				sha256 TEXT NOT NULL DEFAULT '',
				run_id TEXT NOT NULL DEFAULT '',
				installed_at DATETIME NOT NULL
			);
		`,
	},
	{
		version: 3,
		sql: `ALTER TABLE install_runs ADD COLUMN resumed BOOLEAN NOT NULL DEFAULT 0;`,
	},
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	const createMigrationsTableSQL = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	s.logger.Debug("current schema version", "version", currentVersion)

	for _, mig := range migrations {
		if mig.version <= currentVersion {
			continue
		}
		s.logger.Debug("running migration", "version", mig.version)
		if err := s.runMigration(mig.version, mig.sql); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}
	return nil
}

// runMigration executes a migration and records it in one transaction
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return v, nil
}
