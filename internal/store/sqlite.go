package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed install history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// InstallRun Operations
// ============================================================================

const runColumns = `id, artifact_key, source, start_time, end_time, state, reason,
	artifact_name, path, bytes, attempts, resumed, sha256, error_message`

// CreateRun inserts a new InstallRun, assigning an ID and start time when unset
func (s *Store) CreateRun(run *InstallRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartTime.IsZero() {
		run.StartTime = s.now()
	}

	const query = `INSERT INTO install_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(
		query,
		run.ID, run.ArtifactKey, run.Source, run.StartTime, run.EndTime, run.State, run.Reason,
		run.ArtifactName, run.Path, run.Bytes, run.Attempts, run.Resumed, run.SHA256, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert install run: %w", err)
	}
	return nil
}

// UpdateRun updates an existing InstallRun by ID
func (s *Store) UpdateRun(run *InstallRun) error {
	const query = `
		UPDATE install_runs SET
			end_time = ?, state = ?, reason = ?, artifact_name = ?, path = ?,
			bytes = ?, attempts = ?, resumed = ?, sha256 = ?, error_message = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(
		query,
		run.EndTime, run.State, run.Reason, run.ArtifactName, run.Path,
		run.Bytes, run.Attempts, run.Resumed, run.SHA256, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update install run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("install run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves an InstallRun by ID
func (s *Store) GetRun(id string) (*InstallRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM install_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("install run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query install run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves InstallRuns newest first, optionally filtered by key
func (s *Store) ListRuns(artifactKey string, limit int) ([]InstallRun, error) {
	query := `SELECT ` + runColumns + ` FROM install_runs`
	var args []interface{}

	if artifactKey != "" {
		query += " WHERE artifact_key = ?"
		args = append(args, artifactKey)
	}
	query += " ORDER BY start_time DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query install runs: %w", err)
	}
	defer rows.Close()

	var runs []InstallRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating install runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes all but the newest keep runs for a key and returns
// the number removed.
func (s *Store) PruneRuns(artifactKey string, keep int) (int64, error) {
	const query = `
		DELETE FROM install_runs
		WHERE artifact_key = ? AND id NOT IN (
			SELECT id FROM install_runs WHERE artifact_key = ?
			ORDER BY start_time DESC LIMIT ?
		)
	`
	result, err := s.db.Exec(query, artifactKey, artifactKey, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune install runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*InstallRun, error) {
	run := &InstallRun{}
	err := sc.Scan(
		&run.ID, &run.ArtifactKey, &run.Source, &run.StartTime, &run.EndTime, &run.State, &run.Reason,
		&run.ArtifactName, &run.Path, &run.Bytes, &run.Attempts, &run.Resumed, &run.SHA256, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ============================================================================
// InstalledArtifact Operations
// ============================================================================

// SetInstalled records the verified artifact for its key, replacing any
// previous record
func (s *Store) SetInstalled(a *InstalledArtifact) error {
	if a.InstalledAt.IsZero() {
		a.InstalledAt = s.now()
	}
	const query = `
		INSERT INTO installed_artifacts (artifact_key, name, path, size, sha256, run_id, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_key) DO UPDATE SET
			name = excluded.name, path = excluded.path, size = excluded.size,
			sha256 = excluded.sha256, run_id = excluded.run_id, installed_at = excluded.installed_at
	`
	if _, err := s.db.Exec(query, a.ArtifactKey, a.Name, a.Path, a.Size, a.SHA256, a.RunID, a.InstalledAt); err != nil {
		return fmt.Errorf("failed to upsert installed artifact: %w", err)
	}
	return nil
}

// GetInstalled retrieves the installed artifact for a key
func (s *Store) GetInstalled(artifactKey string) (*InstalledArtifact, error) {
	const query = `
		SELECT artifact_key, name, path, size, sha256, run_id, installed_at
		FROM installed_artifacts WHERE artifact_key = ?
	`
	a := &InstalledArtifact{}
	err := s.db.QueryRow(query, artifactKey).Scan(&a.ArtifactKey, &a.Name, &a.Path, &a.Size, &a.SHA256, &a.RunID, &a.InstalledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("installed artifact %s: %w", artifactKey, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query installed artifact: %w", err)
	}
	return a, nil
}

// ClearInstalled forgets the installed artifact for a key
func (s *Store) ClearInstalled(artifactKey string) error {
	if _, err := s.db.Exec("DELETE FROM installed_artifacts WHERE artifact_key = ?", artifactKey); err != nil {
		return fmt.Errorf("failed to delete installed artifact: %w", err)
	}
	return nil
}
