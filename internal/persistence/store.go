// Package persistence provides SQLite-backed session history so status
// queries keep answering after the in-memory registry purges a retired
// session, and across orchestrator restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is the durable trace of a session that reached a
// terminal state.
type SessionRecord struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Error     string `json:"errorMessage,omitempty"`
	CreatedAt string `json:"createdAt"` // ISO 8601
	StartedAt string `json:"startedAt,omitempty"`
	EndedAt   string `json:"endedAt,omitempty"`
	Retained  bool   `json:"workspaceRetained"`
}

// Store provides persistent session history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions history table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			exit_code INTEGER,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			ended_at TEXT NOT NULL DEFAULT '',
			retained INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	`)
	return err
}

// RecordSession upserts the terminal outcome of a session.
func (s *Store) RecordSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.EndedAt == "" {
		rec.EndedAt = time.Now().UTC().Format(time.RFC3339)
	}

	var exitCode interface{}
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
			(id, state, exit_code, error, created_at, started_at, ended_at, retained)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.State, exitCode, rec.Error, rec.CreatedAt, rec.StartedAt, rec.EndedAt, rec.Retained,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// GetSession retrieves the persisted record for a session.
// Returns nil, nil if no record exists for the given id.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec SessionRecord
	var exitCode sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, state, exit_code, error, created_at, started_at, ended_at, retained
		FROM sessions WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.State, &exitCode, &rec.Error, &rec.CreatedAt, &rec.StartedAt, &rec.EndedAt, &rec.Retained)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}

// ListRecent returns up to limit session records, most recently ended first.
func (s *Store) ListRecent(limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, state, exit_code, error, created_at, started_at, ended_at, retained
		FROM sessions ORDER BY ended_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var exitCode sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.State, &exitCode, &rec.Error, &rec.CreatedAt, &rec.StartedAt, &rec.EndedAt, &rec.Retained); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if records == nil {
		records = []SessionRecord{}
	}
	return records, nil
}

// DeleteSession removes a persisted session record.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
