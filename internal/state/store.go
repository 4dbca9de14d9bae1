// Package state persists the last-known lifecycle state per instance
// and a journal of operations. The store is advisory: the supervisor is
// the source of truth for whether a process is alive, and the lifecycle
// reconciles the two on every status check.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Record is the persisted view of one instance.
type Record struct {
	InstanceKey string
	Name        string
	Type        string
	State       string
	PID         int
	LastStarted time.Time
	LastStopped time.Time
	UpdatedAt   time.Time
}

// Open creates or opens the store at dbPath, applying migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn, err := buildDSN(dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve state database path: %w", err)
	}
	absPath = strings.ReplaceAll(absPath, "\\", "/")
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", absPath), nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instance_state (
		instance_key TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		type         TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		pid          INTEGER NOT NULL DEFAULT 0,
		last_started TIMESTAMP,
		last_stopped TIMESTAMP,
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS operation_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_key TEXT NOT NULL,
		operation    TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oplog_instance ON operation_log(instance_key, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate state database: %w", err)
	}
	return nil
}

// Get returns the record for an instance, or nil when none exists yet.
func (s *Store) Get(instanceKey string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT instance_key, name, type, state, pid,
		       COALESCE(last_started, ''), COALESCE(last_stopped, ''), updated_at
		FROM instance_state WHERE instance_key = ?`, instanceKey)

	var rec Record
	var started, stopped, updated string
	err := row.Scan(&rec.InstanceKey, &rec.Name, &rec.Type, &rec.State, &rec.PID, &started, &stopped, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance state: %w", err)
	}
	rec.LastStarted = parseTime(started)
	rec.LastStopped = parseTime(stopped)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

// Put upserts the record.
func (s *Store) Put(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO instance_state (instance_key, name, type, state, pid, last_started, last_stopped, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_key) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			state = excluded.state,
			pid = excluded.pid,
			last_started = excluded.last_started,
			last_stopped = excluded.last_stopped,
			updated_at = excluded.updated_at`,
		rec.InstanceKey, rec.Name, rec.Type, rec.State, rec.PID,
		formatTime(rec.LastStarted), formatTime(rec.LastStopped), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write instance state: %w", err)
	}
	return nil
}

// LogOperation appends one entry to the operation journal.
func (s *Store) LogOperation(instanceKey, operation, outcome, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO operation_log (instance_key, operation, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		instanceKey, operation, outcome, detail, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append operation log: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
