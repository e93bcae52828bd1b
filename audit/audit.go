// Package audit persists an append-only record of commands forwarded to the
// vehicle. Only commands are recorded; telemetry and video are deliberately
// never written anywhere.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome labels recorded alongside each command.
const (
	OutcomeSent     = "sent"
	OutcomeRejected = "rejected"
)

// Log is a SQLite-backed command audit log.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one recorded command.
type Entry struct {
	ID      int64
	Command string
	Outcome string
	SentAt  time.Time
}

// Open opens (or creates) the audit database at path and ensures the schema.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: ensure dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS command_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command TEXT NOT NULL,
    outcome TEXT NOT NULL,
    sent_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Record appends one command with its outcome.
func (l *Log) Record(command, outcome string, at time.Time) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		"INSERT INTO command_log (command, outcome, sent_at) VALUES (?, ?, ?)",
		command, outcome, at.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	if l == nil || n <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(
		"SELECT id, command, outcome, sent_at FROM command_log ORDER BY id DESC LIMIT ?", n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var unix int64
		if err := rows.Scan(&e.ID, &e.Command, &e.Outcome, &unix); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.SentAt = time.Unix(unix, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
