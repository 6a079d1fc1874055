// Package history persists a log of finished transfers so the daemon
// can answer "what ran here" across restarts.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one finished transfer.
type Entry struct {
	ID         int64
	URL        string
	Code       int
	Bytes      int64
	Duration   time.Duration
	Error      string // empty on success
	FinishedAt time.Time
}

// Store is a SQLite-backed transfer log.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    url         TEXT NOT NULL,
    code        INTEGER NOT NULL,
    bytes       INTEGER NOT NULL,
    duration_ns INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transfers_finished_at ON transfers(finished_at);
`

// Open opens (creating if necessary) the transfer log at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error: cannot open history database: %w", err)
	}
	// The daemon is the only writer; a single connection avoids
	// SQLITE_BUSY on concurrent method handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error: cannot initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one finished transfer.
func (s *Store) Record(e Entry) error {
	_, err := s.db.Exec(`
        INSERT INTO transfers (url, code, bytes, duration_ns, error, finished_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, e.URL, e.Code, e.Bytes, e.Duration.Nanoseconds(), e.Error, e.FinishedAt.Unix())
	if err != nil {
		return fmt.Errorf("error: failed to record transfer: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
        SELECT id, url, code, bytes, duration_ns, error, finished_at
        FROM transfers
        ORDER BY finished_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("error: failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			durationNS int64
			finishedAt int64
		)
		if err := rows.Scan(&e.ID, &e.URL, &e.Code, &e.Bytes, &durationNS, &e.Error, &finishedAt); err != nil {
			return nil, fmt.Errorf("error: failed to scan history row: %w", err)
		}
		e.Duration = time.Duration(durationNS)
		e.FinishedAt = time.Unix(finishedAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
