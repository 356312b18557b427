// Package ledger records finished lecture downloads in a small sqlite
// database so later runs can skip them even after files are moved.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id          TEXT PRIMARY KEY,
	lecture_id  TEXT NOT NULL,
	course      TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	bytes       INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS downloads_lecture ON downloads(lecture_id, status);
`

// StatusComplete is the status that makes a lecture count as done.
const StatusComplete = "complete"

// Entry is one recorded attempt.
type Entry struct {
	ID         string
	LectureID  string
	Course     string
	Name       string
	Status     string
	Reason     string
	Path       string
	Bytes      int64
	Duration   time.Duration
	FinishedAt time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Record appends e, filling ID and FinishedAt when empty.
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO downloads (id, lecture_id, course, name, status, reason, path, bytes, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LectureID, e.Course, e.Name, e.Status, e.Reason, e.Path, e.Bytes,
		e.Duration.Milliseconds(), e.FinishedAt.Unix())
	if err != nil {
		return e, fmt.Errorf("ledger: record %s: %w", e.LectureID, err)
	}
	return e, nil
}

// Completed reports whether lectureID has a complete download on record.
func (l *Ledger) Completed(ctx context.Context, lectureID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM downloads WHERE lecture_id = ? AND status = ? LIMIT 1`,
		lectureID, StatusComplete).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s: %w", lectureID, err)
	}
	return true, nil
}

// History returns the entries for lectureID, newest first.
func (l *Ledger) History(ctx context.Context, lectureID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, lecture_id, course, name, status, reason, path, bytes, duration_ms, finished_at
		 FROM downloads WHERE lecture_id = ? ORDER BY finished_at DESC, rowid DESC`, lectureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var ms, at int64
		if err := rows.Scan(&e.ID, &e.LectureID, &e.Course, &e.Name, &e.Status, &e.Reason, &e.Path, &e.Bytes, &ms, &at); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		e.FinishedAt = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
