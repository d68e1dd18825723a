// Package journal records settled utterances in a local SQLite database so the
// recent transcript can be queried while the process runs.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
)

// Entry is one journaled utterance.
type Entry struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"runId"`
	Epoch       int64     `json:"epoch"`
	UtteranceID string    `json:"utteranceId"`
	Text        string    `json:"text"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Store is a SQLite-backed utterance journal. A Store opened with an empty path
// is disabled: writes are dropped and reads return nothing.
type Store struct {
	db    *sql.DB
	runID string
	clock func() time.Time
}

// Open opens or creates the journal at path.
func Open(ctx context.Context, path, runID string) (*Store, error) {
	if path == "" {
		return &Store{runID: runID, clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, runID: runID, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    epoch INTEGER NOT NULL,
    utterance_id TEXT NOT NULL,
    text TEXT NOT NULL,
    finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_utterances_run ON utterances(run_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the journal writes to disk.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Name implements reconcile.Archiver.
func (s *Store) Name() string {
	return "journal"
}

// Archive implements reconcile.Archiver.
func (s *Store) Archive(ctx context.Context, u models.Utterance) error {
	if s.db == nil {
		return nil
	}
	finished := u.FinishedAt
	if finished.IsZero() {
		finished = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(run_id, epoch, utterance_id, text, finished_at)
		 VALUES(?, ?, ?, ?, ?)`,
		s.runID, u.Epoch, u.ID, u.Text, finished.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("journal utterance %s: %w", u.ID, err)
	}
	return nil
}

// Recent returns up to limit of the latest entries across all runs, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, epoch, utterance_id, text, finished_at FROM (
		     SELECT * FROM utterances ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var finished string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Epoch, &e.UtteranceID, &e.Text, &finished); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			e.FinishedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
