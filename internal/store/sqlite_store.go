package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/knotify/internal/model"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoints in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path, creating the parent
// directory when needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS action_status (
			action_id  INTEGER PRIMARY KEY,
			status     TEXT    NOT NULL,
			resume_at  INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT    NOT NULL DEFAULT (datetime('now'))
		);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id int) (Entry, bool, error) {
	row := s.db.QueryRow(`SELECT action_id, status, resume_at FROM action_status WHERE action_id = ?`, id)

	var (
		e        Entry
		status   string
		resumeAt int64
	)
	err := row.Scan(&e.ActionID, &status, &resumeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: query failed: %w", err)
	}
	e.Status = model.Status(status)
	e.ResumeAt = fromMillis(resumeAt)
	return e, true, nil
}

func (s *SQLiteStore) Set(id int, status model.Status, resumeAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO action_status (action_id, status, resume_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			status = excluded.status,
			resume_at = excluded.resume_at,
			updated_at = excluded.updated_at`,
		id, string(status), toMillis(resumeAt), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: upsert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(id int) error {
	if _, err := s.db.Exec(`DELETE FROM action_status WHERE action_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT action_id, status, resume_at FROM action_status ORDER BY action_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			status   string
			resumeAt int64
		)
		if err := rows.Scan(&e.ActionID, &status, &resumeAt); err != nil {
			return nil, fmt.Errorf("store: scan failed: %w", err)
		}
		e.Status = model.Status(status)
		e.ResumeAt = fromMillis(resumeAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
