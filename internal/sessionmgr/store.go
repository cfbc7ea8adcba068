// Package sessionmgr owns CRUD over multiplexer sessions (spec.md §4.11):
// an in-memory table of SessionRecord reconciled against the multiplexer
// on startup and on every list, backed by a small sqlite store for
// durability across daemon restarts.
package sessionmgr

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFmt = time.RFC3339Nano

// Status is a SessionRecord's lifecycle state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusKilling  Status = "killing"
)

// SessionRecord is the multiplexer-level session tuple of spec.md §3.
type SessionRecord struct {
	ID             string
	MuxName        string
	DisplayName    string
	Directory      string
	Agent          string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type recordStore struct {
	db *sql.DB
}

func openStore(dsn string) (*recordStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &recordStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *recordStore) close() error { return s.db.Close() }

func (s *recordStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

func (s *recordStore) upsert(r *SessionRecord) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, mux_name, display_name, directory, agent, status, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mux_name = excluded.mux_name,
			display_name = excluded.display_name,
			directory = excluded.directory,
			agent = excluded.agent,
			status = excluded.status,
			last_activity_at = excluded.last_activity_at`,
		r.ID, r.MuxName, r.DisplayName, r.Directory, r.Agent, string(r.Status),
		r.CreatedAt.UTC().Format(timeFmt), r.LastActivityAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *recordStore) delete(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

func (s *recordStore) list() ([]*SessionRecord, error) {
	rows, err := s.db.Query(`SELECT id, mux_name, display_name, directory, agent, status, created_at, last_activity_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		r := &SessionRecord{}
		var status, createdAt, lastActivity string
		if err := rows.Scan(&r.ID, &r.MuxName, &r.DisplayName, &r.Directory, &r.Agent, &status, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Status = Status(status)
		r.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		r.LastActivityAt, _ = time.Parse(timeFmt, lastActivity)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *recordStore) touchRecentDirectory(dir string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO recent_directories (directory, last_used_at) VALUES (?, ?)
		ON CONFLICT(directory) DO UPDATE SET last_used_at = excluded.last_used_at`, dir, at.UTC().Format(timeFmt))
	return err
}

func (s *recordStore) recentDirectories(limit int) ([]string, error) {
	rows, err := s.db.Query("SELECT directory FROM recent_directories ORDER BY last_used_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list recent directories: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		out = append(out, dir)
	}
	return out, rows.Err()
}
