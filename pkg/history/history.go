// Package history remembers the rooms this machine has joined.
//
// It is a convenience cache: a missing, empty or unreadable database reads as
// no history rather than an error.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Entry struct {
	Room        string
	DisplayName string
	Language    string
	Timestamp   time.Time
}

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// DefaultPath is the database location under the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to find config dir: %w", err)
	}
	return filepath.Join(dir, "snowcode", "history.sqlite3"), nil
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		room text not null primary key,
		display_name text not null,
		language text not null,
		updated_at integer not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure history table: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores or refreshes the entry for e.Room.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rooms (room, display_name, language, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET
			display_name = excluded.display_name,
			language = excluded.language,
			updated_at = excluded.updated_at`,
		e.Room, e.DisplayName, e.Language, e.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record room: %w", err)
	}
	return nil
}

// Forget drops one room.
func (s *Store) Forget(ctx context.Context, room string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE room = ?`, room); err != nil {
		return fmt.Errorf("failed to forget room: %w", err)
	}
	return nil
}

// Recent lists up to limit rooms, newest first. A limit of zero or less lists
// everything. Failures are logged and read as no history.
func (s *Store) Recent(ctx context.Context, limit int) []Entry {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT room, display_name, language, updated_at FROM rooms ORDER BY updated_at DESC, room ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		s.log.Warn("failed to read history", "err", err)
		return nil
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close history rows", "err", err)
		}
	}(rows)

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.Room, &e.DisplayName, &e.Language, &ms); err != nil {
			s.log.Warn("skipping unreadable history row", "err", err)
			continue
		}
		e.Timestamp = time.UnixMilli(ms)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("failed to read history", "err", err)
		return nil
	}
	return out
}
