// Package history persists activity entries in SQLite so the log survives
// daemon restarts.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/fileutil"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	// DefaultRetain is how many rows are kept on disk.
	DefaultRetain = 500

	opTimeout  = 2 * time.Second
	pruneEvery = 50
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("history store is closed")

// Store is an activity.Sink backed by SQLite.
type Store struct {
	db     *sql.DB
	retain int

	opCount atomic.Uint64
	closed  atomic.Bool
}

var _ activity.Sink = (*Store)(nil)

// Open opens or creates the database at path. retain <= 0 uses DefaultRetain.
func Open(path string, retain int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), fileutil.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 2000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if retain <= 0 {
		retain = DefaultRetain
	}
	s := &Store{db: db, retain: retain}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Record inserts or replaces the entry with the same ID.
func (s *Store) Record(e activity.Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(id, at, kind, message) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET at=excluded.at, kind=excluded.kind, message=excluded.message`,
		int64(e.ID), e.Time.UTC().Format(time.RFC3339Nano), string(e.Kind), e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	if s.opCount.Add(1)%pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			return fmt.Errorf("failed to prune activity: %w", err)
		}
	}
	return nil
}

// Clear deletes every row.
func (s *Store) Clear() error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity`); err != nil {
		return fmt.Errorf("failed to clear activity: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]activity.Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return []activity.Entry{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, message FROM activity ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	out := make([]activity.Entry, 0, n)
	for rows.Next() {
		var (
			id   int64
			at   string
			kind string
			e    activity.Entry
		)
		if err := rows.Scan(&id, &at, &kind, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.ID = uint64(id)
		e.Kind = activity.Kind(kind)
		if e.Time, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("activity %d has a bad timestamp: %w", id, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM activity WHERE id <= (SELECT id FROM activity ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.retain)
	return err
}
