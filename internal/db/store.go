// Package db persists the request journal in sqlite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/cmuxctl/internal/api"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenJournal opens path and brings its schema up to date.
func OpenJournal(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type Connection struct {
	ConnID     string
	PeerPID    *int64
	PeerUID    *int64
	AccessMode string
	OpenedAt   time.Time
}

func (s *Store) OpenConnection(ctx context.Context, c Connection) error {
	if c.OpenedAt.IsZero() {
		c.OpenedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO connections(conn_id, peer_pid, peer_uid, access_mode, opened_at)
VALUES (?, ?, ?, ?, ?)`,
		c.ConnID, nullableI64(c.PeerPID), nullableI64(c.PeerUID), c.AccessMode, ts(c.OpenedAt))
	if isUniqueErr(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *Store) MarkAuthenticated(ctx context.Context, connID string) error {
	return s.updateConnection(ctx, `UPDATE connections SET authenticated = 1 WHERE conn_id = ?`, connID)
}

func (s *Store) CloseConnection(ctx context.Context, connID string, closedAt time.Time) error {
	return s.updateConnection(ctx, `UPDATE connections SET closed_at = ? WHERE conn_id = ?`, ts(closedAt), connID)
}

func (s *Store) updateConnection(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update connection rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Entry is one journaled request. Params must already be redacted.
type Entry struct {
	ConnID    string
	Protocol  string
	Method    string
	OK        bool
	ErrorCode string
	Duration  time.Duration
	Params    string
	At        time.Time
}

func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO journal(conn_id, protocol, method, ok, error_code, duration_ms, params, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(e.ConnID), e.Protocol, e.Method, boolToInt(e.OK), nullIfEmpty(e.ErrorCode),
		max(e.Duration.Milliseconds(), 0), nullIfEmpty(e.Params), ts(e.At))
	if isForeignKeyErr(err) {
		return fmt.Errorf("journal entry for unknown connection %q: %w", e.ConnID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// JournalFilter narrows Recent. Zero values match everything.
type JournalFilter struct {
	Method     string
	FailedOnly bool
	Limit      int
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, f JournalFilter) ([]api.JournalEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.FailedOnly {
		where = append(where, "ok = 0")
	}
	query := `SELECT protocol, method, ok, COALESCE(error_code, ''), duration_ms, COALESCE(params, ''), at FROM journal`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []api.JournalEntry{}
	for rows.Next() {
		var (
			e  api.JournalEntry
			ok int
		)
		if err := rows.Scan(&e.Protocol, &e.Method, &ok, &e.ErrorCode, &e.DurationMS, &e.Params, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.OK = ok == 1
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// PurgeBefore deletes journal entries and closed connections older than
// cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM journal WHERE at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE closed_at IS NOT NULL AND closed_at < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("purge connections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "journal", "connections":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
