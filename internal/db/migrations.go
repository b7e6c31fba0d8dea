package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	conn_id TEXT PRIMARY KEY,
	peer_pid INTEGER,
	peer_uid INTEGER,
	access_mode TEXT NOT NULL CHECK(access_mode IN ('off','cmuxOnly','password','allowAll')),
	opened_at TEXT NOT NULL,
	closed_at TEXT,
	authenticated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS journal (
	entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
	conn_id TEXT,
	protocol TEXT NOT NULL CHECK(protocol IN ('v1','v2')),
	method TEXT NOT NULL,
	ok INTEGER NOT NULL,
	error_code TEXT,
	duration_ms INTEGER NOT NULL CHECK(duration_ms >= 0),
	params TEXT,
	at TEXT NOT NULL,
	FOREIGN KEY(conn_id) REFERENCES connections(conn_id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS journal_at ON journal(at);
`,
		DownSQL: `
DROP TABLE IF EXISTS journal;
DROP TABLE IF EXISTS connections;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS journal_method_at ON journal(method, at);
CREATE INDEX IF NOT EXISTS journal_error_code ON journal(error_code) WHERE error_code IS NOT NULL;
`,
		DownSQL: `
DROP INDEX IF EXISTS journal_error_code;
DROP INDEX IF EXISTS journal_method_at;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
