package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			scan_id       TEXT NOT NULL DEFAULT '',
			organoid_name TEXT NOT NULL DEFAULT '',
			stage         TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT '',
			progress      INTEGER NOT NULL DEFAULT 0,
			message       TEXT NOT NULL DEFAULT '',
			started_at    INTEGER NOT NULL DEFAULT 0,
			updated_at    INTEGER NOT NULL DEFAULT 0,
			updates       INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS status_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			scan_id     TEXT NOT NULL DEFAULT '',
			stage       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			raw_status  TEXT NOT NULL DEFAULT '',
			progress    INTEGER NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			event_at    INTEGER NOT NULL DEFAULT 0,
			received_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_status_events_run ON status_events(run_id, event_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);`,
	},
	{
		`ALTER TABLE status_events ADD COLUMN organoid_name TEXT NOT NULL DEFAULT '';`,
	},
	{
		`ALTER TABLE status_events ADD COLUMN kind TEXT NOT NULL DEFAULT 'status';`,
	},
}

func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	return version, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	version, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()

				return fmt.Errorf("apply migration %d: %w", i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
