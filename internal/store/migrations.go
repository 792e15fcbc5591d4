package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		state        TEXT NOT NULL DEFAULT 'RUNNING',
		sessions     INTEGER NOT NULL,
		frames       INTEGER NOT NULL,
		slots        INTEGER NOT NULL,
		cores        INTEGER NOT NULL,
		completed    INTEGER NOT NULL DEFAULT 0,
		unfinished   INTEGER NOT NULL DEFAULT 0,
		irqs         INTEGER NOT NULL DEFAULT 0,
		device_jobs  INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq     INTEGER NOT NULL,
		at      TEXT NOT NULL,
		kind    TEXT NOT NULL,
		session TEXT NOT NULL DEFAULT '',
		slot    INTEGER NOT NULL DEFAULT -1,
		detail  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_session ON events(run_id, session)`,
}

// migrate creates every table and index that does not exist yet.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

