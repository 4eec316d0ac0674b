package journal

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the journal tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		label      TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		event      TEXT NOT NULL,
		task       TEXT NOT NULL DEFAULT '',
		queue      TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_task ON events(run_id, task)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_event ON events(run_id, event)`,
}

// alterStatements are column additions made after the first release.
// SQLite has no ADD COLUMN IF NOT EXISTS, so each is checked first.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string
}{
	{
		table:    "events",
		column:   "result",
		alterSQL: "ALTER TABLE events ADD COLUMN result TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "runs",
		column:   "finished_at",
		alterSQL: "ALTER TABLE runs ADD COLUMN finished_at TEXT",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)",
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := hasColumn(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
