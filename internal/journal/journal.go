// Package journal records runner notifications in SQLite for later review.
// It is an audit log only; runner state is never restored from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/pkg/model"
	"github.com/me/tasker/pkg/tasker"

	_ "modernc.org/sqlite"
)

// recordTimeout bounds a single insert made from an event handler.
const recordTimeout = 5 * time.Second

// Journal is a SQLite-backed event log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the journal at path and applies migrations.
// Use ":memory:" for an in-memory journal (useful in tests).
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Handlers write from many goroutines; one connection serialises them
	// and keeps a ":memory:" database shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logging.OrDiscard(logger).With("component", "journal"),
	}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun creates a run and returns its id.
func (j *Journal) StartRun(ctx context.Context, label string) (string, error) {
	id := "run_" + uuid.New().String()
	j.logger.Debug("sql", "op", "insert", "table", "runs", "id", id)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, started_at) VALUES (?, ?, ?)`,
		id, label, formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run as finished.
func (j *Journal) FinishRun(ctx context.Context, runID string) error {
	j.logger.Debug("sql", "op", "update", "table", "runs", "id", runID)
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ? WHERE id = ?`, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run [%s]: %w", runID, model.ErrUnknownRun)
	}
	return nil
}

// Record appends one entry. A zero Time is stamped with the current time.
func (j *Journal) Record(ctx context.Context, e model.JournalEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (run_id, event, task, queue, error, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Event, e.Task, string(e.Queue), e.Error, e.Result, formatTime(e.Time),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Event, err)
	}
	return nil
}

// Attach records every runner notification of r under runID. The returned
// function detaches the journal again.
func (j *Journal) Attach(r *tasker.Runner, runID string) (detach func()) {
	id := r.On(tasker.EventAll, func(ev tasker.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.Record(ctx, entryFor(r, runID, ev)); err != nil {
			j.logger.Warn("failed to record event", "event", ev.Name, "error", err)
		}
	})
	return func() { r.Off(id) }
}

func entryFor(r *tasker.Runner, runID string, ev tasker.Event) model.JournalEntry {
	e := model.JournalEntry{RunID: runID, Event: ev.Name, Time: ev.Time}
	if ev.Task == nil {
		return e
	}
	e.Task = ev.Task.Name()
	if q, err := r.TaskState(e.Task); err == nil {
		e.Queue = q
	}
	if err := ev.Task.Failure(); err != nil {
		e.Error = err.Error()
	}
	if v := ev.Task.Success(); v != nil {
		if data, err := json.Marshal(v); err == nil {
			e.Result = string(data)
		} else {
			e.Result = fmt.Sprintf("%q", fmt.Sprint(v))
		}
	}
	return e
}

// List returns the entries of a run in recording order together with the
// total number of matching entries.
func (j *Journal) List(ctx context.Context, runID string, opts model.ListOptions) ([]model.JournalEntry, int, error) {
	j.logger.Debug("sql", "op", "list", "table", "events", "run", runID, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	where := []string{"run_id = ?"}
	args := []any{runID}
	if opts.Event != "" {
		where = append(where, "event = ?")
		args = append(args, opts.Event)
	}
	if opts.Task != "" {
		where = append(where, "task = ?")
		args = append(args, opts.Task)
	}
	whereSQL := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, run_id, event, task, queue, error, result, created_at
		FROM events` + whereSQL + ` ORDER BY id ASC LIMIT ? OFFSET ?`
	rows, err := j.db.QueryContext(ctx, listQuery, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var queue, createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &e.Task, &queue, &e.Error, &e.Result, &createdAt); err != nil {
			return nil, 0, err
		}
		e.Queue = model.QueueState(queue)
		e.Time, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Runs returns all runs, newest first, with their event counts.
func (j *Journal) Runs(ctx context.Context) ([]model.Run, error) {
	j.logger.Debug("sql", "op", "list", "table", "runs")
	rows, err := j.db.QueryContext(ctx,
		`SELECT r.id, r.label, r.started_at, r.finished_at,
		        (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		 FROM runs r ORDER BY r.started_at DESC, r.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var run model.Run
		var startedAt string
		var finishedAt *string
		if err := rows.Scan(&run.ID, &run.Label, &startedAt, &finishedAt, &run.Events); err != nil {
			return nil, err
		}
		run.Started, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt != nil {
			if t, err := time.Parse(time.RFC3339Nano, *finishedAt); err == nil {
				run.Finished = &t
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
