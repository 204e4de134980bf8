package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/organoidlab/pipewatch/internal/pipeline"
)

type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

// ApplyUpdate merges a status update into the stored run snapshot with the same
// rules as pipeline.Tracker: empty fields keep the stored value, older updates are ignored,
// log updates keep the stored progress.
func (r *RunRepo) ApplyUpdate(ctx context.Context, u pipeline.StatusUpdate) error {
	at := toUnixMillis(u.Timestamp)
	kind := eventKind(u.Kind)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs(run_id, scan_id, organoid_name, stage, status, progress, message, started_at, updated_at, updates)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(run_id) DO UPDATE SET
			scan_id       = CASE WHEN excluded.scan_id <> '' THEN excluded.scan_id ELSE runs.scan_id END,
			organoid_name = CASE WHEN excluded.organoid_name <> '' THEN excluded.organoid_name ELSE runs.organoid_name END,
			stage         = CASE WHEN excluded.stage <> '' THEN excluded.stage ELSE runs.stage END,
			status        = CASE WHEN excluded.status <> '' THEN excluded.status ELSE runs.status END,
			progress      = CASE WHEN ? = 'log' THEN runs.progress ELSE excluded.progress END,
			message       = CASE WHEN ? = 'status' OR excluded.message <> '' THEN excluded.message ELSE runs.message END,
			updated_at    = excluded.updated_at,
			updates       = runs.updates + 1
		WHERE excluded.updated_at >= runs.updated_at
	`, u.RunID, u.ScanID, u.Organoid, u.Stage, string(u.Status), u.Progress, u.Message, at, at, string(kind), string(kind))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	return nil
}

// List returns stored runs, most recently updated first.
func (r *RunRepo) List(ctx context.Context) ([]pipeline.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, scan_id, organoid_name, stage, status, progress, message, started_at, updated_at, updates
		FROM runs
		ORDER BY updated_at DESC, run_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return out, nil
}

// Get returns the run snapshot; ok is false when the run is unknown.
func (r *RunRepo) Get(ctx context.Context, runID string) (pipeline.Run, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, scan_id, organoid_name, stage, status, progress, message, started_at, updated_at, updates
		FROM runs
		WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Run{}, false, nil
	}
	if err != nil {
		return pipeline.Run{}, false, err
	}

	return run, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (pipeline.Run, error) {
	var (
		run       pipeline.Run
		status    string
		startedAt int64
		updatedAt int64
	)
	if err := row.Scan(&run.RunID, &run.ScanID, &run.Organoid, &run.Stage, &status, &run.Progress, &run.Message, &startedAt, &updatedAt, &run.Updates); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.Run{}, err
		}

		return pipeline.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = pipeline.RunStatus(status)
	run.StartedAt = fromUnixMillis(startedAt)
	run.UpdatedAt = fromUnixMillis(updatedAt)

	return run, nil
}
