package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/organoidlab/pipewatch/internal/pipeline"
)

// EventRepo stores the append-only history of received status updates.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) Insert(ctx context.Context, u pipeline.StatusUpdate) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO status_events(kind, run_id, scan_id, organoid_name, stage, status, raw_status, progress, message, event_at, received_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(eventKind(u.Kind)), u.RunID, u.ScanID, u.Organoid, u.Stage, string(u.Status), u.RawStatus, u.Progress, u.Message, toUnixMillis(u.Timestamp), toUnixMillis(u.ReceivedAt))
	if err != nil {
		return 0, fmt.Errorf("insert status event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get status event id: %w", err)
	}

	return id, nil
}

// ListRecent returns up to limit events in chronological order.
func (r *EventRepo) ListRecent(ctx context.Context, limit int) ([]pipeline.StatusUpdate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, run_id, scan_id, organoid_name, stage, status, raw_status, progress, message, event_at, received_at
		FROM status_events
		ORDER BY event_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent status events: %w", err)
	}
	out, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

func (r *EventRepo) ListByRun(ctx context.Context, runID string) ([]pipeline.StatusUpdate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, run_id, scan_id, organoid_name, stage, status, raw_status, progress, message, event_at, received_at
		FROM status_events
		WHERE run_id = ?
		ORDER BY event_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list status events by run: %w", err)
	}

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]pipeline.StatusUpdate, error) {
	defer func() {
		_ = rows.Close()
	}()

	var out []pipeline.StatusUpdate
	for rows.Next() {
		var (
			u          pipeline.StatusUpdate
			kind       string
			status     string
			eventAt    int64
			receivedAt int64
		)
		if err := rows.Scan(&kind, &u.RunID, &u.ScanID, &u.Organoid, &u.Stage, &status, &u.RawStatus, &u.Progress, &u.Message, &eventAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		u.Kind = pipeline.UpdateKind(kind)
		u.Status = pipeline.RunStatus(status)
		u.Timestamp = fromUnixMillis(eventAt)
		u.ReceivedAt = fromUnixMillis(receivedAt)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status events: %w", err)
	}

	return out, nil
}

func eventKind(kind pipeline.UpdateKind) pipeline.UpdateKind {
	if kind == "" {
		return pipeline.KindStatus
	}

	return kind
}
