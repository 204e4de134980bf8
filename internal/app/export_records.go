package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/organoidlab/pipewatch/internal/api"
	"github.com/organoidlab/pipewatch/internal/export"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

// ExportSource names a table that can be exported.
type ExportSource string

const (
	ExportSourceRuns    ExportSource = "runs"
	ExportSourceEvents  ExportSource = "events"
	ExportSourceAPIRuns ExportSource = "api-runs"
)

var (
	ErrStorageDisabled     = errors.New("storage is disabled")
	ErrUnknownExportSource = errors.New("unknown export source")
)

var (
	runColumns    = []string{"run_id", "scan_id", "organoid", "stage", "status", "progress", "message", "started_at", "updated_at", "updates"}
	eventColumns  = []string{"timestamp", "kind", "run_id", "scan_id", "organoid", "stage", "status", "raw_status", "progress", "message"}
	apiRunColumns = []string{"id", "scan_id", "organoid", "stage", "status", "qc_status", "created_at", "started_at", "finished_at", "has_result"}
)

func ParseExportSource(raw string) (ExportSource, error) {
	switch src := ExportSource(strings.ToLower(strings.TrimSpace(raw))); src {
	case ExportSourceRuns, ExportSourceEvents, ExportSourceAPIRuns:
		return src, nil
	case "":
		return ExportSourceRuns, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExportSource, raw)
	}
}

// RunRecords flattens tracked runs; zero times become empty cells.
func RunRecords(runs []pipeline.Run) ([]export.Record, []string) {
	out := make([]export.Record, 0, len(runs))
	for _, run := range runs {
		out = append(out, export.Record{
			"run_id":     run.RunID,
			"scan_id":    run.ScanID,
			"organoid":   run.Organoid,
			"stage":      run.Stage,
			"status":     run.Status.Label(),
			"progress":   run.Progress,
			"message":    run.Message,
			"started_at": optionalTime(run.StartedAt),
			"updated_at": optionalTime(run.UpdatedAt),
			"updates":    run.Updates,
		})
	}

	return out, runColumns
}

func EventRecords(updates []pipeline.StatusUpdate) ([]export.Record, []string) {
	out := make([]export.Record, 0, len(updates))
	for _, u := range updates {
		out = append(out, export.Record{
			"timestamp":  optionalTime(u.Timestamp),
			"kind":       string(u.Kind),
			"run_id":     u.RunID,
			"scan_id":    u.ScanID,
			"organoid":   u.Organoid,
			"stage":      u.Stage,
			"status":     u.Status.Label(),
			"raw_status": u.RawStatus,
			"progress":   u.Progress,
			"message":    u.Message,
		})
	}

	return out, eventColumns
}

func APIRunRecords(runs []api.PipelineRun) ([]export.Record, []string) {
	out := make([]export.Record, 0, len(runs))
	for _, run := range runs {
		out = append(out, export.Record{
			"id":          string(run.ID),
			"scan_id":     string(run.ScanInfo.ID),
			"organoid":    run.ScanInfo.OrganoidName,
			"stage":       run.Stage,
			"status":      run.Status,
			"qc_status":   run.QCStatus,
			"created_at":  run.CreatedAt,
			"started_at":  optionalString(run.StartedAt),
			"finished_at": optionalString(run.FinishedAt),
			"has_result":  run.HasResult,
		})
	}

	return out, apiRunColumns
}

// ExportRecords loads source and flattens it. Stored sources need storage;
// api-runs queries the backend, filtered by scanID when set.
func (r *Runtime) ExportRecords(ctx context.Context, source ExportSource, scanID string) ([]export.Record, []string, error) {
	switch source {
	case ExportSourceRuns:
		if r.RunRepo == nil {
			return nil, nil, ErrStorageDisabled
		}
		runs, err := r.RunRepo.List(ctx)
		if err != nil {
			return nil, nil, err
		}
		records, cols := RunRecords(filterRunsByScan(runs, scanID))

		return records, cols, nil
	case ExportSourceEvents:
		if r.EventRepo == nil {
			return nil, nil, ErrStorageDisabled
		}
		updates, err := r.EventRepo.ListRecent(ctx, RecentEventsLoad)
		if err != nil {
			return nil, nil, err
		}
		records, cols := EventRecords(updates)

		return records, cols, nil
	case ExportSourceAPIRuns:
		runs, err := r.API.ListPipelineRuns(ctx, scanID)
		if err != nil {
			return nil, nil, err
		}
		records, cols := APIRunRecords(runs)

		return records, cols, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownExportSource, source)
	}
}

// DefaultExportPath names an export file in the exports dir.
func (r *Runtime) DefaultExportPath(source ExportSource, format export.Format) string {
	name := fmt.Sprintf("%s-%s-%s.%s", Name, source, r.clock.Now().UTC().Format("20060102-150405"), format.Extension())

	return filepath.Join(r.Paths.ExportsDir, name)
}

func filterRunsByScan(runs []pipeline.Run, scanID string) []pipeline.Run {
	scanID = strings.TrimSpace(scanID)
	if scanID == "" {
		return runs
	}
	out := make([]pipeline.Run, 0, len(runs))
	for _, run := range runs {
		if run.ScanID == scanID {
			out = append(out, run)
		}
	}

	return out
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t
}

func optionalString(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}
