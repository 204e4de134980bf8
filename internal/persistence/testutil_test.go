package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/organoidlab/pipewatch/internal/pipeline"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testUpdate(runID string, status pipeline.RunStatus, progress int, at time.Time) pipeline.StatusUpdate {
	return pipeline.StatusUpdate{
		RunID:      runID,
		ScanID:     "scan-1",
		Organoid:   "ORG-7",
		Stage:      "segmentation",
		Status:     status,
		RawStatus:  string(status),
		Progress:   progress,
		Message:    "step " + string(status),
		Timestamp:  at,
		ReceivedAt: at,
	}
}
