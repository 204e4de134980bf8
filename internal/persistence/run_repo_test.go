package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/organoidlab/pipewatch/internal/pipeline"
)

func TestRunRepoApplyUpdateMergesSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo(openTestDB(t))
	base := nowMillis()

	if err := repo.ApplyUpdate(ctx, testUpdate("run-1", pipeline.RunStatusRunning, 20, base)); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	next := testUpdate("run-1", pipeline.RunStatusCompleted, 100, base.Add(time.Second))
	next.Stage = ""
	next.Organoid = ""
	if err := repo.ApplyUpdate(ctx, next); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	run, ok, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected run to exist")
	}
	if run.Status != pipeline.RunStatusCompleted || run.Progress != 100 {
		t.Fatalf("unexpected status/progress: %+v", run)
	}
	if run.Stage != "segmentation" || run.Organoid != "ORG-7" {
		t.Fatalf("expected empty fields to keep stored values, got %+v", run)
	}
	if !run.StartedAt.Equal(base) || !run.UpdatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected timestamps: started=%v updated=%v", run.StartedAt, run.UpdatedAt)
	}
	if run.Updates != 2 {
		t.Fatalf("expected 2 updates, got %d", run.Updates)
	}
}

func TestRunRepoApplyProgressAndLogUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo(openTestDB(t))
	base := nowMillis()

	if err := repo.ApplyUpdate(ctx, testUpdate("run-1", pipeline.RunStatusRunning, 20, base)); err != nil {
		t.Fatalf("apply status: %v", err)
	}
	progress := pipeline.StatusUpdate{Kind: pipeline.KindProgress, RunID: "run-1", Progress: 55, Timestamp: base.Add(time.Second)}
	if err := repo.ApplyUpdate(ctx, progress); err != nil {
		t.Fatalf("apply progress: %v", err)
	}
	logLine := pipeline.StatusUpdate{Kind: pipeline.KindLog, RunID: "run-1", Message: "writing mask", Timestamp: base.Add(2 * time.Second)}
	if err := repo.ApplyUpdate(ctx, logLine); err != nil {
		t.Fatalf("apply log: %v", err)
	}

	run, _, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Progress != 55 || run.Message != "writing mask" || run.Status != pipeline.RunStatusRunning {
		t.Fatalf("unexpected merged run: %+v", run)
	}
	if run.Stage != "segmentation" || run.Updates != 3 {
		t.Fatalf("expected stage and update count to carry over, got %+v", run)
	}
}

func TestRunRepoIgnoresOlderUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo(openTestDB(t))
	base := nowMillis()

	if err := repo.ApplyUpdate(ctx, testUpdate("run-1", pipeline.RunStatusFailed, 40, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := repo.ApplyUpdate(ctx, testUpdate("run-1", pipeline.RunStatusRunning, 30, base.Add(-time.Minute))); err != nil {
		t.Fatalf("apply stale: %v", err)
	}

	run, _, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != pipeline.RunStatusFailed || run.Updates != 1 {
		t.Fatalf("expected stale update to be ignored, got %+v", run)
	}
}

func TestRunRepoListOrdersByUpdatedDesc(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo(openTestDB(t))
	base := nowMillis()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := repo.ApplyUpdate(ctx, testUpdate(id, pipeline.RunStatusRunning, 10, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}

	runs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[2].RunID != "run-a" {
		t.Fatalf("unexpected order: %s, %s, %s", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}
}

func TestRunRepoGetMissing(t *testing.T) {
	_, ok, err := NewRunRepo(openTestDB(t)).Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing run")
	}
}
