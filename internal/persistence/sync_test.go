package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

func TestStartSyncPersistsStatusUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := openTestDB(t)
	runRepo := NewRunRepo(db)
	eventRepo := NewEventRepo(db)
	writer := NewWriterQueue(nil, 16)
	writer.Start(ctx)

	b := bus.New(nil)
	defer b.Close()
	StartSync(ctx, b, writer, runRepo, eventRepo)

	now := nowMillis()
	b.Publish(events.TopicStatusUpdate, testUpdate("run-9", pipeline.RunStatusRunning, 30, now))
	b.Publish(events.TopicStatusUpdate, "ignored payload")
	b.Publish(events.TopicStatusUpdate, testUpdate("run-9", pipeline.RunStatusCompleted, 100, now.Add(time.Second)))

	deadline := time.Now().Add(3 * time.Second)
	for {
		run, ok, err := runRepo.Get(ctx, "run-9")
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if ok && run.Status == pipeline.RunStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run was not persisted, last=%+v ok=%v", run, ok)
		}
		time.Sleep(20 * time.Millisecond)
	}

	history, err := eventRepo.ListByRun(ctx, "run-9")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(history))
	}
}
