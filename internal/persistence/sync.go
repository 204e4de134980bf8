package persistence

import (
	"context"

	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

// StartSync persists every status update published on the bus.
func StartSync(ctx context.Context, b bus.MessageBus, writer *WriterQueue, runRepo *RunRepo, eventRepo *EventRepo) {
	sub := b.Subscribe(events.TopicStatusUpdate)
	go bus.Drain(ctx, b, sub, func(msg any) {
		update, ok := msg.(pipeline.StatusUpdate)
		if !ok {
			return
		}
		writer.Enqueue("insert status event", func(ctx context.Context) error {
			_, err := eventRepo.Insert(ctx, update)
			return err
		})
		writer.Enqueue("upsert run", func(ctx context.Context) error {
			return runRepo.ApplyUpdate(ctx, update)
		})
	})
}
