package persistence

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultWriterCapacity = 256
	writeMaxAttempts      = 3
	writeRetryStep        = 300 * time.Millisecond
	flushTimeout          = 5 * time.Second
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes database writes on one goroutine so sqlite never sees
// concurrent writers. Failed writes are retried with a linear backoff.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	done   chan struct{}
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = defaultWriterCapacity
	}
	if logger == nil {
		logger = slog.Default().With("component", "persistence.writer")
	}

	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
		done:   make(chan struct{}),
	}
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		w.logger.Warn("writer queue full, blocking producer", "cmd", name, "capacity", cap(w.queue))
		w.queue <- cmd
	}
}

// Start runs the writer until ctx is done. Commands still buffered at that
// point are flushed with a short independent deadline.
func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		// Writes that already started are allowed to finish after shutdown.
		writeCtx := context.WithoutCancel(ctx)
		for {
			select {
			case <-ctx.Done():
				w.flush()

				return
			default:
			}

			select {
			case <-ctx.Done():
				w.flush()

				return
			case cmd := <-w.queue:
				w.runWithRetry(writeCtx, cmd)
			}
		}
	}()
}

// Done is closed once the writer goroutine has exited.
func (w *WriterQueue) Done() <-chan struct{} {
	return w.done
}

func (w *WriterQueue) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	flushed := 0
	for {
		select {
		case cmd := <-w.queue:
			w.runWithRetry(ctx, cmd)
			flushed++
		default:
			if flushed > 0 {
				w.logger.Debug("flushed pending writes", "count", flushed)
			}

			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == writeMaxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * writeRetryStep):
		}
	}
}
