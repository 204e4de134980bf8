package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/events"
)

// Run is the latest known snapshot of one pipeline run.
type Run struct {
	RunID     string
	ScanID    string
	Organoid  string
	Stage     string
	Status    RunStatus
	Progress  int
	Message   string
	StartedAt time.Time
	UpdatedAt time.Time
	Updates   int
}

// Transition describes a status change produced by Apply.
type Transition struct {
	Run      Run
	Previous RunStatus
}

// Tracker keeps the latest snapshot per run.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]Run
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]Run)}
}

// Load seeds the tracker, e.g. from persisted snapshots.
func (t *Tracker) Load(runs []Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, run := range runs {
		if run.RunID == "" {
			continue
		}
		t.runs[run.RunID] = run
	}
}

// Apply merges update into the run snapshot. Updates older than the snapshot are
// ignored. Log updates only replace the message, progress updates keep the
// previous message when they carry none. The returned bool reports whether the status changed.
func (t *Tracker) Apply(update StatusUpdate) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, exists := t.runs[update.RunID]
	if exists && update.Timestamp.Before(current.UpdatedAt) {
		return Transition{Run: current, Previous: current.Status}, false
	}

	next := current
	next.RunID = update.RunID
	if update.ScanID != "" {
		next.ScanID = update.ScanID
	}
	if update.Organoid != "" {
		next.Organoid = update.Organoid
	}
	if update.Stage != "" {
		next.Stage = update.Stage
	}
	if update.Status != RunStatusUnknown {
		next.Status = update.Status
	}
	switch update.Kind {
	case KindLog:
		if update.Message != "" {
			next.Message = update.Message
		}
	case KindProgress:
		next.Progress = update.Progress
		if update.Message != "" {
			next.Message = update.Message
		}
	default:
		next.Progress = update.Progress
		next.Message = update.Message
	}
	next.UpdatedAt = update.Timestamp
	if next.StartedAt.IsZero() {
		next.StartedAt = update.Timestamp
	}
	next.Updates++
	t.runs[update.RunID] = next

	return Transition{Run: next, Previous: current.Status}, !exists || current.Status != next.Status
}

// Reset forgets every tracked run.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = make(map[string]Run)
}

func (t *Tracker) Get(runID string) (Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]

	return run, ok
}

// List returns runs ordered by most recent update first.
func (t *Tracker) List() []Run {
	t.mu.RLock()
	out := make([]Run, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return out
}

// Active returns runs that have not reached a terminal status.
func (t *Tracker) Active() []Run {
	all := t.List()
	out := all[:0]
	for _, run := range all {
		if !run.Status.Terminal() {
			out = append(out, run)
		}
	}

	return out
}

// Start applies status updates from the bus and publishes TopicRunFinished
// when a run enters a terminal status.
func (t *Tracker) Start(ctx context.Context, b bus.MessageBus) {
	sub := b.Subscribe(events.TopicStatusUpdate)
	go bus.Drain(ctx, b, sub, func(msg any) {
		update, ok := msg.(StatusUpdate)
		if !ok {
			return
		}
		transition, changed := t.Apply(update)
		if changed && transition.Run.Status.Terminal() {
			b.Publish(events.TopicRunFinished, transition)
		}
	})
}
