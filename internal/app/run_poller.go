package app

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/organoidlab/pipewatch/internal/api"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

const defaultRunPollInterval = 5 * time.Second

// RunLister is the subset of api.Client used by RunPoller.
type RunLister interface {
	ListPipelineRuns(ctx context.Context, scanID string) ([]api.PipelineRun, error)
}

// RunChange is a status difference between two consecutive polls.
type RunChange struct {
	RunID    string
	Stage    string
	Previous pipeline.RunStatus
	Current  pipeline.RunStatus
}

// RunSnapshot stores a single successful poll result.
type RunSnapshot struct {
	Runs      []api.PipelineRun
	Changes   []RunChange
	CheckedAt time.Time
}

type RunPollerConfig struct {
	Lister   RunLister
	ScanID   string
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// RunPoller periodically lists pipeline runs over REST. It complements the
// realtime channel while it is down and publishes only the latest snapshot.
type RunPoller struct {
	lister   RunLister
	scanID   string
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	snapshots chan RunSnapshot

	mu          sync.RWMutex
	latest      RunSnapshot
	latestKnown bool

	startOnce sync.Once
}

func NewRunPoller(cfg RunPollerConfig) *RunPoller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRunPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "app.poller")
	}

	return &RunPoller{
		lister:    cfg.Lister,
		scanID:    strings.TrimSpace(cfg.ScanID),
		interval:  interval,
		clock:     clock,
		logger:    logger,
		snapshots: make(chan RunSnapshot, 1),
	}
}

func (p *RunPoller) Start(ctx context.Context) {
	if p == nil || p.lister == nil {
		return
	}

	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

func (p *RunPoller) Snapshots() <-chan RunSnapshot {
	if p == nil {
		return nil
	}

	return p.snapshots
}

func (p *RunPoller) CurrentSnapshot() (RunSnapshot, bool) {
	if p == nil {
		return RunSnapshot{}, false
	}

	p.mu.RLock()
	snapshot := p.latest
	known := p.latestKnown
	p.mu.RUnlock()

	return snapshot, known
}

func (p *RunPoller) run(ctx context.Context) {
	p.logger.Info("run poller started", "interval", p.interval.String(), "scan_id", p.scanID)

	if err := p.pollAndPublish(ctx); err != nil {
		p.logger.Warn("poll pipeline runs", "error", err)
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("run poller stopped")

			return
		case <-ticker.Chan():
			if err := p.pollAndPublish(ctx); err != nil {
				p.logger.Warn("poll pipeline runs", "error", err)
			}
		}
	}
}

func (p *RunPoller) pollAndPublish(ctx context.Context) error {
	runs, err := p.lister.ListPipelineRuns(ctx, p.scanID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var previous []api.PipelineRun
	if p.latestKnown {
		previous = p.latest.Runs
	}
	snapshot := RunSnapshot{
		Runs:      runs,
		Changes:   diffRuns(previous, runs),
		CheckedAt: p.clock.Now().UTC(),
	}
	p.latest = snapshot
	p.latestKnown = true
	p.mu.Unlock()

	p.publish(snapshot)
	p.logger.Debug("polled pipeline runs", "runs", len(runs), "changes", len(snapshot.Changes))

	return nil
}

// publish keeps only the newest snapshot in the channel.
func (p *RunPoller) publish(snapshot RunSnapshot) {
	select {
	case p.snapshots <- snapshot:
		return
	default:
	}

	select {
	case <-p.snapshots:
	default:
	}

	select {
	case p.snapshots <- snapshot:
	default:
		p.logger.Debug("skipped run snapshot publish after replace attempt")
	}
}

// diffRuns reports runs that are new or whose normalised status changed.
func diffRuns(previous, current []api.PipelineRun) []RunChange {
	known := make(map[string]pipeline.RunStatus, len(previous))
	for _, run := range previous {
		known[string(run.ID)] = pipeline.NormalizeStatus(run.Status)
	}

	var changes []RunChange
	for _, run := range current {
		id := string(run.ID)
		status := pipeline.NormalizeStatus(run.Status)
		prev, ok := known[id]
		if ok && prev == status {
			continue
		}
		changes = append(changes, RunChange{
			RunID:    id,
			Stage:    run.Stage,
			Previous: prev,
			Current:  status,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].RunID < changes[j].RunID })

	return changes
}
