package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/organoidlab/pipewatch/internal/app"
	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/config"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("watch", stderr)
	var common commonFlags
	common.register(fs)
	runs := fs.String("run", "", "comma-separated run ids to follow for progress and log frames")
	scanID := fs.String("scan", "", "poll runs of this scan")
	noStore := fs.Bool("no-store", false, "do not persist status history")
	noReconnect := fs.Bool("no-reconnect", false, "stay disconnected after the feed drops")
	listenFor := fs.Duration("listen-for", 0, "stop after this duration, e.g. 30m")
	poll := fs.Duration("poll", 0, "also poll pipeline runs over REST at this interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := runtimeOptions{disableStorage: *noStore, exclusive: true, logs: stdout}
	if *noReconnect {
		opts.override = func(cfg *config.AppConfig) {
			cfg.Channel.AutoReconnect = false
		}
	}

	rt, err := common.initialize(ctx, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	logger := rt.LogManager.Logger("cli")
	cfg := rt.CurrentConfig()
	logger.Info("starting pipewatch", "version", app.BuildVersion(), "build_date", app.BuildDateYMD(),
		"base_url", cfg.Server.BaseURL, "storage", rt.DB != nil, "tracked_runs", len(rt.Tracker.List()))

	sub := rt.Bus.Subscribe(
		events.TopicConnStatus,
		events.TopicStatusUpdate,
		events.TopicRunFinished,
		events.TopicRawFrameIn,
		events.TopicRawFrameOut,
	)
	go bus.Drain(rt.Ctx, rt.Bus, sub, func(msg any) {
		logBusEvent(logger, msg)
	})

	watcher, err := rt.NewWatcher(splitList(*runs)...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Warn("close watcher", "error", closeErr)
		}
	}()
	watcher.Start(rt.Ctx)

	if *poll > 0 {
		poller := rt.NewRunPoller(*scanID, *poll)
		poller.Start(rt.Ctx)
		go logSnapshots(rt.Ctx, poller, logger)
	}

	if *listenFor > 0 {
		logger.Info("listen mode", "duration", *listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(*listenFor):
		}
	} else {
		logger.Info("listening until interrupt")
		<-ctx.Done()
	}
	logActiveRuns(logger, rt.Tracker)

	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func logBusEvent(logger *slog.Logger, msg any) {
	switch v := msg.(type) {
	case events.ConnectionStatus:
		logger.Info("conn", "state", v.State, "target", v.Target, "error", v.Err)
	case pipeline.StatusUpdate:
		logger.Info("update",
			"kind", v.Kind,
			"run_id", v.RunID,
			"organoid", v.Organoid,
			"stage", v.Stage,
			"status", v.Status.Label(),
			"progress", v.Progress,
			"message", v.Message,
		)
	case pipeline.Transition:
		logger.Info("run finished", "run_id", v.Run.RunID, "status", v.Run.Status.Label(), "previous", v.Previous.Label())
	case events.RawFrame:
		logger.Debug("raw frame", "len", v.Len, "preview", v.Preview)
	}
}

func logSnapshots(ctx context.Context, poller *app.RunPoller, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-poller.Snapshots():
			logger.Info("polled runs", "runs", len(snapshot.Runs), "changes", len(snapshot.Changes))
			for _, change := range snapshot.Changes {
				logger.Info("run change", "run_id", change.RunID, "stage", change.Stage,
					"previous", change.Previous.Label(), "current", change.Current.Label())
			}
		}
	}
}

func logActiveRuns(logger *slog.Logger, tracker *pipeline.Tracker) {
	active := tracker.Active()
	logger.Info("active runs", "count", len(active))
	for _, run := range active {
		logger.Info("active run", "run_id", run.RunID, "stage", run.Stage, "status", run.Status.Label(), "progress", run.Progress)
	}
}
