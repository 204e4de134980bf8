package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/organoidlab/pipewatch/internal/app"
	"github.com/organoidlab/pipewatch/internal/config"
	"github.com/organoidlab/pipewatch/internal/devserver"
	"github.com/organoidlab/pipewatch/internal/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run dev server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", app.DefaultDevAddress, "listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	demoScan := flag.String("demo-scan", "", "start a simulated run for this scan every -demo-every")
	demoEvery := flag.Duration("demo-every", 30*time.Second, "interval between simulated runs")
	demoStep := flag.Duration("demo-step", 2*time.Second, "interval between simulated status updates")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logMgr := logging.NewManager()
	if err := logMgr.Configure(config.LoggingConfig{Level: *logLevel}, ""); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("devserver")
	logger.Info("starting pipewatch dev server", "version", app.BuildVersion())

	srv := devserver.New(devserver.Options{Logger: logger})

	if scan := strings.TrimSpace(*demoScan); scan != "" {
		if *demoEvery <= 0 || *demoStep <= 0 {
			return errors.New("demo intervals must be positive")
		}
		go runDemo(ctx, srv, scan, *demoEvery, *demoStep, logger)
	}

	return srv.ListenAndServe(ctx, *addr)
}

func runDemo(ctx context.Context, srv *devserver.Server, scanID string, every, step time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		run, err := srv.CreateRun(scanID, "segmentation")
		if err != nil {
			logger.Warn("create demo run", "scan_id", scanID, "error", err)

			return
		}
		if err := srv.Simulate(ctx, string(run.ID), step); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("simulate demo run", "run_id", string(run.ID), "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
