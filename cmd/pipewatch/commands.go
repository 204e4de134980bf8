package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/organoidlab/pipewatch/internal/app"
	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/export"
)

const (
	defaultSendTimeout = 10 * time.Second
	autoExportPath     = "auto"
)

func runSend(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("send", stderr)
	var common commonFlags
	common.register(fs)
	payload := fs.String("json", "", "JSON frame to send")
	timeout := fs.Duration("timeout", defaultSendTimeout, "how long to wait for the connection")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw := strings.TrimSpace(*payload)
	if raw == "" {
		return errors.New("send: -json is required")
	}
	if !json.Valid([]byte(raw)) {
		return errors.New("send: -json is not valid JSON")
	}

	rt, err := common.initialize(ctx, runtimeOptions{disableStorage: true, quiet: true, logs: stderr})
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	connSub := rt.Bus.Subscribe(events.TopicConnStatus)
	defer rt.Bus.Unsubscribe(connSub, events.TopicConnStatus)

	watcher, err := rt.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	watcher.Start(rt.Ctx)

	if err := waitConnected(rt.Ctx, connSub, *timeout); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	watcher.Send(json.RawMessage(raw))
	_, err = fmt.Fprintf(stdout, "sent %d bytes to %s\n", len(raw), watcher.Channel().URL())

	return err
}

// waitConnected blocks until a connected status arrives. Failed attempts are
// retried by the channel, so only the timeout ends the wait early.
func waitConnected(ctx context.Context, sub bus.Subscription, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if lastErr != "" {
				return fmt.Errorf("not connected after %s: %s", timeout, lastErr)
			}

			return fmt.Errorf("not connected after %s", timeout)
		case raw, ok := <-sub:
			if !ok {
				return errors.New("status stream closed")
			}
			status, ok := raw.(events.ConnectionStatus)
			if !ok {
				continue
			}
			switch status.State {
			case events.ConnectionStateConnected:
				return nil
			case events.ConnectionStateDisconnected:
				if status.Err != "" {
					lastErr = status.Err
				}
			}
		}
	}
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	var common commonFlags
	common.register(fs)
	formatName := fs.String("format", "", "csv, json, md or latex (default: from -out, else csv)")
	out := fs.String("out", "", `output file; "auto" names one in the exports dir`)
	clipboard := fs.Bool("clipboard", false, "copy the export to the clipboard")
	sourceName := fs.String("source", string(app.ExportSourceRuns), "runs, events or api-runs")
	scanID := fs.String("scan", "", "only export runs of this scan")
	if err := fs.Parse(args); err != nil {
		return err
	}

	source, err := app.ParseExportSource(*sourceName)
	if err != nil {
		return err
	}
	format, err := resolveFormat(*formatName, *out)
	if err != nil {
		return err
	}

	rt, err := common.initialize(ctx, runtimeOptions{
		disableStorage: source == app.ExportSourceAPIRuns,
		quiet:          true,
		logs:           stderr,
	})
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	records, cols, err := rt.ExportRecords(rt.Ctx, source, *scanID)
	if err != nil {
		return fmt.Errorf("export %s: %w", source, err)
	}
	records = export.FormatForExport(records)

	path := strings.TrimSpace(*out)
	if path == autoExportPath {
		path = rt.DefaultExportPath(source, format)
	}
	if path != "" {
		if err := export.WriteFile(path, format, records, cols...); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stderr, "wrote %d records to %s\n", len(records), path)
	}

	if path != "" && !*clipboard {
		return nil
	}
	text, err := export.Render(format, records, cols...)
	if err != nil {
		return err
	}
	if *clipboard {
		if !export.CopyToClipboard(text) {
			return errors.New("export: clipboard is not available")
		}
		_, _ = fmt.Fprintf(stderr, "copied %d records to the clipboard\n", len(records))

		return nil
	}
	if text == "" {
		return nil
	}
	_, err = fmt.Fprintln(stdout, text)

	return err
}

// resolveFormat prefers the explicit name, then the output file extension, then CSV.
func resolveFormat(name, out string) (export.Format, error) {
	if strings.TrimSpace(name) != "" {
		return export.ParseFormat(name)
	}
	out = strings.TrimSpace(out)
	if out != "" && out != autoExportPath {
		return export.FormatFromPath(out)
	}

	return export.FormatCSV, nil
}

func runRuns(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("runs", stderr)
	var common commonFlags
	common.register(fs)
	activeOnly := fs.Bool("active", false, "only runs that are not finished")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := common.initialize(ctx, runtimeOptions{quiet: true, logs: stderr})
	if err != nil {
		return err
	}
	defer closeRuntime(rt)
	if rt.DB == nil {
		return fmt.Errorf("runs: %w", app.ErrStorageDisabled)
	}

	runs := rt.Tracker.List()
	if *activeOnly {
		runs = rt.Tracker.Active()
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(stdout, "no tracked runs")

		return err
	}
	records, cols := app.RunRecords(runs)
	_, err = fmt.Fprintln(stdout, export.ToMarkdownTable(export.FormatForExport(records), cols...))

	return err
}

func runStart(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("start", stderr)
	var common commonFlags
	common.register(fs)
	scanID := fs.String("scan", "", "scan to process (required)")
	stage := fs.String("stage", "", "pipeline stage, e.g. segmentation (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*scanID) == "" || strings.TrimSpace(*stage) == "" {
		return errors.New("start: -scan and -stage are required")
	}

	rt, err := common.initialize(ctx, runtimeOptions{disableStorage: true, quiet: true, logs: stderr})
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	run, err := rt.API.StartPipelineRun(rt.Ctx, *scanID, *stage)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "started run %s (%s, %s) for scan %s\n", run.ID, run.Stage, run.Status, run.ScanInfo.ID)

	return err
}
