package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/organoidlab/pipewatch/internal/app"
	"github.com/organoidlab/pipewatch/internal/config"
	"github.com/organoidlab/pipewatch/internal/notifications"
)

var errUsage = errors.New("usage")

const usage = `usage: pipewatch <command> [flags]

commands:
  watch    follow the realtime status feed, persist and notify
  send     send one JSON frame over the status channel
  export   export runs or status history (csv, json, md, latex)
  runs     print tracked runs as a Markdown table
  start    start a pipeline run for a scan
  version  print version information
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("run pipewatch", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)

		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "watch":
		return runWatch(ctx, rest, stdout, stderr)
	case "send":
		return runSend(ctx, rest, stdout, stderr)
	case "export":
		return runExport(ctx, rest, stdout, stderr)
	case "runs":
		return runRuns(ctx, rest, stdout, stderr)
	case "start":
		return runStart(ctx, rest, stdout, stderr)
	case "version", "-version", "--version":
		_, err := fmt.Fprintln(stdout, app.VersionString())

		return err
	case "help", "-h", "--help":
		_, err := fmt.Fprint(stdout, usage)

		return err
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)

		return errUsage
	}
}

// commonFlags are accepted by every command that talks to the backend.
type commonFlags struct {
	configFile string
	baseURL    string
	statusPath string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "config file path (json or yaml)")
	fs.StringVar(&c.baseURL, "base-url", "", "backend origin, e.g. https://lab.example.org")
	fs.StringVar(&c.statusPath, "path", "", "status channel path")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func (c *commonFlags) apply(cfg *config.AppConfig) {
	if v := strings.TrimSpace(c.baseURL); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := strings.TrimSpace(c.statusPath); v != "" {
		cfg.Server.StatusPath = v
	}
	if v := strings.TrimSpace(c.logLevel); v != "" {
		cfg.Logging.Level = v
	}
}

type runtimeOptions struct {
	disableStorage bool
	exclusive      bool
	quiet          bool
	logs           io.Writer
	override       func(*config.AppConfig)
}

func (c *commonFlags) initialize(ctx context.Context, opts runtimeOptions) (*app.Runtime, error) {
	appOpts := app.Options{
		ConfigFile:       c.configFile,
		DisableStorage:   opts.disableStorage,
		ExclusiveStorage: opts.exclusive,
		Stdout:           opts.logs,
		Overrides: func(cfg *config.AppConfig) {
			c.apply(cfg)
			if opts.override != nil {
				opts.override(cfg)
			}
		},
	}
	if opts.quiet {
		// Only watch notifies; one-shot commands stay silent.
		appOpts.Sender = notifications.SenderFunc(nil)
	}

	rt, err := app.Initialize(ctx, appOpts)
	if err != nil {
		return nil, fmt.Errorf("initialize runtime: %w", err)
	}

	return rt, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	return fs
}

func closeRuntime(rt *app.Runtime) {
	if err := rt.Close(); err != nil {
		slog.Warn("close runtime", "error", err)
	}
}
