package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/organoidlab/pipewatch/internal/api"
	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/channel"
	"github.com/organoidlab/pipewatch/internal/config"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/logging"
	"github.com/organoidlab/pipewatch/internal/notifications"
	"github.com/organoidlab/pipewatch/internal/persistence"
	"github.com/organoidlab/pipewatch/internal/pipeline"
	"github.com/organoidlab/pipewatch/internal/platform"
)

// Options tweak Initialize. The zero value resolves everything from the user's config dir.
type Options struct {
	Paths *Paths
	// ConfigFile overrides the resolved config file.
	ConfigFile string
	// DisableStorage skips the database even when the config enables it.
	DisableStorage bool
	// ExclusiveStorage locks the database against other writers for the runtime's lifetime.
	ExclusiveStorage bool
	// Sender replaces the desktop notification backend.
	Sender notifications.Sender
	// Stdout receives log output; defaults to os.Stdout.
	Stdout io.Writer
	// Overrides are applied after file and environment configuration.
	Overrides func(*config.AppConfig)

	Dialer channel.Dialer
	Clock  clockwork.Clock
}

// ErrStorageInUse is returned when another process holds the database lock.
var ErrStorageInUse = errors.New("storage is used by another pipewatch process")

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB
	API        *api.Client

	storeLock platform.FileLock
	exclusive bool

	RunRepo     *persistence.RunRepo
	EventRepo   *persistence.EventRepo
	WriterQueue *persistence.WriterQueue

	Tracker       *pipeline.Tracker
	Notifications *NotificationService

	dialer channel.Dialer
	clock  clockwork.Clock

	connStatusMu    sync.RWMutex
	connStatus      events.ConnectionStatus
	connStatusKnown bool
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	var paths Paths
	if opts.Paths != nil {
		paths = *opts.Paths
	} else {
		resolved, err := ResolvePaths()
		if err != nil {
			return nil, err
		}
		paths = resolved
	}
	paths = paths.WithConfigFile(opts.ConfigFile)

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(&cfg, paths.EnvFile); err != nil {
		return nil, err
	}
	if opts.Overrides != nil {
		opts.Overrides(&cfg)
	}
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:       ctx,
		cancel:    cancel,
		Paths:     paths,
		Config:    cfg,
		dialer:    opts.Dialer,
		clock:     opts.Clock,
		exclusive: opts.ExclusiveStorage,
	}
	if rt.clock == nil {
		rt.clock = clockwork.NewRealClock()
	}

	logMgr := logging.NewManager()
	if opts.Stdout != nil {
		logMgr = logging.NewManagerWithWriter(opts.Stdout)
	}
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting pipewatch runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	apiClient, err := api.NewClient(api.Config{
		BaseURL:   cfg.APIBaseURL(),
		Token:     cfg.Server.APIToken,
		UserAgent: UserAgent(),
		Logger:    logMgr.Logger("api"),
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.API = apiClient

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	connSub := b.Subscribe(events.TopicConnStatus)
	go rt.captureConnStatus(ctx, connSub)

	rt.Tracker = pipeline.NewTracker()

	if cfg.Storage.Enabled && !opts.DisableStorage {
		if err := rt.openStorage(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	rt.Tracker.Start(ctx, b)

	sender := opts.Sender
	if sender == nil {
		sender = notifications.NewDesktopSender(Name, logMgr.Logger("notifications"))
	}
	rt.Notifications = NewNotificationService(b, rt.CurrentConfig, sender, logMgr.Logger("app.notifications"))
	rt.Notifications.Start(ctx)

	return rt, nil
}

func (r *Runtime) openStorage(ctx context.Context) error {
	if r.exclusive {
		lock, err := platform.AcquireFileLock(r.Paths.DBFile + ".lock")
		switch {
		case errors.Is(err, platform.ErrLocked):
			return fmt.Errorf("%w: %s", ErrStorageInUse, r.Paths.DBFile)
		case errors.Is(err, platform.ErrLockUnsupported):
			slog.Warn("storage lock unavailable", "error", err)
		case err != nil:
			return err
		default:
			r.storeLock = lock
		}
	}

	db, err := persistence.Open(ctx, r.Paths.DBFile)
	if err != nil {
		return err
	}
	r.DB = db
	r.RunRepo = persistence.NewRunRepo(db)
	r.EventRepo = persistence.NewEventRepo(db)

	if days := r.Config.Storage.RetentionDays; days > 0 {
		cutoff := r.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
		pruned, err := persistence.PruneEvents(ctx, db, cutoff)
		if err != nil {
			return err
		}
		if pruned > 0 {
			slog.Info("pruned status history", "events", pruned, "retention_days", days)
		}
	}

	runs, err := r.RunRepo.List(ctx)
	if err != nil {
		return err
	}
	r.Tracker.Load(runs)

	writerQueue := persistence.NewWriterQueue(r.LogManager.Logger("persistence"), 512)
	writerQueue.Start(ctx)
	r.WriterQueue = writerQueue
	persistence.StartSync(ctx, r.Bus, writerQueue, r.RunRepo, r.EventRepo)

	return nil
}

// NewWatcher builds a realtime watcher from the current config, subscribed to runIDs.
func (r *Runtime) NewWatcher(runIDs ...string) (*Watcher, error) {
	cfg := r.CurrentConfig()

	return NewWatcher(r.Bus, WatcherConfig{
		BaseURL:        cfg.Server.BaseURL,
		StatusPath:     cfg.Server.StatusPath,
		RunIDs:         runIDs,
		AutoReconnect:  cfg.Channel.AutoReconnect,
		ReconnectDelay: cfg.Channel.ReconnectDelay(),
		PingInterval:   cfg.Channel.PingInterval(),
		Dialer:         r.dialer,
		Clock:          r.clock,
		Logger:         r.LogManager.Logger("app.watcher"),
	})
}

// NewRunPoller builds a REST poller over the runtime API client.
func (r *Runtime) NewRunPoller(scanID string, interval time.Duration) *RunPoller {
	return NewRunPoller(RunPollerConfig{
		Lister:   r.API,
		ScanID:   scanID,
		Interval: interval,
		Clock:    r.clock,
		Logger:   r.LogManager.Logger("app.poller"),
	})
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

func (r *Runtime) captureConnStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(events.ConnectionStatus)
			if !ok {
				continue
			}
			r.setConnStatus(status)
		}
	}
}

func (r *Runtime) setConnStatus(status events.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *Runtime) CurrentConnStatus() (events.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()
	return status, known
}

// SaveConfig validates, persists and applies cfg. Channel settings take effect
// for watchers created afterwards.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	return r.LogManager.Configure(cfg.Logging, r.Paths.LogFile)
}

func (r *Runtime) ClearDatabase() error {
	if r.DB == nil {
		return fmt.Errorf("database is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := persistence.ClearDatabase(ctx, r.DB); err != nil {
		return err
	}
	r.Tracker.Reset()
	slog.Info("database cleared")

	return nil
}

func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.WriterQueue != nil {
		select {
		case <-r.WriterQueue.Done():
		case <-time.After(10 * time.Second):
			slog.Warn("timed out waiting for pending writes")
		}
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.storeLock != nil {
		if err := r.storeLock.Release(); err != nil {
			slog.Warn("release storage lock", "error", err)
		}
		r.storeLock = nil
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}
	return nil
}
