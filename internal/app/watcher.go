package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/channel"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

// WatcherConfig describes one realtime status subscription.
type WatcherConfig struct {
	BaseURL    string
	StatusPath string
	// RunIDs are subscribed to on every (re)connect for progress and log frames.
	RunIDs         []string
	AutoReconnect  bool
	ReconnectDelay time.Duration
	PingInterval   time.Duration

	Dialer channel.Dialer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Watcher owns the realtime channel and republishes everything it observes on the bus.
type Watcher struct {
	bus    bus.MessageBus
	ch     *channel.Channel
	ping   time.Duration
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	lastErr error
	runIDs  []string

	startOnce sync.Once
}

func NewWatcher(messageBus bus.MessageBus, cfg WatcherConfig) (*Watcher, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "app.watcher")
	}

	w := &Watcher{
		bus:    messageBus,
		ping:   cfg.PingInterval,
		clock:  clock,
		logger: logger,
	}
	for _, runID := range cfg.RunIDs {
		w.addRun(runID)
	}

	chCfg := channel.Config{
		TargetPath:     cfg.StatusPath,
		AutoReconnect:  cfg.AutoReconnect,
		ReconnectDelay: cfg.ReconnectDelay,
		OnOpen:         w.handleOpen,
		OnClose:        w.handleClose,
		OnError:        w.handleError,
		OnMessage:      w.handleMessage,
	}
	opts := []channel.Option{channel.WithClock(clock)}
	if cfg.Dialer != nil {
		opts = append(opts, channel.WithDialer(cfg.Dialer))
	}
	ch, err := channel.New(cfg.BaseURL, chCfg, opts...)
	if err != nil {
		return nil, err
	}
	w.ch = ch

	return w, nil
}

func (w *Watcher) Channel() *channel.Channel {
	return w.ch
}

// Start connects and keeps the channel alive until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.publishStatus(channel.StateConnecting, nil)
		w.ch.Connect()

		if w.ping > 0 {
			go w.pingLoop(ctx)
		}
		go func() {
			<-ctx.Done()
			_ = w.Close()
		}()
	})
}

// Send writes payload when connected; otherwise it is dropped. Only written
// frames are published as outbound raw frames.
func (w *Watcher) Send(payload any) bool {
	if !w.ch.Send(payload) {
		return false
	}
	if raw, err := json.Marshal(payload); err == nil {
		w.bus.Publish(events.TopicRawFrameOut, events.NewRawFrame(raw, RawFramePreview))
	}

	return true
}

// Subscribe follows progress and log frames of runID, now and after every reconnect.
func (w *Watcher) Subscribe(runID string) {
	runID = strings.TrimSpace(runID)
	if !w.addRun(runID) {
		return
	}
	if w.ch.Connected() {
		w.Send(pipeline.NewSubscribeRequest(runID))
	}
}

// Unsubscribe stops following runID.
func (w *Watcher) Unsubscribe(runID string) {
	runID = strings.TrimSpace(runID)
	w.mu.Lock()
	idx := slices.Index(w.runIDs, runID)
	if idx >= 0 {
		w.runIDs = slices.Delete(w.runIDs, idx, idx+1)
	}
	w.mu.Unlock()

	if idx >= 0 && w.ch.Connected() {
		w.Send(pipeline.NewUnsubscribeRequest(runID))
	}
}

// Subscriptions returns the followed run ids in subscription order.
func (w *Watcher) Subscriptions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return slices.Clone(w.runIDs)
}

func (w *Watcher) addRun(runID string) bool {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.runIDs, runID) {
		return false
	}
	w.runIDs = append(w.runIDs, runID)

	return true
}

func (w *Watcher) Close() error {
	return w.ch.Close()
}

func (w *Watcher) handleOpen() {
	w.mu.Lock()
	w.lastErr = nil
	runIDs := slices.Clone(w.runIDs)
	w.mu.Unlock()

	w.publishStatus(channel.StateConnected, nil)
	for _, runID := range runIDs {
		w.Send(pipeline.NewSubscribeRequest(runID))
	}
}

func (w *Watcher) handleClose() {
	w.mu.Lock()
	err := w.lastErr
	w.lastErr = nil
	w.mu.Unlock()

	w.publishStatus(channel.StateDisconnected, err)
}

func (w *Watcher) handleError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Watcher) handleMessage(msg json.RawMessage) {
	receivedAt := w.clock.Now().UTC()
	w.bus.Publish(events.TopicRawFrameIn, events.NewRawFrame(msg, RawFramePreview))

	update, err := pipeline.DecodeStatusUpdate(msg, receivedAt)
	switch {
	case err == nil:
		w.logger.Debug("status update", "kind", string(update.Kind), "run_id", update.RunID, "status", string(update.Status), "progress", update.Progress)
		w.bus.Publish(events.TopicStatusUpdate, update)
	case errors.Is(err, pipeline.ErrNotStatusUpdate):
		w.handleControl(msg, err)
	default:
		w.logger.Warn("decode status update", "error", err)
	}
}

func (w *Watcher) handleControl(msg json.RawMessage, reason error) {
	frame, ok := pipeline.DecodeControlFrame(msg)
	if !ok {
		w.logger.Debug("ignored frame", "reason", reason)

		return
	}
	switch frame.Type {
	case pipeline.MessageTypeSubscriptionConfirmed:
		w.logger.Info("subscription confirmed", "run_id", frame.RunID)
	case pipeline.MessageTypeError:
		w.logger.Warn("server reported error", "message", frame.Message)
	default:
		w.logger.Debug("control frame", "type", frame.Type)
	}
}

func (w *Watcher) pingLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(w.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if w.ch.Connected() {
				w.Send(pipeline.NewPingRequest())
			}
		}
	}
}

func (w *Watcher) publishStatus(state channel.State, err error) {
	w.bus.Publish(events.TopicConnStatus, NewConnectionStatus(state, w.ch.URL(), err, w.clock.Now().UTC()))
}
