package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultReconnectDelay is the fixed pause between a disconnect and the next attempt.
const DefaultReconnectDelay = 3 * time.Second

// State is the connection lifecycle state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config is copied by New and never changes afterwards. All callbacks are optional.
type Config struct {
	TargetPath     string
	AutoReconnect  bool
	ReconnectDelay time.Duration

	OnMessage func(msg json.RawMessage)
	OnOpen    func()
	OnClose   func()
	OnError   func(err error)
}

// DefaultConfig returns a config with auto reconnect enabled and the default delay.
func DefaultConfig(targetPath string) Config {
	return Config{
		TargetPath:     targetPath,
		AutoReconnect:  true,
		ReconnectDelay: DefaultReconnectDelay,
	}
}

type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Channel keeps a JSON frame connection to one endpoint and re-establishes it
// after every disconnect with a fixed delay.
//
// Every connection attempt runs on its own goroutine which dials, reads and
// handles the close in sequence, so callbacks for one connection never overlap.
// Attempts are tagged with a generation number; goroutines of a superseded or
// torn down attempt never touch state.
type Channel struct {
	cfg    Config
	url    string
	dialer Dialer
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	cancelDial  context.CancelFunc
	timer       clockwork.Timer
	timerSeq    uint64
	closed      bool
	lastMessage json.RawMessage

	writeMu sync.Mutex
}

// New derives the endpoint URL from origin and cfg.TargetPath. It does not
// connect: call Connect to start the first attempt.
func New(origin string, cfg Config, opts ...Option) (*Channel, error) {
	target, err := DeriveURL(origin, cfg.TargetPath)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	c := &Channel{
		cfg:    cfg,
		url:    target,
		dialer: NewWebSocketDialer(nil),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = channelLogger("url", target)
	}

	return c, nil
}

func (c *Channel) URL() string {
	return c.url
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// ReconnectPending reports whether a scheduled reconnect has not fired yet.
func (c *Channel) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timer != nil
}

// LastMessage returns the most recent valid inbound frame, or nil.
func (c *Channel) LastMessage() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastMessage == nil {
		return nil
	}
	out := make(json.RawMessage, len(c.lastMessage))
	copy(out, c.lastMessage)

	return out
}

// Connect starts a connection attempt. It is also the manual reconnect trigger:
// a pending reconnect is cancelled and replaced by an immediate attempt.
// It does nothing while a connection is live or being dialed, or after Close.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("connect skipped: channel closed")

		return
	}
	if c.state != StateDisconnected {
		c.logger.Debug("connect skipped: already active", "state", c.state.String())

		return
	}
	c.stopTimerLocked()
	c.connectLocked()
}

// Send encodes payload as JSON and writes it once if the channel is connected.
// Otherwise the payload is dropped; nothing is queued. The result reports
// whether the frame was written.
func (c *Channel) Send(payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("send skipped: encode payload failed", "error", err)

		return false
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		c.logger.Warn("send skipped: not connected", "state", state.String(), "len", len(raw))

		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(raw)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send failed", "len", len(raw), "error", err)

		return false
	}
	c.logger.Debug("sent frame", "len", len(raw))

	return true
}

// Close tears the channel down: it cancels a pending reconnect, aborts an
// in-flight dial and closes the live connection. It is safe to call repeatedly.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("close skipped: already closed")

		return nil
	}
	c.closed = true
	c.gen++
	c.stopTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("closed")

		return nil
	}
	if err := conn.Close(); err != nil {
		c.logger.Warn("close connection failed", "error", err)

		return err
	}
	c.logger.Info("closed")

	return nil
}

func (c *Channel) connectLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.state = StateConnecting

	go c.run(ctx, gen)
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	logger := c.logger.With("attempt", gen)
	logger.Info("connecting")

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		if !c.current(gen) {
			return
		}
		logger.Warn("connect failed", "error", err)
		c.emitError(gen, err)
		c.handleClose(gen, logger)

		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		logger.Debug("dropped connection of stale attempt")

		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	logger.Info("connected")
	if c.cfg.OnOpen != nil && c.current(gen) {
		c.cfg.OnOpen()
	}

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			if !c.current(gen) {
				return
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn("read failed", "error", err)
				c.emitError(gen, err)
			}
			c.handleClose(gen, logger)

			return
		}
		c.handleFrame(gen, payload, logger)
	}
}

func (c *Channel) handleFrame(gen uint64, payload []byte, logger *slog.Logger) {
	if !json.Valid(payload) {
		logger.Warn("decode frame failed: invalid json", "len", len(payload))

		return
	}
	msg := make(json.RawMessage, len(payload))
	copy(msg, payload)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()

		return
	}
	c.lastMessage = msg
	c.mu.Unlock()

	logger.Debug("received frame", "len", len(msg))
	if c.cfg.OnMessage != nil && c.current(gen) {
		c.cfg.OnMessage(msg)
	}
}

func (c *Channel) handleClose(gen uint64, logger *slog.Logger) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()

		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	logger.Info("disconnected")
	if c.cfg.OnClose != nil && c.current(gen) {
		c.cfg.OnClose()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// OnClose may have closed the channel or started a new attempt.
	if c.closed || gen != c.gen || c.state != StateDisconnected {
		return
	}
	if c.scheduleReconnectLocked() {
		logger.Info("reconnect scheduled", "delay", c.cfg.ReconnectDelay)
	}
}

func (c *Channel) scheduleReconnectLocked() bool {
	if !c.cfg.AutoReconnect || c.timer != nil {
		return false
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.fireReconnect(seq)
	})

	return true
}

func (c *Channel) fireReconnect(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.timer == nil || seq != c.timerSeq {
		return
	}
	c.timer = nil
	if c.state != StateDisconnected {
		return
	}
	c.connectLocked()
}

func (c *Channel) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
}

// current reports whether gen is the live attempt. Callbacks check it right
// before running, so a Close that has returned silences them.
func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && gen == c.gen
}

func (c *Channel) emitError(gen uint64, err error) {
	if c.cfg.OnError != nil && c.current(gen) {
		c.cfg.OnError(err)
	}
}
