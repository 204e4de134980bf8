package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

var errFakeConnClosed = errors.New("use of closed fake connection")

type fakeConn struct {
	dialer *fakeDialer
	frames chan []byte
	errs   chan error
	done   chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeOnce sync.Once
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case payload := <-c.frames:
		return payload, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errFakeConnClosed
	}
}

func (c *fakeConn) WriteMessage(payload []byte) error {
	select {
	case <-c.done:
		return errFakeConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), payload...))

	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.dialer.connClosed()
	})

	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.written))
	copy(out, c.written)

	return out
}

// deliver pushes an inbound frame to the reader.
func (c *fakeConn) deliver(t *testing.T, payload string) {
	t.Helper()
	select {
	case c.frames <- []byte(payload):
	case <-time.After(waitTimeout):
		t.Fatalf("timed out delivering frame %q", payload)
	}
}

// fail makes the pending read return err.
func (c *fakeConn) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case c.errs <- err:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out failing connection with %v", err)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	open    int
	maxOpen int
	dials   chan string
	// beforeReturn runs inside Dial after the connection is created.
	beforeReturn func()
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan string, 32)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	err := d.dialErr
	var conn *fakeConn
	if err == nil {
		conn = &fakeConn{
			dialer: d,
			frames: make(chan []byte),
			errs:   make(chan error),
			done:   make(chan struct{}),
		}
		d.conns = append(d.conns, conn)
		d.open++
		if d.open > d.maxOpen {
			d.maxOpen = d.open
		}
	}
	hook := d.beforeReturn
	d.mu.Unlock()

	d.dials <- url
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) setBeforeReturn(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beforeReturn = fn
}

func (d *fakeDialer) connClosed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open--
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) stats() (dialed, maxOpen int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.conns), d.maxOpen
}

func (d *fakeDialer) waitDial(t *testing.T) string {
	t.Helper()
	select {
	case url := <-d.dials:
		return url
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for dial")
	}

	return ""
}

func (d *fakeDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case url := <-d.dials:
		t.Fatalf("unexpected dial to %s", url)
	case <-time.After(50 * time.Millisecond):
	}
}

// callbackSpy collects channel callbacks.
type callbackSpy struct {
	opened   chan struct{}
	closed   chan struct{}
	messages chan json.RawMessage
	errs     chan error
}

func newCallbackSpy() *callbackSpy {
	return &callbackSpy{
		opened:   make(chan struct{}, 16),
		closed:   make(chan struct{}, 16),
		messages: make(chan json.RawMessage, 16),
		errs:     make(chan error, 16),
	}
}

func (s *callbackSpy) config(path string) Config {
	cfg := DefaultConfig(path)
	cfg.OnOpen = func() { s.opened <- struct{}{} }
	cfg.OnClose = func() { s.closed <- struct{}{} }
	cfg.OnMessage = func(msg json.RawMessage) { s.messages <- msg }
	cfg.OnError = func(err error) { s.errs <- err }

	return cfg
}

func waitSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}

	var zero T

	return zero
}

func expectNoSignal[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}
