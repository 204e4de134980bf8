package channel

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestChannel(t *testing.T, cfg Config) (*Channel, *fakeDialer, *clockwork.FakeClock) {
	t.Helper()
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, err := New("https://lab.example.org/app", cfg, WithDialer(dialer), WithClock(clock))
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	return ch, dialer, clock
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func connectAndOpen(t *testing.T, ch *Channel, dialer *fakeDialer, spy *callbackSpy) *fakeConn {
	t.Helper()
	ch.Connect()
	dialer.waitDial(t)
	waitSignal(t, spy.opened, "open callback")
	if got := ch.State(); got != StateConnected {
		t.Fatalf("expected connected state, got %s", got)
	}

	return dialer.last()
}

func TestNewDoesNotConnect(t *testing.T) {
	ch, dialer, _ := newTestChannel(t, DefaultConfig("/ws/status"))

	dialer.expectNoDial(t)
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
	if got := ch.URL(); got != "wss://lab.example.org/ws/status" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestNewDefaultsReconnectDelay(t *testing.T) {
	ch, _, _ := newTestChannel(t, Config{TargetPath: "/ws/status", AutoReconnect: true})
	if ch.cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Fatalf("expected default delay %s, got %s", DefaultReconnectDelay, ch.cfg.ReconnectDelay)
	}
}

func TestConnectDialsDerivedURLAndOpens(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))

	ch.Connect()
	if got := dialer.waitDial(t); got != "wss://lab.example.org/ws/status" {
		t.Fatalf("dialed unexpected url %q", got)
	}
	waitSignal(t, spy.opened, "open callback")
	if !ch.Connected() {
		t.Fatalf("expected channel to be connected")
	}
}

func TestInboundFrameUpdatesLastMessage(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	if ch.LastMessage() != nil {
		t.Fatalf("expected no last message before first frame")
	}

	conn.deliver(t, `{"run_id":"r1","status":"RUNNING"}`)
	got := waitSignal(t, spy.messages, "first message")
	if string(got) != `{"run_id":"r1","status":"RUNNING"}` {
		t.Fatalf("unexpected message %s", got)
	}

	conn.deliver(t, `{"run_id":"r1","status":"SUCCESS"}`)
	waitSignal(t, spy.messages, "second message")
	if string(ch.LastMessage()) != `{"run_id":"r1","status":"SUCCESS"}` {
		t.Fatalf("expected last message to be overwritten, got %s", ch.LastMessage())
	}
}

func TestInvalidFrameIsDroppedAndChannelStaysConnected(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	conn.deliver(t, `{"ok":true}`)
	waitSignal(t, spy.messages, "valid message")

	conn.deliver(t, `not json at all`)
	conn.deliver(t, `{"ok":false}`)

	got := waitSignal(t, spy.messages, "message after invalid frame")
	if string(got) != `{"ok":false}` {
		t.Fatalf("expected invalid frame to be skipped, got %s", got)
	}
	expectNoSignal(t, spy.errs, "error callback")
	expectNoSignal(t, spy.closed, "close callback")
	if got := ch.State(); got != StateConnected {
		t.Fatalf("expected connected state after invalid frame, got %s", got)
	}
	if string(ch.LastMessage()) != `{"ok":false}` {
		t.Fatalf("unexpected last message %s", ch.LastMessage())
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	ch, dialer, _ := newTestChannel(t, DefaultConfig("/ws/status"))

	if ch.Send(map[string]string{"type": "ping"}) {
		t.Fatalf("expected send to report a dropped frame")
	}

	if dialed, _ := dialer.stats(); dialed != 0 {
		t.Fatalf("expected send not to touch transport, dialed %d", dialed)
	}
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
}

func TestSendWhileConnectedWritesOnce(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	if !ch.Send(map[string]any{"action": "subscribe", "run_id": "42"}) {
		t.Fatalf("expected send to report a written frame")
	}

	written := conn.Written()
	if len(written) != 1 {
		t.Fatalf("expected one frame written, got %d", len(written))
	}
	if string(written[0]) != `{"action":"subscribe","run_id":"42"}` {
		t.Fatalf("unexpected frame %s", written[0])
	}
}

func TestSendUnencodablePayloadIsDropped(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	if ch.Send(func() {}) {
		t.Fatalf("expected unencodable payload to be reported as dropped")
	}

	if written := conn.Written(); len(written) != 0 {
		t.Fatalf("expected nothing written, got %d frames", len(written))
	}
}

func TestDisconnectSchedulesSingleReconnectAfterDelay(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, clock := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	conn.fail(t, io.EOF)
	waitSignal(t, spy.closed, "close callback")
	waitUntil(t, "reconnect is pending", ch.ReconnectPending)
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
	expectNoSignal(t, spy.errs, "error callback for clean close")

	clock.Advance(2999 * time.Millisecond)
	dialer.expectNoDial(t)

	clock.Advance(time.Millisecond)
	dialer.waitDial(t)
	waitSignal(t, spy.opened, "reopen callback")
	if ch.ReconnectPending() {
		t.Fatalf("expected pending marker to be cleared after timer fired")
	}

	clock.Advance(time.Hour)
	dialer.expectNoDial(t)
	if dialed, maxOpen := dialer.stats(); dialed != 2 || maxOpen != 1 {
		t.Fatalf("expected 2 dials with at most 1 open connection, got dialed=%d maxOpen=%d", dialed, maxOpen)
	}
}

func TestTransportErrorReportsErrorThenCloses(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	boom := errors.New("connection reset by peer")
	conn.fail(t, boom)

	gotErr := waitSignal(t, spy.errs, "error callback")
	if !errors.Is(gotErr, boom) {
		t.Fatalf("expected transport error, got %v", gotErr)
	}
	waitSignal(t, spy.closed, "close callback")
	expectNoSignal(t, spy.errs, "second error callback")
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
}

func TestDialFailureReportsErrorAndRetries(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, clock := newTestChannel(t, spy.config("/ws/status"))
	dialer.setDialErr(errors.New("connection refused"))

	ch.Connect()
	dialer.waitDial(t)
	waitSignal(t, spy.errs, "error callback")
	waitSignal(t, spy.closed, "close callback")
	waitUntil(t, "reconnect is pending", ch.ReconnectPending)
	expectNoSignal(t, spy.opened, "open callback")

	dialer.setDialErr(nil)
	clock.Advance(DefaultReconnectDelay)
	dialer.waitDial(t)
	waitSignal(t, spy.opened, "open callback after retry")
}

func TestAutoReconnectDisabledStaysDisconnected(t *testing.T) {
	spy := newCallbackSpy()
	cfg := spy.config("/ws/status")
	cfg.AutoReconnect = false
	ch, dialer, clock := newTestChannel(t, cfg)
	conn := connectAndOpen(t, ch, dialer, spy)

	conn.fail(t, io.EOF)
	waitSignal(t, spy.closed, "close callback")

	clock.Advance(time.Hour)
	dialer.expectNoDial(t)
	if ch.ReconnectPending() {
		t.Fatalf("expected no pending reconnect")
	}
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, clock := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	conn.fail(t, io.EOF)
	waitSignal(t, spy.closed, "close callback")
	waitUntil(t, "reconnect is pending", ch.ReconnectPending)

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ch.ReconnectPending() {
		t.Fatalf("expected close to clear pending reconnect")
	}

	clock.Advance(time.Hour)
	dialer.expectNoDial(t)
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
}

func TestStaleTimerFireAfterCloseDoesNotConnect(t *testing.T) {
	ch, dialer, _ := newTestChannel(t, DefaultConfig("/ws/status"))

	ch.mu.Lock()
	ch.scheduleReconnectLocked()
	seq := ch.timerSeq
	ch.mu.Unlock()

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Simulates a timer callback that was already running when Close stopped it.
	ch.fireReconnect(seq)

	dialer.expectNoDial(t)
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
}

func TestCloseLiveConnection(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, clock := newTestChannel(t, spy.config("/ws/status"))
	connectAndOpen(t, ch, dialer, spy)

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitUntil(t, "connection is released", func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.open == 0
	})

	expectNoSignal(t, spy.closed, "close callback after teardown")
	clock.Advance(time.Hour)
	dialer.expectNoDial(t)

	ch.Connect()
	dialer.expectNoDial(t)
}

func TestCloseDuringDialSuppressesOpen(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	dialer.setBeforeReturn(func() { _ = ch.Close() })

	ch.Connect()
	dialer.waitDial(t)
	waitUntil(t, "dialed connection is released", func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.open == 0
	})

	expectNoSignal(t, spy.opened, "open callback after teardown")
	expectNoSignal(t, spy.closed, "close callback after teardown")
	expectNoSignal(t, spy.errs, "error callback after teardown")
}

func TestStaleAttemptCallbacksAreSuppressed(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	connectAndOpen(t, ch, dialer, spy)

	ch.mu.Lock()
	gen := ch.gen
	ch.mu.Unlock()
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Late events from the torn-down attempt's goroutine.
	ch.handleFrame(gen, []byte(`{"run_id":"r1"}`), ch.logger)
	ch.emitError(gen, errors.New("late read error"))
	ch.handleClose(gen, ch.logger)

	expectNoSignal(t, spy.messages, "message callback after teardown")
	expectNoSignal(t, spy.errs, "error callback after teardown")
	expectNoSignal(t, spy.closed, "close callback after teardown")
	if ch.LastMessage() != nil {
		t.Fatalf("expected late frame not to update last message, got %s", ch.LastMessage())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, _, _ := newTestChannel(t, DefaultConfig("/ws/status"))

	if err := ch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}
	if ch.ReconnectPending() {
		t.Fatalf("expected no pending reconnect")
	}
}

func TestConnectWhileActiveIsNoop(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	connectAndOpen(t, ch, dialer, spy)

	ch.Connect()
	ch.Connect()

	dialer.expectNoDial(t)
	if dialed, maxOpen := dialer.stats(); dialed != 1 || maxOpen != 1 {
		t.Fatalf("expected single connection, got dialed=%d maxOpen=%d", dialed, maxOpen)
	}
}

func TestManualConnectReplacesPendingReconnect(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, clock := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	conn.fail(t, io.EOF)
	waitSignal(t, spy.closed, "close callback")
	waitUntil(t, "reconnect is pending", ch.ReconnectPending)

	ch.Connect()
	dialer.waitDial(t)
	waitSignal(t, spy.opened, "open after manual connect")
	if ch.ReconnectPending() {
		t.Fatalf("expected manual connect to cancel the pending reconnect")
	}

	clock.Advance(time.Hour)
	dialer.expectNoDial(t)
	if dialed, maxOpen := dialer.stats(); dialed != 2 || maxOpen != 1 {
		t.Fatalf("expected 2 dials with 1 open at most, got dialed=%d maxOpen=%d", dialed, maxOpen)
	}
}

func TestRepeatedDisconnectsKeepSinglePendingTimer(t *testing.T) {
	spy := newCallbackSpy()
	ch, dialer, _ := newTestChannel(t, spy.config("/ws/status"))
	conn := connectAndOpen(t, ch, dialer, spy)

	conn.fail(t, io.EOF)
	waitSignal(t, spy.closed, "close callback")
	waitUntil(t, "reconnect is pending", ch.ReconnectPending)

	ch.mu.Lock()
	first := ch.timer
	scheduled := ch.scheduleReconnectLocked()
	second := ch.timer
	ch.mu.Unlock()

	if scheduled {
		t.Fatalf("expected second schedule to be refused")
	}
	if first != second {
		t.Fatalf("expected pending timer to be unchanged")
	}
}

func TestCallbacksMayCallChannelMethods(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	closed := make(chan struct{}, 1)

	var ch *Channel
	cfg := DefaultConfig("/ws/status")
	cfg.OnOpen = func() { ch.Send(map[string]string{"type": "hello"}) }
	cfg.OnClose = func() {
		_ = ch.Close()
		closed <- struct{}{}
	}

	var err error
	ch, err = New("http://localhost:8000", cfg, WithDialer(dialer), WithClock(clock))
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	ch.Connect()
	dialer.waitDial(t)
	conn := dialer.last()
	waitUntil(t, "hello frame is written", func() bool { return len(conn.Written()) == 1 })

	conn.fail(t, io.EOF)
	waitSignal(t, closed, "close callback")

	clock.Advance(time.Hour)
	dialer.expectNoDial(t)
	if ch.ReconnectPending() {
		t.Fatalf("expected close inside callback to suppress reconnect")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{state: StateDisconnected, want: "disconnected"},
		{state: StateConnecting, want: "connecting"},
		{state: StateConnected, want: "connected"},
		{state: State(42), want: "unknown"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("state %d: expected %q, got %q", tc.state, tc.want, got)
		}
	}
}
