package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *PubSubBus {
	t.Helper()
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)

	return b
}

func receive(t *testing.T, sub Subscription) any {
	t.Helper()
	select {
	case msg := <-sub:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for bus message")
	}

	return nil
}

func TestPublishDeliversToTopicSubscribers(t *testing.T) {
	b := newTestBus(t)
	status := b.Subscribe("conn.status")
	frames := b.Subscribe("raw.frame.in")

	b.Publish("conn.status", "connected")

	if got := receive(t, status); got != "connected" {
		t.Fatalf("expected connected, got %v", got)
	}
	select {
	case msg := <-frames:
		t.Fatalf("unexpected message on other topic: %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeMultipleTopics(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe("a", "b")

	b.Publish("a", 1)
	b.Publish("b", 2)

	if got := receive(t, sub); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := receive(t, sub); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestUnsubscribeAllClosesSubscription(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe("a")

	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected subscription to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscription close")
	}
}

func TestPayloadType(t *testing.T) {
	if got := payloadType(nil); got != "<nil>" {
		t.Fatalf("expected <nil>, got %q", got)
	}
	if got := payloadType(42); got != "int" {
		t.Fatalf("expected int, got %q", got)
	}
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe("a")
	got := make(chan any, 1)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		Drain(ctx, b, sub, func(msg any) { got <- msg })
		close(done)
	}()

	b.Publish("a", "hello")
	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("expected hello, got %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for drained message")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("drain did not stop after cancel")
	}
}

func TestCallsAfterCloseDoNotBlock(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("a")
	b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish("a", 1)
		b.Unsubscribe(sub, "a")
		late := b.Subscribe("a")
		if _, ok := <-late; ok {
			t.Errorf("expected subscription after close to be closed")
		}
		b.Close()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("bus calls after close blocked")
	}
	if _, ok := <-sub; ok {
		t.Fatalf("expected existing subscription to be closed")
	}
}
