package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/config"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/notifications"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

func TestNotificationServiceRunFinished(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(events.TopicRunFinished, pipeline.Transition{
		Run: pipeline.Run{
			RunID:    "run-1",
			Organoid: "ORG-7",
			Stage:    "segmentation",
			Status:   pipeline.RunStatusFailed,
			Message:  "out of memory",
		},
		Previous: pipeline.RunStatusRunning,
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != "Pipeline run failed" {
		t.Fatalf("unexpected title %q", got[0].Title)
	}
	if got[0].Content != "ORG-7 / segmentation / run run-1: out of memory" {
		t.Fatalf("unexpected content %q", got[0].Content)
	}
}

func TestNotificationServiceDeduplicatesRunFinished(t *testing.T) {
	messageBus := newTestMessageBus(t)
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, nil, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	done := pipeline.Transition{Run: pipeline.Run{RunID: "run-2", Status: pipeline.RunStatusCompleted}}
	messageBus.Publish(events.TopicRunFinished, done)
	messageBus.Publish(events.TopicRunFinished, done)
	messageBus.Publish(events.TopicRunFinished, pipeline.Transition{Run: pipeline.Run{RunID: "run-3", Status: pipeline.RunStatusCompleted}})

	got := sender.waitForCount(t, 2)
	sender.expectCountStays(t, 2)
	if got[0].Title != "Pipeline run completed" || got[0].Content != "run run-2" {
		t.Fatalf("unexpected notification %+v", got[0])
	}
}

func TestNotificationServiceRespectsToggles(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	cfg.Notifications.RunFinished = false
	cfg.Notifications.ConnectionLost = true
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(events.TopicRunFinished, pipeline.Transition{Run: pipeline.Run{RunID: "run-1", Status: pipeline.RunStatusCompleted}})
	sender.expectCountStays(t, 0)
}

func TestNotificationServiceConnectionLostOnlyAfterConnected(t *testing.T) {
	messageBus := newTestMessageBus(t)
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, nil, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	target := "ws://lab.example.org/ws/status"
	publish := func(state events.ConnectionState, errText string) {
		messageBus.Publish(events.TopicConnStatus, events.ConnectionStatus{State: state, Target: target, Err: errText})
	}

	publish(events.ConnectionStateConnecting, "")
	publish(events.ConnectionStateDisconnected, "connection refused")
	sender.expectCountStays(t, 0)

	publish(events.ConnectionStateConnected, "")
	publish(events.ConnectionStateDisconnected, "unexpected EOF")
	publish(events.ConnectionStateDisconnected, "unexpected EOF")

	got := sender.waitForCount(t, 1)
	sender.expectCountStays(t, 1)
	if got[0].Title != notificationTitleConnectionLost {
		t.Fatalf("unexpected title %q", got[0].Title)
	}
	if got[0].Content != target+" (error: unexpected EOF)" {
		t.Fatalf("unexpected content %q", got[0].Content)
	}
}

func TestNotificationServiceDisabled(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	cfg.Notifications.Enabled = false
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(events.TopicConnStatus, events.ConnectionStatus{State: events.ConnectionStateConnected})
	messageBus.Publish(events.TopicConnStatus, events.ConnectionStatus{State: events.ConnectionStateDisconnected})
	messageBus.Publish(events.TopicRunFinished, pipeline.Transition{Run: pipeline.Run{RunID: "r", Status: pipeline.RunStatusFailed}})
	sender.expectCountStays(t, 0)
}

func TestRunNotificationContent(t *testing.T) {
	tests := []struct {
		name string
		run  pipeline.Run
		want string
	}{
		{name: "id only", run: pipeline.Run{RunID: "r1", Status: pipeline.RunStatusCompleted}, want: "run r1"},
		{name: "completed ignores message", run: pipeline.Run{RunID: "r1", Stage: "n4", Status: pipeline.RunStatusCompleted, Message: "ok"}, want: "n4 / run r1"},
		{name: "failed with message", run: pipeline.Run{RunID: "r1", Organoid: "O", Status: pipeline.RunStatusFailed, Message: " boom "}, want: "O / run r1: boom"},
	}
	for _, tt := range tests {
		if got := runNotificationContent(tt.run); got != tt.want {
			t.Fatalf("%s: runNotificationContent() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func newTestMessageBus(t *testing.T) *bus.PubSubBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	t.Cleanup(func() {
		messageBus.Close()
	})

	return messageBus
}

type collectingNotificationSender struct {
	mu            sync.Mutex
	notifications []notifications.Payload
	changes       chan struct{}
}

func newCollectingNotificationSender() *collectingNotificationSender {
	return &collectingNotificationSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingNotificationSender) Send(notification notifications.Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingNotificationSender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]notifications.Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingNotificationSender) waitForCount(t *testing.T, expected int) []notifications.Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

func (s *collectingNotificationSender) expectCountStays(t *testing.T, expected int) {
	t.Helper()

	time.Sleep(100 * time.Millisecond)
	if got := len(s.snapshot()); got != expected {
		t.Fatalf("expected %d notifications, got %d", expected, got)
	}
}
