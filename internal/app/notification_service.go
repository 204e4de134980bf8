package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/organoidlab/pipewatch/internal/bus"
	"github.com/organoidlab/pipewatch/internal/config"
	"github.com/organoidlab/pipewatch/internal/events"
	"github.com/organoidlab/pipewatch/internal/notifications"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

const (
	notificationTitleConnectionLost = "Status feed disconnected"
)

// NotificationService listens to bus events and emits user-facing notifications.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	connStatusMu     sync.Mutex
	lastConnState    events.ConnectionState
	lastConnStateSet bool
	wasConnected     bool

	runsMu       sync.Mutex
	notifiedRuns map[string]pipeline.RunStatus
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
		notifiedRuns:  make(map[string]pipeline.RunStatus),
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	runSub := s.bus.Subscribe(events.TopicRunFinished)
	connSub := s.bus.Subscribe(events.TopicConnStatus)

	go func() {
		defer s.bus.Unsubscribe(runSub, events.TopicRunFinished)
		defer s.bus.Unsubscribe(connSub, events.TopicConnStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-runSub:
				if !ok {
					return
				}
				transition, ok := raw.(pipeline.Transition)
				if !ok {
					continue
				}
				s.handleRunFinished(transition)
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				status, ok := raw.(events.ConnectionStatus)
				if !ok {
					continue
				}
				s.handleConnectionStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleRunFinished(transition pipeline.Transition) {
	run := transition.Run
	if run.RunID == "" || !run.Status.Terminal() {
		return
	}

	s.runsMu.Lock()
	if s.notifiedRuns[run.RunID] == run.Status {
		s.runsMu.Unlock()

		return
	}
	s.notifiedRuns[run.RunID] = run.Status
	s.runsMu.Unlock()

	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.RunFinished {
		return
	}

	s.send(notifications.Payload{
		Title:   fmt.Sprintf("Pipeline run %s", strings.ToLower(run.Status.Label())),
		Content: runNotificationContent(run),
	})
}

func (s *NotificationService) handleConnectionStatus(status events.ConnectionStatus) {
	if status.State == "" {
		return
	}

	s.connStatusMu.Lock()
	if s.lastConnStateSet && s.lastConnState == status.State {
		s.connStatusMu.Unlock()

		return
	}
	s.lastConnState = status.State
	s.lastConnStateSet = true
	lost := status.State == events.ConnectionStateDisconnected && s.wasConnected
	switch status.State {
	case events.ConnectionStateConnected:
		s.wasConnected = true
	case events.ConnectionStateDisconnected:
		s.wasConnected = false
	}
	s.connStatusMu.Unlock()

	if !lost {
		return
	}
	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.ConnectionLost {
		return
	}

	details := strings.TrimSpace(status.Target)
	if details == "" {
		details = "No connection details"
	}
	if errText := strings.TrimSpace(status.Err); errText != "" {
		details = fmt.Sprintf("%s (error: %s)", details, errText)
	}

	s.send(notifications.Payload{
		Title:   notificationTitleConnectionLost,
		Content: details,
	})
}

func (s *NotificationService) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
	}

	return cfg.Notifications
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
	})
}

func runNotificationContent(run pipeline.Run) string {
	parts := make([]string, 0, 3)
	if organoid := strings.TrimSpace(run.Organoid); organoid != "" {
		parts = append(parts, organoid)
	}
	if stage := strings.TrimSpace(run.Stage); stage != "" {
		parts = append(parts, stage)
	}
	parts = append(parts, "run "+run.RunID)

	content := strings.Join(parts, " / ")
	if message := strings.TrimSpace(run.Message); message != "" && run.Status == pipeline.RunStatusFailed {
		content += ": " + message
	}

	return content
}
