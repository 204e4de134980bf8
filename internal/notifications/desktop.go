package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// DesktopSender delivers notifications through the native notification
// service of the host (D-Bus, toast or osascript, depending on the OS).
type DesktopSender struct {
	notify func(title, message string, icon any) error
	logger *slog.Logger
}

func NewDesktopSender(appName string, logger *slog.Logger) *DesktopSender {
	if name := strings.TrimSpace(appName); name != "" {
		beeep.AppName = name
	}
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}

	return &DesktopSender{
		notify: beeep.Notify,
		logger: logger,
	}
}

func (s *DesktopSender) Send(notification Payload) {
	if s == nil || s.notify == nil {
		return
	}

	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}

	if err := s.notify(title, content, ""); err != nil {
		s.logger.Warn("send desktop notification", "title", title, "error", err)
	}
}
