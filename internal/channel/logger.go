package channel

import "log/slog"

func channelLogger(attrs ...any) *slog.Logger {
	logger := slog.With("component", "channel")
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
