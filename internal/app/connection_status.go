package app

import (
	"strings"
	"time"

	"github.com/organoidlab/pipewatch/internal/channel"
	"github.com/organoidlab/pipewatch/internal/events"
)

func ConnectionStateFromChannel(state channel.State) events.ConnectionState {
	switch state {
	case channel.StateConnected:
		return events.ConnectionStateConnected
	case channel.StateConnecting:
		return events.ConnectionStateConnecting
	default:
		return events.ConnectionStateDisconnected
	}
}

// NewConnectionStatus builds the bus snapshot for a channel state change.
// The error text is only kept for disconnects.
func NewConnectionStatus(state channel.State, target string, err error, at time.Time) events.ConnectionStatus {
	status := events.ConnectionStatus{
		State:     ConnectionStateFromChannel(state),
		Target:    strings.TrimSpace(target),
		Timestamp: at,
	}
	if err != nil && status.State == events.ConnectionStateDisconnected {
		status.Err = err.Error()
	}

	return status
}
