package events

import "time"

// ConnectionState describes the channel lifecycle state published on the bus.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

// ConnectionStatus is a bus event snapshot of the current channel status.
type ConnectionStatus struct {
	State     ConnectionState
	Err       string
	Target    string
	Timestamp time.Time
}

// RawFrame carries frame diagnostics for debug output.
type RawFrame struct {
	Len     int
	Preview string
}

// NewRawFrame builds diagnostics for payload, truncating the preview to maxPreview bytes.
func NewRawFrame(payload []byte, maxPreview int) RawFrame {
	preview := payload
	if maxPreview > 0 && len(preview) > maxPreview {
		preview = preview[:maxPreview]
	}

	return RawFrame{Len: len(payload), Preview: string(preview)}
}
