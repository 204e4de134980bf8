package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Server frame types.
const (
	MessageTypeStatus                = "pipeline_status"
	MessageTypeProgress              = "pipeline_progress"
	MessageTypeLog                   = "pipeline_log"
	MessageTypeSubscriptionConfirmed = "subscription_confirmed"
	MessageTypeError                 = "error"
	MessageTypePong                  = "pong"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

var (
	ErrNotStatusUpdate = errors.New("frame is not a pipeline status update")
	ErrMissingRunID    = errors.New("status update has no run_id")
	ErrMissingProgress = errors.New("progress update has no progress")
)

// UpdateKind tells which part of a run snapshot an update carries.
type UpdateKind string

const (
	KindStatus   UpdateKind = "status"
	KindProgress UpdateKind = "progress"
	KindLog      UpdateKind = "log"
)

// StatusUpdate is one decoded pipeline_status, pipeline_progress or pipeline_log frame.
type StatusUpdate struct {
	Kind       UpdateKind `json:"kind"`
	RunID      string     `json:"run_id"`
	ScanID     string     `json:"scan_id,omitempty"`
	Organoid   string     `json:"organoid_name,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Status     RunStatus  `json:"status"`
	RawStatus  string     `json:"raw_status,omitempty"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	ReceivedAt time.Time  `json:"received_at"`
}

type wireStatusUpdate struct {
	Type      string          `json:"type"`
	RunID     json.RawMessage `json:"run_id"`
	ScanID    json.RawMessage `json:"scan_id"`
	Organoid  string          `json:"organoid_name"`
	Stage     string          `json:"stage"`
	Status    string          `json:"status"`
	Progress  *float64        `json:"progress"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
}

// DecodeStatusUpdate parses a run update frame. pipeline_status frames, and
// frames without a type that carry a run_id, decode as KindStatus;
// pipeline_progress as KindProgress and pipeline_log as KindLog. Any other type
// is rejected with ErrNotStatusUpdate.
func DecodeStatusUpdate(raw []byte, receivedAt time.Time) (StatusUpdate, error) {
	var wire wireStatusUpdate
	if err := json.Unmarshal(raw, &wire); err != nil {
		return StatusUpdate{}, fmt.Errorf("decode status update: %w", err)
	}
	var kind UpdateKind
	switch wire.Type {
	case "", MessageTypeStatus:
		kind = KindStatus
	case MessageTypeProgress:
		kind = KindProgress
	case MessageTypeLog:
		kind = KindLog
	default:
		return StatusUpdate{}, fmt.Errorf("%w: type %q", ErrNotStatusUpdate, wire.Type)
	}

	runID := identifier(wire.RunID)
	if runID == "" {
		return StatusUpdate{}, ErrMissingRunID
	}

	if kind == KindProgress && wire.Progress == nil {
		return StatusUpdate{}, ErrMissingProgress
	}

	update := StatusUpdate{
		Kind:       kind,
		RunID:      runID,
		ScanID:     identifier(wire.ScanID),
		Organoid:   strings.TrimSpace(wire.Organoid),
		Stage:      strings.TrimSpace(wire.Stage),
		Status:     NormalizeStatus(wire.Status),
		RawStatus:  strings.TrimSpace(wire.Status),
		Message:    strings.TrimSpace(wire.Message),
		Timestamp:  receivedAt,
		ReceivedAt: receivedAt,
	}
	// log lines never move progress
	if wire.Progress != nil && kind != KindLog {
		update.Progress = clampProgress(*wire.Progress)
	}
	if update.Status == RunStatusCompleted && kind != KindLog {
		update.Progress = 100
	}
	if ts := strings.TrimSpace(wire.Timestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return StatusUpdate{}, fmt.Errorf("decode status timestamp: %w", err)
		}
		update.Timestamp = parsed
	}

	return update, nil
}

// identifier accepts both string and numeric ids; the backend uses UUIDs for runs and integers for scans.
func identifier(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}

	return ""
}

func clampProgress(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v)
	}
}

// SubscribeRequest joins or leaves the progress and log feed of one run.
type SubscribeRequest struct {
	Action string `json:"action"`
	RunID  string `json:"run_id"`
}

func NewSubscribeRequest(runID string) SubscribeRequest {
	return SubscribeRequest{Action: ActionSubscribe, RunID: strings.TrimSpace(runID)}
}

func NewUnsubscribeRequest(runID string) SubscribeRequest {
	return SubscribeRequest{Action: ActionUnsubscribe, RunID: strings.TrimSpace(runID)}
}

// PingRequest is a keepalive. Servers that do not know the action ignore it.
type PingRequest struct {
	Action string `json:"action"`
}

func NewPingRequest() PingRequest {
	return PingRequest{Action: ActionPing}
}

// ControlFrame is a server reply that does not describe a run:
// subscription_confirmed, error or pong.
type ControlFrame struct {
	Type    string
	RunID   string
	Message string
}

// DecodeControlFrame parses a control frame; ok is false for any other frame.
func DecodeControlFrame(raw []byte) (ControlFrame, bool) {
	var wire struct {
		Type    string          `json:"type"`
		RunID   json.RawMessage `json:"run_id"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ControlFrame{}, false
	}
	switch wire.Type {
	case MessageTypeSubscriptionConfirmed, MessageTypeError, MessageTypePong:
		return ControlFrame{Type: wire.Type, RunID: identifier(wire.RunID), Message: strings.TrimSpace(wire.Message)}, true
	default:
		return ControlFrame{}, false
	}
}
