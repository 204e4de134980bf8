package pipeline

import "strings"

// RunStatus is the normalised lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusUnknown   RunStatus = ""
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NormalizeStatus maps the backend's status vocabularies onto RunStatus.
// Both the run API (PENDING, SUCCESS) and step API (PLANNED, COMPLETED) spellings are accepted.
func NormalizeStatus(raw string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "QUEUED", "PLANNED":
		return RunStatusQueued
	case "RUNNING", "STARTED", "IN_PROGRESS":
		return RunStatusRunning
	case "SUCCESS", "COMPLETED", "DONE":
		return RunStatusCompleted
	case "FAILED", "FAILURE", "ERROR":
		return RunStatusFailed
	default:
		return RunStatusUnknown
	}
}

func (s RunStatus) Label() string {
	switch s {
	case RunStatusQueued:
		return "Queued"
	case RunStatusRunning:
		return "Running"
	case RunStatusCompleted:
		return "Completed"
	case RunStatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}
