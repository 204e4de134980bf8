package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID accepts both numeric and string identifiers; the backend uses integers
// for most resources and UUIDs for pipeline runs.
type ID string

func (id *ID) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		*id = ""
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())

	return nil
}

type Organoid struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Species     string `json:"species"`
	Description string `json:"description"`
	DateCreated string `json:"date_created"`
	Notes       string `json:"notes"`
	ScansCount  int    `json:"scans_count"`
}

type Scan struct {
	ID                   int    `json:"id"`
	Organoid             int    `json:"organoid"`
	OrganoidName         string `json:"organoid_name"`
	Modality             string `json:"modality"`
	SequenceName         string `json:"sequence_name"`
	AcquisitionDate      string `json:"acquisition_date"`
	Resolution           string `json:"resolution"`
	FieldStrength        string `json:"field_strength"`
	Notes                string `json:"notes"`
	ProcessingStepsCount int    `json:"processing_steps_count"`
}

type ScanInfo struct {
	ID           ID     `json:"id"`
	OrganoidName string `json:"organoid_name"`
	Modality     string `json:"modality,omitempty"`
	SequenceType string `json:"sequence_type,omitempty"`
}

type ProcessingStep struct {
	ID              int             `json:"id"`
	Scan            int             `json:"scan"`
	ScanInfo        ScanInfo        `json:"scan_info"`
	StepType        string          `json:"step_type"`
	Status          string          `json:"status"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	ParametersJSON  json.RawMessage `json:"parameters_json,omitempty"`
	OutputPath      string          `json:"output_path"`
	LogExcerpt      string          `json:"log_excerpt"`
	HasSegmentation bool            `json:"has_segmentation"`
}

type ProcessingStepInfo struct {
	ID           int    `json:"id"`
	StepType     string `json:"step_type"`
	OrganoidName string `json:"organoid_name"`
	ScanModality string `json:"scan_modality"`
}

type Segmentation struct {
	ID                 int                `json:"id"`
	ProcessingStep     int                `json:"processing_step"`
	ProcessingStepInfo ProcessingStepInfo `json:"processing_step_info"`
	Method             string             `json:"method"`
	Description        string             `json:"description"`
	CreatedAt          string             `json:"created_at"`
	DiceScore          *float64           `json:"dice_score"`
	JaccardIndex       *float64           `json:"jaccard_index"`
	Notes              string             `json:"notes"`
}

type Publication struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	PubType  string `json:"pub_type"`
	Year     int    `json:"year"`
	Authors  string `json:"authors"`
	Venue    string `json:"venue"`
	Link     string `json:"link"`
	Abstract string `json:"abstract"`
}

// PipelineRun ids are UUID strings on the backend.
type PipelineRun struct {
	ID         ID       `json:"id"`
	Stage      string   `json:"stage"`
	Status     string   `json:"status"`
	QCStatus   string   `json:"qc_status"`
	QCNotes    string   `json:"qc_notes"`
	StartedAt  *string  `json:"started_at"`
	FinishedAt *string  `json:"finished_at"`
	CreatedAt  string   `json:"created_at"`
	ScanInfo   ScanInfo `json:"scan_info"`
	HasResult  bool     `json:"has_result"`
}

// StartRunRequest is the body of a pipeline run creation request.
type StartRunRequest struct {
	ScanID string `json:"mri_scan"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}
