package devserver

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/organoidlab/pipewatch/internal/api"
	"github.com/organoidlab/pipewatch/internal/pipeline"
)

var (
	errRunNotFound  = errors.New("pipeline run not found")
	errScanNotFound = errors.New("scan not found")
	errBadStatus    = errors.New("unknown pipeline status")
	errMissingStage = errors.New("stage is required")
)

// StatusChange is the body of a run status update.
type StatusChange struct {
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

type store struct {
	mu       sync.Mutex
	fx       Fixtures
	progress map[string]int
}

func newStore(fx Fixtures) *store {
	s := &store{
		fx: Fixtures{
			Organoids:       slices.Clone(fx.Organoids),
			Scans:           slices.Clone(fx.Scans),
			ProcessingSteps: slices.Clone(fx.ProcessingSteps),
			Segmentations:   slices.Clone(fx.Segmentations),
			Publications:    slices.Clone(fx.Publications),
			PipelineRuns:    slices.Clone(fx.PipelineRuns),
		},
		progress: make(map[string]int),
	}
	for _, run := range s.fx.PipelineRuns {
		if pipeline.NormalizeStatus(run.Status) == pipeline.RunStatusCompleted {
			s.progress[string(run.ID)] = 100
		}
	}

	return s
}

func (s *store) organoids() []api.Organoid {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.fx.Organoids)
}

func (s *store) organoid(id int) (api.Organoid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.fx.Organoids {
		if o.ID == id {
			return o, true
		}
	}

	return api.Organoid{}, false
}

func (s *store) scans(organoidID *int) []api.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.Scan, 0, len(s.fx.Scans))
	for _, scan := range s.fx.Scans {
		if organoidID == nil || scan.Organoid == *organoidID {
			out = append(out, scan)
		}
	}

	return out
}

func (s *store) scan(id int) (api.Scan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scanLocked(id)
}

func (s *store) scanLocked(id int) (api.Scan, bool) {
	for _, scan := range s.fx.Scans {
		if scan.ID == id {
			return scan, true
		}
	}

	return api.Scan{}, false
}

func (s *store) processingSteps(scanID *int) []api.ProcessingStep {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.ProcessingStep, 0, len(s.fx.ProcessingSteps))
	for _, step := range s.fx.ProcessingSteps {
		if scanID == nil || step.Scan == *scanID {
			out = append(out, step)
		}
	}

	return out
}

func (s *store) segmentations() []api.Segmentation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.fx.Segmentations)
}

func (s *store) publications() []api.Publication {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.fx.Publications)
}

func (s *store) runs(scanID string) []api.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.PipelineRun, 0, len(s.fx.PipelineRuns))
	for _, run := range s.fx.PipelineRuns {
		if scanID == "" || string(run.ScanInfo.ID) == scanID {
			out = append(out, run)
		}
	}

	return out
}

func (s *store) run(id string) (api.PipelineRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.runIndexLocked(id)
	if idx < 0 {
		return api.PipelineRun{}, false
	}

	return s.fx.PipelineRuns[idx], true
}

func (s *store) runIndexLocked(id string) int {
	return slices.IndexFunc(s.fx.PipelineRuns, func(run api.PipelineRun) bool {
		return string(run.ID) == id
	})
}

// createRun adds a queued run for an existing scan.
func (s *store) createRun(scanID, stage, status string, now time.Time) (api.PipelineRun, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return api.PipelineRun{}, errMissingStage
	}
	if strings.TrimSpace(status) == "" {
		status = "PENDING"
	}
	if pipeline.NormalizeStatus(status) == pipeline.RunStatusUnknown {
		return api.PipelineRun{}, errBadStatus
	}
	id, err := strconv.Atoi(strings.TrimSpace(scanID))
	if err != nil {
		return api.PipelineRun{}, errScanNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scanLocked(id)
	if !ok {
		return api.PipelineRun{}, errScanNotFound
	}
	run := api.PipelineRun{
		ID:        api.ID(uuid.NewString()),
		Stage:     stage,
		Status:    strings.ToUpper(strings.TrimSpace(status)),
		QCStatus:  "PENDING",
		CreatedAt: now.UTC().Format(time.RFC3339),
		ScanInfo: api.ScanInfo{
			ID:           api.ID(strconv.Itoa(scan.ID)),
			OrganoidName: scan.OrganoidName,
			Modality:     scan.Modality,
			SequenceType: scan.SequenceName,
		},
	}
	s.fx.PipelineRuns = append(s.fx.PipelineRuns, run)
	s.progress[string(run.ID)] = 0

	return run, nil
}

// updateRun applies change and returns the updated run with its progress.
func (s *store) updateRun(id string, change StatusChange, now time.Time) (api.PipelineRun, int, error) {
	status := pipeline.NormalizeStatus(change.Status)
	if status == pipeline.RunStatusUnknown {
		return api.PipelineRun{}, 0, errBadStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.runIndexLocked(id)
	if idx < 0 {
		return api.PipelineRun{}, 0, errRunNotFound
	}
	run := s.fx.PipelineRuns[idx]
	stamp := now.UTC().Format(time.RFC3339)

	run.Status = strings.ToUpper(strings.TrimSpace(change.Status))
	if stage := strings.TrimSpace(change.Stage); stage != "" {
		run.Stage = stage
	}
	progress := s.progress[id]
	if change.Progress != nil {
		progress = min(max(*change.Progress, 0), 100)
	}
	switch status {
	case pipeline.RunStatusQueued:
		progress = 0
	case pipeline.RunStatusRunning:
		if run.StartedAt == nil {
			run.StartedAt = &stamp
		}
	case pipeline.RunStatusCompleted:
		progress = 100
		run.FinishedAt = &stamp
		run.HasResult = true
	case pipeline.RunStatusFailed:
		run.FinishedAt = &stamp
	}
	s.fx.PipelineRuns[idx] = run
	s.progress[id] = progress

	return run, progress, nil
}

// setProgress records progress for a run without touching its status.
func (s *store) setProgress(id string, progress int) (api.PipelineRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.runIndexLocked(id)
	if idx < 0 {
		return api.PipelineRun{}, 0, errRunNotFound
	}
	progress = min(max(progress, 0), 100)
	s.progress[id] = progress

	return s.fx.PipelineRuns[idx], progress, nil
}
