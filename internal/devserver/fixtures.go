package devserver

import (
	"github.com/organoidlab/pipewatch/internal/api"
)

// Fixtures is the resource set a Server starts with.
type Fixtures struct {
	Organoids       []api.Organoid
	Scans           []api.Scan
	ProcessingSteps []api.ProcessingStep
	Segmentations   []api.Segmentation
	Publications    []api.Publication
	PipelineRuns    []api.PipelineRun
}

func DefaultFixtures() Fixtures {
	dice := 0.91
	jaccard := 0.84
	started := "2025-03-02T09:15:00Z"
	finished := "2025-03-02T09:42:10Z"
	running := "2025-03-04T14:01:30Z"

	return Fixtures{
		Organoids: []api.Organoid{
			{ID: 1, Name: "ORG-CB-01", Species: "human", Description: "Cerebral organoid, day 45", DateCreated: "2025-02-10", ScansCount: 2},
			{ID: 2, Name: "ORG-RT-07", Species: "human", Description: "Retinal organoid, day 90", DateCreated: "2025-02-18", ScansCount: 1},
		},
		Scans: []api.Scan{
			{ID: 1, Organoid: 1, OrganoidName: "ORG-CB-01", Modality: "MRI", SequenceName: "T2_TSE", AcquisitionDate: "2025-03-01", Resolution: "50um", FieldStrength: "9.4T", ProcessingStepsCount: 2},
			{ID: 2, Organoid: 1, OrganoidName: "ORG-CB-01", Modality: "MRI", SequenceName: "DWI", AcquisitionDate: "2025-03-03", Resolution: "80um", FieldStrength: "9.4T"},
			{ID: 3, Organoid: 2, OrganoidName: "ORG-RT-07", Modality: "MRI", SequenceName: "T1_FLASH", AcquisitionDate: "2025-03-04", Resolution: "40um", FieldStrength: "11.7T"},
		},
		ProcessingSteps: []api.ProcessingStep{
			{ID: 1, Scan: 1, ScanInfo: api.ScanInfo{ID: "1", OrganoidName: "ORG-CB-01", Modality: "MRI"}, StepType: "PREPROCESSING", Status: "COMPLETED", CreatedAt: "2025-03-02T08:00:00Z", UpdatedAt: "2025-03-02T08:20:00Z", OutputPath: "/data/scans/1/preprocessed.nii.gz"},
			{ID: 2, Scan: 1, ScanInfo: api.ScanInfo{ID: "1", OrganoidName: "ORG-CB-01", Modality: "MRI"}, StepType: "SEGMENTATION", Status: "COMPLETED", CreatedAt: "2025-03-02T08:30:00Z", UpdatedAt: "2025-03-02T09:00:00Z", OutputPath: "/data/scans/1/mask.nii.gz", HasSegmentation: true},
		},
		Segmentations: []api.Segmentation{
			{ID: 1, ProcessingStep: 2, ProcessingStepInfo: api.ProcessingStepInfo{ID: 2, StepType: "SEGMENTATION", OrganoidName: "ORG-CB-01", ScanModality: "MRI"}, Method: "U-Net", Description: "Ventricle-like cavities", CreatedAt: "2025-03-02T09:00:00Z", DiceScore: &dice, JaccardIndex: &jaccard},
		},
		Publications: []api.Publication{
			{ID: 1, Title: "High-field MRI of cerebral organoids", PubType: "ARTICLE", Year: 2024, Authors: "Doe J, Roe R", Venue: "NeuroImage"},
		},
		PipelineRuns: []api.PipelineRun{
			{ID: "5b0c6a52-0f0e-4a37-9d0e-3f4fd2b9a001", Stage: "segmentation", Status: "SUCCESS", QCStatus: "PASS", StartedAt: &started, FinishedAt: &finished, CreatedAt: "2025-03-02T09:14:00Z", ScanInfo: api.ScanInfo{ID: "1", OrganoidName: "ORG-CB-01", Modality: "MRI", SequenceType: "T2_TSE"}, HasResult: true},
			{ID: "5b0c6a52-0f0e-4a37-9d0e-3f4fd2b9a002", Stage: "registration", Status: "RUNNING", QCStatus: "PENDING", StartedAt: &running, CreatedAt: "2025-03-04T14:01:00Z", ScanInfo: api.ScanInfo{ID: "3", OrganoidName: "ORG-RT-07", Modality: "MRI", SequenceType: "T1_FLASH"}},
		},
	}
}
