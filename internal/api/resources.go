package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func (c *Client) ListOrganoids(ctx context.Context) ([]Organoid, error) {
	return getList[Organoid](ctx, c, "/organoids/", nil)
}

func (c *Client) GetOrganoid(ctx context.Context, id int) (Organoid, error) {
	var out Organoid
	if err := c.get(ctx, fmt.Sprintf("/organoids/%d/", id), nil, &out); err != nil {
		return Organoid{}, err
	}

	return out, nil
}

// ListScans returns all scans, or only those of one organoid when organoidID is set.
func (c *Client) ListScans(ctx context.Context, organoidID *int) ([]Scan, error) {
	return getList[Scan](ctx, c, "/scans/", intFilter("organoid", organoidID))
}

func (c *Client) GetScan(ctx context.Context, id int) (Scan, error) {
	var out Scan
	if err := c.get(ctx, fmt.Sprintf("/scans/%d/", id), nil, &out); err != nil {
		return Scan{}, err
	}

	return out, nil
}

func (c *Client) ListProcessingSteps(ctx context.Context, scanID *int) ([]ProcessingStep, error) {
	return getList[ProcessingStep](ctx, c, "/processing-steps/", intFilter("scan", scanID))
}

func (c *Client) ListSegmentations(ctx context.Context) ([]Segmentation, error) {
	return getList[Segmentation](ctx, c, "/segmentations/", nil)
}

func (c *Client) ListPublications(ctx context.Context) ([]Publication, error) {
	return getList[Publication](ctx, c, "/publications/", nil)
}

// ListPipelineRuns lists runs, filtered by scan when scanID is not empty.
func (c *Client) ListPipelineRuns(ctx context.Context, scanID string) ([]PipelineRun, error) {
	var query url.Values
	if id := strings.TrimSpace(scanID); id != "" {
		query = url.Values{"mri_scan": {id}}
	}

	return getList[PipelineRun](ctx, c, "/pipeline-runs/", query)
}

// StartPipelineRun queues a new run of stage for a scan.
func (c *Client) StartPipelineRun(ctx context.Context, scanID, stage string) (PipelineRun, error) {
	scanID = strings.TrimSpace(scanID)
	stage = strings.TrimSpace(stage)
	if scanID == "" || stage == "" {
		return PipelineRun{}, fmt.Errorf("start pipeline run: scan id and stage are required")
	}

	var out PipelineRun
	body := StartRunRequest{ScanID: scanID, Stage: stage, Status: "PENDING"}
	if err := c.do(ctx, http.MethodPost, "/pipeline-runs/", nil, body, &out); err != nil {
		return PipelineRun{}, err
	}

	return out, nil
}

func intFilter(key string, v *int) url.Values {
	if v == nil {
		return nil
	}

	return url.Values{key: {strconv.Itoa(*v)}}
}
