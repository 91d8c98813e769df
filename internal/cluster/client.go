package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pipegen/internal/ctlerr"
	logpkg "pipegen/internal/log"
)

// Client wraps the Flink Job REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logpkg.Logger
}

// New creates a Client for the cluster's REST API at baseURL
// (e.g. "http://localhost:8081").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logpkg.WithComponent(logpkg.Global(), "cluster"),
	}
}

// WithHTTPClient overrides the transport (used by tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// ListJobs returns every job known to the cluster, combining the summary
// listing with a detail fetch per job.
func (c *Client) ListJobs(ctx context.Context) ([]JobDescriptor, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/jobs", nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to list jobs", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.New(ctlerr.ClusterUnreachable, fmt.Sprintf("list jobs failed: %d", resp.StatusCode))
	}

	var listed jobsListResponse
	if err := json.Unmarshal(body, &listed); err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "malformed jobs list response", err)
	}

	descriptors := make([]JobDescriptor, 0, len(listed.Jobs))
	for _, j := range listed.Jobs {
		detail, err := c.JobDetails(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		if detail == nil {
			continue
		}
		descriptors = append(descriptors, *detail)
	}
	return descriptors, nil
}

// JobDetails fetches one job's full detail, or nil if the cluster has
// never heard of it (HTTP 404).
func (c *Client) JobDetails(ctx context.Context, jobID string) (*JobDescriptor, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to fetch job details", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.New(ctlerr.ClusterUnreachable, fmt.Sprintf("job detail fetch failed: %d", resp.StatusCode))
	}

	var detail jobDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "malformed job detail response", err)
	}

	jd := &JobDescriptor{
		ID:              detail.Jid,
		Name:            detail.Name,
		State:           JobState(detail.State),
		StartTime:       msToTime(detail.StartTime),
		Duration:        time.Duration(detail.Duration) * time.Millisecond,
		ExecutionConfig: detail.ExecutionConfig,
	}
	if detail.EndTime > 0 {
		end := msToTime(detail.EndTime)
		jd.EndTime = &end
	}
	return jd, nil
}

// TriggerSnapshot asks the cluster to start an asynchronous snapshot of
// jobID. Success is HTTP 202; the returned requestId is used to poll
// SnapshotStatus.
func (c *Client) TriggerSnapshot(ctx context.Context, jobID, targetDir string) (string, error) {
	payload := map[string]string{}
	if targetDir != "" {
		payload["target-directory"] = targetDir
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", ctlerr.Wrap(ctlerr.SnapshotTrigger, "failed to encode snapshot trigger request", err)
	}

	resp, respBody, err := c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/snapshots", body)
	if err != nil {
		return "", ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to reach cluster for snapshot trigger", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", ctlerr.New(ctlerr.SnapshotTrigger, fmt.Sprintf("snapshot trigger refused: %d %s", resp.StatusCode, string(respBody)))
	}

	var parsed snapshotTriggerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.RequestID == "" {
		return "", ctlerr.New(ctlerr.SnapshotTrigger, "snapshot trigger response missing request-id")
	}
	c.logger.Info("snapshot triggered", "job", jobID, "request", parsed.RequestID)
	return parsed.RequestID, nil
}

// SnapshotStatus polls a previously-triggered snapshot request.
func (c *Client) SnapshotStatus(ctx context.Context, jobID, requestID string) (*SnapshotStatusResult, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/snapshots/"+requestID, nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to poll snapshot status", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.New(ctlerr.ClusterUnreachable, fmt.Sprintf("snapshot status poll failed: %d", resp.StatusCode))
	}

	var parsed snapshotStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "malformed snapshot status response", err)
	}
	return &SnapshotStatusResult{
		Status:       SnapshotRequestStatus(parsed.Status.ID),
		Location:     parsed.Operation.Location,
		FailureCause: parsed.Operation.FailureCause,
	}, nil
}

// StopWithSnapshot asks the cluster to stop jobID after taking a final
// snapshot, returning the requestId used to poll SnapshotStatus.
func (c *Client) StopWithSnapshot(ctx context.Context, jobID, targetDir string) (string, error) {
	payload := map[string]string{"mode": "stop"}
	if targetDir != "" {
		payload["targetDirectory"] = targetDir
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", ctlerr.Wrap(ctlerr.SnapshotTrigger, "failed to encode stop-with-snapshot request", err)
	}

	resp, respBody, err := c.do(ctx, http.MethodPatch, "/jobs/"+jobID, body)
	if err != nil {
		return "", ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to reach cluster for stop-with-snapshot", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", ctlerr.New(ctlerr.SnapshotTrigger, fmt.Sprintf("stop-with-snapshot refused: %d %s", resp.StatusCode, string(respBody)))
	}

	var parsed snapshotTriggerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.RequestID == "" {
		return "", ctlerr.New(ctlerr.SnapshotTrigger, "stop-with-snapshot response missing request-id")
	}
	return parsed.RequestID, nil
}

// CancelJob requests that jobID be cancelled without a snapshot. Success
// is HTTP 202.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, error) {
	body, err := json.Marshal(map[string]string{"mode": "cancel"})
	if err != nil {
		return false, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to encode cancel request", err)
	}
	resp, respBody, err := c.do(ctx, http.MethodPatch, "/jobs/"+jobID, body)
	if err != nil {
		return false, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to reach cluster for cancel", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return false, ctlerr.New(ctlerr.ClusterUnreachable, fmt.Sprintf("cancel refused: %d %s", resp.StatusCode, string(respBody)))
	}
	c.logger.Info("job cancelled", "job", jobID)
	return true, nil
}

// JobsUsingSnapshot returns every running/restarting job whose
// execution.savepoint.path matches path exactly.
func (c *Client) JobsUsingSnapshot(ctx context.Context, path string) ([]JobDescriptor, error) {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var matches []JobDescriptor
	for _, j := range jobs {
		if j.State != JobRunning && j.State != JobRestarting {
			continue
		}
		if j.ExecutionConfig["execution.savepoint.path"] == path {
			matches = append(matches, j)
		}
	}
	return matches, nil
}

// JobExceptions returns jobID's recorded exception history, most recent
// first, used to enrich PRECONDITION failures with a cause.
func (c *Client) JobExceptions(ctx context.Context, jobID string) ([]JobException, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/exceptions", nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to fetch job exceptions", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.New(ctlerr.ClusterUnreachable, fmt.Sprintf("job exceptions fetch failed: %d", resp.StatusCode))
	}

	var parsed jobExceptionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "malformed job exceptions response", err)
	}

	out := make([]JobException, 0, len(parsed.ExceptionHistory.Entries))
	for _, e := range parsed.ExceptionHistory.Entries {
		out = append(out, JobException{
			Timestamp:        msToTime(e.Timestamp),
			ExceptionMessage: e.ExceptionMessage,
			TaskName:         e.TaskName,
		})
	}
	return out, nil
}

// JobCheckpointStats returns jobID's checkpoint counters, used alongside
// the store's own IN_PROGRESS rows when reporting active snapshots; this
// is a distinct mechanism from triggered snapshots and is never written
// to the snapshots table.
func (c *Client) JobCheckpointStats(ctx context.Context, jobID string) (*CheckpointStats, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/checkpoints", nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "failed to fetch checkpoint stats", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.New(ctlerr.ClusterUnreachable, fmt.Sprintf("checkpoint stats fetch failed: %d", resp.StatusCode))
	}

	var parsed jobCheckpointsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ctlerr.Wrap(ctlerr.ClusterUnreachable, "malformed checkpoint stats response", err)
	}

	return &CheckpointStats{
		JobID:               jobID,
		CountsCompleted:     parsed.Counts.Completed,
		CountsFailed:        parsed.Counts.Failed,
		CountsInProgress:    parsed.Counts.InProgress,
		LatestCompletedPath: parsed.Latest.Completed.ExternalPath,
	}, nil
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, respBody, nil
}
