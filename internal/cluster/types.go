// Package cluster wraps the Flink Job REST API: list/describe jobs,
// trigger and poll snapshots, stop-with-snapshot, cancel, plus the
// exception and checkpoint introspection endpoints used to enrich
// precondition failures.
package cluster

import "time"

// JobState mirrors the states reported by the Job REST API.
type JobState string

const (
	JobCreated    JobState = "CREATED"
	JobRunning    JobState = "RUNNING"
	JobRestarting JobState = "RESTARTING"
	JobCanceling  JobState = "CANCELING"
	JobCanceled   JobState = "CANCELED"
	JobFailing    JobState = "FAILING"
	JobFailed     JobState = "FAILED"
	JobFinished   JobState = "FINISHED"
	JobNotFound   JobState = "NOT_FOUND" // synthetic: not reported by the cluster, used by local callers
)

// SnapshotRequestStatus mirrors the Job REST API's snapshot operation status.
type SnapshotRequestStatus string

const (
	SnapshotRequestInProgress SnapshotRequestStatus = "IN_PROGRESS"
	SnapshotRequestCompleted SnapshotRequestStatus = "COMPLETED"
	SnapshotRequestFailed    SnapshotRequestStatus = "FAILED"
)

// JobDescriptor is the client's view of one cluster job, combining the
// summary listing and its detail fetch.
type JobDescriptor struct {
	ID               string
	Name             string
	State            JobState
	StartTime        time.Time
	EndTime          *time.Time
	Duration         time.Duration
	ExecutionConfig  map[string]string
}

// SnapshotStatusResult is the outcome of polling a triggered snapshot.
type SnapshotStatusResult struct {
	Status       SnapshotRequestStatus
	Location     string
	FailureCause string
}

// JobException is one entry of a job's exception history, grounded in the
// Job REST API's /jobs/{id}/exceptions endpoint.
type JobException struct {
	Timestamp        time.Time
	ExceptionMessage string
	TaskName         string
}

// CheckpointStats summarizes a job's checkpoint counters, grounded in the
// Job REST API's /jobs/{id}/checkpoints endpoint.
type CheckpointStats struct {
	JobID               string
	CountsCompleted     int
	CountsFailed        int
	CountsInProgress    int
	LatestCompletedPath string
}

// wire types, matching the JSON shapes in spec §6.2.

type jobsListResponse struct {
	Jobs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"jobs"`
}

type jobDetailResponse struct {
	Jid             string            `json:"jid"`
	Name            string            `json:"name"`
	State           string            `json:"state"`
	StartTime       int64             `json:"start-time"`
	EndTime         int64             `json:"end-time"`
	Duration        int64             `json:"duration"`
	ExecutionConfig map[string]string `json:"execution-config"`
}

type snapshotTriggerResponse struct {
	RequestID string `json:"request-id"`
}

type snapshotStatusResponse struct {
	Status struct {
		ID string `json:"id"`
	} `json:"status"`
	Operation struct {
		Location     string `json:"location"`
		FailureCause string `json:"failure-cause"`
	} `json:"operation"`
}

type jobExceptionsResponse struct {
	ExceptionHistory struct {
		Entries []struct {
			Timestamp        int64  `json:"timestamp"`
			ExceptionMessage string `json:"exceptionMessage"`
			TaskName         string `json:"taskName"`
		} `json:"entries"`
	} `json:"exceptionHistory"`
}

type jobCheckpointsResponse struct {
	Counts struct {
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
		InProgress int `json:"in_progress"`
	} `json:"counts"`
	Latest struct {
		Completed struct {
			ExternalPath string `json:"external_path"`
		} `json:"completed"`
	} `json:"latest"`
}
