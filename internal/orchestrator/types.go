// Package orchestrator implements the lifecycle state machine that drives
// a streaming SQL job through submit, pause (via snapshot), resume, and
// cancel, composing the gateway client, cluster client, and persistence
// store.
package orchestrator

import (
	"time"

	"pipegen/internal/cluster"
	"pipegen/internal/gateway"
)

// OnErrorPolicy mirrors gateway.OnErrorPolicy at the orchestrator's public
// surface so callers never need to import the gateway package directly.
type OnErrorPolicy = gateway.OnErrorPolicy

const (
	OnErrorStop     = gateway.OnErrorStop
	OnErrorContinue = gateway.OnErrorContinue
)

// EnvMode controls how strictly ${VAR} substitution treats unbound
// placeholders.
type EnvMode int

const (
	EnvStrict EnvMode = iota
	EnvLax
)

// ExecuteSQLRequest is the input to ExecuteSQL.
type ExecuteSQLRequest struct {
	SQLText  string
	JobName  string
	Tags     []string
	OnError  OnErrorPolicy
	Env      map[string]string
	EnvMode  EnvMode
	KeepOpen bool
}

// ExecuteSQLResult is the outcome of ExecuteSQL.
type ExecuteSQLResult struct {
	Statements []gateway.StatementResult
	Success    bool
	JobID      string
}

// PauseRequest is the input to Pause.
type PauseRequest struct {
	JobID     string
	TargetDir string
	// Stop selects the atomic stop-with-savepoint endpoint instead of the
	// default trigger-snapshot-then-cancel sequence.
	Stop bool
}

// PauseResult is the outcome of a completed Pause.
type PauseResult struct {
	SnapshotID int64
	Path       string
}

// ResumeRequest is the input to Resume.
type ResumeRequest struct {
	JobIDOrName string
}

// ResumeFromSnapshotRequest is the input to ResumeFromSnapshotId.
type ResumeFromSnapshotRequest struct {
	SnapshotID int64
	SQLFile    string
	SQLText    string
	Env        map[string]string
}

// ResumeResult is the outcome of a completed Resume.
type ResumeResult struct {
	ResumeEventID int64
	NewJobID      string
}

// SyncResult summarizes one Sync() pass.
type SyncResult struct {
	Reconciled int
	Discovered int
	// Stale counts local snapshot rows whose job disappeared from the
	// cluster; the rows are left in place with updated metadata.
	Stale int
}

// PausableJob is one entry of ListPausable.
type PausableJob struct {
	JobID string
	Name  string
}

// ResumableSnapshot is one entry of ListResumable.
type ResumableSnapshot struct {
	SnapshotID int64
	JobID      string
	JobName    string
	Path       string
	ClusterState cluster.JobState
}

// ActiveSnapshotView is one entry of ListActiveSnapshots, enriched with
// the cluster's current view of the request when one is in flight, and
// with Flink's own periodic-checkpoint counters for the job (a distinct
// mechanism from the manual snapshot the store tracks).
type ActiveSnapshotView struct {
	SnapshotID     int64
	JobID          string
	Age            time.Duration
	IsStale        bool
	ClusterStatus  *cluster.SnapshotStatusResult
	CheckpointStats *cluster.CheckpointStats
}
