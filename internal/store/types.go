// Package store implements the embedded relational persistence layer: the
// snapshots and resume_events tables that let the orchestrator answer
// "which snapshot belongs to which SQL, and is it safe to resume" without
// consulting the cluster.
package store

import "time"

// SnapshotType enumerates why a snapshot row was created.
type SnapshotType string

const (
	SnapshotManual          SnapshotType = "MANUAL"
	SnapshotPause           SnapshotType = "PAUSE"
	SnapshotStopWithSnapshot SnapshotType = "STOP_WITH_SNAPSHOT"
	SnapshotJobStart        SnapshotType = "JOB_START"
)

// SnapshotStatus enumerates a snapshot row's lifecycle.
type SnapshotStatus string

const (
	SnapshotInProgress SnapshotStatus = "IN_PROGRESS"
	SnapshotCompleted  SnapshotStatus = "COMPLETED"
	SnapshotFailed     SnapshotStatus = "FAILED"
)

// RunningJobPlaceholder is the sentinel snapshotPath that every new
// snapshot row carries until a real snapshot location is recorded; it
// does not constitute a usable snapshot for Resume.
const RunningJobPlaceholder = "RUNNING_JOB"

// staleAfter is how long an IN_PROGRESS row may sit before the next
// observation transitions it to FAILED.
const staleAfter = 5 * time.Minute

// Snapshot is one row of the snapshots table.
type Snapshot struct {
	ID             int64
	JobID          string
	JobName        string
	SnapshotPath   string
	SnapshotType   SnapshotType
	SnapshotStatus SnapshotStatus
	SQLContent     *string
	RequestID      string
	IsLatest       bool
	CreatedAt      time.Time
	Metadata       map[string]string
}

// ActiveSnapshot decorates a Snapshot with derived staleness info for
// ListActiveSnapshots.
type ActiveSnapshot struct {
	Snapshot
	Age     time.Duration
	IsStale bool
}

// ResumeEventStatus enumerates a resume_events row's lifecycle.
type ResumeEventStatus string

const (
	ResumeStarted   ResumeEventStatus = "STARTED"
	ResumeCompleted ResumeEventStatus = "COMPLETED"
	ResumeFailed    ResumeEventStatus = "FAILED"
)

// ResumeEvent is one row of the resume_events table: an audit record of
// one resume attempt.
type ResumeEvent struct {
	ID           int64
	SnapshotID   int64
	OriginalJobID string
	NewJobID     *string
	SnapshotPath string
	SQLFilePath  string
	Status       ResumeEventStatus
	ErrorMessage *string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	Metadata     map[string]string
}

// StatusPatch carries the optional fields UpdateSnapshotStatus may set.
type StatusPatch struct {
	RequestID     *string
	Path          *string
	MetadataPatch map[string]string
}

// ResumeEventPatch carries the optional fields UpdateResumeEvent may set.
type ResumeEventPatch struct {
	NewJobID      *string
	ErrorMessage  *string
	MetadataPatch map[string]string
}

// well-known metadata keys, populated by the orchestrator.
const (
	MetaStoppedAt   = "stopped_at"
	MetaCompletedAt = "completed_at"
	MetaFailedAt    = "failed_at"
	MetaError       = "error"
	MetaMethod      = "method"

	// MetaClusterState records the cluster's last observed JobState for a
	// row whose job Sync could no longer find on the cluster.
	MetaClusterState = "cluster_state"
	// MetaSyncedAt records when Sync last touched a row's metadata.
	MetaSyncedAt = "synced_at"
)
