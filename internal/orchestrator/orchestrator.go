package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipegen/internal/cluster"
	"pipegen/internal/ctlerr"
	"pipegen/internal/gateway"
	logpkg "pipegen/internal/log"
	"pipegen/internal/store"
)

// Orchestrator composes the gateway client, cluster client, and
// persistence store into the full job lifecycle: submit, pause, resume,
// cancel, and reconciliation.
type Orchestrator struct {
	gw *gateway.Client
	cl *cluster.Client
	st *store.Store

	logger logpkg.Logger
	clock  func() time.Time

	jobLocks sync.Map // jobId -> *sync.Mutex

	PausePollInterval    time.Duration
	PausePollTimeout     time.Duration
	ResumeLookbackWindow time.Duration
}

// New wires an Orchestrator from its three collaborators.
func New(gw *gateway.Client, cl *cluster.Client, st *store.Store) *Orchestrator {
	return &Orchestrator{
		gw:                   gw,
		cl:                   cl,
		st:                   st,
		logger:               logpkg.WithComponent(logpkg.Global(), "orchestrator"),
		clock:                time.Now,
		PausePollInterval:    2 * time.Second,
		PausePollTimeout:     120 * time.Second,
		ResumeLookbackWindow: time.Hour,
	}
}

func (o *Orchestrator) lockFor(jobID string) *sync.Mutex {
	l, _ := o.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// resumeFailureMeta builds the well-known metadata patch for a failed
// resume_events transition.
func (o *Orchestrator) resumeFailureMeta(errMsg string) map[string]string {
	return map[string]string{
		store.MetaError:    errMsg,
		store.MetaFailedAt: o.clock().UTC().Format(time.RFC3339Nano),
		store.MetaMethod:   "resume",
	}
}

// ExecuteSQL creates a session, splits and runs sqlText, and records a
// JOB_START snapshot row when a statement starts a streaming job and the
// caller supplied a job name.
func (o *Orchestrator) ExecuteSQL(ctx context.Context, req ExecuteSQLRequest) (*ExecuteSQLResult, error) {
	intentID := uuid.NewString()
	o.logger.Info("executing SQL", "intentId", intentID, "jobName", req.JobName)

	sqlText := req.SQLText
	if req.Env != nil {
		substituted, err := substituteVariables(sqlText, req.Env, req.EnvMode)
		if err != nil {
			return nil, err
		}
		sqlText = substituted
	}

	session, err := o.gw.CreateSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	if !req.KeepOpen {
		defer func() { _ = o.gw.CloseSession(ctx, session) }()
	}

	results, overallSuccess := o.gw.ExecuteMany(ctx, session, sqlText, req.OnError)

	out := &ExecuteSQLResult{Statements: results, Success: overallSuccess}
	for _, r := range results {
		if r.JobID != "" {
			out.JobID = r.JobID
			break
		}
	}

	if out.JobID != "" && req.JobName != "" {
		content := req.SQLText
		meta := map[string]string{store.MetaMethod: "execute"}
		if len(req.Tags) > 0 {
			meta["tags"] = strings.Join(req.Tags, ",")
		}
		if _, err := o.st.CreateSnapshotRecord(ctx, out.JobID, req.JobName, store.SnapshotJobStart, &content, meta); err != nil {
			o.logger.Error("failed to record job start snapshot", "intentId", intentID, "job", out.JobID, "error", err)
		}
	}

	o.logger.Info("SQL execution finished", "intentId", intentID, "success", out.Success, "jobId", out.JobID)
	return out, nil
}

// Pause drives jobId through the snapshot state machine described in
// spec §4.5: reconcile any in-flight snapshot attempt, trigger a new one
// if needed, poll it to completion, and cancel the job once the snapshot
// is durable.
func (o *Orchestrator) Pause(ctx context.Context, req PauseRequest) (*PauseResult, error) {
	intentID := uuid.NewString()
	o.logger.Info("pausing job", "intentId", intentID, "jobId", req.JobID)

	lock := o.lockFor(req.JobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.cl.JobDetails(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ctlerr.New(ctlerr.Precondition, fmt.Sprintf("job %s not found", req.JobID)).WithContext("jobId", req.JobID)
	}
	if job.State != cluster.JobRunning && job.State != cluster.JobCreated {
		preconditionErr := ctlerr.New(ctlerr.Precondition, fmt.Sprintf("job %s is not pausable in state %s", req.JobID, job.State)).WithContext("jobId", req.JobID)
		if exceptions, exErr := o.cl.JobExceptions(ctx, req.JobID); exErr == nil && len(exceptions) > 0 {
			preconditionErr = preconditionErr.WithContext("lastException", exceptions[0].ExceptionMessage)
		}
		return nil, preconditionErr
	}

	snapID, requestID, snapType, err := o.resolvePauseTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if requestID == "" {
		// A prior COMPLETED snapshot already covers this pause (job
		// already paused from the cluster's perspective).
		snap, err := o.st.GetLatestForJob(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
		o.logger.Info("job already paused", "intentId", intentID, "jobId", req.JobID, "snapshotId", snap.ID)
		return &PauseResult{SnapshotID: snap.ID, Path: snap.SnapshotPath}, nil
	}

	result, err := o.pollSnapshotToCompletion(ctx, req.JobID, snapID, requestID, snapType == store.SnapshotStopWithSnapshot)
	if err != nil {
		return nil, err
	}
	o.logger.Info("job paused", "intentId", intentID, "jobId", req.JobID, "snapshotId", result.SnapshotID, "path", result.Path)
	return result, nil
}

// resolvePauseTarget implements the branch table of spec §4.5: it returns
// the snapshot row id to track, the requestId to poll, and the snapshot
// type that requestId belongs to (trigger-then-cancel vs atomic
// stop-with-snapshot), so the caller knows whether a separate CancelJob
// is still needed once the snapshot completes. An empty requestId signals
// the job is already paused (COMPLETED + cluster CANCELED).
func (o *Orchestrator) resolvePauseTarget(ctx context.Context, req PauseRequest) (int64, string, store.SnapshotType, error) {
	latest, err := o.st.GetLatestForJob(ctx, req.JobID)
	if err != nil {
		return 0, "", "", err
	}

	job, err := o.cl.JobDetails(ctx, req.JobID)
	if err != nil {
		return 0, "", "", err
	}

	switch {
	case latest == nil:
		return o.triggerNewSnapshot(ctx, req)
	case latest.SnapshotStatus == store.SnapshotCompleted && job != nil && job.State == cluster.JobRunning:
		return o.triggerNewSnapshot(ctx, req)
	case latest.SnapshotStatus == store.SnapshotCompleted:
		return latest.ID, "", latest.SnapshotType, nil
	case latest.SnapshotStatus == store.SnapshotInProgress && latest.RequestID != "":
		return latest.ID, latest.RequestID, latest.SnapshotType, nil
	case latest.SnapshotStatus == store.SnapshotInProgress:
		// corrupt: IN_PROGRESS without a requestId
		if err := o.st.UpdateSnapshotStatus(ctx, latest.ID, store.SnapshotFailed, store.StatusPatch{
			MetadataPatch: map[string]string{
				store.MetaError:    "in-progress row missing requestId",
				store.MetaFailedAt: o.clock().UTC().Format(time.RFC3339Nano),
			},
		}); err != nil {
			return 0, "", "", err
		}
		return o.triggerNewSnapshot(ctx, req)
	default: // FAILED
		return o.triggerNewSnapshot(ctx, req)
	}
}

// triggerNewSnapshot starts a new snapshot attempt for req.JobID, using
// the atomic stop-with-savepoint endpoint when req.Stop is set and the
// ordinary trigger-then-cancel endpoint otherwise (spec §4.3's two
// distinct stop mechanisms).
func (o *Orchestrator) triggerNewSnapshot(ctx context.Context, req PauseRequest) (int64, string, store.SnapshotType, error) {
	snapType := store.SnapshotPause
	if req.Stop {
		snapType = store.SnapshotStopWithSnapshot
	}

	// Carry the job's recorded SQL onto the new row so Resume can replay it
	// once this snapshot completes.
	var sqlContent *string
	if prior, priorErr := o.st.GetLatestForJob(ctx, req.JobID); priorErr == nil && prior != nil {
		sqlContent = prior.SQLContent
	}

	snapID, err := o.st.CreateSnapshotRecord(ctx, req.JobID, "", snapType, sqlContent, map[string]string{store.MetaMethod: "pause"})
	if err != nil {
		return 0, "", "", err
	}

	var requestID string
	if req.Stop {
		requestID, err = o.cl.StopWithSnapshot(ctx, req.JobID, req.TargetDir)
	} else {
		requestID, err = o.cl.TriggerSnapshot(ctx, req.JobID, req.TargetDir)
	}
	if err != nil {
		_ = o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotFailed, store.StatusPatch{
			MetadataPatch: map[string]string{
				store.MetaError:    err.Error(),
				store.MetaFailedAt: o.clock().UTC().Format(time.RFC3339Nano),
			},
		})
		return 0, "", "", err
	}

	if err := o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotInProgress, store.StatusPatch{RequestID: &requestID}); err != nil {
		return 0, "", "", err
	}
	return snapID, requestID, snapType, nil
}

// pollSnapshotToCompletion polls requestID until it reaches a terminal
// state. skipCancel is true for a stop-with-snapshot request, which
// already stops the job atomically; otherwise a separate CancelJob
// follows a COMPLETED snapshot.
func (o *Orchestrator) pollSnapshotToCompletion(ctx context.Context, jobID string, snapID int64, requestID string, skipCancel bool) (*PauseResult, error) {
	deadline := o.clock().Add(o.PausePollTimeout)
	for {
		status, err := o.cl.SnapshotStatus(ctx, jobID, requestID)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case cluster.SnapshotRequestCompleted:
			if err := o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotCompleted, store.StatusPatch{
				Path:          &status.Location,
				MetadataPatch: map[string]string{store.MetaCompletedAt: o.clock().UTC().Format(time.RFC3339Nano)},
			}); err != nil {
				return nil, err
			}
			if !skipCancel {
				if _, err := o.cl.CancelJob(ctx, jobID); err != nil {
					return nil, err
				}
			}
			if err := o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotCompleted, store.StatusPatch{
				MetadataPatch: map[string]string{store.MetaStoppedAt: o.clock().UTC().Format(time.RFC3339Nano)},
			}); err != nil {
				return nil, err
			}
			return &PauseResult{SnapshotID: snapID, Path: status.Location}, nil
		case cluster.SnapshotRequestFailed:
			_ = o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotFailed, store.StatusPatch{
				MetadataPatch: map[string]string{
					store.MetaError:    status.FailureCause,
					store.MetaFailedAt: o.clock().UTC().Format(time.RFC3339Nano),
				},
			})
			return nil, ctlerr.New(ctlerr.SnapshotFailed, status.FailureCause).WithContext("jobId", jobID)
		}

		if o.clock().After(deadline) {
			_ = o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotFailed, store.StatusPatch{
				MetadataPatch: map[string]string{
					store.MetaError:    "timeout",
					store.MetaFailedAt: o.clock().UTC().Format(time.RFC3339Nano),
				},
			})
			return nil, ctlerr.New(ctlerr.SnapshotTimeout, fmt.Sprintf("snapshot for job %s did not complete within %s", jobID, o.PausePollTimeout))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.PausePollInterval):
		}
	}
}

// Resume resumes a job from its latest snapshot row, replaying the
// sqlContent recorded when the job was started (Pause copies it onto each
// snapshot row it creates). req.JobIDOrName is matched against job ids
// only; job names are not looked up. The latest row must be COMPLETED;
// older COMPLETED rows for the job are not considered.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	snap, err := o.st.GetLatestForJob(ctx, req.JobIDOrName)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ctlerr.New(ctlerr.Precondition, fmt.Sprintf("no snapshot found for %s", req.JobIDOrName))
	}
	if snap.SQLContent == nil {
		return nil, ctlerr.New(ctlerr.Precondition, "snapshot has no recorded sqlContent to replay")
	}

	return o.resumeFrom(ctx, snap, *snap.SQLContent, "", nil)
}

// ResumeFromSnapshotId resumes an explicit snapshot using caller-supplied
// SQL (either inline or from a file already read by the caller) and an
// environment map for strict ${VAR} substitution.
func (o *Orchestrator) ResumeFromSnapshotId(ctx context.Context, req ResumeFromSnapshotRequest) (*ResumeResult, error) {
	snapshot, err := o.st.GetSnapshotByID(ctx, req.SnapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ctlerr.New(ctlerr.Precondition, fmt.Sprintf("snapshot %d not found", req.SnapshotID))
	}
	return o.resumeFrom(ctx, snapshot, req.SQLText, req.SQLFile, req.Env)
}

func (o *Orchestrator) resumeFrom(ctx context.Context, snap *store.Snapshot, sqlText, sqlFile string, env map[string]string) (*ResumeResult, error) {
	intentID := uuid.NewString()
	o.logger.Info("resuming from snapshot", "intentId", intentID, "snapshotId", snap.ID, "jobId", snap.JobID)

	if snap.SnapshotStatus != store.SnapshotCompleted || snap.SnapshotPath == store.RunningJobPlaceholder {
		return nil, ctlerr.New(ctlerr.Precondition, "snapshot is not a completed, resumable snapshot").WithContext("snapshotId", fmt.Sprint(snap.ID))
	}

	// Strict ${VAR} substitution is checked before any HTTP call: a
	// missing binding must never reach the cluster or gateway.
	finalSQL := sqlText
	if env != nil {
		substituted, err := substituteVariables(sqlText, env, EnvStrict)
		if err != nil {
			return nil, err
		}
		finalSQL = substituted
	}
	finalSQL = fmt.Sprintf("SET 'execution.savepoint.path' = '%s';\n%s", snap.SnapshotPath, finalSQL)

	evID, err := o.st.CreateResumeEvent(ctx, snap.ID, snap.JobID, snap.SnapshotPath, sqlFile, map[string]string{})
	if err != nil {
		return nil, err
	}

	inUse, err := o.cl.JobsUsingSnapshot(ctx, snap.SnapshotPath)
	if err != nil {
		errMsg := err.Error()
		_ = o.st.UpdateResumeEvent(ctx, evID, store.ResumeFailed, store.ResumeEventPatch{
			ErrorMessage:  &errMsg,
			MetadataPatch: o.resumeFailureMeta(errMsg),
		})
		return nil, err
	}
	if len(inUse) > 0 {
		conflictErr := ctlerr.New(ctlerr.Conflict, fmt.Sprintf("snapshot %s already in use by job %s", snap.SnapshotPath, inUse[0].ID)).WithContext("snapshotPath", snap.SnapshotPath)
		errMsg := conflictErr.Error()
		_ = o.st.UpdateResumeEvent(ctx, evID, store.ResumeFailed, store.ResumeEventPatch{
			ErrorMessage:  &errMsg,
			MetadataPatch: o.resumeFailureMeta(errMsg),
		})
		return nil, conflictErr
	}

	if recent, err := o.st.ListRecentStartedResumeEvents(ctx, snap.SnapshotPath, o.clock().Add(-o.ResumeLookbackWindow)); err == nil {
		for _, r := range recent {
			if r.ID != evID {
				o.logger.Warn("prior resume attempt for this snapshot path is still marked STARTED", "intentId", intentID, "path", snap.SnapshotPath, "resumeEvent", r.ID)
				break
			}
		}
	}

	session, sessErr := o.gw.CreateSession(ctx, nil)
	if sessErr != nil {
		errMsg := sessErr.Error()
		_ = o.st.UpdateResumeEvent(ctx, evID, store.ResumeFailed, store.ResumeEventPatch{
			ErrorMessage:  &errMsg,
			MetadataPatch: o.resumeFailureMeta(errMsg),
		})
		return nil, sessErr
	}
	defer func() { _ = o.gw.CloseSession(ctx, session) }()

	results, overallSuccess := o.gw.ExecuteMany(ctx, session, finalSQL, gateway.OnErrorStop)
	var newJobID string
	for _, r := range results {
		if r.JobID != "" {
			newJobID = r.JobID
			break
		}
	}

	if !overallSuccess {
		var errMsg string
		for _, r := range results {
			if r.Err != nil {
				errMsg = r.Err.Error()
				break
			}
		}
		_ = o.st.UpdateResumeEvent(ctx, evID, store.ResumeFailed, store.ResumeEventPatch{
			ErrorMessage:  &errMsg,
			MetadataPatch: o.resumeFailureMeta(errMsg),
		})
		return nil, ctlerr.New(ctlerr.OperationError, errMsg).WithContext("snapshotId", fmt.Sprint(snap.ID))
	}

	if err := o.st.UpdateResumeEvent(ctx, evID, store.ResumeCompleted, store.ResumeEventPatch{
		NewJobID: &newJobID,
		MetadataPatch: map[string]string{
			store.MetaCompletedAt: o.clock().UTC().Format(time.RFC3339Nano),
			store.MetaMethod:      "resume",
		},
	}); err != nil {
		return nil, err
	}

	o.logger.Info("resume completed", "intentId", intentID, "snapshotId", snap.ID, "newJobId", newJobID)
	return &ResumeResult{ResumeEventID: evID, NewJobID: newJobID}, nil
}

// Sync reconciles local snapshot state with the cluster in both
// directions: cluster jobs with no local record get a discovery row, and
// local snapshot rows whose job the cluster no longer reports are left in
// place (never deleted) but have their metadata updated to say so.
func (o *Orchestrator) Sync(ctx context.Context) (*SyncResult, error) {
	jobs, err := o.cl.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	clusterJobs := make(map[string]struct{}, len(jobs))

	result := &SyncResult{}
	for _, job := range jobs {
		clusterJobs[job.ID] = struct{}{}

		latest, err := o.st.GetLatestForJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			meta := map[string]string{
				store.MetaMethod:       "sync",
				store.MetaSyncedAt:     o.clock().UTC().Format(time.RFC3339Nano),
				store.MetaClusterState: string(job.State),
			}
			if _, err := o.st.CreateSnapshotRecord(ctx, job.ID, job.Name, store.SnapshotJobStart, nil, meta); err != nil {
				return nil, err
			}
			result.Discovered++
		} else {
			result.Reconciled++
		}
	}

	locals, err := o.st.ListLatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	now := o.clock().UTC().Format(time.RFC3339Nano)
	for _, row := range locals {
		if _, onCluster := clusterJobs[row.JobID]; onCluster {
			continue
		}
		if err := o.st.UpdateSnapshotStatus(ctx, row.ID, row.SnapshotStatus, store.StatusPatch{
			MetadataPatch: map[string]string{
				store.MetaClusterState: string(cluster.JobNotFound),
				store.MetaSyncedAt:     now,
				store.MetaMethod:       "sync",
			},
		}); err != nil {
			return nil, err
		}
		result.Stale++
	}
	return result, nil
}

// ListPausable returns cluster jobs currently in a pausable state.
func (o *Orchestrator) ListPausable(ctx context.Context) ([]PausableJob, error) {
	jobs, err := o.cl.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []PausableJob
	for _, j := range jobs {
		if j.State == cluster.JobRunning {
			out = append(out, PausableJob{JobID: j.ID, Name: j.Name})
		}
	}
	return out, nil
}

// ListResumable returns local snapshot rows that are safe Resume
// candidates: completed, not a placeholder, and the owning job is no
// longer running on the cluster.
func (o *Orchestrator) ListResumable(ctx context.Context) ([]ResumableSnapshot, error) {
	rows, err := o.st.ListCompletedSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	var out []ResumableSnapshot
	for _, row := range rows {
		if row.SnapshotPath == store.RunningJobPlaceholder {
			continue
		}
		detail, err := o.cl.JobDetails(ctx, row.JobID)
		if err != nil {
			return nil, err
		}
		state := cluster.JobNotFound
		if detail != nil {
			state = detail.State
		}
		switch state {
		case cluster.JobNotFound, cluster.JobCanceled, cluster.JobFailed, cluster.JobFinished:
			out = append(out, ResumableSnapshot{
				SnapshotID:   row.ID,
				JobID:        row.JobID,
				JobName:      row.JobName,
				Path:         row.SnapshotPath,
				ClusterState: state,
			})
		}
	}
	return out, nil
}

// ListActiveSnapshots returns in-flight snapshots, each enriched with the
// cluster's current view of the request when one is available.
func (o *Orchestrator) ListActiveSnapshots(ctx context.Context) ([]ActiveSnapshotView, error) {
	rows, err := o.st.ListActiveSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ActiveSnapshotView, 0, len(rows))
	for _, row := range rows {
		view := ActiveSnapshotView{SnapshotID: row.ID, JobID: row.JobID, Age: row.Age, IsStale: row.IsStale}
		if row.RequestID != "" {
			status, err := o.cl.SnapshotStatus(ctx, row.JobID, row.RequestID)
			if err == nil {
				view.ClusterStatus = status
			}
		}
		if stats, err := o.cl.JobCheckpointStats(ctx, row.JobID); err == nil {
			view.CheckpointStats = stats
		}
		out = append(out, view)
	}
	return out, nil
}
