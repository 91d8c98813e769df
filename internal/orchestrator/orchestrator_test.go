package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipegen/internal/cluster"
	"pipegen/internal/ctlerr"
	"pipegen/internal/gateway"
	"pipegen/internal/store"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// gatewayFake is a minimal SQL Gateway double: every statement finishes
// immediately and, if configured, reports jobID as the started job.
type gatewayFake struct {
	mu           sync.Mutex
	jobID        string
	statements   []string
	requestCount int
}

func newGatewayFake(t *testing.T, jobID string) (*httptest.Server, *gatewayFake) {
	t.Helper()
	g := &gatewayFake{jobID: jobID}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.requestCount++
		g.mu.Unlock()
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]string{"sessionHandle": "sess-1"})
	})
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.requestCount++
		g.mu.Unlock()
		path := r.URL.Path
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(path, "/statements") && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var req map[string]string
			_ = json.Unmarshal(body, &req)
			g.mu.Lock()
			g.statements = append(g.statements, req["statement"])
			g.mu.Unlock()
			writeJSON(w, map[string]string{"operationHandle": "op-1"})
		case strings.HasSuffix(path, "/status"):
			writeJSON(w, map[string]string{"status": "FINISHED"})
		case strings.Contains(path, "/result/0"):
			writeJSON(w, map[string]interface{}{
				"results":       map[string]interface{}{"columns": []interface{}{}, "data": []interface{}{}},
				"resultType":    "EOS",
				"jobID":         g.jobID,
				"nextResultUri": "",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return httptest.NewServer(mux), g
}

func (g *gatewayFake) requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requestCount
}

func (g *gatewayFake) anyStatementContains(substr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.statements {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// clusterFake is a minimal Job REST API double with per-job state and a
// scripted sequence of snapshot status poll responses.
type clusterFake struct {
	mu               sync.Mutex
	jobs             map[string]*clusterJobRec
	snapshotSequence map[string][]clusterSnapStatus
	snapshotPolls    map[string]int
	cancelCount      int
	requestCount     int
}

type clusterJobRec struct {
	state      cluster.JobState
	execConfig map[string]string
}

type clusterSnapStatus struct {
	status       cluster.SnapshotRequestStatus
	location     string
	failureCause string
}

func newClusterFake(t *testing.T) (*httptest.Server, *clusterFake) {
	t.Helper()
	c := &clusterFake{
		jobs:             map[string]*clusterJobRec{},
		snapshotSequence: map[string][]clusterSnapStatus{},
		snapshotPolls:    map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.requestCount++
		defer c.mu.Unlock()
		type entry struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		var entries []entry
		for id, rec := range c.jobs {
			entries = append(entries, entry{ID: id, Status: string(rec.state)})
		}
		writeJSON(w, map[string]interface{}{"jobs": entries})
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.requestCount++
		c.mu.Unlock()

		rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
		parts := strings.Split(rest, "/")
		jobID := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			c.mu.Lock()
			rec, ok := c.jobs[jobID]
			c.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]interface{}{
				"jid":              jobID,
				"name":             jobID,
				"state":            string(rec.state),
				"start-time":       time.Now().UnixMilli(),
				"execution-config": rec.execConfig,
			})
		case len(parts) == 1 && r.Method == http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			var req map[string]string
			_ = json.Unmarshal(body, &req)
			if req["mode"] == "cancel" {
				c.mu.Lock()
				c.cancelCount++
				c.mu.Unlock()
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, map[string]string{"request-id": "stop-req"})
		case len(parts) == 2 && parts[1] == "snapshots" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, map[string]string{"request-id": "R1"})
		case len(parts) == 3 && parts[1] == "snapshots" && r.Method == http.MethodGet:
			reqID := parts[2]
			c.mu.Lock()
			seq := c.snapshotSequence[reqID]
			idx := c.snapshotPolls[reqID]
			if idx < len(seq)-1 {
				c.snapshotPolls[reqID] = idx + 1
			}
			if idx >= len(seq) {
				idx = len(seq) - 1
			}
			st := seq[idx]
			c.mu.Unlock()
			writeJSON(w, map[string]interface{}{
				"status":    map[string]string{"id": string(st.status)},
				"operation": map[string]string{"location": st.location, "failure-cause": st.failureCause},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return httptest.NewServer(mux), c
}

func (c *clusterFake) setJob(id string, state cluster.JobState, execConfig map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[id] = &clusterJobRec{state: state, execConfig: execConfig}
}

func (c *clusterFake) removeJob(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, id)
}

func (c *clusterFake) setSnapshotSequence(requestID string, seq ...clusterSnapStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotSequence[requestID] = seq
	c.snapshotPolls[requestID] = 0
}

func (c *clusterFake) cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCount
}

func (c *clusterFake) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T, gwSrv, clSrv *httptest.Server) *Orchestrator {
	t.Helper()
	gw := gateway.New(gwSrv.URL).WithHTTPClient(gwSrv.Client())
	cl := cluster.New(clSrv.URL).WithHTTPClient(clSrv.Client())
	st := newTestStore(t)
	o := New(gw, cl, st)
	o.PausePollInterval = 5 * time.Millisecond
	o.PausePollTimeout = 2 * time.Second
	return o
}

// S1: an empty statement batch is a no-op success, not an error.
func TestExecuteSQL_EmptyInputIsNoopSuccess(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, _ := newClusterFake(t)
	defer clSrv.Close()

	o := newTestOrchestrator(t, gwSrv, clSrv)
	result, err := o.ExecuteSQL(context.Background(), ExecuteSQLRequest{SQLText: "   "})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.JobID)
	assert.Empty(t, result.Statements)
}

// S4: pausing a job in a terminal cluster state is refused with
// PRECONDITION and never creates a snapshot row.
func TestPause_TerminalJobRefusedWithNoSnapshotRow(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-1", cluster.JobFinished, nil)

	o := newTestOrchestrator(t, gwSrv, clSrv)
	_, err := o.Pause(context.Background(), PauseRequest{JobID: "job-1"})
	require.Error(t, err)
	kind, ok := ctlerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.Precondition, kind)

	latest, getErr := o.st.GetLatestForJob(context.Background(), "job-1")
	require.NoError(t, getErr)
	assert.Nil(t, latest)
}

// S6: a clean pause triggers one snapshot, polls it from IN_PROGRESS to
// COMPLETED, cancels the job exactly once, and reports the final path.
func TestPause_SucceedsAfterPollingToCompletion(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-1", cluster.JobRunning, nil)
	cl.setSnapshotSequence("R1",
		clusterSnapStatus{status: cluster.SnapshotRequestInProgress},
		clusterSnapStatus{status: cluster.SnapshotRequestCompleted, location: "s3://bucket/sp-1"},
	)

	o := newTestOrchestrator(t, gwSrv, clSrv)
	result, err := o.Pause(context.Background(), PauseRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/sp-1", result.Path)
	assert.Equal(t, 1, cl.cancels())

	latest, getErr := o.st.GetLatestForJob(context.Background(), "job-1")
	require.NoError(t, getErr)
	require.NotNil(t, latest)
	assert.Equal(t, store.SnapshotCompleted, latest.SnapshotStatus)
	assert.Equal(t, "s3://bucket/sp-1", latest.SnapshotPath)
}

// S7: resume preflight refuses a snapshot whose path is still in use by a
// running job, and still leaves a FAILED ResumeEvent row behind.
func TestResumeFromSnapshotId_ConflictLeavesFailedResumeEvent(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-2", cluster.JobRunning, map[string]string{"execution.savepoint.path": "s3://bucket/sp-1"})

	o := newTestOrchestrator(t, gwSrv, clSrv)
	ctx := context.Background()

	snapID, err := o.st.CreateSnapshotRecord(ctx, "job-1", "my-job", store.SnapshotPause, nil, nil)
	require.NoError(t, err)
	require.NoError(t, o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotCompleted, store.StatusPatch{
		Path: strPtr("s3://bucket/sp-1"),
	}))

	_, err = o.ResumeFromSnapshotId(ctx, ResumeFromSnapshotRequest{SnapshotID: snapID, SQLText: "SELECT 1;"})
	require.Error(t, err)
	kind, ok := ctlerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.Conflict, kind)

	// the STARTED row created before the conflict check must exist and be
	// FAILED, not silently missing.
	snap, snapErr := o.st.GetSnapshotByID(ctx, snapID)
	require.NoError(t, snapErr)
	require.NotNil(t, snap)
	recent, listErr := o.st.ListRecentStartedResumeEvents(ctx, snap.SnapshotPath, time.Now().Add(-time.Hour))
	require.NoError(t, listErr)
	assert.Empty(t, recent, "conflict must not leave a STARTED resume event behind")

	// this is the first resume event in a fresh store, so its id is 1.
	ev, evErr := o.st.GetResumeEventByID(ctx, 1)
	require.NoError(t, evErr)
	require.NotNil(t, ev, "conflict must leave a resume event behind")
	assert.Equal(t, store.ResumeFailed, ev.Status)
}

// S8: strict ${VAR} substitution failure is caught before any HTTP call
// reaches the gateway or cluster.
func TestResumeFromSnapshotId_MissingEnvMakesNoHTTPCall(t *testing.T) {
	gwSrv, gw := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()

	o := newTestOrchestrator(t, gwSrv, clSrv)
	ctx := context.Background()

	snapID, err := o.st.CreateSnapshotRecord(ctx, "job-1", "my-job", store.SnapshotPause, nil, nil)
	require.NoError(t, err)
	require.NoError(t, o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotCompleted, store.StatusPatch{
		Path: strPtr("s3://bucket/sp-1"),
	}))

	_, err = o.ResumeFromSnapshotId(ctx, ResumeFromSnapshotRequest{
		SnapshotID: snapID,
		SQLText:    "INSERT INTO sink SELECT * FROM ${SOURCE_TABLE};",
		Env:        map[string]string{},
	})
	require.Error(t, err)
	kind, ok := ctlerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.MissingEnv, kind)
	assert.Equal(t, 0, gw.requests())
	assert.Equal(t, 0, cl.requests())
}

// Invariant: a completed resume event's completedAt is never before its
// createdAt.
func TestResumeFromSnapshotId_SuccessRecordsOrderedTimestamps(t *testing.T) {
	gwSrv, gw := newGatewayFake(t, "job-2-resumed")
	defer gwSrv.Close()
	clSrv, _ := newClusterFake(t)
	defer clSrv.Close()

	o := newTestOrchestrator(t, gwSrv, clSrv)
	ctx := context.Background()

	snapID, err := o.st.CreateSnapshotRecord(ctx, "job-1", "my-job", store.SnapshotPause, nil, nil)
	require.NoError(t, err)
	require.NoError(t, o.st.UpdateSnapshotStatus(ctx, snapID, store.SnapshotCompleted, store.StatusPatch{
		Path: strPtr("s3://bucket/sp-1"),
	}))

	result, err := o.ResumeFromSnapshotId(ctx, ResumeFromSnapshotRequest{SnapshotID: snapID, SQLText: "SELECT 1;"})
	require.NoError(t, err)
	assert.Equal(t, "job-2-resumed", result.NewJobID)
	assert.True(t, gw.anyStatementContains("s3://bucket/sp-1"))

	ev, evErr := o.st.GetResumeEventByID(ctx, result.ResumeEventID)
	require.NoError(t, evErr)
	require.NotNil(t, ev)
	require.NotNil(t, ev.CompletedAt)
	assert.False(t, ev.CompletedAt.Before(ev.CreatedAt))
	assert.Equal(t, store.ResumeCompleted, ev.Status)
}

// Pause then ResumeFromSnapshotId replay the same savepoint path into the
// submitted statement.
func TestPauseThenResume_SubmitsMatchingSavepointPath(t *testing.T) {
	gwSrv, gw := newGatewayFake(t, "job-1-resumed")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-1", cluster.JobRunning, nil)
	cl.setSnapshotSequence("R1",
		clusterSnapStatus{status: cluster.SnapshotRequestCompleted, location: "s3://bucket/sp-final"},
	)

	o := newTestOrchestrator(t, gwSrv, clSrv)
	ctx := context.Background()

	pauseResult, err := o.Pause(ctx, PauseRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/sp-final", pauseResult.Path)

	resumeResult, err := o.ResumeFromSnapshotId(ctx, ResumeFromSnapshotRequest{
		SnapshotID: pauseResult.SnapshotID,
		SQLText:    "INSERT INTO sink SELECT * FROM source;",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1-resumed", resumeResult.NewJobID)
	assert.True(t, gw.anyStatementContains(fmt.Sprintf("'%s'", pauseResult.Path)))
}

// Sync discovers each untracked cluster job once; a second pass reconciles
// the same jobs instead of creating more rows, and each job keeps a
// latest row.
func TestSync_DiscoversNewJobsAndKeepsOneLatestEach(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-1", cluster.JobRunning, nil)
	cl.setJob("job-2", cluster.JobRunning, nil)

	o := newTestOrchestrator(t, gwSrv, clSrv)
	ctx := context.Background()

	result, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Discovered)
	assert.Equal(t, 0, result.Reconciled)

	result2, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result2.Discovered)
	assert.Equal(t, 2, result2.Reconciled)

	for _, jobID := range []string{"job-1", "job-2"} {
		latest, getErr := o.st.GetLatestForJob(ctx, jobID)
		require.NoError(t, getErr)
		require.NotNil(t, latest)
		assert.True(t, latest.IsLatest)
	}
}

// A job that disappears from the cluster keeps its local row (never
// deleted) but gets its metadata updated to say the cluster lost it.
func TestSync_MarksLocalRowStaleWhenJobLeavesCluster(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-1", cluster.JobRunning, nil)

	o := newTestOrchestrator(t, gwSrv, clSrv)
	ctx := context.Background()

	result, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discovered)
	assert.Equal(t, 0, result.Stale)

	cl.removeJob("job-1")
	result2, err := o.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result2.Discovered)
	assert.Equal(t, 1, result2.Stale)

	latest, getErr := o.st.GetLatestForJob(ctx, "job-1")
	require.NoError(t, getErr)
	require.NotNil(t, latest, "a stale row must still exist, never deleted")
	assert.Equal(t, string(cluster.JobNotFound), latest.Metadata[store.MetaClusterState])
}

// A stop-with-snapshot pause takes requestID from the cluster's PATCH
// response and skips the separate CancelJob call once the snapshot
// completes, since the stop request already terminates the job.
func TestPause_StopWithSnapshotSkipsSeparateCancel(t *testing.T) {
	gwSrv, _ := newGatewayFake(t, "")
	defer gwSrv.Close()
	clSrv, cl := newClusterFake(t)
	defer clSrv.Close()
	cl.setJob("job-1", cluster.JobRunning, nil)
	cl.setSnapshotSequence("stop-req",
		clusterSnapStatus{status: cluster.SnapshotRequestCompleted, location: "s3://bucket/sp-stop"},
	)

	o := newTestOrchestrator(t, gwSrv, clSrv)
	result, err := o.Pause(context.Background(), PauseRequest{JobID: "job-1", Stop: true})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/sp-stop", result.Path)
	assert.Equal(t, 0, cl.cancels())

	latest, getErr := o.st.GetLatestForJob(context.Background(), "job-1")
	require.NoError(t, getErr)
	require.NotNil(t, latest)
	assert.Equal(t, store.SnapshotStopWithSnapshot, latest.SnapshotType)
	assert.Equal(t, store.SnapshotCompleted, latest.SnapshotStatus)
	assert.NotEmpty(t, latest.Metadata[store.MetaStoppedAt])
	assert.NotEmpty(t, latest.Metadata[store.MetaCompletedAt])
}

func strPtr(s string) *string { return &s }
