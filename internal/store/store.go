package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"pipegen/internal/ctlerr"
	logpkg "pipegen/internal/log"
)

// Store is the embedded relational store backing the snapshots and
// resume_events tables. SQLite is single-writer, so every write path is
// additionally serialized behind mu; readers rely on the driver's own
// locking.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger logpkg.Logger
	clock  func() time.Time
}

// Open opens (creating if necessary) the store at dbPath. Pass ":memory:"
// for an ephemeral in-process store, used by tests.
func Open(dbPath string) (*Store, error) {
	var connStr string
	if dbPath == ":memory:" {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, ctlerr.Wrap(ctlerr.Store, "failed to create database directory", err)
			}
		}
		connStr = dbPath + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to open database", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to reach database", err)
	}

	s := &Store{
		db:     db,
		logger: logpkg.WithComponent(logpkg.Global(), "store"),
		clock:  time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id          TEXT NOT NULL,
		job_name        TEXT NOT NULL DEFAULT '',
		snapshot_path   TEXT NOT NULL,
		snapshot_type   TEXT NOT NULL,
		snapshot_status TEXT NOT NULL,
		sql_content     TEXT,
		request_id      TEXT NOT NULL DEFAULT '',
		is_latest       INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_job_id ON snapshots(job_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_is_latest ON snapshots(is_latest);
	CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(snapshot_status);

	CREATE TABLE IF NOT EXISTS resume_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id     INTEGER REFERENCES snapshots(id),
		original_job_id TEXT NOT NULL,
		new_job_id      TEXT,
		snapshot_path   TEXT NOT NULL,
		sql_file_path   TEXT NOT NULL,
		status          TEXT NOT NULL,
		error_message   TEXT,
		created_at      TEXT NOT NULL,
		completed_at    TEXT,
		metadata        TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_resume_events_snapshot_id ON resume_events(snapshot_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to migrate database", err)
	}
	return nil
}

// CreateSnapshotRecord flips any existing isLatest row for jobId to false
// and inserts a new IN_PROGRESS row with the RUNNING_JOB placeholder path.
// sqlContent is optional and is recorded so a later Resume can replay the
// statements that started the job. metadata seeds the row's metadata
// column (e.g. MetaMethod identifying which intent created it); a nil or
// empty map leaves it at "{}".
func (s *Store) CreateSnapshotRecord(ctx context.Context, jobID, jobName string, snapType SnapshotType, sqlContent *string, metadata map[string]string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE snapshots SET is_latest = 0 WHERE job_id = ? AND is_latest = 1`, jobID); err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to clear prior latest flag", err)
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, ctlerr.Wrap(ctlerr.Store, "failed to encode snapshot metadata", err)
		}
		metaJSON = string(b)
	}

	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (job_id, job_name, snapshot_path, snapshot_type, snapshot_status, sql_content, request_id, is_latest, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, '', 1, ?, ?)`,
		jobID, jobName, RunningJobPlaceholder, string(snapType), string(SnapshotInProgress), sqlContent, now, metaJSON)
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to insert snapshot record", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to read inserted snapshot id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to commit snapshot record", err)
	}

	s.logger.Info("snapshot record created", "id", id, "job", jobID, "type", snapType)
	return id, nil
}

// UpdateSnapshotStatus atomically updates status and merges any supplied
// patch fields into the row's metadata.
func (s *Store) UpdateSnapshotStatus(ctx context.Context, id int64, status SnapshotStatus, patch StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentMetaJSON string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM snapshots WHERE id = ?`, id).Scan(&currentMetaJSON); err != nil {
		if err == sql.ErrNoRows {
			return ctlerr.New(ctlerr.Store, fmt.Sprintf("snapshot %d not found", id))
		}
		return ctlerr.Wrap(ctlerr.Store, "failed to read snapshot metadata", err)
	}

	merged := mergeMetadata(currentMetaJSON, patch.MetadataPatch)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to encode merged metadata", err)
	}

	requestID := ""
	if patch.RequestID != nil {
		requestID = *patch.RequestID
	}
	path := ""
	if patch.Path != nil {
		path = *patch.Path
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE snapshots SET
			snapshot_status = ?,
			request_id = CASE WHEN ? <> '' THEN ? ELSE request_id END,
			snapshot_path = CASE WHEN ? <> '' THEN ? ELSE snapshot_path END,
			metadata = ?
		WHERE id = ?`,
		string(status), requestID, requestID, path, path, string(mergedJSON), id)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to update snapshot status", err)
	}
	if err := tx.Commit(); err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to commit snapshot status update", err)
	}
	return nil
}

// GetLatestForJob returns the isLatest row for jobId, applying the
// staleness sweep: an IN_PROGRESS row older than 5 minutes is transitioned
// to FAILED before being returned.
func (s *Store) GetLatestForJob(ctx context.Context, jobID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.queryOneLatest(ctx, jobID)
	if err != nil || row == nil {
		return row, err
	}

	if row.SnapshotStatus == SnapshotInProgress && s.clock().Sub(row.CreatedAt) > staleAfter {
		if err := s.markFailedLocked(ctx, row.ID, "stale in-progress sweep"); err != nil {
			return nil, err
		}
		return s.queryOneLatest(ctx, jobID)
	}
	return row, nil
}

func (s *Store) queryOneLatest(ctx context.Context, jobID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, job_name, snapshot_path, snapshot_type, snapshot_status, sql_content, request_id, is_latest, created_at, metadata
		FROM snapshots WHERE job_id = ? AND is_latest = 1`, jobID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to query latest snapshot", err)
	}
	return snap, nil
}

// markFailedLocked transitions a snapshot to FAILED with an explanatory
// metadata entry. Caller must already hold s.mu.
func (s *Store) markFailedLocked(ctx context.Context, id int64, reason string) error {
	var currentMetaJSON string
	if err := s.db.QueryRowContext(ctx, `SELECT metadata FROM snapshots WHERE id = ?`, id).Scan(&currentMetaJSON); err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to read snapshot metadata during sweep", err)
	}
	merged := mergeMetadata(currentMetaJSON, map[string]string{MetaFailedAt: s.clock().UTC().Format(time.RFC3339Nano), MetaError: reason})
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to encode swept metadata", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE snapshots SET snapshot_status = ?, metadata = ? WHERE id = ?`, string(SnapshotFailed), string(mergedJSON), id); err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to sweep stale snapshot", err)
	}
	s.logger.Warn("swept stale in-progress snapshot", "id", id, "reason", reason)
	return nil
}

// GetSnapshotByID is a plain read by primary key, used by
// ResumeFromSnapshotId which addresses an explicit snapshot rather than a
// job's latest. It is not one of the six mutation-path operations but
// readers may query the store freely.
func (s *Store) GetSnapshotByID(ctx context.Context, id int64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, job_name, snapshot_path, snapshot_type, snapshot_status, sql_content, request_id, is_latest, created_at, metadata
		FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to query snapshot by id", err)
	}
	return snap, nil
}

// ListCompletedSnapshots is a plain read used by ListResumable to find
// every COMPLETED row regardless of isLatest, since a job's resumable
// snapshot may not be the current latest for that job once superseded: a
// later Pause on the same job flips an older COMPLETED row's isLatest to
// false, but that row remains a spec-valid, resumable snapshot and is
// never deleted.
func (s *Store) ListCompletedSnapshots(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, job_name, snapshot_path, snapshot_type, snapshot_status, sql_content, request_id, is_latest, created_at, metadata
		FROM snapshots WHERE snapshot_status = ?`, string(SnapshotCompleted))
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to list completed snapshots", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, ctlerr.Wrap(ctlerr.Store, "failed to scan completed snapshot row", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed iterating completed snapshots", err)
	}
	return out, nil
}

// ListLatestSnapshots returns every job's isLatest row, used by Sync to
// find local rows whose job the cluster no longer reports.
func (s *Store) ListLatestSnapshots(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, job_name, snapshot_path, snapshot_type, snapshot_status, sql_content, request_id, is_latest, created_at, metadata
		FROM snapshots WHERE is_latest = 1`)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to list latest snapshots", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, ctlerr.Wrap(ctlerr.Store, "failed to scan latest snapshot row", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed iterating latest snapshots", err)
	}
	return out, nil
}

// ListActiveSnapshots sweeps any stale IN_PROGRESS rows to FAILED, then
// returns the remaining IN_PROGRESS rows annotated with age.
func (s *Store) ListActiveSnapshots(ctx context.Context) ([]ActiveSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, job_name, snapshot_path, snapshot_type, snapshot_status, sql_content, request_id, is_latest, created_at, metadata
		FROM snapshots WHERE snapshot_status = ?`, string(SnapshotInProgress))
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to list active snapshots", err)
	}
	defer rows.Close()

	var candidates []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, ctlerr.Wrap(ctlerr.Store, "failed to scan active snapshot row", err)
		}
		candidates = append(candidates, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed iterating active snapshots", err)
	}

	var active []ActiveSnapshot
	now := s.clock()
	for _, snap := range candidates {
		age := now.Sub(snap.CreatedAt)
		if age > staleAfter {
			if err := s.markFailedLocked(ctx, snap.ID, "stale in-progress sweep"); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, ActiveSnapshot{Snapshot: *snap, Age: age, IsStale: false})
	}
	return active, nil
}

// CreateResumeEvent inserts a STARTED resume_events row.
func (s *Store) CreateResumeEvent(ctx context.Context, snapshotID int64, jobID, path, sqlFile string, metadata map[string]string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to encode resume event metadata", err)
	}
	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_events (snapshot_id, original_job_id, snapshot_path, sql_file_path, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snapshotID, jobID, path, sqlFile, string(ResumeStarted), now, string(metaJSON))
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to insert resume event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Store, "failed to read inserted resume event id", err)
	}
	return id, nil
}

// ListRecentStartedResumeEvents returns STARTED resume_events rows for
// path created since cutoff, used by Resume's preflight duplicate-attempt
// warning.
func (s *Store) ListRecentStartedResumeEvents(ctx context.Context, path string, cutoff time.Time) ([]*ResumeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, original_job_id, new_job_id, snapshot_path, sql_file_path, status, error_message, created_at, completed_at, metadata
		FROM resume_events WHERE snapshot_path = ? AND status = ? AND created_at >= ?`,
		path, string(ResumeStarted), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to list recent resume events", err)
	}
	defer rows.Close()

	var out []*ResumeEvent
	for rows.Next() {
		ev, err := scanResumeEventRows(rows)
		if err != nil {
			return nil, ctlerr.Wrap(ctlerr.Store, "failed to scan resume event row", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed iterating resume events", err)
	}
	return out, nil
}

// UpdateResumeEvent updates a resume_events row; terminal statuses set
// completedAt.
func (s *Store) UpdateResumeEvent(ctx context.Context, id int64, status ResumeEventStatus, patch ResumeEventPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentMetaJSON string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM resume_events WHERE id = ?`, id).Scan(&currentMetaJSON); err != nil {
		if err == sql.ErrNoRows {
			return ctlerr.New(ctlerr.Store, fmt.Sprintf("resume event %d not found", id))
		}
		return ctlerr.Wrap(ctlerr.Store, "failed to read resume event metadata", err)
	}
	merged := mergeMetadata(currentMetaJSON, patch.MetadataPatch)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to encode merged resume event metadata", err)
	}

	var completedAt sql.NullString
	if status == ResumeCompleted || status == ResumeFailed {
		completedAt = sql.NullString{String: s.clock().UTC().Format(time.RFC3339Nano), Valid: true}
	}

	newJobID := ""
	if patch.NewJobID != nil {
		newJobID = *patch.NewJobID
	}
	errMsg := ""
	if patch.ErrorMessage != nil {
		errMsg = *patch.ErrorMessage
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE resume_events SET
			status = ?,
			new_job_id = CASE WHEN ? <> '' THEN ? ELSE new_job_id END,
			error_message = CASE WHEN ? <> '' THEN ? ELSE error_message END,
			completed_at = COALESCE(?, completed_at),
			metadata = ?
		WHERE id = ?`,
		string(status), newJobID, newJobID, errMsg, errMsg, completedAt, string(mergedJSON), id)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to update resume event", err)
	}
	if err := tx.Commit(); err != nil {
		return ctlerr.Wrap(ctlerr.Store, "failed to commit resume event update", err)
	}
	return nil
}

// GetResumeEventByID is a plain read by primary key, used by callers that
// need to confirm a resume attempt's outcome after the fact.
func (s *Store) GetResumeEventByID(ctx context.Context, id int64) (*ResumeEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, snapshot_id, original_job_id, new_job_id, snapshot_path, sql_file_path, status, error_message, created_at, completed_at, metadata
		FROM resume_events WHERE id = ?`, id)
	ev, err := scanResumeEventRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Store, "failed to query resume event by id", err)
	}
	return ev, nil
}

func mergeMetadata(currentJSON string, patch map[string]string) map[string]string {
	merged := map[string]string{}
	if currentJSON != "" {
		_ = json.Unmarshal([]byte(currentJSON), &merged)
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	return scanSnapshotCommon(row)
}

func scanSnapshotRows(rows *sql.Rows) (*Snapshot, error) {
	return scanSnapshotCommon(rows)
}

func scanSnapshotCommon(row scanner) (*Snapshot, error) {
	var (
		snap        Snapshot
		sqlContent  sql.NullString
		createdAt   string
		metadataRaw string
		isLatestInt int
	)
	if err := row.Scan(&snap.ID, &snap.JobID, &snap.JobName, &snap.SnapshotPath, &snap.SnapshotType, &snap.SnapshotStatus,
		&sqlContent, &snap.RequestID, &isLatestInt, &createdAt, &metadataRaw); err != nil {
		return nil, err
	}
	if sqlContent.Valid {
		s := sqlContent.String
		snap.SQLContent = &s
	}
	snap.IsLatest = isLatestInt != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		snap.CreatedAt = t
	}
	snap.Metadata = map[string]string{}
	_ = json.Unmarshal([]byte(metadataRaw), &snap.Metadata)
	return &snap, nil
}

func scanResumeEventRows(row scanner) (*ResumeEvent, error) {
	var (
		ev          ResumeEvent
		newJobID    sql.NullString
		errMessage  sql.NullString
		createdAt   string
		completedAt sql.NullString
		metadataRaw string
	)
	if err := row.Scan(&ev.ID, &ev.SnapshotID, &ev.OriginalJobID, &newJobID, &ev.SnapshotPath, &ev.SQLFilePath,
		&ev.Status, &errMessage, &createdAt, &completedAt, &metadataRaw); err != nil {
		return nil, err
	}
	if newJobID.Valid {
		v := newJobID.String
		ev.NewJobID = &v
	}
	if errMessage.Valid {
		v := errMessage.String
		ev.ErrorMessage = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		ev.CreatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			ev.CompletedAt = &t
		}
	}
	ev.Metadata = map[string]string{}
	_ = json.Unmarshal([]byte(metadataRaw), &ev.Metadata)
	return &ev, nil
}
