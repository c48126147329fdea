// Package store persists trace snapshots and job submissions in the
// local SQLite database so the dashboard and CLI can answer quickly
// without a round-trip to the orchestrator.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/trace"
)

// DefaultListLimit bounds list queries when the caller does not give one.
const DefaultListLimit = 50

// CachedTrace is a locally cached snapshot of an orchestrator trace.
type CachedTrace struct {
	TraceID        string          `json:"trace_id"`
	SOPName        string          `json:"sop_name"`
	Status         string          `json:"status"`
	ExecutionCount int             `json:"execution_count"`
	Snapshot       json.RawMessage `json:"snapshot"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Decode rebuilds the trace from the stored snapshot.
func (ct *CachedTrace) Decode() (*trace.Trace, error) {
	var t trace.Trace
	if err := json.Unmarshal(ct.Snapshot, &t); err != nil {
		return nil, errors.Wrap(err, "failed to decode cached trace snapshot")
	}
	t.Normalize()
	return &t, nil
}

// Summary projects the indexed columns into a trace summary without
// decoding the snapshot. Start and end times stay empty; callers that
// need them pay for Decode.
func (ct *CachedTrace) Summary() trace.TraceSummary {
	return trace.TraceSummary{
		ID:             ct.TraceID,
		SOPName:        ct.SOPName,
		Status:         trace.Status(ct.Status),
		ExecutionCount: ct.ExecutionCount,
	}
}

// Submission records a job submitted through this client, keyed by the
// idempotency key sent to the orchestrator.
type Submission struct {
	SubmissionKey string    `json:"submission_key"`
	JobID         string    `json:"job_id"`
	SOPName       string    `json:"sop_name"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Store handles persistence of cached traces and submissions.
type Store struct {
	db *sql.DB
}

// New creates a store backed by the given database connection.
func New(database *sql.DB) *Store {
	return &Store{db: database}
}

// SaveTrace upserts a snapshot of the trace. When raw is nil the trace
// itself is marshaled, otherwise raw is stored verbatim so the cached
// bytes match what the orchestrator sent.
func (s *Store) SaveTrace(ctx context.Context, t *trace.Trace, raw []byte) error {
	if t == nil {
		return errors.NewInvalidRequestError("trace is required")
	}
	if t.ID == "" {
		return errors.NewInvalidRequestError("trace ID is required")
	}

	snapshot := raw
	if snapshot == nil {
		var err error
		snapshot, err = json.Marshal(t)
		if err != nil {
			return errors.Wrap(err, "failed to marshal trace snapshot")
		}
	}

	query := `
		INSERT INTO cached_traces (trace_id, sop_name, status, execution_count, snapshot, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			sop_name = excluded.sop_name,
			status = excluded.status,
			execution_count = excluded.execution_count,
			snapshot = excluded.snapshot,
			fetched_at = excluded.fetched_at
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.SOPName, t.Status, len(t.Executions), snapshot, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to save cached trace")
	}
	return nil
}

// GetTrace returns the cached snapshot for a trace ID.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*CachedTrace, error) {
	if traceID == "" {
		return nil, errors.NewInvalidRequestError("trace ID is required")
	}

	query := `
		SELECT trace_id, sop_name, status, execution_count, snapshot, fetched_at
		FROM cached_traces
		WHERE trace_id = ?
	`
	var ct CachedTrace
	err := s.db.QueryRowContext(ctx, query, traceID).Scan(
		&ct.TraceID, &ct.SOPName, &ct.Status, &ct.ExecutionCount, &ct.Snapshot, &ct.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("trace %s not cached", traceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get cached trace")
	}
	return &ct, nil
}

// ListRecent returns cached traces newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]CachedTrace, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT trace_id, sop_name, status, execution_count, snapshot, fetched_at
		FROM cached_traces
		ORDER BY fetched_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cached traces")
	}
	defer rows.Close()

	var traces []CachedTrace
	for rows.Next() {
		var ct CachedTrace
		if err := rows.Scan(&ct.TraceID, &ct.SOPName, &ct.Status, &ct.ExecutionCount, &ct.Snapshot, &ct.FetchedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan cached trace")
		}
		traces = append(traces, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate cached traces")
	}
	return traces, nil
}

// Prune deletes cached traces older than the given age and reports how
// many rows were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.NewInvalidRequestError("prune age must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM cached_traces WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune cached traces")
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pruned traces")
	}
	return removed, nil
}

// RecordSubmission upserts a submission record by submission key.
func (s *Store) RecordSubmission(ctx context.Context, sub Submission) error {
	if sub.SubmissionKey == "" {
		return errors.NewInvalidRequestError("submission key is required")
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO submissions (submission_key, job_id, sop_name, submitted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(submission_key) DO UPDATE SET
			job_id = excluded.job_id,
			sop_name = excluded.sop_name,
			submitted_at = excluded.submitted_at
	`
	_, err := s.db.ExecContext(ctx, query, sub.SubmissionKey, sub.JobID, sub.SOPName, sub.SubmittedAt)
	if err != nil {
		return errors.Wrap(err, "failed to record submission")
	}
	return nil
}

// ListSubmissions returns recorded submissions newest first.
func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT submission_key, job_id, sop_name, submitted_at
		FROM submissions
		ORDER BY submitted_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list submissions")
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.SubmissionKey, &sub.JobID, &sub.SOPName, &sub.SubmittedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan submission")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate submissions")
	}
	return subs, nil
}
