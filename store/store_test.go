package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrane/tracedeck/errors"
	decktest "github.com/ostrane/tracedeck/internal/testing"
	"github.com/ostrane/tracedeck/trace"
)

func testTrace(id string, status trace.Status, executions int) *trace.Trace {
	t := &trace.Trace{
		ID:      id,
		SOPName: "deploy-service",
		Status:  status,
	}
	for i := 0; i < executions; i++ {
		t.Executions = append(t.Executions, trace.TaskExecution{
			ExecutionID: fmt.Sprintf("%s-exec-%d", id, i),
			Description: "step",
			Status:      trace.StatusCompleted,
		})
	}
	return t
}

func TestSaveAndGetTrace(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	tr := testTrace("tr-save", trace.StatusRunning, 2)
	require.NoError(t, s.SaveTrace(ctx, tr, nil))

	got, err := s.GetTrace(ctx, "tr-save")
	require.NoError(t, err)
	assert.Equal(t, "tr-save", got.TraceID)
	assert.Equal(t, "deploy-service", got.SOPName)
	assert.Equal(t, string(trace.StatusRunning), got.Status)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.WithinDuration(t, time.Now(), got.FetchedAt, 5*time.Second)

	decoded, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, "tr-save", decoded.ID)
	assert.Len(t, decoded.Executions, 2)
}

func TestSaveTraceUpsert(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	require.NoError(t, s.SaveTrace(ctx, testTrace("tr-up", trace.StatusRunning, 1), nil))
	require.NoError(t, s.SaveTrace(ctx, testTrace("tr-up", trace.StatusCompleted, 3), nil))

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM cached_traces`).Scan(&count))
	assert.Equal(t, 1, count)

	got, err := s.GetTrace(ctx, "tr-up")
	require.NoError(t, err)
	assert.Equal(t, string(trace.StatusCompleted), got.Status)
	assert.Equal(t, 3, got.ExecutionCount)
}

func TestSaveTraceStoresRawVerbatim(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	// Raw bytes carry fields our Trace struct does not model. They must
	// survive the cache untouched.
	raw := []byte(`{"id":"tr-raw","status":"completed","executions":[],"engine_extra":42}`)
	tr := testTrace("tr-raw", trace.StatusCompleted, 0)
	require.NoError(t, s.SaveTrace(ctx, tr, raw))

	got, err := s.GetTrace(ctx, "tr-raw")
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(got.Snapshot))
}

func TestSaveTraceValidation(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	err := s.SaveTrace(ctx, nil, nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = s.SaveTrace(ctx, &trace.Trace{}, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestGetTraceNotFound(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)

	_, err := s.GetTrace(context.Background(), "tr-missing")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = s.GetTrace(context.Background(), "")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestListRecentNewestFirst(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"tr-old", "tr-mid", "tr-new"} {
		require.NoError(t, s.SaveTrace(ctx, testTrace(id, trace.StatusCompleted, 1), nil))
		_, err := conn.Exec(`UPDATE cached_traces SET fetched_at = ? WHERE trace_id = ?`,
			now.Add(time.Duration(i-2)*time.Hour), id)
		require.NoError(t, err)
	}

	traces, err := s.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, "tr-new", traces[0].TraceID)
	assert.Equal(t, "tr-mid", traces[1].TraceID)
	assert.Equal(t, "tr-old", traces[2].TraceID)

	limited, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "tr-new", limited[0].TraceID)
}

func TestPrune(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	now := time.Now().UTC()
	ages := map[string]time.Duration{
		"tr-fresh":   10 * time.Minute,
		"tr-stale":   48 * time.Hour,
		"tr-ancient": 30 * 24 * time.Hour,
	}
	for id, age := range ages {
		require.NoError(t, s.SaveTrace(ctx, testTrace(id, trace.StatusCompleted, 1), nil))
		_, err := conn.Exec(`UPDATE cached_traces SET fetched_at = ? WHERE trace_id = ?`,
			now.Add(-age), id)
		require.NoError(t, err)
	}

	removed, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	traces, err := s.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "tr-fresh", traces[0].TraceID)

	_, err = s.Prune(ctx, 0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRecordAndListSubmissions(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.RecordSubmission(ctx, Submission{
		SubmissionKey: "key-a",
		JobID:         "job-1",
		SOPName:       "deploy-service",
		SubmittedAt:   now.Add(-time.Hour),
	}))
	require.NoError(t, s.RecordSubmission(ctx, Submission{
		SubmissionKey: "key-b",
		JobID:         "job-2",
		SOPName:       "rotate-keys",
		SubmittedAt:   now,
	}))

	subs, err := s.ListSubmissions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "key-b", subs[0].SubmissionKey)
	assert.Equal(t, "job-2", subs[0].JobID)
	assert.Equal(t, "key-a", subs[1].SubmissionKey)
}

func TestRecordSubmissionUpsert(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)
	ctx := context.Background()

	// Same key recorded twice: a retried submit that finally got a job ID.
	require.NoError(t, s.RecordSubmission(ctx, Submission{SubmissionKey: "key-r", SOPName: "deploy-service"}))
	require.NoError(t, s.RecordSubmission(ctx, Submission{SubmissionKey: "key-r", JobID: "job-9", SOPName: "deploy-service"}))

	subs, err := s.ListSubmissions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "job-9", subs[0].JobID)
	assert.False(t, subs[0].SubmittedAt.IsZero())
}

func TestRecordSubmissionValidation(t *testing.T) {
	conn := decktest.CreateMigratedTestDB(t)
	s := New(conn)

	err := s.RecordSubmission(context.Background(), Submission{JobID: "job-1"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSaveTraceDatabaseError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec(`INSERT INTO cached_traces`).
		WillReturnError(assert.AnError)

	s := New(mockDB)
	err = s.SaveTrace(context.Background(), testTrace("tr-x", trace.StatusRunning, 0), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save cached trace")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentDatabaseError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT (.+) FROM cached_traces`).
		WillReturnError(assert.AnError)

	s := New(mockDB)
	_, err = s.ListRecent(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list cached traces")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedTraceDecodeInvalidSnapshot(t *testing.T) {
	ct := &CachedTrace{Snapshot: json.RawMessage(`{not json`)}
	_, err := ct.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode cached trace snapshot")
}
