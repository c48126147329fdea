package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/internal/httpclient"
	"github.com/ostrane/tracedeck/trace"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		HTTPClient: httpclient.WrapClient(srv.Client()),
	})
}

func TestGetTraceDecodesOutputs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/traces/tr-1", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "tr-1",
			"sop_name": "deploy",
			"status": "completed",
			"started_at": "2026-01-10T12:00:00Z",
			"executions": [{
				"execution_id": "e1",
				"description": "run build",
				"status": "completed",
				"started_at": "2026-01-10T12:00:01Z",
				"phases": {
					"tool_execution": {
						"status": "completed",
						"tool_name": "sh",
						"output": {"stdout": "ok\n", "exit_code": 0}
					}
				}
			}]
		}`)
	}))

	got, err := c.GetTrace(context.Background(), "tr-1")
	require.NoError(t, err)
	require.Equal(t, "tr-1", got.ID)
	require.Len(t, got.Executions, 1)

	out := got.Executions[0].Phases.ToolExecution.Output
	assert.Equal(t, trace.OutputCLI, out.Kind)
	require.NotNil(t, out.CLI)
	assert.Equal(t, "ok\n", out.CLI.Stdout)
}

func TestGetTraceNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "trace not found", http.StatusNotFound)
	}))

	_, err := c.GetTrace(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetTraceEmptyID(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.GetTrace(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Zero(t, hits.Load(), "validation failures must not reach the wire")
}

func TestListTraces(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/traces", r.URL.Path)
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"traces":[{"id":"tr-2","sop_name":"deploy","status":"running"}]}`)
	}))

	got, err := c.ListTraces(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tr-2", got[0].ID)
}

func TestSubmitJob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/jobs", r.URL.Path)

		var payload submitJobPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "deploy-service", payload.SOPName)
		assert.Equal(t, []string{"--env", "prod", "release 1.2"}, payload.Args)
		_, err := uuid.Parse(payload.SubmissionKey)
		assert.NoError(t, err, "submission key must be a UUID")

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"job-9","sop_name":"deploy-service","status":"queued"}`)
	}))

	job, err := c.SubmitJob(context.Background(), SubmitJobRequest{
		SOPName:     "deploy-service",
		CommandLine: `--env prod "release 1.2"`,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-9", job.ID)
	assert.Equal(t, JobQueued, job.Status)
	assert.False(t, job.IsTerminal())
}

func TestSubmitJobRejectsBadCommandLine(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.SubmitJob(context.Background(), SubmitJobRequest{
		SOPName:     "deploy",
		CommandLine: `--flag "unterminated`,
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Zero(t, hits.Load())
}

func TestSubmitJobRequiresSOPName(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := c.SubmitJob(context.Background(), SubmitJobRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestListJobsQuery(t *testing.T) {
	tests := []struct {
		name       string
		opts       ListJobsOptions
		wantLimit  string
		wantStatus string
	}{
		{name: "defaults", opts: ListJobsOptions{}, wantLimit: "50"},
		{name: "clamped", opts: ListJobsOptions{Limit: 1000}, wantLimit: "200"},
		{name: "status filter", opts: ListJobsOptions{Status: JobRunning, Limit: 5}, wantLimit: "5", wantStatus: "running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantLimit, r.URL.Query().Get("limit"))
				assert.Equal(t, tt.wantStatus, r.URL.Query().Get("status"))
				io.WriteString(w, `{"jobs":[]}`)
			}))

			_, err := c.ListJobs(context.Background(), tt.opts)
			require.NoError(t, err)
		})
	}
}

func TestCancelJob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/jobs/job-3", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.CancelJob(context.Background(), "job-3"))
}

func TestJobLogs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/jobs/job-3/logs", r.URL.Path)
		require.Equal(t, "25", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"logs":[{"timestamp":"2026-01-10T12:00:00Z","level":"info","message":"step 1 done"}]}`)
	}))

	logs, err := c.JobLogs(context.Background(), "job-3", 25)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "step 1 done", logs[0].Message)
}

func TestJobContextPassesRawJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"context":{"artifacts":["a.tar"],"attempt":2}}`)
	}))

	raw, err := c.JobContext(context.Background(), "job-3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifacts":["a.tar"],"attempt":2}`, string(raw))
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		io.WriteString(w, `{"status":"ok","version":"1.4.0","uptime_seconds":3600,"active_jobs":2}`)
	}))

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", h.Version)
	assert.Equal(t, 2, h.ActiveJobs)
}

func TestCheckCompat(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{version: "1.2.3"},
		{version: "v1.0.0"},
		{version: "0.9.0"},
		{version: "0.8.9", wantErr: true},
		{version: "not-a-version", wantErr: true},
		{version: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("version "+tt.version, func(t *testing.T) {
			err := CheckCompat(&BackendHealth{Version: tt.version})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
	require.Error(t, CheckCompat(nil))
}

func TestBackendUnavailableSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := New(Config{BaseURL: srv.URL, HTTPClient: httpclient.WrapClient(srv.Client())})
	srv.Close()

	_, err := c.ListTraces(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.IsBackendUnavailableError(err))
}

func TestServerErrorMapsToBackendUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := c.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, errors.IsBackendUnavailableError(err))
}
