package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/ostrane/tracedeck/errors"
)

// Job lifecycle states as the orchestrator reports them.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobPaused    = "paused"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// List limits for ListJobs.
const (
	DefaultJobListLimit = 50
	MaxJobListLimit     = 200
)

// Job is the orchestrator's job resource as the dashboard sees it. The
// backend owns the lifecycle; TraceDeck only submits, lists, and cancels.
type Job struct {
	ID          string      `json:"id"`
	SOPName     string      `json:"sop_name"`
	Status      string      `json:"status"`
	Progress    JobProgress `json:"progress"`
	SubmittedAt string      `json:"submitted_at,omitempty"`
	StartedAt   string      `json:"started_at,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	TraceID     string      `json:"trace_id,omitempty"`
}

// JobProgress counts completed steps against the known total. Total is zero
// while the backend has not sized the job yet.
type JobProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// IsTerminal reports whether the job can change no further.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// SubmitJobRequest describes a job submission. CommandLine, when present, is
// split shell-style into an argument vector before it goes on the wire. An
// empty SubmissionKey gets a fresh UUID so retries stay idempotent.
type SubmitJobRequest struct {
	SOPName       string
	Parameters    map[string]string
	CommandLine   string
	SubmissionKey string
}

type submitJobPayload struct {
	SOPName       string            `json:"sop_name"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Args          []string          `json:"args,omitempty"`
	SubmissionKey string            `json:"submission_key"`
}

// LogEntry is one line of a job's execution log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ListJobsOptions filters ListJobs. Zero values mean no status filter and
// the default limit.
type ListJobsOptions struct {
	Status string
	Limit  int
}

// SubmitJob submits an SOP run to the orchestrator.
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*Job, error) {
	if req.SOPName == "" {
		return nil, errors.NewInvalidRequestError("sop name must not be empty")
	}

	var args []string
	if req.CommandLine != "" {
		split, err := shellquote.Split(req.CommandLine)
		if err != nil {
			return nil, errors.NewInvalidRequestError("invalid command line: %v", err)
		}
		args = split
	}

	key := req.SubmissionKey
	if key == "" {
		key = uuid.NewString()
	}

	payload := submitJobPayload{
		SOPName:       req.SOPName,
		Parameters:    req.Parameters,
		Args:          args,
		SubmissionKey: key,
	}

	var job Job
	if err := c.postJSON(ctx, "/api/jobs", payload, &job); err != nil {
		return nil, err
	}
	c.log.Infow("Job submitted",
		"job_id", job.ID,
		"sop", job.SOPName,
		"submission_key", key,
	)
	return &job, nil
}

// ListJobs fetches jobs, optionally filtered by status. The limit defaults
// to 50 and is clamped to 200.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultJobListLimit
	}
	if limit > MaxJobListLimit {
		limit = MaxJobListLimit
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}

	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/api/jobs?"+query.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, errors.NewInvalidRequestError("job id must not be empty")
	}
	var job Job
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob asks the orchestrator to cancel a job. Cancelling an already
// terminal job is not an error on the backend.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.NewInvalidRequestError("job id must not be empty")
	}
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), nil, nil)
}

// JobLogs fetches up to limit recent log entries for a job, oldest first.
func (c *Client) JobLogs(ctx context.Context, jobID string, limit int) ([]LogEntry, error) {
	if jobID == "" {
		return nil, errors.NewInvalidRequestError("job id must not be empty")
	}
	path := "/api/jobs/" + url.PathEscape(jobID) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Logs []LogEntry `json:"logs"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// JobContext fetches the job's accumulated execution context as raw JSON;
// the dashboard renders it without interpreting the shape.
func (c *Client) JobContext(ctx context.Context, jobID string) (json.RawMessage, error) {
	if jobID == "" {
		return nil, errors.NewInvalidRequestError("job id must not be empty")
	}
	var out struct {
		Context json.RawMessage `json:"context"`
	}
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/context", &out); err != nil {
		return nil, err
	}
	return out.Context, nil
}
