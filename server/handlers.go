package server

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ostrane/tracedeck/client"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/store"
	"github.com/ostrane/tracedeck/trace"
	"github.com/ostrane/tracedeck/version"
)

func versionString() string {
	return version.Get().Version
}

// parseLimit reads an optional positive ?limit= parameter.
func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// handleHealth reports process health plus a bounded backend probe, so a
// dead orchestrator shows up as backend.reachable=false instead of
// failing the whole endpoint.
func (s *DashServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()

	memory := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		memory["system_total_bytes"] = vm.Total
		memory["system_used_percent"] = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			memory["rss_bytes"] = mi.RSS
		}
	}

	backend := map[string]interface{}{
		"url":       s.cfg.BackendURL(),
		"reachable": false,
	}
	ctx, cancel := context.WithTimeout(r.Context(), backendProbeTimeout)
	defer cancel()
	if h, err := s.backend.Health(ctx); err == nil {
		backend["reachable"] = true
		backend["version"] = h.Version
		backend["active_jobs"] = h.ActiveJobs
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        info.Version,
		"commit":         info.CommitHash,
		"build_time":     info.BuildTime,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        s.clientCount(),
		"followers":      s.FollowerCount(),
		"memory":         memory,
		"backend":        backend,
	})
}

// handleListTraces merges the orchestrator's recent traces with locally
// cached ones, backend entries winning on id. When the backend is down
// the cache alone answers, marked by source=cache.
func (s *DashServer) handleListTraces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := parseLimit(r, store.DefaultListLimit)

	summaries, backendErr := s.backend.ListTraces(ctx, limit)
	if backendErr == nil {
		if s.cache != nil {
			seen := make(map[string]bool, len(summaries))
			for _, t := range summaries {
				seen[t.ID] = true
			}
			cached, err := s.cache.ListRecent(ctx, limit)
			if err != nil {
				s.log.Warnw("Cache list failed", "error", err)
			}
			for _, ct := range cached {
				if !seen[ct.TraceID] {
					summaries = append(summaries, ct.Summary())
				}
			}
			if len(summaries) > limit {
				summaries = summaries[:limit]
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"traces": summaries,
			"source": "backend",
		})
		return
	}

	if s.cache != nil {
		cached, err := s.cache.ListRecent(ctx, limit)
		if err == nil {
			fallback := make([]trace.TraceSummary, 0, len(cached))
			for _, ct := range cached {
				fallback = append(fallback, ct.Summary())
			}
			s.log.Warnw("Serving trace list from cache, backend unreachable",
				"error", backendErr)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"traces": fallback,
				"source": "cache",
			})
			return
		}
	}
	s.writeDomainError(w, backendErr)
}

// loadTrace is the read-through path: cache hit wins unless refresh is
// set, misses and undecodable snapshots fall through to the backend, and
// fresh fetches are written back to the cache.
func (s *DashServer) loadTrace(ctx context.Context, traceID string, refresh bool) (*trace.Trace, error) {
	if !refresh && s.cache != nil {
		ct, err := s.cache.GetTrace(ctx, traceID)
		switch {
		case err == nil:
			t, derr := ct.Decode()
			if derr == nil {
				return t, nil
			}
			s.log.Warnw("Cached snapshot undecodable, refetching",
				"trace_id", traceID, "error", derr)
		case !errors.IsNotFoundError(err):
			s.log.Warnw("Cache read failed", "trace_id", traceID, "error", err)
		}
	}

	t, err := s.backend.GetTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if serr := s.cache.SaveTrace(ctx, t, nil); serr != nil {
			s.log.Warnw("Failed to cache trace", "trace_id", traceID, "error", serr)
		}
	}
	return t, nil
}

func (s *DashServer) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")
	refresh := r.URL.Query().Get("refresh") == "1"

	t, err := s.loadTrace(r.Context(), traceID, refresh)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// flatNode is one hierarchy row without children, for table renderings.
type flatNode struct {
	TaskID      string       `json:"task_id"`
	Description string       `json:"description"`
	Status      trace.Status `json:"status"`
	IsPending   bool         `json:"is_pending"`
	Level       int          `json:"level"`
	StartedAt   string       `json:"started_at,omitempty"`
}

type hierarchyResponse struct {
	TraceID   string            `json:"trace_id"`
	SOPName   string            `json:"sop_name,omitempty"`
	Status    trace.Status      `json:"status"`
	Roots     []*trace.TaskNode `json:"roots"`
	Flat      []flatNode        `json:"flat"`
	NodeCount int               `json:"node_count"`
}

func flattenForResponse(roots []*trace.TaskNode) []flatNode {
	nodes := trace.FlattenHierarchy(roots)
	flat := make([]flatNode, 0, len(nodes))
	for _, n := range nodes {
		flat = append(flat, flatNode{
			TaskID:      n.TaskID,
			Description: n.Description,
			Status:      n.Status,
			IsPending:   n.IsPending,
			Level:       n.Level,
			StartedAt:   n.StartedAt,
		})
	}
	return flat
}

// handleTraceHierarchy serves the merged executed-plus-pending forest,
// both nested and flattened in display order.
func (s *DashServer) handleTraceHierarchy(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")
	refresh := r.URL.Query().Get("refresh") == "1"

	t, err := s.loadTrace(r.Context(), traceID, refresh)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	pending := trace.DerivePendingTasks(t)
	roots := trace.BuildTaskHierarchy(t.Executions, pending)
	writeJSON(w, http.StatusOK, hierarchyResponse{
		TraceID:   t.ID,
		SOPName:   t.SOPName,
		Status:    t.Status,
		Roots:     roots,
		Flat:      flattenForResponse(roots),
		NodeCount: trace.CountNodes(roots),
	})
}

func (s *DashServer) handleFollowTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")
	sessionID, err := s.Follow(traceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"trace_id":   traceID,
		"session_id": sessionID,
	})
}

func (s *DashServer) handleUnfollowTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}
	if err := s.Unfollow(traceID, sessionID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"trace_id": traceID,
		"status":   "unfollowed",
	})
}

// sendSnapshot pushes the current hierarchy straight to one client,
// bypassing the hub and its change suppression.
func (s *DashServer) sendSnapshot(c *Client, traceID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.BackendTimeout())
	defer cancel()

	t, err := s.loadTrace(ctx, traceID, false)
	if err != nil {
		s.log.Warnw("Snapshot load failed", "trace_id", traceID, "error", err)
		return
	}
	env, _, err := buildTraceUpdate(t)
	if err != nil {
		s.log.Warnw("Snapshot encode failed", "trace_id", traceID, "error", err)
		return
	}
	c.sendEnvelope(env)
}

func (s *DashServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.backend.ListJobs(r.Context(), client.ListJobsOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  parseLimit(r, 0),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type submitJobRequest struct {
	SOPName     string            `json:"sop_name"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	CommandLine string            `json:"command_line,omitempty"`
}

// handleSubmitJob proxies a submission to the orchestrator. The server
// mints the submission key so the attempt is recorded locally even when
// the response is lost.
func (s *DashServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, err)
		return
	}

	key := uuid.NewString()
	job, err := s.backend.SubmitJob(r.Context(), client.SubmitJobRequest{
		SOPName:       req.SOPName,
		Parameters:    req.Parameters,
		CommandLine:   req.CommandLine,
		SubmissionKey: key,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if s.cache != nil {
		sub := store.Submission{
			SubmissionKey: key,
			JobID:         job.ID,
			SOPName:       job.SOPName,
		}
		if err := s.cache.RecordSubmission(r.Context(), sub); err != nil {
			s.log.Warnw("Failed to record submission",
				"submission_key", key, "job_id", job.ID, "error", err)
		}
	}

	s.log.Infow("Job submitted",
		"job_id", job.ID, "sop_name", job.SOPName, "submission_key", key)
	writeJSON(w, http.StatusCreated, job)
}

func (s *DashServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.backend.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *DashServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.backend.CancelJob(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.log.Infow("Job cancelled", "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": "cancelled",
	})
}

func (s *DashServer) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	logs, err := s.backend.JobLogs(r.Context(), jobID, parseLimit(r, 0))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"logs":   logs,
	})
}

func (s *DashServer) handleJobContext(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	raw, err := s.backend.JobContext(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"context": raw,
	})
}

func (s *DashServer) handleSOPTree(w http.ResponseWriter, r *http.Request) {
	if s.sops == nil {
		writeError(w, http.StatusNotFound, "sop library not configured")
		return
	}
	tree, err := s.sops.Tree()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *DashServer) handleSOPContent(w http.ResponseWriter, r *http.Request) {
	if s.sops == nil {
		writeError(w, http.StatusNotFound, "sop library not configured")
		return
	}
	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	doc, err := s.sops.Read(relPath)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
