// Package trace holds the execution-trace data model and the pure
// reconstruction logic on top of it: deriving pending tasks from stack
// snapshots and merging executed and pending tasks into a leveled forest
// for indented rendering.
//
// Everything in this package is side-effect free. Records are immutable once
// decoded; a fresh fetch produces fresh records.
package trace

import "encoding/json"

// Status describes the state of a task execution as reported by the engine.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus checks if a status string is a recognized execution status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusRunning, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true once the execution can no longer progress
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// TaskExecution is one completed (or currently running/errored) step of the
// engine. Timestamps are kept as the RFC 3339 strings the backend delivers;
// they are parsed only where ordering needs them.
type TaskExecution struct {
	// ExecutionID uniquely identifies this execution.
	ExecutionID string `json:"execution_id"`

	// TaskID is the logical task identifier. It may differ from the
	// execution id and may be absent.
	TaskID string `json:"task_id,omitempty"`

	// ParentTaskID links this task under another task's effective id.
	ParentTaskID string `json:"parent_task_id,omitempty"`

	Description string `json:"description"`
	ShortName   string `json:"short_name,omitempty"`

	Status    Status `json:"status"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`

	// Phases carries the structured sub-records of this execution, when the
	// engine reported them.
	Phases *Phases `json:"phases,omitempty"`

	// StackBefore is the engine's task stack captured before this execution
	// started. The tail of the most recent snapshot is what remains queued.
	StackBefore *StackSnapshot `json:"stack_before,omitempty"`
}

// Phases groups the sub-records of a task execution.
type Phases struct {
	DocResolution  *PhaseRecord       `json:"doc_resolution,omitempty"`
	TaskCreation   *TaskCreationPhase `json:"task_creation,omitempty"`
	ToolExecution  *ToolExecutionPhase `json:"tool_execution,omitempty"`
	ContextUpdate  *PhaseRecord       `json:"context_update,omitempty"`
	TaskGeneration *PhaseRecord       `json:"task_generation,omitempty"`
}

// PhaseRecord is the common shape of a sub-phase: its own status, its own
// timestamps, and any LLM calls made while it ran.
type PhaseRecord struct {
	Status    Status    `json:"status"`
	StartedAt string    `json:"started_at,omitempty"`
	EndedAt   string    `json:"ended_at,omitempty"`
	LLMCalls  []LLMCall `json:"llm_calls,omitempty"`
}

// CreatedTask is the task a task-creation phase produced. The hierarchy
// builder consults it when the execution record itself carries no task or
// parent identifier.
type CreatedTask struct {
	TaskID       string `json:"task_id,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Description  string `json:"description,omitempty"`
}

// TaskCreationPhase extends PhaseRecord with the created task.
type TaskCreationPhase struct {
	PhaseRecord
	CreatedTask *CreatedTask `json:"created_task,omitempty"`
}

// ToolExecutionPhase extends PhaseRecord with the tool invocation and its
// output. RawOutput is the wire payload; Output is the tagged-union decode
// performed once at ingestion (see DecodeOutput).
type ToolExecutionPhase struct {
	PhaseRecord
	ToolName  string          `json:"tool_name,omitempty"`
	RawOutput json.RawMessage `json:"output,omitempty"`
	Output    Output          `json:"-"`
}

// LLMCall is one language-model invocation recorded inside a phase.
type LLMCall struct {
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	Status           Status `json:"status"`
	StartedAt        string `json:"started_at,omitempty"`
	EndedAt          string `json:"ended_at,omitempty"`
	LatencyMS        int64  `json:"latency_ms,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	PromptExcerpt    string `json:"prompt_excerpt,omitempty"`
	ResponseExcerpt  string `json:"response_excerpt,omitempty"`
	Error            string `json:"error,omitempty"`
}

// StackEntry is one queued task on an engine stack snapshot. Entries arrive
// in stack order: the last entry is the next to execute.
type StackEntry struct {
	// RawID is the engine's identifier for the queued task, when it has one.
	RawID        string `json:"raw_id,omitempty"`
	Description  string `json:"description"`
	ShortName    string `json:"short_name,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`

	// CurrentlyExecuting marks the entry the engine reports as running.
	// Older engines omit it; see DerivePendingTasks for the fallback.
	CurrentlyExecuting bool `json:"currently_executing,omitempty"`
}

// StackSnapshot is a point-in-time capture of the engine's task stack.
type StackSnapshot struct {
	CapturedAt string       `json:"captured_at,omitempty"`
	Entries    []StackEntry `json:"entries"`
}

// Trace is a full trace snapshot as returned by the trace-fetch API.
type Trace struct {
	ID         string          `json:"id"`
	SOPName    string          `json:"sop_name,omitempty"`
	Status     Status          `json:"status"`
	StartedAt  string          `json:"started_at,omitempty"`
	EndedAt    string          `json:"ended_at,omitempty"`
	Executions []TaskExecution `json:"executions"`

	// FinalStack is the end-of-run stack snapshot, when the engine emitted
	// one. It is preferred over per-execution snapshots for deriving pending
	// tasks.
	FinalStack *StackSnapshot `json:"final_stack,omitempty"`
}

// TraceSummary is the list-view shape of a trace.
type TraceSummary struct {
	ID             string `json:"id"`
	SOPName        string `json:"sop_name,omitempty"`
	Status         Status `json:"status"`
	StartedAt      string `json:"started_at,omitempty"`
	EndedAt        string `json:"ended_at,omitempty"`
	ExecutionCount int    `json:"execution_count"`
}

// Normalize runs the ingestion-boundary decodes that should happen exactly
// once per fetched snapshot, currently the tool-output tagged union.
func (t *Trace) Normalize() {
	for i := range t.Executions {
		p := t.Executions[i].Phases
		if p != nil && p.ToolExecution != nil {
			p.ToolExecution.Output = DecodeOutput(p.ToolExecution.RawOutput)
		}
	}
}

// Summary condenses a snapshot into its list-view shape.
func (t *Trace) Summary() TraceSummary {
	return TraceSummary{
		ID:             t.ID,
		SOPName:        t.SOPName,
		Status:         t.Status,
		StartedAt:      t.StartedAt,
		EndedAt:        t.EndedAt,
		ExecutionCount: len(t.Executions),
	}
}
