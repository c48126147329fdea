package trace

import "fmt"

// PendingTask is a task queued but not yet started, inferred from the most
// recent stack snapshot. Pending tasks never carry a real execution
// identifier; their ids live in the "pending-" namespace so they cannot
// collide with executed nodes in the merged hierarchy.
type PendingTask struct {
	ID                 string `json:"id"`
	Description        string `json:"description"`
	ShortName          string `json:"short_name,omitempty"`
	ParentTaskID       string `json:"parent_task_id,omitempty"`
	CurrentlyExecuting bool   `json:"currently_executing"`
}

// PendingID builds the synthetic identifier for a queued stack entry:
// the raw engine id when there is one, else the position in next-to-execute
// order.
func PendingID(rawID string, position int) string {
	if rawID != "" {
		return "pending-" + rawID
	}
	return fmt.Sprintf("pending-idx-%d", position)
}

// MostRecentStack returns the snapshot that best reflects what remains
// queued: the trace's end-of-run stack when present, else the stack captured
// before the latest execution that carries one. Nil when the trace has no
// snapshots at all.
func MostRecentStack(t *Trace) *StackSnapshot {
	if t == nil {
		return nil
	}
	if t.FinalStack != nil && len(t.FinalStack.Entries) > 0 {
		return t.FinalStack
	}
	for i := len(t.Executions) - 1; i >= 0; i-- {
		if sb := t.Executions[i].StackBefore; sb != nil && len(sb.Entries) > 0 {
			return sb
		}
	}
	return nil
}

// DerivePendingTasks recomputes the pending descriptors from the latest
// snapshot. Stack entries arrive top-of-stack-last, so the snapshot is
// reversed to put the next-to-execute entry first.
//
// The currently-executing contract: when any entry carries the engine's
// explicit flag, those flags are authoritative. Otherwise the first entry of
// the reversed stack is marked, being the one the engine would be working on.
func DerivePendingTasks(t *Trace) []PendingTask {
	stack := MostRecentStack(t)
	if stack == nil {
		return nil
	}

	entries := stack.Entries
	pending := make([]PendingTask, 0, len(entries))
	explicit := false
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		position := len(entries) - 1 - i
		pending = append(pending, PendingTask{
			ID:                 PendingID(entry.RawID, position),
			Description:        entry.Description,
			ShortName:          entry.ShortName,
			ParentTaskID:       entry.ParentTaskID,
			CurrentlyExecuting: entry.CurrentlyExecuting,
		})
		if entry.CurrentlyExecuting {
			explicit = true
		}
	}

	if !explicit && len(pending) > 0 {
		pending[0].CurrentlyExecuting = true
	}

	return pending
}
