package trace

import (
	"sort"
	"time"
)

// TaskNode is the merged view-model entity the renderer consumes. Executed
// tasks carry their full execution record fields; pending tasks satisfy the
// same shape with synthesized defaults (status running, no end time, no
// phases) so one renderer handles both.
type TaskNode struct {
	// TaskID is the node's effective identifier: the join key the forest is
	// built on. See EffectiveTaskID for the resolution order.
	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`

	Description string `json:"description"`
	ShortName   string `json:"short_name,omitempty"`

	Status    Status  `json:"status"`
	StartedAt string  `json:"started_at,omitempty"`
	EndedAt   string  `json:"ended_at,omitempty"`
	Phases    *Phases `json:"phases,omitempty"`

	// ExecutionID is empty for pending nodes.
	ExecutionID string `json:"execution_id,omitempty"`
	IsPending   bool   `json:"is_pending"`

	Level    int         `json:"level"`
	Children []*TaskNode `json:"children"`

	// Parsed once at insertion so sibling sorts never re-parse timestamps.
	startTime time.Time
	hasStart  bool
}

// EffectiveTaskID resolves the stable join key for an execution record:
// the explicit task id when set, else the id of the task its task-creation
// phase produced, else the execution id itself. Upstream data can be
// inconsistent about where the logical id lives; this ordering guarantees
// every node still gets a stable key.
func EffectiveTaskID(ex *TaskExecution) string {
	if ex.TaskID != "" {
		return ex.TaskID
	}
	if created := createdTask(ex); created != nil && created.TaskID != "" {
		return created.TaskID
	}
	return ex.ExecutionID
}

// EffectiveParentID resolves an execution's parent: the explicit parent on
// the record wins over a parent embedded in its task-creation phase.
func EffectiveParentID(ex *TaskExecution) string {
	if ex.ParentTaskID != "" {
		return ex.ParentTaskID
	}
	if created := createdTask(ex); created != nil {
		return created.ParentTaskID
	}
	return ""
}

func createdTask(ex *TaskExecution) *CreatedTask {
	if ex.Phases == nil || ex.Phases.TaskCreation == nil {
		return nil
	}
	return ex.Phases.TaskCreation.CreatedTask
}

// BuildTaskHierarchy merges executed task records and pending descriptors
// into an ordered forest. Parents are matched by effective task id; nodes
// whose parent is unknown are promoted to roots. Siblings order executed
// tasks ascending by start time, then pending tasks in their stack-derived
// input order. Roots sit at level 0, each child one below its parent.
//
// The source data is tree-shaped by construction (at most one parent per
// task); the builder does not defend against cyclic input.
//
// Pure function: identical inputs yield structurally identical output, and
// nothing here depends on map iteration order.
func BuildTaskHierarchy(executed []TaskExecution, pending []PendingTask) []*TaskNode {
	total := len(executed) + len(pending)
	byID := make(map[string]*TaskNode, total)
	inserted := make([]*TaskNode, 0, total)

	for i := range executed {
		ex := &executed[i]
		node := &TaskNode{
			TaskID:       EffectiveTaskID(ex),
			ParentTaskID: EffectiveParentID(ex),
			Description:  ex.Description,
			ShortName:    ex.ShortName,
			Status:       ex.Status,
			StartedAt:    ex.StartedAt,
			EndedAt:      ex.EndedAt,
			Phases:       ex.Phases,
			ExecutionID:  ex.ExecutionID,
			Children:     []*TaskNode{},
		}
		if parsed, err := time.Parse(time.RFC3339, ex.StartedAt); err == nil {
			node.startTime = parsed
			node.hasStart = true
		}
		byID[node.TaskID] = node
		inserted = append(inserted, node)
	}

	for i := range pending {
		p := &pending[i]
		// A collision means an executed record already owns the key; the
		// executed node wins and the descriptor is skipped.
		if _, exists := byID[p.ID]; exists {
			continue
		}
		node := &TaskNode{
			TaskID:       p.ID,
			ParentTaskID: p.ParentTaskID,
			Description:  p.Description,
			ShortName:    p.ShortName,
			Status:       StatusRunning,
			IsPending:    true,
			Children:     []*TaskNode{},
		}
		byID[p.ID] = node
		inserted = append(inserted, node)
	}

	var roots []*TaskNode
	for _, node := range inserted {
		if node.ParentTaskID != "" {
			if parent, ok := byID[node.ParentTaskID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		// Unmatched parent: promoted to root rather than dropped
		roots = append(roots, node)
	}

	sortSiblings(roots)
	for _, root := range roots {
		assignLevels(root, 0)
	}
	return roots
}

// sortSiblings orders one sibling list: executed before pending, executed
// ascending by start time, pending in preserved input order. Stable, so
// equal elements keep their insertion order.
func sortSiblings(nodes []*TaskNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.IsPending || b.IsPending {
			// Pending sorts after executed; two pending stay put.
			return !a.IsPending && b.IsPending
		}
		switch {
		case a.hasStart && b.hasStart:
			return a.startTime.Before(b.startTime)
		case a.hasStart:
			// Unparsable start times sort after all parsable ones.
			return true
		default:
			return false
		}
	})
}

// assignLevels sorts each children list and then descends, so rendering
// order is deterministic and every child sits one level below its parent.
func assignLevels(node *TaskNode, level int) {
	node.Level = level
	sortSiblings(node.Children)
	for _, child := range node.Children {
		assignLevels(child, level+1)
	}
}

// FlattenHierarchy walks a forest in render order (pre-order, siblings
// already sorted) and returns the nodes as a flat list. Handy for table
// views and for asserting on indentation.
func FlattenHierarchy(roots []*TaskNode) []*TaskNode {
	var flat []*TaskNode
	var walk func(*TaskNode)
	walk = func(n *TaskNode) {
		flat = append(flat, n)
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return flat
}

// CountNodes returns the total node count of a forest.
func CountNodes(roots []*TaskNode) int {
	count := 0
	for _, root := range roots {
		count += 1 + CountNodes(root.Children)
	}
	return count
}
