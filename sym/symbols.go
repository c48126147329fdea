// Package sym defines canonical symbols for TraceDeck task states and
// system markers. These symbols are stable across the CLI, the dashboard,
// and documentation: a completed task renders the same glyph in a terminal
// tree and in a status badge.
package sym

// Task execution state glyphs.
const (
	Running   = "▶" // task currently executing
	Completed = "✓" // task finished successfully
	Error     = "✗" // task failed
	Cancelled = "⊘" // task cancelled before completion
	Pending   = "…" // task queued, not yet started
)

// Connection state glyphs for the live update channel.
const (
	Connected    = "●" // channel open and receiving
	Connecting   = "◐" // dial or reconnect in progress
	Disconnected = "○" // channel closed or exhausted
)

// System infrastructure symbols.
const (
	Trace = "⧉" // execution trace and hierarchy views
	Job   = "꩜" // orchestrator jobs
	SOP   = "▣" // standard-operating-procedure documents
	DB    = "⊔" // snapshot cache / storage layer
)

// entry binds a status keyword to its glyph and display label.
type entry struct {
	status string
	glyph  string
	label  string
}

// registry is the canonical mapping between engine status strings and their
// glyphs. Order follows the task lifecycle.
var registry = []entry{
	{"running", Running, "Running"},
	{"completed", Completed, "Completed"},
	{"error", Error, "Error"},
	{"cancelled", Cancelled, "Cancelled"},
	{"pending", Pending, "Pending"},
}

// Lookup tables built from the registry at init time.
var (
	statusToGlyph map[string]string
	glyphToStatus map[string]string
)

func init() {
	statusToGlyph = make(map[string]string, len(registry))
	glyphToStatus = make(map[string]string, len(registry))
	for _, e := range registry {
		statusToGlyph[e.status] = e.glyph
		glyphToStatus[e.glyph] = e.status
	}
}

// ForStatus returns the glyph for an engine status string. Unknown statuses
// get the pending glyph so renderers never print an empty cell.
func ForStatus(status string) string {
	if g, ok := statusToGlyph[status]; ok {
		return g
	}
	return Pending
}

// StatusOf returns the status keyword for a glyph, empty when the glyph is
// not a status glyph.
func StatusOf(glyph string) string {
	return glyphToStatus[glyph]
}

// StatusLabels provides human-readable names for legends and tooltips.
var StatusLabels = map[string]string{
	"running":   "Running",
	"completed": "Completed",
	"error":     "Error",
	"cancelled": "Cancelled",
	"pending":   "Pending",
}
