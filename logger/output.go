package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: results, errors with hints, final status
//	1 (-v)      - + Progress, startup info, connection status
//	2 (-vv)     - + Backend HTTP requests, timing, config details
//	3 (-vvv)    - + SSE frames, SQL queries, broadcast flow
//	4 (-vvvv)   - + Full request/response bodies, snapshot dumps

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Command output, rendered trees
	OutputErrors                           // Errors with hints and resolution steps
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v) - Informational
	OutputProgress   // Progress indicators (e.g., "Refetching trace 3/5")
	OutputStartup    // Startup banners, config summary
	OutputConnStatus // Live channel connect/disconnect/reconnect status

	// Level 2 (-vv) - Detailed
	OutputTiming    // Operation timing (e.g., "refetch took 42ms")
	OutputConfig    // Config values loaded/applied
	OutputHTTPCalls // Backend HTTP requests made

	// Level 3 (-vvv) - Debug
	OutputSSEFrames  // Individual SSE frames received
	OutputSQLQueries // Individual SQL queries executed
	OutputBroadcasts // Hub broadcast flow

	// Level 4 (-vvvv) - Full dump
	OutputRequestBody  // Full HTTP request bodies
	OutputResponseBody // Full HTTP response bodies
	OutputDataDump     // Full snapshot contents
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	OutputProgress:   VerbosityInfo,
	OutputStartup:    VerbosityInfo,
	OutputConnStatus: VerbosityInfo,

	OutputTiming:    VerbosityDebug,
	OutputConfig:    VerbosityDebug,
	OutputHTTPCalls: VerbosityDebug,

	OutputSSEFrames:  VerbosityTrace,
	OutputSQLQueries: VerbosityTrace,
	OutputBroadcasts: VerbosityTrace,

	OutputRequestBody:  VerbosityAll,
	OutputResponseBody: VerbosityAll,
	OutputDataDump:     VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

// categoryNames provides human-readable names for output categories
var categoryNames = map[OutputCategory]string{
	OutputResults:      "results",
	OutputErrors:       "errors",
	OutputUserStatus:   "status",
	OutputProgress:     "progress",
	OutputStartup:      "startup",
	OutputConnStatus:   "conn-status",
	OutputTiming:       "timing",
	OutputConfig:       "config",
	OutputHTTPCalls:    "http",
	OutputSSEFrames:    "sse-frames",
	OutputSQLQueries:   "sql",
	OutputBroadcasts:   "broadcasts",
	OutputRequestBody:  "request-body",
	OutputResponseBody: "response-body",
	OutputDataDump:     "data-dump",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}

// VerbosityDescription returns a description of what's shown at each level
func VerbosityDescription(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "results and errors only"
	case VerbosityInfo:
		return "results, errors, progress, and connection status"
	case VerbosityDebug:
		return "above + timing, config, backend HTTP calls"
	case VerbosityTrace:
		return "above + SSE frames, SQL, broadcast flow"
	case VerbosityAll:
		return "full output including request/response bodies"
	default:
		if verbosity > VerbosityAll {
			return "maximum verbosity"
		}
		return "unknown verbosity level"
	}
}
