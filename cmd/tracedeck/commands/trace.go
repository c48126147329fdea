package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
	"github.com/ostrane/tracedeck/monitor"
	"github.com/ostrane/tracedeck/sym"
	"github.com/ostrane/tracedeck/trace"
)

// followRefetchInterval caps how often the follow view refetches the trace
// snapshot, however fast events arrive.
const followRefetchInterval = 500 * time.Millisecond

// TraceCmd represents the trace command - execution trace inspection
var TraceCmd = &cobra.Command{
	Use:   "trace",
	Short: sym.Trace + " Inspect execution traces",
	Long: sym.Trace + ` Traces - inspect and follow SOP execution traces.

Trace commands:
  tracedeck trace list           # List recent traces
  tracedeck trace show <id>      # Print the task hierarchy
  tracedeck trace follow <id>    # Follow a trace live`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// TraceListCmd lists recent traces
var TraceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent execution traces",
	Long: `List recent traces, newest first.

Example:
  tracedeck trace list --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runTraceList(cmd, limit)
	},
}

// TraceShowCmd prints one trace's task hierarchy
var TraceShowCmd = &cobra.Command{
	Use:   "show <trace-id>",
	Short: "Print a trace's task hierarchy",
	Long: `Fetch a trace and print its task hierarchy as an indented tree.
Executed tasks carry status glyphs and durations; queued tasks derived from
the engine's stack snapshot appear as pending leaves.

Example:
  tracedeck trace show TR_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceShow(cmd, args[0])
	},
}

// TraceFollowCmd follows a trace live in the terminal
var TraceFollowCmd = &cobra.Command{
	Use:   "follow <trace-id>",
	Short: "Follow a trace live in the terminal",
	Long: `Subscribe to a trace's event stream and re-render the task
hierarchy as updates arrive. The connection reconnects automatically with
backoff. Press Ctrl-C to stop; following ends on its own once the trace
reaches a terminal status.

Example:
  tracedeck trace follow TR_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceFollow(cmd, args[0])
	},
}

func init() {
	TraceListCmd.Flags().Int("limit", 20, "Maximum number of traces to display")

	TraceCmd.AddCommand(TraceListCmd)
	TraceCmd.AddCommand(TraceShowCmd)
	TraceCmd.AddCommand(TraceFollowCmd)
}

// runTraceList lists recent traces in a fixed-width table.
func runTraceList(cmd *cobra.Command, limit int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	summaries, err := backend.ListTraces(cmd.Context(), limit)
	if err != nil {
		return errors.Wrap(err, "failed to list traces")
	}

	if len(summaries) == 0 {
		fmt.Printf("%s No traces found\n", sym.Trace)
		return nil
	}

	fmt.Printf("%-2s %-20s %-12s %-28s %-6s %s\n", "", "TRACE ID", "STATUS", "SOP", "TASKS", "STARTED")
	fmt.Printf("%-2s %-20s %-12s %-28s %-6s %s\n", "", "--------", "------", "---", "-----", "-------")

	for _, s := range summaries {
		fmt.Printf("%-2s %-20s %-12s %-28s %-6d %s\n",
			sym.ForStatus(string(s.Status)),
			truncate(s.ID, 20),
			s.Status,
			truncate(s.SOPName, 28),
			s.ExecutionCount,
			s.StartedAt)
	}

	fmt.Printf("\nTotal: %d trace(s)\n", len(summaries))
	return nil
}

// runTraceShow prints one trace's header and task hierarchy.
func runTraceShow(cmd *cobra.Command, traceID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	tr, err := backend.GetTrace(cmd.Context(), traceID)
	if err != nil {
		return errors.Wrap(err, "failed to get trace")
	}

	fmt.Print(traceHeader(tr))

	roots := hierarchyOf(tr)
	if len(roots) == 0 {
		fmt.Printf("\nNo task executions recorded yet\n")
		return nil
	}

	rendered, err := renderHierarchy(tr, roots)
	if err != nil {
		return errors.Wrap(err, "failed to render hierarchy")
	}
	fmt.Print(rendered)
	return nil
}

// followView accumulates the state the follow loop renders from: the latest
// snapshot plus connection and error notes pushed by channel callbacks.
type followView struct {
	mu       sync.Mutex
	connNote string
	lastErr  string
}

func (v *followView) setConn(connected bool, detail string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if connected {
		v.connNote = sym.Connected + " live"
		v.lastErr = ""
		return
	}
	v.connNote = sym.Disconnected + " disconnected"
	if detail != "" {
		v.connNote += " (" + detail + ")"
	}
}

func (v *followView) setErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastErr = err.Error()
}

func (v *followView) statusLine(traceID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	line := fmt.Sprintf("%s Following %s — %s   (Ctrl-C to stop)\n", sym.Trace, traceID, v.connNote)
	if v.lastErr != "" {
		line += pterm.Warning.Sprintf("%s\n", v.lastErr)
	}
	return line
}

// runTraceFollow subscribes to the trace's event stream and re-renders the
// hierarchy in place as updates arrive. Event bursts coalesce into a single
// pending refetch; the limiter spaces refetches out regardless of arrival
// rate.
func runTraceFollow(cmd *cobra.Command, traceID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prime the view before subscribing so a dead trace id fails fast.
	tr, err := backend.GetTrace(ctx, traceID)
	if err != nil {
		return errors.Wrap(err, "failed to get trace")
	}

	view := &followView{connNote: sym.Connecting + " connecting"}
	kick := make(chan struct{}, 1)
	nudge := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	channel := monitor.NewChannel(monitor.Config{
		BaseURL: cfg.BackendURL(),
		Logger:  logger.ComponentLogger("cli.follow"),
		Options: monitor.Options{
			OnMessage: func(monitor.Event) { nudge() },
			OnError: func(err error) {
				view.setErr(err)
				nudge()
			},
			OnConnectionChange: func(connected bool, detail string) {
				view.setConn(connected, detail)
				nudge()
			},
			ReconnectInterval:    cfg.Monitor.ReconnectInterval(),
			MaxReconnectAttempts: cfg.Monitor.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.Monitor.HeartbeatInterval(),
		},
	})
	if err := channel.StartMonitoring(traceID); err != nil {
		return errors.Wrap(err, "failed to start monitoring")
	}
	defer channel.StopMonitoring()

	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return errors.Wrap(err, "failed to start terminal area")
	}
	defer area.Stop()

	render := func(t *trace.Trace) {
		var b strings.Builder
		b.WriteString(view.statusLine(t.ID))
		b.WriteString(traceHeader(t))
		if roots := hierarchyOf(t); len(roots) > 0 {
			if rendered, rerr := renderHierarchy(t, roots); rerr == nil {
				b.WriteString(rendered)
			}
		}
		area.Update(b.String())
	}
	render(tr)
	if tr.Status != trace.StatusRunning {
		area.Stop()
		pterm.Info.Printf("Trace %s already %s\n", traceID, tr.Status)
		return nil
	}

	limiter := rate.NewLimiter(rate.Every(followRefetchInterval), 1)
	for {
		select {
		case <-ctx.Done():
			area.Stop()
			pterm.Info.Printf("Stopped following %s\n", traceID)
			return nil
		case <-kick:
		}

		if err := limiter.Wait(ctx); err != nil {
			area.Stop()
			pterm.Info.Printf("Stopped following %s\n", traceID)
			return nil
		}

		fresh, err := backend.GetTrace(ctx, traceID)
		if err != nil {
			if ctx.Err() != nil {
				area.Stop()
				pterm.Info.Printf("Stopped following %s\n", traceID)
				return nil
			}
			// Transient fetch failure: keep the last snapshot on screen.
			view.setErr(err)
			render(tr)
			continue
		}

		tr = fresh
		render(tr)
		if tr.Status != trace.StatusRunning {
			channel.StopMonitoring()
			area.Stop()
			switch tr.Status {
			case trace.StatusCompleted:
				pterm.Success.Printf("Trace %s completed\n", traceID)
			case trace.StatusError:
				pterm.Error.Printf("Trace %s finished with errors\n", traceID)
			default:
				pterm.Warning.Printf("Trace %s %s\n", traceID, tr.Status)
			}
			return nil
		}
	}
}

// hierarchyOf builds the display forest for a fetched trace snapshot.
func hierarchyOf(t *trace.Trace) []*trace.TaskNode {
	pending := trace.DerivePendingTasks(t)
	return trace.BuildTaskHierarchy(t.Executions, pending)
}

// traceHeader formats the summary block printed above the hierarchy.
func traceHeader(t *trace.Trace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Trace: %s\n", sym.Trace, t.ID)
	if t.SOPName != "" {
		fmt.Fprintf(&b, "  SOP:     %s\n", t.SOPName)
	}
	fmt.Fprintf(&b, "  Status:  %s %s\n", sym.ForStatus(string(t.Status)), t.Status)
	if t.StartedAt != "" {
		fmt.Fprintf(&b, "  Started: %s\n", t.StartedAt)
	}
	if t.EndedAt != "" {
		ended := t.EndedAt
		if d, ok := spanBetween(t.StartedAt, t.EndedAt); ok {
			ended += "  (" + formatSpan(d) + ")"
		}
		fmt.Fprintf(&b, "  Ended:   %s\n", ended)
	}

	executed := len(t.Executions)
	pending := len(trace.DerivePendingTasks(t))
	fmt.Fprintf(&b, "  Tasks:   %d executed, %d pending\n", executed, pending)
	return b.String()
}

// renderHierarchy renders the forest as an indented tree rooted at the
// trace id.
func renderHierarchy(t *trace.Trace, roots []*trace.TaskNode) (string, error) {
	root := pterm.TreeNode{Text: pterm.Gray(t.ID)}
	for _, r := range roots {
		root.Children = append(root.Children, toTreeNode(r))
	}
	return pterm.DefaultTree.WithRoot(root).Srender()
}

func toTreeNode(n *trace.TaskNode) pterm.TreeNode {
	node := pterm.TreeNode{Text: nodeLabel(n)}
	for _, child := range n.Children {
		node.Children = append(node.Children, toTreeNode(child))
	}
	return node
}

// nodeLabel formats one hierarchy row: glyph, name, duration.
func nodeLabel(n *trace.TaskNode) string {
	name := n.ShortName
	if name == "" {
		name = n.Description
	}
	if name == "" {
		name = n.TaskID
	}
	name = truncate(name, 60)

	glyph := sym.ForStatus(string(n.Status))
	if n.IsPending {
		glyph = sym.Pending
	}

	label := glyph + " " + name
	if d, ok := spanBetween(n.StartedAt, n.EndedAt); ok {
		label += "  " + pterm.Gray("("+formatSpan(d)+")")
	}
	return label
}

// spanBetween parses two RFC 3339 stamps and returns the span between them.
// Either stamp failing to parse yields ok=false; negative spans clamp to
// zero rather than rendering as nonsense.
func spanBetween(start, end string) (time.Duration, bool) {
	if start == "" || end == "" {
		return 0, false
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return 0, false
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return 0, false
	}
	d := e.Sub(s)
	if d < 0 {
		d = 0
	}
	return d, true
}

// formatSpan renders a duration at display precision: sub-minute spans keep
// one decimal, longer spans drop to minute/hour granularity.
func formatSpan(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
