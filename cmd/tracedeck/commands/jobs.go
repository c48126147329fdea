package commands

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ostrane/tracedeck/client"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/store"
	"github.com/ostrane/tracedeck/sym"
)

// JobsCmd represents the jobs command - orchestrator job operations
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Job + " Manage orchestrator jobs",
	Long: sym.Job + ` Jobs - submit and track SOP runs on the orchestrator.

Job management commands:
  tracedeck jobs submit --sop <name>   # Submit an SOP run
  tracedeck jobs list                  # List jobs
  tracedeck jobs get <id>              # Show job details
  tracedeck jobs cancel <id>           # Cancel a job
  tracedeck jobs logs <id>             # Show job logs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsSubmitCmd submits an SOP run
var JobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an SOP run to the orchestrator",
	Long: `Submit an SOP run. Parameters are repeatable key=value pairs; an
optional command line is split shell-style before submission.

Examples:
  tracedeck jobs submit --sop deploy.md
  tracedeck jobs submit --sop deploy.md --param env=staging --param region=eu
  tracedeck jobs submit --sop migrate.md --cmd "pg_dump --schema-only mydb"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sopName, _ := cmd.Flags().GetString("sop")
		params, _ := cmd.Flags().GetStringArray("param")
		commandLine, _ := cmd.Flags().GetString("cmd")
		return runJobsSubmit(cmd, sopName, params, commandLine)
	},
}

// JobsListCmd lists orchestrator jobs
var JobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orchestrator jobs",
	Long: `List jobs, optionally filtered by status.

Status filters:
  queued    - Jobs waiting to be processed
  running   - Jobs currently being processed
  paused    - Jobs that have been paused
  completed - Successfully completed jobs
  failed    - Jobs that failed with errors
  cancelled - Jobs cancelled before completion

Examples:
  tracedeck jobs list                    # List recent jobs
  tracedeck jobs list --status running   # List only running jobs
  tracedeck jobs list --limit 100        # Show up to 100 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsList(cmd, statusFilter, limit)
	},
}

// JobsGetCmd shows details of one job
var JobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show details of an orchestrator job",
	Long: `Display detailed information for a job:
- Job ID, SOP name and status
- Progress (current/total steps)
- Timestamps (submitted, started, completed)
- Trace id once the orchestrator assigned one

Example:
  tracedeck jobs get JB_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsGet(cmd, args[0])
	},
}

// JobsCancelCmd cancels a job
var JobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel an orchestrator job",
	Long: `Ask the orchestrator to cancel a job. Cancelling a job that already
finished is not an error.

Example:
  tracedeck jobs cancel JB_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsCancel(cmd, args[0])
	},
}

// JobsLogsCmd prints a job's execution log
var JobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show a job's execution log",
	Long: `Print a job's log entries, oldest first.

Example:
  tracedeck jobs logs JB_abc123 --limit 200`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLogs(cmd, args[0], limit)
	},
}

func init() {
	JobsSubmitCmd.Flags().String("sop", "", "SOP document name to run (required)")
	JobsSubmitCmd.Flags().StringArray("param", nil, "Job parameter as key=value (repeatable)")
	JobsSubmitCmd.Flags().String("cmd", "", "Command line for the SOP, quoted shell-style")
	JobsSubmitCmd.MarkFlagRequired("sop")

	JobsListCmd.Flags().String("status", "", "Filter by status (queued, running, paused, completed, failed, cancelled)")
	JobsListCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	JobsLogsCmd.Flags().Int("limit", 100, "Maximum number of log entries to display")

	JobsCmd.AddCommand(JobsSubmitCmd)
	JobsCmd.AddCommand(JobsListCmd)
	JobsCmd.AddCommand(JobsGetCmd)
	JobsCmd.AddCommand(JobsCancelCmd)
	JobsCmd.AddCommand(JobsLogsCmd)
}

// parseParams turns repeated key=value flags into a parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, errors.NewInvalidRequestError("parameter %q is not key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// runJobsSubmit submits an SOP run and records the submission locally.
func runJobsSubmit(cmd *cobra.Command, sopName string, paramPairs []string, commandLine string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	params, err := parseParams(paramPairs)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	ctx := cmd.Context()
	warnCompat(ctx, backend)

	req := client.SubmitJobRequest{
		SOPName:       sopName,
		Parameters:    params,
		CommandLine:   commandLine,
		SubmissionKey: uuid.NewString(),
	}
	job, err := backend.SubmitJob(ctx, req)
	if err != nil {
		return errors.Wrap(err, "failed to submit job")
	}

	// Best-effort local record; the job is already accepted upstream.
	if database, derr := openCache(cfg, ""); derr == nil {
		cache := store.New(database)
		sub := store.Submission{
			SubmissionKey: req.SubmissionKey,
			JobID:         job.ID,
			SOPName:       job.SOPName,
		}
		if rerr := cache.RecordSubmission(ctx, sub); rerr != nil {
			pterm.Warning.Printf("Submission not recorded locally: %v\n", rerr)
		}
		database.Close()
	}

	pterm.Success.Printf("Job submitted: %s\n", job.ID)
	fmt.Printf("  SOP:    %s\n", job.SOPName)
	fmt.Printf("  Status: %s %s\n", sym.ForStatus(job.Status), job.Status)
	if job.TraceID != "" {
		fmt.Printf("  Trace:  %s\n", job.TraceID)
		pterm.Info.Printf("Follow with: tracedeck trace follow %s\n", job.TraceID)
	} else {
		pterm.Info.Printf("Track with: tracedeck jobs get %s\n", job.ID)
	}
	return nil
}

// runJobsList lists jobs in a fixed-width table.
func runJobsList(cmd *cobra.Command, statusFilter string, limit int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	jobs, err := backend.ListJobs(cmd.Context(), client.ListJobsOptions{
		Status: statusFilter,
		Limit:  limit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Printf("%s No jobs found\n", sym.Job)
		return nil
	}

	fmt.Printf("%-2s %-15s %-12s %-30s %-12s %s\n", "", "JOB ID", "STATUS", "SOP", "PROGRESS", "SUBMITTED")
	fmt.Printf("%-2s %-15s %-12s %-30s %-12s %s\n", "", "------", "------", "---", "--------", "---------")

	for _, job := range jobs {
		progress := "-"
		if job.Progress.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress.Current, job.Progress.Total)
		}
		fmt.Printf("%-2s %-15s %-12s %-30s %-12s %s\n",
			sym.ForStatus(job.Status),
			truncate(job.ID, 15),
			job.Status,
			truncate(job.SOPName, 30),
			progress,
			job.SubmittedAt)
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

// runJobsGet displays one job in detail.
func runJobsGet(cmd *cobra.Command, jobID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	job, err := backend.GetJob(cmd.Context(), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to get job")
	}

	fmt.Printf("%s Job ID: %s\n", sym.Job, job.ID)
	fmt.Printf("  SOP:    %s\n", job.SOPName)
	fmt.Printf("  Status: %s %s\n", sym.ForStatus(job.Status), job.Status)
	fmt.Printf("\n")

	if job.Progress.Total > 0 {
		percent := float64(job.Progress.Current) / float64(job.Progress.Total) * 100
		fmt.Printf("Progress: %d/%d (%.0f%%)\n\n", job.Progress.Current, job.Progress.Total, percent)
	}

	if job.SubmittedAt != "" {
		fmt.Printf("Submitted: %s\n", job.SubmittedAt)
	}
	if job.StartedAt != "" {
		fmt.Printf("Started:   %s\n", job.StartedAt)
	}
	if job.CompletedAt != "" {
		fmt.Printf("Completed: %s\n", job.CompletedAt)
	}
	if job.Error != "" {
		pterm.Error.Printf("Error: %s\n", job.Error)
	}
	if job.TraceID != "" {
		fmt.Printf("\nTrace: %s\n", job.TraceID)
		pterm.Info.Printf("Inspect with: tracedeck trace show %s\n", job.TraceID)
	}
	return nil
}

// runJobsCancel cancels a job.
func runJobsCancel(cmd *cobra.Command, jobID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	if err := backend.CancelJob(cmd.Context(), jobID); err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}

	pterm.Success.Printf("Job %s cancelled\n", jobID)
	return nil
}

// runJobsLogs prints a job's log entries, oldest first.
func runJobsLogs(cmd *cobra.Command, jobID string, limit int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend := newBackendClient(cfg)
	logs, err := backend.JobLogs(cmd.Context(), jobID, limit)
	if err != nil {
		return errors.Wrap(err, "failed to get job logs")
	}

	if len(logs) == 0 {
		fmt.Printf("%s No log entries for job %s\n", sym.Job, jobID)
		return nil
	}

	for _, entry := range logs {
		fmt.Printf("%-24s %-7s %s\n", entry.Timestamp, strings.ToUpper(entry.Level), entry.Message)
	}
	fmt.Printf("\nTotal: %d entr%s\n", len(logs), pluralY(len(logs)))
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
