package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/internal/observability"
	"github.com/3leaps/dartctl/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and stop recorded runs",
	Long: `Every run is recorded in the job registry under the app data
directory (override with jobs.root). Background runs started with
'dartctl run --background' can be stopped from here.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job (SIGTERM, then SIGKILL after the grace period)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStopCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().Duration("grace", 10*time.Second, "Time to wait after SIGTERM before SIGKILL")
}

func jobsExecutor(cmd *cobra.Command) (*jobregistry.Executor, error) {
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	root, err := jobsRootDir(cfg)
	if err != nil {
		return nil, err
	}
	return jobregistry.NewExecutor(root), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	exec, err := jobsExecutor(cmd)
	if err != nil {
		return err
	}

	jobs, err := exec.Store().List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	writeJobsTable(out, jobs)
	return nil
}

func writeJobsTable(out io.Writer, jobs []jobregistry.JobRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tTASK\tSTATE\tTASKS\tOK\tFAILED\tSTARTED\tSOURCE")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortJobID(j.JobID),
			dash(j.Name),
			dash(j.Task),
			j.State,
			j.Total,
			j.Succeeded,
			j.Failed,
			formatOptionalTime(j.StartedAt),
			dash(j.Source),
		)
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	exec, err := jobsExecutor(cmd)
	if err != nil {
		return err
	}
	store := exec.Store()

	id, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "name=%s\n", dash(rec.Name))
	_, _ = fmt.Fprintf(out, "task=%s\n", dash(rec.Task))
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.Handle != "" {
		_, _ = fmt.Fprintf(out, "handle=%s\n", rec.Handle)
	}
	_, _ = fmt.Fprintf(out, "source=%s\n", dash(rec.Source))
	if rec.OutputDir != "" {
		_, _ = fmt.Fprintf(out, "output_dir=%s\n", rec.OutputDir)
	}
	_, _ = fmt.Fprintf(out, "tasks=%d succeeded=%d failed=%d\n", rec.Total, rec.Succeeded, rec.Failed)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	_, _ = fmt.Fprintf(out, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	if rec.StdoutPath != "" {
		_, _ = fmt.Fprintf(out, "stdout=%s\n", rec.StdoutPath)
		_, _ = fmt.Fprintf(out, "stderr=%s\n", rec.StderrPath)
	}
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	grace, _ := cmd.Flags().GetDuration("grace")
	exec, err := jobsExecutor(cmd)
	if err != nil {
		return err
	}

	id, err := resolveJobID(exec.Store(), args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	rec, err := exec.Stop(commandContext(cmd), id, grace)
	if err != nil {
		return err
	}
	observability.CLILogger.Info("Job stopped", zap.String("job_id", rec.JobID), zap.String("state", string(rec.State)))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s state=%s\n", rec.JobID, rec.State)
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full id or an unambiguous prefix.
func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", jobregistry.ErrNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous job id %q matches %d jobs", input, len(matches))
	}
}
