package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/internal/config"
	"github.com/3leaps/dartctl/internal/observability"
	"github.com/3leaps/dartctl/pkg/jobregistry"
	"github.com/3leaps/dartctl/pkg/monitor"
	"github.com/3leaps/dartctl/pkg/output"
	"github.com/3leaps/dartctl/pkg/params"
	"github.com/3leaps/dartctl/pkg/results"
	"github.com/3leaps/dartctl/pkg/runtime/local"
	"github.com/3leaps/dartctl/pkg/session"
	"github.com/3leaps/dartctl/pkg/task"
)

var runCmd = &cobra.Command{
	Use:   "run <task> <source>",
	Short: "Run a task over every input under a source",
	Long: `Run a registered task once per input found under source.

Every input becomes one parameter string built from the template with its
filename field set to the input. Results are appended to results.txt in the
output directory and recorded once each in the monitoring sink.

Built-in tasks: count_words, line_count, multiply.

Examples:
  dartctl run count_words ./corpus
  dartctl run count_words s3://bucket/books --subpath 2024 --include '*.txt'
  dartctl run line_count ./logs --progress=false --json
  dartctl run count_words ./corpus --background --name nightly`,
	Args: cobra.ExactArgs(2),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("subpath", "", "Sub-path under the source to enumerate")
	f.String("template", "", "Parameter template file (YAML or JSON)")
	f.StringArray("set", nil, "Set a template field (key=value, repeatable)")
	f.String("include", "", "Only enumerate entries matching this glob")
	f.StringP("output", "o", ".", "Directory for results.txt")
	f.String("name", "", "Job name prefix")
	f.String("nodes", "", "Comma-separated host list or path to a nodefile")
	f.Int("workers", 0, "Worker count (default from config)")
	f.String("monitor", "", "Monitoring sink address (directory or http(s) URL)")
	f.String("ledger", "", "Ledger database path (default from config; empty keeps it in memory)")
	f.Bool("async", true, "Submit without waiting, then track or collect")
	f.Bool("blocking", false, "Submit and wait for every result before storing")
	f.Bool("progress", true, "Show a progress bar while storing results")
	f.Bool("json", false, "Write results and summary as JSONL to stdout")
	f.Bool("clear-monitoring", false, "Clear the monitoring sink before running")
	f.Bool("background", false, "Run as a managed background job")
	f.Bool("dedupe", false, "With --background, refuse to start if the same run is already running")

	managed := strings.TrimPrefix(jobregistry.ManagedJobFlag, "--")
	f.String(managed, "", "Internal: job registry id of a managed run")
	_ = f.MarkHidden(managed)

	runCmd.MarkFlagsMutuallyExclusive("async", "blocking")
}

type runOptions struct {
	taskName  string
	source    string
	subpath   string
	template  string
	sets      []string
	include   string
	outputDir string
	name      string
	nodes     string
	workers   int
	monitor   string
	ledger    string
	blocking  bool
	progress  bool
	json      bool
	clear     bool
	managedID string
}

func readRunOptions(cmd *cobra.Command, args []string) runOptions {
	f := cmd.Flags()
	o := runOptions{taskName: args[0], source: args[1]}
	o.subpath, _ = f.GetString("subpath")
	o.template, _ = f.GetString("template")
	o.sets, _ = f.GetStringArray("set")
	o.include, _ = f.GetString("include")
	o.outputDir, _ = f.GetString("output")
	o.name, _ = f.GetString("name")
	o.nodes, _ = f.GetString("nodes")
	o.workers, _ = f.GetInt("workers")
	o.monitor, _ = f.GetString("monitor")
	o.ledger, _ = f.GetString("ledger")
	o.blocking, _ = f.GetBool("blocking")
	o.progress, _ = f.GetBool("progress")
	o.json, _ = f.GetBool("json")
	o.clear, _ = f.GetBool("clear-monitoring")
	o.managedID, _ = f.GetString(strings.TrimPrefix(jobregistry.ManagedJobFlag, "--"))
	return o
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	opts := readRunOptions(cmd, args)

	if background, _ := cmd.Flags().GetBool("background"); background && opts.managedID == "" {
		return startBackgroundRun(cmd, cfg, opts)
	}
	return executeRun(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func startBackgroundRun(cmd *cobra.Command, cfg *config.Config, opts runOptions) error {
	root, err := jobsRootDir(cfg)
	if err != nil {
		return err
	}
	dedupe, _ := cmd.Flags().GetBool("dedupe")

	outDir, err := filepath.Abs(opts.outputDir)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid output directory", err)
	}

	rec, err := jobregistry.NewExecutor(root).StartRunBackground(
		forwardedRunArgs(cmd, []string{opts.taskName, opts.source}),
		jobregistry.BackgroundOptions{
			Name:      opts.name,
			Task:      opts.taskName,
			Source:    opts.source,
			OutputDir: outDir,
			Dedupe:    dedupe,
		})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to start background run", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stderr=%s\n", rec.StderrPath)
	return nil
}

// forwardedRunArgs rebuilds the run arguments for the managed child,
// dropping the flags that only matter to the parent. The output directory
// is made absolute since the child may not share the working directory.
func forwardedRunArgs(cmd *cobra.Command, positional []string) []string {
	argv := append([]string(nil), positional...)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "background", "dedupe", "progress":
			return
		case "output":
			if abs, err := filepath.Abs(f.Value.String()); err == nil {
				argv = append(argv, "--output", abs)
				return
			}
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			for _, v := range sv.GetSlice() {
				argv = append(argv, "--"+f.Name, v)
			}
			return
		}
		argv = append(argv, "--"+f.Name+"="+f.Value.String())
	})
	if cfgFile != "" {
		argv = append(argv, "--config", cfgFile)
	}
	// Managed runs have no terminal to draw on.
	return append(argv, "--progress=false")
}

func executeRun(ctx context.Context, cfg *config.Config, opts runOptions, stdout, stderr io.Writer) error {
	logger := observability.CLILogger
	started := time.Now()

	template := task.Params{}
	if opts.template != "" {
		t, err := params.LoadTemplate(opts.template)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to load template", err)
		}
		template = t
	}
	if err := params.ApplyOverrides(template, opts.sets); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --set", err)
	}

	enum := &params.Enumerator{
		S3Config: cfg.S3Provider(),
		Include:  opts.include,
		Location: cfg.Runtime.Location,
		Logger:   logger,
	}
	groups, err := enum.PrepareParameters(ctx, opts.source, opts.subpath, template)
	if err != nil {
		return sourceError(err)
	}

	reg := task.NewRegistry()
	if err := task.RegisterBuiltins(reg); err != nil {
		return err
	}
	if _, err := reg.Lookup(opts.taskName); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown task", fmt.Errorf("%w (available: %s)", err, strings.Join(reg.Names(), ", ")))
	}

	workers := opts.workers
	if workers <= 0 {
		workers = cfg.Runtime.Workers
	}
	rt := local.New(reg, local.Options{
		Workers:      workers,
		CaptureBytes: cfg.Runtime.CaptureBytes,
		Logger:       logger,
	})

	monCfg := cfg.MonitorSink()
	if opts.monitor != "" {
		monCfg.Address = opts.monitor
	}
	ledgerPath := cfg.Session.LedgerPath
	if opts.ledger != "" {
		ledgerPath = opts.ledger
	}
	name := opts.name
	if name == "" {
		name = cfg.Session.Name
	}

	sessOpts := session.Options{
		Name:            name,
		Monitor:         monCfg,
		LedgerPath:      ledgerPath,
		ShutdownTimeout: cfg.Session.ShutdownTimeout,
		PollInterval:    cfg.Session.PollInterval,
		RegistryID:      opts.managedID,
		Source:          opts.source,
		OutputDir:       opts.outputDir,
		Logger:          logger,
	}
	if root, err := jobsRootDir(cfg); err == nil {
		sessOpts.Registry = jobregistry.NewStore(root)
	} else {
		logger.Warn("Job registry unavailable", zap.Error(err))
	}

	s, err := session.New(ctx, rt, sessOpts)
	if err != nil {
		if monitor.IsUnreachable(err) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Monitoring sink unreachable", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to create session", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("Session close failed", zap.Error(cerr))
		}
	}()

	var jw *output.JSONLWriter
	if opts.json {
		jw = output.NewJSONLWriter(stdout, s.JobName())
		defer func() { _ = jw.Close() }()
		for _, g := range groups {
			_ = jw.WriteParams(ctx, &output.ParamsRecord{Location: g.Location, Parameters: g.Parameters})
		}
	}

	if opts.clear {
		if err := s.ClearMonitoring(ctx); err != nil {
			s.Finish(err)
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to clear monitoring sink", err)
		}
	}

	nodes := opts.nodes
	if nodes == "" {
		nodes = cfg.Runtime.Nodes
	}
	if err := s.Start(ctx, nodes, workers); err != nil {
		s.Finish(err)
		return exitError(foundry.ExitInvalidArgument, "Failed to start runtime", err)
	}

	total := task.CountTasks(groups)
	logger.Info("Submitting tasks",
		zap.String("task", opts.taskName),
		zap.String("source", opts.source),
		zap.Int("tasks", total),
		zap.String("job", s.JobName()))

	emit := func(r *task.Result) {
		if jw != nil {
			if err := jw.WriteResult(ctx, output.NewResultRecord(r)); err != nil {
				logger.Warn("Result output failed", zap.Error(err))
			}
			return
		}
		if !opts.progress {
			_ = results.Print(stdout, r)
		}
	}

	var handle task.Handle
	runErr := func() error {
		if opts.blocking {
			rs, err := s.Run(ctx, opts.taskName, groups)
			if err != nil {
				return err
			}
			if err := results.Store(rs, opts.outputDir); err != nil {
				return storeError(err)
			}
			for i := range rs {
				emit(&rs[i])
			}
			return nil
		}

		h, err := s.Submit(ctx, opts.taskName, groups)
		if err != nil {
			return err
		}
		handle = h

		if opts.progress {
			tracker := s.Progress(stderr)
			observe := tracker.OnResult
			tracker.OnResult = func(r *task.Result) {
				observe(r)
				emit(r)
			}
			if _, err := tracker.ShowAndStore(ctx, h, opts.outputDir); err != nil {
				return err
			}
			return nil
		}

		rs, err := s.Collect(ctx, h)
		if err != nil {
			return err
		}
		if err := results.Store(rs, opts.outputDir); err != nil {
			return storeError(err)
		}
		for i := range rs {
			emit(&rs[i])
		}
		return nil
	}()

	s.Finish(runErr)
	succeeded, failed := s.Counts()
	recorded, _ := s.Results().Recorded(ctx)
	elapsed := time.Since(started)

	if jw != nil {
		if runErr != nil {
			_ = jw.WriteError(ctx, errorRecord(runErr))
		}
		_ = jw.WriteSummary(ctx, &output.SummaryRecord{
			Task:          opts.taskName,
			Handle:        handle.String(),
			Total:         total,
			Succeeded:     succeeded,
			Failed:        failed,
			Recorded:      recorded,
			Sink:          s.Sink().Address(),
			OutputDir:     opts.outputDir,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		})
	}

	logger.Info("Run finished",
		zap.String("job", s.JobName()),
		zap.Int("total", total),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("recorded", recorded),
		zap.Duration("duration", elapsed))

	if runErr != nil {
		var ece *ExitCodeError
		switch {
		case errors.As(runErr, &ece):
			return runErr
		case errors.Is(runErr, results.ErrStore):
			return storeError(runErr)
		case monitor.IsUnreachable(runErr):
			return exitError(foundry.ExitExternalServiceUnavailable, "Monitoring sink unreachable", runErr)
		case errors.Is(runErr, context.Canceled):
			return exitError(foundry.ExitSignalInt, "Run interrupted", runErr)
		default:
			return fmt.Errorf("run %s: %w", opts.taskName, runErr)
		}
	}
	return nil
}

func storeError(err error) error {
	return exitError(foundry.ExitFileWriteError, "Failed to store results", err)
}

func errorRecord(err error) *output.ErrorRecord {
	code := output.ErrCodeInternal
	switch {
	case monitor.IsUnreachable(err):
		code = output.ErrCodeSinkUnreachable
	case errors.Is(err, results.ErrStore):
		code = output.ErrCodeStore
	}
	return &output.ErrorRecord{Code: code, Message: err.Error()}
}
