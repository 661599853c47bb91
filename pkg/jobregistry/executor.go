package jobregistry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ManagedJobFlag is the hidden run flag that ties a child process to its
// registry record.
const ManagedJobFlag = "--_managed-job-id"

// Executor spawns and stops background runs.
//
// A background run is a child `dartctl run` process in managed mode whose
// stdout/stderr go to per-job log files.
type Executor struct {
	store *Store

	// executable overrides os.Executable in tests.
	executable string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store { return e.store }

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stderr.log")
}

// BackgroundOptions describes the run being spawned.
type BackgroundOptions struct {
	Name      string
	Task      string
	Source    string
	OutputDir string

	// Dedupe refuses to start when a running job has the same task, source
	// and output directory.
	Dedupe bool
}

// StartRunBackground spawns a managed child process running:
//
//	dartctl run <args...> --_managed-job-id <job_id>
//
// It returns after the child successfully starts.
func (e *Executor) StartRunBackground(args []string, opts BackgroundOptions) (*JobRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	if opts.Dedupe {
		existing, _ := e.store.List()
		for _, j := range existing {
			if j.State == JobStateRunning && j.Task == opts.Task && j.Source == opts.Source && j.OutputDir == opts.OutputDir {
				return nil, fmt.Errorf("duplicate running job exists: %s", j.JobID)
			}
		}
	}

	exe := e.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	jobID := uuid.New().String()
	if err := os.MkdirAll(e.store.JobDir(jobID), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	argv := append([]string{"run"}, args...)
	argv = append(argv, ManagedJobFlag, jobID)
	cmd := exec.Command(exe, argv...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := time.Now().UTC()
	hb := now
	rec := &JobRecord{
		JobID:         jobID,
		Name:          strings.TrimSpace(opts.Name),
		Task:          opts.Task,
		State:         JobStateRunning,
		Source:        opts.Source,
		OutputDir:     opts.OutputDir,
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: &hb,
		StdoutPath:    e.StdoutPath(jobID),
		StderrPath:    e.StderrPath(jobID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	// Reap the child so it does not linger as a zombie of this process.
	go func() { _ = cmd.Wait() }()
	return rec, nil
}

// Stop sends SIGTERM to a running job and SIGKILL if it is still alive
// after grace. The record ends up stopped.
func (e *Executor) Stop(ctx context.Context, jobID string, grace time.Duration) (*JobRecord, error) {
	rec, err := e.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return rec, nil
	}

	if rec.PID > 0 && isProcessAlive(rec.PID) {
		if _, err := e.store.Update(jobID, func(r *JobRecord) { r.State = JobStateStopping }); err != nil {
			return nil, err
		}
		if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil {
			return nil, fmt.Errorf("signal job %s: %w", jobID, err)
		}
		if !waitExit(ctx, rec.PID, grace) {
			_ = syscall.Kill(rec.PID, syscall.SIGKILL)
		}
	}

	return e.store.Update(jobID, func(r *JobRecord) {
		if r.State.Terminal() {
			return
		}
		now := time.Now().UTC()
		r.State = JobStateStopped
		r.EndedAt = &now
	})
}

func waitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if !isProcessAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
