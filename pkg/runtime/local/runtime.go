// Package local implements runtime.Runtime in-process: tasks from the
// static registry run on a bounded worker pool.
package local

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/pkg/codec"
	"github.com/3leaps/dartctl/pkg/runtime"
	"github.com/3leaps/dartctl/pkg/task"
)

const (
	DefaultWorkers      = 4
	DefaultCaptureBytes = 64 * 1024
)

// Options configures a local runtime.
type Options struct {
	// Workers is the pool size used when Start is given no resource count.
	Workers int

	// CaptureBytes bounds the stdout/stderr kept per task.
	CaptureBytes int64

	// Host names the local node. Empty uses os.Hostname.
	Host string

	Logger *zap.Logger
}

// Runtime runs tasks on a gammazero worker pool.
type Runtime struct {
	registry *task.Registry
	opts     Options
	logger   *zap.Logger

	mu     sync.Mutex
	state  state
	pool   *workerpool.WorkerPool
	slots  chan int
	hosts  []string
	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[task.Handle]*job

	// nextTask numbers tasks across every job of this runtime.
	nextTask int
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

type job struct {
	mu        sync.Mutex
	total     int
	remaining int
	pending   []task.Result
	done      chan struct{}
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a runtime executing functions from registry.
func New(registry *task.Registry, opts Options) *Runtime {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CaptureBytes <= 0 {
		opts.CaptureBytes = DefaultCaptureBytes
	}
	if opts.Host == "" {
		if h, err := os.Hostname(); err == nil {
			opts.Host = h
		} else {
			opts.Host = "localhost"
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		registry: registry,
		opts:     opts,
		logger:   logger,
		jobs:     make(map[task.Handle]*job),
	}
}

// Start sizes the pool and resolves the node description. Starting a
// running runtime is a no-op.
func (r *Runtime) Start(ctx context.Context, nodes string, resources int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateRunning:
		return nil
	case stateStopped:
		return runtime.ErrStopped
	}

	hosts, err := ParseNodes(nodes, r.opts.Host)
	if err != nil {
		return err
	}
	if resources <= 0 {
		resources = r.opts.Workers
	}

	r.hosts = hosts
	r.pool = workerpool.New(resources)
	r.slots = make(chan int, resources)
	for i := 0; i < resources; i++ {
		r.slots <- i
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.state = stateRunning

	r.logger.Info("Runtime started",
		zap.Strings("hosts", hosts),
		zap.Int("workers", resources))
	return nil
}

// Stop cancels in-flight tasks and drains the pool. Queued tasks finish
// immediately as failures so every submitted task still yields a result.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case stateNew:
		r.state = stateStopped
		r.mu.Unlock()
		return nil
	case stateStopped:
		r.mu.Unlock()
		return nil
	}
	r.state = stateStopped
	r.cancel()
	pool := r.pool
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		pool.StopWait()
		close(drained)
	}()

	select {
	case <-drained:
		r.logger.Info("Runtime stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop runtime: %w", ctx.Err())
	}
}

func (r *Runtime) SubmitAsync(ctx context.Context, taskName string, groups []task.ParameterGroup) (task.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fn, err := r.registry.Lookup(taskName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", runtime.ErrUnknownTask, taskName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateNew:
		return "", runtime.ErrNotStarted
	case stateStopped:
		return "", runtime.ErrStopped
	}

	total := task.CountTasks(groups)
	h := task.Handle(uuid.NewString())
	j := &job{total: total, remaining: total, done: make(chan struct{})}
	if total == 0 {
		close(j.done)
	}
	r.jobs[h] = j

	n := r.nextTask
	for _, g := range groups {
		location := g.Location
		if location == "" {
			location = task.DefaultLocation
		}
		for _, text := range g.Parameters {
			taskID := strconv.Itoa(n)
			host := r.hosts[n%len(r.hosts)]
			n++
			r.pool.Submit(func() {
				res := r.execute(taskName, fn, taskID, host, location, text)
				j.finish(res)
			})
		}
	}

	r.nextTask = n

	r.logger.Debug("Job submitted",
		zap.String("handle", h.String()),
		zap.String("task", taskName),
		zap.Int("tasks", total))
	return h, nil
}

func (r *Runtime) SubmitBlocking(ctx context.Context, taskName string, groups []task.ParameterGroup) ([]task.Result, error) {
	h, err := r.SubmitAsync(ctx, taskName, groups)
	if err != nil {
		return nil, err
	}
	return r.CollectResults(ctx, h)
}

func (r *Runtime) TotalTasks(_ context.Context, h task.Handle) (int, error) {
	j, err := r.job(h)
	if err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total, nil
}

func (r *Runtime) RemainingTasks(_ context.Context, h task.Handle) (int, error) {
	j, err := r.job(h)
	if err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.remaining, nil
}

func (r *Runtime) PopResult(_ context.Context, h task.Handle) (*task.Result, error) {
	j, err := r.job(h)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return nil, nil
	}
	res := j.pending[0]
	j.pending = j.pending[1:]
	return &res, nil
}

func (r *Runtime) CollectResults(ctx context.Context, h task.Handle) ([]task.Result, error) {
	j, err := r.job(h)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.pending
	j.pending = nil
	return out, nil
}

// Hosts returns the hosts resolved by Start.
func (r *Runtime) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hosts...)
}

func (r *Runtime) job(h task.Handle) (*job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrUnknownJob, h)
	}
	return j, nil
}

func (j *job) finish(res task.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = append(j.pending, res)
	j.remaining--
	if j.remaining == 0 {
		close(j.done)
	}
}

// execute runs one task on the calling pool worker.
func (r *Runtime) execute(taskName string, fn task.Func, taskID, host, location, text string) (res task.Result) {
	slot := <-r.slots
	defer func() { r.slots <- slot }()

	started := time.Now()
	res = task.Result{
		TaskID:    taskID,
		Worker:    "worker-" + strconv.Itoa(slot),
		Host:      host,
		Location:  location,
		StartTime: started,
	}

	stdout, err := newCapture(r.opts.CaptureBytes)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	stderr, err := newCapture(r.opts.CaptureBytes)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res.Error = fmt.Sprintf("panic: %v", p)
			r.logger.Warn("Task panicked",
				zap.String("task", taskName),
				zap.String("task_id", taskID),
				zap.ByteString("stack", debug.Stack()))
		}
		res.Duration = time.Since(started)
		res.Output = stdout.String() + stderr.String()
		if stdout.Truncated() || stderr.Truncated() {
			r.logger.Debug("Task output truncated",
				zap.String("task_id", taskID),
				zap.Int64("limit", r.opts.CaptureBytes))
		}
	}()

	if err := r.ctx.Err(); err != nil {
		res.Error = runtime.ErrStopped.Error()
		return res
	}

	params, err := task.ParseParams(text)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	tc := &task.Context{
		TaskID:   taskID,
		Worker:   res.Worker,
		Host:     host,
		Location: location,
		Stdout:   stdout,
		Stderr:   stderr,
	}
	value, err := fn(r.ctx, tc, params)
	if err != nil {
		res.Error = err.Error()
		if res.Error == "" {
			res.Error = "task failed"
		}
		return res
	}

	payload, err := codec.Pack(value)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Payload = payload

	r.logger.Debug("Task finished",
		zap.String("task", taskName),
		zap.String("task_id", taskID),
		zap.String("worker", res.Worker))
	return res
}
