// Package session owns one orchestration session: its job name, the
// monitoring sink and result channel bound to it, and shutdown on
// termination signals.
//
// A Session is meant to be driven by one goroutine. Concurrent fan-out
// should create one Session per concurrent unit so every unit gets its own
// job name; the monitoring sink address may be shared.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/dartctl/pkg/jobregistry"
	"github.com/3leaps/dartctl/pkg/ledger"
	"github.com/3leaps/dartctl/pkg/monitor"
	"github.com/3leaps/dartctl/pkg/progress"
	"github.com/3leaps/dartctl/pkg/results"
	"github.com/3leaps/dartctl/pkg/runtime"
	"github.com/3leaps/dartctl/pkg/task"
)

// ErrShutdownFailed is returned when the runtime could not be stopped.
var ErrShutdownFailed = errors.New("shutdown failed")

const (
	// ExitShutdownFailed is the process exit code used when a signal-driven
	// shutdown cannot stop the runtime in time.
	ExitShutdownFailed = 2

	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultSignals are the termination signals a session shuts down on.
var DefaultSignals = []os.Signal{
	syscall.SIGTERM,
	syscall.SIGABRT,
	syscall.SIGINT,
	syscall.SIGSEGV,
	syscall.SIGQUIT,
}

// Options configures a session.
type Options struct {
	// Name is an optional job name prefix.
	Name string

	// Monitor configures the monitoring sink. Ignored when Sink is set.
	Monitor monitor.Config
	Sink    monitor.Sink

	// LedgerPath selects a sqlite ledger file. Empty keeps the ledger in memory.
	LedgerPath string

	ShutdownTimeout time.Duration
	PollInterval    time.Duration

	// Registry, when set, receives a JobRecord for the session's work.
	// RegistryID reuses an existing record, as managed background runs do.
	Registry   *jobregistry.Store
	RegistryID string
	Source     string
	OutputDir  string

	Logger *zap.Logger

	// Signals overrides DefaultSignals. NoSignals disables the handler.
	Signals   []os.Signal
	NoSignals bool

	// Exit terminates the process after a signal-driven shutdown.
	// Defaults to os.Exit.
	Exit func(code int)
}

// Session is the top-level object of one orchestration run.
type Session struct {
	rt      runtime.Runtime
	opts    Options
	logger  *zap.Logger
	jobName string
	sink    monitor.Sink
	ledger  ledger.Ledger
	channel *results.Channel

	sigCh    chan os.Signal
	done     chan struct{}
	shutdown sync.Once
	closed   sync.Once

	stopMu  sync.Mutex
	stopped bool

	mu         sync.Mutex
	registryID string
	succeeded  int
	failed     int
}

// New builds a session bound to rt. An HTTP sink is probed first; if it is
// unreachable New fails before anything else is set up.
func New(ctx context.Context, rt runtime.Runtime, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}

	sink := opts.Sink
	if sink == nil {
		var err error
		if sink, err = monitor.New(opts.Monitor, logger); err != nil {
			return nil, err
		}
	}
	if sink.Backend() == monitor.BackendHTTP {
		if err := sink.Probe(ctx); err != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("monitoring sink %s: %w", sink.Address(), err)
		}
	}

	l, err := ledger.Open(ctx, opts.LedgerPath)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	jobName := NewJobName(opts.Name)
	s := &Session{
		rt:         rt,
		opts:       opts,
		logger:     logger.With(zap.String("job", jobName)),
		jobName:    jobName,
		sink:       sink,
		ledger:     l,
		done:       make(chan struct{}),
		registryID: opts.RegistryID,
	}
	s.channel = results.New(rt, sink, l, jobName, s.logger)

	if !opts.NoSignals {
		sigs := opts.Signals
		if len(sigs) == 0 {
			sigs = DefaultSignals
		}
		s.sigCh = make(chan os.Signal, 1)
		signal.Notify(s.sigCh, sigs...)
		go s.watchSignals()
	}

	s.logger.Info("Session created",
		zap.String("sink", sink.Address()),
		zap.String("backend", sink.Backend()))
	return s, nil
}

// NewJobName returns prefix_<hex> or just <hex> without a prefix.
func NewJobName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

func (s *Session) JobName() string           { return s.jobName }
func (s *Session) Results() *results.Channel { return s.channel }
func (s *Session) Sink() monitor.Sink        { return s.sink }
func (s *Session) Runtime() runtime.Runtime  { return s.rt }

// RegistryID returns the job registry record id, empty until the first
// submission when no registry id was given.
func (s *Session) RegistryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registryID
}

// ClearMonitoring removes every record from the monitoring sink.
func (s *Session) ClearMonitoring(ctx context.Context) error {
	return s.sink.Clear(ctx)
}

// Start starts the runtime session.
func (s *Session) Start(ctx context.Context, nodes string, resources int) error {
	if err := s.rt.Start(ctx, nodes, resources); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	return nil
}

// Stop tears down the runtime session. Calling it again after a
// successful stop does nothing.
func (s *Session) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return nil
	}
	if err := s.rt.Stop(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrShutdownFailed, err)
	}
	s.stopped = true
	s.logger.Info("Session stopped")
	return nil
}

// Close stops the session, unregisters the signal handler and releases
// the ledger and sink.
func (s *Session) Close() error {
	var err error
	s.closed.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		err = s.Stop(ctx)

		if s.sigCh != nil {
			signal.Stop(s.sigCh)
		}
		close(s.done)

		err = errors.Join(err, s.ledger.Close(), s.sink.Close())
	})
	return err
}

// Submit submits taskName without waiting for results.
func (s *Session) Submit(ctx context.Context, taskName string, groups []task.ParameterGroup) (task.Handle, error) {
	h, err := s.rt.SubmitAsync(ctx, taskName, groups)
	if err != nil {
		return "", err
	}
	s.register(taskName, h, task.CountTasks(groups))
	return h, nil
}

// Run submits taskName, waits for every result, and records each one.
func (s *Session) Run(ctx context.Context, taskName string, groups []task.ParameterGroup) ([]task.Result, error) {
	s.register(taskName, "", task.CountTasks(groups))
	rs, err := s.rt.SubmitBlocking(ctx, taskName, groups)
	if err != nil {
		return nil, err
	}
	recorded, err := s.channel.Record(ctx, s.channel.Extract(rs))
	s.observe(recorded...)
	return recorded, err
}

// Collect waits for h to finish and returns its results, recorded once.
func (s *Session) Collect(ctx context.Context, h task.Handle) ([]task.Result, error) {
	rs, err := s.channel.Collect(ctx, h)
	s.observe(rs...)
	return rs, err
}

// Progress returns a tracker drawing to out whose results count toward
// this session.
func (s *Session) Progress(out io.Writer) *progress.Tracker {
	return &progress.Tracker{
		Runtime:      s.rt,
		Channel:      s.channel,
		Out:          out,
		PollInterval: s.opts.PollInterval,
		Logger:       s.logger,
		OnResult:     func(r *task.Result) { s.observe(*r) },
	}
}

// Counts returns how many succeeded and failed results this session saw.
func (s *Session) Counts() (succeeded, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed
}

func (s *Session) observe(rs ...task.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rs {
		if rs[i].Succeeded() {
			s.succeeded++
		} else {
			s.failed++
		}
	}
}

func (s *Session) watchSignals() {
	select {
	case sig := <-s.sigCh:
		s.Shutdown(sig)
	case <-s.done:
	}
}

// Shutdown stops the session in response to sig and exits the process:
// with 128+signal on success, or ExitShutdownFailed when stopping fails or
// takes longer than the shutdown timeout. Only the first call acts.
func (s *Session) Shutdown(sig os.Signal) {
	s.shutdown.Do(func() {
		s.logger.Warn("Shutting down on signal", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		stopped := make(chan error, 1)
		go func() { stopped <- s.Stop(ctx) }()

		var err error
		select {
		case err = <-stopped:
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", ErrShutdownFailed, ctx.Err())
		}

		s.finishRegistry(jobregistry.JobStateStopped, err)
		if err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
			s.opts.Exit(ExitShutdownFailed)
			return
		}
		s.opts.Exit(ExitCode(sig))
	})
}

// ExitCode maps a signal to the conventional 128+n process exit code.
func ExitCode(sig os.Signal) int {
	if n, ok := sig.(syscall.Signal); ok {
		return 128 + int(n)
	}
	return 1
}
