package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dartctl/pkg/jobregistry"
	"github.com/3leaps/dartctl/pkg/monitor"
	"github.com/3leaps/dartctl/pkg/runtime"
	"github.com/3leaps/dartctl/pkg/runtime/local"
	"github.com/3leaps/dartctl/pkg/task"
)

// stubRuntime records lifecycle calls and lets Stop be scripted.
type stubRuntime struct {
	runtime.Runtime

	mu      sync.Mutex
	started bool
	stops   int
	stopErr error
	hang    chan struct{}
}

func (r *stubRuntime) Start(context.Context, string, int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *stubRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stops++
	hang, err := r.hang, r.stopErr
	r.mu.Unlock()
	if hang != nil {
		<-hang
	}
	return err
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) get() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func fileOptions(t *testing.T) (Options, string) {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Monitor:   monitor.Config{Address: dir},
		NoSignals: true,
		Exit:      func(int) { t.Fatal("unexpected exit") },
	}, filepath.Join(dir, monitor.FileName)
}

func newLocal(t *testing.T) *local.Runtime {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, task.RegisterBuiltins(reg))
	return local.New(reg, local.Options{Workers: 2, Host: "node"})
}

func groups(n int) []task.ParameterGroup {
	g := task.ParameterGroup{Location: task.DefaultLocation}
	for i := 0; i < n; i++ {
		g.Parameters = append(g.Parameters, `{"x": 3, "y": 4}`)
	}
	return []task.ParameterGroup{g}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}

func TestNewJobName(t *testing.T) {
	hex := regexp.MustCompile(`^[0-9a-f]{32}$`)
	assert.Regexp(t, hex, NewJobName(""))

	named := NewJobName("wordcount")
	require.True(t, strings.HasPrefix(named, "wordcount_"))
	assert.Regexp(t, hex, strings.TrimPrefix(named, "wordcount_"))
	assert.NotEqual(t, NewJobName("x"), NewJobName("x"))
}

func TestNew_UnreachableHTTPSinkFailsBeforeStart(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	rt := &stubRuntime{}
	s, err := New(context.Background(), rt, Options{
		Monitor:   monitor.Config{Address: addr, ProbeTimeout: time.Second},
		NoSignals: true,
	})
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, monitor.ErrSinkUnreachable)
	assert.False(t, rt.started)
}

func TestNew_ReachableHTTPSink(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	s, err := New(context.Background(), &stubRuntime{}, Options{
		Name:      "probe",
		Monitor:   monitor.Config{Address: srv.URL},
		NoSignals: true,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, monitor.BackendHTTP, s.Sink().Backend())
}

func TestSession_SubmitCollectRecordsOnce(t *testing.T) {
	ctx := context.Background()
	opts, monitoring := fileOptions(t)
	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	h, err := s.Submit(ctx, task.TaskMultiply, groups(5))
	require.NoError(t, err)

	rs, err := s.Collect(ctx, h)
	require.NoError(t, err)
	require.Len(t, rs, 5)
	for _, r := range rs {
		assert.Equal(t, float64(12), r.Value)
	}

	again, err := s.Collect(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.Equal(t, 5, countLines(t, monitoring))
	n, err := s.Results().Recorded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	succeeded, failed := s.Counts()
	assert.Equal(t, 5, succeeded)
	assert.Zero(t, failed)
}

func TestSession_SecondJobIsRecorded(t *testing.T) {
	ctx := context.Background()
	opts, monitoring := fileOptions(t)
	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	for i := 1; i <= 2; i++ {
		h, err := s.Submit(ctx, task.TaskMultiply, groups(3))
		require.NoError(t, err)
		rs, err := s.Collect(ctx, h)
		require.NoError(t, err)
		require.Len(t, rs, 3, "job %d", i)
		assert.Equal(t, 3*i, countLines(t, monitoring))
	}

	n, err := s.Results().Recorded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	succeeded, _ := s.Counts()
	assert.Equal(t, 6, succeeded)
}

func TestSession_PopAcrossJobs(t *testing.T) {
	ctx := context.Background()
	opts, monitoring := fileOptions(t)
	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	first, err := s.Submit(ctx, task.TaskMultiply, groups(2))
	require.NoError(t, err)
	second, err := s.Submit(ctx, task.TaskMultiply, groups(3))
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, job := range []struct {
		h     task.Handle
		tasks int
	}{{first, 2}, {second, 3}} {
		h, want := job.h, len(ids)+job.tasks
		require.Eventually(t, func() bool {
			r, err := s.Results().Pop(ctx, h)
			if err == nil {
				assert.False(t, ids[r.TaskID], "task %s popped twice", r.TaskID)
				ids[r.TaskID] = true
			}
			return len(ids) == want
		}, 5*time.Second, time.Millisecond)
	}
	assert.Len(t, ids, 5)
	assert.Equal(t, 5, countLines(t, monitoring))
}

func TestSession_RunRecordsBlockingResults(t *testing.T) {
	ctx := context.Background()
	opts, monitoring := fileOptions(t)
	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	rs, err := s.Run(ctx, task.TaskMultiply, groups(3))
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.NotNil(t, rs[0].Value)
	assert.Equal(t, 3, countLines(t, monitoring))
}

func TestSession_ProgressStoresEveryResult(t *testing.T) {
	ctx := context.Background()
	opts, monitoring := fileOptions(t)
	opts.PollInterval = time.Millisecond
	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	h, err := s.Submit(ctx, task.TaskMultiply, groups(6))
	require.NoError(t, err)

	out := t.TempDir()
	n, err := s.Progress(io.Discard).ShowAndStore(ctx, h, out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, countLines(t, monitoring))

	succeeded, _ := s.Counts()
	assert.Equal(t, 6, succeeded)
}

func TestSession_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt := &stubRuntime{}
	opts, _ := fileOptions(t)
	s, err := New(ctx, rt, opts)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx, "", 0))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, rt.stops)
}

func TestSession_StopFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	rt := &stubRuntime{stopErr: errors.New("agent gone")}
	opts, _ := fileOptions(t)
	s, err := New(ctx, rt, opts)
	require.NoError(t, err)

	err = s.Stop(ctx)
	assert.ErrorIs(t, err, ErrShutdownFailed)

	rt.mu.Lock()
	rt.stopErr = nil
	rt.mu.Unlock()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 2, rt.stops)
}

func TestShutdown_ExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		rt      func() *stubRuntime
		sig     os.Signal
		want    int
		release bool
	}{
		{"clean stop reports the signal", func() *stubRuntime { return &stubRuntime{} }, syscall.SIGTERM, 128 + 15, false},
		{"interrupt", func() *stubRuntime { return &stubRuntime{} }, syscall.SIGINT, 128 + 2, false},
		{"stop error forces exit", func() *stubRuntime { return &stubRuntime{stopErr: errors.New("boom")} }, syscall.SIGTERM, ExitShutdownFailed, false},
		{"hung stop times out", func() *stubRuntime { return &stubRuntime{hang: make(chan struct{})} }, syscall.SIGQUIT, ExitShutdownFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := tt.rt()
			rec := &exitRecorder{}
			opts, _ := fileOptions(t)
			opts.Exit = rec.exit
			opts.ShutdownTimeout = 30 * time.Millisecond

			s, err := New(context.Background(), rt, opts)
			require.NoError(t, err)

			s.Shutdown(tt.sig)
			s.Shutdown(tt.sig)
			assert.Equal(t, []int{tt.want}, rec.get())

			if tt.release {
				close(rt.hang)
			}
		})
	}
}

func TestShutdown_OnSignal(t *testing.T) {
	rec := &exitRecorder{}
	opts, _ := fileOptions(t)
	opts.NoSignals = false
	opts.Signals = []os.Signal{syscall.SIGUSR1}
	opts.Exit = rec.exit

	s, err := New(context.Background(), &stubRuntime{}, opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{128 + int(syscall.SIGUSR1)}, rec.get())
}

func TestSession_RegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := jobregistry.NewStore(t.TempDir())
	opts, _ := fileOptions(t)
	opts.Registry = store
	opts.Name = "reg"
	opts.Source = "/data"

	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	h, err := s.Submit(ctx, task.TaskMultiply, groups(2))
	require.NoError(t, err)

	rec, err := store.Get(s.RegistryID())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateRunning, rec.State)
	assert.Equal(t, h.String(), rec.Handle)
	assert.Equal(t, s.JobName(), rec.Name)
	assert.Equal(t, 2, rec.Total)

	_, err = s.Collect(ctx, h)
	require.NoError(t, err)
	s.Finish(nil)

	rec, err = store.Get(s.RegistryID())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateSuccess, rec.State)
	assert.Equal(t, 2, rec.Succeeded)
	assert.NotNil(t, rec.EndedAt)
}

func TestSession_ClearMonitoring(t *testing.T) {
	ctx := context.Background()
	opts, monitoring := fileOptions(t)
	s, err := New(ctx, newLocal(t), opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(ctx, "", 0))
	_, err = s.Run(ctx, task.TaskMultiply, groups(1))
	require.NoError(t, err)
	require.FileExists(t, monitoring)

	require.NoError(t, s.ClearMonitoring(ctx))
	assert.NoFileExists(t, monitoring)
}
