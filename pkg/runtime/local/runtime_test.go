package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dartctl/pkg/codec"
	"github.com/3leaps/dartctl/pkg/runtime"
	"github.com/3leaps/dartctl/pkg/task"
)

func paramGroups(n int) []task.ParameterGroup {
	g := task.ParameterGroup{Location: task.DefaultLocation}
	for i := 0; i < n; i++ {
		g.Parameters = append(g.Parameters, fmt.Sprintf(`{"x": %d, "y": 2}`, i))
	}
	return []task.ParameterGroup{g}
}

func newRuntime(t *testing.T, extra map[string]task.Func) *Runtime {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, task.RegisterBuiltins(reg))
	for name, fn := range extra {
		require.NoError(t, reg.Register(name, fn))
	}
	rt := New(reg, Options{Workers: 3, Host: "testhost"})
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt
}

func TestRuntime_CollectReturnsEveryResultOnce(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	require.NoError(t, rt.Start(ctx, "", 0))

	h, err := rt.SubmitAsync(ctx, task.TaskMultiply, paramGroups(10))
	require.NoError(t, err)

	total, err := rt.TotalTasks(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 10, total)

	results, err := rt.CollectResults(ctx, h)
	require.NoError(t, err)
	require.Len(t, results, 10)

	ids := map[string]bool{}
	for _, r := range results {
		assert.True(t, r.Succeeded(), r.Error)
		assert.False(t, ids[r.TaskID], "duplicate task id %s", r.TaskID)
		ids[r.TaskID] = true
		assert.Equal(t, "testhost", r.Host)
		assert.True(t, strings.HasPrefix(r.Worker, "worker-"))

		v, err := codec.Unpack(r.Payload)
		require.NoError(t, err)
		assert.IsType(t, float64(0), v)
	}

	again, err := rt.CollectResults(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, again)

	remaining, err := rt.RemainingTasks(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestRuntime_TaskIDsUniqueAcrossJobs(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	require.NoError(t, rt.Start(ctx, "", 0))

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		results, err := rt.SubmitBlocking(ctx, task.TaskMultiply, paramGroups(4))
		require.NoError(t, err)
		for _, r := range results {
			assert.False(t, ids[r.TaskID], "duplicate task id %s", r.TaskID)
			ids[r.TaskID] = true
		}
	}
	assert.Len(t, ids, 12)
}

func TestRuntime_PopUntilDrained(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	require.NoError(t, rt.Start(ctx, "a,b", 2))

	h, err := rt.SubmitAsync(ctx, task.TaskMultiply, paramGroups(5))
	require.NoError(t, err)

	seen := map[string]bool{}
	hosts := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < 5 && time.Now().Before(deadline) {
		r, err := rt.PopResult(ctx, h)
		require.NoError(t, err)
		if r == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		assert.False(t, seen[r.TaskID])
		seen[r.TaskID] = true
		hosts[r.Host] = true
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, hosts)

	r, err := rt.PopResult(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestRuntime_TaskFailuresAndPanics(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, map[string]task.Func{
		"boom": func(_ context.Context, tc *task.Context, p task.Params) (any, error) {
			_, _ = fmt.Fprint(tc.Stdout, "before ")
			_, _ = fmt.Fprint(tc.Stderr, "oops")
			if p["mode"] == "panic" {
				panic("kaboom")
			}
			return nil, errors.New("bad input")
		},
	})
	require.NoError(t, rt.Start(ctx, "", 1))

	groups := []task.ParameterGroup{{Parameters: []string{`{"mode":"error"}`, `{"mode":"panic"}`, `not json`}}}
	results, err := rt.SubmitBlocking(ctx, "boom", groups)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]task.Result{}
	for _, r := range results {
		byID[r.TaskID] = r
		assert.False(t, r.Succeeded())
		assert.Empty(t, r.Payload)
		assert.Equal(t, task.DefaultLocation, r.Location)
	}
	assert.Equal(t, "bad input", byID["0"].Error)
	assert.Equal(t, "before oops", byID["0"].Output)
	assert.Contains(t, byID["1"].Error, "kaboom")
	assert.Contains(t, byID["2"].Error, "parse task parameters")
}

func TestRuntime_OutputCaptureIsBounded(t *testing.T) {
	ctx := context.Background()
	reg := task.NewRegistry()
	require.NoError(t, reg.Register("chatty", func(_ context.Context, tc *task.Context, _ task.Params) (any, error) {
		_, _ = fmt.Fprint(tc.Stdout, strings.Repeat("x", 100)+"tail")
		return "ok", nil
	}))
	rt := New(reg, Options{Workers: 1, CaptureBytes: 8})
	require.NoError(t, rt.Start(ctx, "", 0))
	defer func() { _ = rt.Stop(ctx) }()

	results, err := rt.SubmitBlocking(ctx, "chatty", []task.ParameterGroup{{Parameters: []string{"{}"}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "xxxxtail", results[0].Output)
}

func TestRuntime_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)

	_, err := rt.SubmitAsync(ctx, task.TaskMultiply, paramGroups(1))
	assert.ErrorIs(t, err, runtime.ErrNotStarted)

	require.NoError(t, rt.Start(ctx, "", 0))
	require.NoError(t, rt.Start(ctx, "", 0), "start is idempotent while running")

	_, err = rt.SubmitAsync(ctx, "missing", paramGroups(1))
	assert.ErrorIs(t, err, runtime.ErrUnknownTask)

	_, err = rt.TotalTasks(ctx, "nope")
	assert.ErrorIs(t, err, runtime.ErrUnknownJob)

	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, rt.Stop(ctx), "stop is idempotent")

	_, err = rt.SubmitAsync(ctx, task.TaskMultiply, paramGroups(1))
	assert.ErrorIs(t, err, runtime.ErrStopped)
	assert.ErrorIs(t, rt.Start(ctx, "", 0), runtime.ErrStopped)
}

func TestRuntime_StopFailsQueuedTasks(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var ran atomic.Int32
	rt := newRuntime(t, map[string]task.Func{
		"slow": func(tctx context.Context, _ *task.Context, _ task.Params) (any, error) {
			ran.Add(1)
			select {
			case <-release:
			case <-tctx.Done():
			}
			return nil, tctx.Err()
		},
	})
	require.NoError(t, rt.Start(ctx, "", 1))

	h, err := rt.SubmitAsync(ctx, "slow", []task.ParameterGroup{{Parameters: []string{"{}", "{}", "{}"}}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, rt.Stop(ctx))
	close(release)

	results, err := rt.CollectResults(ctx, h)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Succeeded())
	}
	assert.Equal(t, int32(1), ran.Load(), "queued tasks never start after stop")
}

func TestRuntime_CollectHonorsContext(t *testing.T) {
	rt := newRuntime(t, map[string]task.Func{
		"wait": func(tctx context.Context, _ *task.Context, _ task.Params) (any, error) {
			<-tctx.Done()
			return nil, tctx.Err()
		},
	})
	require.NoError(t, rt.Start(context.Background(), "", 1))

	h, err := rt.SubmitAsync(context.Background(), "wait", []task.ParameterGroup{{Parameters: []string{"{}"}}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rt.CollectResults(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseNodes(t *testing.T) {
	hosts, err := ParseNodes("", "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"me"}, hosts)

	hosts, err = ParseNodes(" a, b ,,c", "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, hosts)

	path := filepath.Join(t.TempDir(), "nodes")
	require.NoError(t, os.WriteFile(path, []byte("# cluster\nnode1\n\nnode2 # gpu\n"), 0o644))
	hosts, err = ParseNodes(path, "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2"}, hosts)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o644))
	_, err = ParseNodes(empty, "me")
	require.Error(t, err)

	_, err = ParseNodes(" , ", "me")
	require.Error(t, err)
}
