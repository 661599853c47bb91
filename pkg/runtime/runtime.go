// Package runtime defines the interface to the task execution runtime that
// runs submitted tasks and hands their results back.
package runtime

import (
	"context"
	"errors"

	"github.com/3leaps/dartctl/pkg/task"
)

// Sentinel errors returned by Runtime implementations.
var (
	// ErrNotStarted indicates a submission before Start.
	ErrNotStarted = errors.New("runtime not started")

	// ErrStopped indicates the runtime has been stopped.
	ErrStopped = errors.New("runtime stopped")

	// ErrUnknownJob indicates a handle the runtime does not know.
	ErrUnknownJob = errors.New("unknown job handle")

	// ErrUnknownTask indicates a task name with no registered function.
	ErrUnknownTask = errors.New("unknown task")
)

// Runtime executes batches of parameterized tasks.
//
// Results are produced asynchronously in completion order. Each result is
// handed out exactly once, either by PopResult or by CollectResults.
// Task IDs are unique across all jobs of one runtime.
type Runtime interface {
	// Start brings the runtime up on the described nodes with the given
	// number of resources (workers).
	Start(ctx context.Context, nodes string, resources int) error

	// Stop tears the runtime down. It is safe to call more than once.
	Stop(ctx context.Context) error

	// SubmitAsync queues one task per parameter string and returns at once.
	SubmitAsync(ctx context.Context, taskName string, groups []task.ParameterGroup) (task.Handle, error)

	// SubmitBlocking queues the tasks and waits for all their results.
	SubmitBlocking(ctx context.Context, taskName string, groups []task.ParameterGroup) ([]task.Result, error)

	// TotalTasks returns the number of tasks in the job.
	TotalTasks(ctx context.Context, h task.Handle) (int, error)

	// RemainingTasks returns the number of tasks that have not finished.
	RemainingTasks(ctx context.Context, h task.Handle) (int, error)

	// PopResult returns the next finished result, or nil when none is
	// available right now.
	PopResult(ctx context.Context, h task.Handle) (*task.Result, error)

	// CollectResults blocks until the job is finished and returns every
	// result not yet handed out.
	CollectResults(ctx context.Context, h task.Handle) ([]task.Result, error)
}
