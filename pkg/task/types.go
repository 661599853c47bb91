// Package task defines the data model shared by the orchestration layer:
// job handles, parameter groups, task results and the static task registry
// that workers use to resolve task names to typed functions.
package task

import (
	"time"
)

// DefaultLocation is the location tag used for tasks routed to the local cluster.
const DefaultLocation = "local_cluster"

// Handle identifies one batch submission to the external runtime.
//
// A handle is opaque to callers. It is valid until all results for the job
// have been retrieved or the owning session is stopped.
type Handle string

// String returns the handle text.
func (h Handle) String() string {
	return string(h)
}

// ParameterGroup is a location tag plus the serialized per-task configuration
// strings for tasks routed to that location.
//
// Parameters preserve the enumeration order used to build the group.
type ParameterGroup struct {
	Location   string   `json:"location" yaml:"location"`
	Parameters []string `json:"parameters" yaml:"parameters"`
}

// CountTasks returns the total number of parameter strings across groups.
func CountTasks(groups []ParameterGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Parameters)
	}
	return n
}

// Status is the monitoring status of a finished task.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// Result is the outcome of one executed task.
//
// Exactly one Result exists per submitted parameter string. Payload is set
// iff the task succeeded; Error is set iff it failed.
type Result struct {
	TaskID    string        `json:"task_id"`
	Worker    string        `json:"worker"`
	Host      string        `json:"host"`
	Location  string        `json:"location"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration_ns"`

	// Payload is the encoded task output as produced by the worker.
	Payload string `json:"payload,omitempty"`

	// Value is the decoded Payload. It is populated by the result channel.
	Value any `json:"value,omitempty"`

	// Error is the task failure text.
	Error string `json:"error,omitempty"`

	// Output holds stdout/stderr captured during this task invocation.
	Output string `json:"output,omitempty"`
}

// Succeeded reports whether the task produced a payload.
func (r *Result) Succeeded() bool {
	return r.Error == ""
}

// Status derives the monitoring status from the result.
func (r *Result) Status() Status {
	if r.Succeeded() {
		return StatusSucceeded
	}
	return StatusFailed
}
