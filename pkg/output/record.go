// Package output provides JSONL output for job results.
//
// Output is structured as typed record envelopes carrying task results,
// parameter groups, progress updates, errors and a final summary. Each
// line is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern dartctl.<type>.v<version>.
const (
	TypeResult   = "dartctl.result.v1"
	TypeProgress = "dartctl.progress.v1"
	TypeSummary  = "dartctl.summary.v1"
	TypeError    = "dartctl.error.v1"
	TypeParams   = "dartctl.params.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "dartctl.result.v1").
	Type string `json:"type"`

	// TS is the time the record was created.
	TS time.Time `json:"ts"`

	// Job is the session's job name.
	Job string `json:"job"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ResultRecord is the data payload for one task result.
type ResultRecord struct {
	TaskID    string        `json:"task_id"`
	Worker    string        `json:"worker"`
	Host      string        `json:"host"`
	Location  string        `json:"location"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration_ns"`

	// Result is the decoded task output for succeeded tasks.
	Result any `json:"result,omitempty"`

	// Error is the failure text for failed tasks.
	Error string `json:"error,omitempty"`

	// Output is the captured stdout/stderr of the task.
	Output string `json:"output,omitempty"`
}

// ParamsRecord is the data payload for one enumerated parameter group.
type ParamsRecord struct {
	Location   string   `json:"location"`
	Parameters []string `json:"parameters"`
}

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// SummaryRecord is the data payload for the final summary of a job.
type SummaryRecord struct {
	Task      string        `json:"task"`
	Handle    string        `json:"handle,omitempty"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Recorded  int           `json:"recorded"`
	Sink      string        `json:"sink"`
	OutputDir string        `json:"output_dir,omitempty"`
	Duration  time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// ErrorRecord is the data payload for errors that do not end the run.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// TaskID is the task related to this error, if any.
	TaskID string `json:"task_id,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeSinkUnreachable = "SINK_UNREACHABLE"
	ErrCodeStore           = "STORE_FAILED"
	ErrCodeInternal        = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
