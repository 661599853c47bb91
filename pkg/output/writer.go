package output

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"
	"time"

	"github.com/3leaps/dartctl/pkg/task"
)

// Writer outputs JSONL records for a job.
//
// Implementations must be safe for concurrent use. Each Write* method
// emits one complete record as a single line of JSON.
type Writer interface {
	WriteResult(ctx context.Context, r *ResultRecord) error
	WriteParams(ctx context.Context, p *ParamsRecord) error
	WriteProgress(ctx context.Context, p *ProgressRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error
	WriteError(ctx context.Context, e *ErrorRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w   io.Writer
	job string
	mu  sync.Mutex

	closed bool
}

// NewJSONLWriter returns a writer tagging every record with job.
func NewJSONLWriter(w io.Writer, job string) *JSONLWriter {
	return &JSONLWriter{w: w, job: job}
}

func (jw *JSONLWriter) WriteResult(ctx context.Context, r *ResultRecord) error {
	return jw.writeRecord(ctx, TypeResult, r)
}

func (jw *JSONLWriter) WriteParams(ctx context.Context, p *ParamsRecord) error {
	return jw.writeRecord(ctx, TypeParams, p)
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, p *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, p)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

// Close marks the writer as closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type: recordType,
		TS:   time.Now().UTC(),
		Job:  jw.job,
		Data: dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)

// NewResultRecord converts a task result into its output payload.
func NewResultRecord(r *task.Result) *ResultRecord {
	rec := &ResultRecord{
		TaskID:    r.TaskID,
		Worker:    r.Worker,
		Host:      r.Host,
		Location:  r.Location,
		Status:    string(r.Status()),
		StartTime: r.StartTime,
		Duration:  r.Duration,
		Output:    r.Output,
	}
	if r.Succeeded() {
		rec.Result = r.Value
	} else {
		rec.Error = r.Error
	}
	return rec
}

// NewProgressRecord computes the rounded completion percentage.
func NewProgressRecord(completed, total int) *ProgressRecord {
	pct := 100
	if total > 0 {
		pct = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return &ProgressRecord{Completed: completed, Total: total, Percent: pct}
}
