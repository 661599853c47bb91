package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/dartctl/pkg/monitor"
	"github.com/3leaps/dartctl/pkg/task"
)

// FileName is the results file inside an output directory.
const FileName = "results.txt"

// ErrStore wraps every failure to write results.txt.
var ErrStore = errors.New("store results")

const startTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Format renders one result as a single line:
//
//	task_id: T, worker: W, host: H, location: L, start_time: S, duration: D, result: R
//
// Failed results carry "error: E" in place of the result.
func Format(r *task.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task_id: %s, worker: %s, host: %s, location: %s, start_time: %s, duration: %s, ",
		r.TaskID, r.Worker, r.Host, r.Location, formatStart(r.StartTime), monitor.FormatDuration(r.Duration))
	if r.Succeeded() {
		b.WriteString("result: ")
		b.WriteString(renderValue(r))
	} else {
		b.WriteString("error: ")
		b.WriteString(r.Error)
	}
	return b.String()
}

func formatStart(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(startTimeLayout)
}

func renderValue(r *task.Result) string {
	if r.Value == nil {
		return r.Payload
	}
	if b, err := json.Marshal(r.Value); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", r.Value)
}

// Block returns the formatted result followed by a blank line.
func Block(r *task.Result) string {
	return Format(r) + "\n\n"
}

// Store appends one block per result to dir/results.txt, creating the
// directory and file as needed. Existing content is never truncated.
func Store(rs []task.Result, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %w", ErrStore, err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrStore, path, err)
	}

	var b strings.Builder
	for i := range rs {
		b.WriteString(Block(&rs[i]))
	}
	if _, err := io.WriteString(f, b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: append %s: %w", ErrStore, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrStore, path, err)
	}
	return nil
}

// Print writes the block for r to w.
func Print(w io.Writer, r *task.Result) error {
	_, err := io.WriteString(w, Block(r))
	return err
}
