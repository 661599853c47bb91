// Package progress reports job completion while results are drained from
// the result channel.
package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/dartctl/pkg/results"
	"github.com/3leaps/dartctl/pkg/runtime"
	"github.com/3leaps/dartctl/pkg/task"
)

const (
	DefaultWidth        = 50
	DefaultPollInterval = 500 * time.Millisecond
)

// Tracker renders a progress bar while popping and storing results.
type Tracker struct {
	Runtime runtime.Runtime
	Channel *results.Channel

	// Out receives the progress bar. Nil discards it.
	Out io.Writer

	// Width is the number of bar segments.
	Width int

	// PollInterval paces retries while the runtime still reports pending tasks.
	PollInterval time.Duration

	// OnResult, when set, is called with every stored result.
	OnResult func(r *task.Result)

	Logger *zap.Logger
}

// Status returns how many tasks of h are done and how many there are.
func (t *Tracker) Status(ctx context.Context, h task.Handle) (completed, total int, err error) {
	total, err = t.Runtime.TotalTasks(ctx, h)
	if err != nil {
		return 0, 0, err
	}
	remaining, err := t.Runtime.RemainingTasks(ctx, h)
	if err != nil {
		return 0, 0, err
	}
	return total - remaining, total, nil
}

// Render returns one carriage-return-led progress line.
func Render(width, completed, total int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	ratio := 1.0
	if total > 0 {
		ratio = float64(completed) / float64(total)
	}
	ratio = math.Max(0, math.Min(1, ratio))

	filled := int(math.Round(float64(width) * ratio))
	pct := int(math.Round(100 * ratio))
	return fmt.Sprintf("\r[%s%s] | %3d%% | %6d of %6d",
		strings.Repeat("=", filled), strings.Repeat(" ", width-filled), pct, completed, total)
}

// ShowAndStore pops results for h until the job has none left, storing each
// one in dir as soon as it arrives and redrawing the bar. It returns the
// number of results handled.
//
// A not-ready answer from the channel ends the loop only when every task
// has been seen or the runtime reports none remaining and a further pop
// still finds nothing.
func (t *Tracker) ShowAndStore(ctx context.Context, h task.Handle, dir string) (int, error) {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := t.Out
	if out == nil {
		out = io.Discard
	}
	interval := t.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	total, err := t.Runtime.TotalTasks(ctx, h)
	if err != nil {
		return 0, fmt.Errorf("total tasks: %w", err)
	}
	_, _ = io.WriteString(out, Render(t.Width, 0, total))

	handled := 0
	settled := false
	for {
		r, err := t.Channel.Pop(ctx, h)
		switch {
		case err == nil:
		case errors.Is(err, results.ErrNotReady):
			if handled >= total || settled {
				_, _ = io.WriteString(out, "\n")
				return handled, nil
			}
			remaining, rerr := t.Runtime.RemainingTasks(ctx, h)
			if rerr != nil {
				return handled, fmt.Errorf("remaining tasks: %w", rerr)
			}
			if remaining == 0 {
				// One more pop picks up results that landed after the last one.
				settled = true
				continue
			}
			if werr := limiter.Wait(ctx); werr != nil {
				return handled, werr
			}
			continue
		default:
			return handled, err
		}

		if err := results.Store([]task.Result{*r}, dir); err != nil {
			return handled, err
		}
		if t.OnResult != nil {
			t.OnResult(r)
		}
		handled++
		_, _ = io.WriteString(out, Render(t.Width, handled, total))
		logger.Debug("Result stored", zap.String("task_id", r.TaskID), zap.Int("handled", handled))
	}
}
