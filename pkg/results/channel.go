// Package results retrieves task results from the runtime, records each one
// to the monitoring sink exactly once, and renders them for people.
package results

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/dartctl/pkg/codec"
	"github.com/3leaps/dartctl/pkg/ledger"
	"github.com/3leaps/dartctl/pkg/monitor"
	"github.com/3leaps/dartctl/pkg/runtime"
	"github.com/3leaps/dartctl/pkg/task"
)

// ErrNotReady is returned by Pop when no result could be retrieved.
//
// It does not say whether more results will arrive; consult the runtime's
// total and remaining counters to tell "not yet" from "done".
var ErrNotReady = errors.New("no result ready")

// Channel binds a runtime, a monitoring sink and a ledger for one job name.
//
// A Channel belongs to one session and is not meant to be shared across
// sessions; the sink and ledger may be.
type Channel struct {
	rt     runtime.Runtime
	sink   monitor.Sink
	ledger ledger.Ledger
	job    string
	logger *zap.Logger
}

// New returns a channel recording under jobName. A nil ledger uses an
// in-memory one.
func New(rt runtime.Runtime, sink monitor.Sink, l ledger.Ledger, jobName string, logger *zap.Logger) *Channel {
	if l == nil {
		l = ledger.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{rt: rt, sink: sink, ledger: l, job: jobName, logger: logger}
}

// JobName returns the name records are tagged with.
func (c *Channel) JobName() string { return c.job }

// Pop retrieves one finished result without blocking, decodes its payload
// and records it.
//
// When nothing can be retrieved the error wraps ErrNotReady. When the
// record cannot be written the result is returned together with the sink
// error; its claim is released so the write can be retried.
func (c *Channel) Pop(ctx context.Context, h task.Handle) (*task.Result, error) {
	for {
		r, err := c.rt.PopResult(ctx, h)
		if err != nil {
			c.logger.Debug("Pop failed", zap.String("handle", h.String()), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		if r == nil {
			return nil, ErrNotReady
		}

		c.decode(r)
		recorded, err := c.record(ctx, r)
		if err != nil {
			return r, err
		}
		if recorded {
			return r, nil
		}
		c.logger.Debug("Skipping result already recorded", zap.String("task_id", r.TaskID))
	}
}

// Collect blocks until the job is finished and returns every result not
// handed out before, each decoded and recorded once.
func (c *Channel) Collect(ctx context.Context, h task.Handle) ([]task.Result, error) {
	rs, err := c.rt.CollectResults(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("collect results: %w", err)
	}
	return c.Record(ctx, c.Extract(rs))
}

// Extract decodes payloads in place without recording anything.
func (c *Channel) Extract(rs []task.Result) []task.Result {
	for i := range rs {
		c.decode(&rs[i])
	}
	return rs
}

// Record writes one monitoring record per result and returns the results
// that were recorded by this call. Results already recorded earlier are
// dropped. On a sink failure it stops and returns the results recorded so
// far together with the error.
func (c *Channel) Record(ctx context.Context, rs []task.Result) ([]task.Result, error) {
	out := make([]task.Result, 0, len(rs))
	for i := range rs {
		recorded, err := c.record(ctx, &rs[i])
		if err != nil {
			return out, err
		}
		if !recorded {
			c.logger.Debug("Skipping result already recorded", zap.String("task_id", rs[i].TaskID))
			continue
		}
		out = append(out, rs[i])
	}
	return out, nil
}

// Recorded returns how many results of this job have been recorded.
func (c *Channel) Recorded(ctx context.Context) (int, error) {
	return c.ledger.Count(ctx, c.job)
}

// record claims r and writes its record. It returns false when r was
// already recorded.
func (c *Channel) record(ctx context.Context, r *task.Result) (bool, error) {
	claimed, err := c.ledger.Claim(ctx, c.job, r.TaskID)
	if err != nil {
		return false, fmt.Errorf("claim result %s: %w", r.TaskID, err)
	}
	if !claimed {
		return false, nil
	}

	if err := c.sink.Write(ctx, monitor.NewRecord(c.job, r)); err != nil {
		if rerr := c.ledger.Release(ctx, c.job, r.TaskID); rerr != nil {
			c.logger.Warn("Release claim failed", zap.String("task_id", r.TaskID), zap.Error(rerr))
		}
		return false, err
	}

	c.logger.Debug("Result recorded",
		zap.String("job", c.job),
		zap.String("task_id", r.TaskID),
		zap.String("status", string(r.Status())))
	return true, nil
}

// decode fills r.Value from r.Payload. A payload that cannot be decoded
// turns the result into a failure.
func (c *Channel) decode(r *task.Result) {
	if !r.Succeeded() || r.Value != nil || r.Payload == "" {
		return
	}
	v, err := codec.Unpack(r.Payload)
	if err != nil {
		c.logger.Warn("Undecodable payload", zap.String("task_id", r.TaskID), zap.Error(err))
		r.Error = err.Error()
		return
	}
	r.Value = v
}
