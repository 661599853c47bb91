// Package ledger tracks which task results have already been written to the
// monitoring sink.
//
// A result is claimed before its record is written. A claim succeeds once
// per (job, task id); a failed write releases the claim so a later retrieval
// can record it.
package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrClosed is returned by operations on a closed ledger.
var ErrClosed = errors.New("ledger closed")

// Ledger records monitoring claims.
type Ledger interface {
	// Claim returns true the first time (job, taskID) is claimed.
	Claim(ctx context.Context, job, taskID string) (bool, error)

	// Release forgets a claim.
	Release(ctx context.Context, job, taskID string) error

	// Count returns the number of claims held for job.
	Count(ctx context.Context, job string) (int, error)

	Close() error
}

type key struct{ job, taskID string }

// Memory is an in-process Ledger.
type Memory struct {
	mu     sync.Mutex
	claims map[key]struct{}
	closed bool
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{claims: make(map[key]struct{})}
}

func (m *Memory) Claim(_ context.Context, job, taskID string) (bool, error) {
	if err := validate(job, taskID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	k := key{job, taskID}
	if _, ok := m.claims[k]; ok {
		return false, nil
	}
	m.claims[k] = struct{}{}
	return true, nil
}

func (m *Memory) Release(_ context.Context, job, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.claims, key{job, taskID})
	return nil
}

func (m *Memory) Count(_ context.Context, job string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for k := range m.claims {
		if k.job == job {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func validate(job, taskID string) error {
	if strings.TrimSpace(job) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task id is required")
	}
	return nil
}

// Open returns a SQLite ledger at path, or an in-memory ledger when path is
// empty.
func Open(ctx context.Context, path string) (Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return NewMemory(), nil
	}
	return OpenSQLite(ctx, path)
}
