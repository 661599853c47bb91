package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileSink appends records to <dir>/monitoring_info.txt.
type FileSink struct {
	dir    string
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

var _ Sink = (*FileSink)(nil)

func newFileSink(cfg Config, logger *zap.Logger) *FileSink {
	dir := filepath.Clean(cfg.Address)
	return &FileSink{dir: dir, path: filepath.Join(dir, FileName), logger: logger}
}

// Path returns the monitoring file path.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Address() string { return s.dir }
func (s *FileSink) Backend() string { return BackendFile }
func (s *FileSink) Close() error    { return nil }

// Write appends one line. The file is reopened in append mode on every
// write; sessions sharing the directory interleave whole lines.
func (s *FileSink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return s.wrap("write", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return s.wrap("write", fmt.Errorf("%w: %w", ErrSinkUnreachable, err))
	}
	if err := writeAll(f, []byte(rec.FlatLine())); err != nil {
		_ = f.Close()
		return s.wrap("write", fmt.Errorf("%w: %w", ErrSinkUnreachable, err))
	}
	if err := f.Close(); err != nil {
		return s.wrap("write", err)
	}
	return nil
}

// Clear deletes the monitoring file if present.
func (s *FileSink) Clear(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return s.wrap("clear", err)
	}
	s.logger.Debug("Monitoring file cleared", zap.String("path", s.path))
	return nil
}

// Probe checks that the sink directory exists.
func (s *FileSink) Probe(ctx context.Context) error {
	_ = ctx
	st, err := os.Stat(s.dir)
	if err != nil {
		return s.wrap("probe", fmt.Errorf("%w: %w", ErrSinkUnreachable, err))
	}
	if !st.IsDir() {
		return s.wrap("probe", fmt.Errorf("%w: %s is not a directory", ErrSinkUnreachable, s.dir))
	}
	return nil
}

func (s *FileSink) wrap(op string, err error) error {
	return &SinkError{Op: op, Backend: BackendFile, Address: s.dir, Err: err}
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
