// Package monitor records one telemetry entry per task result.
//
// Two backends are available and selected by address: an http(s) URL
// selects the time-series endpoint, anything else is treated as a directory
// holding a flat monitoring file.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors for sink operations.
var (
	// ErrSinkUnreachable indicates the backend could not be reached or did
	// not accept a request after retries.
	ErrSinkUnreachable = errors.New("monitoring sink unreachable")

	// ErrSinkRejected indicates the backend answered but refused the request.
	ErrSinkRejected = errors.New("monitoring sink rejected request")
)

// Backend names.
const (
	BackendFile = "file"
	BackendHTTP = "http"
)

// Defaults applied by New for zero-valued config fields.
const (
	DefaultAddress        = "/var/tmp"
	DefaultDatabase       = "taskdb"
	DefaultMeasurement    = "tasksperformed"
	DefaultProbeTimeout   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultWriteRetries   = 3

	// FileName is the flat-file backend's file inside the sink directory.
	FileName = "monitoring_info.txt"
)

// Sink is an append-only telemetry recorder.
type Sink interface {
	// Write appends one record.
	Write(ctx context.Context, rec Record) error

	// Clear removes every record from the sink.
	Clear(ctx context.Context) error

	// Probe checks that the sink is usable.
	Probe(ctx context.Context) error

	Address() string
	Backend() string
	Close() error
}

// Config configures a sink.
type Config struct {
	Address     string
	Database    string
	Measurement string

	Username string
	Password string

	ProbeTimeout   time.Duration
	RequestTimeout time.Duration

	// WriteRetries is the number of retries after a failed HTTP write.
	WriteRetries int

	// HTTPClient overrides the client used by the HTTP backend.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = DefaultAddress
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Measurement == "" {
		c.Measurement = DefaultMeasurement
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.WriteRetries < 0 {
		c.WriteRetries = 0
	}
	return c
}

// IsHTTP reports whether address selects the HTTP backend.
func IsHTTP(address string) bool {
	a := strings.ToLower(strings.TrimSpace(address))
	return strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://")
}

// New returns the backend selected by cfg.Address. It does not probe.
func New(cfg Config, logger *zap.Logger) (Sink, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if IsHTTP(cfg.Address) {
		return newHTTPSink(cfg, logger)
	}
	return newFileSink(cfg, logger), nil
}

// SinkError wraps a backend failure with context.
type SinkError struct {
	Op      string
	Backend string
	Address string
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("monitor %s %s (%s): %v", e.Backend, e.Op, e.Address, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err means the sink could not be used.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrSinkUnreachable)
}
