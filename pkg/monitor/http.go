package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// HTTPSink writes records to a time-series endpoint speaking the
// write/query/ping HTTP API.
type HTTPSink struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	logger *zap.Logger

	// newBackOff is replaceable in tests.
	newBackOff func() backoff.BackOff
}

var _ Sink = (*HTTPSink)(nil)

func newHTTPSink(cfg Config, logger *zap.Logger) (*HTTPSink, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.Address), "/"))
	if err != nil || u.Host == "" {
		return nil, &SinkError{Op: "new", Backend: BackendHTTP, Address: cfg.Address, Err: fmt.Errorf("invalid address %q", cfg.Address)}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	s := &HTTPSink{cfg: cfg, base: u, client: client, logger: logger}
	s.newBackOff = s.defaultBackOff
	return s, nil
}

func (s *HTTPSink) Address() string { return s.base.String() }
func (s *HTTPSink) Backend() string { return BackendHTTP }

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSink) defaultBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.3,
		MaxElapsedTime:      30 * time.Second,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(s.cfg.WriteRetries))
}

func (s *HTTPSink) endpoint(path string, query url.Values) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if s.cfg.Username != "" {
		query.Set("u", s.cfg.Username)
		query.Set("p", s.cfg.Password)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Write posts one line to <addr>/write?db=<database>. Transport errors,
// 5xx and 429 responses are retried with exponential backoff; other 4xx
// responses fail immediately with ErrSinkRejected.
func (s *HTTPSink) Write(ctx context.Context, rec Record) error {
	line := rec.LineProtocol(s.cfg.Measurement)
	target := s.endpoint("/write", url.Values{"db": {s.cfg.Database}})

	attempt := 0
	op := func() error {
		attempt++
		err := s.post(ctx, target, "text/plain; charset=utf-8", []byte(line))
		if errors.Is(err, ErrSinkRejected) {
			return &backoff.PermanentError{Err: err}
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		s.logger.Debug("Monitoring write failed, retrying",
			zap.String("task_id", rec.TaskID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", d),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		if errors.Is(err, ErrSinkRejected) {
			return s.wrap("write", err)
		}
		return s.wrap("write", fmt.Errorf("%w: %w", ErrSinkUnreachable, err))
	}
	return nil
}

// Clear deletes every point of the measurement.
func (s *HTTPSink) Clear(ctx context.Context) error {
	form := url.Values{
		"db": {s.cfg.Database},
		"q":  {fmt.Sprintf("DELETE FROM %q", s.cfg.Measurement)},
	}
	if s.cfg.Username != "" {
		form.Set("u", s.cfg.Username)
		form.Set("p", s.cfg.Password)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, s.endpoint("/query", url.Values{}), strings.NewReader(form.Encode()))
	if err != nil {
		return s.wrap("clear", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return s.wrap("clear", fmt.Errorf("%w: %w", ErrSinkUnreachable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		return s.wrap("clear", fmt.Errorf("%w: status %d: %s", ErrSinkUnreachable, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if msg := queryError(body); msg != "" {
		return s.wrap("clear", fmt.Errorf("%w: %s", ErrSinkUnreachable, msg))
	}

	s.logger.Debug("Monitoring measurement cleared",
		zap.String("database", s.cfg.Database),
		zap.String("measurement", s.cfg.Measurement))
	return nil
}

// Probe issues GET <addr>/ping. Any HTTP response counts as reachable.
func (s *HTTPSink) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, s.endpoint("/ping", url.Values{}), nil)
	if err != nil {
		return s.wrap("probe", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return s.wrap("probe", fmt.Errorf("%w: %w", ErrSinkUnreachable, err))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		s.logger.Debug("Monitoring probe returned non-2xx", zap.Int("status", resp.StatusCode))
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("status %d", e.code)
	}
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (s *HTTPSink) post(ctx context.Context, target, contentType string, body []byte) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &backoff.PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrSinkRejected, serr)
	}
	return serr
}

func (s *HTTPSink) wrap(op string, err error) error {
	return &SinkError{Op: op, Backend: BackendHTTP, Address: s.base.String(), Err: err}
}

// queryError extracts the first statement error from a query response.
func queryError(body []byte) string {
	var resp struct {
		Error   string `json:"error"`
		Results []struct {
			Error string `json:"error"`
		} `json:"results"`
	}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &resp) != nil {
		return ""
	}
	if resp.Error != "" {
		return resp.Error
	}
	for _, r := range resp.Results {
		if r.Error != "" {
			return r.Error
		}
	}
	return ""
}
