package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/kelseyhightower/envconfig"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/resilience"
)

// SecretHeader carries the shared ingest secret.
const SecretHeader = "X-TraceHub-Secret"

var (
	// ErrUnauthorized is returned when the server rejects the ingest secret.
	ErrUnauthorized = errors.New("tracehub: ingest secret rejected")
	// ErrIngestFailed is returned for any other non-200 ingest response.
	ErrIngestFailed = errors.New("tracehub: ingest failed")
)

// Config controls the batching sender.
type Config struct {
	BaseURL       string        `envconfig:"URL"`
	Secret        string        `envconfig:"SECRET"`
	BatchSize     int           `envconfig:"BATCH_SIZE"`
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL"`
	Timeout       time.Duration `envconfig:"TIMEOUT"`
	RetryCount    int           `envconfig:"RETRY_COUNT"`
	RetryWait     time.Duration `envconfig:"RETRY_WAIT"`
	QueueSize     int           `envconfig:"QUEUE_SIZE"`
	Compress      bool          `envconfig:"COMPRESS"`
}

// DefaultConfig returns the producer defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		BatchSize:     10,
		FlushInterval: time.Second,
		Timeout:       5 * time.Second,
		RetryCount:    2,
		RetryWait:     100 * time.Millisecond,
		QueueSize:     10000,
	}
}

// ConfigFromEnv overlays TRACEHUB_* variables on the defaults.
// An unset TRACEHUB_URL yields a disabled sender.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig("")
	if err := envconfig.Process("TRACEHUB", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to process environment: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// SenderStats counts what happened to submitted entries.
type SenderStats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// Sender ships entries to a TraceHub server in the background.
// Send never blocks; entries that do not fit in the queue are dropped.
type Sender struct {
	cfg     Config
	http    *retryablehttp.Client
	breaker *resilience.Breaker
	logger  *zap.Logger

	queue   chan Entry
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewSender starts the background sender. With an empty BaseURL the
// sender is disabled and Send discards everything.
func NewSender(cfg Config, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig(cfg.BaseURL)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	cfg.BaseURL = def.BaseURL

	s := &Sender{
		cfg:     cfg,
		logger:  logger.Named("tracehub"),
		queue:   make(chan Entry, cfg.QueueSize),
		flushes: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.http = newRetryClient(cfg)
	s.breaker = resilience.New("tracehub-ingest", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		// A rejected secret means the server is up
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnauthorized)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			s.logger.Warn("Ingest circuit changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	if !s.Enabled() {
		close(s.done)
		return s
	}
	go s.loop()
	return s
}

func newRetryClient(cfg Config) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryCount
	rc.Logger = nil
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Backoff = func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		return time.Duration(attempt+1) * cfg.RetryWait
	}
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return rc
}

// Enabled reports whether a server URL is configured.
func (s *Sender) Enabled() bool {
	return s.cfg.BaseURL != ""
}

// Send queues e for delivery. It returns false if e was discarded.
func (s *Sender) Send(e Entry) bool {
	if !s.Enabled() || s.closed.Load() {
		return false
	}
	select {
	case s.queue <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Flush delivers everything queued so far and waits for it.
func (s *Sender) Flush(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.flushes <- ack:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries, sends what is left and stops the loop.
func (s *Sender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns delivery counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Sender) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.sendBatch(batch)
		batch = make([]Entry, 0, s.cfg.BatchSize)
	}
	drain := func() {
		for {
			select {
			case e := <-s.queue:
				batch = append(batch, e)
				if len(batch) >= s.cfg.BatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-s.flushes:
			drain()
			close(ack)
		case <-s.stop:
			drain()
			return
		}
	}
}

func (s *Sender) sendBatch(batch []Entry) {
	body, err := s.encode(batch)
	if err != nil {
		s.failed.Add(int64(len(batch)))
		s.logger.Error("Failed to encode trace batch", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout*time.Duration(s.cfg.RetryCount+1)+time.Second)
	defer cancel()

	err = s.breaker.Execute(func() error {
		return s.post(ctx, body)
	})
	switch {
	case err == nil:
		s.sent.Add(int64(len(batch)))
	case errors.Is(err, ErrUnauthorized):
		s.failed.Add(int64(len(batch)))
		s.logger.Error("Ingest auth failed, check TRACEHUB_SECRET", zap.Error(err))
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		s.dropped.Add(int64(len(batch)))
		s.logger.Debug("Ingest circuit open, dropping batch", zap.Int("count", len(batch)))
	default:
		s.failed.Add(int64(len(batch)))
		s.logger.Warn("Failed to send trace batch",
			zap.Int("count", len(batch)),
			zap.Int("attempts", s.cfg.RetryCount+1),
			zap.Error(err),
		)
	}
}

func (s *Sender) encode(batch []Entry) ([]byte, error) {
	payload, err := sonic.Marshal(struct {
		Traces []Entry `json:"traces"`
	}{Traces: batch})
	if err != nil {
		return nil, err
	}
	if !s.cfg.Compress {
		return payload, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Sender) post(ctx context.Context, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/ingest", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if s.cfg.Secret != "" {
		req.Header.Set(SecretHeader, s.cfg.Secret)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrIngestFailed, resp.StatusCode)
	}
}
