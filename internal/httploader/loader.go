// Package httploader fetches segments from the origin over HTTP with
// retries, a per-host circuit breaker, transparent decompression and
// throughput tracking.
package httploader

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/jmylchreest/segswarm/internal/bandwidth"
	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/version"
)

// ErrCircuitOpen is returned while the origin host's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrRangeMismatch is returned when a ranged response does not carry
// exactly the requested bytes.
var ErrRangeMismatch = errors.New("response does not match byte range")

// Default configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 500 * time.Millisecond
	DefaultRetryMaxDelay        = 5 * time.Second
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultAcceptEncodingHeader = "gzip, deflate, br"

	readChunk = 32 * 1024
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRange           = "Range"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// StatusError reports an origin response that carried no segment.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return isRetryableStatus(e.Code)
}

// Config holds the configuration for the loader.
type Config struct {
	// Timeout bounds one attempt, including reading the body.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	// RetryDelay is the initial backoff delay.
	RetryDelay time.Duration

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration

	// CircuitThreshold is the number of consecutive failures that opens a
	// host's breaker.
	CircuitThreshold int

	// CircuitTimeout is how long a breaker stays open.
	CircuitTimeout time.Duration

	UserAgent string

	// BaseClient is the underlying http.Client. A client with Timeout is
	// created when nil.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		RetryAttempts:    DefaultRetryAttempts,
		RetryDelay:       DefaultRetryDelay,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		CircuitThreshold: DefaultCircuitThreshold,
		CircuitTimeout:   DefaultCircuitTimeout,
		UserAgent:        version.UserAgent(),
	}
}

// ConfigFrom maps the http configuration section onto a Config.
func ConfigFrom(c config.HTTPConfig) Config {
	cfg := DefaultConfig()
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	if c.RetryAttempts >= 0 {
		cfg.RetryAttempts = c.RetryAttempts
	}
	if c.RetryDelay > 0 {
		cfg.RetryDelay = c.RetryDelay
	}
	if c.RetryMaxDelay > 0 {
		cfg.RetryMaxDelay = c.RetryMaxDelay
	}
	if c.CircuitThreshold > 0 {
		cfg.CircuitThreshold = c.CircuitThreshold
	}
	if c.CircuitTimeout > 0 {
		cfg.CircuitTimeout = c.CircuitTimeout
	}
	if c.UserAgent != "" {
		cfg.UserAgent = c.UserAgent
	}
	return cfg
}

// Progress is called as body bytes arrive. total is -1 when the origin did
// not announce a length.
type Progress func(received, total int64)

// Loader downloads segment bodies from their origin.
type Loader struct {
	config    Config
	client    *http.Client
	retry     retrypolicy.RetryPolicy[[]byte]
	bandwidth *bandwidth.Smoothed
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker[[]byte]
}

// New creates a loader. A nil estimator gets a private one.
func New(cfg Config, estimator *bandwidth.Smoothed, logger *slog.Logger) *Loader {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = DefaultCircuitThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = DefaultCircuitTimeout
	}
	if estimator == nil {
		estimator = bandwidth.NewSmoothed(nil)
	}

	client := cfg.BaseClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	l := &Loader{
		config:    cfg,
		client:    client,
		bandwidth: estimator,
		logger:    observability.WithComponent(logger, "httploader"),
		breakers:  make(map[string]circuitbreaker.CircuitBreaker[[]byte]),
	}
	l.retry = retrypolicy.NewBuilder[[]byte]().
		WithBackoff(cfg.RetryDelay, cfg.RetryMaxDelay).
		WithMaxRetries(cfg.RetryAttempts).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool { return shouldRetry(err) }).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[[]byte]) {
			l.logger.Debug("retrying segment request",
				slog.Int("attempt", e.Attempts()),
				slog.Any("error", e.LastError()))
		}).
		Build()
	return l
}

// Bandwidth returns the estimator fed by every download.
func (l *Loader) Bandwidth() *bandwidth.Smoothed {
	return l.bandwidth
}

// Fetch downloads a segment, honouring its byte range. ctx cancellation
// aborts the transfer and never returns partial bytes.
func (l *Loader) Fetch(ctx context.Context, segment models.Segment, onProgress Progress) ([]byte, error) {
	u, err := url.Parse(segment.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing segment url: %w", err)
	}

	executor := failsafe.With[[]byte](l.retry, l.breaker(u.Host)).WithContext(ctx)
	start := time.Now()
	data, err := executor.Get(func() ([]byte, error) {
		return l.attempt(ctx, segment, u, onProgress)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %s", ErrCircuitOpen, u.Host)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrAborted, ctx.Err())
		}
		l.logger.Warn("segment request failed",
			slog.String("url", observability.SanitizeURL(u.String())),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return nil, err
	}

	l.logger.Debug("segment request completed",
		slog.String("url", observability.SanitizeURL(u.String())),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (l *Loader) attempt(ctx context.Context, segment models.Segment, u *url.URL, onProgress Progress) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if l.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, l.config.UserAgent)
	}
	req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	if segment.ByteRange != nil {
		req.Header.Set(HeaderRange, segment.ByteRange.HeaderValue())
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	total := resp.ContentLength
	if resp.Header.Get(HeaderContentEncoding) != "" {
		// Content-Length counts encoded bytes.
		total = -1
	}
	data, err := l.readBody(l.wrapDecompression(resp), total, onProgress)
	if err != nil || segment.ByteRange == nil {
		return data, err
	}
	return clipRange(resp.StatusCode, data, *segment.ByteRange)
}

// clipRange returns the bytes of r from a ranged response. An origin that
// ignores Range answers 200 with the whole resource, which is cut down to r.
func clipRange(status int, data []byte, r models.ByteRange) ([]byte, error) {
	size := int64(len(data))
	if status == http.StatusPartialContent {
		if size != r.Len() {
			return nil, fmt.Errorf("%w: got %d bytes for %d-%d", ErrRangeMismatch, size, r.Start, r.End)
		}
		return data, nil
	}
	if r.Start < 0 || r.End < r.Start || size <= r.End {
		return nil, fmt.Errorf("%w: full body of %d bytes for %d-%d", ErrRangeMismatch, size, r.Start, r.End)
	}
	return bytes.Clone(data[r.Start : r.End+1]), nil
}

func (l *Loader) readBody(body io.ReadCloser, total int64, onProgress Progress) ([]byte, error) {
	defer body.Close()

	var data []byte
	if total > 0 {
		data = make([]byte, 0, total)
	}
	buf := make([]byte, readChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			l.bandwidth.Add(uint64(n))
			if onProgress != nil {
				onProgress(int64(len(data)), total)
			}
		}
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
	}
}

// breaker returns the circuit breaker of an origin host.
func (l *Loader) breaker(host string) circuitbreaker.CircuitBreaker[[]byte] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cb, ok := l.breakers[host]; ok {
		return cb
	}
	cb := circuitbreaker.NewBuilder[[]byte]().
		WithFailureThreshold(uint(l.config.CircuitThreshold)).
		WithDelay(l.config.CircuitTimeout).
		WithSuccessThreshold(1).
		HandleIf(func(_ []byte, err error) bool { return countsAsFailure(err) }).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			l.logger.Warn("circuit breaker state change",
				slog.String("host", host),
				slog.String("from_state", stateName(e.OldState)),
				slog.String("to_state", stateName(e.NewState)))
		}).
		Build()
	l.breakers[host] = cb
	return cb
}

// CircuitStates returns the breaker state of every host contacted so far.
func (l *Loader) CircuitStates() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.breakers))
	for host, cb := range l.breakers {
		out[host] = stateName(cb.State())
	}
	return out
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "unknown"
	}
}

func shouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// countsAsFailure excludes client-side cancellation and 4xx answers, which
// say nothing about the origin's health.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// wrapDecompression wraps the response body with appropriate decompression.
func (l *Loader) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(HeaderContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			l.logger.Warn("failed to create gzip reader, returning raw body", slog.Any("error", err))
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case EncodingDeflate:
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case EncodingBrotli:
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		l.logger.Debug("unknown content encoding, returning raw body", slog.String("encoding", encoding))
		return resp.Body
	}
}

// decompressReader pairs a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
