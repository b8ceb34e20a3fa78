package pkgclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/metricsx"
	"cwa-risk-core/shared/trustx"
)

var (
	ErrNetwork     = errors.New("package download: network unavailable")
	ErrCircuitOpen = errors.New("package download: circuit open")
)

const maxPackageSize = 32 << 20

// StatusError is returned for any response other than 200 and 304.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("package download: unexpected status %d", e.StatusCode)
}

func (e *StatusError) ClientSide() bool { return e.StatusCode >= 400 && e.StatusCode < 500 }
func (e *StatusError) ServerSide() bool { return e.StatusCode >= 500 }

type Response struct {
	StatusCode  int
	ETag        string
	Body        []byte
	NotModified bool
}

type Client struct {
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

// New builds a client whose TLS connections are gated by the configured trust
// evaluator, if any.
func New(cfg config.Config) (*Client, error) {
	evaluator, err := trustx.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("trust evaluator: %w", err)
	}
	timeout := time.Duration(cfg.PackageTimeoutMS) * time.Millisecond
	return NewWithHTTPClient(trustx.HTTPClient(evaluator, timeout), cfg.PackageRetryMax), nil
}

func NewWithHTTPClient(httpClient *http.Client, retryMax int) *Client {
	if retryMax < 0 {
		retryMax = 0
	}
	return &Client{
		timeout:  httpClient.Timeout,
		retryMax: retryMax,
		http:     httpClient,
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}
}

// Fetch downloads url. A non-empty etag is sent as If-None-Match; a 304 comes
// back as Response.NotModified. Transport failures and 5xx are retried.
func (c *Client) Fetch(ctx context.Context, url string, etag string) (Response, error) {
	if c == nil || c.http == nil {
		return Response{}, errors.New("package client not initialized")
	}
	if c.breaker.Open() {
		metricsx.IncPackageFailure("circuit_open")
		return Response{}, ErrCircuitOpen
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			if c.breaker.Open() {
				metricsx.IncPackageFailure("circuit_open")
				return Response{}, fmt.Errorf("%w: %w", ErrCircuitOpen, lastErr)
			}
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return Response{}, fmt.Errorf("%w: %w", ErrNetwork, err)
			}
		}
		resp, err := c.do(ctx, url, etag)
		if err == nil {
			c.breaker.Success()
			metricsx.ObservePackageLatency(time.Since(start))
			return resp, nil
		}
		lastErr = err
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.ServerSide() {
			metricsx.IncPackageFailure("client_error")
			return Response{}, err
		}
		c.breaker.Fail()
	}
	if errors.As(lastErr, new(*StatusError)) {
		metricsx.IncPackageFailure("server_error")
	} else {
		metricsx.IncPackageFailure("network")
	}
	return Response{}, lastErr
}

func (c *Client) do(ctx context.Context, url string, etag string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Accept", "application/zip, application/octet-stream")
	if etag = strings.TrimSpace(etag); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return Response{StatusCode: resp.StatusCode, ETag: resp.Header.Get("ETag"), NotModified: true}, nil
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize+1))
		if err != nil {
			return Response{}, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		if len(body) > maxPackageSize {
			return Response{}, fmt.Errorf("package exceeds %d bytes", maxPackageSize)
		}
		return Response{StatusCode: resp.StatusCode, ETag: resp.Header.Get("ETag"), Body: body}, nil
	default:
		return Response{}, &StatusError{StatusCode: resp.StatusCode}
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 100 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
