// Package httpkit is the outbound HTTP plumbing for remote timezone
// lookups. Boards on home WiFi routinely lose the first dial after a
// reassociation, and public lookup services shed load with 503s, so
// the client retries both with a doubling backoff.
package httpkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/inkclock/internal/buildinfo"
)

// Option configures a client built by [NewClient].
type Option func(*options)

type options struct {
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// WithTimeout bounds each request including retries.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetry retries idempotent requests up to n more times. The wait
// starts at backoff and doubles after each attempt.
func WithRetry(n int, backoff time.Duration) Option {
	return func(o *options) {
		o.attempts = n
		o.backoff = backoff
	}
}

// WithLogger logs each retry at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient returns an *http.Client for a device that talks to one
// lookup host. Every request carries the inkclock User-Agent.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: 20 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   1,
	}

	var rt http.RoundTripper = agentTransport{next: transport, agent: buildinfo.UserAgent()}
	if o.attempts > 0 {
		rt = &retryTransport{next: rt, attempts: o.attempts, backoff: o.backoff, logger: o.logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type agentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.next.RoundTrip(req)
}

type retryTransport struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return t.next.RoundTrip(req)
	}

	wait := t.backoff
	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req)
		if attempt >= t.attempts || !retryable(resp, err) {
			return resp, err
		}
		if resp != nil {
			drain(resp.Body)
		}
		if t.logger != nil {
			t.logger.Debug("retrying timezone request",
				"url", req.URL.Redacted(),
				"attempt", attempt+1,
				"max_retries", t.attempts,
				"wait", wait,
				"error", describe(resp, err),
			)
		}
		if err := sleep(req.Context(), wait); err != nil {
			return nil, err
		}
		wait *= 2
	}
}

// retryable reports failures that happened before the server did any
// work, plus the gateway statuses a busy service returns.
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			switch errno {
			case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
				return true
			}
		}
		var opErr *net.OpError
		return errors.As(err, &opErr) && opErr.Op == "dial"
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func describe(resp *http.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return resp.Status
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusError is returned by [GetJSON] for any non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// GetJSON fetches url and decodes a 200 response into v. Other statuses
// yield a [*StatusError] carrying the start of the body.
func GetJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: errorBody(resp.Body, 256)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorBody reads up to limit bytes for an error message.
func errorBody(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// drain discards a bounded tail and closes rc so the connection can be
// reused.
func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	rc.Close()
}
