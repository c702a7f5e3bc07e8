// Package http is the outbound HTTP client used for alert webhooks. Calls
// are retried with backoff and guarded by a circuit breaker so a dead
// endpoint stops costing a timeout per alert.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"funding_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	userAgent = "funding_arb"
	// replies are webhook acknowledgements, anything larger is truncated
	maxBodyBytes = 1 << 20
	maxErrorBody = 512
)

// APIError is a non-2xx reply that survived the retry policy
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// reply is read in full inside the attempt so retries never share a body
type reply struct {
	status int
	body   []byte
}

type settings struct {
	maxRetries      int
	backoffMin      time.Duration
	backoffMax      time.Duration
	breakerFailures uint
	breakerWindow   uint
	breakerDelay    time.Duration
}

type Option func(*settings)

func WithRetries(n int, minBackoff, maxBackoff time.Duration) Option {
	return func(s *settings) { s.maxRetries, s.backoffMin, s.backoffMax = n, minBackoff, maxBackoff }
}

// WithBreaker opens after failures out of the last window calls and
// probes again after delay.
func WithBreaker(failures, window uint, delay time.Duration) Option {
	return func(s *settings) { s.breakerFailures, s.breakerWindow, s.breakerDelay = failures, window, delay }
}

type Client struct {
	http    *http.Client
	baseURL string
	exec    failsafe.Executor[*reply]

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// retryable covers transport errors, 5xx and 429
func retryable(r *reply, err error) bool {
	return err != nil || r.status >= 500 || r.status == http.StatusTooManyRequests
}

// NewClient builds a client. baseURL may be empty when callers pass
// absolute URLs.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	s := settings{
		maxRetries:      3,
		backoffMin:      100 * time.Millisecond,
		backoffMax:      2 * time.Second,
		breakerFailures: 5,
		breakerWindow:   10,
		breakerDelay:    10 * time.Second,
	}
	for _, o := range opts {
		o(&s)
	}

	retry := retrypolicy.NewBuilder[*reply]().
		HandleIf(retryable).
		WithBackoff(s.backoffMin, s.backoffMax).
		WithMaxRetries(s.maxRetries).
		Build()
	breaker := circuitbreaker.NewBuilder[*reply]().
		HandleIf(func(r *reply, err error) bool { return err != nil || r.status >= 500 }).
		WithFailureThresholdRatio(s.breakerFailures, s.breakerWindow).
		WithDelay(s.breakerDelay).
		Build()

	meter := telemetry.GetMeter("http-client")
	c := &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		exec:    failsafe.With[*reply](retry, breaker),
		tracer:  telemetry.GetTracer("http-client"),
	}
	c.requests, _ = meter.Int64Counter("http_requests_total", metric.WithDescription("Outbound HTTP calls"))
	c.failures, _ = meter.Int64Counter("http_errors_total", metric.WithDescription("Outbound HTTP calls that failed after retries"))
	c.latency, _ = meter.Float64Histogram("http_request_duration_seconds", metric.WithDescription("Outbound HTTP latency including retries"))
	return c
}

func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post sends body encoded as JSON
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		payload = b
	}
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

func (c *Client) build(ctx context.Context, method, path string, params map[string]string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, params map[string]string, payload []byte) (*reply, error) {
	req, err := c.build(ctx, method, path, params, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &reply{status: resp.StatusCode, body: body}, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, payload []byte) ([]byte, error) {
	req, err := c.build(ctx, method, path, params, payload)
	if err != nil {
		return nil, err
	}
	host := req.URL.Host
	attrs := metric.WithAttributes(attribute.String("method", method), attribute.String("host", host))

	ctx, span := c.tracer.Start(ctx, method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.host", host)),
	)
	defer span.End()

	start := time.Now()
	r, err := c.exec.WithContext(ctx).Get(func() (*reply, error) {
		return c.attempt(ctx, method, path, params, payload)
	})
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, time.Since(start).Seconds(), attrs)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.failures.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%s %s: %w", method, host, err)
	case r.status >= 400:
		span.SetAttributes(attribute.Int("http.status_code", r.status))
		span.SetStatus(codes.Error, http.StatusText(r.status))
		c.failures.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: r.status, Body: r.body}
	}
	span.SetAttributes(attribute.Int("http.status_code", r.status))
	return r.body, nil
}
