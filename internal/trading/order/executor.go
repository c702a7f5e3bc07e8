// Package order decorates venues with rate limiting, tracing and
// failure tracking.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	failureWindow           = 5 * time.Minute
	defaultFailureThreshold = 50
)

// OrderExecutor wraps one venue. Orders are rate limited and traced but
// never retried, since a retried market order can fill twice; leg
// recovery is the coordinator's job. Reads are idempotent and retried on
// transient errors.
type OrderExecutor struct {
	venue  core.IVenue
	logger core.ILogger

	limiter *rate.Limiter

	readRetries    int
	readBackoffMin time.Duration
	readBackoffMax time.Duration

	failures *failureCounter

	tracer   trace.Tracer
	placed   metric.Int64Counter
	rejected metric.Int64Counter
}

var _ core.IVenue = (*OrderExecutor)(nil)

// NewOrderExecutor allows limit orders per second with the given burst
func NewOrderExecutor(venue core.IVenue, logger core.ILogger, limit float64, burst int) *OrderExecutor {
	if limit <= 0 {
		limit = 10
	}
	if burst <= 0 {
		burst = 1
	}
	meter := telemetry.GetMeter("order-executor")
	oe := &OrderExecutor{
		venue:          venue,
		logger:         logger.WithFields(map[string]interface{}{"component": "order_executor", "venue": venue.GetName()}),
		limiter:        rate.NewLimiter(rate.Limit(limit), burst),
		readRetries:    3,
		readBackoffMin: 100 * time.Millisecond,
		readBackoffMax: 2 * time.Second,
		failures:       newFailureCounter(failureWindow, defaultFailureThreshold),
		tracer:         telemetry.GetTracer("order-executor"),
	}
	oe.placed, _ = meter.Int64Counter("order_placements_total", metric.WithDescription("Orders sent to a venue"))
	oe.rejected, _ = meter.Int64Counter("order_failures_total", metric.WithDescription("Orders a venue rejected or failed"))
	return oe
}

// SetFailureThreshold sets how many order failures inside the window
// mark the venue unhealthy
func (oe *OrderExecutor) SetFailureThreshold(n int) {
	oe.failures.setThreshold(n)
}

func (oe *OrderExecutor) GetName() string {
	return oe.venue.GetName()
}

// CheckHealth fails when the venue is unhealthy or orders keep failing
func (oe *OrderExecutor) CheckHealth(ctx context.Context) error {
	if err := oe.venue.CheckHealth(ctx); err != nil {
		return err
	}
	if n, over := oe.failures.over(time.Now()); over {
		return fmt.Errorf("%w: %d order failures in the last %s", apperrors.ErrVenueUnavailable, n, failureWindow)
	}
	return nil
}

func (oe *OrderExecutor) GetQuote(ctx context.Context, symbol string) (*core.RawQuote, error) {
	return withReadRetry(ctx, oe, "quote", symbol, func() (*core.RawQuote, error) {
		return oe.venue.GetQuote(ctx, symbol)
	})
}

func (oe *OrderExecutor) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return withReadRetry(ctx, oe, "price", symbol, func() (decimal.Decimal, error) {
		return oe.venue.GetLatestPrice(ctx, symbol)
	})
}

func (oe *OrderExecutor) GetOrderBookDepth(ctx context.Context, symbol string, side core.OrderSide) ([]core.BookLevel, error) {
	return withReadRetry(ctx, oe, "depth", symbol, func() ([]core.BookLevel, error) {
		return oe.venue.GetOrderBookDepth(ctx, symbol, side)
	})
}

func (oe *OrderExecutor) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	return withReadRetry(ctx, oe, "position", symbol, func() (*core.VenuePosition, error) {
		return oe.venue.GetPosition(ctx, symbol)
	})
}

// withReadRetry retries transient failures with exponential backoff.
// Permanent errors and context cancellation return at once.
func withReadRetry[T any](ctx context.Context, oe *OrderExecutor, what, symbol string, read func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(oe.readBackoffMin, oe.readBackoffMax).
		WithMaxRetries(oe.readRetries).
		Build()

	attempt := 0
	var lastErr error
	v, err := failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attempt++
		v, err := read()
		if err != nil && attempt > 1 {
			oe.logger.Debug("Venue read failed", "read", what, "symbol", symbol, "attempt", attempt, "error", err)
		}
		lastErr = err
		return v, err
	})
	// report the venue's error rather than the policy wrapper
	if err != nil && lastErr != nil && ctx.Err() == nil {
		err = lastErr
	}
	return v, err
}

// PlaceOrder sends a single order once the rate limiter allows it
func (oe *OrderExecutor) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	ctx, span := oe.tracer.Start(ctx, "PlaceOrder", trace.WithAttributes(
		attribute.String("venue", oe.venue.GetName()),
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
		attribute.String("size", req.Size.String()),
		attribute.Bool("reduce_only", req.ReduceOnly),
	))
	defer span.End()

	return oe.send(ctx, span, req.Symbol, req.Side, func(ctx context.Context) (*core.OrderResult, error) {
		return oe.venue.PlaceOrder(ctx, req)
	})
}

// ClosePosition flattens the venue's position in symbol
func (oe *OrderExecutor) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	ctx, span := oe.tracer.Start(ctx, "ClosePosition", trace.WithAttributes(
		attribute.String("venue", oe.venue.GetName()),
		attribute.String("symbol", symbol),
	))
	defer span.End()

	return oe.send(ctx, span, symbol, "", func(ctx context.Context) (*core.OrderResult, error) {
		return oe.venue.ClosePosition(ctx, symbol)
	})
}

func (oe *OrderExecutor) send(ctx context.Context, span trace.Span, symbol string, side core.OrderSide, call func(context.Context) (*core.OrderResult, error)) (*core.OrderResult, error) {
	if err := oe.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limiter")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	}

	venue := oe.venue.GetName()
	attrs := metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("symbol", symbol),
		attribute.String("side", string(side)),
	)
	oe.placed.Add(ctx, 1, attrs)

	start := time.Now()
	res, err := call(ctx)
	telemetry.GetGlobalMetrics().RecordLegLatency(ctx, venue, float64(time.Since(start).Milliseconds()))
	if err != nil {
		oe.logger.Warn("Order failed", "symbol", symbol, "side", side, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		oe.rejected.Add(ctx, 1, attrs)
		oe.failures.add(time.Now())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order_id", res.OrderID),
		attribute.String("filled_size", res.FilledSize.String()),
	)
	return res, nil
}

// failureCounter counts events in one-second buckets over a sliding
// window, so memory stays fixed however many orders fail.
type failureCounter struct {
	mu        sync.Mutex
	buckets   []failureBucket
	threshold int
}

type failureBucket struct {
	second int64
	count  int
}

func newFailureCounter(window time.Duration, threshold int) *failureCounter {
	return &failureCounter{
		buckets:   make([]failureBucket, int(window/time.Second)),
		threshold: threshold,
	}
}

func (f *failureCounter) setThreshold(n int) {
	if n <= 0 {
		n = defaultFailureThreshold
	}
	f.mu.Lock()
	f.threshold = n
	f.mu.Unlock()
}

func (f *failureCounter) add(now time.Time) {
	sec := now.Unix()
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &f.buckets[sec%int64(len(f.buckets))]
	if b.second != sec {
		b.second, b.count = sec, 0
	}
	b.count++
}

// count returns the events inside the window ending at now
func (f *failureCounter) count(now time.Time) int {
	sec := now.Unix()
	oldest := sec - int64(len(f.buckets)) + 1
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.buckets {
		if b.second >= oldest && b.second <= sec {
			n += b.count
		}
	}
	return n
}

func (f *failureCounter) over(now time.Time) (int, bool) {
	n := f.count(now)
	f.mu.Lock()
	defer f.mu.Unlock()
	return n, n > f.threshold
}
