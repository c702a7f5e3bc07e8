package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOpportunitiesTotal   = "arb_opportunities_total"
	MetricRiskRejectionsTotal  = "arb_risk_rejections_total"
	MetricExecutionsTotal      = "arb_executions_total"
	MetricCompensationsTotal   = "arb_compensations_total"
	MetricLegLatency           = "arb_leg_latency_ms"
	MetricRealizedPnL          = "arb_realized_pnl_usd"
	MetricActivePositions      = "arb_active_positions"
	MetricTotalNotional        = "arb_total_notional_usd"
	MetricReconcilingPositions = "arb_reconciling_positions"
	MetricFundingDiff          = "arb_funding_diff"
	MetricCircuitBreakerOpen   = "arb_circuit_breaker_open"
)

// MetricsHolder holds initialized instruments. Recording helpers are no-ops
// until InitMetrics has run, so components can record unconditionally.
type MetricsHolder struct {
	OpportunitiesTotal   metric.Int64Counter
	RiskRejectionsTotal  metric.Int64Counter
	ExecutionsTotal      metric.Int64Counter
	CompensationsTotal   metric.Int64Counter
	LegLatency           metric.Float64Histogram
	RealizedPnL          metric.Float64Counter
	ActivePositions      metric.Int64ObservableGauge
	TotalNotional        metric.Float64ObservableGauge
	ReconcilingPositions metric.Int64ObservableGauge
	FundingDiff          metric.Float64ObservableGauge
	CircuitBreakerOpen   metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	activeCount    int64
	totalNotional  float64
	reconciling    int64
	fundingDiffMap map[string]float64
	cbOpenMap      map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			fundingDiffMap: make(map[string]float64),
			cbOpenMap:      make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OpportunitiesTotal, err = meter.Int64Counter(MetricOpportunitiesTotal, metric.WithDescription("Signals emitted by the detector"))
	if err != nil {
		return err
	}

	m.RiskRejectionsTotal, err = meter.Int64Counter(MetricRiskRejectionsTotal, metric.WithDescription("Open decisions rejected by a risk limit"))
	if err != nil {
		return err
	}

	m.ExecutionsTotal, err = meter.Int64Counter(MetricExecutionsTotal, metric.WithDescription("Paired executions by action and outcome"))
	if err != nil {
		return err
	}

	m.CompensationsTotal, err = meter.Int64Counter(MetricCompensationsTotal, metric.WithDescription("Compensating orders by outcome"))
	if err != nil {
		return err
	}

	m.LegLatency, err = meter.Float64Histogram(MetricLegLatency, metric.WithDescription("Latency of a single execution leg"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RealizedPnL, err = meter.Float64Counter(MetricRealizedPnL, metric.WithDescription("Cumulative realized PnL net of fees"))
	if err != nil {
		return err
	}

	m.ActivePositions, err = meter.Int64ObservableGauge(MetricActivePositions, metric.WithDescription("Positions not yet archived"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TotalNotional, err = meter.Float64ObservableGauge(MetricTotalNotional, metric.WithDescription("Committed USD notional"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.totalNotional)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconcilingPositions, err = meter.Int64ObservableGauge(MetricReconcilingPositions, metric.WithDescription("Positions waiting for operator resolution"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.reconciling)
			return nil
		}))
	if err != nil {
		return err
	}

	m.FundingDiff, err = meter.Float64ObservableGauge(MetricFundingDiff, metric.WithDescription("Oriented funding spread per reference interval"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.fundingDiffMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("breaker", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) RecordOpportunity(ctx context.Context, symbol, signal string) {
	if m.OpportunitiesTotal != nil {
		m.OpportunitiesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", symbol), attribute.String("signal", signal)))
	}
}

func (m *MetricsHolder) RecordRiskRejection(ctx context.Context, limit string) {
	if m.RiskRejectionsTotal != nil {
		m.RiskRejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("limit", limit)))
	}
}

func (m *MetricsHolder) RecordExecution(ctx context.Context, action, outcome string) {
	if m.ExecutionsTotal != nil {
		m.ExecutionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action), attribute.String("outcome", outcome)))
	}
}

func (m *MetricsHolder) RecordCompensation(ctx context.Context, outcome string) {
	if m.CompensationsTotal != nil {
		m.CompensationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *MetricsHolder) RecordLegLatency(ctx context.Context, venue string, ms float64) {
	if m.LegLatency != nil {
		m.LegLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) RecordRealizedPnL(ctx context.Context, symbol string, pnl float64) {
	if m.RealizedPnL != nil {
		m.RealizedPnL.Add(ctx, pnl, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetExposure(active int64, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCount = active
	m.totalNotional = notional
}

func (m *MetricsHolder) SetReconciling(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciling = count
}

func (m *MetricsHolder) SetFundingDiff(symbol string, diff float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundingDiffMap[symbol] = diff
}

func (m *MetricsHolder) SetCircuitBreakerOpen(name string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[name] = val
}

func (m *MetricsHolder) GetFundingDiff() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.fundingDiffMap))
	for k, v := range m.fundingDiffMap {
		res[k] = v
	}
	return res
}
