package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("test-service", true)
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("test-tracer"))
	assert.NotNil(t, GetMeter("test-meter"))

	m := GetGlobalMetrics()
	assert.NotNil(t, m.ExecutionsTotal)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestMetricsHolder_GaugeState(t *testing.T) {
	m := GetGlobalMetrics()

	m.SetFundingDiff("BTC", 0.0004)
	m.SetFundingDiff("ETH", -0.0001)
	m.SetExposure(2, 1500)

	diffs := m.GetFundingDiff()
	assert.Equal(t, 0.0004, diffs["BTC"])
	assert.Equal(t, -0.0001, diffs["ETH"])

	// Recording before or after init must not panic.
	m.RecordExecution(context.Background(), "open", "success")
	m.RecordRiskRejection(context.Background(), "max_positions_count")
}
