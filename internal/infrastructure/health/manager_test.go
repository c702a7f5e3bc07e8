package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil, time.Second)
	ctx := context.Background()

	assert.True(t, hm.Report(ctx).Healthy, "no checks is healthy")

	hm.Register("quotes", func(context.Context) error { return nil })
	assert.True(t, hm.Report(ctx).Healthy)

	hm.Register("journal", func(context.Context) error { return errors.New("disk full") })
	report := hm.Report(ctx)

	assert.False(t, report.Healthy)
	assert.True(t, report.Components["quotes"].Healthy)
	assert.Equal(t, "disk full", report.Components["journal"].Error)
	assert.Equal(t, []string{"journal"}, report.Failing())
}

func TestHealthManager_OptionalFailureDegrades(t *testing.T) {
	hm := NewHealthManager(nil, time.Second)
	hm.Register("quotes", func(context.Context) error { return nil })
	hm.RegisterOptional("redis", func(context.Context) error { return errors.New("connection refused") })

	report := hm.Report(context.Background())

	assert.True(t, report.Healthy)
	assert.False(t, report.Components["redis"].Healthy)
	assert.False(t, report.Components["redis"].Critical)
}

func TestHealthManager_SlowCheckTimesOut(t *testing.T) {
	hm := NewHealthManager(nil, 20*time.Millisecond)
	hm.Register("venue", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	start := time.Now()
	report := hm.Report(context.Background())

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Components["venue"].Error, "deadline")
}

func TestHealthManager_ReregisterReplaces(t *testing.T) {
	hm := NewHealthManager(nil, time.Second)
	hm.Register("quotes", func(context.Context) error { return errors.New("stale") })
	hm.Register("quotes", func(context.Context) error { return nil })

	assert.True(t, hm.Report(context.Background()).Healthy)
}
