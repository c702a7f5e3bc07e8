package concurrency

import (
	"sync/atomic"
	"testing"
	"time"

	"funding_arb/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(cfg PoolConfig) *WorkerPool {
	return NewWorkerPool(cfg, logging.NewNopLogger())
}

func TestWorkerPool_StopWaitsForAccepted(t *testing.T) {
	pool := newTestPool(PoolConfig{Name: "drain", MaxWorkers: 2, MaxCapacity: 10})

	var done atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func() {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
		}))
	}
	pool.Stop()
	assert.Equal(t, int64(5), done.Load())

	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolStopped)
	_, err := pool.SubmitKeyed("BTC", func() {})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestWorkerPool_KeyedSkipsBusyKey(t *testing.T) {
	pool := newTestPool(PoolConfig{Name: "symbols", MaxWorkers: 4})
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	ok, err := pool.SubmitKeyed("BTC", func() {
		close(started)
		<-block
	})
	require.NoError(t, err)
	require.True(t, ok)
	<-started

	ok, err = pool.SubmitKeyed("BTC", func() { t.Error("duplicate key ran") })
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = pool.SubmitKeyed("ETH", func() {})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, pool.InFlight(), "BTC")
	close(block)

	assert.Eventually(t, func() bool { return len(pool.InFlight()) == 0 }, time.Second, 5*time.Millisecond)
	ok, err = pool.SubmitKeyed("BTC", func() {})
	require.NoError(t, err)
	assert.True(t, ok, "key is free again once its task finished")
	assert.Equal(t, uint64(1), pool.Stats()["skipped_busy_key"])
}

func TestWorkerPool_NonBlockingFullReleasesKey(t *testing.T) {
	pool := newTestPool(PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true})
	block := make(chan struct{})
	defer func() {
		close(block)
		pool.Stop()
	}()

	var full bool
	for i := 0; i < 5; i++ {
		key := string(rune('A' + i))
		if _, err := pool.SubmitKeyed(key, func() { <-block }); err != nil {
			assert.ErrorIs(t, err, ErrPoolFull)
			assert.NotContains(t, pool.InFlight(), key)
			full = true
			break
		}
	}
	assert.True(t, full)
}

func TestWorkerPool_PanicReleasesKey(t *testing.T) {
	pool := newTestPool(PoolConfig{Name: "panics", MaxWorkers: 1})
	ok, err := pool.SubmitKeyed("BTC", func() { panic("boom") })
	require.NoError(t, err)
	require.True(t, ok)
	pool.Stop()

	assert.Empty(t, pool.InFlight())
	assert.Equal(t, uint64(1), pool.Stats()["failed_tasks"])
}
