package concurrency

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/alitto/pond"
)

var (
	ErrPoolStopped = errors.New("worker pool stopped")
	ErrPoolFull    = errors.New("worker pool queue full")
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail with ErrPoolFull instead of waiting for queue space
	NonBlocking bool
}

// WorkerPool runs tasks on a bounded pond pool. Tasks submitted with a
// key are deduplicated: while a keyed task is queued or running, another
// submission under the same key is skipped.
// Stop refuses new work and waits for everything already accepted.
type WorkerPool struct {
	cfg    PoolConfig
	pool   *pond.WorkerPool
	logger core.ILogger

	mu       sync.Mutex
	stopped  bool
	inflight map[string]struct{}
	skipped  uint64
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = cfg.MaxWorkers * 4
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	return &WorkerPool{
		cfg: cfg,
		pool: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Task panicked", "panic", p)
			}),
		),
		logger:   log,
		inflight: make(map[string]struct{}),
	}
}

// Submit queues an unkeyed task
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.Lock()
	stopped := wp.stopped
	wp.mu.Unlock()
	if stopped {
		return fmt.Errorf("%s: %w", wp.cfg.Name, ErrPoolStopped)
	}
	return wp.enqueue(task)
}

// SubmitKeyed queues task unless another task with the same key is still
// pending. It reports whether the task was accepted.
func (wp *WorkerPool) SubmitKeyed(key string, task func()) (bool, error) {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return false, fmt.Errorf("%s: %w", wp.cfg.Name, ErrPoolStopped)
	}
	if _, busy := wp.inflight[key]; busy {
		wp.skipped++
		wp.mu.Unlock()
		return false, nil
	}
	wp.inflight[key] = struct{}{}
	wp.mu.Unlock()

	release := func() {
		wp.mu.Lock()
		delete(wp.inflight, key)
		wp.mu.Unlock()
	}
	err := wp.enqueue(func() {
		defer release()
		task()
	})
	if err != nil {
		release()
		return false, err
	}
	return true, nil
}

func (wp *WorkerPool) enqueue(task func()) error {
	if !wp.cfg.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("%s (capacity %d): %w", wp.cfg.Name, wp.cfg.MaxCapacity, ErrPoolFull)
	}
	return nil
}

// InFlight returns the keys with a queued or running task
func (wp *WorkerPool) InFlight() []string {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	keys := make([]string, 0, len(wp.inflight))
	for k := range wp.inflight {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop refuses new work and waits for queued and running tasks
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	wp.logger.Info("Draining worker pool", "waiting", wp.pool.WaitingTasks(), "running", wp.pool.RunningWorkers())
	wp.pool.StopAndWait()
}

func (wp *WorkerPool) Stats() map[string]interface{} {
	inflight := wp.InFlight()
	wp.mu.Lock()
	skipped := wp.skipped
	wp.mu.Unlock()
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
		"in_flight_keys":   inflight,
		"skipped_busy_key": skipped,
	}
}
