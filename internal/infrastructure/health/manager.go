package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
)

// Check probes one component. It should honor ctx.
type Check func(ctx context.Context) error

// ComponentStatus is the result of one check
type ComponentStatus struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// Report aggregates every registered check. Healthy is false only when a
// critical component fails.
type Report struct {
	Healthy    bool                       `json:"healthy"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentStatus `json:"components"`
}

// Failing lists unhealthy components in name order
func (r Report) Failing() []string {
	var out []string
	for name, c := range r.Components {
		if !c.Healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type registration struct {
	check    Check
	critical bool
}

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger  core.ILogger
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]registration
}

// NewHealthManager creates a new health manager. Each check gets at most
// timeout to answer.
func NewHealthManager(logger core.ILogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hm := &HealthManager{
		timeout: timeout,
		checks:  make(map[string]registration),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a critical health check for a component
func (hm *HealthManager) Register(component string, check Check) {
	hm.register(component, check, true)
}

// RegisterOptional adds a check whose failure degrades but does not fail
// the overall status
func (hm *HealthManager) RegisterOptional(component string, check Check) {
	hm.register(component, check, false)
}

func (hm *HealthManager) register(component string, check Check, critical bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = registration{check: check, critical: critical}
}

// Report runs every check concurrently
func (hm *HealthManager) Report(ctx context.Context) Report {
	hm.mu.RLock()
	checks := make(map[string]registration, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	report := Report{
		Healthy:    true,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentStatus, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, reg := range checks {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			err := hm.run(ctx, reg.check)

			status := ComponentStatus{Healthy: err == nil, Critical: reg.critical}
			if err != nil {
				status.Error = err.Error()
			}

			mu.Lock()
			report.Components[name] = status
			if err != nil && reg.critical {
				report.Healthy = false
			}
			mu.Unlock()

			if err != nil && hm.logger != nil {
				hm.logger.Warn("Health check failed", "check", name, "critical", reg.critical, "error", err)
			}
		}(name, reg)
	}
	wg.Wait()

	return report
}

func (hm *HealthManager) run(ctx context.Context, check Check) error {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
