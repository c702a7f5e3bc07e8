// Package alert fans operator notifications out to webhook channels
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	apphttp "funding_arb/pkg/http"
)

type AlertPayload struct {
	Level     core.AlertLevel        `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"data,omitempty"`
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager implements core.IAlerter. Delivery is asynchronous and
// Close waits for pending sends. A repeat of the same level, title and
// symbol inside the suppress window is logged but not delivered.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	timeout  time.Duration
	mu       sync.RWMutex
	pending  sync.WaitGroup
	now      func() time.Time

	suppressMu     sync.Mutex
	suppressWindow time.Duration
	lastSent       map[string]time.Time
	suppressed     int
}

var _ core.IAlerter = (*AlertManager)(nil)

// newChannelClient gives up on a dead endpoint quickly so the alert
// queue keeps draining
func newChannelClient() *apphttp.Client {
	return apphttp.NewClient("", 5*time.Second,
		apphttp.WithRetries(2, 250*time.Millisecond, time.Second),
		apphttp.WithBreaker(3, 5, 30*time.Second))
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		timeout:  10 * time.Second,
		now:      time.Now,

		suppressWindow: time.Minute,
		lastSent:       make(map[string]time.Time),
	}
}

// SetSuppressWindow sets the duplicate window, 0 delivers every alert
func (am *AlertManager) SetSuppressWindow(d time.Duration) {
	am.suppressMu.Lock()
	am.suppressWindow = d
	am.suppressMu.Unlock()
}

// Suppressed returns how many duplicate alerts were dropped
func (am *AlertManager) Suppressed() int {
	am.suppressMu.Lock()
	defer am.suppressMu.Unlock()
	return am.suppressed
}

func (am *AlertManager) duplicate(p AlertPayload) bool {
	key := fmt.Sprintf("%s|%s|%v", p.Level, p.Title, p.Fields["symbol"])
	am.suppressMu.Lock()
	defer am.suppressMu.Unlock()
	if am.suppressWindow <= 0 {
		return false
	}
	if last, ok := am.lastSent[key]; ok && p.Timestamp.Sub(last) < am.suppressWindow {
		am.suppressed++
		return true
	}
	am.lastSent[key] = p.Timestamp
	return false
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels returns the registered channel names
func (am *AlertManager) Channels() []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	names := make([]string, 0, len(am.channels))
	for _, ch := range am.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify sends the alert to every channel in the background
func (am *AlertManager) Notify(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]interface{}) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: am.now(),
		Fields:    fields,
	}

	if am.duplicate(payload) {
		am.logger.Debug("Duplicate alert suppressed", "title", title, "level", string(level))
		return
	}
	am.logger.Info("Triggering alert", "title", title, "level", string(level))

	am.mu.RLock()
	defer am.mu.RUnlock()

	// detached from ctx: a cancelled cycle must not drop a critical alert
	base := context.WithoutCancel(ctx)
	for _, ch := range am.channels {
		am.pending.Add(1)
		go func(c AlertChannel) {
			defer am.pending.Done()
			sendCtx, cancel := context.WithTimeout(base, am.timeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "title", title, "error", err)
			}
		}(ch)
	}
}

// Close waits for in-flight deliveries
func (am *AlertManager) Close() {
	am.pending.Wait()
}

func formatField(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
