package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type reading struct {
	price     decimal.Decimal
	priceAt   time.Time
	funding   decimal.Decimal
	fundingAt time.Time
}

// QuoteMonitor polls venues and keeps the latest reading per (venue, symbol).
// Funding and price are refreshed on separate cadences; a quote is as old
// as the older of its two components.
type QuoteMonitor struct {
	venues     map[string]core.IVenue
	symbols    []string
	normalizer *Normalizer
	logger     core.ILogger

	readings map[string]map[string]*reading // venue -> symbol -> reading
	mu       sync.RWMutex

	now func() time.Time
}

// NewQuoteMonitor creates a monitor for the given venues and symbols
func NewQuoteMonitor(venues map[string]core.IVenue, symbols []string, normalizer *Normalizer, logger core.ILogger) *QuoteMonitor {
	readings := make(map[string]map[string]*reading, len(venues))
	for name := range venues {
		readings[name] = make(map[string]*reading)
	}
	return &QuoteMonitor{
		venues:     venues,
		symbols:    symbols,
		normalizer: normalizer,
		logger:     logger.WithField("component", "quote_monitor"),
		readings:   readings,
		now:        time.Now,
	}
}

// SetClock replaces the time source, for tests
func (m *QuoteMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RefreshFunding fetches full quotes (price and funding) from every venue.
// Individual failures are logged and leave the previous reading to age out.
func (m *QuoteMonitor) RefreshFunding(ctx context.Context) error {
	return m.refresh(ctx, func(ctx context.Context, venue core.IVenue, symbol string) error {
		raw, err := venue.GetQuote(ctx, symbol)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		r := m.readingLocked(venue.GetName(), symbol)
		r.price, r.priceAt = raw.MidPrice, raw.ObservedAt
		r.funding, r.fundingAt = raw.FundingRate, raw.ObservedAt
		return nil
	})
}

// RefreshPrices updates mid prices only
func (m *QuoteMonitor) RefreshPrices(ctx context.Context) error {
	return m.refresh(ctx, func(ctx context.Context, venue core.IVenue, symbol string) error {
		price, err := venue.GetLatestPrice(ctx, symbol)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		r := m.readingLocked(venue.GetName(), symbol)
		r.price, r.priceAt = price, m.now()
		return nil
	})
}

func (m *QuoteMonitor) refresh(ctx context.Context, fetch func(context.Context, core.IVenue, string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, venue := range m.venues {
		for _, symbol := range m.symbols {
			g.Go(func() error {
				if err := fetch(gctx, venue, symbol); err != nil {
					if errors.Is(err, apperrors.ErrStaleData) {
						m.logger.Debug("Venue reported stale data", "venue", name, "symbol", symbol)
					} else {
						m.logger.Warn("Failed to refresh quote", "venue", name, "symbol", symbol, "error", err)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *QuoteMonitor) readingLocked(venue, symbol string) *reading {
	bySymbol, ok := m.readings[venue]
	if !ok {
		bySymbol = make(map[string]*reading)
		m.readings[venue] = bySymbol
	}
	r, ok := bySymbol[symbol]
	if !ok {
		r = &reading{}
		bySymbol[symbol] = r
	}
	return r
}

// Quote returns the normalized quote for (venue, symbol). The error wraps
// ErrStaleData when nothing usable is cached or the quote is stale.
func (m *QuoteMonitor) Quote(venue, symbol string) (core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.readings[venue][symbol]
	if !ok || r.fundingAt.IsZero() || r.priceAt.IsZero() {
		return core.Quote{}, fmt.Errorf("%w: no reading for %s on %s", apperrors.ErrStaleData, symbol, venue)
	}
	observedAt := r.priceAt
	if r.fundingAt.Before(observedAt) {
		observedAt = r.fundingAt
	}
	q, err := m.normalizer.Normalize(core.RawQuote{
		Symbol:      symbol,
		Venue:       venue,
		MidPrice:    r.price,
		FundingRate: r.funding,
		ObservedAt:  observedAt,
	}, m.now())
	if err != nil {
		return core.Quote{}, err
	}
	if q.IsStale {
		return q, fmt.Errorf("%w: %s on %s observed at %s", apperrors.ErrStaleData, symbol, venue, observedAt.Format(time.RFC3339))
	}
	return q, nil
}

// Pair returns fresh quotes for symbol from venues a and b
func (m *QuoteMonitor) Pair(symbol, a, b string) (core.Quote, core.Quote, error) {
	qa, err := m.Quote(a, symbol)
	if err != nil {
		return core.Quote{}, core.Quote{}, err
	}
	qb, err := m.Quote(b, symbol)
	if err != nil {
		return core.Quote{}, core.Quote{}, err
	}
	return qa, qb, nil
}

// IsStale returns true if the quote for (venue, symbol) is missing or older than ttl
func (m *QuoteMonitor) IsStale(venue, symbol string, ttl time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.readings[venue][symbol]
	if !ok || r.priceAt.IsZero() || r.fundingAt.IsZero() {
		return true
	}
	now := m.now()
	return now.Sub(r.priceAt) > ttl || now.Sub(r.fundingAt) > ttl
}

// CheckHealth fails when no (venue, symbol) pair has a fresh quote
func (m *QuoteMonitor) CheckHealth() error {
	ttl := m.normalizer.StalenessWindow()
	venues := make([]string, 0, len(m.venues))
	for name := range m.venues {
		venues = append(venues, name)
	}
	sort.Strings(venues)
	for _, v := range venues {
		for _, s := range m.symbols {
			if !m.IsStale(v, s, ttl) {
				return nil
			}
		}
	}
	return fmt.Errorf("no fresh quotes from %v", venues)
}
