package arbitrage

import (
	"context"
	"fmt"
	"sync"

	"funding_arb/internal/core"
	"funding_arb/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// PositionReader is the part of a venue the leg manager needs
type PositionReader interface {
	GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error)
}

// VenueLeg is a venue-reported position snapshot
type VenueLeg struct {
	Venue  string
	Symbol string
	Side   core.OrderSide
	Size   decimal.Decimal // absolute
}

// LegManager tracks venue-reported positions. The coordinator uses it
// to tell a leg that truly failed from one that filled after its
// request timed out.
type LegManager struct {
	venues map[string]PositionReader
	logger core.ILogger

	legs map[string]*VenueLeg // key: venue:symbol
	mu   sync.RWMutex
}

func NewLegManager(venues map[string]PositionReader, logger core.ILogger) *LegManager {
	return &LegManager{
		venues: venues,
		logger: logger.WithField("component", "leg_manager"),
		legs:   make(map[string]*VenueLeg),
	}
}

func legKey(venue, symbol string) string {
	return fmt.Sprintf("%s:%s", venue, symbol)
}

// SyncState fetches the venue's current position and returns its signed size
func (m *LegManager) SyncState(ctx context.Context, venue, symbol string) (decimal.Decimal, error) {
	v, ok := m.venues[venue]
	if !ok {
		return decimal.Zero, fmt.Errorf("venue not found: %s", venue)
	}

	pos, err := v.GetPosition(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := legKey(venue, symbol)
	delete(m.legs, key)

	if pos == nil || pos.Size.IsZero() {
		return decimal.Zero, nil
	}
	m.legs[key] = &VenueLeg{
		Venue:  venue,
		Symbol: symbol,
		Side:   pos.Side(),
		Size:   pos.Size.Abs(),
	}
	m.logger.Debug("Synced venue position", "venue", venue, "symbol", symbol, "size", pos.Size.String())
	return pos.Size, nil
}

// IsDeltaNeutral checks that at least two venues hold the symbol and
// their signed sizes cancel within tolerance
func (m *LegManager) IsDeltaNeutral(symbol string, tolerance decimal.Decimal) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalDelta := decimal.Zero
	count := 0
	for _, leg := range m.legs {
		if leg.Symbol == symbol {
			totalDelta = totalDelta.Add(leg.Side.Sign().Mul(leg.Size))
			count++
		}
	}

	return count >= 2 && tradingutils.WithinTolerance(totalDelta, decimal.Zero, tolerance)
}
