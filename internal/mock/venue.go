package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// OrderBehavior scripts the outcome of one PlaceOrder call
type OrderBehavior struct {
	Err       error           // returned without filling
	Delay     time.Duration   // response latency
	FillLate  bool            // fill anyway when the caller gives up during Delay
	FillRatio decimal.Decimal // partial fill fraction, zero means full
}

// MockVenue implements core.IVenue in memory. It fills market orders at
// the current mid and tracks a signed net position per symbol.
type MockVenue struct {
	name string
	mu   sync.RWMutex

	prices    map[string]decimal.Decimal
	funding   map[string]decimal.Decimal
	books     map[string]map[core.OrderSide][]core.BookLevel
	depth     decimal.Decimal
	positions map[string]decimal.Decimal
	entry     map[string]decimal.Decimal

	orders         []core.OrderRequest
	clientOrderMap map[string]*core.OrderResult
	rejectReused   bool
	orderIDCounter int64

	script      []OrderBehavior
	quoteErr    map[string]error
	positionErr error
	healthErr   error
	now         func() time.Time
}

// NewMockVenue creates an empty venue
func NewMockVenue(name string) *MockVenue {
	return &MockVenue{
		name:           name,
		prices:         make(map[string]decimal.Decimal),
		funding:        make(map[string]decimal.Decimal),
		books:          make(map[string]map[core.OrderSide][]core.BookLevel),
		depth:          decimal.NewFromInt(10),
		positions:      make(map[string]decimal.Decimal),
		entry:          make(map[string]decimal.Decimal),
		clientOrderMap: make(map[string]*core.OrderResult),
		orderIDCounter: 1000,
		quoteErr:       make(map[string]error),
		now:            time.Now,
	}
}

func (m *MockVenue) SetMarket(symbol string, price, fundingRate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.funding[symbol] = fundingRate
}

func (m *MockVenue) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *MockVenue) SetFundingRate(symbol string, rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[symbol] = rate
}

// SetDepth sets the size of each synthetic book level
func (m *MockVenue) SetDepth(size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = size
}

// SetBook overrides the synthetic book for one side
func (m *MockVenue) SetBook(symbol string, side core.OrderSide, levels []core.BookLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.books[symbol] == nil {
		m.books[symbol] = make(map[core.OrderSide][]core.BookLevel)
	}
	m.books[symbol][side] = levels
}

func (m *MockVenue) SetPosition(symbol string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = size
}

func (m *MockVenue) SetQuoteError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.quoteErr, symbol)
		return
	}
	m.quoteErr[symbol] = err
}

func (m *MockVenue) SetPositionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionErr = err
}

func (m *MockVenue) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// SetClock replaces the time source used for quote timestamps
func (m *MockVenue) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RejectReusedClientIDs makes a repeated ClientOrderID fail instead of
// returning the first result
func (m *MockVenue) RejectReusedClientIDs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectReused = true
}

// ScriptOrders queues behaviors consumed by subsequent PlaceOrder calls
func (m *MockVenue) ScriptOrders(behaviors ...OrderBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, behaviors...)
}

// Orders returns every order request received, including rejected ones
func (m *MockVenue) Orders() []core.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

// NetPosition returns the signed position held for symbol
func (m *MockVenue) NetPosition(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[symbol]
}

func (m *MockVenue) GetName() string {
	return m.name
}

func (m *MockVenue) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

func (m *MockVenue) GetQuote(ctx context.Context, symbol string) (*core.RawQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.quoteErr[symbol]; err != nil {
		return nil, err
	}
	price, ok := m.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return &core.RawQuote{
		Symbol:      symbol,
		Venue:       m.name,
		MidPrice:    price,
		FundingRate: m.funding[symbol],
		ObservedAt:  m.now(),
	}, nil
}

func (m *MockVenue) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.quoteErr[symbol]; err != nil {
		return decimal.Zero, err
	}
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return price, nil
}

// GetOrderBookDepth returns five synthetic levels one basis point apart
// unless a book was set explicitly.
func (m *MockVenue) GetOrderBookDepth(ctx context.Context, symbol string, side core.OrderSide) ([]core.BookLevel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sides, ok := m.books[symbol]; ok {
		if levels, ok := sides[side]; ok {
			out := make([]core.BookLevel, len(levels))
			copy(out, levels)
			return out, nil
		}
	}
	price, ok := m.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	step := decimal.NewFromFloat(0.0001)
	levels := make([]core.BookLevel, 0, 5)
	for i := 0; i < 5; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		p := price.Mul(decimal.NewFromInt(1).Add(offset))
		if side == core.OrderSideSell {
			p = price.Mul(decimal.NewFromInt(1).Sub(offset))
		}
		levels = append(levels, core.BookLevel{Price: p, Size: m.depth})
	}
	return levels, nil
}

// PlaceOrder fills the order against the current mid, honoring any scripted behavior.
// Orders carrying a known ClientOrderID return the original result.
func (m *MockVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	m.orders = append(m.orders, *req)
	if req.ClientOrderID != "" {
		if existing, ok := m.clientOrderMap[req.ClientOrderID]; ok {
			reject := m.rejectReused
			m.mu.Unlock()
			if reject {
				return nil, fmt.Errorf("%w: duplicate client order id %s", apperrors.ErrOrderRejected, req.ClientOrderID)
			}
			return existing, nil
		}
	}
	var behavior OrderBehavior
	if len(m.script) > 0 {
		behavior = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if behavior.Err != nil {
		return nil, behavior.Err
	}

	if behavior.Delay > 0 {
		select {
		case <-time.After(behavior.Delay):
		case <-ctx.Done():
			if behavior.FillLate {
				_, _ = m.fill(req, behavior.FillRatio)
			}
			return nil, ctx.Err()
		}
	}

	return m.fill(req, behavior.FillRatio)
}

func (m *MockVenue) fill(req *core.OrderRequest, ratio decimal.Decimal) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, req.Symbol)
	}
	if req.Type == core.OrderTypeLimit && !req.LimitPrice.IsZero() {
		price = req.LimitPrice
	}

	size := req.Size
	if ratio.IsPositive() {
		size = size.Mul(ratio)
	}
	current := m.positions[req.Symbol]
	if req.ReduceOnly {
		if current.IsZero() || current.Sign() == req.Side.Sign().Sign() {
			return nil, fmt.Errorf("%w: reduce-only order would increase position", apperrors.ErrOrderRejected)
		}
		size = decimal.Min(size, current.Abs())
	}

	next := current.Add(req.Side.Sign().Mul(size))
	if current.IsZero() || current.Sign() == req.Side.Sign().Sign() {
		m.entry[req.Symbol] = price
	}
	if next.IsZero() {
		delete(m.entry, req.Symbol)
	}
	m.positions[req.Symbol] = next

	m.orderIDCounter++
	res := &core.OrderResult{
		OrderID:      fmt.Sprintf("%s-%d", m.name, m.orderIDCounter),
		FilledSize:   size,
		AvgFillPrice: price,
	}
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = res
	}
	return res, nil
}

func (m *MockVenue) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.positionErr != nil {
		return nil, m.positionErr
	}
	return &core.VenuePosition{
		Symbol:     symbol,
		Size:       m.positions[symbol],
		EntryPrice: m.entry[symbol],
	}, nil
}

// ClosePosition flattens the symbol with a market order
func (m *MockVenue) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	m.mu.RLock()
	current := m.positions[symbol]
	m.mu.RUnlock()

	if current.IsZero() {
		return &core.OrderResult{}, nil
	}
	side := core.OrderSideSell
	if current.IsNegative() {
		side = core.OrderSideBuy
	}
	return m.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		Size:       current.Abs(),
		ReduceOnly: true,
	})
}
