package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order or position leg
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side that unwinds s
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for buys and -1 for sells
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType is the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// RawQuote is a venue reading before normalization.
// FundingRate is expressed per the venue's own funding interval.
type RawQuote struct {
	Symbol      string
	Venue       string
	MidPrice    decimal.Decimal
	FundingRate decimal.Decimal
	ObservedAt  time.Time
}

// Quote is a normalized reading keyed by (Symbol, Venue)
type Quote struct {
	Symbol      string
	Venue       string
	MidPrice    decimal.Decimal
	FundingRate decimal.Decimal // per reference interval
	ObservedAt  time.Time
	IsStale     bool
}

// BookLevel is one price level of an order book side
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderRequest describes an order sent to a venue
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Size          decimal.Decimal
	LimitPrice    decimal.Decimal // zero for market orders
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is a venue's answer to a placed order
type OrderResult struct {
	OrderID      string
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// VenuePosition is the venue-reported position for a symbol.
// Size is signed: positive long, negative short.
type VenuePosition struct {
	Symbol     string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// Side returns the side of the venue position, empty when flat
func (p *VenuePosition) Side() OrderSide {
	switch {
	case p == nil || p.Size.IsZero():
		return ""
	case p.Size.IsPositive():
		return OrderSideBuy
	default:
		return OrderSideSell
	}
}
