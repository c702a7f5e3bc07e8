package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IVenue is the trading capability of one exchange.
// Adapters translate symbols and wire formats; the engine only sees canonical symbols.
type IVenue interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	// GetQuote returns price and funding rate together. Returns apperrors.ErrStaleData
	// when the venue cannot supply a current reading.
	GetQuote(ctx context.Context, symbol string) (*RawQuote, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// GetOrderBookDepth returns levels of one book side, best first.
	// OrderSideBuy yields asks (the side a buyer takes), OrderSideSell yields bids.
	GetOrderBookDepth(ctx context.Context, symbol string, side OrderSide) ([]BookLevel, error)

	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IAlerter delivers operator notifications
type IAlerter interface {
	Notify(ctx context.Context, title, message string, level AlertLevel, fields map[string]interface{})
}

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "INFO"
	AlertLevelWarning  AlertLevel = "WARNING"
	AlertLevelError    AlertLevel = "ERROR"
	AlertLevelCritical AlertLevel = "CRITICAL"
)
