package position

import (
	"context"
	"errors"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// TradeLogEntry records one position state transition
type TradeLogEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	FromState   State           `json:"from_state"`
	ToState     State           `json:"to_state"`
	LongLeg     *Leg            `json:"long_leg,omitempty"`
	ShortLeg    *Leg            `json:"short_leg,omitempty"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`

	// Position is the state after the transition
	Position *Position `json:"-"`
}

// Journal receives every trade log entry
type Journal interface {
	Record(ctx context.Context, entry TradeLogEntry) error
}

// MultiJournal fans an entry out to several sinks
type MultiJournal []Journal

func (m MultiJournal) Record(ctx context.Context, entry TradeLogEntry) error {
	var errs []error
	for _, j := range m {
		if err := j.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JournalFunc adapts a plain function to Journal
type JournalFunc func(ctx context.Context, entry TradeLogEntry) error

func (f JournalFunc) Record(ctx context.Context, entry TradeLogEntry) error {
	return f(ctx, entry)
}

// LogJournal writes entries as structured log lines
type LogJournal struct {
	logger core.ILogger
}

func NewLogJournal(logger core.ILogger) *LogJournal {
	return &LogJournal{logger: logger.WithField("component", "trade_log")}
}

func (j *LogJournal) Record(ctx context.Context, e TradeLogEntry) error {
	fields := []interface{}{
		"position_id", e.PositionID,
		"symbol", e.Symbol,
		"from", e.FromState,
		"to", e.ToState,
	}
	if e.LongLeg != nil {
		fields = append(fields, "long_venue", e.LongLeg.Venue, "long_filled", e.LongLeg.FilledSize.String(), "long_price", e.LongLeg.EntryPrice.String())
	}
	if e.ShortLeg != nil {
		fields = append(fields, "short_venue", e.ShortLeg.Venue, "short_filled", e.ShortLeg.FilledSize.String(), "short_price", e.ShortLeg.EntryPrice.String())
	}
	if e.ToState == StateClosed {
		fields = append(fields, "realized_pnl", e.RealizedPnl.String())
	}
	if e.Reason != "" {
		fields = append(fields, "reason", e.Reason)
	}

	switch e.ToState {
	case StateReconciling:
		j.logger.Error("Position transition", fields...)
	case StateDiscarded:
		j.logger.Warn("Position transition", fields...)
	default:
		j.logger.Info("Position transition", fields...)
	}
	return nil
}
