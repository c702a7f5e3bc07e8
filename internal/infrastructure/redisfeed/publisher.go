package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"funding_arb/internal/config"
	"funding_arb/internal/trading/position"

	"github.com/redis/go-redis/v9"
)

const defaultMaxLen = 10000

// Publisher mirrors the trade log into a capped Redis stream and keeps a
// per-symbol hash of the live position for external readers.
type Publisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewPublisher(cfg config.RedisConfig) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password.Reveal(),
	})
	stream := cfg.Stream
	if stream == "" {
		stream = "funding_arb:trades"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Publisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

func positionKey(symbol string) string {
	return "funding_arb:position:" + symbol
}

// Record implements position.Journal
func (p *Publisher) Record(ctx context.Context, e position.TradeLogEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisfeed: marshal entry: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"symbol":   e.Symbol,
			"to_state": string(e.ToState),
			"payload":  payload,
		},
	})

	switch e.ToState {
	case position.StateClosed, position.StateDiscarded:
		pipe.Del(ctx, positionKey(e.Symbol))
	default:
		if e.Position != nil {
			snap, err := json.Marshal(e.Position)
			if err != nil {
				return fmt.Errorf("redisfeed: marshal position: %w", err)
			}
			pipe.HSet(ctx, positionKey(e.Symbol), map[string]interface{}{
				"id":       e.PositionID,
				"state":    string(e.ToState),
				"position": snap,
				"ts_ms":    e.Timestamp.UnixMilli(),
			})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisfeed: publish %s: %w", e.Symbol, err)
	}
	return nil
}

// Ping checks connectivity for the health endpoint
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}
