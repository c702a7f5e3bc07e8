package position

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trade_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	position_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	long_leg     TEXT,
	short_leg    TEXT,
	realized_pnl TEXT NOT NULL,
	reason       TEXT
);
CREATE INDEX IF NOT EXISTS idx_trade_log_symbol ON trade_log(symbol, ts);
CREATE TABLE IF NOT EXISTS active_positions (
	symbol      TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	data        TEXT NOT NULL,
	checksum    BLOB NOT NULL,
	updated_at  INTEGER NOT NULL
);`

// SQLiteJournal persists the trade log and a snapshot of active positions,
// so positions and their funding-sign reference survive a restart.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Record appends the entry and updates the active snapshot in one transaction
func (j *SQLiteJournal) Record(ctx context.Context, e TradeLogEntry) error {
	tx, err := j.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	longLeg, err := marshalLeg(e.LongLeg)
	if err != nil {
		return err
	}
	shortLeg, err := marshalLeg(e.ShortLeg)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trade_log (ts, position_id, symbol, from_state, to_state, long_leg, short_leg, realized_pnl, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.PositionID, e.Symbol, string(e.FromState), string(e.ToState),
		longLeg, shortLeg, e.RealizedPnl.String(), e.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert trade log entry: %w", err)
	}

	if e.Position != nil {
		switch e.Position.State {
		case StateClosed, StateDiscarded:
			if _, err := tx.ExecContext(ctx, `DELETE FROM active_positions WHERE position_id = ?`, e.Position.ID); err != nil {
				return fmt.Errorf("failed to remove active position: %w", err)
			}
		default:
			data, err := json.Marshal(e.Position)
			if err != nil {
				return fmt.Errorf("failed to marshal position: %w", err)
			}
			checksum := sha256.Sum256(data)
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO active_positions (symbol, position_id, data, checksum, updated_at) VALUES (?, ?, ?, ?, ?)`,
				e.Position.Symbol, e.Position.ID, string(data), checksum[:], time.Now().UnixNano())
			if err != nil {
				return fmt.Errorf("failed to write active position: %w", err)
			}
		}
	}

	return tx.Commit()
}

// LoadActive returns the persisted active positions
func (j *SQLiteJournal) LoadActive(ctx context.Context) ([]*Position, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT data, checksum FROM active_positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to read active positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		var data string
		var stored []byte
		if err := rows.Scan(&data, &stored); err != nil {
			return nil, err
		}
		computed := sha256.Sum256([]byte(data))
		if !bytes.Equal(stored, computed[:]) {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
		var p Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// History returns the most recent entries for symbol, newest first.
// An empty symbol returns entries for all symbols.
func (j *SQLiteJournal) History(ctx context.Context, symbol string, limit int) ([]TradeLogEntry, error) {
	query := `SELECT ts, position_id, symbol, from_state, to_state, long_leg, short_leg, realized_pnl, reason
		FROM trade_log WHERE (? = '' OR symbol = ?) ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read trade log: %w", err)
	}
	defer rows.Close()

	var out []TradeLogEntry
	for rows.Next() {
		var (
			ts                int64
			e                 TradeLogEntry
			from, to, pnl     string
			longLeg, shortLeg sql.NullString
			reason            sql.NullString
		)
		if err := rows.Scan(&ts, &e.PositionID, &e.Symbol, &from, &to, &longLeg, &shortLeg, &pnl, &reason); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		e.FromState, e.ToState = State(from), State(to)
		e.Reason = reason.String
		if e.RealizedPnl, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("bad realized_pnl %q: %w", pnl, err)
		}
		if e.LongLeg, err = unmarshalLeg(longLeg); err != nil {
			return nil, err
		}
		if e.ShortLeg, err = unmarshalLeg(shortLeg); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the database for the health endpoint
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func marshalLeg(l *Leg) (sql.NullString, error) {
	if l == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal leg: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalLeg(s sql.NullString) (*Leg, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var l Leg
	if err := json.Unmarshal([]byte(s.String), &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal leg: %w", err)
	}
	return &l, nil
}
