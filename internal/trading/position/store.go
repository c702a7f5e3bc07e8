package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpenRequest describes a new position about to be executed
type OpenRequest struct {
	Symbol      string
	LongVenue   string
	ShortVenue  string
	Size        decimal.Decimal
	NotionalUSD decimal.Decimal
	FundingDiff decimal.Decimal
}

// Store is the single owner of position records. Callers serialize
// per-symbol work through Lock/TryLock; the store validates every
// state change against the legal transition table.
type Store struct {
	mu       sync.RWMutex
	active   map[string]*Position // symbol -> position
	byID     map[string]*Position
	archived int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	journal   Journal
	tolerance decimal.Decimal
	logger    core.ILogger
	now       func() time.Time
}

// NewStore creates a store. tolerance bounds the leg size difference
// still considered hedged.
func NewStore(journal Journal, tolerance decimal.Decimal, logger core.ILogger) *Store {
	return &Store{
		active:    make(map[string]*Position),
		byID:      make(map[string]*Position),
		locks:     make(map[string]*sync.Mutex),
		journal:   journal,
		tolerance: tolerance,
		logger:    logger.WithField("component", "position_store"),
		now:       time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) symbolLock(symbol string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	return l
}

// Lock blocks until the symbol is free and returns its unlock func
func (s *Store) Lock(symbol string) func() {
	l := s.symbolLock(symbol)
	l.Lock()
	return l.Unlock
}

// TryLock acquires the symbol lock without waiting
func (s *Store) TryLock(symbol string) (func(), bool) {
	l := s.symbolLock(symbol)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// Create registers a new Opening position. Fails with ErrPositionExists
// when the symbol already has an active position.
func (s *Store) Create(ctx context.Context, req OpenRequest) (*Position, error) {
	s.mu.Lock()
	if existing, ok := s.active[req.Symbol]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s (%s)", apperrors.ErrPositionExists, req.Symbol, existing.State, existing.ID)
	}
	now := s.now()
	p := &Position{
		ID:                  uuid.NewString(),
		Symbol:              req.Symbol,
		State:               StateOpening,
		LongVenue:           req.LongVenue,
		ShortVenue:          req.ShortVenue,
		SizeBase:            req.Size,
		NotionalUSD:         req.NotionalUSD,
		EntryFundingDiff:    req.FundingDiff,
		LastFundingDiffSign: req.FundingDiff.Sign(),
		UpdatedAt:           now,
	}
	s.active[p.Symbol] = p
	s.byID[p.ID] = p
	snapshot := p.Clone()
	s.mu.Unlock()

	s.record(ctx, "", snapshot, "")
	return snapshot.Clone(), nil
}

// Transition moves position id from the expected state to the target.
// mutate, when non-nil, edits the record before the move is committed.
// Returns a TransitionError wrapping ErrStateConflict when the current
// state is not from, or ErrInvalidTransition when from -> to is illegal.
// Entering Open or Closing requires hedged legs (ErrUnhedged).
func (s *Store) Transition(ctx context.Context, id string, from, to State, mutate func(*Position), reason string) (*Position, error) {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	if p.State != from {
		s.mu.Unlock()
		return nil, &apperrors.TransitionError{PositionID: id, From: string(from), To: string(to), Actual: string(p.State)}
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return nil, &apperrors.TransitionError{PositionID: id, From: string(from), To: string(to), Actual: string(p.State)}
	}

	next := p.Clone()
	if mutate != nil {
		mutate(next)
	}
	if (to == StateOpen || to == StateClosing) && !next.IsHedged(s.tolerance) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: position %s cannot enter %s", apperrors.ErrUnhedged, id, to)
	}

	now := s.now()
	next.ID, next.Symbol = p.ID, p.Symbol
	next.State = to
	next.UpdatedAt = now
	if to == StateOpen && next.OpenedAt.IsZero() {
		next.OpenedAt = now
	}
	if to == StateClosed {
		next.ClosedAt = now
	}
	if to == StateReconciling {
		next.FailureReason = reason
	}
	*p = *next
	snapshot := p.Clone()
	s.mu.Unlock()

	s.record(ctx, from, snapshot, reason)
	return snapshot.Clone(), nil
}

// Discard drops an Opening position whose open left no exposure
func (s *Store) Discard(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	if p.State != StateOpening {
		s.mu.Unlock()
		return &apperrors.TransitionError{PositionID: id, From: string(StateOpening), To: string(StateDiscarded), Actual: string(p.State)}
	}
	delete(s.byID, id)
	delete(s.active, p.Symbol)
	snapshot := p.Clone()
	snapshot.State = StateDiscarded
	snapshot.UpdatedAt = s.now()
	snapshot.FailureReason = reason
	s.mu.Unlock()

	s.record(ctx, StateOpening, snapshot, reason)
	return nil
}

// Archive removes a Closed position from the active set
func (s *Store) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	if p.State != StateClosed {
		return &apperrors.TransitionError{PositionID: id, From: string(StateClosed), To: "Archived", Actual: string(p.State)}
	}
	delete(s.byID, id)
	if cur, ok := s.active[p.Symbol]; ok && cur.ID == id {
		delete(s.active, p.Symbol)
	}
	s.archived++
	return nil
}

// Get returns a copy of the symbol's position, if any
func (s *Store) Get(symbol string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.active[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// GetByID returns a copy of the position with the given id
func (s *Store) GetByID(id string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Active returns copies of all positions not in Closed, ordered by symbol
func (s *Store) Active() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.active))
	for _, p := range s.active {
		if p.State == StateClosed {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ArchivedCount returns how many positions have been archived
func (s *Store) ArchivedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archived
}

// Restore loads positions recovered from persistence. Positions caught
// mid-execution (Opening or Closing) come back as Reconciling since the
// outcome of their in-flight legs is unknown.
func (s *Store) Restore(ctx context.Context, positions []*Position) []*Position {
	var flagged []*Position
	s.mu.Lock()
	for _, p := range positions {
		if p == nil || p.State == StateClosed {
			continue
		}
		c := p.Clone()
		if c.State == StateOpening || c.State == StateClosing {
			flagged = append(flagged, &Position{ID: c.ID, Symbol: c.Symbol, State: c.State})
			c.State = StateReconciling
			c.FailureReason = "restored mid-execution"
		}
		s.active[c.Symbol] = c
		s.byID[c.ID] = c
	}
	s.mu.Unlock()

	for _, f := range flagged {
		if p, ok := s.GetByID(f.ID); ok {
			s.record(ctx, f.State, p, p.FailureReason)
		}
	}
	return flagged
}

func (s *Store) record(ctx context.Context, from State, p *Position, reason string) {
	if s.journal == nil {
		return
	}
	entry := TradeLogEntry{
		Timestamp:   p.UpdatedAt,
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		FromState:   from,
		ToState:     p.State,
		LongLeg:     p.LongLeg,
		ShortLeg:    p.ShortLeg,
		RealizedPnl: p.RealizedPnl,
		Reason:      reason,
		Position:    p,
	}
	if err := s.journal.Record(ctx, entry); err != nil {
		s.logger.Error("Failed to record trade log entry", "position_id", p.ID, "symbol", p.Symbol, "to", p.State, "error", err)
	}
}
