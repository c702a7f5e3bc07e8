package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Engine taxonomy
var (
	ErrStaleData          = errors.New("stale data")
	ErrRiskRejected       = errors.New("risk rejected")
	ErrLegTimeout         = errors.New("leg timeout")
	ErrLegFailed          = errors.New("leg failed")
	ErrCompensationFailed = errors.New("compensation failed")
	ErrInvalidTransition  = errors.New("invalid transition")
)

// Position store errors
var (
	ErrPositionExists   = errors.New("position already exists")
	ErrPositionNotFound = errors.New("position not found")
	ErrStateConflict    = errors.New("state conflict")
	ErrUnhedged         = errors.New("position legs are not hedged")
)

// Standardized venue errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientDepth = errors.New("insufficient order book depth")
	ErrOrderRejected     = errors.New("order rejected")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNetwork           = errors.New("network error")
	ErrVenueUnavailable  = errors.New("venue unavailable")
	ErrInvalidSymbol     = errors.New("invalid symbol")
)

// RiskRejection names the limit that blocked an open
type RiskRejection struct {
	Limit  string
	Reason string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected [%s]: %s", e.Limit, e.Reason)
}

func (e *RiskRejection) Unwrap() error { return ErrRiskRejected }

// TransitionError reports a refused position state change.
// It unwraps to ErrStateConflict when the expected state did not match,
// and to ErrInvalidTransition when the move is not in the legal table.
type TransitionError struct {
	PositionID string
	From       string
	To         string
	Actual     string
}

func (e *TransitionError) Error() string {
	if e.Actual != "" && e.Actual != e.From {
		return fmt.Sprintf("position %s: expected state %s, found %s (target %s)", e.PositionID, e.From, e.Actual, e.To)
	}
	return fmt.Sprintf("position %s: illegal transition %s -> %s", e.PositionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.Actual != "" && e.Actual != e.From {
		return ErrStateConflict
	}
	return ErrInvalidTransition
}

// LegError wraps a venue failure on one leg of a paired execution
type LegError struct {
	Venue string
	Side  string
	Err   error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("leg %s %s: %v", e.Venue, e.Side, e.Err)
}

// Unwrap exposes both the leg classification and the venue cause.
func (e *LegError) Unwrap() []error {
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, ErrLegTimeout) {
		return []error{ErrLegTimeout, e.Err}
	}
	return []error{ErrLegFailed, e.Err}
}

// IsTransient reports whether a venue error is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrVenueUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
