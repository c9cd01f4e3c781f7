package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidAlgorithm      = errors.New("unknown selection algorithm")
	ErrNoEligibleUsers       = errors.New("cycle has no eligible participants")
	ErrSelectionNotSaved     = errors.New("selection must be saved before it can be sealed")
	ErrSelectionNotSealed    = errors.New("selection must be sealed before payouts")
	ErrNoWinnersRequested    = errors.New("no winners requested")
	ErrSelectionFullyPaid    = errors.New("every requested winner is already paid or has a payout in flight")
	ErrBatchSuperseded       = errors.New("payout batch has been superseded by a newer attempt")
	ErrBatchNotRetryable     = errors.New("payout batch has nothing eligible for retry")
	ErrRetryCapReached       = errors.New("payout retry limit reached; items flagged for manual review")
	ErrCycleBusy             = errors.New("another operation holds the cycle lock")
	ErrProviderUnavailable   = errors.New("payout provider is not configured")
	ErrUnknownCorrelationRef = errors.New("provider item does not reference a known payout")
)

// WinnerProblem is one reason a winner cannot proceed.
type WinnerProblem struct {
	WinnerID uuid.UUID `json:"winner_id,omitempty"`
	UserID   uuid.UUID `json:"user_id,omitempty"`
	Field    string    `json:"field"`
	Reason   string    `json:"reason"`
}

// ValidationError is returned before any state is written. It lists every problem
// found so an operator can fix them in one pass.
type ValidationError struct {
	Op       string          `json:"op"`
	Problems []WinnerProblem `json:"problems"`
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s: validation failed", e.Op)
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.WinnerID != uuid.Nil {
			parts = append(parts, fmt.Sprintf("winner %s %s: %s", p.WinnerID, p.Field, p.Reason))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", p.Field, p.Reason))
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Op, strings.Join(parts, "; "))
}

func (e *ValidationError) add(p WinnerProblem) {
	e.Problems = append(e.Problems, p)
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
