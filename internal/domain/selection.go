package domain

import (
	"time"

	"github.com/google/uuid"
)

// SelectionAlgorithm names a winner drawing strategy.
type SelectionAlgorithm string

const (
	AlgorithmWeightedRandom SelectionAlgorithm = "weighted_random"
	AlgorithmTopPerformers  SelectionAlgorithm = "top_performers"
	AlgorithmRandom         SelectionAlgorithm = "random"
	AlgorithmManual         SelectionAlgorithm = "manual"
)

// Valid reports whether a is a known algorithm.
func (a SelectionAlgorithm) Valid() bool {
	switch a {
	case AlgorithmWeightedRandom, AlgorithmTopPerformers, AlgorithmRandom, AlgorithmManual:
		return true
	}
	return false
}

// PayoutStatus is the payout lifecycle of a single winner.
type PayoutStatus string

const (
	PayoutStatusDraft      PayoutStatus = "draft"
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusSuccess    PayoutStatus = "success"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusUnclaimed  PayoutStatus = "unclaimed"
)

// IsTerminal reports whether the provider has produced a final outcome for the winner.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutStatusSuccess || s == PayoutStatusFailed || s == PayoutStatusUnclaimed
}

// payoutTransitions lists, for each target status, the statuses a winner may move from.
// success never leaves success.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusDraft:      {PayoutStatusPending, PayoutStatusFailed},
	PayoutStatusPending:    {PayoutStatusDraft, PayoutStatusProcessing},
	PayoutStatusProcessing: {PayoutStatusPending, PayoutStatusFailed},
	PayoutStatusSuccess:    {PayoutStatusProcessing, PayoutStatusPending, PayoutStatusUnclaimed, PayoutStatusFailed},
	PayoutStatusFailed:     {PayoutStatusProcessing, PayoutStatusPending, PayoutStatusUnclaimed},
	PayoutStatusUnclaimed:  {PayoutStatusProcessing, PayoutStatusPending},
}

// PayoutTransitionSources returns the statuses from which a winner may move to target.
func PayoutTransitionSources(target PayoutStatus) []PayoutStatus {
	return payoutTransitions[target]
}

// CanTransitionPayout reports whether from -> to is a legal winner status change.
func CanTransitionPayout(from, to PayoutStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range payoutTransitions[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// WinnerSelection is one drawn winner of a cycle. It maps to the `winner_selections`
// table, unique on (cycle_id, user_id).
type WinnerSelection struct {
	ID                uuid.UUID    `json:"id"`
	CycleID           uuid.UUID    `json:"cycle_id"`
	UserID            uuid.UUID    `json:"user_id"`
	Tier              Tier         `json:"tier"`
	RankInTier        int          `json:"rank_in_tier"`
	OverallRank       int          `json:"overall_rank"`
	PointsAtSelection int64        `json:"points_at_selection"`
	TierPoolSize      int64        `json:"tier_pool_size"`    // in cents
	PayoutPercentage  float64      `json:"payout_percentage"` // percent of the tier pool
	PayoutCalculated  int64        `json:"payout_calculated"` // in cents
	PayoutOverride    *int64       `json:"payout_override,omitempty"`
	PayoutFinal       *int64       `json:"payout_final,omitempty"`
	DestinationEmail  string       `json:"destination_email"`
	PointsDeducted    int64        `json:"points_deducted"`
	PayoutStatus      PayoutStatus `json:"payout_status"`
	AdminNotes        *string      `json:"admin_notes,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// FinalAmount returns the payout that will actually be disbursed, or 0 when unresolved.
func (w *WinnerSelection) FinalAmount() int64 {
	if w == nil || w.PayoutFinal == nil {
		return 0
	}
	return *w.PayoutFinal
}

// RunSelectionRequest is the payload for drawing winners for a cycle.
type RunSelectionRequest struct {
	Algorithm     SelectionAlgorithm `json:"algorithm"`
	ManualUserIDs []uuid.UUID        `json:"manual_user_ids,omitempty"`
}

// WinnerAmountsUpdate carries operator edits to a saved winner. Nil fields are untouched.
type WinnerAmountsUpdate struct {
	TierPoolSize   *int64 `json:"tier_pool_size,omitempty"`
	PayoutOverride *int64 `json:"payout_override,omitempty"`
	ClearOverride  bool   `json:"clear_override,omitempty"`
}

// SelectionResult is what runSelection hands back to the operator.
type SelectionResult struct {
	Cycle     *Cycle            `json:"cycle"`
	State     SelectionState    `json:"state"`
	Algorithm string            `json:"algorithm"`
	Winners   []WinnerSelection `json:"winners"`
	TierSizes [3]int            `json:"tier_sizes"`
}
