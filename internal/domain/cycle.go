/**
 * @description
 * This file defines the cycle-level domain models for the rewards-service: the reward
 * cycle configuration, the participant score snapshot supplied by the scoring service,
 * and the derived tier assignment.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), the same way
 *   every other money field in this service is stored.
 * - Percentages are plain float64 values in the 0-100 range.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tier is one of the three ranked buckets a participant falls into. 1 is the top tier.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// AllTiers lists tiers in ranking order.
var AllTiers = []Tier{Tier1, Tier2, Tier3}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// CycleStatus is the lifecycle flag of a reward cycle.
type CycleStatus string

const (
	CycleStatusOpen              CycleStatus = "open"
	CycleStatusSelectionExecuted CycleStatus = "selection_executed"
	CycleStatusSelectionSealed   CycleStatus = "selection_sealed"
)

// SelectionState tracks the winner selection state machine of a cycle.
type SelectionState string

const (
	SelectionStateNone   SelectionState = "none"
	SelectionStateDraft  SelectionState = "draft"
	SelectionStateSaved  SelectionState = "saved"
	SelectionStateSealed SelectionState = "sealed"
)

// CycleStatusFor returns the lifecycle flag that corresponds to a selection state.
func CycleStatusFor(state SelectionState) CycleStatus {
	switch state {
	case SelectionStateDraft, SelectionStateSaved:
		return CycleStatusSelectionExecuted
	case SelectionStateSealed:
		return CycleStatusSelectionSealed
	default:
		return CycleStatusOpen
	}
}

// Cycle represents a time-boxed reward period and its selection configuration.
// This struct maps directly to the `reward_cycles` table.
type Cycle struct {
	ID                          uuid.UUID      `json:"id"`
	Name                        string         `json:"name"`
	Status                      CycleStatus    `json:"status"`
	SelectionState              SelectionState `json:"selection_state"`
	SelectionVersion            int64          `json:"selection_version"`
	SelectionAlgorithm          *string        `json:"selection_algorithm,omitempty"`
	RewardPool                  int64          `json:"reward_pool"` // in cents
	Currency                    string         `json:"currency"`
	TierThresholds              [3]float64     `json:"tier_thresholds"`         // percentiles, informational
	TierPoolSplit               [3]float64     `json:"tier_pool_split"`         // percent of reward pool per tier
	TierSelectionPercent        [3]float64     `json:"tier_selection_percent"`  // percent of each tier drawn as winners
	WinnerPointDeductionPercent float64        `json:"winner_point_deduction_percent"`
	StartsAt                    time.Time      `json:"starts_at"`
	EndsAt                      time.Time      `json:"ends_at"`
	SealedAt                    *time.Time     `json:"sealed_at,omitempty"`
	SealedBy                    *string        `json:"sealed_by,omitempty"`
	CompletedAt                 *time.Time     `json:"completed_at,omitempty"`
	CreatedAt                   time.Time      `json:"created_at"`
	UpdatedAt                   time.Time      `json:"updated_at"`
}

// TierPool returns the share of the reward pool allotted to tier t, in cents.
func (c *Cycle) TierPool(t Tier) int64 {
	if c == nil || !t.Valid() {
		return 0
	}
	return int64(float64(c.RewardPool) * c.TierPoolSplit[t-1] / 100)
}

// SelectionPercent returns the percentage of tier t that is drawn as winners.
func (c *Cycle) SelectionPercent(t Tier) float64 {
	if c == nil || !t.Valid() {
		return 0
	}
	return c.TierSelectionPercent[t-1]
}

// ParticipantScore is the (user, cycle points) snapshot produced by the scoring service.
type ParticipantScore struct {
	UserID   uuid.UUID `json:"user_id"`
	Points   int64     `json:"points"`
	Email    string    `json:"email"`
	IsAdmin  bool      `json:"is_admin"`
	IsActive bool      `json:"is_active"`
}

// TierAssignment is the derived placement of one participant. It is never persisted
// on its own; winner rows copy the fields they need.
type TierAssignment struct {
	UserID      uuid.UUID `json:"user_id"`
	Tier        Tier      `json:"tier"`
	RankInTier  int       `json:"rank_in_tier"`
	OverallRank int       `json:"overall_rank"`
	Points      int64     `json:"points"`
	Email       string    `json:"email"`
}

// SelectionAuditEntry records an operator action on a cycle's selection.
type SelectionAuditEntry struct {
	ID        uuid.UUID `json:"id"`
	CycleID   uuid.UUID `json:"cycle_id"`
	Action    string    `json:"action"`
	Operator  string    `json:"operator"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	AuditActionSave   = "save"
	AuditActionSeal   = "seal"
	AuditActionUnseal = "unseal"
	AuditActionClear  = "clear"
)
