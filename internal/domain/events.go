package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutItemEvent is the provider webhook payload forwarded by the notification-service
// for payout item lifecycle updates.
type PayoutItemEvent struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	ProviderBatchID  string    `json:"payout_batch_id"`
	ProviderItemID   string    `json:"payout_item_id"`
	SenderItemID     string    `json:"sender_item_id"`
	TransactionState string    `json:"transaction_status"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	ErrorCode        string    `json:"error_code"`
	ErrorMessage     string    `json:"error_message"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// SelectionSealedEvent is published after a cycle's selection has been sealed.
type SelectionSealedEvent struct {
	CycleID     uuid.UUID `json:"cycle_id"`
	WinnerCount int       `json:"winner_count"`
	TotalAmount int64     `json:"total_amount"`
	SealedBy    string    `json:"sealed_by"`
	SealedAt    time.Time `json:"sealed_at"`
}

// PointsDeductionEvent asks the scoring service to deduct points from a winner.
type PointsDeductionEvent struct {
	CycleID           uuid.UUID `json:"cycle_id"`
	UserID            uuid.UUID `json:"user_id"`
	WinnerSelectionID uuid.UUID `json:"winner_selection_id"`
	Points            int64     `json:"points"`
}

// PayoutBatchEvent is published whenever a payout batch changes aggregate state.
type PayoutBatchEvent struct {
	BatchID         uuid.UUID   `json:"batch_id"`
	CycleID         uuid.UUID   `json:"cycle_id"`
	Attempt         int         `json:"attempt"`
	Status          BatchStatus `json:"status"`
	SuccessfulCount int         `json:"successful_count"`
	FailedCount     int         `json:"failed_count"`
	PendingCount    int         `json:"pending_count"`
	UnclaimedCount  int         `json:"unclaimed_count"`
	OccurredAt      time.Time   `json:"occurred_at"`
}
