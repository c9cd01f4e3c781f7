package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the aggregate state of one payout attempt.
type BatchStatus string

const (
	BatchStatusIntent             BatchStatus = "intent"
	BatchStatusProcessing         BatchStatus = "processing"
	BatchStatusCompleted          BatchStatus = "completed"
	BatchStatusPartiallyCompleted BatchStatus = "partially_completed"
	BatchStatusFailed             BatchStatus = "failed"
	BatchStatusCancelled          BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch will not change again.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusPartiallyCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// IsReusable reports whether a batch with this status is returned to a caller that
// submits the same recipient set again instead of creating a new attempt.
func (s BatchStatus) IsReusable() bool {
	return s != BatchStatusFailed && s != BatchStatusCancelled
}

// ChunkStatus tracks the dispatch state of one provider call.
type ChunkStatus string

const (
	ChunkStatusPending     ChunkStatus = "pending"     // persisted, not dispatched
	ChunkStatusDispatching ChunkStatus = "dispatching" // request about to leave, outcome not yet recorded
	ChunkStatusSubmitted   ChunkStatus = "submitted"   // provider acknowledged with a batch id
	ChunkStatusUnknown     ChunkStatus = "unknown"     // timeout or transient error, outcome unknown
	ChunkStatusFailed      ChunkStatus = "failed"      // provider rejected the request
	ChunkStatusCancelled   ChunkStatus = "cancelled"   // aborted before dispatch
)

// NeedsDispatch reports whether a chunk should be (re)sent with its original sender id.
func (s ChunkStatus) NeedsDispatch() bool {
	return s == ChunkStatusPending || s == ChunkStatusDispatching || s == ChunkStatusUnknown
}

// ItemStatus is the canonical, provider-independent outcome of one payout item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusSuccess   ItemStatus = "success"
	ItemStatusUnclaimed ItemStatus = "unclaimed"
	ItemStatusFailed    ItemStatus = "failed"
)

// PayoutStatus returns the winner payout status that mirrors an item status. A pending
// item that was already handed to the provider keeps its winner in processing.
func (s ItemStatus) PayoutStatus() PayoutStatus {
	switch s {
	case ItemStatusSuccess:
		return PayoutStatusSuccess
	case ItemStatusUnclaimed:
		return PayoutStatusUnclaimed
	case ItemStatusFailed:
		return PayoutStatusFailed
	default:
		return PayoutStatusProcessing
	}
}

// PayoutBatch is one attempt at disbursing a set of winners of a cycle. Unique on
// (cycle_id, request_checksum, attempt).
type PayoutBatch struct {
	ID                  uuid.UUID   `json:"id"`
	CycleID             uuid.UUID   `json:"cycle_id"`
	RequestChecksum     string      `json:"request_checksum"`
	Attempt             int         `json:"attempt"`
	Status              BatchStatus `json:"status"`
	Currency            string      `json:"currency"`
	TotalRecipients     int         `json:"total_recipients"`
	TotalAmount         int64       `json:"total_amount"` // in cents
	SuccessfulCount     int         `json:"successful_count"`
	FailedCount         int         `json:"failed_count"`
	PendingCount        int         `json:"pending_count"`
	UnclaimedCount      int         `json:"unclaimed_count"`
	SupersedesBatchID   *uuid.UUID  `json:"supersedes_batch_id,omitempty"`
	SupersededByBatchID *uuid.UUID  `json:"superseded_by_batch_id,omitempty"`
	CreatedBy           string      `json:"created_by"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// PayoutBatchChunk is a bounded slice of a batch submitted as one provider call.
type PayoutBatchChunk struct {
	ID              uuid.UUID   `json:"id"`
	BatchID         uuid.UUID   `json:"batch_id"`
	Sequence        int         `json:"sequence"`
	SenderBatchID   string      `json:"sender_batch_id"`
	ProviderBatchID *string     `json:"provider_batch_id,omitempty"`
	RecipientCount  int         `json:"recipient_count"`
	TotalAmount     int64       `json:"total_amount"` // in cents
	Status          ChunkStatus `json:"status"`
	LastError       *string     `json:"last_error,omitempty"`
	DispatchedAt    *time.Time  `json:"dispatched_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PayoutBatchItem is the reconciliation ledger row for one winner within one batch.
type PayoutBatchItem struct {
	ID                   uuid.UUID  `json:"id"`
	BatchID              uuid.UUID  `json:"batch_id"`
	ChunkID              uuid.UUID  `json:"chunk_id"`
	WinnerSelectionID    uuid.UUID  `json:"winner_selection_id"`
	UserID               uuid.UUID  `json:"user_id"`
	CorrelationToken     string     `json:"correlation_token"`
	ProviderItemID       *string    `json:"provider_item_id,omitempty"`
	Amount               int64      `json:"amount"` // in cents
	Email                string     `json:"email"`
	Status               ItemStatus `json:"status"`
	ProviderStatus       *string    `json:"provider_status,omitempty"`
	ErrorCode            *string    `json:"error_code,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
	RequiresManualReview bool       `json:"requires_manual_review"`
	AdminNotes           *string    `json:"admin_notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ProviderItemOutcome is one provider-reported item result before normalisation.
type ProviderItemOutcome struct {
	ProviderBatchID  string     `json:"provider_batch_id"`
	ProviderItemID   string     `json:"provider_item_id"`
	CorrelationToken string     `json:"correlation_token"`
	RawStatus        string     `json:"raw_status"`
	Amount           int64      `json:"amount"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// DisbursementOutcome tells the operator whether anything happened.
type DisbursementOutcome string

const (
	OutcomeSubmitted DisbursementOutcome = "submitted"         // every chunk acknowledged
	OutcomeReused    DisbursementOutcome = "existing_batch"    // same recipient set already in flight
	OutcomePartial   DisbursementOutcome = "partially_submitted"
	OutcomeNothing   DisbursementOutcome = "nothing_submitted" // fix and retry
)

// DisbursementResult summarises a processDisbursements call.
type DisbursementResult struct {
	Batch           *PayoutBatch        `json:"batch"`
	Outcome         DisbursementOutcome `json:"outcome"`
	SubmittedChunks int                 `json:"submitted_chunks"`
	UnknownChunks   int                 `json:"unknown_chunks"`
	FailedChunks    int                 `json:"failed_chunks"`
	PendingChunks   int                 `json:"pending_chunks"`
}

// BatchStatusView is the getBatchStatus response.
type BatchStatusView struct {
	Batch  *PayoutBatch       `json:"batch"`
	Chunks []PayoutBatchChunk `json:"chunks"`
	Items  []PayoutBatchItem  `json:"items"`
}

// ReconcileResult summarises one reconciliation pass over a batch.
type ReconcileResult struct {
	BatchID        uuid.UUID    `json:"batch_id"`
	ChunksPolled   int          `json:"chunks_polled"`
	ItemsApplied   int          `json:"items_applied"`
	ItemsUnchanged int          `json:"items_unchanged"`
	TokensDropped  int          `json:"tokens_dropped"`
	Batch          *PayoutBatch `json:"batch"`
}

// RetryResult summarises one retry decision.
type RetryResult struct {
	PreviousBatchID uuid.UUID           `json:"previous_batch_id"`
	Eligible        int                 `json:"eligible"`
	ManualReview    int                 `json:"manual_review"`
	Disbursement    *DisbursementResult `json:"disbursement,omitempty"`
}
