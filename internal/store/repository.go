/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the rewards-service. Each engine receives the
 * repository through its constructor, so business logic never reaches for a global
 * database handle and tests can substitute in-memory doubles.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Cycle methods
	GetCycle(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, error)
	ListParticipantScores(ctx context.Context, cycleID uuid.UUID) ([]domain.ParticipantScore, error)
	MarkCycleCompleted(ctx context.Context, cycleID uuid.UUID) (bool, error)

	// Selection methods
	ReplaceSelection(ctx context.Context, cycleID uuid.UUID, algorithm domain.SelectionAlgorithm, winners []domain.WinnerSelection) (*domain.Cycle, error)
	ListWinners(ctx context.Context, cycleID uuid.UUID) ([]domain.WinnerSelection, error)
	FindWinnersByIDs(ctx context.Context, cycleID uuid.UUID, winnerIDs []uuid.UUID) ([]domain.WinnerSelection, error)
	SaveSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error)
	SealSelection(ctx context.Context, params SealSelectionParams) (*domain.Cycle, error)
	UnsealSelection(ctx context.Context, cycleID uuid.UUID, operator, reason string) (*domain.Cycle, error)
	ClearSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error)
	UpdateWinnerAmounts(ctx context.Context, params WinnerAmountsParams) (*domain.WinnerSelection, error)
	ListSelectionAudit(ctx context.Context, cycleID uuid.UUID) ([]domain.SelectionAuditEntry, error)

	// Winner payout status methods
	TransitionWinnerPayoutStatus(ctx context.Context, winnerID uuid.UUID, to domain.PayoutStatus, from []domain.PayoutStatus) (bool, error)
	TransitionWinnersPayoutStatus(ctx context.Context, winnerIDs []uuid.UUID, to domain.PayoutStatus, from []domain.PayoutStatus) (int64, error)
	ListWinnerIDsWithOpenPayoutItems(ctx context.Context, cycleID uuid.UUID) ([]uuid.UUID, error)

	// Payout batch methods
	FindPayoutBatchesByChecksum(ctx context.Context, cycleID uuid.UUID, checksum string) ([]domain.PayoutBatch, error)
	CreatePayoutBatch(ctx context.Context, batch *domain.PayoutBatch, chunks []domain.PayoutBatchChunk, items []domain.PayoutBatchItem) error
	GetPayoutBatch(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error)
	ListPayoutBatchChunks(ctx context.Context, batchID uuid.UUID) ([]domain.PayoutBatchChunk, error)
	ListPayoutBatchItems(ctx context.Context, batchID uuid.UUID) ([]domain.PayoutBatchItem, error)
	FindPayoutChunkByProviderBatchID(ctx context.Context, providerBatchID string) (*domain.PayoutBatchChunk, error)
	FindPayoutItemForWinner(ctx context.Context, batchID *uuid.UUID, winnerID uuid.UUID) (*domain.PayoutBatchItem, error)
	UpdatePayoutChunkDispatch(ctx context.Context, chunkID uuid.UUID, params ChunkDispatchParams) error
	ApplyPayoutItemOutcome(ctx context.Context, params ItemOutcomeParams) (bool, error)
	RecomputePayoutBatch(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error)
	MarkPayoutBatchSuperseded(ctx context.Context, batchID, successorID uuid.UUID) error
	FlagPayoutItemsForReview(ctx context.Context, batchID uuid.UUID, itemIDs []uuid.UUID, note string) (int64, error)
	CancelUndispatchedChunks(ctx context.Context, batchID uuid.UUID, reason string) (int64, error)
	ListOpenPayoutBatches(ctx context.Context, limit int) ([]domain.PayoutBatch, error)
	ListRetryablePayoutBatches(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutBatch, error)
}

// SealSelectionParams freezes a saved selection. ExpectedVersion must match the cycle's
// current selection version, so an edit that landed after validation aborts the seal.
type SealSelectionParams struct {
	CycleID         uuid.UUID
	ExpectedVersion int64
	Operator        string
	// PointsDeducted maps winner id to the points to record as deducted.
	PointsDeducted map[uuid.UUID]int64
}

// WinnerAmountsParams carries recomputed amounts for one unsealed winner.
type WinnerAmountsParams struct {
	CycleID          uuid.UUID
	WinnerID         uuid.UUID
	TierPoolSize     int64
	PayoutCalculated int64
	PayoutOverride   *int64
	PayoutFinal      int64
}

// ChunkDispatchParams records what happened to one provider call. Nil fields are untouched.
type ChunkDispatchParams struct {
	Status          domain.ChunkStatus
	ProviderBatchID *string
	LastError       *string
	// FromStatuses restricts the update to chunks currently in one of these states.
	FromStatuses []domain.ChunkStatus
}

// ItemOutcomeParams is one normalised provider outcome keyed by (batch, winner selection).
type ItemOutcomeParams struct {
	BatchID              uuid.UUID
	ChunkID              uuid.UUID
	WinnerSelectionID    uuid.UUID
	UserID               uuid.UUID
	CorrelationToken     string
	Amount               int64
	Email                string
	Status               domain.ItemStatus
	ProviderItemID       *string
	ProviderStatus       *string
	ErrorCode            *string
	ErrorMessage         *string
	ProcessedAt          *time.Time
	RequiresManualReview bool
}
