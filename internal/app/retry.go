package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/metrics"
	"go.uber.org/zap"
)

// RetryCoordinator decides what of a finished or stalled batch may be paid again.
//
// Failed items whose error can clear on resend go into a new attempt that supersedes the
// old batch. Chunks that never got a provider acknowledgement within the retry window are
// re-sent under their original sender batch id instead, so the provider deduplicates them.
// Paid and unclaimed items are never retried.
type RetryCoordinator struct {
	repo         store.Repository
	orchestrator *PayoutOrchestrator
	settings     PayoutSettings
	metrics      *metrics.Recorder
	logger       *zap.Logger
	now          func() time.Time
}

func NewRetryCoordinator(repo store.Repository, orchestrator *PayoutOrchestrator, settings PayoutSettings, rec *metrics.Recorder, logger *zap.Logger) *RetryCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryCoordinator{
		repo:         repo,
		orchestrator: orchestrator,
		settings:     settings.withDefaults(),
		metrics:      rec,
		logger:       logger,
		now:          time.Now,
	}
}

// retryPlan is the split of one batch's items for a retry decision.
type retryPlan struct {
	retryItems  []domain.PayoutBatchItem
	reviewItems []domain.PayoutBatchItem
	staleChunks []domain.PayoutBatchChunk
}

func (c *RetryCoordinator) plan(ctx context.Context, batch *domain.PayoutBatch) (*retryPlan, error) {
	chunks, err := c.repo.ListPayoutBatchChunks(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout chunks: %w", err)
	}
	items, err := c.repo.ListPayoutBatchItems(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout items: %w", err)
	}

	cutoff := c.now().Add(-c.settings.RetryWindow)
	p := &retryPlan{}
	for _, chunk := range chunks {
		if chunk.Status == domain.ChunkStatusPending {
			continue
		}
		if chunk.Status.NeedsDispatch() && chunk.ProviderBatchID == nil && chunk.UpdatedAt.Before(cutoff) {
			p.staleChunks = append(p.staleChunks, chunk)
		}
	}

	var failedWinnerIDs []uuid.UUID
	for _, item := range items {
		if item.Status == domain.ItemStatusFailed {
			failedWinnerIDs = append(failedWinnerIDs, item.WinnerSelectionID)
		}
	}
	winnerStatus := make(map[uuid.UUID]domain.PayoutStatus, len(failedWinnerIDs))
	if len(failedWinnerIDs) > 0 {
		winners, err := c.repo.FindWinnersByIDs(ctx, batch.CycleID, failedWinnerIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load winners: %w", err)
		}
		for _, w := range winners {
			winnerStatus[w.ID] = w.PayoutStatus
		}
	}

	for _, item := range items {
		if item.Status != domain.ItemStatusFailed {
			continue
		}
		// Cancelled items never left the service; their winners are still pending.
		if winnerStatus[item.WinnerSelectionID] != domain.PayoutStatusFailed {
			continue
		}
		code := ""
		if item.ErrorCode != nil {
			code = *item.ErrorCode
		}
		if item.RequiresManualReview || IsPermanentItemError(code) {
			p.reviewItems = append(p.reviewItems, item)
			continue
		}
		p.retryItems = append(p.retryItems, item)
	}
	return p, nil
}

// RetryBatch applies the retry policy to one batch.
func (c *RetryCoordinator) RetryBatch(ctx context.Context, batchID uuid.UUID, operator string) (*domain.RetryResult, error) {
	batch, err := c.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.SupersededByBatchID != nil {
		return nil, ErrBatchSuperseded
	}
	if batch.Status == domain.BatchStatusIntent || batch.Status == domain.BatchStatusCancelled {
		return nil, ErrBatchNotRetryable
	}

	p, err := c.plan(ctx, batch)
	if err != nil {
		return nil, err
	}
	result := &domain.RetryResult{
		PreviousBatchID: batchID,
		Eligible:        len(p.retryItems),
		ManualReview:    len(p.reviewItems),
	}
	logger := c.logger.With(zap.String("flow", "retry"), zap.String("batch_id", batchID.String()), zap.Int("attempt", batch.Attempt))

	if err := c.flagUnnoted(ctx, batch, p.reviewItems, "permanent provider error; resolve manually"); err != nil {
		return nil, err
	}

	if len(p.retryItems) == 0 && len(p.staleChunks) == 0 {
		c.metrics.RetryDecision("nothing_eligible")
		return result, ErrBatchNotRetryable
	}

	if len(p.staleChunks) > 0 {
		resumed, err := c.orchestrator.ResumeBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("resume stale chunks: %w", err)
		}
		result.Disbursement = resumed
		c.metrics.RetryDecision("resumed")
		logger.Info("stale chunks resumed", zap.Int("chunks", len(p.staleChunks)))
	}
	if len(p.retryItems) == 0 {
		return result, nil
	}

	if batch.Attempt >= c.settings.MaxAttempts {
		note := fmt.Sprintf("retry limit of %d attempts reached", c.settings.MaxAttempts)
		if err := c.flag(ctx, batch, p.retryItems, note); err != nil {
			return nil, err
		}
		c.metrics.RetryDecision("capped")
		logger.Warn("payout retry limit reached", zap.Int("items", len(p.retryItems)))
		return result, ErrRetryCapReached
	}

	winnerIDs := make([]uuid.UUID, 0, len(p.retryItems))
	for _, item := range p.retryItems {
		winnerIDs = append(winnerIDs, item.WinnerSelectionID)
	}
	disbursed, err := c.orchestrator.disburse(ctx, disbursement{
		cycleID:    batch.CycleID,
		winnerIDs:  winnerIDs,
		operator:   operator,
		supersedes: batch,
	})
	if err != nil {
		c.metrics.RetryDecision("error")
		return nil, err
	}
	result.Disbursement = disbursed

	if successor := disbursed.Batch; successor != nil && successor.ID != batch.ID {
		if err := c.repo.MarkPayoutBatchSuperseded(ctx, batch.ID, successor.ID); err != nil && !errors.Is(err, store.ErrBatchAlreadySuperseded) {
			return nil, fmt.Errorf("mark batch superseded: %w", err)
		}
		logger.Info("payout batch superseded",
			zap.String("successor_batch_id", successor.ID.String()),
			zap.Int("successor_attempt", successor.Attempt),
			zap.Int("items", len(winnerIDs)),
		)
	}
	c.metrics.RetryDecision("retried")
	return result, nil
}

func (c *RetryCoordinator) flagUnnoted(ctx context.Context, batch *domain.PayoutBatch, items []domain.PayoutBatchItem, note string) error {
	var pending []domain.PayoutBatchItem
	for _, item := range items {
		if !item.RequiresManualReview {
			pending = append(pending, item)
		}
	}
	return c.flag(ctx, batch, pending, note)
}

func (c *RetryCoordinator) flag(ctx context.Context, batch *domain.PayoutBatch, items []domain.PayoutBatchItem, note string) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if _, err := c.repo.FlagPayoutItemsForReview(ctx, batch.ID, ids, note); err != nil {
		return fmt.Errorf("flag items for review: %w", err)
	}
	return nil
}
