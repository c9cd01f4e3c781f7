package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/metrics"
	"github.com/transfa/rewards-service/pkg/payoutclient"
	"go.uber.org/zap"
)

// PayoutReconciler folds provider-reported item outcomes into the payout ledger. Every
// outcome is keyed by (batch, winner selection), so replaying a report changes nothing.
type PayoutReconciler struct {
	repo     store.Repository
	provider PayoutProvider
	settings PayoutSettings
	pool     pond.Pool
	events   *eventPublisher
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

func NewPayoutReconciler(repo store.Repository, provider PayoutProvider, settings PayoutSettings, events *eventPublisher, rec *metrics.Recorder, logger *zap.Logger) *PayoutReconciler {
	settings = settings.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = newEventPublisher(nil, logger)
	}
	return &PayoutReconciler{
		repo:     repo,
		provider: provider,
		settings: settings,
		pool:     pond.NewPool(settings.ReconcileConcurrency, pond.WithQueueSize(settings.ReconcileConcurrency*16)),
		events:   events,
		metrics:  rec,
		logger:   logger,
	}
}

// Close waits for in-flight chunk polls to finish.
func (r *PayoutReconciler) Close() {
	r.pool.StopAndWait()
}

// ReconcileBatch polls the provider for every acknowledged chunk of the batch and applies
// the reported item outcomes. Chunks are polled concurrently.
func (r *PayoutReconciler) ReconcileBatch(ctx context.Context, batchID uuid.UUID) (*domain.ReconcileResult, error) {
	if r.provider == nil {
		return nil, ErrProviderUnavailable
	}
	batch, err := r.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	chunks, err := r.repo.ListPayoutBatchChunks(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout chunks: %w", err)
	}

	var polled, applied, unchanged, dropped atomic.Int32
	var firstErr error
	var errOnce sync.Once

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, chunk := range chunks {
		if chunk.ProviderBatchID == nil || *chunk.ProviderBatchID == "" {
			continue
		}
		providerBatchID := *chunk.ProviderBatchID
		chunkID := chunk.ID

		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			callCtx, cancel := context.WithTimeout(groupCtx, r.settings.ProviderTimeout)
			defer cancel()

			details, err := r.provider.GetBatch(callCtx, providerBatchID)
			if err != nil {
				r.logger.Warn("provider batch poll failed",
					zap.String("flow", "reconcile"),
					zap.String("batch_id", batchID.String()),
					zap.String("chunk_id", chunkID.String()),
					zap.String("provider_batch_id", providerBatchID),
					zap.Error(err),
				)
				errOnce.Do(func() { firstErr = fmt.Errorf("poll provider batch %s: %w", providerBatchID, err) })
				return
			}
			polled.Add(1)

			scope := batchID
			for _, item := range details.Items {
				outcome := outcomeFromProvider(providerBatchID, item)
				changed, err := r.apply(groupCtx, &scope, outcome, "poll")
				switch {
				case errors.Is(err, ErrUnknownCorrelationRef):
					dropped.Add(1)
				case err != nil:
					errOnce.Do(func() { firstErr = err })
				case changed:
					applied.Add(1)
				default:
					unchanged.Add(1)
				}
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("reconcile group encountered error", zap.String("batch_id", batchID.String()), zap.Error(err))
	}

	updated, err := r.finishBatch(ctx, batch.ID, applied.Load() > 0)
	if err != nil {
		return nil, err
	}

	result := &domain.ReconcileResult{
		BatchID:        batchID,
		ChunksPolled:   int(polled.Load()),
		ItemsApplied:   int(applied.Load()),
		ItemsUnchanged: int(unchanged.Load()),
		TokensDropped:  int(dropped.Load()),
		Batch:          updated,
	}
	r.logger.Info("payout batch reconciled",
		zap.String("flow", "reconcile"),
		zap.String("batch_id", batchID.String()),
		zap.String("status", string(updated.Status)),
		zap.Int("chunks_polled", result.ChunksPolled),
		zap.Int("items_applied", result.ItemsApplied),
		zap.Int("items_unchanged", result.ItemsUnchanged),
		zap.Int("tokens_dropped", result.TokensDropped),
	)
	return result, firstErr
}

func outcomeFromProvider(providerBatchID string, item payoutclient.BatchItem) domain.ProviderItemOutcome {
	outcome := domain.ProviderItemOutcome{
		ProviderBatchID:  providerBatchID,
		ProviderItemID:   item.PayoutItemID,
		CorrelationToken: item.PayoutItem.SenderItemID,
		RawStatus:        item.TransactionStatus,
		ProcessedAt:      item.TimeProcessed,
	}
	if item.Errors != nil {
		outcome.ErrorCode = item.Errors.Name
		outcome.ErrorMessage = item.Errors.Message
	}
	return outcome
}

// ApplyWebhookEvent applies one provider item event delivered through the broker. It
// reports whether the ledger changed.
func (r *PayoutReconciler) ApplyWebhookEvent(ctx context.Context, event domain.PayoutItemEvent) (bool, error) {
	outcome := domain.ProviderItemOutcome{
		ProviderBatchID:  strings.TrimSpace(event.ProviderBatchID),
		ProviderItemID:   strings.TrimSpace(event.ProviderItemID),
		CorrelationToken: event.SenderItemID,
		RawStatus:        event.TransactionState,
		Amount:           event.Amount,
		ErrorCode:        event.ErrorCode,
		ErrorMessage:     event.ErrorMessage,
	}
	if !event.OccurredAt.IsZero() {
		at := event.OccurredAt.UTC()
		outcome.ProcessedAt = &at
	}

	// Scope to the batch that owns the provider batch id when we know it. Otherwise fall
	// back to the winner's live batch and remember the provider id on its chunk.
	var scope *uuid.UUID
	backfill := false
	if outcome.ProviderBatchID != "" {
		chunk, err := r.repo.FindPayoutChunkByProviderBatchID(ctx, outcome.ProviderBatchID)
		switch {
		case err == nil:
			scope = &chunk.BatchID
		case errors.Is(err, store.ErrPayoutChunkNotFound):
			backfill = true
		default:
			return false, fmt.Errorf("lookup chunk by provider batch id: %w", err)
		}
	}

	item, changed, err := r.applyResolved(ctx, scope, outcome, "webhook")
	if err != nil {
		return false, err
	}
	if backfill {
		r.backfillProviderBatchID(ctx, item, outcome.ProviderBatchID)
	}
	if _, err := r.finishBatch(ctx, item.BatchID, changed); err != nil {
		return changed, err
	}
	return changed, nil
}

func (r *PayoutReconciler) backfillProviderBatchID(ctx context.Context, item *domain.PayoutBatchItem, providerBatchID string) {
	chunks, err := r.repo.ListPayoutBatchChunks(ctx, item.BatchID)
	if err != nil {
		r.logger.Warn("provider batch id backfill skipped", zap.String("batch_id", item.BatchID.String()), zap.Error(err))
		return
	}
	for _, chunk := range chunks {
		if chunk.ID != item.ChunkID || chunk.ProviderBatchID != nil {
			continue
		}
		err := r.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, store.ChunkDispatchParams{
			Status:          domain.ChunkStatusSubmitted,
			ProviderBatchID: &providerBatchID,
			FromStatuses:    []domain.ChunkStatus{domain.ChunkStatusSubmitted, domain.ChunkStatusDispatching, domain.ChunkStatusUnknown},
		})
		if err != nil && !errors.Is(err, store.ErrChunkStateConflict) {
			r.logger.Warn("provider batch id backfill failed", zap.String("chunk_id", chunk.ID.String()), zap.Error(err))
			return
		}
		if err == nil {
			r.logger.Info("provider batch id backfilled",
				zap.String("batch_id", item.BatchID.String()),
				zap.String("chunk_id", chunk.ID.String()),
				zap.String("provider_batch_id", providerBatchID),
			)
		}
		return
	}
}

func (r *PayoutReconciler) apply(ctx context.Context, scope *uuid.UUID, outcome domain.ProviderItemOutcome, source string) (bool, error) {
	_, changed, err := r.applyResolved(ctx, scope, outcome, source)
	return changed, err
}

// applyResolved resolves the ledger row an outcome refers to and applies it when the
// status transition is allowed. It returns the resolved item.
func (r *PayoutReconciler) applyResolved(ctx context.Context, scope *uuid.UUID, outcome domain.ProviderItemOutcome, source string) (*domain.PayoutBatchItem, bool, error) {
	winnerID, userID, ok := ParseCorrelationToken(outcome.CorrelationToken)
	if !ok {
		r.dropToken(outcome, "unparsable correlation token")
		return nil, false, ErrUnknownCorrelationRef
	}

	item, err := r.repo.FindPayoutItemForWinner(ctx, scope, winnerID)
	if err != nil {
		if errors.Is(err, store.ErrPayoutItemNotFound) {
			r.dropToken(outcome, "no ledger item for winner")
			return nil, false, ErrUnknownCorrelationRef
		}
		return nil, false, fmt.Errorf("lookup payout item: %w", err)
	}
	if item.UserID != userID {
		r.dropToken(outcome, "correlation token user mismatch")
		return nil, false, ErrUnknownCorrelationRef
	}

	status, known := NormalizeProviderStatus(outcome.RawStatus)
	if !known {
		r.logger.Warn("unknown provider item status treated as pending",
			zap.String("flow", "reconcile"),
			zap.String("batch_id", item.BatchID.String()),
			zap.String("winner_id", winnerID.String()),
			zap.String("provider_status", outcome.RawStatus),
		)
	}
	if !itemTransitionAllowed(item.Status, status, r.settings.UnclaimedPolicy) {
		return item, false, nil
	}

	params := store.ItemOutcomeParams{
		BatchID:           item.BatchID,
		ChunkID:           item.ChunkID,
		WinnerSelectionID: item.WinnerSelectionID,
		UserID:            item.UserID,
		CorrelationToken:  item.CorrelationToken,
		Amount:            item.Amount,
		Email:             item.Email,
		Status:            status,
		ProcessedAt:       outcome.ProcessedAt,
	}
	if outcome.ProviderItemID != "" {
		id := outcome.ProviderItemID
		params.ProviderItemID = &id
	}
	if raw := strings.TrimSpace(outcome.RawStatus); raw != "" {
		params.ProviderStatus = &raw
	}
	if status == domain.ItemStatusFailed {
		code := strings.ToUpper(strings.TrimSpace(outcome.ErrorCode))
		if code == "" {
			code = strings.ToUpper(strings.TrimSpace(outcome.RawStatus))
		}
		msg := outcome.ErrorMessage
		params.ErrorCode = &code
		params.ErrorMessage = &msg
		params.RequiresManualReview = IsPermanentItemError(code)
	}

	changed, err := r.repo.ApplyPayoutItemOutcome(ctx, params)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return item, false, nil
	}
	r.metrics.ItemOutcome(string(status), source)

	target := status.PayoutStatus()
	if _, err := r.repo.TransitionWinnerPayoutStatus(ctx, item.WinnerSelectionID, target, domain.PayoutTransitionSources(target)); err != nil {
		return nil, false, fmt.Errorf("transition winner payout status: %w", err)
	}

	r.logger.Info("payout item outcome applied",
		zap.String("flow", "reconcile"),
		zap.String("source", source),
		zap.String("batch_id", item.BatchID.String()),
		zap.String("winner_id", item.WinnerSelectionID.String()),
		zap.String("from", string(item.Status)),
		zap.String("to", string(status)),
	)
	return item, true, nil
}

func (r *PayoutReconciler) dropToken(outcome domain.ProviderItemOutcome, reason string) {
	r.metrics.TokenDropped()
	r.logger.Warn("provider item dropped",
		zap.String("flow", "reconcile"),
		zap.String("reason", reason),
		zap.String("provider_batch_id", outcome.ProviderBatchID),
		zap.String("provider_item_id", outcome.ProviderItemID),
		zap.String("correlation_token", outcome.CorrelationToken),
	)
}

// finishBatch recomputes the batch from its ledger and stamps the cycle complete once
// every winner is terminal.
func (r *PayoutReconciler) finishBatch(ctx context.Context, batchID uuid.UUID, changed bool) (*domain.PayoutBatch, error) {
	batch, err := r.repo.RecomputePayoutBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute payout batch: %w", err)
	}
	if !changed {
		return batch, nil
	}
	r.events.batchUpdated(ctx, batch)
	if batch.Status.IsTerminal() {
		completed, err := r.repo.MarkCycleCompleted(ctx, batch.CycleID)
		if err != nil {
			r.logger.Warn("cycle completion check failed", zap.String("cycle_id", batch.CycleID.String()), zap.Error(err))
		} else if completed {
			r.logger.Info("reward cycle completed", zap.String("cycle_id", batch.CycleID.String()))
		}
	}
	return batch, nil
}
