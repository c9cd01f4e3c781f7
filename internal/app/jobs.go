package app

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
	"go.uber.org/zap"
)

const (
	jobBatchLimit = 50
	jobTimeout    = 5 * time.Minute
	jobOperator   = "system:scheduler"
)

// Jobs are the periodic payout maintenance tasks run by the Scheduler.
type Jobs struct {
	svc    *Service
	logger *zap.Logger
	now    func() time.Time
}

func NewJobs(svc *Service, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{svc: svc, logger: logger, now: time.Now}
}

// ResumeStalledBatches re-dispatches chunks of live batches that have sat without a
// recorded outcome for longer than two provider timeouts.
func (j *Jobs) ResumeStalledBatches() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	batches, err := j.svc.repo.ListOpenPayoutBatches(ctx, jobBatchLimit)
	if err != nil {
		j.logger.Error("resume job: list open batches failed", zap.Error(err))
		return
	}
	grace := 2 * j.svc.orchestrator.settings.ProviderTimeout
	cutoff := j.now().Add(-grace)

	for _, batch := range batches {
		if batch.SupersededByBatchID != nil {
			continue
		}
		stalled, err := j.hasStalledChunk(ctx, batch, cutoff)
		if err != nil {
			j.logger.Warn("resume job: list chunks failed", zap.String("batch_id", batch.ID.String()), zap.Error(err))
			continue
		}
		if !stalled {
			continue
		}
		result, err := j.svc.ResumeBatch(ctx, batch.ID)
		if err != nil {
			j.logSkip("resume", batch, err)
			continue
		}
		j.logger.Info("resume job: batch resumed",
			zap.String("batch_id", batch.ID.String()),
			zap.String("outcome", string(result.Outcome)),
		)
	}
}

func (j *Jobs) hasStalledChunk(ctx context.Context, batch domain.PayoutBatch, cutoff time.Time) (bool, error) {
	chunks, err := j.svc.repo.ListPayoutBatchChunks(ctx, batch.ID)
	if err != nil {
		return false, err
	}
	for _, chunk := range chunks {
		if chunk.Status.NeedsDispatch() && chunk.UpdatedAt.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// ReconcileOpenBatches polls the provider for every batch with outstanding items.
func (j *Jobs) ReconcileOpenBatches() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	batches, err := j.svc.repo.ListOpenPayoutBatches(ctx, jobBatchLimit)
	if err != nil {
		j.logger.Error("reconcile job: list open batches failed", zap.Error(err))
		return
	}
	j.svc.metrics.SetOpenBatches(len(batches))

	for _, batch := range batches {
		if batch.Status == domain.BatchStatusIntent {
			continue
		}
		result, err := j.svc.ReconcileBatch(ctx, batch.ID)
		if err != nil {
			j.logSkip("reconcile", batch, err)
			continue
		}
		if result.ItemsApplied > 0 {
			j.logger.Info("reconcile job: batch updated",
				zap.String("batch_id", batch.ID.String()),
				zap.Int("items_applied", result.ItemsApplied),
				zap.String("status", string(result.Batch.Status)),
			)
		}
	}
}

// RetryFailedBatches applies the retry policy to live batches untouched for a full
// retry window.
func (j *Jobs) RetryFailedBatches() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	window := j.svc.retry.settings.RetryWindow
	batches, err := j.svc.repo.ListRetryablePayoutBatches(ctx, j.now().Add(-window), jobBatchLimit)
	if err != nil {
		j.logger.Error("retry job: list retryable batches failed", zap.Error(err))
		return
	}

	for _, batch := range batches {
		result, err := j.svc.RetryBatch(ctx, batch.ID, jobOperator)
		switch {
		case errors.Is(err, ErrBatchNotRetryable):
			continue
		case errors.Is(err, ErrRetryCapReached):
			j.logger.Warn("retry job: retry limit reached, items flagged for review",
				zap.String("batch_id", batch.ID.String()),
				zap.Int("items", result.Eligible),
			)
		case err != nil:
			j.logSkip("retry", batch, err)
		default:
			j.logger.Info("retry job: batch retried",
				zap.String("batch_id", batch.ID.String()),
				zap.Int("eligible", result.Eligible),
				zap.Int("manual_review", result.ManualReview),
			)
		}
	}
}

func (j *Jobs) logSkip(job string, batch domain.PayoutBatch, err error) {
	if errors.Is(err, ErrCycleBusy) {
		j.logger.Debug(job+" job: cycle busy, skipping", zap.String("batch_id", batch.ID.String()))
		return
	}
	j.logger.Warn(job+" job: batch failed",
		zap.String("batch_id", batch.ID.String()),
		zap.String("cycle_id", batch.CycleID.String()),
		zap.Error(err),
	)
}
