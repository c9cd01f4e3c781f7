/**
 * @description
 * This file contains the admin control surface of the rewards-service. The `Service`
 * struct wires the selection, payout, reconciliation, and retry engines together and
 * serialises every mutating operation on a cycle through the CycleLocker.
 *
 * Key features:
 * - One entry point per operator action, used by the HTTP handlers and the scheduler.
 * - Per-cycle locking so a seal, a disbursement, and a retry never interleave.
 * - Provider webhooks bypass the lock; they rely on compare-and-swap ledger writes.
 *
 * @dependencies
 * - internal/store: Repository contract.
 * - pkg/rabbitmq: Event publishing.
 * - pkg/metrics, go.uber.org/zap: Observability.
 */

package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/metrics"
	"github.com/transfa/rewards-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// Service provides the rewards admin operations.
type Service struct {
	repo         store.Repository
	locker       CycleLocker
	selection    *SelectionEngine
	orchestrator *PayoutOrchestrator
	reconciler   *PayoutReconciler
	retry        *RetryCoordinator
	metrics      *metrics.Recorder
	logger       *zap.Logger
}

// ServiceDeps groups the collaborators of Service. Nil optional fields fall back to
// in-process defaults.
type ServiceDeps struct {
	Repo      store.Repository
	Provider  PayoutProvider
	Publisher rabbitmq.Publisher
	Locker    CycleLocker
	Drawer    *Drawer
	Settings  PayoutSettings
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

// NewService creates the rewards service and its engines.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalCycleLocker(0, deps.Metrics)
	}
	events := newEventPublisher(deps.Publisher, logger.With(zap.String("component", "events")))
	orchestrator := NewPayoutOrchestrator(deps.Repo, deps.Provider, deps.Settings, events, deps.Metrics,
		logger.With(zap.String("component", "orchestrator")))

	return &Service{
		repo:         deps.Repo,
		locker:       locker,
		selection:    NewSelectionEngine(deps.Repo, deps.Drawer, events, deps.Metrics, logger.With(zap.String("component", "selection"))),
		orchestrator: orchestrator,
		reconciler: NewPayoutReconciler(deps.Repo, deps.Provider, deps.Settings, events, deps.Metrics,
			logger.With(zap.String("component", "reconciler"))),
		retry: NewRetryCoordinator(deps.Repo, orchestrator, deps.Settings, deps.Metrics,
			logger.With(zap.String("component", "retry"))),
		metrics: deps.Metrics,
		logger:  logger.With(zap.String("component", "service")),
	}
}

// Reconciler exposes the reconciler for the webhook consumer.
func (s *Service) Reconciler() *PayoutReconciler {
	return s.reconciler
}

// Close releases background resources.
func (s *Service) Close() {
	s.reconciler.Close()
}

func (s *Service) withCycleLock(ctx context.Context, cycleID uuid.UUID, fn func(ctx context.Context) error) error {
	release, err := s.locker.Acquire(ctx, cycleID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// withBatchLock resolves the batch's cycle and runs fn under that cycle's lock.
func (s *Service) withBatchLock(ctx context.Context, batchID uuid.UUID, fn func(ctx context.Context) error) error {
	batch, err := s.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return s.withCycleLock(ctx, batch.CycleID, fn)
}

func (s *Service) RunSelection(ctx context.Context, cycleID uuid.UUID, req domain.RunSelectionRequest) (*domain.SelectionResult, error) {
	var result *domain.SelectionResult
	err := s.withCycleLock(ctx, cycleID, func(ctx context.Context) error {
		var err error
		result, err = s.selection.Run(ctx, cycleID, req)
		return err
	})
	return result, err
}

func (s *Service) SaveSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	return s.lockedCycleOp(ctx, cycleID, func(ctx context.Context) (*domain.Cycle, error) {
		return s.selection.Save(ctx, cycleID, operator)
	})
}

func (s *Service) SealSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	return s.lockedCycleOp(ctx, cycleID, func(ctx context.Context) (*domain.Cycle, error) {
		return s.selection.Seal(ctx, cycleID, operator)
	})
}

func (s *Service) UnsealSelection(ctx context.Context, cycleID uuid.UUID, operator, reason string) (*domain.Cycle, error) {
	return s.lockedCycleOp(ctx, cycleID, func(ctx context.Context) (*domain.Cycle, error) {
		return s.selection.Unseal(ctx, cycleID, operator, reason)
	})
}

func (s *Service) ClearSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	return s.lockedCycleOp(ctx, cycleID, func(ctx context.Context) (*domain.Cycle, error) {
		return s.selection.Clear(ctx, cycleID, operator)
	})
}

func (s *Service) lockedCycleOp(ctx context.Context, cycleID uuid.UUID, op func(ctx context.Context) (*domain.Cycle, error)) (*domain.Cycle, error) {
	var cycle *domain.Cycle
	err := s.withCycleLock(ctx, cycleID, func(ctx context.Context) error {
		var err error
		cycle, err = op(ctx)
		return err
	})
	return cycle, err
}

func (s *Service) UpdateWinner(ctx context.Context, cycleID, winnerID uuid.UUID, update domain.WinnerAmountsUpdate) (*domain.WinnerSelection, error) {
	var winner *domain.WinnerSelection
	err := s.withCycleLock(ctx, cycleID, func(ctx context.Context) error {
		var err error
		winner, err = s.selection.UpdateWinnerAmounts(ctx, cycleID, winnerID, update)
		return err
	})
	return winner, err
}

// ListWinners is a read and takes no lock.
func (s *Service) ListWinners(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, []domain.WinnerSelection, error) {
	return s.selection.ListWinners(ctx, cycleID)
}

func (s *Service) ListSelectionAudit(ctx context.Context, cycleID uuid.UUID) ([]domain.SelectionAuditEntry, error) {
	return s.selection.ListAudit(ctx, cycleID)
}

func (s *Service) ProcessDisbursements(ctx context.Context, cycleID uuid.UUID, winnerIDs []uuid.UUID, operator string) (*domain.DisbursementResult, error) {
	var result *domain.DisbursementResult
	err := s.withCycleLock(ctx, cycleID, func(ctx context.Context) error {
		var err error
		result, err = s.orchestrator.ProcessDisbursements(ctx, cycleID, winnerIDs, operator)
		return err
	})
	return result, err
}

func (s *Service) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*domain.BatchStatusView, error) {
	return s.orchestrator.GetBatchStatus(ctx, batchID)
}

func (s *Service) ResumeBatch(ctx context.Context, batchID uuid.UUID) (*domain.DisbursementResult, error) {
	var result *domain.DisbursementResult
	err := s.withBatchLock(ctx, batchID, func(ctx context.Context) error {
		var err error
		result, err = s.orchestrator.ResumeBatch(ctx, batchID)
		return err
	})
	return result, err
}

func (s *Service) ReconcileBatch(ctx context.Context, batchID uuid.UUID) (*domain.ReconcileResult, error) {
	var result *domain.ReconcileResult
	err := s.withBatchLock(ctx, batchID, func(ctx context.Context) error {
		var err error
		result, err = s.reconciler.ReconcileBatch(ctx, batchID)
		return err
	})
	return result, err
}

func (s *Service) RetryBatch(ctx context.Context, batchID uuid.UUID, operator string) (*domain.RetryResult, error) {
	var result *domain.RetryResult
	err := s.withBatchLock(ctx, batchID, func(ctx context.Context) error {
		var err error
		result, err = s.retry.RetryBatch(ctx, batchID, operator)
		return err
	})
	return result, err
}

func (s *Service) CancelBatch(ctx context.Context, batchID uuid.UUID, operator string) (*domain.PayoutBatch, int64, error) {
	var (
		batch     *domain.PayoutBatch
		cancelled int64
	)
	err := s.withBatchLock(ctx, batchID, func(ctx context.Context) error {
		var err error
		batch, cancelled, err = s.orchestrator.CancelBatch(ctx, batchID, operator)
		return err
	})
	return batch, cancelled, err
}
