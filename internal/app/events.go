package app

import (
	"context"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	EventsExchange = "transfa.events"

	RoutingKeySelectionSealed = "rewards.selection.sealed"
	RoutingKeyPointsDeduct    = "rewards.points.deduct"
	RoutingKeyBatchUpdated    = "rewards.payout.batch.updated"

	// RoutingPatternPayoutItems binds the provider webhook item events.
	RoutingPatternPayoutItems = "payout.item.*"
)

// eventPublisher wraps the broker publisher so that a failed publish never fails the
// ledger write that triggered it.
type eventPublisher struct {
	publisher rabbitmq.Publisher
	logger    *zap.Logger
}

func newEventPublisher(p rabbitmq.Publisher, logger *zap.Logger) *eventPublisher {
	if p == nil {
		p = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &eventPublisher{publisher: p, logger: logger}
}

func (e *eventPublisher) publish(ctx context.Context, routingKey string, body interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(pubCtx, EventsExchange, routingKey, body); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("flow", "publish"),
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

func (e *eventPublisher) batchUpdated(ctx context.Context, batch *domain.PayoutBatch) {
	if batch == nil {
		return
	}
	e.publish(ctx, RoutingKeyBatchUpdated, domain.PayoutBatchEvent{
		BatchID:         batch.ID,
		CycleID:         batch.CycleID,
		Attempt:         batch.Attempt,
		Status:          batch.Status,
		SuccessfulCount: batch.SuccessfulCount,
		FailedCount:     batch.FailedCount,
		PendingCount:    batch.PendingCount,
		UnclaimedCount:  batch.UnclaimedCount,
		OccurredAt:      time.Now().UTC(),
	})
}
