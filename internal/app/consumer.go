package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/pkg/metrics"
	"go.uber.org/zap"
)

// webhookApplier is the part of PayoutReconciler the consumer drives.
type webhookApplier interface {
	ApplyWebhookEvent(ctx context.Context, event domain.PayoutItemEvent) (bool, error)
}

// PayoutStatusConsumer applies provider payout item webhooks delivered over the broker.
// A message is acknowledged unless applying it failed in a way a redelivery can fix.
type PayoutStatusConsumer struct {
	reconciler webhookApplier
	metrics    *metrics.Recorder
	logger     *zap.Logger
}

func NewPayoutStatusConsumer(reconciler webhookApplier, rec *metrics.Recorder, logger *zap.Logger) *PayoutStatusConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayoutStatusConsumer{reconciler: reconciler, metrics: rec, logger: logger}
}

func (c *PayoutStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PayoutItemEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payout item event", zap.Error(err))
		c.metrics.WebhookMessage("malformed")
		return true
	}

	if strings.TrimSpace(event.SenderItemID) == "" {
		c.logger.Warn("payout item event without sender item id",
			zap.String("event_id", event.EventID),
			zap.String("provider_item_id", event.ProviderItemID),
		)
		c.metrics.WebhookMessage("malformed")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	changed, err := c.reconciler.ApplyWebhookEvent(ctx, event)
	switch {
	case errors.Is(err, ErrUnknownCorrelationRef):
		c.metrics.WebhookMessage("dropped")
		return true
	case err != nil:
		c.logger.Error("payout item event processing error; requeueing",
			zap.String("event_id", event.EventID),
			zap.String("provider_batch_id", event.ProviderBatchID),
			zap.String("sender_item_id", event.SenderItemID),
			zap.Error(err),
		)
		c.metrics.WebhookMessage("error")
		return false
	case changed:
		c.metrics.WebhookMessage("applied")
	default:
		c.metrics.WebhookMessage("unchanged")
	}
	return true
}
