package app

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/payoutclient"
)

var errProviderDown = &payoutclient.ErrorResponse{StatusCode: 503, Name: "SERVICE_UNAVAILABLE"}

func TestProcessDisbursementsSubmitsAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()

	first, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSubmitted, first.Outcome)
	assert.Equal(t, 1, first.SubmittedChunks)
	assert.Equal(t, 4, first.Batch.TotalRecipients)
	assert.Equal(t, int64(100000), first.Batch.TotalAmount)
	assert.Equal(t, 1, first.Batch.Attempt)
	assert.Equal(t, domain.BatchStatusProcessing, first.Batch.Status)

	require.Equal(t, 1, env.provider.submissionCount())
	sent := env.provider.submissions[0]
	assert.Equal(t, SenderBatchID(first.Batch.ID, 1, 1), sent.SenderBatchHeader.SenderBatchID)
	require.Len(t, sent.Items, 4)
	for _, item := range sent.Items {
		assert.Equal(t, "USD", item.Amount.Currency)
		assert.True(t, strings.HasPrefix(item.SenderItemID, "rw:"))
	}

	for _, w := range winners {
		assert.Equal(t, domain.PayoutStatusProcessing, env.repo.winner(w.ID).PayoutStatus)
	}

	again, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReused, again.Outcome)
	assert.Equal(t, first.Batch.ID, again.Batch.ID)
	assert.Equal(t, 1, env.provider.submissionCount())
}

func TestProcessDisbursementsSplitsIntoChunks(t *testing.T) {
	settings := defaultSettings()
	settings.ChunkSize = 3
	env := newTestEnv(t, settings)
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)

	result, err := env.svc.ProcessDisbursements(context.Background(), env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, 2, result.SubmittedChunks)

	view, err := env.svc.GetBatchStatus(context.Background(), result.Batch.ID)
	require.NoError(t, err)
	require.Len(t, view.Chunks, 2)
	assert.Equal(t, 3, view.Chunks[0].RecipientCount)
	assert.Equal(t, 1, view.Chunks[1].RecipientCount)
	assert.Equal(t, result.Batch.TotalAmount, view.Chunks[0].TotalAmount+view.Chunks[1].TotalAmount)
	for _, c := range view.Chunks {
		assert.Equal(t, domain.ChunkStatusSubmitted, c.Status)
		require.NotNil(t, c.ProviderBatchID)
	}
	assert.Len(t, view.Items, 4)
}

func TestTransientSubmitErrorHaltsLaterChunksUntilResumed(t *testing.T) {
	settings := defaultSettings()
	settings.ChunkSize = 1
	env := newTestEnv(t, settings)
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()

	env.provider.submitErr = func(call int, _ payoutclient.SubmitBatchRequest) error {
		if call == 2 {
			return errProviderDown
		}
		return nil
	}

	result, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePartial, result.Outcome)
	assert.Equal(t, 1, result.SubmittedChunks)
	assert.Equal(t, 1, result.UnknownChunks)
	assert.Equal(t, 2, result.PendingChunks)
	assert.Equal(t, 2, env.provider.submissionCount())

	view, err := env.svc.GetBatchStatus(ctx, result.Batch.ID)
	require.NoError(t, err)
	statuses := []domain.ChunkStatus{}
	for _, c := range view.Chunks {
		statuses = append(statuses, c.Status)
	}
	assert.Equal(t, []domain.ChunkStatus{
		domain.ChunkStatusSubmitted, domain.ChunkStatusUnknown, domain.ChunkStatusPending, domain.ChunkStatusPending,
	}, statuses)
	require.NotNil(t, view.Chunks[1].LastError)

	env.provider.submitErr = nil
	resumed, err := env.svc.ResumeBatch(ctx, result.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSubmitted, resumed.Outcome)
	assert.Equal(t, 4, resumed.SubmittedChunks)
	require.Equal(t, 5, env.provider.submissionCount())
	assert.Equal(t,
		env.provider.submissions[1].SenderBatchHeader.SenderBatchID,
		env.provider.submissions[2].SenderBatchHeader.SenderBatchID,
		"the unknown chunk is resent under its original sender batch id")
}

func TestDuplicateSenderBatchCountsAsSubmitted(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	env.provider.submitErr = func(int, payoutclient.SubmitBatchRequest) error {
		return &payoutclient.ErrorResponse{StatusCode: 409, Name: "SENDER_BATCH_ID_ALREADY_USED"}
	}

	result, err := env.svc.ProcessDisbursements(context.Background(), env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSubmitted, result.Outcome)

	view, err := env.svc.GetBatchStatus(context.Background(), result.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusSubmitted, view.Chunks[0].Status)
	assert.Nil(t, view.Chunks[0].ProviderBatchID)
	assert.NotNil(t, view.Chunks[0].LastError)
}

func TestPermanentRejectionFailsChunkForReview(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	env.provider.submitErr = func(int, payoutclient.SubmitBatchRequest) error {
		return &payoutclient.ErrorResponse{StatusCode: 422, Name: "VALIDATION_ERROR", Message: "bad receiver"}
	}

	result, err := env.svc.ProcessDisbursements(context.Background(), env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNothing, result.Outcome)
	assert.Equal(t, 1, result.FailedChunks)
	assert.Equal(t, domain.BatchStatusFailed, result.Batch.Status)
	assert.Equal(t, 4, result.Batch.FailedCount)

	view, err := env.svc.GetBatchStatus(context.Background(), result.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusFailed, view.Chunks[0].Status)
	for _, item := range view.Items {
		assert.Equal(t, domain.ItemStatusFailed, item.Status)
		require.NotNil(t, item.ErrorCode)
		assert.Equal(t, "VALIDATION_ERROR", *item.ErrorCode)
		assert.True(t, item.RequiresManualReview)
		assert.Equal(t, domain.PayoutStatusFailed, env.repo.winner(item.WinnerSelectionID).PayoutStatus)
	}
}

func TestProcessDisbursementsRequiresSealedSelection(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	cycle := env.tenParticipantCycle()
	ctx := context.Background()
	result, err := env.svc.RunSelection(ctx, cycle.ID, domain.RunSelectionRequest{Algorithm: domain.AlgorithmTopPerformers})
	require.NoError(t, err)
	_, err = env.svc.SaveSelection(ctx, cycle.ID, "ops@transfa")
	require.NoError(t, err)

	_, err = env.svc.ProcessDisbursements(ctx, cycle.ID, winnerIDs(result.Winners), "ops@transfa")
	assert.ErrorIs(t, err, ErrSelectionNotSealed)
	assert.Zero(t, env.provider.submissionCount())
}

func TestProcessDisbursementsValidatesRequest(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()

	_, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, nil, "ops@transfa")
	assert.ErrorIs(t, err, ErrNoWinnersRequested)

	_, err = env.svc.ProcessDisbursements(ctx, env.cycle.ID, append(winnerIDs(winners), uuid.New()), "ops@transfa")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "winner_id", verr.Problems[0].Field)
	assert.Zero(t, env.provider.submissionCount())
}

func TestProcessDisbursementsNeverPaysAWinnerTwice(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()

	first, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, []uuid.UUID{winners[0].ID}, "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Batch.TotalRecipients)

	second, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, []uuid.UUID{winners[0].ID, winners[1].ID}, "ops@transfa")
	require.NoError(t, err)
	assert.NotEqual(t, first.Batch.ID, second.Batch.ID)
	assert.Equal(t, 1, second.Batch.TotalRecipients)

	_, err = env.svc.ProcessDisbursements(ctx, env.cycle.ID, []uuid.UUID{winners[1].ID}, "ops@transfa")
	require.NoError(t, err)

	seen := map[string]int{}
	for _, sub := range env.provider.submissions {
		for _, item := range sub.Items {
			seen[item.SenderItemID]++
		}
	}
	assert.Len(t, seen, 2)
	for token, n := range seen {
		assert.Equal(t, 1, n, token)
	}
}

func TestCancelBatchStopsUndispatchedChunks(t *testing.T) {
	settings := defaultSettings()
	settings.ChunkSize = 1
	env := newTestEnv(t, settings)
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()
	env.provider.submitErr = func(call int, _ payoutclient.SubmitBatchRequest) error {
		if call == 1 {
			return errProviderDown
		}
		return nil
	}

	result, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	require.Equal(t, 3, result.PendingChunks)

	batch, cancelled, err := env.svc.CancelBatch(ctx, result.Batch.ID, "ops@transfa")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cancelled)
	assert.Equal(t, domain.BatchStatusProcessing, batch.Status)
	assert.Equal(t, 3, batch.FailedCount)

	pendingWinners := 0
	for _, w := range winners {
		if env.repo.winner(w.ID).PayoutStatus == domain.PayoutStatusPending {
			pendingWinners++
		}
	}
	assert.Equal(t, 3, pendingWinners)

	env.provider.submitErr = nil
	resumed, err := env.svc.ResumeBatch(ctx, result.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.SubmittedChunks)
	assert.Equal(t, 2, env.provider.submissionCount())
}

func TestProcessDisbursementsWithoutProvider(t *testing.T) {
	o := NewPayoutOrchestrator(newMemRepo(), nil, PayoutSettings{}, nil, nil, nil)

	_, err := o.ProcessDisbursements(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}, "ops")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestQueuedChunksBlockUnsealAndResumeNeedsSeal(t *testing.T) {
	settings := defaultSettings()
	settings.ChunkSize = 1
	env := newTestEnv(t, settings)
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()
	env.provider.submitErr = func(call int, _ payoutclient.SubmitBatchRequest) error {
		if call == 1 {
			return errProviderDown
		}
		return nil
	}

	result, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	require.Equal(t, 1, result.UnknownChunks)
	require.Equal(t, 3, result.PendingChunks)

	// The unknown chunk's only item fails, so no winner is processing any more.
	_, err = env.svc.Reconciler().ApplyWebhookEvent(ctx, domain.PayoutItemEvent{
		EventID:          "WH-9",
		SenderItemID:     env.provider.submissions[0].Items[0].SenderItemID,
		TransactionState: "FAILED",
		ErrorCode:        "INTERNAL_ERROR",
	})
	require.NoError(t, err)

	_, err = env.svc.UnsealSelection(ctx, env.cycle.ID, "ops@transfa", "wrong amounts")
	assert.ErrorIs(t, err, store.ErrUnsealInFlight, "three chunks are still queued")

	_, _, err = env.svc.CancelBatch(ctx, result.Batch.ID, "ops@transfa")
	require.NoError(t, err)
	cycle, err := env.svc.UnsealSelection(ctx, env.cycle.ID, "ops@transfa", "wrong amounts")
	require.NoError(t, err)
	require.Equal(t, domain.SelectionStateSaved, cycle.SelectionState)

	env.provider.submitErr = nil
	_, err = env.svc.ResumeBatch(ctx, result.Batch.ID)
	assert.ErrorIs(t, err, ErrSelectionNotSealed)
	assert.Equal(t, 1, env.provider.submissionCount())
}

func TestResumeSettlesChunkWhoseItemsAlreadyHaveOutcomes(t *testing.T) {
	env := newTestEnv(t, defaultSettings())
	winners := env.sealedWinners(t, domain.AlgorithmTopPerformers)
	ctx := context.Background()
	env.provider.submitErr = func(call int, _ payoutclient.SubmitBatchRequest) error {
		if call == 1 {
			return errProviderDown
		}
		return nil
	}

	result, err := env.svc.ProcessDisbursements(ctx, env.cycle.ID, winnerIDs(winners), "ops@transfa")
	require.NoError(t, err)
	require.Equal(t, 1, result.UnknownChunks)

	for i, w := range winners {
		_, err := env.svc.Reconciler().ApplyWebhookEvent(ctx, domain.PayoutItemEvent{
			EventID:          fmt.Sprintf("WH-%d", i),
			SenderItemID:     token(w),
			TransactionState: "SUCCESS",
		})
		require.NoError(t, err)
	}

	resumed, err := env.svc.ResumeBatch(ctx, result.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.provider.submissionCount(), "nothing is left to send")
	assert.Equal(t, 1, resumed.SubmittedChunks)
	assert.Equal(t, domain.OutcomeSubmitted, resumed.Outcome)

	view, err := env.svc.GetBatchStatus(ctx, result.Batch.ID)
	require.NoError(t, err)
	require.Len(t, view.Chunks, 1)
	assert.Equal(t, domain.ChunkStatusSubmitted, view.Chunks[0].Status)
	assert.Equal(t, domain.BatchStatusCompleted, view.Batch.Status)
}
