/**
 * @description
 * PayoutOrchestrator turns a set of sealed winners into an idempotent payout batch and
 * hands it to the payout provider chunk by chunk.
 *
 * Key features:
 * - Idempotency: a batch is keyed by a checksum of its recipient set. Resubmitting the same
 *   set returns the live batch instead of paying twice.
 * - Crash safety: the batch, its chunks, and every ledger item are written before the first
 *   provider call, and each chunk's outcome is recorded before the next chunk is sent.
 * - Outcome honesty: a timeout or 5xx marks the chunk `unknown` and leaves its items pending
 *   for reconciliation. Only a definite provider rejection fails items.
 *
 * @dependencies
 * - internal/store: Repository contract and sentinel errors.
 * - pkg/payoutclient: Provider request and error types.
 * - go.uber.org/zap: Structured logging.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/metrics"
	"github.com/transfa/rewards-service/pkg/payoutclient"
	"go.uber.org/zap"
)

// PayoutProvider is the subset of the provider API the payout flows depend on.
type PayoutProvider interface {
	SubmitBatch(ctx context.Context, payload payoutclient.SubmitBatchRequest) (*payoutclient.SubmitBatchResponse, error)
	GetBatch(ctx context.Context, providerBatchID string) (*payoutclient.BatchDetails, error)
}

// PayoutSettings tunes the payout flows.
type PayoutSettings struct {
	Currency             string
	ChunkSize            int
	ProviderTimeout      time.Duration
	RetryWindow          time.Duration
	MaxAttempts          int
	UnclaimedPolicy      UnclaimedPolicy
	ReconcileConcurrency int
	EmailSubject         string
}

const (
	defaultChunkSize       = 500
	defaultProviderTimeout = 30 * time.Second
	defaultRetryWindow     = 30 * time.Minute
	defaultMaxAttempts     = 3
	defaultReconcileWorker = 4
)

func (s PayoutSettings) withDefaults() PayoutSettings {
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = defaultChunkSize
	}
	if s.ProviderTimeout <= 0 {
		s.ProviderTimeout = defaultProviderTimeout
	}
	if s.RetryWindow <= 0 {
		s.RetryWindow = defaultRetryWindow
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.UnclaimedPolicy == "" {
		s.UnclaimedPolicy = UnclaimedHold
	}
	if s.ReconcileConcurrency <= 0 {
		s.ReconcileConcurrency = defaultReconcileWorker
	}
	if s.EmailSubject == "" {
		s.EmailSubject = "You have a reward payout"
	}
	return s
}

type PayoutOrchestrator struct {
	repo     store.Repository
	provider PayoutProvider
	settings PayoutSettings
	events   *eventPublisher
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

func NewPayoutOrchestrator(repo store.Repository, provider PayoutProvider, settings PayoutSettings, events *eventPublisher, rec *metrics.Recorder, logger *zap.Logger) *PayoutOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = newEventPublisher(nil, logger)
	}
	return &PayoutOrchestrator{
		repo:     repo,
		provider: provider,
		settings: settings.withDefaults(),
		events:   events,
		metrics:  rec,
		logger:   logger,
	}
}

// disbursement is one request to pay a set of winners. supersedes is set by the retry
// flow so the new batch is numbered after its predecessor.
type disbursement struct {
	cycleID    uuid.UUID
	winnerIDs  []uuid.UUID
	operator   string
	supersedes *domain.PayoutBatch
}

// ProcessDisbursements pays the requested winners of a sealed cycle.
func (o *PayoutOrchestrator) ProcessDisbursements(ctx context.Context, cycleID uuid.UUID, winnerIDs []uuid.UUID, operator string) (*domain.DisbursementResult, error) {
	return o.disburse(ctx, disbursement{cycleID: cycleID, winnerIDs: winnerIDs, operator: operator})
}

func (o *PayoutOrchestrator) disburse(ctx context.Context, req disbursement) (*domain.DisbursementResult, error) {
	if o.provider == nil {
		return nil, ErrProviderUnavailable
	}
	ids := uniqueIDs(req.winnerIDs)
	if len(ids) == 0 {
		return nil, ErrNoWinnersRequested
	}

	cycle, err := o.repo.GetCycle(ctx, req.cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState != domain.SelectionStateSealed {
		return nil, ErrSelectionNotSealed
	}

	winners, err := o.repo.FindWinnersByIDs(ctx, req.cycleID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load winners: %w", err)
	}
	if err := checkRequestedWinners(ids, winners); err != nil {
		return nil, err
	}

	if batch, ok, err := o.liveBatchFor(ctx, req.cycleID, PayoutChecksum(winners)); err != nil {
		return nil, err
	} else if ok {
		return o.reused(batch), nil
	}

	eligible, err := o.eligibleWinners(ctx, req.cycleID, winners)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrSelectionFullyPaid
	}
	if err := validateForPayout(eligible); err != nil {
		return nil, err
	}

	checksum := PayoutChecksum(eligible)
	previous, err := o.repo.FindPayoutBatchesByChecksum(ctx, req.cycleID, checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payout batches: %w", err)
	}
	if len(previous) > 0 && isLive(&previous[0]) {
		return o.reused(&previous[0]), nil
	}

	attempt := 1
	if len(previous) > 0 {
		attempt = previous[0].Attempt + 1
	}
	if req.supersedes != nil && req.supersedes.Attempt+1 > attempt {
		attempt = req.supersedes.Attempt + 1
	}

	batch, chunks, items := o.planBatch(cycle, checksum, attempt, eligible, req)
	if err := o.repo.CreatePayoutBatch(ctx, batch, chunks, items); err != nil {
		if errors.Is(err, store.ErrDuplicatePayoutBatch) {
			// A concurrent caller won the insert; hand back its batch.
			if existing, ok, lookupErr := o.liveBatchFor(ctx, req.cycleID, checksum); lookupErr == nil && ok {
				return o.reused(existing), nil
			}
		}
		return nil, fmt.Errorf("failed to persist payout batch: %w", err)
	}

	o.logger.Info("payout batch created",
		zap.String("flow", "disburse"),
		zap.String("cycle_id", req.cycleID.String()),
		zap.String("batch_id", batch.ID.String()),
		zap.Int("attempt", attempt),
		zap.Int("recipients", len(items)),
		zap.Int("chunks", len(chunks)),
		zap.Int64("total_amount", batch.TotalAmount),
	)

	return o.dispatchBatch(ctx, batch, chunks, items)
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func checkRequestedWinners(ids []uuid.UUID, winners []domain.WinnerSelection) error {
	found := make(map[uuid.UUID]struct{}, len(winners))
	for _, w := range winners {
		found[w.ID] = struct{}{}
	}
	verr := &ValidationError{Op: "process_disbursements"}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			verr.add(WinnerProblem{WinnerID: id, Field: "winner_id", Reason: "not a winner of this cycle"})
		}
	}
	return verr.orNil()
}

func validateForPayout(winners []domain.WinnerSelection) error {
	verr := &ValidationError{Op: "process_disbursements"}
	for _, w := range winners {
		if w.FinalAmount() <= 0 {
			verr.add(WinnerProblem{WinnerID: w.ID, UserID: w.UserID, Field: "payout_final", Reason: "must be positive"})
		}
		if !validEmail(w.DestinationEmail) {
			verr.add(WinnerProblem{WinnerID: w.ID, UserID: w.UserID, Field: "destination_email", Reason: "missing or malformed"})
		}
	}
	return verr.orNil()
}

func isLive(b *domain.PayoutBatch) bool {
	return b != nil && b.Status.IsReusable() && b.SupersededByBatchID == nil
}

func (o *PayoutOrchestrator) liveBatchFor(ctx context.Context, cycleID uuid.UUID, checksum string) (*domain.PayoutBatch, bool, error) {
	batches, err := o.repo.FindPayoutBatchesByChecksum(ctx, cycleID, checksum)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up payout batches: %w", err)
	}
	if len(batches) == 0 || !isLive(&batches[0]) {
		return nil, false, nil
	}
	return &batches[0], true, nil
}

func (o *PayoutOrchestrator) reused(batch *domain.PayoutBatch) *domain.DisbursementResult {
	o.metrics.Disbursement(string(domain.OutcomeReused))
	o.logger.Info("payout batch reused",
		zap.String("flow", "disburse"),
		zap.String("cycle_id", batch.CycleID.String()),
		zap.String("batch_id", batch.ID.String()),
		zap.String("status", string(batch.Status)),
	)
	return &domain.DisbursementResult{Batch: batch, Outcome: domain.OutcomeReused}
}

// eligibleWinners drops winners that are paid, in flight, or already hold an open ledger
// item in a live batch.
func (o *PayoutOrchestrator) eligibleWinners(ctx context.Context, cycleID uuid.UUID, winners []domain.WinnerSelection) ([]domain.WinnerSelection, error) {
	blockedIDs, err := o.repo.ListWinnerIDsWithOpenPayoutItems(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open payout items: %w", err)
	}
	blocked := make(map[uuid.UUID]struct{}, len(blockedIDs))
	for _, id := range blockedIDs {
		blocked[id] = struct{}{}
	}

	out := make([]domain.WinnerSelection, 0, len(winners))
	for _, w := range winners {
		if _, ok := blocked[w.ID]; ok {
			continue
		}
		if w.PayoutStatus != domain.PayoutStatusPending && w.PayoutStatus != domain.PayoutStatusFailed {
			continue
		}
		out = append(out, w)
	}
	if skipped := len(winners) - len(out); skipped > 0 {
		o.logger.Info("winners skipped for payout",
			zap.String("flow", "disburse"),
			zap.String("cycle_id", cycleID.String()),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

// planBatch lays out the batch intent with every chunk and item, in winner id order.
func (o *PayoutOrchestrator) planBatch(cycle *domain.Cycle, checksum string, attempt int, winners []domain.WinnerSelection, req disbursement) (*domain.PayoutBatch, []domain.PayoutBatchChunk, []domain.PayoutBatchItem) {
	currency := o.settings.Currency
	if cycle.Currency != "" {
		currency = cycle.Currency
	}

	batch := &domain.PayoutBatch{
		ID:              uuid.New(),
		CycleID:         cycle.ID,
		RequestChecksum: checksum,
		Attempt:         attempt,
		Status:          domain.BatchStatusIntent,
		Currency:        currency,
		CreatedBy:       req.operator,
	}
	if req.supersedes != nil {
		prev := req.supersedes.ID
		batch.SupersedesBatchID = &prev
	}

	recipients := recipientsFor(winners)
	var chunks []domain.PayoutBatchChunk
	items := make([]domain.PayoutBatchItem, 0, len(recipients))
	for start := 0; start < len(recipients); start += o.settings.ChunkSize {
		end := start + o.settings.ChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		sequence := len(chunks) + 1
		chunk := domain.PayoutBatchChunk{
			ID:            uuid.New(),
			BatchID:       batch.ID,
			Sequence:      sequence,
			SenderBatchID: SenderBatchID(batch.ID, sequence, attempt),
			Status:        domain.ChunkStatusPending,
		}
		for _, r := range recipients[start:end] {
			items = append(items, domain.PayoutBatchItem{
				ID:                uuid.New(),
				BatchID:           batch.ID,
				ChunkID:           chunk.ID,
				WinnerSelectionID: r.WinnerID,
				UserID:            r.UserID,
				CorrelationToken:  BuildCorrelationToken(r.WinnerID, r.UserID),
				Amount:            r.Amount,
				Email:             r.Email,
				Status:            domain.ItemStatusPending,
			})
			chunk.RecipientCount++
			chunk.TotalAmount += r.Amount
		}
		batch.TotalAmount += chunk.TotalAmount
		chunks = append(chunks, chunk)
	}
	batch.TotalRecipients = len(items)
	batch.PendingCount = len(items)
	return batch, chunks, items
}

// ResumeBatch re-sends every chunk of a live batch that never got a recorded outcome,
// using the chunk's original sender batch id so the provider deduplicates it. The
// cycle's selection must still be sealed.
func (o *PayoutOrchestrator) ResumeBatch(ctx context.Context, batchID uuid.UUID) (*domain.DisbursementResult, error) {
	if o.provider == nil {
		return nil, ErrProviderUnavailable
	}
	batch, err := o.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.SupersededByBatchID != nil {
		return nil, ErrBatchSuperseded
	}
	cycle, err := o.repo.GetCycle(ctx, batch.CycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState != domain.SelectionStateSealed {
		return nil, ErrSelectionNotSealed
	}
	chunks, err := o.repo.ListPayoutBatchChunks(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout chunks: %w", err)
	}
	items, err := o.repo.ListPayoutBatchItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout items: %w", err)
	}
	return o.dispatchBatch(ctx, batch, chunks, items)
}

func (o *PayoutOrchestrator) dispatchBatch(ctx context.Context, batch *domain.PayoutBatch, chunks []domain.PayoutBatchChunk, items []domain.PayoutBatchItem) (*domain.DisbursementResult, error) {
	itemsByChunk := make(map[uuid.UUID][]domain.PayoutBatchItem, len(chunks))
	for _, item := range items {
		itemsByChunk[item.ChunkID] = append(itemsByChunk[item.ChunkID], item)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Sequence < chunks[j].Sequence })

	result := &domain.DisbursementResult{}
	halted := false
	for i := range chunks {
		chunk := &chunks[i]
		switch {
		case chunk.Status == domain.ChunkStatusSubmitted:
			result.SubmittedChunks++
			continue
		case chunk.Status == domain.ChunkStatusFailed:
			result.FailedChunks++
			continue
		case chunk.Status == domain.ChunkStatusCancelled:
			continue
		case halted:
			result.PendingChunks++
			continue
		}

		status, err := o.dispatchChunk(ctx, batch, chunk, itemsByChunk[chunk.ID])
		if err != nil {
			o.logger.Error("chunk dispatch could not be recorded",
				zap.String("flow", "dispatch"),
				zap.String("batch_id", batch.ID.String()),
				zap.String("chunk_id", chunk.ID.String()),
				zap.Error(err),
			)
			if errors.Is(err, store.ErrChunkStateConflict) {
				result.PendingChunks++
				halted = true
				continue
			}
			return nil, err
		}
		switch status {
		case domain.ChunkStatusSubmitted:
			result.SubmittedChunks++
		case domain.ChunkStatusFailed:
			result.FailedChunks++
		default:
			// Outcome unknown. Later chunks wait for this one to be reconciled or resumed.
			result.UnknownChunks++
			halted = true
		}
	}

	updated, err := o.repo.RecomputePayoutBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute payout batch: %w", err)
	}
	result.Batch = updated
	result.Outcome = disbursementOutcome(result)
	o.metrics.Disbursement(string(result.Outcome))
	o.events.batchUpdated(ctx, updated)

	o.logger.Info("payout batch dispatched",
		zap.String("flow", "dispatch"),
		zap.String("batch_id", batch.ID.String()),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", string(updated.Status)),
		zap.Int("submitted_chunks", result.SubmittedChunks),
		zap.Int("unknown_chunks", result.UnknownChunks),
		zap.Int("failed_chunks", result.FailedChunks),
		zap.Int("pending_chunks", result.PendingChunks),
	)
	return result, nil
}

func disbursementOutcome(r *domain.DisbursementResult) domain.DisbursementOutcome {
	switch {
	case r.SubmittedChunks == 0 && r.UnknownChunks == 0:
		return domain.OutcomeNothing
	case r.UnknownChunks == 0 && r.FailedChunks == 0 && r.PendingChunks == 0:
		return domain.OutcomeSubmitted
	default:
		return domain.OutcomePartial
	}
}

var dispatchableChunkStatuses = []domain.ChunkStatus{domain.ChunkStatusPending, domain.ChunkStatusDispatching, domain.ChunkStatusUnknown}

// dispatchChunk sends one chunk and durably records what happened before returning.
func (o *PayoutOrchestrator) dispatchChunk(ctx context.Context, batch *domain.PayoutBatch, chunk *domain.PayoutBatchChunk, items []domain.PayoutBatchItem) (domain.ChunkStatus, error) {
	winnerIDs := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if item.Status == domain.ItemStatusPending {
			winnerIDs = append(winnerIDs, item.WinnerSelectionID)
		}
	}
	if len(winnerIDs) == 0 {
		return o.settleEmptyChunk(ctx, batch, chunk)
	}

	if err := o.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, store.ChunkDispatchParams{
		Status:       domain.ChunkStatusDispatching,
		FromStatuses: dispatchableChunkStatuses,
	}); err != nil {
		return "", err
	}

	if _, err := o.repo.TransitionWinnersPayoutStatus(ctx, winnerIDs, domain.PayoutStatusProcessing,
		domain.PayoutTransitionSources(domain.PayoutStatusProcessing)); err != nil {
		return "", fmt.Errorf("failed to mark winners processing: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.settings.ProviderTimeout)
	defer cancel()
	started := time.Now()
	resp, callErr := o.provider.SubmitBatch(callCtx, o.submitRequest(batch, chunk, items))

	logger := o.logger.With(
		zap.String("flow", "dispatch"),
		zap.String("batch_id", batch.ID.String()),
		zap.String("chunk_id", chunk.ID.String()),
		zap.Int("sequence", chunk.Sequence),
		zap.String("sender_batch_id", chunk.SenderBatchID),
	)

	var apiErr *payoutclient.ErrorResponse
	switch {
	case callErr == nil:
		o.metrics.ProviderCall("submit_batch", "ok", started)
		providerBatchID := resp.BatchHeader.PayoutBatchID
		params := store.ChunkDispatchParams{Status: domain.ChunkStatusSubmitted}
		if providerBatchID != "" {
			params.ProviderBatchID = &providerBatchID
		}
		if err := o.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, params); err != nil {
			return "", err
		}
		o.metrics.ChunkDispatched(string(domain.ChunkStatusSubmitted))
		logger.Info("chunk submitted", zap.String("provider_batch_id", providerBatchID))
		return domain.ChunkStatusSubmitted, nil

	case errors.As(callErr, &apiErr) && apiErr.IsDuplicateSenderBatch():
		o.metrics.ProviderCall("submit_batch", "duplicate", started)
		note := "sender batch id already accepted by provider; awaiting reconciliation"
		if err := o.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, store.ChunkDispatchParams{
			Status:    domain.ChunkStatusSubmitted,
			LastError: &note,
		}); err != nil {
			return "", err
		}
		o.metrics.ChunkDispatched(string(domain.ChunkStatusSubmitted))
		logger.Warn("chunk already accepted by provider")
		return domain.ChunkStatusSubmitted, nil

	case payoutclient.IsTransientError(callErr):
		o.metrics.ProviderCall("submit_batch", "transient", started)
		msg := callErr.Error()
		if err := o.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, store.ChunkDispatchParams{
			Status:    domain.ChunkStatusUnknown,
			LastError: &msg,
		}); err != nil {
			return "", err
		}
		o.metrics.ChunkDispatched(string(domain.ChunkStatusUnknown))
		logger.Warn("chunk outcome unknown", zap.Error(callErr))
		return domain.ChunkStatusUnknown, nil

	default:
		o.metrics.ProviderCall("submit_batch", "rejected", started)
		return domain.ChunkStatusFailed, o.recordRejection(ctx, batch, chunk, items, callErr, logger)
	}
}

// settleEmptyChunk closes a chunk whose items all have outcomes already, typically
// learned through webhooks while the chunk sat in unknown. The provider is not called.
func (o *PayoutOrchestrator) settleEmptyChunk(ctx context.Context, batch *domain.PayoutBatch, chunk *domain.PayoutBatchChunk) (domain.ChunkStatus, error) {
	note := "every item already has a provider outcome; nothing left to send"
	if err := o.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, store.ChunkDispatchParams{
		Status:       domain.ChunkStatusSubmitted,
		LastError:    &note,
		FromStatuses: dispatchableChunkStatuses,
	}); err != nil {
		return "", err
	}
	o.metrics.ChunkDispatched(string(domain.ChunkStatusSubmitted))
	o.logger.Info("chunk settled without provider call",
		zap.String("flow", "dispatch"),
		zap.String("batch_id", batch.ID.String()),
		zap.String("chunk_id", chunk.ID.String()),
		zap.Int("sequence", chunk.Sequence),
	)
	return domain.ChunkStatusSubmitted, nil
}

// recordRejection fails a chunk the provider definitely refused. Its items need an
// operator before they can be paid.
func (o *PayoutOrchestrator) recordRejection(ctx context.Context, batch *domain.PayoutBatch, chunk *domain.PayoutBatchChunk, items []domain.PayoutBatchItem, callErr error, logger *zap.Logger) error {
	msg := callErr.Error()
	code := "REQUEST_REJECTED"
	var apiErr *payoutclient.ErrorResponse
	if errors.As(callErr, &apiErr) && apiErr.Name != "" {
		code = apiErr.Name
	}

	if err := o.repo.UpdatePayoutChunkDispatch(ctx, chunk.ID, store.ChunkDispatchParams{
		Status:    domain.ChunkStatusFailed,
		LastError: &msg,
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	winnerIDs := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if item.Status != domain.ItemStatusPending {
			continue
		}
		if _, err := o.repo.ApplyPayoutItemOutcome(ctx, store.ItemOutcomeParams{
			BatchID:              batch.ID,
			ChunkID:              chunk.ID,
			WinnerSelectionID:    item.WinnerSelectionID,
			UserID:               item.UserID,
			CorrelationToken:     item.CorrelationToken,
			Amount:               item.Amount,
			Email:                item.Email,
			Status:               domain.ItemStatusFailed,
			ErrorCode:            &code,
			ErrorMessage:         &msg,
			ProcessedAt:          &now,
			RequiresManualReview: true,
		}); err != nil {
			return fmt.Errorf("failed to record rejected item: %w", err)
		}
		o.metrics.ItemOutcome(string(domain.ItemStatusFailed), "dispatch")
		winnerIDs = append(winnerIDs, item.WinnerSelectionID)
	}
	if _, err := o.repo.TransitionWinnersPayoutStatus(ctx, winnerIDs, domain.PayoutStatusFailed,
		[]domain.PayoutStatus{domain.PayoutStatusProcessing}); err != nil {
		return fmt.Errorf("failed to mark winners failed: %w", err)
	}

	o.metrics.ChunkDispatched(string(domain.ChunkStatusFailed))
	logger.Error("chunk rejected by provider", zap.String("error_code", code), zap.Error(callErr))
	return nil
}

func (o *PayoutOrchestrator) submitRequest(batch *domain.PayoutBatch, chunk *domain.PayoutBatchChunk, items []domain.PayoutBatchItem) payoutclient.SubmitBatchRequest {
	req := payoutclient.SubmitBatchRequest{
		SenderBatchHeader: payoutclient.SenderBatchHeader{
			SenderBatchID: chunk.SenderBatchID,
			EmailSubject:  o.settings.EmailSubject,
			RecipientType: "EMAIL",
		},
		Items: make([]payoutclient.PayoutItem, 0, len(items)),
	}
	for _, item := range items {
		if item.Status != domain.ItemStatusPending {
			continue
		}
		req.Items = append(req.Items, payoutclient.PayoutItem{
			RecipientType: "EMAIL",
			Amount:        payoutclient.Money{Value: payoutclient.FormatAmount(item.Amount), Currency: batch.Currency},
			Receiver:      item.Email,
			SenderItemID:  item.CorrelationToken,
		})
	}
	return req
}

// CancelBatch cancels every chunk of the batch that has not been handed to the provider.
// Chunks already dispatched cannot be recalled.
func (o *PayoutOrchestrator) CancelBatch(ctx context.Context, batchID uuid.UUID, operator string) (*domain.PayoutBatch, int64, error) {
	batch, err := o.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, 0, err
	}
	if batch.SupersededByBatchID != nil {
		return nil, 0, ErrBatchSuperseded
	}
	reason := fmt.Sprintf("cancelled by %s", operator)
	cancelled, err := o.repo.CancelUndispatchedChunks(ctx, batchID, reason)
	if err != nil {
		return nil, 0, err
	}
	updated, err := o.repo.RecomputePayoutBatch(ctx, batchID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to recompute payout batch: %w", err)
	}
	if cancelled > 0 {
		o.events.batchUpdated(ctx, updated)
	}
	o.logger.Info("payout batch cancel requested",
		zap.String("flow", "cancel"),
		zap.String("batch_id", batchID.String()),
		zap.String("operator", operator),
		zap.Int64("cancelled_chunks", cancelled),
	)
	return updated, cancelled, nil
}

// GetBatchStatus returns the batch with its chunks and ledger items.
func (o *PayoutOrchestrator) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*domain.BatchStatusView, error) {
	batch, err := o.repo.GetPayoutBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	chunks, err := o.repo.ListPayoutBatchChunks(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout chunks: %w", err)
	}
	items, err := o.repo.ListPayoutBatchItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout items: %w", err)
	}
	return &domain.BatchStatusView{Batch: batch, Chunks: chunks, Items: items}, nil
}
