package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
)

// memRepo is an in-memory store.Repository that mirrors the Postgres semantics the
// engines rely on: locked state checks, CAS transitions, the upsert guard, and the
// ledger recompute.
type memRepo struct {
	store.Repository

	mu      sync.Mutex
	cycles  map[uuid.UUID]*domain.Cycle
	scores  map[uuid.UUID][]domain.ParticipantScore
	winners map[uuid.UUID]*domain.WinnerSelection
	audit   []domain.SelectionAuditEntry
	batches map[uuid.UUID]*domain.PayoutBatch
	chunks  map[uuid.UUID]*domain.PayoutBatchChunk
	items   map[uuid.UUID]*domain.PayoutBatchItem
}

func newMemRepo() *memRepo {
	return &memRepo{
		cycles:  map[uuid.UUID]*domain.Cycle{},
		scores:  map[uuid.UUID][]domain.ParticipantScore{},
		winners: map[uuid.UUID]*domain.WinnerSelection{},
		batches: map[uuid.UUID]*domain.PayoutBatch{},
		chunks:  map[uuid.UUID]*domain.PayoutBatchChunk{},
		items:   map[uuid.UUID]*domain.PayoutBatchItem{},
	}
}

func (m *memRepo) addCycle(c *domain.Cycle, scores []domain.ParticipantScore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.SelectionState == "" {
		c.SelectionState = domain.SelectionStateNone
	}
	c.Status = domain.CycleStatusFor(c.SelectionState)
	m.cycles[c.ID] = c
	m.scores[c.ID] = scores
}

func (m *memRepo) GetCycle(_ context.Context, id uuid.UUID) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[id]
	if !ok {
		return nil, store.ErrCycleNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) ListParticipantScores(_ context.Context, id uuid.UUID) ([]domain.ParticipantScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ParticipantScore(nil), m.scores[id]...), nil
}

func (m *memRepo) MarkCycleCompleted(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cycles[id]
	if c == nil || c.SelectionState != domain.SelectionStateSealed || c.CompletedAt != nil {
		return false, nil
	}
	count := 0
	for _, w := range m.winners {
		if w.CycleID != id {
			continue
		}
		count++
		if !w.PayoutStatus.IsTerminal() {
			return false, nil
		}
	}
	if count == 0 {
		return false, nil
	}
	now := time.Now()
	c.CompletedAt = &now
	return true, nil
}

// setSelection mirrors updateCycleSelection. Callers hold m.mu.
func (m *memRepo) setSelection(c *domain.Cycle, state domain.SelectionState, bump bool) *domain.Cycle {
	c.SelectionState = state
	c.Status = domain.CycleStatusFor(state)
	if bump {
		c.SelectionVersion++
	}
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp
}

func (m *memRepo) lockedCycle(id uuid.UUID) (*domain.Cycle, error) {
	c, ok := m.cycles[id]
	if !ok {
		return nil, store.ErrCycleNotFound
	}
	return c, nil
}

func (m *memRepo) addAudit(cycleID uuid.UUID, action, operator, reason string) {
	m.audit = append(m.audit, domain.SelectionAuditEntry{
		ID: uuid.New(), CycleID: cycleID, Action: action, Operator: operator, Reason: reason, CreatedAt: time.Now(),
	})
}

func (m *memRepo) ReplaceSelection(_ context.Context, cycleID uuid.UUID, algorithm domain.SelectionAlgorithm, winners []domain.WinnerSelection) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lockedCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if c.SelectionState == domain.SelectionStateSealed {
		return nil, store.ErrSelectionSealed
	}
	if m.hasPayoutHistory(cycleID) {
		return nil, store.ErrSelectionHasPayoutHistory
	}
	for id, w := range m.winners {
		if w.CycleID == cycleID {
			delete(m.winners, id)
		}
	}
	for _, w := range winners {
		cp := w
		cp.CycleID = cycleID
		cp.PayoutStatus = domain.PayoutStatusDraft
		cp.PointsDeducted = 0
		m.winners[cp.ID] = &cp
	}
	alg := string(algorithm)
	c.SelectionAlgorithm = &alg
	return m.setSelection(c, domain.SelectionStateDraft, true), nil
}

func (m *memRepo) ListWinners(_ context.Context, cycleID uuid.UUID) ([]domain.WinnerSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WinnerSelection
	for _, w := range m.winners {
		if w.CycleID == cycleID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].RankInTier < out[j].RankInTier
	})
	return out, nil
}

func (m *memRepo) FindWinnersByIDs(_ context.Context, cycleID uuid.UUID, ids []uuid.UUID) ([]domain.WinnerSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WinnerSelection
	for _, id := range ids {
		if w, ok := m.winners[id]; ok && w.CycleID == cycleID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memRepo) SaveSelection(_ context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lockedCycle(cycleID)
	if err != nil {
		return nil, err
	}
	switch c.SelectionState {
	case domain.SelectionStateSaved:
		cp := *c
		return &cp, nil
	case domain.SelectionStateSealed:
		return nil, store.ErrSelectionSealed
	case domain.SelectionStateNone:
		return nil, store.ErrSelectionEmpty
	}
	m.addAudit(cycleID, domain.AuditActionSave, operator, "")
	return m.setSelection(c, domain.SelectionStateSaved, false), nil
}

func (m *memRepo) SealSelection(_ context.Context, p store.SealSelectionParams) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lockedCycle(p.CycleID)
	if err != nil {
		return nil, err
	}
	switch {
	case c.SelectionState == domain.SelectionStateSealed:
		return nil, store.ErrSelectionSealed
	case c.SelectionState != domain.SelectionStateSaved:
		return nil, store.ErrSelectionStateConflict
	case c.SelectionVersion != p.ExpectedVersion:
		return nil, store.ErrSelectionVersionConflict
	}
	total := 0
	for _, w := range m.winners {
		if w.CycleID != p.CycleID {
			continue
		}
		total++
		if w.PayoutFinal == nil || *w.PayoutFinal <= 0 || w.DestinationEmail == "" {
			return nil, store.ErrSelectionIncomplete
		}
	}
	if total == 0 {
		return nil, store.ErrSelectionEmpty
	}
	for id, pts := range p.PointsDeducted {
		if w, ok := m.winners[id]; ok {
			w.PointsDeducted = pts
		}
	}
	for _, w := range m.winners {
		if w.CycleID == p.CycleID && w.PayoutStatus == domain.PayoutStatusDraft {
			w.PayoutStatus = domain.PayoutStatusPending
		}
	}
	now := time.Now()
	op := p.Operator
	c.SealedAt = &now
	c.SealedBy = &op
	m.addAudit(p.CycleID, domain.AuditActionSeal, p.Operator, "")
	return m.setSelection(c, domain.SelectionStateSealed, false), nil
}

func (m *memRepo) UnsealSelection(_ context.Context, cycleID uuid.UUID, operator, reason string) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lockedCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if c.SelectionState != domain.SelectionStateSealed {
		return nil, store.ErrSelectionNotSealed
	}
	succeeded, inFlight := 0, 0
	for _, w := range m.winners {
		if w.CycleID != cycleID {
			continue
		}
		switch w.PayoutStatus {
		case domain.PayoutStatusSuccess:
			succeeded++
		case domain.PayoutStatusProcessing, domain.PayoutStatusUnclaimed:
			inFlight++
		}
	}
	if succeeded > 0 {
		return nil, store.ErrUnsealBlocked
	}
	if inFlight > 0 || m.hasQueuedItems(cycleID) {
		return nil, store.ErrUnsealInFlight
	}
	for _, w := range m.winners {
		if w.CycleID == cycleID && (w.PayoutStatus == domain.PayoutStatusPending || w.PayoutStatus == domain.PayoutStatusFailed) {
			w.PayoutStatus = domain.PayoutStatusDraft
			w.PointsDeducted = 0
		}
	}
	c.SealedAt, c.SealedBy, c.CompletedAt = nil, nil, nil
	m.addAudit(cycleID, domain.AuditActionUnseal, operator, reason)
	return m.setSelection(c, domain.SelectionStateSaved, true), nil
}

// hasQueuedItems reports pending items of live batches whose chunk may still be sent
// or answered. Callers hold m.mu.
func (m *memRepo) hasQueuedItems(cycleID uuid.UUID) bool {
	for _, it := range m.items {
		b := m.batches[it.BatchID]
		if b.CycleID != cycleID || b.SupersededByBatchID != nil || it.Status != domain.ItemStatusPending {
			continue
		}
		switch m.chunks[it.ChunkID].Status {
		case domain.ChunkStatusPending, domain.ChunkStatusDispatching, domain.ChunkStatusUnknown, domain.ChunkStatusSubmitted:
			return true
		}
	}
	return false
}

// hasPayoutHistory reports whether any winner of the cycle is referenced by a ledger item.
// Callers hold m.mu.
func (m *memRepo) hasPayoutHistory(cycleID uuid.UUID) bool {
	for _, it := range m.items {
		if w, ok := m.winners[it.WinnerSelectionID]; ok && w.CycleID == cycleID {
			return true
		}
	}
	return false
}

func (m *memRepo) ClearSelection(_ context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lockedCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if c.SelectionState == domain.SelectionStateSealed {
		return nil, store.ErrSelectionSealed
	}
	if m.hasPayoutHistory(cycleID) {
		return nil, store.ErrSelectionHasPayoutHistory
	}
	for id, w := range m.winners {
		if w.CycleID == cycleID {
			delete(m.winners, id)
		}
	}
	c.SelectionAlgorithm = nil
	m.addAudit(cycleID, domain.AuditActionClear, operator, "")
	return m.setSelection(c, domain.SelectionStateNone, true), nil
}

func (m *memRepo) UpdateWinnerAmounts(_ context.Context, p store.WinnerAmountsParams) (*domain.WinnerSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lockedCycle(p.CycleID)
	if err != nil {
		return nil, err
	}
	switch c.SelectionState {
	case domain.SelectionStateSealed:
		return nil, store.ErrSelectionSealed
	case domain.SelectionStateNone:
		return nil, store.ErrWinnerNotFound
	}
	w, ok := m.winners[p.WinnerID]
	if !ok || w.CycleID != p.CycleID || w.PayoutStatus != domain.PayoutStatusDraft {
		return nil, store.ErrWinnerNotFound
	}
	final := p.PayoutFinal
	w.TierPoolSize = p.TierPoolSize
	w.PayoutCalculated = p.PayoutCalculated
	w.PayoutOverride = p.PayoutOverride
	w.PayoutFinal = &final
	c.SelectionVersion++
	cp := *w
	return &cp, nil
}

func (m *memRepo) ListSelectionAudit(_ context.Context, cycleID uuid.UUID) ([]domain.SelectionAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SelectionAuditEntry
	for _, a := range m.audit {
		if a.CycleID == cycleID {
			out = append(out, a)
		}
	}
	return out, nil
}

func containsStatus(list []domain.PayoutStatus, s domain.PayoutStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memRepo) TransitionWinnerPayoutStatus(_ context.Context, id uuid.UUID, to domain.PayoutStatus, from []domain.PayoutStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.winners[id]
	if !ok || !containsStatus(from, w.PayoutStatus) {
		return false, nil
	}
	w.PayoutStatus = to
	return true, nil
}

func (m *memRepo) TransitionWinnersPayoutStatus(ctx context.Context, ids []uuid.UUID, to domain.PayoutStatus, from []domain.PayoutStatus) (int64, error) {
	var n int64
	for _, id := range ids {
		ok, _ := m.TransitionWinnerPayoutStatus(ctx, id, to, from)
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ListWinnerIDsWithOpenPayoutItems(_ context.Context, cycleID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, it := range m.items {
		b := m.batches[it.BatchID]
		if b.CycleID != cycleID || b.SupersededByBatchID != nil || b.Status == domain.BatchStatusCancelled {
			continue
		}
		if it.Status == domain.ItemStatusFailed {
			continue
		}
		if _, ok := seen[it.WinnerSelectionID]; !ok {
			seen[it.WinnerSelectionID] = struct{}{}
			out = append(out, it.WinnerSelectionID)
		}
	}
	return out, nil
}

func (m *memRepo) FindPayoutBatchesByChecksum(_ context.Context, cycleID uuid.UUID, checksum string) ([]domain.PayoutBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PayoutBatch
	for _, b := range m.batches {
		if b.CycleID == cycleID && b.RequestChecksum == checksum {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt > out[j].Attempt })
	return out, nil
}

func (m *memRepo) CreatePayoutBatch(_ context.Context, batch *domain.PayoutBatch, chunks []domain.PayoutBatchChunk, items []domain.PayoutBatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.CycleID == batch.CycleID && b.RequestChecksum == batch.RequestChecksum && b.Attempt == batch.Attempt {
			return store.ErrDuplicatePayoutBatch
		}
	}
	now := time.Now()
	batch.CreatedAt, batch.UpdatedAt = now, now
	cp := *batch
	m.batches[batch.ID] = &cp
	for _, c := range chunks {
		c := c
		c.CreatedAt, c.UpdatedAt = now, now
		m.chunks[c.ID] = &c
	}
	for _, it := range items {
		it := it
		it.CreatedAt, it.UpdatedAt = now, now
		m.items[it.ID] = &it
	}
	return nil
}

func (m *memRepo) GetPayoutBatch(_ context.Context, id uuid.UUID) (*domain.PayoutBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, store.ErrPayoutBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) ListPayoutBatchChunks(_ context.Context, batchID uuid.UUID) ([]domain.PayoutBatchChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PayoutBatchChunk
	for _, c := range m.chunks {
		if c.BatchID == batchID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *memRepo) ListPayoutBatchItems(_ context.Context, batchID uuid.UUID) ([]domain.PayoutBatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PayoutBatchItem
	for _, it := range m.items {
		if it.BatchID == batchID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationToken < out[j].CorrelationToken })
	return out, nil
}

func (m *memRepo) FindPayoutChunkByProviderBatchID(_ context.Context, providerBatchID string) (*domain.PayoutBatchChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if c.ProviderBatchID != nil && *c.ProviderBatchID == providerBatchID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrPayoutChunkNotFound
}

func (m *memRepo) FindPayoutItemForWinner(_ context.Context, batchID *uuid.UUID, winnerID uuid.UUID) (*domain.PayoutBatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.PayoutBatchItem
	for _, it := range m.items {
		if it.WinnerSelectionID != winnerID {
			continue
		}
		if batchID != nil {
			if it.BatchID != *batchID {
				continue
			}
		} else if m.batches[it.BatchID].SupersededByBatchID != nil {
			continue
		}
		if best == nil || m.batches[it.BatchID].Attempt > m.batches[best.BatchID].Attempt {
			best = it
		}
	}
	if best == nil {
		return nil, store.ErrPayoutItemNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memRepo) UpdatePayoutChunkDispatch(_ context.Context, chunkID uuid.UUID, p store.ChunkDispatchParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return store.ErrChunkStateConflict
	}
	if len(p.FromStatuses) > 0 {
		allowed := false
		for _, s := range p.FromStatuses {
			if s == c.Status {
				allowed = true
			}
		}
		if !allowed {
			return store.ErrChunkStateConflict
		}
	}
	c.Status = p.Status
	if p.ProviderBatchID != nil {
		v := *p.ProviderBatchID
		c.ProviderBatchID = &v
	}
	if p.LastError != nil {
		v := *p.LastError
		c.LastError = &v
	}
	now := time.Now()
	c.UpdatedAt = now
	switch p.Status {
	case domain.ChunkStatusSubmitted, domain.ChunkStatusUnknown, domain.ChunkStatusFailed:
		if c.DispatchedAt == nil {
			c.DispatchedAt = &now
		}
	case domain.ChunkStatusDispatching:
		if b := m.batches[c.BatchID]; b.Status == domain.BatchStatusIntent {
			b.Status = domain.BatchStatusProcessing
		}
	}
	return nil
}

func strOrNil(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (m *memRepo) ApplyPayoutItemOutcome(_ context.Context, p store.ItemOutcomeParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *domain.PayoutBatchItem
	for _, it := range m.items {
		if it.BatchID == p.BatchID && it.WinnerSelectionID == p.WinnerSelectionID {
			existing = it
		}
	}
	if existing == nil {
		it := &domain.PayoutBatchItem{
			ID: uuid.New(), BatchID: p.BatchID, ChunkID: p.ChunkID, WinnerSelectionID: p.WinnerSelectionID,
			UserID: p.UserID, CorrelationToken: p.CorrelationToken, Amount: p.Amount, Email: p.Email,
			Status: p.Status, ProviderItemID: p.ProviderItemID, ProviderStatus: p.ProviderStatus,
			ErrorCode: p.ErrorCode, ErrorMessage: p.ErrorMessage, ProcessedAt: p.ProcessedAt,
			RequiresManualReview: p.RequiresManualReview,
		}
		m.items[it.ID] = it
		return true, nil
	}
	if existing.Status == domain.ItemStatusSuccess {
		return false, nil
	}
	providerItemID := existing.ProviderItemID
	if p.ProviderItemID != nil {
		providerItemID = p.ProviderItemID
	}
	providerStatus := existing.ProviderStatus
	if p.ProviderStatus != nil {
		providerStatus = p.ProviderStatus
	}
	review := existing.RequiresManualReview || p.RequiresManualReview
	if existing.Status == p.Status &&
		strOrNil(existing.ProviderItemID) == strOrNil(providerItemID) &&
		strOrNil(existing.ProviderStatus) == strOrNil(providerStatus) &&
		strOrNil(existing.ErrorCode) == strOrNil(p.ErrorCode) &&
		existing.RequiresManualReview == review {
		return false, nil
	}
	existing.Status = p.Status
	existing.ProviderItemID = providerItemID
	existing.ProviderStatus = providerStatus
	existing.ErrorCode = p.ErrorCode
	existing.ErrorMessage = p.ErrorMessage
	if p.ProcessedAt != nil {
		existing.ProcessedAt = p.ProcessedAt
	}
	existing.RequiresManualReview = review
	existing.UpdatedAt = time.Now()
	return true, nil
}

func (m *memRepo) RecomputePayoutBatch(_ context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, store.ErrPayoutBatchNotFound
	}
	var success, failed, pending, unclaimed int
	for _, it := range m.items {
		if it.BatchID != batchID {
			continue
		}
		switch it.Status {
		case domain.ItemStatusSuccess:
			success++
		case domain.ItemStatusFailed:
			failed++
		case domain.ItemStatusPending:
			pending++
		case domain.ItemStatusUnclaimed:
			unclaimed++
		}
	}
	total, cancelled, undispatched := 0, 0, 0
	for _, c := range m.chunks {
		if c.BatchID != batchID {
			continue
		}
		total++
		switch c.Status {
		case domain.ChunkStatusCancelled:
			cancelled++
		case domain.ChunkStatusPending:
			undispatched++
		}
	}
	before := *b
	b.SuccessfulCount, b.FailedCount, b.PendingCount, b.UnclaimedCount = success, failed, pending, unclaimed
	switch {
	case total > 0 && cancelled == total:
		b.Status = domain.BatchStatusCancelled
	case undispatched+cancelled == total && b.Status == domain.BatchStatusIntent:
	case pending > 0:
		b.Status = domain.BatchStatusProcessing
	case failed == 0:
		b.Status = domain.BatchStatusCompleted
	case success == 0 && unclaimed == 0:
		b.Status = domain.BatchStatusFailed
	default:
		b.Status = domain.BatchStatusPartiallyCompleted
	}
	if b.Status != before.Status || b.SuccessfulCount != before.SuccessfulCount || b.FailedCount != before.FailedCount ||
		b.PendingCount != before.PendingCount || b.UnclaimedCount != before.UnclaimedCount {
		b.UpdatedAt = time.Now()
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) MarkPayoutBatchSuperseded(_ context.Context, batchID, successorID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.SupersededByBatchID != nil {
		return store.ErrBatchAlreadySuperseded
	}
	b.SupersededByBatchID = &successorID
	return nil
}

func (m *memRepo) FlagPayoutItemsForReview(_ context.Context, batchID uuid.UUID, ids []uuid.UUID, note string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if it, ok := m.items[id]; ok && it.BatchID == batchID {
			it.RequiresManualReview = true
			v := note
			it.AdminNotes = &v
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CancelUndispatchedChunks(_ context.Context, batchID uuid.UUID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	code := "cancelled"
	for _, c := range m.chunks {
		if c.BatchID != batchID || c.Status != domain.ChunkStatusPending {
			continue
		}
		c.Status = domain.ChunkStatusCancelled
		r := reason
		c.LastError = &r
		n++
		for _, it := range m.items {
			if it.ChunkID == c.ID && it.Status == domain.ItemStatusPending {
				it.Status = domain.ItemStatusFailed
				it.ErrorCode = &code
				msg := reason
				it.ErrorMessage = &msg
			}
		}
	}
	return n, nil
}

func (m *memRepo) ListOpenPayoutBatches(_ context.Context, limit int) ([]domain.PayoutBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PayoutBatch
	for _, b := range m.batches {
		if b.Status != domain.BatchStatusIntent && b.Status != domain.BatchStatusProcessing {
			continue
		}
		if b.SupersededByBatchID != nil && b.PendingCount == 0 {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (m *memRepo) ListRetryablePayoutBatches(_ context.Context, olderThan time.Time, limit int) ([]domain.PayoutBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PayoutBatch
	for _, b := range m.batches {
		if b.SupersededByBatchID != nil || !b.UpdatedAt.Before(olderThan) {
			continue
		}
		switch b.Status {
		case domain.BatchStatusProcessing, domain.BatchStatusPartiallyCompleted, domain.BatchStatusFailed:
			out = append(out, *b)
		}
	}
	return out, nil
}

// winner returns a copy of one stored winner.
func (m *memRepo) winner(id uuid.UUID) domain.WinnerSelection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.winners[id]
}

// ageChunks moves every chunk of the batch back in time so retry windows elapse.
func (m *memRepo) ageChunks(batchID uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if c.BatchID == batchID {
			c.UpdatedAt = c.UpdatedAt.Add(-by)
		}
	}
}

// ageBatch moves the batch's last change back in time.
func (m *memRepo) ageBatch(batchID uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[batchID]
	b.UpdatedAt = b.UpdatedAt.Add(-by)
}

var _ store.Repository = (*memRepo)(nil)

// setWinnerStatus forces a stored winner into status, bypassing transition rules.
func (m *memRepo) setWinnerStatus(id uuid.UUID, status domain.PayoutStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.winners[id].PayoutStatus = status
}
