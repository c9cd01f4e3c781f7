/**
 * @description
 * SelectionEngine drives a cycle's winner selection through draft -> saved -> sealed.
 * Drawing and amount computation happen here; every state change is delegated to the
 * repository, which enforces the state machine inside a locked transaction.
 *
 * @notes
 * - Amounts are int64 cents. A winner's share is floored to the cent, so the winners of a
 *   tier never receive more than the tier pool in total.
 * - Callers serialise operations per cycle through the CycleLocker held by Service.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/metrics"
	"go.uber.org/zap"
)

type SelectionEngine struct {
	repo    store.Repository
	drawer  *Drawer
	events  *eventPublisher
	metrics *metrics.Recorder
	logger  *zap.Logger
}

func NewSelectionEngine(repo store.Repository, drawer *Drawer, events *eventPublisher, rec *metrics.Recorder, logger *zap.Logger) *SelectionEngine {
	if drawer == nil {
		drawer = NewDrawer(nil)
	}
	if events == nil {
		events = newEventPublisher(nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelectionEngine{
		repo:    repo,
		drawer:  drawer,
		events:  events,
		metrics: rec,
		logger:  logger,
	}
}

// payoutShare floors tierPool * pct / 100 to the cent. The epsilon absorbs float error
// for shares such as 100/3 that should land exactly on a cent.
func payoutShare(tierPool int64, pct float64) int64 {
	if tierPool <= 0 || pct <= 0 {
		return 0
	}
	return int64(math.Floor(float64(tierPool)*pct/100 + 1e-6))
}

// pointDeduction is floor(points * pct / 100), never negative.
func pointDeduction(points int64, pct float64) int64 {
	if points <= 0 || pct <= 0 {
		return 0
	}
	return int64(math.Floor(float64(points) * pct / 100))
}

// Run draws a fresh selection for the cycle, replacing any unsealed draft or saved one.
func (e *SelectionEngine) Run(ctx context.Context, cycleID uuid.UUID, req domain.RunSelectionRequest) (*domain.SelectionResult, error) {
	result, err := e.run(ctx, cycleID, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.metrics.SelectionRun(string(req.Algorithm), outcome)
	return result, err
}

func (e *SelectionEngine) run(ctx context.Context, cycleID uuid.UUID, req domain.RunSelectionRequest) (*domain.SelectionResult, error) {
	if req.Algorithm == "" {
		req.Algorithm = domain.AlgorithmWeightedRandom
	}
	if !req.Algorithm.Valid() {
		return nil, ErrInvalidAlgorithm
	}
	if req.Algorithm == domain.AlgorithmManual && len(req.ManualUserIDs) == 0 {
		return nil, &ValidationError{Op: "run_selection", Problems: []WinnerProblem{{Field: "manual_user_ids", Reason: "required for manual selection"}}}
	}

	cycle, err := e.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState == domain.SelectionStateSealed {
		return nil, store.ErrSelectionSealed
	}

	scores, err := e.repo.ListParticipantScores(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participant scores: %w", err)
	}
	eligible := EligibleParticipants(scores)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleUsers
	}

	tiers := GroupByTier(AssignTiers(eligible))
	picked, err := e.pick(cycle, req, tiers)
	if err != nil {
		return nil, err
	}

	var winners []domain.WinnerSelection
	for _, tier := range domain.AllTiers {
		winners = append(winners, buildWinners(cycle, tier, picked[tier])...)
	}
	if len(winners) == 0 {
		return nil, ErrNoEligibleUsers
	}

	updated, err := e.repo.ReplaceSelection(ctx, cycleID, req.Algorithm, winners)
	if err != nil {
		return nil, err
	}

	result := &domain.SelectionResult{
		Cycle:     updated,
		State:     updated.SelectionState,
		Algorithm: string(req.Algorithm),
		Winners:   winners,
	}
	for _, tier := range domain.AllTiers {
		result.TierSizes[tier-1] = len(tiers[tier])
	}

	e.logger.Info("selection drawn",
		zap.String("flow", "run_selection"),
		zap.String("cycle_id", cycleID.String()),
		zap.String("algorithm", string(req.Algorithm)),
		zap.Int("eligible", len(eligible)),
		zap.Int("winners", len(winners)),
		zap.Int64("selection_version", updated.SelectionVersion),
	)
	return result, nil
}

func (e *SelectionEngine) pick(cycle *domain.Cycle, req domain.RunSelectionRequest, tiers map[domain.Tier][]domain.TierAssignment) (map[domain.Tier][]domain.TierAssignment, error) {
	picked := make(map[domain.Tier][]domain.TierAssignment, 3)

	if req.Algorithm != domain.AlgorithmManual {
		for _, tier := range domain.AllTiers {
			members := tiers[tier]
			count := DrawCount(len(members), cycle.SelectionPercent(tier))
			picked[tier] = e.drawer.Draw(req.Algorithm, members, count)
		}
		return picked, nil
	}

	byUser := make(map[uuid.UUID]domain.TierAssignment)
	for _, tier := range domain.AllTiers {
		for _, a := range tiers[tier] {
			byUser[a.UserID] = a
		}
	}
	verr := &ValidationError{Op: "run_selection"}
	seen := make(map[uuid.UUID]struct{}, len(req.ManualUserIDs))
	for _, userID := range req.ManualUserIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		a, ok := byUser[userID]
		if !ok {
			verr.add(WinnerProblem{UserID: userID, Field: "user_id", Reason: "not an eligible participant of this cycle"})
			continue
		}
		picked[a.Tier] = append(picked[a.Tier], a)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	for tier := range picked {
		sortAssignmentsByRank(picked[tier])
	}
	return picked, nil
}

func buildWinners(cycle *domain.Cycle, tier domain.Tier, picked []domain.TierAssignment) []domain.WinnerSelection {
	if len(picked) == 0 {
		return nil
	}
	tierPool := cycle.TierPool(tier)
	pct := 100 / float64(len(picked))
	calculated := payoutShare(tierPool, pct)

	out := make([]domain.WinnerSelection, 0, len(picked))
	for _, a := range picked {
		final := calculated
		out = append(out, domain.WinnerSelection{
			ID:                uuid.New(),
			CycleID:           cycle.ID,
			UserID:            a.UserID,
			Tier:              tier,
			RankInTier:        a.RankInTier,
			OverallRank:       a.OverallRank,
			PointsAtSelection: a.Points,
			TierPoolSize:      tierPool,
			PayoutPercentage:  pct,
			PayoutCalculated:  calculated,
			PayoutFinal:       &final,
			DestinationEmail:  strings.TrimSpace(a.Email),
			PayoutStatus:      domain.PayoutStatusDraft,
		})
	}
	return out
}

// ListWinners returns the cycle together with its current winners.
func (e *SelectionEngine) ListWinners(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, []domain.WinnerSelection, error) {
	cycle, err := e.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, nil, err
	}
	winners, err := e.repo.ListWinners(ctx, cycleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list winners: %w", err)
	}
	return cycle, winners, nil
}

func (e *SelectionEngine) Save(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	cycle, err := e.repo.SaveSelection(ctx, cycleID, operator)
	if err != nil {
		return nil, err
	}
	e.logger.Info("selection saved", zap.String("flow", "save_selection"), zap.String("cycle_id", cycleID.String()), zap.String("operator", operator))
	return cycle, nil
}

// ValidateForSeal lists every winner that could not be paid as it stands.
func ValidateForSeal(winners []domain.WinnerSelection) error {
	verr := &ValidationError{Op: "seal_selection"}
	if len(winners) == 0 {
		verr.add(WinnerProblem{Field: "winners", Reason: "selection has no winners"})
	}
	for _, w := range winners {
		if w.PayoutFinal == nil {
			verr.add(WinnerProblem{WinnerID: w.ID, UserID: w.UserID, Field: "payout_final", Reason: "missing"})
		} else if *w.PayoutFinal <= 0 {
			verr.add(WinnerProblem{WinnerID: w.ID, UserID: w.UserID, Field: "payout_final", Reason: "must be positive"})
		}
		if !validEmail(w.DestinationEmail) {
			verr.add(WinnerProblem{WinnerID: w.ID, UserID: w.UserID, Field: "destination_email", Reason: "missing or malformed"})
		}
	}
	return verr.orNil()
}

func validEmail(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	addr, err := mail.ParseAddress(trimmed)
	return err == nil && addr.Address == trimmed
}

// Seal freezes a saved selection, records point deductions, and announces the result.
// A failed validation leaves the selection saved.
func (e *SelectionEngine) Seal(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	cycle, err := e.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	switch cycle.SelectionState {
	case domain.SelectionStateSealed:
		return nil, store.ErrSelectionSealed
	case domain.SelectionStateSaved:
	default:
		return nil, ErrSelectionNotSaved
	}

	winners, err := e.repo.ListWinners(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list winners: %w", err)
	}
	if err := ValidateForSeal(winners); err != nil {
		return nil, err
	}

	deductions := make(map[uuid.UUID]int64, len(winners))
	var total int64
	for _, w := range winners {
		deductions[w.ID] = pointDeduction(w.PointsAtSelection, cycle.WinnerPointDeductionPercent)
		total += w.FinalAmount()
	}

	sealed, err := e.repo.SealSelection(ctx, store.SealSelectionParams{
		CycleID:         cycleID,
		ExpectedVersion: cycle.SelectionVersion,
		Operator:        operator,
		PointsDeducted:  deductions,
	})
	if err != nil {
		return nil, err
	}

	sealedAt := time.Now().UTC()
	if sealed.SealedAt != nil {
		sealedAt = *sealed.SealedAt
	}
	e.events.publish(ctx, RoutingKeySelectionSealed, domain.SelectionSealedEvent{
		CycleID:     cycleID,
		WinnerCount: len(winners),
		TotalAmount: total,
		SealedBy:    operator,
		SealedAt:    sealedAt,
	})
	for _, w := range winners {
		if deductions[w.ID] <= 0 {
			continue
		}
		e.events.publish(ctx, RoutingKeyPointsDeduct, domain.PointsDeductionEvent{
			CycleID:           cycleID,
			UserID:            w.UserID,
			WinnerSelectionID: w.ID,
			Points:            deductions[w.ID],
		})
	}

	e.logger.Info("selection sealed",
		zap.String("flow", "seal_selection"),
		zap.String("cycle_id", cycleID.String()),
		zap.String("operator", operator),
		zap.Int("winners", len(winners)),
		zap.Int64("total_amount", total),
	)
	return sealed, nil
}

// Unseal reopens a sealed selection. It is refused once any winner has been paid or while
// a live batch still holds payouts that could be sent.
func (e *SelectionEngine) Unseal(ctx context.Context, cycleID uuid.UUID, operator, reason string) (*domain.Cycle, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Op: "unseal_selection", Problems: []WinnerProblem{{Field: "reason", Reason: "required"}}}
	}
	cycle, err := e.repo.UnsealSelection(ctx, cycleID, operator, strings.TrimSpace(reason))
	if err != nil {
		if errors.Is(err, store.ErrUnsealBlocked) || errors.Is(err, store.ErrUnsealInFlight) {
			e.logger.Warn("unseal refused",
				zap.String("flow", "unseal_selection"),
				zap.String("cycle_id", cycleID.String()),
				zap.String("operator", operator),
				zap.Error(err),
			)
		}
		return nil, err
	}
	e.logger.Warn("selection unsealed",
		zap.String("flow", "unseal_selection"),
		zap.String("cycle_id", cycleID.String()),
		zap.String("operator", operator),
		zap.String("reason", reason),
	)
	return cycle, nil
}

func (e *SelectionEngine) Clear(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	cycle, err := e.repo.ClearSelection(ctx, cycleID, operator)
	if err != nil {
		return nil, err
	}
	e.logger.Info("selection cleared", zap.String("flow", "clear_selection"), zap.String("cycle_id", cycleID.String()), zap.String("operator", operator))
	return cycle, nil
}

// UpdateWinnerAmounts applies an operator edit to one winner of an unsealed selection and
// recomputes its calculated and final payout.
func (e *SelectionEngine) UpdateWinnerAmounts(ctx context.Context, cycleID, winnerID uuid.UUID, update domain.WinnerAmountsUpdate) (*domain.WinnerSelection, error) {
	verr := &ValidationError{Op: "update_winner"}
	if update.TierPoolSize != nil && *update.TierPoolSize < 0 {
		verr.add(WinnerProblem{WinnerID: winnerID, Field: "tier_pool_size", Reason: "must not be negative"})
	}
	if update.PayoutOverride != nil && *update.PayoutOverride < 0 {
		verr.add(WinnerProblem{WinnerID: winnerID, Field: "payout_override", Reason: "must not be negative"})
	}
	if update.ClearOverride && update.PayoutOverride != nil {
		verr.add(WinnerProblem{WinnerID: winnerID, Field: "payout_override", Reason: "cannot set and clear in one edit"})
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	cycle, err := e.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState == domain.SelectionStateSealed {
		return nil, store.ErrSelectionSealed
	}

	found, err := e.repo.FindWinnersByIDs(ctx, cycleID, []uuid.UUID{winnerID})
	if err != nil {
		return nil, fmt.Errorf("failed to load winner: %w", err)
	}
	if len(found) == 0 {
		return nil, store.ErrWinnerNotFound
	}
	winner := found[0]

	tierPool := winner.TierPoolSize
	if update.TierPoolSize != nil {
		tierPool = *update.TierPoolSize
	}
	calculated := payoutShare(tierPool, winner.PayoutPercentage)

	override := winner.PayoutOverride
	switch {
	case update.ClearOverride:
		override = nil
	case update.PayoutOverride != nil:
		v := *update.PayoutOverride
		override = &v
	}
	final := calculated
	if override != nil {
		final = *override
	}

	updated, err := e.repo.UpdateWinnerAmounts(ctx, store.WinnerAmountsParams{
		CycleID:          cycleID,
		WinnerID:         winnerID,
		TierPoolSize:     tierPool,
		PayoutCalculated: calculated,
		PayoutOverride:   override,
		PayoutFinal:      final,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("winner amounts updated",
		zap.String("flow", "update_winner"),
		zap.String("cycle_id", cycleID.String()),
		zap.String("winner_id", winnerID.String()),
		zap.Int64("payout_final", final),
	)
	return updated, nil
}

// ListAudit returns the selection audit trail of a cycle.
func (e *SelectionEngine) ListAudit(ctx context.Context, cycleID uuid.UUID) ([]domain.SelectionAuditEntry, error) {
	return e.repo.ListSelectionAudit(ctx, cycleID)
}
