/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * reward cycles and winner selection. Payout ledger queries live in
 * postgres_repository_payouts.go.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Every selection state change runs inside a transaction that locks the cycle row with
 *   `SELECT ... FOR UPDATE`, so save/seal/unseal/clear behave as compare-and-set on the
 *   cycle's selection state.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/rewards-service/internal/domain"
)

var (
	ErrCycleNotFound             = errors.New("reward cycle not found")
	ErrWinnerNotFound            = errors.New("winner selection not found")
	ErrSelectionEmpty            = errors.New("cycle has no selection")
	ErrSelectionSealed           = errors.New("selection is sealed")
	ErrSelectionNotSealed        = errors.New("selection is not sealed")
	ErrSelectionStateConflict    = errors.New("selection state does not allow this operation")
	ErrSelectionVersionConflict  = errors.New("selection changed since it was validated")
	ErrSelectionIncomplete       = errors.New("selection has winners without a final payout or destination")
	ErrUnsealBlocked             = errors.New("selection has successful payouts")
	ErrUnsealInFlight            = errors.New("selection has payouts in flight")
	ErrSelectionHasPayoutHistory = errors.New("selection winners are referenced by payout history")
	ErrDuplicatePayoutBatch      = errors.New("payout batch already exists for this checksum and attempt")
	ErrPayoutBatchNotFound       = errors.New("payout batch not found")
	ErrPayoutChunkNotFound       = errors.New("payout batch chunk not found")
	ErrPayoutItemNotFound        = errors.New("payout batch item not found")
	ErrChunkStateConflict        = errors.New("payout batch chunk is not in the expected state")
	ErrBatchAlreadySuperseded    = errors.New("payout batch is already superseded")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// deleteSelection removes the cycle's winners. Winners that a payout ledger item points
// at are kept as history, so the delete is refused once any payout was attempted.
func deleteSelection(ctx context.Context, tx pgx.Tx, cycleID uuid.UUID) error {
	var referenced bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM payout_batch_items i
			JOIN winner_selections w ON w.id = i.winner_selection_id
			WHERE w.cycle_id = $1
		)
	`, cycleID).Scan(&referenced)
	if err != nil {
		return fmt.Errorf("failed to inspect payout history: %w", err)
	}
	if referenced {
		return ErrSelectionHasPayoutHistory
	}

	if _, err := tx.Exec(ctx, `DELETE FROM winner_selections WHERE cycle_id = $1`, cycleID); err != nil {
		if isForeignKeyViolation(err) {
			return ErrSelectionHasPayoutHistory
		}
		return fmt.Errorf("failed to delete selection: %w", err)
	}
	return nil
}

const cycleColumns = `
	id, name, status, selection_state, selection_version, selection_algorithm, reward_pool, currency,
	tier_thresholds, tier_pool_split, tier_selection_percent, winner_point_deduction_percent,
	starts_at, ends_at, sealed_at, sealed_by, completed_at, created_at, updated_at
`

func scanCycle(row rowScanner) (*domain.Cycle, error) {
	var c domain.Cycle
	var thresholds, split, selection []float64
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &c.SelectionState, &c.SelectionVersion, &c.SelectionAlgorithm,
		&c.RewardPool, &c.Currency, &thresholds, &split, &selection, &c.WinnerPointDeductionPercent,
		&c.StartsAt, &c.EndsAt, &c.SealedAt, &c.SealedBy, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	copy(c.TierThresholds[:], thresholds)
	copy(c.TierPoolSplit[:], split)
	copy(c.TierSelectionPercent[:], selection)
	return &c, nil
}

const winnerColumns = `
	id, cycle_id, user_id, tier, rank_in_tier, overall_rank, points_at_selection, tier_pool_size,
	payout_percentage, payout_calculated, payout_override, payout_final, destination_email,
	points_deducted, payout_status, admin_notes, created_at, updated_at
`

func scanWinner(row rowScanner) (*domain.WinnerSelection, error) {
	var w domain.WinnerSelection
	err := row.Scan(
		&w.ID, &w.CycleID, &w.UserID, &w.Tier, &w.RankInTier, &w.OverallRank, &w.PointsAtSelection,
		&w.TierPoolSize, &w.PayoutPercentage, &w.PayoutCalculated, &w.PayoutOverride, &w.PayoutFinal,
		&w.DestinationEmail, &w.PointsDeducted, &w.PayoutStatus, &w.AdminNotes, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWinners(rows pgx.Rows) ([]domain.WinnerSelection, error) {
	defer rows.Close()
	var winners []domain.WinnerSelection
	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return nil, err
		}
		winners = append(winners, *w)
	}
	return winners, rows.Err()
}

// GetCycle retrieves a reward cycle by its ID.
func (r *PostgresRepository) GetCycle(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM reward_cycles WHERE id = $1`
	cycle, err := scanCycle(r.db.QueryRow(ctx, query, cycleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return cycle, nil
}

// lockCycle loads the cycle row inside tx and holds a row lock until commit.
func lockCycle(ctx context.Context, tx pgx.Tx, cycleID uuid.UUID) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM reward_cycles WHERE id = $1 FOR UPDATE`
	cycle, err := scanCycle(tx.QueryRow(ctx, query, cycleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCycleNotFound
		}
		return nil, fmt.Errorf("failed to lock reward cycle: %w", err)
	}
	return cycle, nil
}

// updateCycleSelection writes the selection state, mirrors the lifecycle flag, and
// returns the updated row.
func updateCycleSelection(ctx context.Context, tx pgx.Tx, cycleID uuid.UUID, state domain.SelectionState, bumpVersion bool, extra string, args ...any) (*domain.Cycle, error) {
	bump := 0
	if bumpVersion {
		bump = 1
	}
	query := `
		UPDATE reward_cycles
		SET selection_state = $2,
		    status = $3,
		    selection_version = selection_version + $4,
		    updated_at = NOW()` + extra + `
		WHERE id = $1
		RETURNING ` + cycleColumns
	params := append([]any{cycleID, state, domain.CycleStatusFor(state), bump}, args...)
	return scanCycle(tx.QueryRow(ctx, query, params...))
}

func insertSelectionAudit(ctx context.Context, tx pgx.Tx, cycleID uuid.UUID, action, operator, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO selection_audit_log (id, cycle_id, action, operator, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), cycleID, action, operator, reason)
	if err != nil {
		return fmt.Errorf("failed to write selection audit: %w", err)
	}
	return nil
}

// ListParticipantScores returns the point totals of every user scored in the cycle.
func (r *PostgresRepository) ListParticipantScores(ctx context.Context, cycleID uuid.UUID) ([]domain.ParticipantScore, error) {
	query := `
		SELECT p.user_id, p.points, COALESCE(u.email, ''), COALESCE(u.is_admin, FALSE), COALESCE(u.is_active, TRUE)
		FROM cycle_participant_points p
		JOIN users u ON u.id = p.user_id
		WHERE p.cycle_id = $1
		ORDER BY p.points DESC, p.user_id ASC
	`
	rows, err := r.db.Query(ctx, query, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []domain.ParticipantScore
	for rows.Next() {
		var s domain.ParticipantScore
		if err := rows.Scan(&s.UserID, &s.Points, &s.Email, &s.IsAdmin, &s.IsActive); err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// MarkCycleCompleted stamps completed_at once every winner of a sealed selection has a
// terminal payout status. It reports whether the stamp was written by this call.
func (r *PostgresRepository) MarkCycleCompleted(ctx context.Context, cycleID uuid.UUID) (bool, error) {
	query := `
		UPDATE reward_cycles c
		SET completed_at = NOW(), updated_at = NOW()
		WHERE c.id = $1
		  AND c.selection_state = 'sealed'
		  AND c.completed_at IS NULL
		  AND EXISTS (SELECT 1 FROM winner_selections w WHERE w.cycle_id = c.id)
		  AND NOT EXISTS (
			SELECT 1 FROM winner_selections w
			WHERE w.cycle_id = c.id AND w.payout_status NOT IN ('success', 'failed', 'unclaimed')
		  )
	`
	result, err := r.db.Exec(ctx, query, cycleID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ReplaceSelection discards any unsealed winner rows for the cycle and persists a new
// draft selection in their place.
func (r *PostgresRepository) ReplaceSelection(ctx context.Context, cycleID uuid.UUID, algorithm domain.SelectionAlgorithm, winners []domain.WinnerSelection) (*domain.Cycle, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cycle, err := lockCycle(ctx, tx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState == domain.SelectionStateSealed {
		return nil, ErrSelectionSealed
	}

	if err := deleteSelection(ctx, tx, cycleID); err != nil {
		return nil, err
	}

	insertQuery := `
		INSERT INTO winner_selections (
			id, cycle_id, user_id, tier, rank_in_tier, overall_rank, points_at_selection, tier_pool_size,
			payout_percentage, payout_calculated, payout_override, payout_final, destination_email,
			points_deducted, payout_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, 'draft')
	`
	for _, w := range winners {
		if _, err := tx.Exec(ctx, insertQuery,
			w.ID, cycleID, w.UserID, w.Tier, w.RankInTier, w.OverallRank, w.PointsAtSelection,
			w.TierPoolSize, w.PayoutPercentage, w.PayoutCalculated, w.PayoutOverride, w.PayoutFinal,
			w.DestinationEmail,
		); err != nil {
			return nil, fmt.Errorf("failed to insert winner %s: %w", w.UserID, err)
		}
	}

	updated, err := updateCycleSelection(ctx, tx, cycleID, domain.SelectionStateDraft, true,
		`, selection_algorithm = $5`, string(algorithm))
	if err != nil {
		return nil, fmt.Errorf("failed to update cycle selection state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// ListWinners returns the cycle's winners ordered by tier and rank.
func (r *PostgresRepository) ListWinners(ctx context.Context, cycleID uuid.UUID) ([]domain.WinnerSelection, error) {
	query := `SELECT ` + winnerColumns + ` FROM winner_selections WHERE cycle_id = $1 ORDER BY tier ASC, rank_in_tier ASC`
	rows, err := r.db.Query(ctx, query, cycleID)
	if err != nil {
		return nil, err
	}
	return collectWinners(rows)
}

// FindWinnersByIDs returns the requested winners that belong to the cycle.
func (r *PostgresRepository) FindWinnersByIDs(ctx context.Context, cycleID uuid.UUID, winnerIDs []uuid.UUID) ([]domain.WinnerSelection, error) {
	if len(winnerIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + winnerColumns + ` FROM winner_selections WHERE cycle_id = $1 AND id = ANY($2::uuid[]) ORDER BY tier ASC, rank_in_tier ASC`
	rows, err := r.db.Query(ctx, query, cycleID, winnerIDs)
	if err != nil {
		return nil, err
	}
	return collectWinners(rows)
}

// SaveSelection promotes a draft selection to saved. Saving an already saved selection
// is a no-op.
func (r *PostgresRepository) SaveSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cycle, err := lockCycle(ctx, tx, cycleID)
	if err != nil {
		return nil, err
	}
	switch cycle.SelectionState {
	case domain.SelectionStateSaved:
		return cycle, nil
	case domain.SelectionStateSealed:
		return nil, ErrSelectionSealed
	case domain.SelectionStateNone:
		return nil, ErrSelectionEmpty
	}

	updated, err := updateCycleSelection(ctx, tx, cycleID, domain.SelectionStateSaved, false, "")
	if err != nil {
		return nil, fmt.Errorf("failed to save selection: %w", err)
	}
	if err := insertSelectionAudit(ctx, tx, cycleID, domain.AuditActionSave, operator, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// SealSelection freezes a saved selection: winners move draft -> pending, point
// deductions are recorded, and the cycle is stamped sealed. The seal is refused when
// the selection version moved after the caller validated it.
func (r *PostgresRepository) SealSelection(ctx context.Context, params SealSelectionParams) (*domain.Cycle, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cycle, err := lockCycle(ctx, tx, params.CycleID)
	if err != nil {
		return nil, err
	}
	switch {
	case cycle.SelectionState == domain.SelectionStateSealed:
		return nil, ErrSelectionSealed
	case cycle.SelectionState != domain.SelectionStateSaved:
		return nil, ErrSelectionStateConflict
	case cycle.SelectionVersion != params.ExpectedVersion:
		return nil, ErrSelectionVersionConflict
	}

	var total, incomplete int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE payout_final IS NULL OR payout_final <= 0 OR destination_email = '')
		FROM winner_selections
		WHERE cycle_id = $1
	`, params.CycleID).Scan(&total, &incomplete)
	if err != nil {
		return nil, fmt.Errorf("failed to verify selection completeness: %w", err)
	}
	if total == 0 {
		return nil, ErrSelectionEmpty
	}
	if incomplete > 0 {
		return nil, ErrSelectionIncomplete
	}

	for winnerID, points := range params.PointsDeducted {
		if _, err := tx.Exec(ctx, `
			UPDATE winner_selections SET points_deducted = $3, updated_at = NOW()
			WHERE id = $1 AND cycle_id = $2
		`, winnerID, params.CycleID, points); err != nil {
			return nil, fmt.Errorf("failed to record point deduction: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE winner_selections SET payout_status = 'pending', updated_at = NOW()
		WHERE cycle_id = $1 AND payout_status = 'draft'
	`, params.CycleID); err != nil {
		return nil, fmt.Errorf("failed to release winners for payout: %w", err)
	}

	updated, err := updateCycleSelection(ctx, tx, params.CycleID, domain.SelectionStateSealed, false,
		`, sealed_at = NOW(), sealed_by = $5`, params.Operator)
	if err != nil {
		return nil, fmt.Errorf("failed to seal selection: %w", err)
	}
	if err := insertSelectionAudit(ctx, tx, params.CycleID, domain.AuditActionSeal, params.Operator, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// UnsealSelection reopens a sealed selection for editing. It is refused while any winner
// has been paid or has a payout in flight, including items still queued in a live batch.
func (r *PostgresRepository) UnsealSelection(ctx context.Context, cycleID uuid.UUID, operator, reason string) (*domain.Cycle, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cycle, err := lockCycle(ctx, tx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState != domain.SelectionStateSealed {
		return nil, ErrSelectionNotSealed
	}

	var succeeded, inFlight int
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE payout_status = 'success'),
			COUNT(*) FILTER (WHERE payout_status IN ('processing', 'unclaimed'))
		FROM winner_selections
		WHERE cycle_id = $1
	`, cycleID).Scan(&succeeded, &inFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect winner payouts: %w", err)
	}
	if succeeded > 0 {
		return nil, ErrUnsealBlocked
	}
	if inFlight > 0 {
		return nil, ErrUnsealInFlight
	}

	// Items still waiting in a live batch could be sent later; the batch has to be
	// cancelled or settled first.
	var queued bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM payout_batch_items i
			JOIN payout_batch_chunks c ON c.id = i.chunk_id
			JOIN payout_batches b ON b.id = i.batch_id
			WHERE b.cycle_id = $1
			  AND b.superseded_by_batch_id IS NULL
			  AND i.status = 'pending'
			  AND c.status IN ('pending', 'dispatching', 'unknown', 'submitted')
		)
	`, cycleID).Scan(&queued)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queued payouts: %w", err)
	}
	if queued {
		return nil, ErrUnsealInFlight
	}

	if _, err := tx.Exec(ctx, `
		UPDATE winner_selections
		SET payout_status = 'draft', points_deducted = 0, updated_at = NOW()
		WHERE cycle_id = $1 AND payout_status IN ('pending', 'failed')
	`, cycleID); err != nil {
		return nil, fmt.Errorf("failed to reopen winners: %w", err)
	}

	updated, err := updateCycleSelection(ctx, tx, cycleID, domain.SelectionStateSaved, true,
		`, sealed_at = NULL, sealed_by = NULL, completed_at = NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal selection: %w", err)
	}
	if err := insertSelectionAudit(ctx, tx, cycleID, domain.AuditActionUnseal, operator, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// ClearSelection deletes an unsealed selection and returns the cycle to open.
func (r *PostgresRepository) ClearSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cycle, err := lockCycle(ctx, tx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.SelectionState == domain.SelectionStateSealed {
		return nil, ErrSelectionSealed
	}

	if err := deleteSelection(ctx, tx, cycleID); err != nil {
		return nil, err
	}
	updated, err := updateCycleSelection(ctx, tx, cycleID, domain.SelectionStateNone, true,
		`, selection_algorithm = NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to clear selection: %w", err)
	}
	if err := insertSelectionAudit(ctx, tx, cycleID, domain.AuditActionClear, operator, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateWinnerAmounts writes recomputed amounts for one winner of an unsealed selection
// and bumps the selection version so a concurrent seal aborts.
func (r *PostgresRepository) UpdateWinnerAmounts(ctx context.Context, params WinnerAmountsParams) (*domain.WinnerSelection, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cycle, err := lockCycle(ctx, tx, params.CycleID)
	if err != nil {
		return nil, err
	}
	switch cycle.SelectionState {
	case domain.SelectionStateSealed:
		return nil, ErrSelectionSealed
	case domain.SelectionStateNone:
		return nil, ErrWinnerNotFound
	}

	query := `
		UPDATE winner_selections
		SET tier_pool_size = $3, payout_calculated = $4, payout_override = $5, payout_final = $6, updated_at = NOW()
		WHERE id = $1 AND cycle_id = $2 AND payout_status = 'draft'
		RETURNING ` + winnerColumns
	winner, err := scanWinner(tx.QueryRow(ctx, query,
		params.WinnerID, params.CycleID, params.TierPoolSize, params.PayoutCalculated,
		params.PayoutOverride, params.PayoutFinal,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWinnerNotFound
		}
		return nil, fmt.Errorf("failed to update winner amounts: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reward_cycles SET selection_version = selection_version + 1, updated_at = NOW() WHERE id = $1
	`, params.CycleID); err != nil {
		return nil, fmt.Errorf("failed to bump selection version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return winner, nil
}

// ListSelectionAudit returns the cycle's selection audit trail, oldest first.
func (r *PostgresRepository) ListSelectionAudit(ctx context.Context, cycleID uuid.UUID) ([]domain.SelectionAuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, cycle_id, action, operator, reason, created_at
		FROM selection_audit_log
		WHERE cycle_id = $1
		ORDER BY created_at ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.SelectionAuditEntry
	for rows.Next() {
		var e domain.SelectionAuditEntry
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Action, &e.Operator, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func payoutStatusStrings(statuses []domain.PayoutStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// TransitionWinnerPayoutStatus moves one winner to `to` only if its current status is
// one of `from`. It reports whether the row changed.
func (r *PostgresRepository) TransitionWinnerPayoutStatus(ctx context.Context, winnerID uuid.UUID, to domain.PayoutStatus, from []domain.PayoutStatus) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE winner_selections
		SET payout_status = $2, updated_at = NOW()
		WHERE id = $1 AND payout_status = ANY($3::text[])
	`, winnerID, to, payoutStatusStrings(from))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// TransitionWinnersPayoutStatus is the set form of TransitionWinnerPayoutStatus.
func (r *PostgresRepository) TransitionWinnersPayoutStatus(ctx context.Context, winnerIDs []uuid.UUID, to domain.PayoutStatus, from []domain.PayoutStatus) (int64, error) {
	if len(winnerIDs) == 0 {
		return 0, nil
	}
	result, err := r.db.Exec(ctx, `
		UPDATE winner_selections
		SET payout_status = $2, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND payout_status = ANY($3::text[])
	`, winnerIDs, to, payoutStatusStrings(from))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ListWinnerIDsWithOpenPayoutItems returns winners that already hold a pending, paid, or
// unclaimed ledger item in a live batch of the cycle. Such winners must never be
// included in a new payout pass.
func (r *PostgresRepository) ListWinnerIDsWithOpenPayoutItems(ctx context.Context, cycleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT i.winner_selection_id
		FROM payout_batch_items i
		JOIN payout_batches b ON b.id = i.batch_id
		WHERE b.cycle_id = $1
		  AND b.superseded_by_batch_id IS NULL
		  AND b.status <> 'cancelled'
		  AND i.status IN ('pending', 'success', 'unclaimed')
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)

// retryCutoff treats a zero time as now.
func retryCutoff(olderThan time.Time) time.Time {
	if olderThan.IsZero() {
		return time.Now().UTC()
	}
	return olderThan.UTC()
}
