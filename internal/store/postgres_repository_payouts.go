package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/rewards-service/internal/domain"
)

const batchColumns = `
	id, cycle_id, request_checksum, attempt, status, currency, total_recipients, total_amount,
	successful_count, failed_count, pending_count, unclaimed_count, supersedes_batch_id,
	superseded_by_batch_id, created_by, created_at, updated_at
`

func scanBatch(row rowScanner) (*domain.PayoutBatch, error) {
	var b domain.PayoutBatch
	err := row.Scan(
		&b.ID, &b.CycleID, &b.RequestChecksum, &b.Attempt, &b.Status, &b.Currency, &b.TotalRecipients,
		&b.TotalAmount, &b.SuccessfulCount, &b.FailedCount, &b.PendingCount, &b.UnclaimedCount,
		&b.SupersedesBatchID, &b.SupersededByBatchID, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBatches(rows pgx.Rows) ([]domain.PayoutBatch, error) {
	defer rows.Close()
	var batches []domain.PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

const chunkColumns = `
	id, batch_id, sequence, sender_batch_id, provider_batch_id, recipient_count, total_amount,
	status, last_error, dispatched_at, created_at, updated_at
`

func scanChunk(row rowScanner) (*domain.PayoutBatchChunk, error) {
	var c domain.PayoutBatchChunk
	err := row.Scan(
		&c.ID, &c.BatchID, &c.Sequence, &c.SenderBatchID, &c.ProviderBatchID, &c.RecipientCount,
		&c.TotalAmount, &c.Status, &c.LastError, &c.DispatchedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const itemColumns = `
	id, batch_id, chunk_id, winner_selection_id, user_id, correlation_token, provider_item_id, amount,
	email, status, provider_status, error_code, error_message, processed_at, requires_manual_review,
	admin_notes, created_at, updated_at
`

func scanItem(row rowScanner) (*domain.PayoutBatchItem, error) {
	var i domain.PayoutBatchItem
	err := row.Scan(
		&i.ID, &i.BatchID, &i.ChunkID, &i.WinnerSelectionID, &i.UserID, &i.CorrelationToken,
		&i.ProviderItemID, &i.Amount, &i.Email, &i.Status, &i.ProviderStatus, &i.ErrorCode,
		&i.ErrorMessage, &i.ProcessedAt, &i.RequiresManualReview, &i.AdminNotes, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// FindPayoutBatchesByChecksum returns every attempt for (cycle, checksum), newest first.
func (r *PostgresRepository) FindPayoutBatchesByChecksum(ctx context.Context, cycleID uuid.UUID, checksum string) ([]domain.PayoutBatch, error) {
	query := `SELECT ` + batchColumns + `
		FROM payout_batches
		WHERE cycle_id = $1 AND request_checksum = $2
		ORDER BY attempt DESC`
	rows, err := r.db.Query(ctx, query, cycleID, checksum)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// CreatePayoutBatch inserts the batch intent with all of its chunks and items atomically.
// A concurrent insert of the same (cycle, checksum, attempt) yields ErrDuplicatePayoutBatch.
func (r *PostgresRepository) CreatePayoutBatch(ctx context.Context, batch *domain.PayoutBatch, chunks []domain.PayoutBatchChunk, items []domain.PayoutBatchItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batchQuery := `
		INSERT INTO payout_batches (
			id, cycle_id, request_checksum, attempt, status, currency, total_recipients, total_amount,
			pending_count, supersedes_batch_id, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, batchQuery,
		batch.ID,
		batch.CycleID,
		batch.RequestChecksum,
		batch.Attempt,
		batch.Status,
		batch.Currency,
		batch.TotalRecipients,
		batch.TotalAmount,
		batch.PendingCount,
		batch.SupersedesBatchID,
		batch.CreatedBy,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayoutBatch
		}
		return fmt.Errorf("failed to insert payout batch: %w", err)
	}

	chunkQuery := `
		INSERT INTO payout_batch_chunks (
			id, batch_id, sequence, sender_batch_id, recipient_count, total_amount, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, chunk := range chunks {
		if _, err := tx.Exec(ctx, chunkQuery,
			chunk.ID,
			chunk.BatchID,
			chunk.Sequence,
			chunk.SenderBatchID,
			chunk.RecipientCount,
			chunk.TotalAmount,
			chunk.Status,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicatePayoutBatch
			}
			return fmt.Errorf("failed to insert payout chunk %d: %w", chunk.Sequence, err)
		}
	}

	itemQuery := `
		INSERT INTO payout_batch_items (
			id, batch_id, chunk_id, winner_selection_id, user_id, correlation_token, amount, email, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, item := range items {
		if _, err := tx.Exec(ctx, itemQuery,
			item.ID,
			item.BatchID,
			item.ChunkID,
			item.WinnerSelectionID,
			item.UserID,
			item.CorrelationToken,
			item.Amount,
			item.Email,
			item.Status,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicatePayoutBatch
			}
			return fmt.Errorf("failed to insert payout item for winner %s: %w", item.WinnerSelectionID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetPayoutBatch retrieves a payout batch by its ID.
func (r *PostgresRepository) GetPayoutBatch(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM payout_batches WHERE id = $1`
	batch, err := scanBatch(r.db.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutBatchNotFound
		}
		return nil, err
	}
	return batch, nil
}

// ListPayoutBatchChunks returns the batch's chunks in dispatch order.
func (r *PostgresRepository) ListPayoutBatchChunks(ctx context.Context, batchID uuid.UUID) ([]domain.PayoutBatchChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM payout_batch_chunks WHERE batch_id = $1 ORDER BY sequence ASC`
	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.PayoutBatchChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// ListPayoutBatchItems returns every ledger row of the batch.
func (r *PostgresRepository) ListPayoutBatchItems(ctx context.Context, batchID uuid.UUID) ([]domain.PayoutBatchItem, error) {
	query := `SELECT ` + itemColumns + ` FROM payout_batch_items WHERE batch_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.PayoutBatchItem
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *i)
	}
	return items, rows.Err()
}

// FindPayoutChunkByProviderBatchID resolves the chunk a provider batch id was issued for.
func (r *PostgresRepository) FindPayoutChunkByProviderBatchID(ctx context.Context, providerBatchID string) (*domain.PayoutBatchChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM payout_batch_chunks WHERE provider_batch_id = $1`
	chunk, err := scanChunk(r.db.QueryRow(ctx, query, providerBatchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutChunkNotFound
		}
		return nil, err
	}
	return chunk, nil
}

// FindPayoutItemForWinner returns the winner's ledger row in batchID, or, when batchID is
// nil, the winner's newest row in a batch that has not been superseded.
func (r *PostgresRepository) FindPayoutItemForWinner(ctx context.Context, batchID *uuid.UUID, winnerID uuid.UUID) (*domain.PayoutBatchItem, error) {
	query := `SELECT ` + prefixed("i", itemColumns) + `
		FROM payout_batch_items i
		JOIN payout_batches b ON b.id = i.batch_id
		WHERE i.winner_selection_id = $1
		  AND (($2::uuid IS NOT NULL AND i.batch_id = $2) OR ($2::uuid IS NULL AND b.superseded_by_batch_id IS NULL))
		ORDER BY i.created_at DESC
		LIMIT 1`
	item, err := scanItem(r.db.QueryRow(ctx, query, winnerID, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutItemNotFound
		}
		return nil, err
	}
	return item, nil
}

func chunkStatusStrings(statuses []domain.ChunkStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// UpdatePayoutChunkDispatch records a dispatch step for one chunk. Moving a chunk to
// dispatching also moves its batch out of intent.
func (r *PostgresRepository) UpdatePayoutChunkDispatch(ctx context.Context, chunkID uuid.UUID, params ChunkDispatchParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE payout_batch_chunks
		SET status = $2,
		    provider_batch_id = COALESCE($3, provider_batch_id),
		    last_error = COALESCE($4, last_error),
		    dispatched_at = CASE
				WHEN $2::text IN ('submitted', 'unknown', 'failed') AND dispatched_at IS NULL THEN NOW()
				ELSE dispatched_at
			END,
		    updated_at = NOW()
		WHERE id = $1
		  AND (cardinality($5::text[]) = 0 OR status = ANY($5::text[]))
		RETURNING batch_id
	`
	var batchID uuid.UUID
	err = tx.QueryRow(ctx, query,
		chunkID,
		string(params.Status),
		params.ProviderBatchID,
		params.LastError,
		chunkStatusStrings(params.FromStatuses),
	).Scan(&batchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChunkStateConflict
		}
		return fmt.Errorf("failed to update payout chunk: %w", err)
	}

	if params.Status == domain.ChunkStatusDispatching {
		if _, err := tx.Exec(ctx, `
			UPDATE payout_batches SET status = 'processing', updated_at = NOW()
			WHERE id = $1 AND status = 'intent'
		`, batchID); err != nil {
			return fmt.Errorf("failed to mark payout batch processing: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ApplyPayoutItemOutcome upserts one normalised provider outcome keyed by
// (batch_id, winner_selection_id). Replaying the same outcome changes nothing, and a
// success is never overwritten. It reports whether the row changed.
func (r *PostgresRepository) ApplyPayoutItemOutcome(ctx context.Context, params ItemOutcomeParams) (bool, error) {
	query := `
		INSERT INTO payout_batch_items AS i (
			id, batch_id, chunk_id, winner_selection_id, user_id, correlation_token, amount, email,
			status, provider_item_id, provider_status, error_code, error_message, processed_at,
			requires_manual_review
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (batch_id, winner_selection_id) DO UPDATE
		SET status = EXCLUDED.status,
		    provider_item_id = COALESCE(EXCLUDED.provider_item_id, i.provider_item_id),
		    provider_status = COALESCE(EXCLUDED.provider_status, i.provider_status),
		    error_code = EXCLUDED.error_code,
		    error_message = EXCLUDED.error_message,
		    processed_at = COALESCE(EXCLUDED.processed_at, i.processed_at),
		    requires_manual_review = i.requires_manual_review OR EXCLUDED.requires_manual_review,
		    updated_at = NOW()
		WHERE i.status <> 'success'
		  AND (i.status, i.provider_item_id, i.provider_status, i.error_code, i.requires_manual_review)
		      IS DISTINCT FROM
		      (EXCLUDED.status, COALESCE(EXCLUDED.provider_item_id, i.provider_item_id),
		       COALESCE(EXCLUDED.provider_status, i.provider_status), EXCLUDED.error_code,
		       i.requires_manual_review OR EXCLUDED.requires_manual_review)
	`
	result, err := r.db.Exec(ctx, query,
		uuid.New(),
		params.BatchID,
		params.ChunkID,
		params.WinnerSelectionID,
		params.UserID,
		params.CorrelationToken,
		params.Amount,
		params.Email,
		string(params.Status),
		params.ProviderItemID,
		params.ProviderStatus,
		params.ErrorCode,
		params.ErrorMessage,
		params.ProcessedAt,
		params.RequiresManualReview,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply payout item outcome: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecomputePayoutBatch recomputes the batch's counts and aggregate status from its
// ledger rows. Counts are never incremented in application code. updated_at only moves
// when the counts or status change, so a poll that learns nothing does not restart the
// retry window.
func (r *PostgresRepository) RecomputePayoutBatch(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	query := `
		WITH items AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'success') AS successful,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				COUNT(*) FILTER (WHERE status = 'pending') AS pending,
				COUNT(*) FILTER (WHERE status = 'unclaimed') AS unclaimed
			FROM payout_batch_items
			WHERE batch_id = $1
		),
		chunks AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
				COUNT(*) FILTER (WHERE status = 'pending') AS undispatched
			FROM payout_batch_chunks
			WHERE batch_id = $1
		),
		next AS (
			SELECT
				items.successful::int AS successful,
				items.failed::int AS failed,
				items.pending::int AS pending,
				items.unclaimed::int AS unclaimed,
				CASE
					WHEN chunks.total > 0 AND chunks.cancelled = chunks.total THEN 'cancelled'
					WHEN chunks.undispatched + chunks.cancelled = chunks.total AND cur.status = 'intent' THEN 'intent'
					WHEN items.pending > 0 THEN 'processing'
					WHEN items.failed = 0 THEN 'completed'
					WHEN items.successful = 0 AND items.unclaimed = 0 THEN 'failed'
					ELSE 'partially_completed'
				END AS status
			FROM items, chunks, payout_batches cur
			WHERE cur.id = $1
		)
		UPDATE payout_batches b
		SET
			successful_count = next.successful,
			failed_count = next.failed,
			pending_count = next.pending,
			unclaimed_count = next.unclaimed,
			status = next.status,
			updated_at = CASE
				WHEN (b.successful_count, b.failed_count, b.pending_count, b.unclaimed_count, b.status)
					IS DISTINCT FROM (next.successful, next.failed, next.pending, next.unclaimed, next.status)
				THEN NOW()
				ELSE b.updated_at
			END
		FROM next
		WHERE b.id = $1
		RETURNING ` + prefixed("b", batchColumns)

	batch, err := scanBatch(r.db.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutBatchNotFound
		}
		return nil, err
	}
	return batch, nil
}

// MarkPayoutBatchSuperseded links a batch to the attempt that replaces it.
func (r *PostgresRepository) MarkPayoutBatchSuperseded(ctx context.Context, batchID, successorID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `
		UPDATE payout_batches
		SET superseded_by_batch_id = $2, updated_at = NOW()
		WHERE id = $1 AND superseded_by_batch_id IS NULL
	`, batchID, successorID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBatchAlreadySuperseded
	}
	return nil
}

// FlagPayoutItemsForReview marks items as needing manual resolution with an admin note.
func (r *PostgresRepository) FlagPayoutItemsForReview(ctx context.Context, batchID uuid.UUID, itemIDs []uuid.UUID, note string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	result, err := r.db.Exec(ctx, `
		UPDATE payout_batch_items
		SET requires_manual_review = TRUE, admin_notes = $3, updated_at = NOW()
		WHERE batch_id = $1 AND id = ANY($2::uuid[])
	`, batchID, itemIDs, note)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CancelUndispatchedChunks cancels every chunk of the batch that was never handed to the
// provider and fails its items with a `cancelled` error code. Their winners were never
// moved to processing, so they stay eligible for a later payout pass.
func (r *PostgresRepository) CancelUndispatchedChunks(ctx context.Context, batchID uuid.UUID, reason string) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE payout_batch_chunks
		SET status = 'cancelled', last_error = $2, updated_at = NOW()
		WHERE batch_id = $1 AND status = 'pending'
	`, batchID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel payout chunks: %w", err)
	}
	cancelled := result.RowsAffected()
	if cancelled == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payout_batch_items i
		SET status = 'failed', error_code = 'cancelled', error_message = $2, updated_at = NOW()
		FROM payout_batch_chunks c
		WHERE c.id = i.chunk_id AND c.batch_id = $1 AND c.status = 'cancelled' AND i.status = 'pending'
	`, batchID, reason); err != nil {
		return 0, fmt.Errorf("failed to cancel payout items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return cancelled, nil
}

// ListOpenPayoutBatches returns batches that still have work outstanding, oldest first.
// A superseded batch stays listed while provider outcomes for it are still pending.
func (r *PostgresRepository) ListOpenPayoutBatches(ctx context.Context, limit int) ([]domain.PayoutBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + batchColumns + `
		FROM payout_batches
		WHERE status IN ('intent', 'processing')
		  AND (superseded_by_batch_id IS NULL OR pending_count > 0)
		ORDER BY created_at ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListRetryablePayoutBatches returns live batches that have failures or stale pending
// items and have not been touched since olderThan.
func (r *PostgresRepository) ListRetryablePayoutBatches(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + batchColumns + `
		FROM payout_batches
		WHERE superseded_by_batch_id IS NULL
		  AND status IN ('processing', 'partially_completed', 'failed')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, retryCutoff(olderThan), limit)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}
