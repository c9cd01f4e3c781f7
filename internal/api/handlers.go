/**
 * @description
 * This file contains the HTTP handlers for the rewards-service admin API. Handlers parse
 * the request, call the rewards service, and render every outcome in the same envelope
 * so the admin console can branch on a machine-readable reason code.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Service operations and models.
 * - go.uber.org/zap: Request-scoped logging.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/domain"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// RewardsService is the part of app.Service the handlers drive.
type RewardsService interface {
	RunSelection(ctx context.Context, cycleID uuid.UUID, req domain.RunSelectionRequest) (*domain.SelectionResult, error)
	SaveSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error)
	SealSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error)
	UnsealSelection(ctx context.Context, cycleID uuid.UUID, operator, reason string) (*domain.Cycle, error)
	ClearSelection(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error)
	ListWinners(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, []domain.WinnerSelection, error)
	ListSelectionAudit(ctx context.Context, cycleID uuid.UUID) ([]domain.SelectionAuditEntry, error)
	UpdateWinner(ctx context.Context, cycleID, winnerID uuid.UUID, update domain.WinnerAmountsUpdate) (*domain.WinnerSelection, error)
	ProcessDisbursements(ctx context.Context, cycleID uuid.UUID, winnerIDs []uuid.UUID, operator string) (*domain.DisbursementResult, error)
	GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*domain.BatchStatusView, error)
	ResumeBatch(ctx context.Context, batchID uuid.UUID) (*domain.DisbursementResult, error)
	ReconcileBatch(ctx context.Context, batchID uuid.UUID) (*domain.ReconcileResult, error)
	RetryBatch(ctx context.Context, batchID uuid.UUID, operator string) (*domain.RetryResult, error)
	CancelBatch(ctx context.Context, batchID uuid.UUID, operator string) (*domain.PayoutBatch, int64, error)
}

var _ RewardsService = (*app.Service)(nil)

// RewardsHandlers holds the service the handlers use.
type RewardsHandlers struct {
	service RewardsService
	logger  *zap.Logger
}

func NewRewardsHandlers(service RewardsService, logger *zap.Logger) *RewardsHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RewardsHandlers{service: service, logger: logger}
}

// envelope is the body of every admin API response.
type envelope struct {
	OK         bool        `json:"ok"`
	ReasonCode string      `json:"reason_code,omitempty"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
}

type winnersResponse struct {
	Cycle   *domain.Cycle            `json:"cycle"`
	Winners []domain.WinnerSelection `json:"winners"`
}

type cancelResponse struct {
	Batch          *domain.PayoutBatch `json:"batch"`
	ItemsCancelled int64               `json:"items_cancelled"`
}

type unsealRequest struct {
	Reason string `json:"reason"`
}

type disbursementRequest struct {
	WinnerIDs []uuid.UUID `json:"winner_ids"`
}

// RunSelectionHandler draws winners for a cycle.
func (h *RewardsHandlers) RunSelectionHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	var req domain.RunSelectionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.RunSelection(r.Context(), cycleID, req)
	if err != nil {
		h.fail(w, r, "run_selection", err, nil)
		return
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("Selected %d winners", len(result.Winners)), result)
}

func (h *RewardsHandlers) SaveSelectionHandler(w http.ResponseWriter, r *http.Request) {
	h.cycleTransition(w, r, "save_selection", "Selection saved", h.service.SaveSelection)
}

func (h *RewardsHandlers) SealSelectionHandler(w http.ResponseWriter, r *http.Request) {
	h.cycleTransition(w, r, "seal_selection", "Selection sealed", h.service.SealSelection)
}

func (h *RewardsHandlers) ClearSelectionHandler(w http.ResponseWriter, r *http.Request) {
	h.cycleTransition(w, r, "clear_selection", "Selection cleared", h.service.ClearSelection)
}

// UnsealSelectionHandler reopens a sealed selection. A reason is mandatory.
func (h *RewardsHandlers) UnsealSelectionHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	var req unsealRequest
	if !h.decode(w, r, &req) {
		return
	}

	cycle, err := h.service.UnsealSelection(r.Context(), cycleID, operator, strings.TrimSpace(req.Reason))
	if err != nil {
		h.fail(w, r, "unseal_selection", err, nil)
		return
	}
	h.ok(w, http.StatusOK, "Selection unsealed", cycle)
}

func (h *RewardsHandlers) ListWinnersHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	cycle, winners, err := h.service.ListWinners(r.Context(), cycleID)
	if err != nil {
		h.fail(w, r, "list_winners", err, nil)
		return
	}
	if winners == nil {
		winners = []domain.WinnerSelection{}
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("%d winners", len(winners)), winnersResponse{Cycle: cycle, Winners: winners})
}

func (h *RewardsHandlers) ListSelectionAuditHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	entries, err := h.service.ListSelectionAudit(r.Context(), cycleID)
	if err != nil {
		h.fail(w, r, "list_selection_audit", err, nil)
		return
	}
	if entries == nil {
		entries = []domain.SelectionAuditEntry{}
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("%d audit entries", len(entries)), entries)
}

// UpdateWinnerHandler edits the tier pool or override of one winner on a saved selection.
func (h *RewardsHandlers) UpdateWinnerHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	winnerID, ok := h.uuidParam(w, r, "winnerID")
	if !ok {
		return
	}
	var update domain.WinnerAmountsUpdate
	if !h.decode(w, r, &update) {
		return
	}
	if update.TierPoolSize == nil && update.PayoutOverride == nil && !update.ClearOverride {
		h.reject(w, http.StatusBadRequest, "invalid_request", "Nothing to update")
		return
	}

	winner, err := h.service.UpdateWinner(r.Context(), cycleID, winnerID, update)
	if err != nil {
		h.fail(w, r, "update_winner", err, nil)
		return
	}
	h.ok(w, http.StatusOK, "Winner updated", winner)
}

// ProcessDisbursementsHandler pays the given winners of a sealed cycle. The status code
// tells apart a new batch, a reused one, and a batch the provider accepted nothing from.
func (h *RewardsHandlers) ProcessDisbursementsHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	var req disbursementRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.ProcessDisbursements(r.Context(), cycleID, req.WinnerIDs, operator)
	if err != nil {
		h.fail(w, r, "process_disbursements", err, nil)
		return
	}
	h.writeDisbursement(w, result)
}

func (h *RewardsHandlers) GetBatchStatusHandler(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	view, err := h.service.GetBatchStatus(r.Context(), batchID)
	if err != nil {
		h.fail(w, r, "get_batch_status", err, nil)
		return
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("Batch is %s", view.Batch.Status), view)
}

func (h *RewardsHandlers) ResumeBatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	result, err := h.service.ResumeBatch(r.Context(), batchID)
	if err != nil {
		h.fail(w, r, "resume_batch", err, nil)
		return
	}
	h.writeDisbursement(w, result)
}

// ReconcileBatchHandler polls the provider for a batch. A poll failure after some chunks
// were applied still returns what was applied.
func (h *RewardsHandlers) ReconcileBatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	result, err := h.service.ReconcileBatch(r.Context(), batchID)
	if err != nil {
		if result != nil && classifyError(err).reason == "internal_error" {
			h.logger.Warn("reconcile partially failed", zap.String("batch_id", batchID.String()), zap.Error(err))
			h.writeEnvelope(w, http.StatusBadGateway, envelope{
				OK:         false,
				ReasonCode: "provider_poll_failed",
				Message:    err.Error(),
				Data:       result,
			})
			return
		}
		h.fail(w, r, "reconcile_batch", err, nil)
		return
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("Applied %d item updates", result.ItemsApplied), result)
}

func (h *RewardsHandlers) RetryBatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	result, err := h.service.RetryBatch(r.Context(), batchID, operator)
	if err != nil {
		var data interface{}
		if result != nil {
			data = result
		}
		h.fail(w, r, "retry_batch", err, data)
		return
	}
	h.ok(w, http.StatusAccepted, fmt.Sprintf("Retrying %d items", result.Eligible), result)
}

func (h *RewardsHandlers) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	batch, cancelled, err := h.service.CancelBatch(r.Context(), batchID, operator)
	if err != nil {
		h.fail(w, r, "cancel_batch", err, nil)
		return
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("Cancelled %d undispatched items", cancelled),
		cancelResponse{Batch: batch, ItemsCancelled: cancelled})
}

type cycleOp func(ctx context.Context, cycleID uuid.UUID, operator string) (*domain.Cycle, error)

func (h *RewardsHandlers) cycleTransition(w http.ResponseWriter, r *http.Request, op, message string, fn cycleOp) {
	cycleID, ok := h.uuidParam(w, r, "cycleID")
	if !ok {
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	cycle, err := fn(r.Context(), cycleID, operator)
	if err != nil {
		h.fail(w, r, op, err, nil)
		return
	}
	h.ok(w, http.StatusOK, message, cycle)
}

func (h *RewardsHandlers) writeDisbursement(w http.ResponseWriter, result *domain.DisbursementResult) {
	switch result.Outcome {
	case domain.OutcomeReused:
		h.ok(w, http.StatusOK, "Existing payout batch returned", result)
	case domain.OutcomeNothing:
		h.writeEnvelope(w, http.StatusBadGateway, envelope{
			OK:         false,
			ReasonCode: string(domain.OutcomeNothing),
			Message:    "The payout provider accepted no chunk; nothing was paid",
			Data:       result,
		})
	default:
		h.ok(w, http.StatusAccepted, fmt.Sprintf("Payout batch %s", result.Outcome), result)
	}
}

func (h *RewardsHandlers) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *RewardsHandlers) operator(w http.ResponseWriter, r *http.Request) (string, bool) {
	operator, ok := GetOperatorID(r.Context())
	if !ok {
		h.reject(w, http.StatusUnauthorized, "unauthorized", "Could not get operator from context")
		return "", false
	}
	return operator, true
}

func (h *RewardsHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.reject(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

// fail renders an operation error. Unexpected errors are logged and their text hidden.
func (h *RewardsHandlers) fail(w http.ResponseWriter, r *http.Request, op string, err error, data interface{}) {
	f := classifyError(err)
	message := err.Error()

	var validation *app.ValidationError
	if errors.As(err, &validation) {
		data = validation
	}
	if f.status >= http.StatusInternalServerError {
		h.logger.Error("admin operation failed",
			zap.String("op", op),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if f.reason == "internal_error" {
			message = "Internal server error"
		}
	}
	h.writeEnvelope(w, f.status, envelope{OK: false, ReasonCode: f.reason, Message: message, Data: data})
}

func (h *RewardsHandlers) ok(w http.ResponseWriter, status int, message string, data interface{}) {
	h.writeEnvelope(w, status, envelope{OK: true, Message: message, Data: data})
}

func (h *RewardsHandlers) reject(w http.ResponseWriter, status int, reason, message string) {
	h.writeEnvelope(w, status, envelope{OK: false, ReasonCode: reason, Message: message})
}

func (h *RewardsHandlers) writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	writeEnvelope(w, status, body)
}

// writeEnvelope is a helper for writing JSON responses.
func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
