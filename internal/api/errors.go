package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/store"
)

// failure is the HTTP rendering of an operation error.
type failure struct {
	status int
	reason string
}

var sentinelFailures = []struct {
	err error
	failure
}{
	{store.ErrCycleNotFound, failure{http.StatusNotFound, "cycle_not_found"}},
	{store.ErrWinnerNotFound, failure{http.StatusNotFound, "winner_not_found"}},
	{store.ErrPayoutBatchNotFound, failure{http.StatusNotFound, "batch_not_found"}},

	{app.ErrInvalidAlgorithm, failure{http.StatusBadRequest, "invalid_algorithm"}},
	{app.ErrNoWinnersRequested, failure{http.StatusBadRequest, "no_winners_requested"}},
	{app.ErrNoEligibleUsers, failure{http.StatusConflict, "no_eligible_participants"}},

	{store.ErrSelectionSealed, failure{http.StatusConflict, "already_sealed"}},
	{store.ErrSelectionEmpty, failure{http.StatusConflict, "selection_empty"}},
	{app.ErrSelectionNotSaved, failure{http.StatusConflict, "selection_not_saved"}},
	{app.ErrSelectionNotSealed, failure{http.StatusConflict, "selection_not_sealed"}},
	{store.ErrSelectionNotSealed, failure{http.StatusConflict, "selection_not_sealed"}},
	{store.ErrSelectionStateConflict, failure{http.StatusConflict, "selection_state_conflict"}},
	{store.ErrSelectionVersionConflict, failure{http.StatusConflict, "selection_changed"}},
	{store.ErrSelectionIncomplete, failure{http.StatusUnprocessableEntity, "selection_incomplete"}},
	{store.ErrUnsealBlocked, failure{http.StatusConflict, "unseal_blocked_payouts_processed"}},
	{store.ErrUnsealInFlight, failure{http.StatusConflict, "unseal_blocked_payouts_in_flight"}},
	{store.ErrSelectionHasPayoutHistory, failure{http.StatusConflict, "selection_has_payout_history"}},

	{app.ErrSelectionFullyPaid, failure{http.StatusConflict, "already_paid"}},
	{app.ErrBatchSuperseded, failure{http.StatusConflict, "batch_superseded"}},
	{store.ErrBatchAlreadySuperseded, failure{http.StatusConflict, "batch_superseded"}},
	{app.ErrBatchNotRetryable, failure{http.StatusConflict, "batch_not_retryable"}},
	{app.ErrRetryCapReached, failure{http.StatusConflict, "retry_cap_reached"}},
	{app.ErrCycleBusy, failure{http.StatusConflict, "cycle_busy"}},
	{app.ErrProviderUnavailable, failure{http.StatusServiceUnavailable, "provider_unavailable"}},
	{context.DeadlineExceeded, failure{http.StatusGatewayTimeout, "timeout"}},
}

// classifyError maps an operation error to its HTTP status and reason code.
func classifyError(err error) failure {
	var validation *app.ValidationError
	if errors.As(err, &validation) {
		return failure{http.StatusUnprocessableEntity, "validation_failed"}
	}
	for _, s := range sentinelFailures {
		if errors.Is(err, s.err) {
			return s.failure
		}
	}
	return failure{http.StatusInternalServerError, "internal_error"}
}
