package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsOutcomes(t *testing.T) {
	r := NewRecorder()

	r.ItemOutcome("success", "webhook")
	r.ItemOutcome("success", "webhook")
	r.ItemOutcome("failed", "poll")
	r.TokenDropped()
	r.SetOpenBatches(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.itemOutcomes.WithLabelValues("success", "webhook")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.itemOutcomes.WithLabelValues("failed", "poll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tokensDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.openBatches))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.SelectionRun("random", "ok")
		r.Disbursement("submitted")
		r.ChunkDispatched("submitted")
		r.ProviderCall("submit_batch", "ok", time.Now())
		r.ItemOutcome("success", "poll")
		r.TokenDropped()
		r.RetryDecision("created")
		r.WebhookMessage("ack")
		r.SetOpenBatches(1)
		r.LockContention()
	})
	assert.Nil(t, r.Registry())
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	r := NewRecorder()
	r.Disbursement("submitted")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `rewards_payouts_disbursements_total{outcome="submitted"} 1`))
}
