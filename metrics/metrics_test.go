package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/rewards-engine/rewards"
)

func TestObserveAccrual(t *testing.T) {
	m := New()

	m.ObserveAccrual(rewards.KindProduct, rewards.StatusGranted, 459)
	m.ObserveAccrual(rewards.KindProduct, rewards.StatusGranted, 400)
	m.ObserveAccrual(rewards.KindProduct, rewards.StatusDuplicate, 0)
	m.ObserveAppendRetry(rewards.KindService)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.accruals.WithLabelValues("product", "granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accruals.WithLabelValues("product", "duplicate")))
	assert.Equal(t, 859.0, testutil.ToFloat64(m.pointsGranted.WithLabelValues("product")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendRetries.WithLabelValues("service")))
}

func TestObserveRequest(t *testing.T) {
	m := New()

	m.ObserveRequest(http.MethodGet, http.StatusOK)
	m.ObserveRequest(http.MethodGet, http.StatusOK)
	m.ObserveRequest(http.MethodPost, http.StatusBadRequest)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "400")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveAccrual(rewards.KindPrescription, rewards.StatusSkipped, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rewards_accruals_total{kind="prescription",status="skipped"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()

	a.ObserveRequest(http.MethodGet, http.StatusOK)

	assert.Equal(t, 0.0, testutil.ToFloat64(b.httpRequests.WithLabelValues("GET", "200")))
	assert.NotSame(t, a.Registry(), b.Registry())
}
