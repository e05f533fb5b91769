package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.Dispatch("assigned")
	m.Dispatch("assigned")
	m.Dispatch("no_capacity")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("no_capacity")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Dispatch("assigned")
	m.Finalize("resolved")
	m.Verification("matched")
	m.Arrival("arrived")
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Verification("mismatch")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `atm_fieldops_tickets_verification_total{result="mismatch"} 1`))
}
