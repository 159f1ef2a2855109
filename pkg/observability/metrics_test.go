package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAll(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.OwnerInvariantDenials.Inc()
	m.PermissionChecksTotal.WithLabelValues("members_add", "allowed").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.OwnerInvariantDenials))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("members_add", "allowed")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/communities/c1", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/communities/c1", "404")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RequestsExpiredTotal.Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "commons_requests_expired_total 1")
}
