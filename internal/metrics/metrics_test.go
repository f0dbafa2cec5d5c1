package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequest(t *testing.T) {
	Init()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	ObserveHTTPRequest(http.MethodGet, "/v1/jobs/{job_id}/status", 200, 15*time.Millisecond)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))

	require.Equal(t, before+1, after)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	resp, err := http.Get(srv.URL + "/v1/jobs/abc123/status")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	require.Equal(t, before+1, after)

	// The histogram is keyed by the route pattern, not the raw path, so the
	// series for the pattern must exist while one for the raw path must not.
	require.Equal(t, 1, countSeries(t, "/v1/jobs/{job_id}/status"))
	require.Equal(t, 0, countSeries(t, "/v1/jobs/abc123/status"))
}

// countSeries returns how many duration series exist for the given route label.
func countSeries(t *testing.T, route string) int {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	count := 0
	for _, mf := range families {
		if mf.GetName() != "forged_http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "route" && lp.GetValue() == route {
					count++
				}
			}
		}
	}
	return count
}
